package bridge

import (
	"regexp"

	"github.com/google/uuid"
)

// marker describes one recognized inline XML-shaped command form.
type marker struct {
	re       *regexp.Regexp
	toolName string
	fields   []string // named capture groups, in field order
}

var markers = []marker{
	{
		re:       regexp.MustCompile(`<readCode><file>(.*?)</file></readCode>`),
		toolName: "readCode",
		fields:   []string{"file"},
	},
	{
		re:       regexp.MustCompile(`<readFile><file>(.*?)</file></readFile>`),
		toolName: "readFile",
		fields:   []string{"file"},
	},
	{
		re:       regexp.MustCompile(`<ls><path>(.*?)</path></ls>`),
		toolName: "ls",
		fields:   []string{"path"},
	},
	{
		re:       regexp.MustCompile(`<grep><pattern>(.*?)</pattern><path>(.*?)</path></grep>`),
		toolName: "grep",
		fields:   []string{"pattern", "path"},
	},
	{
		re:       regexp.MustCompile(`<glob><pattern>(.*?)</pattern><path>(.*?)</path></glob>`),
		toolName: "glob",
		fields:   []string{"pattern", "path"},
	},
}

// combinedMarkers matches any recognized marker form, used to scan the
// text in source order regardless of which specific marker it is.
var combinedMarkers = regexp.MustCompile(
	`<readCode><file>.*?</file></readCode>` +
		`|<readFile><file>.*?</file></readFile>` +
		`|<ls><path>.*?</path></ls>` +
		`|<grep><pattern>.*?</pattern><path>.*?</path></grep>` +
		`|<glob><pattern>.*?</pattern><path>.*?</path></glob>`,
)

// FabricateToolCalls scans text for inline XML-shaped command markers and
// materializes them as ToolUse blocks, preserving the surrounding plain
// text as Text blocks in original order. Empty or whitespace-only text
// runs between markers are dropped. When no markers are found, the
// entire text becomes one Text block.
func FabricateToolCalls(text string) []ContentBlock {
	locs := combinedMarkers.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []ContentBlock{NewTextBlock(text)}
	}

	var blocks []ContentBlock
	pos := 0
	for _, loc := range locs {
		if loc[0] > pos {
			if before := text[pos:loc[0]]; !isBlank(before) {
				blocks = append(blocks, NewTextBlock(before))
			}
		}
		blocks = append(blocks, parseMarker(text[loc[0]:loc[1]]))
		pos = loc[1]
	}
	if pos < len(text) {
		if after := text[pos:]; !isBlank(after) {
			blocks = append(blocks, NewTextBlock(after))
		}
	}
	return blocks
}

func parseMarker(span string) ContentBlock {
	for _, m := range markers {
		match := m.re.FindStringSubmatch(span)
		if match == nil {
			continue
		}
		input := make(map[string]interface{}, len(m.fields))
		for i, field := range m.fields {
			input[field] = match[i+1]
		}
		return NewToolUseBlock(newToolUseID(), m.toolName, input)
	}
	// Unreachable given combinedMarkers is the union of the per-marker
	// patterns, but fall back to a text block rather than panic.
	return NewTextBlock(span)
}

func newToolUseID() string {
	return "toolu_" + uuid.NewString()
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

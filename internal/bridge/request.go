package bridge

import (
	"strings"
)

// TranslateRequest builds the vendor conversation envelope from a
// vendor-neutral client request. History is built from all but the last
// user message; the last user message becomes the current message. A
// system prompt, when present, is merged into the current message text
// wrapped in delimited markers. Non-textual content (tool calls/results,
// images) is projected to its textual summary.
func TranslateRequest(req ClientRequest, vc VendorContext) map[string]interface{} {
	history := buildHistory(req.Messages)
	currentText := buildCurrentMessageContent(req, vc)

	return map[string]interface{}{
		"conversationState": map[string]interface{}{
			"agentContinuationId": vc.TurnID,
			"agentTaskType":       "vibe",
			"chatTriggerType":     "MANUAL",
			"conversationId":      vc.ConversationID,
			"currentMessage": map[string]interface{}{
				"userInputMessage": map[string]interface{}{
					"content": currentText,
					"modelId": vc.VendorModelID,
					"origin":  vc.Origin,
				},
			},
			"history": history,
		},
		"profileArn": vc.ProfileARN,
	}
}

// buildCurrentMessageContent takes the last message in req.Messages (which
// must be the current turn) and wraps the system prompt, when present,
// around its extracted text.
func buildCurrentMessageContent(req ClientRequest, vc VendorContext) string {
	var current string
	if n := len(req.Messages); n > 0 {
		current = extractTextFromMessage(req.Messages[n-1])
	}
	if req.System == "" {
		return current
	}
	var b strings.Builder
	b.WriteString("<system>\n")
	b.WriteString(req.System)
	b.WriteString("\n</system>\n\n")
	b.WriteString(current)
	return b.String()
}

// buildHistory projects every message but the last into the vendor's
// history array, alternating user/assistant turns.
func buildHistory(messages []ClientMessage) []map[string]interface{} {
	if len(messages) <= 1 {
		return []map[string]interface{}{}
	}
	history := make([]map[string]interface{}, 0, len(messages)-1)
	for _, m := range messages[:len(messages)-1] {
		text := extractTextFromMessage(m)
		if m.Role == "assistant" {
			history = append(history, map[string]interface{}{
				"assistantResponseMessage": map[string]interface{}{"content": text},
			})
		} else {
			history = append(history, map[string]interface{}{
				"userInputMessage": map[string]interface{}{"content": text},
			})
		}
	}
	return history
}

// extractTextFromMessage flattens a message's content blocks to a single
// text string: Text and Thinking blocks are concatenated verbatim; a
// ToolUse block is projected to a compact "[tool_use: name]" summary,
// since the vendor's wire format carries plain text only.
func extractTextFromMessage(m ClientMessage) string {
	var b strings.Builder
	for _, blk := range m.Content {
		switch blk.Kind {
		case BlockText:
			b.WriteString(blk.Text)
		case BlockThinking:
			b.WriteString(blk.Text)
		case BlockToolUse:
			b.WriteString("[tool_use: ")
			b.WriteString(blk.ToolName)
			b.WriteString("]")
		}
	}
	return b.String()
}

// ResolveVendorModelID derives the vendor modelId for names the client
// sends in Anthropic shape: model names beginning with "claude-" have
// their last hyphen-delimited numeric suffix separator replaced with a
// decimal point (claude-sonnet-4-5 → claude-sonnet-4.5); anything else is
// preserved as-is unless the router left it unresolved, in which case the
// smart-router sentinel "auto" is used.
func ResolveVendorModelID(model string) string {
	if model == "" {
		return "auto"
	}
	if !strings.HasPrefix(model, "claude-") {
		return model
	}
	idx := strings.LastIndex(model, "-")
	if idx < 0 || idx == len(model)-1 {
		return model
	}
	suffix := model[idx+1:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return model
		}
	}
	return model[:idx] + "." + suffix
}

// Package bridge translates between the Anthropic "messages" / OpenAI
// "chat/completions" client protocols and the streaming vendor's native
// wire format, in both directions and in both streaming and buffered shape.
package bridge

// BlockKind discriminates the variants of ContentBlock.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockToolUse
	BlockThinking
)

// ContentBlock is the bridge's vendor-neutral representation of one unit
// of assistant output. Exactly one of the field groups is meaningful,
// selected by Kind.
type ContentBlock struct {
	Kind BlockKind

	// BlockText / BlockThinking
	Text string

	// BlockToolUse
	ToolUseID string
	ToolName  string
	ToolInput map[string]interface{}
}

// NewTextBlock constructs a Text block.
func NewTextBlock(text string) ContentBlock { return ContentBlock{Kind: BlockText, Text: text} }

// NewToolUseBlock constructs a ToolUse block with the given id; callers
// mint the id (see newToolUseID).
func NewToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ClientMessage is the vendor-neutral shape of one message in an inbound
// Anthropic or OpenAI request, after the per-protocol adapter has
// normalized roles and flattened content into blocks.
type ClientMessage struct {
	Role    string // "user" | "assistant"
	Content []ContentBlock
}

// ClientRequest is the vendor-neutral shape TranslateRequest consumes,
// produced by the Anthropic adapter directly or by the OpenAI adapter
// after translating chat/completions' shape into this one.
type ClientRequest struct {
	Model    string
	System   string
	Messages []ClientMessage
	Stream   bool
}

// VendorContext carries the per-request values TranslateRequest needs that
// are not part of the inbound client body: the vendor model id already
// resolved by the router, the minted conversation id (stable across
// retries of one inbound request), a fresh per-turn id, the account's
// profile ARN, and the request's origin tag for the AI_EDITOR/CLI
// fallback.
type VendorContext struct {
	VendorModelID  string
	ConversationID string
	TurnID         string
	ProfileARN     string
	Origin         string // "AI_EDITOR" | "CLI"
}

package bridge

import "io"

// TranslateBufferedResponse collects vendorBody to text, fabricates tool
// calls from it, and packages the result as an Anthropic non-streaming
// message JSON. stop_reason is "tool_use" if any ToolUse block was
// produced, otherwise "end_turn". Usage counters are zero — the vendor
// does not report them on this transport.
func TranslateBufferedResponse(vendorBody io.Reader, messageID, vendorModelID string) (map[string]interface{}, error) {
	text, err := CollectToText(vendorBody)
	if err != nil && text == "" {
		return nil, err
	}

	blocks := FabricateToolCalls(text)
	content := make([]interface{}, 0, len(blocks))
	stopReason := "end_turn"
	for _, b := range blocks {
		switch b.Kind {
		case BlockText:
			content = append(content, map[string]interface{}{"type": "text", "text": b.Text})
		case BlockToolUse:
			stopReason = "tool_use"
			content = append(content, map[string]interface{}{
				"type":  "tool_use",
				"id":    b.ToolUseID,
				"name":  b.ToolName,
				"input": b.ToolInput,
			})
		case BlockThinking:
			content = append(content, map[string]interface{}{"type": "thinking", "thinking": b.Text})
		}
	}

	return map[string]interface{}{
		"id":          messageID,
		"type":        "message",
		"role":        "assistant",
		"model":       vendorModelID,
		"content":     content,
		"stop_reason": stopReason,
		"usage":       map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
	}, nil
}

package bridge

import "encoding/json"

// FromAnthropicJSON parses an Anthropic /v1/messages-shaped request body
// into the vendor-neutral ClientRequest.
func FromAnthropicJSON(body map[string]interface{}) ClientRequest {
	req := ClientRequest{
		Model:  stringField(body, "model"),
		System: anthropicSystemToText(body["system"]),
		Stream: boolField(body, "stream"),
	}
	rawMessages, _ := body["messages"].([]interface{})
	for _, rm := range rawMessages {
		m, ok := rm.(map[string]interface{})
		if !ok {
			continue
		}
		req.Messages = append(req.Messages, ClientMessage{
			Role:    stringField(m, "role"),
			Content: anthropicContentToBlocks(m["content"]),
		})
	}
	return req
}

// anthropicSystemToText flattens the system field, which clients send
// either as a plain string or as a list of text blocks.
func anthropicSystemToText(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		var out string
		for _, item := range v {
			blk, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text := stringField(blk, "text"); text != "" {
				if out != "" {
					out += "\n"
				}
				out += text
			}
		}
		return out
	default:
		return ""
	}
}

func anthropicContentToBlocks(raw interface{}) []ContentBlock {
	switch v := raw.(type) {
	case string:
		return []ContentBlock{NewTextBlock(v)}
	case []interface{}:
		blocks := make([]ContentBlock, 0, len(v))
		for _, item := range v {
			blk, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch stringField(blk, "type") {
			case "text":
				blocks = append(blocks, NewTextBlock(stringField(blk, "text")))
			case "tool_use":
				input, _ := blk["input"].(map[string]interface{})
				blocks = append(blocks, NewToolUseBlock(stringField(blk, "id"), stringField(blk, "name"), input))
			case "tool_result":
				blocks = append(blocks, NewTextBlock(stringField(blk, "content")))
			case "image":
				blocks = append(blocks, NewTextBlock("[image omitted]"))
			default:
				blocks = append(blocks, NewTextBlock(stringField(blk, "text")))
			}
		}
		return blocks
	default:
		return nil
	}
}

// FromOpenAIJSON parses an OpenAI /v1/chat/completions-shaped request
// body into the vendor-neutral ClientRequest, lifting a leading "system"
// role message into ClientRequest.System the way Anthropic's own `system`
// field is treated.
func FromOpenAIJSON(body map[string]interface{}) ClientRequest {
	req := ClientRequest{
		Model:  stringField(body, "model"),
		Stream: boolField(body, "stream"),
	}
	rawMessages, _ := body["messages"].([]interface{})
	for _, rm := range rawMessages {
		m, ok := rm.(map[string]interface{})
		if !ok {
			continue
		}
		role := stringField(m, "role")
		text := openAIContentToText(m["content"])
		if role == "system" {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += text
			continue
		}
		req.Messages = append(req.Messages, ClientMessage{Role: role, Content: []ContentBlock{NewTextBlock(text)}})
	}
	return req
}

func openAIContentToText(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		var out string
		for _, item := range v {
			part, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if stringField(part, "type") == "text" {
				out += stringField(part, "text")
			}
		}
		return out
	default:
		return ""
	}
}

// BufferedToOpenAI projects an Anthropic-shaped buffered response (as
// produced by TranslateBufferedResponse) into an OpenAI
// chat/completions-shaped response.
func BufferedToOpenAI(anthropicResp map[string]interface{}, id string) map[string]interface{} {
	var text string
	toolCalls := []interface{}{}
	if content, ok := anthropicResp["content"].([]interface{}); ok {
		for _, c := range content {
			blk, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			switch stringField(blk, "type") {
			case "text":
				text += stringField(blk, "text")
			case "tool_use":
				args, _ := json.Marshal(blk["input"])
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   stringField(blk, "id"),
					"type": "function",
					"function": map[string]interface{}{
						"name":      stringField(blk, "name"),
						"arguments": string(args),
					},
				})
			}
		}
	}

	finishReason := "stop"
	if stringField(anthropicResp, "stop_reason") == "tool_use" {
		finishReason = "tool_calls"
	}

	message := map[string]interface{}{"role": "assistant", "content": text}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	return map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"model":   anthropicResp["model"],
		"choices": []interface{}{map[string]interface{}{"index": 0, "message": message, "finish_reason": finishReason}},
		"usage":   anthropicResp["usage"],
	}
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func boolField(m map[string]interface{}, key string) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}

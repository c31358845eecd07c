package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/polyrelay/polyrelay/internal/eventstream"
)

// SSEChunk is one Server-Sent Event frame in the Anthropic taxonomy.
type SSEChunk struct {
	Event string
	Data  map[string]interface{}
}

// Write emits the chunk as "event: <name>\ndata: <json>\n\n" and flushes.
func (c SSEChunk) Write(w io.Writer) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Event, data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

type assistantResponseEventPayload struct {
	Content string `json:"content"`
}

// StreamToClient decodes vendorBody as an event-framed stream and writes
// the corresponding Anthropic SSE taxonomy to w: message_start, a single
// text content block wrapped in content_block_start/stop, one
// content_block_delta per assistantResponseEvent frame, then message_delta
// + message_stop. metering/context-usage frames are counted but never
// reach the client. A failed write to w (e.g. after a client disconnect)
// stops the decode loop and is returned; closing the vendor response is
// left to the caller.
func StreamToClient(w io.Writer, vendorBody io.Reader, messageID, vendorModelID string) error {
	if err := (SSEChunk{Event: "message_start", Data: map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":      messageID,
			"type":    "message",
			"role":    "assistant",
			"model":   vendorModelID,
			"content": []interface{}{},
			"usage":   map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
		},
	}}).Write(w); err != nil {
		return err
	}

	if err := (SSEChunk{Event: "content_block_start", Data: map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	}}).Write(w); err != nil {
		return err
	}

	dec := eventstream.NewDecoder(vendorBody)
	sawToolUse := false
	meteringFrames := 0

	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, eventstream.ErrMalformedFrame) {
			_ = (SSEChunk{Event: "error", Data: map[string]interface{}{
				"type":  "error",
				"error": map[string]interface{}{"type": "api_error", "message": "malformed upstream frame"},
			}}).Write(w)
			break
		}
		if err != nil {
			return err
		}

		if frame.MessageType() != "event" {
			continue
		}

		switch frame.EventType() {
		case "assistantResponseEvent":
			var payload assistantResponseEventPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				continue
			}
			if payload.Content == "" {
				continue
			}
			if err := (SSEChunk{Event: "content_block_delta", Data: map[string]interface{}{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]interface{}{"type": "text_delta", "text": payload.Content},
			}}).Write(w); err != nil {
				return err
			}
		case "meteringEvent", "contextUsageEvent":
			meteringFrames++
		default:
			// Unknown event types are ignored per the decoder contract.
		}
	}

	if err := (SSEChunk{Event: "content_block_stop", Data: map[string]interface{}{
		"type": "content_block_stop", "index": 0,
	}}).Write(w); err != nil {
		return err
	}

	stopReason := "end_turn"
	if sawToolUse {
		stopReason = "tool_use"
	}
	if err := (SSEChunk{Event: "message_delta", Data: map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason},
		"usage": map[string]interface{}{"output_tokens": 0},
	}}).Write(w); err != nil {
		return err
	}
	return (SSEChunk{Event: "message_stop", Data: map[string]interface{}{"type": "message_stop"}}).Write(w)
}

// StreamToClientOpenAI decodes vendorBody the same way StreamToClient does
// but writes OpenAI chat/completions chunk framing: a role-bearing first
// chunk, one content-delta chunk per assistantResponseEvent frame, a
// finish_reason chunk, and a terminal "[DONE]" marker.
func StreamToClientOpenAI(w io.Writer, vendorBody io.Reader, id, model string) error {
	writeChunk := func(delta map[string]interface{}, finishReason interface{}) error {
		chunk := map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"model":   model,
			"choices": []interface{}{map[string]interface{}{"index": 0, "delta": delta, "finish_reason": finishReason}},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return nil
	}

	if err := writeChunk(map[string]interface{}{"role": "assistant", "content": ""}, nil); err != nil {
		return err
	}

	dec := eventstream.NewDecoder(vendorBody)
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, eventstream.ErrMalformedFrame) {
			break
		}
		if err != nil {
			return err
		}
		if frame.MessageType() != "event" || frame.EventType() != "assistantResponseEvent" {
			continue
		}
		var payload assistantResponseEventPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			continue
		}
		if payload.Content == "" {
			continue
		}
		if err := writeChunk(map[string]interface{}{"content": payload.Content}, nil); err != nil {
			return err
		}
	}

	if err := writeChunk(map[string]interface{}{}, "stop"); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// CollectToText decodes vendorBody fully and concatenates every
// assistantResponseEvent's content in arrival order, for the non-streaming
// (buffered) response path.
func CollectToText(vendorBody io.Reader) (string, error) {
	dec := eventstream.NewDecoder(vendorBody)
	var text []byte
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, eventstream.ErrMalformedFrame) {
			return string(text), err
		}
		if err != nil {
			return string(text), err
		}
		if frame.MessageType() != "event" || frame.EventType() != "assistantResponseEvent" {
			continue
		}
		var payload assistantResponseEventPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			continue
		}
		text = append(text, payload.Content...)
	}
	return string(text), nil
}

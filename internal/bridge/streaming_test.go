package bridge

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
)

// vendorFrame builds one well-formed event-stream frame carrying an
// assistantResponseEvent (or other event type) with the given JSON payload.
func vendorFrame(t *testing.T, eventType string, payload string) []byte {
	t.Helper()
	var headerBuf bytes.Buffer
	for _, h := range [][2]string{
		{":message-type", "event"},
		{":event-type", eventType},
	} {
		headerBuf.WriteByte(byte(len(h[0])))
		headerBuf.WriteString(h[0])
		headerBuf.WriteByte(7)
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(h[1])))
		headerBuf.Write(vlen[:])
		headerBuf.WriteString(h[1])
	}
	headers := headerBuf.Bytes()

	total := 8 + 4 + len(headers) + len(payload) + 4
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(total))
	buf.Write(lenBuf[:])
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headers)))
	buf.Write(lenBuf[:])
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(headers)
	buf.WriteString(payload)
	buf.Write([]byte{0, 0, 0, 0})
	return buf.Bytes()
}

func TestStreamToClientDeltasConcatenateInOrder(t *testing.T) {
	var vendor bytes.Buffer
	vendor.Write(vendorFrame(t, "assistantResponseEvent", `{"content":"Hello, "}`))
	vendor.Write(vendorFrame(t, "meteringEvent", `{"usage":1}`))
	vendor.Write(vendorFrame(t, "assistantResponseEvent", `{"content":"world"}`))

	var out bytes.Buffer
	if err := StreamToClient(&out, &vendor, "msg_1", "claude-sonnet-4.5"); err != nil {
		t.Fatalf("StreamToClient: %v", err)
	}
	sse := out.String()

	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(sse, "event: "+event) {
			t.Fatalf("missing %s event in output:\n%s", event, sse)
		}
	}

	var concat string
	for _, line := range strings.Split(sse, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("bad data line %q: %v", line, err)
		}
		if chunk["type"] != "content_block_delta" {
			continue
		}
		delta := chunk["delta"].(map[string]interface{})
		concat += delta["text"].(string)
	}
	if concat != "Hello, world" {
		t.Fatalf("concatenated deltas = %q, want %q", concat, "Hello, world")
	}
	if strings.Contains(sse, "meteringEvent") {
		t.Fatal("metering frame leaked to the client")
	}
}

func TestStreamToClientOpenAIChunksAndDone(t *testing.T) {
	var vendor bytes.Buffer
	vendor.Write(vendorFrame(t, "assistantResponseEvent", `{"content":"hi"}`))

	var out bytes.Buffer
	if err := StreamToClientOpenAI(&out, &vendor, "chatcmpl-1", "claude-sonnet-4.5"); err != nil {
		t.Fatalf("StreamToClientOpenAI: %v", err)
	}
	sse := out.String()
	if !strings.Contains(sse, `"chat.completion.chunk"`) {
		t.Fatalf("missing chunk object in output:\n%s", sse)
	}
	if !strings.Contains(sse, `"content":"hi"`) {
		t.Fatalf("missing content delta in output:\n%s", sse)
	}
	if !strings.HasSuffix(strings.TrimSpace(sse), "data: [DONE]") {
		t.Fatalf("stream must terminate with [DONE], got:\n%s", sse)
	}
}

func TestTranslateBufferedResponseFabricatesToolUse(t *testing.T) {
	var vendor bytes.Buffer
	vendor.Write(vendorFrame(t, "assistantResponseEvent", `{"content":"Let me read the file: "}`))
	vendor.Write(vendorFrame(t, "assistantResponseEvent", `{"content":"<readCode><file>src/main.rs</file></readCode> done."}`))

	resp, err := TranslateBufferedResponse(&vendor, "msg_1", "claude-sonnet-4.5")
	if err != nil {
		t.Fatalf("TranslateBufferedResponse: %v", err)
	}
	if resp["stop_reason"] != "tool_use" {
		t.Fatalf("stop_reason = %v, want tool_use", resp["stop_reason"])
	}
	content := resp["content"].([]interface{})
	if len(content) != 3 {
		t.Fatalf("got %d content blocks, want 3: %+v", len(content), content)
	}
	tool := content[1].(map[string]interface{})
	if tool["type"] != "tool_use" || tool["name"] != "readCode" {
		t.Fatalf("block 1: %+v", tool)
	}
	if input := tool["input"].(map[string]interface{}); input["file"] != "src/main.rs" {
		t.Fatalf("tool input: %+v", input)
	}
}

func TestBufferedToOpenAIEncodesToolArgumentsAsJSON(t *testing.T) {
	anthropic := map[string]interface{}{
		"model": "claude-sonnet-4.5",
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": "running"},
			map[string]interface{}{
				"type": "tool_use", "id": "toolu_1", "name": "grep",
				"input": map[string]interface{}{"pattern": "foo", "path": "."},
			},
		},
		"stop_reason": "tool_use",
		"usage":       map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
	}
	out := BufferedToOpenAI(anthropic, "chatcmpl-1")
	choice := out["choices"].([]interface{})[0].(map[string]interface{})
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("finish_reason = %v", choice["finish_reason"])
	}
	message := choice["message"].(map[string]interface{})
	call := message["tool_calls"].([]interface{})[0].(map[string]interface{})
	args, ok := call["function"].(map[string]interface{})["arguments"].(string)
	if !ok {
		t.Fatalf("arguments must be a JSON string, got %T", call["function"].(map[string]interface{})["arguments"])
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		t.Fatalf("arguments is not valid JSON: %v", err)
	}
	if decoded["pattern"] != "foo" {
		t.Fatalf("decoded arguments: %+v", decoded)
	}
}

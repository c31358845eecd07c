package bridge

import "testing"

func TestFabricateToolCallsSingleMarker(t *testing.T) {
	text := `Let me read the file: <readCode><file>src/main.rs</file></readCode> done.`
	blocks := FabricateToolCalls(text)

	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3: %+v", len(blocks), blocks)
	}
	if blocks[0].Kind != BlockText || blocks[0].Text != "Let me read the file: " {
		t.Fatalf("block 0: %+v", blocks[0])
	}
	if blocks[1].Kind != BlockToolUse || blocks[1].ToolName != "readCode" || blocks[1].ToolInput["file"] != "src/main.rs" {
		t.Fatalf("block 1: %+v", blocks[1])
	}
	if blocks[2].Kind != BlockText || blocks[2].Text != " done." {
		t.Fatalf("block 2: %+v", blocks[2])
	}
}

func TestFabricateToolCallsMultipleMarkers(t *testing.T) {
	text := `<ls><path>.</path></ls><grep><pattern>foo</pattern><path>bar</path></grep>`
	blocks := FabricateToolCalls(text)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2: %+v", len(blocks), blocks)
	}
	if blocks[0].ToolName != "ls" || blocks[0].ToolInput["path"] != "." {
		t.Fatalf("block 0: %+v", blocks[0])
	}
	if blocks[1].ToolName != "grep" || blocks[1].ToolInput["pattern"] != "foo" || blocks[1].ToolInput["path"] != "bar" {
		t.Fatalf("block 1: %+v", blocks[1])
	}
}

func TestFabricateToolCallsNoMarkers(t *testing.T) {
	blocks := FabricateToolCalls("plain text, nothing to see")
	if len(blocks) != 1 || blocks[0].Kind != BlockText {
		t.Fatalf("got %+v", blocks)
	}
}

func TestFabricateToolCallsDistinctIDs(t *testing.T) {
	text := `<ls><path>a</path></ls><ls><path>b</path></ls>`
	blocks := FabricateToolCalls(text)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks", len(blocks))
	}
	if blocks[0].ToolUseID == blocks[1].ToolUseID {
		t.Fatalf("expected distinct tool-use ids, got same: %s", blocks[0].ToolUseID)
	}
}

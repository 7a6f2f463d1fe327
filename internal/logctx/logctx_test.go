package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(slog.NewJSONHandler(&buf, nil)).With(slog.String("component", "test"))

	ctx := WithRPCMessage(context.Background(), &RPCMessage{Method: "tools/call", ID: "#1", Type: "request"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "echo"})
	log.InfoContext(ctx, "engine.handle_request.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "tools/call" {
		t.Fatalf("rpc group = %v", rec["rpc"])
	}
	tool, _ := rec["tool"].(map[string]any)
	if tool["name"] != "echo" {
		t.Fatalf("tool group = %v", rec["tool"])
	}
	if _, ok := rec["req"]; ok {
		t.Fatal("req group must be absent without request data")
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_Embedded(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cfg := config{Server: "embedded", Tool: "echo", ToolArgs: `{"message":"probe"}`}
	if err := run(t.Context(), cfg, discardLogger(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	var rep struct {
		Server     string `json:"server"`
		Initialize struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"initialize"`
		Prompts  []json.RawMessage `json:"prompts"`
		Tools    []json.RawMessage `json:"tools"`
		ToolCall struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"toolCall"`
	}
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if rep.Server != "embedded" || rep.Initialize.ProtocolVersion == "" {
		t.Fatalf("unexpected report header %+v", rep)
	}
	if len(rep.Prompts) != 3 || len(rep.Tools) == 0 {
		t.Fatalf("unexpected listings: %d prompts, %d tools", len(rep.Prompts), len(rep.Tools))
	}
	if len(rep.ToolCall.Content) != 1 || rep.ToolCall.Content[0].Text != "probe" {
		t.Fatalf("unexpected tool call %+v", rep.ToolCall)
	}
}

func TestRun_FailuresWriteNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(reg, []byte("servers:\n  x:\n    type: embedded\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  config
		want string
	}{
		{"unknown server", config{Registry: reg, Server: "missing"}, `unknown server "missing"`},
		{"bad registry", config{Registry: filepath.Join(dir, "servers.txt"), Server: "x"}, "unsupported"},
		{"bad tool args", config{Registry: reg, Server: "x", Tool: "echo", ToolArgs: "{"}, "MCP_TOOL_ARGS"},
		{"unknown tool", config{Registry: reg, Server: "x", Tool: "nope"}, "call nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(t.Context(), tt.cfg, discardLogger(), &out)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("run error = %v, want containing %q", err, tt.want)
			}
			if out.Len() != 0 {
				t.Fatalf("unexpected output %q", out.String())
			}
		})
	}
}

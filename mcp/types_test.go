package mcp

import (
	"encoding/json"
	"testing"
)

func TestServerCapabilitiesOmitAbsentCategories(t *testing.T) {
	t.Parallel()

	caps := ServerCapabilities{Prompts: &Capability{ListChanged: true}}
	b, err := json.Marshal(caps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"prompts":{"listChanged":true}}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestNegotiateProtocolVersion(t *testing.T) {
	t.Parallel()

	if got := NegotiateProtocolVersion("2024-11-05"); got != "2024-11-05" {
		t.Fatalf("supported version not echoed: %s", got)
	}
	if got := NegotiateProtocolVersion("1999-01-01"); got != LatestProtocolVersion {
		t.Fatalf("unsupported version answered with %s", got)
	}
	if got := NegotiateProtocolVersion(""); got != LatestProtocolVersion {
		t.Fatalf("empty version answered with %s", got)
	}
}

func TestGetPromptStringArguments(t *testing.T) {
	t.Parallel()

	var req GetPromptRequestReceived
	if err := json.Unmarshal([]byte(`{"name":"greet","arguments":{"who":"Ada","n":3,"ok":true}}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	args := req.StringArguments()
	if args["who"] != "Ada" || args["n"] != "3" || args["ok"] != "true" {
		t.Fatalf("unexpected arguments: %#v", args)
	}
}

// Package stdio implements the line-oriented MCP transport: one JSON-RPC
// envelope per line, no embedded newlines.
//
// Handler serves a provider.Provider over a reader/writer pair, by default
// os.Stdin and os.Stdout. Client is the other end: it spawns a subprocess
// (Start) or attaches to existing streams (Connect), writes requests to the
// peer's input and correlates response lines by id.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : none; the subprocess is the session
//	Concurrency      : many requests in flight, one writer
//	Shutdown         : notifications/close, EOF, or context cancellation
//
// Example (server):
//
//	p := local.New(local.WithPrompts(local.DefaultPrompts()))
//	h := stdio.NewHandler(p)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// Example (client):
//
//	c, err := stdio.Start(stdio.Command{Path: "/usr/local/bin/mcp-provider-server"})
//	if err != nil { ... }
//	defer c.Close()
//	p := remote.New(c)
package stdio

// Package streaminghttp implements the MCP streaming HTTP transport: a
// net/http Handler that serves a provider.Provider, and a Client that calls
// any streaming HTTP MCP endpoint.
//
// # Server
//
// The Handler mounts three routes on one path (DefaultPath unless WithPath
// says otherwise) plus a liveness probe:
//
//	POST   /mcp     one JSON-RPC message per request
//	GET    /mcp     text/event-stream of server notifications for a session
//	DELETE /mcp     terminate a session
//	GET    /health  "OK"
//
// An initialize request opens a session. Its id is returned in the
// Mcp-Session-Id header together with the negotiated Mcp-Protocol-Version, and
// clients echo both on every later request. Requests answer with a JSON body
// and status 200, including JSON-RPC errors. Notifications and client
// responses answer 202 with no body. A session id the host does not know
// answers 404 so the client can start over with initialize.
//
// Sessions live in a sessions.Host. The default is in-memory; share a
// sessions/redishost.Host between replicas to let any of them serve any
// session. List-changed notifications from the provider are appended to the
// log of every live session and streamed to GET subscribers, which may
// resume with Last-Event-ID.
//
//	h, err := streaminghttp.New(ctx, p,
//	    streaminghttp.WithLogger(log),
//	    streaminghttp.WithSessionHost(host),
//	)
//	if err != nil {
//	    return err
//	}
//	http.ListenAndServe(":8080", h)
//
// # Client
//
// A Client POSTs one message per call and accepts either a JSON body or an
// event stream in reply. The session id from the initialize response is
// cached and sent with every later request.
//
//	c, err := streaminghttp.NewClient("http://localhost:8080")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	raw, err := c.Call(ctx, "tools/list", nil)
//
// Channel failures (refused connections, timeouts, unexpected status codes,
// an expired session) are returned as *provider.TransportError. A JSON-RPC
// error from the server is a *provider.ProtocolError.
package streaminghttp

// Package remote implements provider.Provider on top of a client transport,
// so that a server reached over stdio or HTTP can be used exactly like a
// local provider.
//
//	c, err := stdio.Start(stdio.Command{Path: "/usr/local/bin/mcp-server"})
//	if err != nil {
//	    return err
//	}
//	p := remote.New(c)
//	defer p.Close()
//	prompts, err := p.ListPrompts(ctx)
//
// The initialize handshake is sent lazily by the first operation and only
// once per Provider; concurrent first calls wait for the same handshake.
// Errors keep the shape the transport produced: *provider.TransportError when
// the channel failed and *provider.ProtocolError when the server answered
// with a JSON-RPC error.
package remote

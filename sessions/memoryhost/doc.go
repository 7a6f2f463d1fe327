// Package memoryhost provides an in-memory sessions.Host. Sessions and their
// message logs live in process memory and are lost on restart; use redishost
// when several server processes must share sessions.
//
// Example:
//
//	host := memoryhost.New()
//	srv := streaminghttp.New(ctx, p, streaminghttp.WithSessionHost(host))
package memoryhost

// Package sessions defines the session store used by the streaming HTTP
// server. A session is created by a successful initialize, identified by the
// Mcp-Session-Id header, and carries the negotiated protocol version.
//
// A Host persists session records with a sliding TTL and keeps an ordered,
// per-session log of server-to-client messages that the HTTP GET stream
// replays and follows.
//
// Implementations
//
//	memoryhost : in-memory, single process
//	redishost  : Redis keys and Streams, shared by several server replicas
//
// sessionstest holds the conformance suite both implementations run.
package sessions

// Package redishost implements sessions.Host on Redis so that several
// streaming HTTP server replicas can share sessions.
//
// Design Notes
//   - Session records: JSON blob under <prefix>session:<id>, SET with EX;
//     LoadSession refreshes the expiry (sliding TTL).
//   - Message logs: one Stream per session, XADD with approximate MAXLEN
//     trimming; subscriptions poll with blocking XREAD. Stream ids are the
//     event ids.
//   - DeleteSession removes both keys. Subscribers notice on their next
//     poll and return.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { return err }
//	defer host.Close()
package redishost

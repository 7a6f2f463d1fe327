// Package provider defines the operation set every MCP provider implements,
// whether it answers in process (package local) or forwards each call over a
// transport (package remote).
//
// Conventions used throughout this package:
//   - All methods accept a context.Context which MUST be honored for
//     cancellation. Implementations should return promptly when the context
//     is canceled or its deadline is exceeded.
//   - Implementations MUST be safe for concurrent use; callers may issue many
//     calls against one Provider at once.
//   - Failures are reported with the error types in errors.go so that a
//     caller can tell a broken channel (TransportError) from a peer that
//     refused the request (ProtocolError) or a domain outcome such as a
//     missing prompt (DomainError). errors.Is(err, ErrNotFound) holds for
//     both local and remote providers.
package provider

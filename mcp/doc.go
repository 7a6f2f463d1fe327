// Package mcp contains the Model Context Protocol data types and constants
// shared by every transport and provider in this module. It mirrors the wire
// representation while keeping the surface Go-friendly: exported structs
// with json tags and string constants for method names.
//
// The package is free of transport logic. The stdio and streaminghttp
// packages import these types but implement their own framing and session
// handling; the provider packages construct results with them and hand them
// to the dispatcher for JSON-RPC serialization.
//
// # Capabilities
//
// ServerCapabilities names the three feature categories a provider can
// advertise. A nil category is absent from the initialize result; a present
// one carries its listChanged flag.
//
// # Compatibility
//
// LatestProtocolVersion is the newest protocol date the module targets.
// NegotiateProtocolVersion picks the version answered during initialize.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{mcp.TextContent("hello")},
//	}
package mcp

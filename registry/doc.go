// Package registry resolves named MCP servers to providers from a
// declarative YAML or JSON file.
//
//	servers:
//	  local:
//	    type: local
//	    promptLibraryPath: prompts.yaml
//	  remote:
//	    type: http
//	    url: "http://localhost:8080/mcp"
//	    timeout: 10s
//	    headers: { Authorization: "Bearer ${MCP_TOKEN}" }
//	  worker:
//	    type: stdio
//	    command: "/usr/local/bin/mcp-worker"
//	    args: ["--flag"]
//	    env: { KEY: "value" }
//
// Entries are validated when the file is loaded. Providers are built by the
// first Resolve of their name and shared afterwards; an unknown name resolves
// to nil without an error. Close closes every provider the registry built,
// which terminates stdio subprocesses and ends HTTP sessions.
package registry

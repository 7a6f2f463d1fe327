// Package local implements provider.Provider in process. Calls go straight
// to an injected prompt library, tool library and resource library with no
// serialization, and failures surface as the same provider error types a
// remote provider returns.
//
// The package also ships the libraries used by the registry's built-in
// server types:
//
//	StaticPrompts    in-memory prompt templates with {{arg}} substitution
//	FilePrompts      prompt templates loaded from a YAML file, reloaded on change
//	StaticTools      tools built with NewTool / NewToolWithOutput
//	StubTools        canned tools defined in YAML
//	DisabledTools    a tool library that refuses every call
//	StaticResources  fixed resources with fixed or generated contents
//
// Example:
//
//	echo := local.NewTool("echo", func(ctx context.Context, in struct {
//	    Message string `json:"message"`
//	}) (*provider.ToolCallResult, error) {
//	    return local.TextResult(in.Message), nil
//	}, local.WithToolDescription("Echo a message back"))
//
//	p := local.New(
//	    local.WithPrompts(local.DefaultPrompts()),
//	    local.WithTools(local.NewStaticTools(echo)),
//	)
package local

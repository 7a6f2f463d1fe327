package local

import (
	"context"
	_ "embed"
	"strings"

	"github.com/ggoodman/mcp-provider-go/provider"
)

var (
	//go:embed defaults/prompts.yaml
	defaultPromptsYAML []byte

	//go:embed defaults/stub_tools.yaml
	stubToolsYAML []byte
)

// DefaultPrompts is the prompt set bundled with the module.
func DefaultPrompts() *StaticPrompts {
	defs, err := ParsePrompts(defaultPromptsYAML)
	if err != nil {
		panic("local: bundled prompts: " + err.Error())
	}
	return NewStaticPrompts(defs...)
}

// StubTools is the bundled set of canned tools.
func StubTools() []StaticTool {
	defs, err := ParseStubTools(stubToolsYAML)
	if err != nil {
		panic("local: bundled stub tools: " + err.Error())
	}
	return defs
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=The message to echo back"`
}

type wordCountArgs struct {
	Text string `json:"text" jsonschema:"description=The text to count words in"`
}

type wordCountOutput struct {
	Words      int `json:"words"`
	Characters int `json:"characters"`
}

// EchoTool returns its message argument as text.
func EchoTool() StaticTool {
	return NewTool("echo", func(ctx context.Context, in echoArgs) (*provider.ToolCallResult, error) {
		return TextResult(in.Message), nil
	}, WithToolTitle("Echo"), WithToolDescription("Echo a message back to the caller"))
}

// WordCountTool counts words and characters of its text argument.
func WordCountTool() StaticTool {
	return NewToolWithOutput("word_count", func(ctx context.Context, in wordCountArgs) (wordCountOutput, error) {
		return wordCountOutput{Words: len(strings.Fields(in.Text)), Characters: len([]rune(in.Text))}, nil
	}, WithToolTitle("Word count"), WithToolDescription("Count the words and characters in a text"))
}

// StarterTools is the tool library of the built-in test server: echo,
// word_count and the bundled stub tools.
func StarterTools() *StaticTools {
	defs := append([]StaticTool{EchoTool(), WordCountTool()}, StubTools()...)
	return NewStaticTools(defs...)
}

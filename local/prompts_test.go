package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/mcp-provider-go/provider"
)

func TestExpandTemplate(t *testing.T) {
	t.Parallel()
	args := map[string]string{"who": "gopher", "n": "3"}
	tests := []struct{ in, want string }{
		{"hello {{who}}", "hello gopher"},
		{"hello {{ who }}", "hello gopher"},
		{"{{{who}}} x{{n}}", "gopher x3"},
		{"missing [{{nobody}}]", "missing []"},
		{"no placeholders", "no placeholders"},
	}
	for _, tc := range tests {
		if got := expandTemplate(tc.in, args); got != tc.want {
			t.Errorf("expandTemplate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParsePrompts_Errors(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"bad yaml":     "prompts: [",
		"missing name": "prompts:\n  - template: hi\n",
		"no body":      "prompts:\n  - name: empty\n",
	}
	for name, doc := range tests {
		if _, err := ParsePrompts([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestStaticPrompts_UnknownNameIsErrNotFound(t *testing.T) {
	t.Parallel()
	_, err := NewStaticPrompts().FillPrompt(context.Background(), "x", nil)
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDefaultPrompts_Listing(t *testing.T) {
	t.Parallel()
	list, err := DefaultPrompts().ListPrompts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) < 3 {
		t.Fatalf("expected bundled prompts, got %d", len(list))
	}
	if list[0].Name != "color" {
		t.Fatalf("expected file order to be preserved, got %q first", list[0].Name)
	}
}

func writePromptFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write prompt file: %v", err)
	}
}

func TestFilePrompts_ReloadOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	writePromptFile(t, path, "prompts:\n  - name: first\n    template: one\n")

	fp, err := LoadPromptFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer fp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := fp.Subscribe(ctx)
	if err := fp.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writePromptFile(t, path, "prompts:\n  - name: first\n    template: one\n  - name: second\n    template: two {{x}}\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-changes:
		case <-deadline:
			t.Fatalf("prompt file change not observed")
		}
		list, _ := fp.ListPrompts(ctx)
		if len(list) == 2 {
			break
		}
	}

	fill, err := fp.FillPrompt(ctx, "second", map[string]string{"x": "y"})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if fill.Messages[0].Parts[0].Text != "two y" {
		t.Fatalf("unexpected fill %+v", fill.Messages)
	}
}

func TestFilePrompts_BadReloadKeepsPrevious(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	writePromptFile(t, path, "prompts:\n  - name: keep\n    template: kept\n")

	fp, err := LoadPromptFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer fp.Close()

	writePromptFile(t, path, "prompts: [")
	if err := fp.reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	list, _ := fp.ListPrompts(context.Background())
	if len(list) != 1 || list[0].Name != "keep" {
		t.Fatalf("previous prompts lost: %+v", list)
	}
}

func TestLoadPromptFile_Missing(t *testing.T) {
	t.Parallel()
	if _, err := LoadPromptFile(filepath.Join(t.TempDir(), "none.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

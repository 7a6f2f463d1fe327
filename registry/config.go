package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// ServerType selects how a ServerConfig is turned into a provider.
type ServerType string

const (
	// TypeLocal serves prompts from a YAML file (or none) and the starter
	// tools in-process.
	TypeLocal ServerType = "local"
	// TypeEmbedded serves the starter tools in-process with the bundled
	// default prompts, or the prompt file when promptLibraryPath is set.
	TypeEmbedded ServerType = "embedded"
	// TypeTest serves the bundled samples, each switchable by a flag.
	TypeTest ServerType = "test"
	// TypeHTTP reaches a streaming HTTP MCP server.
	TypeHTTP ServerType = "http"
	// TypeStdio spawns an MCP server subprocess.
	TypeStdio ServerType = "stdio"
)

var (
	// ErrUnsupportedFormat is returned for registry files that are neither
	// JSON nor YAML.
	ErrUnsupportedFormat = errors.New("unsupported registry file format")
	// ErrInvalidConfig is returned for entries that cannot be resolved.
	ErrInvalidConfig = errors.New("invalid server config")
)

// ServerConfig declares one named server. Which fields apply depends on
// Type.
type ServerConfig struct {
	Type        ServerType `json:"type" yaml:"type"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`

	// local, embedded
	PromptLibraryPath string `json:"promptLibraryPath,omitempty" yaml:"promptLibraryPath,omitempty"`

	// http
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// stdio
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	// test; unset means true.
	IncludeDefaultPrompts   *bool `json:"includeDefaultPrompts,omitempty" yaml:"includeDefaultPrompts,omitempty"`
	IncludeDefaultTools     *bool `json:"includeDefaultTools,omitempty" yaml:"includeDefaultTools,omitempty"`
	IncludeDefaultResources *bool `json:"includeDefaultResources,omitempty" yaml:"includeDefaultResources,omitempty"`
}

// Config is the content of a registry file.
type Config struct {
	Servers map[string]ServerConfig `json:"servers" yaml:"servers"`
}

// Validate reports whether the entry can be resolved.
func (c ServerConfig) Validate() error {
	switch c.Type {
	case TypeLocal, TypeEmbedded, TypeTest:
	case TypeHTTP:
		if c.URL == "" {
			return fmt.Errorf("%w: http server requires url", ErrInvalidConfig)
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: invalid url %q", ErrInvalidConfig, c.URL)
		}
		if _, err := c.TimeoutDuration(); err != nil {
			return err
		}
	case TypeStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: stdio server requires command", ErrInvalidConfig)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, c.Type)
	}
	return nil
}

// TimeoutDuration parses Timeout. An empty value yields zero, which means
// the transport default.
func (c ServerConfig) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: invalid timeout %q", ErrInvalidConfig, c.Timeout)
	}
	return d, nil
}

func flag(b *bool) bool { return b == nil || *b }

// expand substitutes ${VAR} references in the fields that name external
// resources.
func (c ServerConfig) expand(lookup func(string) (string, bool)) ServerConfig {
	mapping := func(name string) string {
		v, _ := lookup(name)
		return v
	}
	ex := func(s string) string { return os.Expand(s, mapping) }

	c.URL = ex(c.URL)
	c.Command = ex(c.Command)
	c.Dir = ex(c.Dir)
	c.PromptLibraryPath = ex(c.PromptLibraryPath)
	if c.Args != nil {
		args := make([]string, len(c.Args))
		for i, a := range c.Args {
			args[i] = ex(a)
		}
		c.Args = args
	}
	if c.Env != nil {
		env := make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			env[k] = ex(v)
		}
		c.Env = env
	}
	if c.Headers != nil {
		headers := make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			headers[k] = ex(v)
		}
		c.Headers = headers
	}
	return c
}

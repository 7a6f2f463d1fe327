package memoryhost

import (
	"testing"

	"github.com/ggoodman/mcp-provider-go/sessions"
	"github.com/ggoodman/mcp-provider-go/sessions/sessionstest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionstest.RunHostTests(t, func(t *testing.T) sessions.Host {
		return New()
	})
}

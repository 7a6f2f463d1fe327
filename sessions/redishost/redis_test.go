package redishost

import (
	"testing"

	"github.com/ggoodman/mcp-provider-go/sessions"
	"github.com/ggoodman/mcp-provider-go/sessions/sessionstest"
)

func TestRedisSessionHost(t *testing.T) {
	// Skip when no Redis is reachable.
	h, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis session host tests: %v", err)
		return
	}
	_ = h.Close()

	sessionstest.RunHostTests(t, func(t *testing.T) sessions.Host {
		hh, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = hh.Close() })
		return hh
	})
}

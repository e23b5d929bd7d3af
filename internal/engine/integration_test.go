//go:build integration

package engine_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/engine"
	"github.com/dm/truenas-sync/internal/model"
)

// truenasClient dials $TRUENAS_URI or skips the test if unset.
func truenasClient(t *testing.T) *client.WSClient {
	t.Helper()
	uri := os.Getenv("TRUENAS_URI")
	if uri == "" {
		t.Skip("TRUENAS_URI not set; skipping integration test")
	}
	cfg, err := client.ParseURI(uri)
	require.NoError(t, err)
	cfg.RequestTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestLiveHost_AllCollections connects to $TRUENAS_URI, fetches every default
// collection and verifies that the returned snapshot is non-empty.
func TestLiveHost_AllCollections(t *testing.T) {
	c := truenasClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := engine.FetchAll(ctx, c, engine.DefaultCollections(), engine.DefaultDerived(), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	snap := res.Snapshot

	assert.NotEmpty(t, snap.SystemInfo.Hostname, "hostname should not be empty")
	assert.NotEmpty(t, snap.SystemInfo.Version, "version should not be empty")
	assert.NotNil(t, snap.Get("pools", nil), "pools should be present")
	assert.False(t, snap.FetchedAt.IsZero(), "fetch timestamp should be set")
	for _, name := range snap.Degraded {
		t.Logf("best-effort collection degraded: %s", name)
	}
}

// TestLiveHost_RealtimeEvents subscribes to reporting.realtime and waits for
// the first pushed frame.
func TestLiveHost_RealtimeEvents(t *testing.T) {
	c := truenasClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	live := model.NewLiveState("")
	got := make(chan struct{}, 1)
	unsub, err := c.Subscribe(ctx, "reporting.realtime", func(ev client.Event) {
		live.Apply(ev)
		select {
		case got <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer unsub()

	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("no realtime event within 30s")
	}
	assert.NotNil(t, live.Get("reporting_realtime", nil))
}

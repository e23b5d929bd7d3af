package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versions(rs []RefreshRecord) []uint64 {
	out := make([]uint64, len(rs))
	for i, r := range rs {
		out[i] = r.Version
	}
	return out
}

func TestHistory_PushAndLen(t *testing.T) {
	h := NewHistory(5)
	assert.Equal(t, 0, h.Len())

	h.Push(RefreshRecord{StartedAt: time.Now(), Version: 1})
	assert.Equal(t, 1, h.Len())

	h.Push(RefreshRecord{StartedAt: time.Now(), Version: 2})
	h.Push(RefreshRecord{StartedAt: time.Now(), Version: 3})
	assert.Equal(t, 3, h.Len())
}

func TestHistory_OverwritesOldest(t *testing.T) {
	h := NewHistory(3)

	h.Push(RefreshRecord{Version: 10})
	h.Push(RefreshRecord{Version: 20})
	h.Push(RefreshRecord{Version: 30})
	require.Equal(t, 3, h.Len())

	// Push beyond capacity; the oldest (10) is overwritten.
	h.Push(RefreshRecord{Version: 40})
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []uint64{20, 30, 40}, versions(h.Records()))

	h.Push(RefreshRecord{Version: 50})
	assert.Equal(t, []uint64{30, 40, 50}, versions(h.Records()))
}

func TestHistory_LastOnEmpty(t *testing.T) {
	h := NewHistory(4)
	_, ok := h.Last()
	assert.False(t, ok)
	assert.Empty(t, h.Records())
}

func TestHistory_DefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < 65; i++ {
		h.Push(RefreshRecord{Version: uint64(i)})
	}
	assert.Equal(t, 60, h.Len())
	rs := h.Records()
	assert.Equal(t, uint64(5), rs[0].Version)
	assert.Equal(t, uint64(64), rs[59].Version)
}

func TestHistory_LastAndFailureRate(t *testing.T) {
	h := NewHistory(3)
	assert.Equal(t, 0.0, h.FailureRate())

	h.Push(RefreshRecord{Version: 1})
	h.Push(RefreshRecord{Failure: "connection", Err: "dial: refused"})
	h.Push(RefreshRecord{Version: 2})
	h.Push(RefreshRecord{Failure: "remote"})

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "remote", last.Failure)
	assert.False(t, last.OK())
	assert.InDelta(t, 2.0/3.0, h.FailureRate(), 1e-9)
}

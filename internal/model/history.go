package model

import "time"

const defaultHistoryCap = 60

// RefreshRecord describes the outcome of one refresh attempt.
type RefreshRecord struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Version   uint64        `json:"version"`           // version published, 0 on failure
	Failure   string        `json:"failure,omitempty"` // failure kind, empty on success
	Err       string        `json:"error,omitempty"`
	Degraded  []string      `json:"degraded,omitempty"`
}

// OK reports whether the attempt published a snapshot.
func (r RefreshRecord) OK() bool {
	return r.Failure == ""
}

// History is a fixed-size ring buffer of RefreshRecords.
// When the buffer is full, new pushes overwrite the oldest entry.
type History struct {
	buf  []RefreshRecord
	head int // index of the next write position
	size int // number of valid entries
}

// NewHistory creates a History with the given capacity.
// If capacity <= 0, defaultHistoryCap (60) is used.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{
		buf: make([]RefreshRecord, capacity),
	}
}

// Push appends a record, overwriting the oldest if full.
func (h *History) Push(r RefreshRecord) {
	h.buf[h.head] = r
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// Len returns the number of valid entries in the history.
func (h *History) Len() int {
	return h.size
}

// Records returns the entries in chronological order (oldest first).
func (h *History) Records() []RefreshRecord {
	out := make([]RefreshRecord, h.size)
	// oldest entry sits at (head - size + cap) % cap
	start := (h.head - h.size + len(h.buf)) % len(h.buf)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// Last returns the newest entry.
func (h *History) Last() (RefreshRecord, bool) {
	if h.size == 0 {
		return RefreshRecord{}, false
	}
	return h.buf[(h.head-1+len(h.buf))%len(h.buf)], true
}

// FailureRate returns the fraction of recorded attempts that failed.
func (h *History) FailureRate() float64 {
	if h.size == 0 {
		return 0
	}
	failed := 0
	for _, r := range h.Records() {
		if !r.OK() {
			failed++
		}
	}
	return float64(failed) / float64(h.size)
}

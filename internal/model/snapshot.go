package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/lookup"
)

// EventsKey is the top-level name under which live sub-trees are exposed.
const EventsKey = "events"

// Snapshot holds the merged results of a single refresh cycle. It is built
// wholesale by the engine and never modified after publication; only the
// attached LiveState changes between refreshes.
//
// Values returned by Get, Find and Tree share memory with the snapshot and
// must be treated as read-only.
type Snapshot struct {
	Version   uint64
	FetchedAt time.Time

	SystemInfo      client.SystemInfo
	Pools           []client.Pool
	Disks           client.DiskDetails
	Interfaces      []client.Interface
	Services        []client.Service
	Apps            []client.App
	VirtualMachines []client.VirtualMachine
	Alerts          []client.Alert
	SmartDisks      []client.SmartTestResult

	DiskTemperatures []DiskTemperature
	SnapshotCounts   []SnapshotCount
	NetStats         []InterfaceStats
	Health           Health
	Recommendations  []Recommendation

	// Degraded names the best-effort collections that failed this cycle and
	// are present but empty.
	Degraded []string

	collections map[string]any
	live        *LiveState
}

// NewSnapshot returns an empty snapshot ready for assembly.
func NewSnapshot(fetchedAt time.Time, live *LiveState) *Snapshot {
	return &Snapshot{
		FetchedAt:   fetchedAt,
		collections: make(map[string]any),
		live:        live,
	}
}

// Set stores the generic form of a collection. Only called during assembly.
func (s *Snapshot) Set(name string, v any) {
	s.collections[name] = v
}

// Live returns the attached live state, which may be nil.
func (s *Snapshot) Live() *LiveState {
	return s.live
}

// Names returns the collection names in sorted order, including EventsKey
// when a live state is attached.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.collections)+1)
	for k := range s.collections {
		names = append(names, k)
	}
	if s.live != nil {
		names = append(names, EventsKey)
	}
	sort.Strings(names)
	return names
}

// Get resolves a dotted path such as "disks.used.0.size" or
// "events.reporting_realtime.cpu.cpu.usage", returning def when absent.
func (s *Snapshot) Get(path string, def any) any {
	if s == nil {
		return def
	}
	if path == "" {
		return s.Tree()
	}
	head, rest, _ := strings.Cut(path, ".")
	if head == EventsKey && s.live != nil {
		return s.live.Get(rest, def)
	}
	return lookup.Get(s.collections, path, def)
}

// Collection returns the generic value of one collection.
func (s *Snapshot) Collection(name string) (any, bool) {
	if name == EventsKey && s.live != nil {
		return s.live.Tree(), true
	}
	v, ok := s.collections[name]
	return v, ok
}

// Find returns the record of a list-shaped collection (addressed by a dotted
// path) whose idField equals id. Numeric ids are compared by their decimal
// form, so "1" matches a JSON 1.
func (s *Snapshot) Find(path, idField, id string) (map[string]any, bool) {
	list, ok := s.Get(path, nil).([]any)
	if !ok {
		if typed, ok := s.Get(path, nil).([]map[string]any); ok {
			for _, rec := range typed {
				if SameID(rec[idField], id) {
					return rec, true
				}
			}
		}
		return nil, false
	}
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if ok && SameID(rec[idField], id) {
			return rec, true
		}
	}
	return nil, false
}

// Tree returns a top-level copy of every collection, including a point in
// time copy of the live sub-trees under EventsKey.
func (s *Snapshot) Tree() map[string]any {
	out := make(map[string]any, len(s.collections)+1)
	for k, v := range s.collections {
		out[k] = v
	}
	if s.live != nil {
		out[EventsKey] = s.live.Tree()
	}
	return out
}

// SameID compares a record id of any JSON type against want.
func SameID(v any, want any) bool {
	if v == nil || want == nil {
		return false
	}
	return idString(v) == idString(want)
}

func idString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	}
	return fmt.Sprint(v)
}

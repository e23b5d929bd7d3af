package model

import (
	"strings"
	"sync"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/lookup"
)

// DefaultIDField identifies records in list-shaped live collections.
const DefaultIDField = "id"

// LiveState holds the sub-trees patched by pushed events between full
// refreshes. Each named sub-tree is replaced copy-on-write, so a value
// obtained from Get or Tree is never modified afterwards.
type LiveState struct {
	mu      sync.RWMutex
	trees   map[string]any
	idField string
}

// NewLiveState returns an empty live state matching list records on idField
// (DefaultIDField when empty).
func NewLiveState(idField string) *LiveState {
	if idField == "" {
		idField = DefaultIDField
	}
	return &LiveState{trees: make(map[string]any), idField: idField}
}

// Name converts a remote collection name ("reporting.realtime") into the
// key it is stored under ("reporting_realtime").
func Name(collection string) string {
	return strings.ReplaceAll(collection, ".", "_")
}

// Seed replaces a list-shaped sub-tree, typically with the result of an
// initial query before ADDED/REMOVED events start arriving.
func (l *LiveState) Seed(collection string, records []map[string]any) {
	cp := make([]map[string]any, len(records))
	copy(cp, records)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.trees[Name(collection)] = cp
}

// Apply patches the sub-tree addressed by ev and returns its key. ADDED
// appends ev.Fields and REMOVED drops the record whose id equals ev.ID. On a
// list-shaped sub-tree CHANGED merges ev.Fields into the matching record and
// is ignored when nothing matches; any other sub-tree is replaced with
// ev.Fields.
func (l *LiveState) Apply(ev client.Event) string {
	name := Name(ev.Collection)

	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Op {
	case client.OpAdded:
		cur, _ := l.trees[name].([]map[string]any)
		next := make([]map[string]any, len(cur), len(cur)+1)
		copy(next, cur)
		l.trees[name] = append(next, ev.Fields)
	case client.OpRemoved:
		cur, ok := l.trees[name].([]map[string]any)
		if !ok {
			return name
		}
		next := make([]map[string]any, 0, len(cur))
		for _, rec := range cur {
			if !SameID(rec[l.idField], ev.ID) {
				next = append(next, rec)
			}
		}
		l.trees[name] = next
	default:
		cur, ok := l.trees[name].([]map[string]any)
		if !ok {
			l.trees[name] = ev.Fields
			return name
		}
		next := make([]map[string]any, len(cur))
		copy(next, cur)
		for i, rec := range next {
			if SameID(rec[l.idField], ev.ID) {
				next[i] = merge(rec, ev.Fields)
			}
		}
		l.trees[name] = next
	}
	return name
}

// merge returns a new record with fields layered over rec.
func merge(rec, fields map[string]any) map[string]any {
	out := make(map[string]any, len(rec)+len(fields))
	for k, v := range rec {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Get resolves a dotted path inside the live sub-trees.
func (l *LiveState) Get(path string, def any) any {
	if l == nil {
		return def
	}
	if path == "" {
		return l.Tree()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return lookup.Get(l.trees, path, def)
}

// Tree returns a top-level copy of the live sub-trees.
func (l *LiveState) Tree() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any, len(l.trees))
	for k, v := range l.trees {
		out[k] = v
	}
	return out
}

// Reset drops every sub-tree.
func (l *LiveState) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trees = make(map[string]any)
}

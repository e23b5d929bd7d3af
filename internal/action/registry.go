package action

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

const (
	defaultNamingSchema = "manual-%Y-%m-%d_%H-%M"
	defaultRebootReason = "requested by truenas-sync"
)

// Handler turns a validated request into a middleware call.
type Handler func(req Request) (Call, error)

// Registry maps each Kind and Capability to a Handler. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]map[Capability]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]map[Capability]Handler)}
}

// Register adds or replaces the handler for kind and capability.
func (r *Registry) Register(kind Kind, capability Capability, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps, ok := r.handlers[kind]
	if !ok {
		caps = make(map[Capability]Handler)
		r.handlers[kind] = caps
	}
	caps[capability] = h
}

// Capabilities lists the capabilities registered for kind, sorted.
func (r *Registry) Capabilities(kind Kind) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.handlers[kind]))
	for c := range r.handlers[kind] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Kinds lists every registered kind, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve finds the handler for req and builds its call.
func (r *Registry) Resolve(req Request) (Call, error) {
	r.mu.RLock()
	caps, ok := r.handlers[req.Kind]
	var h Handler
	if ok {
		h = caps[req.Capability]
	}
	r.mu.RUnlock()

	if !ok {
		return Call{}, fmt.Errorf("action %s: %w", req, ErrUnknownKind)
	}
	if h == nil {
		return Call{}, fmt.Errorf("action %s: %w", req, ErrUnsupported)
	}
	call, err := h(req)
	if err != nil {
		return Call{}, fmt.Errorf("action %s: %w", req, err)
	}
	return call, nil
}

// DefaultRegistry returns a registry with every built-in TrueNAS action.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(KindApp, CapStart, byID("app.start"))
	r.Register(KindApp, CapStop, byID("app.stop"))

	r.Register(KindVM, CapStart, byID("virt.instance.start"))
	r.Register(KindVM, CapStop, byID("virt.instance.stop", map[string]any{"force": true}))
	r.Register(KindVM, CapRestart, byID("virt.instance.restart"))

	r.Register(KindService, CapStart, byID("service.start"))
	r.Register(KindService, CapStop, byID("service.stop", map[string]any{"silent": false}))
	r.Register(KindService, CapReload, byID("service.reload"))
	r.Register(KindService, CapRestart, byID("service.restart"))

	r.Register(KindDataset, CapSnapshot, datasetSnapshot)
	r.Register(KindCloudSync, CapRun, cloudSyncRun)

	r.Register(KindSystem, CapReboot, withReason("system.reboot"))
	r.Register(KindSystem, CapShutdown, withReason("system.shutdown"))
	r.Register(KindSystem, CapUpdate, systemUpdate)
	return r
}

// byID builds a handler calling method with the request id followed by extra.
func byID(method string, extra ...any) Handler {
	return func(req Request) (Call, error) {
		if req.ID == "" {
			return Call{}, ErrMissingID
		}
		params := append([]any{req.ID}, extra...)
		return Call{Method: method, Params: params}, nil
	}
}

func datasetSnapshot(req Request) (Call, error) {
	if req.ID == "" {
		return Call{}, ErrMissingID
	}
	args := map[string]any{
		"dataset":       req.ID,
		"naming_schema": req.param("naming_schema", defaultNamingSchema),
	}
	if rec, ok := req.param("recursive", false).(bool); ok && rec {
		args["recursive"] = true
	}
	return Call{Method: "zfs.snapshot.create", Params: []any{args}}, nil
}

// Cloud sync task ids are integers on the wire.
func cloudSyncRun(req Request) (Call, error) {
	if req.ID == "" {
		return Call{}, ErrMissingID
	}
	id, err := strconv.Atoi(req.ID)
	if err != nil {
		return Call{}, fmt.Errorf("%w: cloudsync id %q: %v", ErrInvalidID, req.ID, err)
	}
	return Call{Method: "cloudsync.sync", Params: []any{id}}, nil
}

func withReason(method string) Handler {
	return func(req Request) (Call, error) {
		return Call{Method: method, Params: []any{req.param("reason", defaultRebootReason)}}, nil
	}
}

func systemUpdate(req Request) (Call, error) {
	return Call{
		Method: "update.update",
		Params: []any{map[string]any{"reboot": req.param("reboot", true)}},
	}, nil
}

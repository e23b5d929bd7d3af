// Package action maps consumer-facing commands (start an app, snapshot a
// dataset, reboot the host) to TrueNAS middleware calls and runs them through
// the sync coordinator so that every action is followed by a refresh.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Kind is the type of resource an action targets.
type Kind string

const (
	KindApp       Kind = "app"
	KindVM        Kind = "vm"
	KindService   Kind = "service"
	KindDataset   Kind = "dataset"
	KindCloudSync Kind = "cloudsync"
	KindSystem    Kind = "system"
)

// Capability is an operation a Kind supports.
type Capability string

const (
	CapStart    Capability = "start"
	CapStop     Capability = "stop"
	CapReload   Capability = "reload"
	CapRestart  Capability = "restart"
	CapSnapshot Capability = "snapshot"
	CapRun      Capability = "run"
	CapReboot   Capability = "reboot"
	CapShutdown Capability = "shutdown"
	CapUpdate   Capability = "update"
)

var (
	// ErrUnknownKind is returned for a Kind with no registered capabilities.
	ErrUnknownKind = errors.New("unknown resource kind")
	// ErrUnsupported is returned when a Kind does not support a Capability.
	ErrUnsupported = errors.New("capability not supported")
	// ErrMissingID is returned when a resource action has no target id.
	ErrMissingID = errors.New("resource id is required")
	// ErrInvalidID is returned when a resource id has the wrong form.
	ErrInvalidID = errors.New("invalid resource id")
)

var validate = validator.New()

// Request describes one action. Params carries optional per-capability
// settings such as "naming_schema" for dataset snapshots or "reason" for a
// reboot.
type Request struct {
	Kind       Kind           `json:"kind" validate:"required"`
	Capability Capability     `json:"capability" validate:"required"`
	ID         string         `json:"id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Validate checks the required fields of r.
func (r Request) Validate() error {
	return validate.Struct(r)
}

func (r Request) String() string {
	if r.ID == "" {
		return fmt.Sprintf("%s.%s", r.Kind, r.Capability)
	}
	return fmt.Sprintf("%s.%s(%s)", r.Kind, r.Capability, r.ID)
}

// param returns r.Params[key] or def when it is missing or nil.
func (r Request) param(key string, def any) any {
	if v, ok := r.Params[key]; ok && v != nil {
		return v
	}
	return def
}

// Call is a resolved middleware invocation.
type Call struct {
	Method string
	Params []any
}

// Invoker forwards a middleware call. *coordinator.Coordinator implements it
// and requests a refresh after every successful call.
type Invoker interface {
	Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Run validates req, resolves it against reg and forwards the resulting call
// through inv. A nil reg selects DefaultRegistry.
func Run(ctx context.Context, inv Invoker, reg *Registry, req Request) (json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("action %s: %w", req, err)
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	call, err := reg.Resolve(req)
	if err != nil {
		return nil, err
	}
	raw, err := inv.Invoke(ctx, call.Method, call.Params...)
	if err != nil {
		return nil, fmt.Errorf("action %s: %s: %w", req, call.Method, err)
	}
	return raw, nil
}

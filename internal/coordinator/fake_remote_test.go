package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dm/truenas-sync/internal/client"
)

// fakeRemote implements client.Client and client.Streamer for testing.
type fakeRemote struct {
	mu        sync.Mutex
	results   map[string]any
	errs      map[string]error
	calls     map[string]int
	gate      chan struct{} // when non-nil, calls block until it is closed
	entered   chan string   // receives the method of every call when non-nil
	handlers  map[string]client.EventHandler
	failTopic string // Subscribe to this topic fails
	log       []string
	done      chan struct{}
	doneOnce  sync.Once
	err       error
}

func newFakeRemote(results map[string]any) *fakeRemote {
	return &fakeRemote{
		results:  results,
		errs:     make(map[string]error),
		calls:    make(map[string]int),
		handlers: make(map[string]client.EventHandler),
		done:     make(chan struct{}),
	}
}

func (f *fakeRemote) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[method]++
	gate := f.gate
	entered := f.entered
	err := f.errs[method]
	v, ok := f.results[method]
	f.mu.Unlock()

	if entered != nil {
		entered <- method
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return json.RawMessage(`[]`), nil
	}
	return json.Marshal(v)
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	f.log = append(f.log, "close")
	f.mu.Unlock()
	f.drop(nil)
	return nil
}

func (f *fakeRemote) Subscribe(_ context.Context, topic string, fn client.EventHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return nil, errBoom
	}
	f.handlers[topic] = fn
	f.log = append(f.log, "sub:"+topic)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, topic)
		f.log = append(f.log, "unsub:"+topic)
	}, nil
}

func (f *fakeRemote) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeRemote) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// push delivers ev to the handler subscribed to ev.Collection.
func (f *fakeRemote) push(ev client.Event) bool {
	f.mu.Lock()
	fn := f.handlers[ev.Collection]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

// drop simulates the connection going away.
func (f *fakeRemote) drop(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// reconnect makes a dropped connection usable again.
func (f *fakeRemote) reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = make(chan struct{})
	f.doneOnce = sync.Once{}
	f.err = nil
}

func (f *fakeRemote) setErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

func (f *fakeRemote) setResult(method string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = v
}

func (f *fakeRemote) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRemote) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// plainClient hides the Streamer methods of a fakeRemote.
type plainClient struct{ f *fakeRemote }

func (p plainClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return p.f.Call(ctx, method, params...)
}

func (p plainClient) Close() error { return p.f.Close() }

var errBoom = errors.New("boom")

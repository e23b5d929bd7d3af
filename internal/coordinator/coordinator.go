// Package coordinator owns the refresh schedule of one TrueNAS host: it
// fetches every tracked collection, publishes versioned snapshots to
// subscribers, classifies failures and maintains the optional live channel.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/engine"
	"github.com/dm/truenas-sync/internal/format"
	"github.com/dm/truenas-sync/internal/model"
)

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("coordinator closed")

// remoteEscalation is the number of consecutive transient failures after
// which refresh failures are logged at error level. They stay transient.
const remoteEscalation = 5

// Phase is the refresh state of a Coordinator.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
	PhasePublished
	PhaseFailed
	PhaseNeedsReauth
)

func (p Phase) String() string {
	switch p {
	case PhaseRefreshing:
		return "refreshing"
	case PhasePublished:
		return "published"
	case PhaseFailed:
		return "failed"
	case PhaseNeedsReauth:
		return "needs_reauth"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status is a point-in-time view of the refresh state.
type Status struct {
	Phase               Phase       `json:"phase"`
	Version             uint64      `json:"version"`
	LastSuccess         time.Time   `json:"last_success"`
	LastError           string      `json:"last_error,omitempty"`
	Failure             FailureKind `json:"failure,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Stale               bool        `json:"stale"`
	NeedsReauth         bool        `json:"needs_reauth"`
	LiveConnected       bool        `json:"live_connected"`
	// FailureRate is the share of failed attempts in the refresh history.
	FailureRate  float64       `json:"failure_rate"`
	LastDuration time.Duration `json:"last_duration"`
}

// Coordinator drives refreshes against one remote client. All methods are
// safe for concurrent use.
type Coordinator struct {
	cfg     Config
	client  client.Client
	log     logrus.FieldLogger
	metrics *Metrics
	live    *model.LiveState

	baseCtx    context.Context
	baseCancel context.CancelFunc

	group   singleflight.Group
	limiter *rate.Limiter
	pending atomic.Bool
	current atomic.Pointer[model.Snapshot]
	version uint64 // guarded by the singleflight group

	mu          sync.Mutex
	closed      bool
	refreshing  bool
	phase       Phase
	failures    int
	lastErr     error
	lastFailure FailureKind
	lastSuccess time.Time
	needsReauth bool
	history     *model.History
	subs        map[int]func(*model.Snapshot)
	nextSub     int
	wg          sync.WaitGroup

	notifyMu sync.Mutex

	liveMu      sync.Mutex
	liveCancel  context.CancelFunc
	liveDone    chan struct{}
	liveUnsubs  []func()
	liveRunning atomic.Bool
}

// New returns a Coordinator that refreshes through c. The Coordinator owns c
// and closes it in Close.
func New(c client.Client, cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		client:     c,
		log:        cfg.Logger,
		metrics:    NewMetrics(cfg.Registerer),
		live:       model.NewLiveState(cfg.IDField),
		baseCtx:    ctx,
		baseCancel: cancel,
		limiter:    rate.NewLimiter(rate.Every(cfg.RefreshRate), 1),
		history:    model.NewHistory(cfg.HistorySize),
		subs:       make(map[int]func(*model.Snapshot)),
	}, nil
}

// Snapshot returns the latest published snapshot, or nil before the first
// successful refresh. It never blocks on a refresh in flight.
func (c *Coordinator) Snapshot() *model.Snapshot {
	return c.current.Load()
}

// Live returns the live state attached to every published snapshot.
func (c *Coordinator) Live() *model.LiveState {
	return c.live
}

// Metrics returns the coordinator's prometheus collectors.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Subscribe registers fn to be called with the new snapshot after every
// successful publish, and after live patches when Config.NotifyOnPatch is
// set. Callbacks run synchronously on the publishing goroutine in snapshot
// version order; they must not block or call Refresh. The returned function
// removes the subscription.
func (c *Coordinator) Subscribe(fn func(*model.Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Refresh fetches every collection and publishes a new snapshot. Concurrent
// calls join the refresh already in flight instead of starting another one.
// ctx bounds only how long the caller waits; the shared fetch is bounded by
// Config.RefreshTimeout and cancelled by Close.
func (c *Coordinator) Refresh(ctx context.Context) (*model.Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestRefresh queues a refresh without waiting for it. Requests arriving
// while one is queued are merged, and queued refreshes are spaced at least
// Config.RefreshRate apart.
func (c *Coordinator) RequestRefresh() {
	c.mu.Lock()
	if c.closed || !c.pending.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	delay := c.limiter.Reserve().Delay()
	go func() {
		defer c.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-c.baseCtx.Done():
			c.pending.Store(false)
			return
		case <-t.C:
		}
		c.pending.Store(false)
		if _, err := c.Refresh(c.baseCtx); err != nil {
			c.log.WithError(err).Debug("requested refresh failed")
		}
	}()
}

// Invoke forwards a remote method call and, on success, queues a refresh so
// its effect shows up in the next snapshot. The result is not interpreted.
func (c *Coordinator) Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	log := c.log.WithField("method", method)
	raw, err := c.client.Call(ctx, method, params...)
	if err != nil {
		log.WithError(err).Warn("remote action failed")
		return nil, err
	}
	log.Debug("remote action done")
	c.RequestRefresh()
	return raw, nil
}

// Run refreshes immediately and then on every interval until ctx is done or
// the Coordinator is closed. After a transient failure the next attempt is
// brought forward with exponential backoff, capped at the interval. While
// the coordinator needs reauthorization, scheduled refreshes are skipped;
// explicit Refresh and RequestRefresh calls still go through.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.baseCtx, cancel)
	defer stop()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.isClosed() {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
		}

		if c.NeedsReauth() {
			timer.Reset(c.cfg.Interval)
			continue
		}

		next := c.cfg.Interval
		if _, err := c.Refresh(ctx); err != nil {
			if kind := Classify(err); !kind.Fatal() && ctx.Err() == nil {
				next = backoffDuration(c.ConsecutiveFailures(), c.cfg.Interval)
			}
		}
		timer.Reset(next)
	}
}

func (c *Coordinator) refresh() (*model.Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.refreshing = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.RefreshTimeout)
	defer cancel()

	start := time.Now()
	res, err := engine.FetchAll(ctx, c.client, c.cfg.Collections, c.cfg.Derived, c.live)
	took := time.Since(start)
	if err != nil {
		c.fail(err, start, took)
		return nil, err
	}

	for _, p := range res.Partial {
		c.log.WithField("collection", p.Collection).WithError(p.Err).Warn("best-effort collection degraded")
	}
	return c.publish(res.Snapshot, start, took), nil
}

// publish stamps snap with the next version, makes it current and notifies
// subscribers. Only called from inside the singleflight group.
func (c *Coordinator) publish(snap *model.Snapshot, start time.Time, took time.Duration) *model.Snapshot {
	c.version++
	snap.Version = c.version
	c.current.Store(snap)

	c.mu.Lock()
	c.refreshing = false
	c.phase = PhasePublished
	c.failures = 0
	c.lastErr = nil
	c.lastFailure = FailureNone
	c.lastSuccess = snap.FetchedAt
	c.needsReauth = false
	c.history.Push(model.RefreshRecord{
		StartedAt: start,
		Duration:  took,
		Version:   snap.Version,
		Degraded:  snap.Degraded,
	})
	failRate := c.history.FailureRate()
	c.mu.Unlock()

	c.metrics.FailureRate.Set(failRate)
	c.metrics.observeSuccess(snap.Version, snap.FetchedAt, took, snap.Degraded)
	c.log.WithFields(logrus.Fields{
		"version":  snap.Version,
		"duration": format.Duration(took),
	}).Debug("snapshot published")

	c.notify()
	return snap
}

func (c *Coordinator) fail(err error, start time.Time, took time.Duration) {
	kind := Classify(err)

	c.mu.Lock()
	c.refreshing = false
	c.failures++
	failures := c.failures
	c.lastErr = err
	c.lastFailure = kind
	enteredReauth := kind.Fatal() && !c.needsReauth
	if kind.Fatal() {
		c.needsReauth = true
		c.phase = PhaseNeedsReauth
	} else if !c.needsReauth {
		c.phase = PhaseFailed
	}
	c.history.Push(model.RefreshRecord{
		StartedAt: start,
		Duration:  took,
		Failure:   kind.String(),
		Err:       err.Error(),
	})
	failRate := c.history.FailureRate()
	c.mu.Unlock()

	c.metrics.FailureRate.Set(failRate)
	c.metrics.observeFailure(kind, failures, took)

	log := c.log.WithFields(logrus.Fields{
		"failures": failures,
		"failure":  kind.String(),
	}).WithError(err)
	switch {
	case kind.Fatal():
		log.Error("refresh failed: authentication rejected, reauthorization required")
	case failures >= remoteEscalation:
		log.Error("refresh keeps failing, serving stale snapshot")
	default:
		log.Warn("refresh failed, serving stale snapshot")
	}

	if enteredReauth && c.cfg.OnReauthRequired != nil {
		c.cfg.OnReauthRequired(err)
	}
}

// notify delivers the current snapshot to every subscriber. Deliveries are
// serialized and always read the current pointer, so a subscriber never sees
// an older version after a newer one.
func (c *Coordinator) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	snap := c.current.Load()
	if snap == nil {
		return
	}
	c.mu.Lock()
	fns := make([]func(*model.Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Status returns the current refresh state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Phase:               c.phase,
		LastSuccess:         c.lastSuccess,
		Failure:             c.lastFailure,
		ConsecutiveFailures: c.failures,
		NeedsReauth:         c.needsReauth,
		Stale:               c.failures > 0 || c.needsReauth,
		LiveConnected:       c.liveRunning.Load(),
		FailureRate:         c.history.FailureRate(),
	}
	if last, ok := c.history.Last(); ok {
		st.LastDuration = last.Duration
	}
	if c.refreshing {
		st.Phase = PhaseRefreshing
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if snap := c.current.Load(); snap != nil {
		st.Version = snap.Version
	}
	return st
}

// NeedsReauth reports whether the last failure was an authentication failure
// not yet cleared by a successful refresh.
func (c *Coordinator) NeedsReauth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReauth
}

// ConsecutiveFailures returns the number of failed refreshes since the last
// successful one.
func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// History returns the recent refresh outcomes, oldest first.
func (c *Coordinator) History() []model.RefreshRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Records()
}

// Close stops the live channel, closes the remote connection and then stops
// the refresh schedule, in that order. A refresh in flight fails with a
// connection error. Close is idempotent; later calls return nil.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.StopLiveChannel()
	err := c.client.Close()
	c.baseCancel()
	c.wg.Wait()

	c.log.Info("coordinator closed")
	return err
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

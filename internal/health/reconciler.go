// Package health tracks whether the backend is reachable and mirrors the
// supervisor's process state for the UI. It observes; it never starts or
// stops anything.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dpolaris/polaris/internal/backend"
	"github.com/dpolaris/polaris/internal/supervisor"
)

const (
	defaultFastInterval = 5 * time.Second
	defaultSlowInterval = 30 * time.Second
	defaultSyncInterval = time.Second

	disconnectLogInterval = 30 * time.Second
)

// Prober performs one bounded reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// StateSource exposes the supervisor's lifecycle. *supervisor.Supervisor
// satisfies it.
type StateSource interface {
	Status() supervisor.Status
}

// Refresh fetches one named piece of backend data.
type Refresh struct {
	Name string
	// Slow refreshes run on the slow tick, others on the fast tick
	Slow  bool
	Fetch func(ctx context.Context) (json.RawMessage, error)
}

// Options configures tick intervals.
type Options struct {
	FastInterval time.Duration
	SlowInterval time.Duration
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Status is the externally visible health snapshot.
type Status struct {
	Connected     bool                       `json:"connected"`
	LastError     string                     `json:"last_error,omitempty"`
	UserError     string                     `json:"user_error,omitempty"`
	ServerRunning bool                       `json:"server_running"`
	Starting      bool                       `json:"starting"`
	Data          map[string]json.RawMessage `json:"data,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Reconciler owns the connectivity flag.
type Reconciler struct {
	prober Prober
	source StateSource
	fast   []Refresh
	slow   []Refresh
	opts   Options
	logger *zap.Logger

	disconnectLog rate.Sometimes

	mu      sync.Mutex
	status  Status
	subs    map[int]chan Status
	nextSub int
}

// New builds a reconciler. source may be nil when the backend is not
// supervised locally.
func New(prober Prober, source StateSource, refreshes []Refresh, opts Options) *Reconciler {
	if opts.FastInterval <= 0 {
		opts.FastInterval = defaultFastInterval
	}
	if opts.SlowInterval <= 0 {
		opts.SlowInterval = defaultSlowInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		prober:        prober,
		source:        source,
		opts:          opts,
		logger:        logger,
		disconnectLog: rate.Sometimes{Interval: disconnectLogInterval},
		status:        Status{Data: make(map[string]json.RawMessage)},
		subs:          make(map[int]chan Status),
	}
	for _, rf := range refreshes {
		if rf.Slow {
			r.slow = append(r.slow, rf)
		} else {
			r.fast = append(r.fast, rf)
		}
	}
	return r
}

// Probe checks reachability once. Success sets Connected; failure clears
// it and records the diagnostic.
func (r *Reconciler) Probe(ctx context.Context) bool {
	err := r.prober.Probe(ctx)
	r.update(func(st *Status) {
		if err == nil {
			st.Connected = true
			st.LastError = ""
			return
		}
		st.Connected = false
		st.LastError = err.Error()
	})
	if err != nil {
		r.logDisconnect(err)
	}
	return err == nil
}

// HandleError routes a caught error. Connectivity failures only flip the
// connection flag; anything else becomes a user-visible message.
func (r *Reconciler) HandleError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if backend.IsConnectivity(err) {
		r.update(func(st *Status) {
			st.Connected = false
			st.LastError = err.Error()
		})
		r.logDisconnect(err)
		return
	}
	r.update(func(st *Status) {
		st.UserError = err.Error()
	})
	r.logger.Warn("backend request failed", zap.Error(err))
}

// ClearUserError dismisses the current user-visible message.
func (r *Reconciler) ClearUserError() {
	r.update(func(st *Status) { st.UserError = "" })
}

// Snapshot returns a copy of the current status.
func (r *Reconciler) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Subscribe returns a channel receiving every status change and a function
// that detaches it. A slow subscriber misses intermediate snapshots.
func (r *Reconciler) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// Run probes once, then drives the fast, slow and sync loops until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Probe(ctx)
	r.Sync()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, r.opts.FastInterval, r.fastTick)
	})
	g.Go(func() error {
		return every(ctx, r.opts.SlowInterval, func(ctx context.Context) {
			if r.Snapshot().Connected {
				r.refresh(ctx, r.slow)
			}
		})
	})
	g.Go(func() error {
		return every(ctx, r.opts.SyncInterval, func(context.Context) { r.Sync() })
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Sync copies the supervisor's state into the visible flags.
func (r *Reconciler) Sync() {
	if r.source == nil {
		return
	}
	sv := r.source.Status()
	running := sv.State == supervisor.StateRunning
	starting := sv.State == supervisor.StateStarting

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.ServerRunning == running && r.status.Starting == starting {
		return
	}
	r.status.ServerRunning = running
	r.status.Starting = starting
	r.publishLocked()
}

// fastTick refreshes fast data while connected. While disconnected it
// probes instead so the flag recovers once the backend is back.
func (r *Reconciler) fastTick(ctx context.Context) {
	if !r.Snapshot().Connected {
		if !r.Probe(ctx) {
			return
		}
	}
	r.refresh(ctx, r.fast)
}

func (r *Reconciler) refresh(ctx context.Context, set []Refresh) {
	for _, rf := range set {
		data, err := rf.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("refresh failed", zap.String("refresh", rf.Name), zap.Error(err))
			r.HandleError(err)
			if backend.IsConnectivity(err) {
				return
			}
			continue
		}
		r.update(func(st *Status) {
			st.Connected = true
			st.Data[rf.Name] = data
		})
	}
}

func (r *Reconciler) logDisconnect(err error) {
	r.disconnectLog.Do(func() {
		r.logger.Info("backend unreachable", zap.Error(err))
	})
}

// update applies fn and publishes the result when anything changed.
func (r *Reconciler) update(fn func(st *Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.copyLocked()
	fn(&r.status)
	if sameStatus(before, r.status) {
		return
	}
	r.publishLocked()
}

func (r *Reconciler) publishLocked() {
	r.status.UpdatedAt = time.Now()
	snap := r.copyLocked()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *Reconciler) copyLocked() Status {
	st := r.status
	st.Data = maps.Clone(r.status.Data)
	return st
}

func sameStatus(a, b Status) bool {
	if a.Connected != b.Connected || a.LastError != b.LastError || a.UserError != b.UserError ||
		a.ServerRunning != b.ServerRunning || a.Starting != b.Starting || len(a.Data) != len(b.Data) {
		return false
	}
	for k, v := range a.Data {
		if string(b.Data[k]) != string(v) {
			return false
		}
	}
	return true
}

// every sleeps interval, runs fn, and repeats until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		fn(ctx)
		timer.Reset(interval)
	}
}

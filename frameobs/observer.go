// Package frameobs watches one named frame of a host page for DOM mutations
// and delivers a rate-limited notification carrying the frame's current
// document.
//
// Two time constants shape delivery. DebounceDelay collapses a burst of
// mutations (a table re-render produces dozens) into one firing.
// ProcessInterval bounds how often the callback may run under sustained
// mutation pressure. The frame document is re-resolved by name on every
// firing and never cached, because the host page may navigate the frame.
//
// All failures inside the observer are logged and absorbed: the callback is
// best-effort automation over a page this code does not control.
package frameobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultFrameName       = "mainFrame"
	DefaultProcessInterval = time.Second
	DefaultDebounceDelay   = 500 * time.Millisecond

	// loadFallbackDelay is how long the observer waits after the outer
	// document loads before trying to attach to a frame that is not
	// complete yet.
	loadFallbackDelay = 500 * time.Millisecond
)

// ProcessFunc receives the frame's current document.
type ProcessFunc func(ctx context.Context, doc Document) error

// Config for creating an Observer.
type Config struct {
	// FrameName is matched against the frame's name attribute or id.
	FrameName       string
	ProcessInterval time.Duration
	DebounceDelay   time.Duration
	OnProcess       ProcessFunc

	// Trailing keeps a change that was suppressed by ProcessInterval, or
	// whose callback failed, pending until it can be delivered. Off by
	// default: a suppressed firing is dropped and the next mutation
	// starts over.
	Trailing bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.FrameName == "" {
		c.FrameName = DefaultFrameName
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = DefaultProcessInterval
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.OnProcess == nil {
		c.OnProcess = func(context.Context, Document) error { return nil }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are point-in-time counters for one observer.
type Stats struct {
	Running     bool      `json:"running"`
	Attached    bool      `json:"attached"`
	Mutations   int64     `json:"mutations"`
	Invocations int64     `json:"invocations"`
	Failures    int64     `json:"failures"`
	Suppressed  int64     `json:"suppressed"`
	LastProcess time.Time `json:"last_process,omitzero"`
}

// Observer watches one frame. Create one per feature with New.
type Observer struct {
	cfg    Config
	host   Host
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	cur *run

	running     atomic.Bool
	attached    atomic.Bool
	mutations   atomic.Int64
	invocations atomic.Int64
	failures    atomic.Int64
	suppressed  atomic.Int64
	lastProcess atomic.Int64 // unix nanos
}

// New creates an Observer for frames hosted by host. Call Start to attach.
func New(host Host, cfg Config) *Observer {
	cfg.defaults()
	return &Observer{
		cfg:    cfg,
		host:   host,
		logger: cfg.Logger.With("frame", cfg.FrameName),
		now:    time.Now,
	}
}

// Config returns the observer's effective configuration.
func (o *Observer) Config() Config { return o.cfg }

// Start attaches the observer. A running observer is stopped first, so at
// most one mutation watcher is ever live. Start returns once the initial
// attach attempt has been made; later attachment (frame or page load) happens
// in the background until Stop or ctx cancellation.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		o:          o,
		cancel:     cancel,
		lim:        newLimiter(o.cfg.DebounceDelay, o.cfg.ProcessInterval, o.cfg.Trailing),
		initC:      make(chan struct{}, 1),
		outerLoadC: make(chan struct{}, 1),
		mutC:       make(chan struct{}, 1),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	o.cur = r
	o.running.Store(true)

	go r.loop(runCtx)

	select {
	case <-r.ready:
	case <-r.done:
	}
}

// Stop detaches the mutation watcher and cancels any pending firing. It is
// safe to call on an observer that was never started.
func (o *Observer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
}

func (o *Observer) stopLocked() {
	if o.cur == nil {
		return
	}
	o.cur.cancel()
	<-o.cur.done
	o.cur = nil
	o.running.Store(false)
}

// Stats returns the observer's counters.
func (o *Observer) Stats() Stats {
	s := Stats{
		Running:     o.running.Load(),
		Attached:    o.attached.Load(),
		Mutations:   o.mutations.Load(),
		Invocations: o.invocations.Load(),
		Failures:    o.failures.Load(),
		Suppressed:  o.suppressed.Load(),
	}
	if ns := o.lastProcess.Load(); ns != 0 {
		s.LastProcess = time.Unix(0, ns)
	}
	return s
}

// WaitForElement polls doc until selector matches or timeout elapses.
func (o *Observer) WaitForElement(ctx context.Context, doc Document, selector string, timeout time.Duration) (Element, error) {
	return WaitForElement(ctx, doc, selector, timeout)
}

// Document resolves the frame's current document.
func (o *Observer) Document(ctx context.Context) (Document, error) {
	frame, err := o.host.LookupFrame(ctx, o.cfg.FrameName)
	if err != nil {
		return nil, err
	}
	return frame.Document(ctx)
}

// run is the state of one Start..Stop cycle. Everything below the channels
// is owned by the loop goroutine, which serialises attachment, mutation
// handling and callback invocation.
type run struct {
	o      *Observer
	cancel context.CancelFunc

	initC      chan struct{}
	outerLoadC chan struct{}
	mutC       chan struct{}
	ready      chan struct{}
	done       chan struct{}

	gen   atomic.Uint64 // watcher generation; stale watchers stay silent
	watch Watch
	lim   *limiter

	timer  *time.Timer
	timerC <-chan time.Time
	retry  *time.Timer
	retryC <-chan time.Time
}

func (r *run) loop(ctx context.Context) {
	defer close(r.done)
	defer r.o.running.Store(false)
	defer r.teardown()

	r.boot(ctx)
	close(r.ready)

	for {
		select {
		case <-ctx.Done():
			return

		case <-r.initC:
			r.initialize(ctx)

		case <-r.outerLoadC:
			r.onOuterLoad(ctx)

		case <-r.retryC:
			r.retryC = nil
			r.initialize(ctx)

		case <-r.mutC:
			r.o.mutations.Add(1)
			r.arm(r.lim.mutation(r.o.now()))

		case <-r.timerC:
			r.timerC = nil
			r.fire(ctx)
		}
	}
}

// boot decides how to attach: immediately when the frame or the page is
// already complete, otherwise on the next load event.
func (r *run) boot(ctx context.Context) {
	o := r.o
	frame, err := o.host.LookupFrame(ctx, o.cfg.FrameName)
	if err != nil {
		o.logger.Error("frameobs: frame element not found", "error", err)
	} else {
		frame.OnLoad(ctx, r.requestInit)
		if frameComplete(ctx, frame) {
			r.initialize(ctx)
			return
		}
	}

	state, err := o.host.ReadyState(ctx)
	if err == nil && state == ReadyComplete {
		r.initialize(ctx)
		return
	}

	o.host.OnLoad(ctx, func() {
		select {
		case r.outerLoadC <- struct{}{}:
		default:
		}
	})
}

func (r *run) requestInit() {
	select {
	case r.initC <- struct{}{}:
	default:
	}
}

func (r *run) onOuterLoad(ctx context.Context) {
	frame, err := r.o.host.LookupFrame(ctx, r.o.cfg.FrameName)
	if err == nil && frameComplete(ctx, frame) {
		r.initialize(ctx)
		return
	}
	if r.retry != nil {
		r.retry.Stop()
	}
	r.retry = time.NewTimer(loadFallbackDelay)
	r.retryC = r.retry.C
}

// initialize replaces the mutation watcher with a fresh one on the frame's
// current body and runs the callback once so the initial state is handled
// without waiting for a mutation.
func (r *run) initialize(ctx context.Context) {
	o := r.o
	doc, err := o.Document(ctx)
	if err != nil {
		o.logger.Warn("frameobs: frame document not accessible", "error", err)
		return
	}

	r.disconnect()

	gen := r.gen.Add(1)
	w, err := doc.Watch(ctx, func() {
		if r.gen.Load() != gen {
			return
		}
		select {
		case r.mutC <- struct{}{}:
		default:
		}
	})
	if err != nil {
		o.logger.Warn("frameobs: cannot watch frame body", "error", err)
		return
	}
	r.watch = w
	o.attached.Store(true)
	o.logger.Debug("frameobs: watcher attached", "document", doc.ID())

	if err := r.invoke(ctx, doc); err != nil {
		o.failures.Add(1)
		o.logger.Error("frameobs: process failed", "error", err)
	}
}

// fire runs when the debounce deadline passes.
func (r *run) fire(ctx context.Context) {
	o := r.o
	now := o.now()

	ok, retryAt := r.lim.expire(now)
	if !ok {
		o.suppressed.Add(1)
		if !retryAt.IsZero() {
			r.arm(retryAt)
		}
		return
	}

	doc, err := o.Document(ctx)
	if err != nil {
		o.logger.Error("frameobs: frame document not accessible", "error", err)
		r.rearmFailed(now)
		return
	}

	if err := r.invoke(ctx, doc); err != nil {
		o.failures.Add(1)
		o.logger.Error("frameobs: process failed", "error", err)
		r.rearmFailed(now)
		return
	}
	r.lim.succeeded(now)
	o.lastProcess.Store(now.UnixNano())
}

func (r *run) rearmFailed(now time.Time) {
	if at := r.lim.failed(now); !at.IsZero() {
		r.arm(at)
	}
}

// invoke runs the callback, turning a panic into an error.
func (r *run) invoke(ctx context.Context, doc Document) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("frameobs: callback panic: %v", p)
		}
	}()
	r.o.invocations.Add(1)
	return r.o.cfg.OnProcess(ctx, doc)
}

// arm (re)starts the single firing timer for deadline.
func (r *run) arm(deadline time.Time) {
	if r.timer != nil {
		r.timer.Stop()
	}
	d := deadline.Sub(r.o.now())
	if d < 0 {
		d = 0
	}
	r.timer = time.NewTimer(d)
	r.timerC = r.timer.C
}

func (r *run) disconnect() {
	if r.watch == nil {
		return
	}
	if err := r.watch.Disconnect(); err != nil {
		r.o.logger.Debug("frameobs: disconnect watcher", "error", err)
	}
	r.watch = nil
	r.o.attached.Store(false)
}

func (r *run) teardown() {
	r.gen.Add(1)
	r.disconnect()
	if r.timer != nil {
		r.timer.Stop()
		r.timer, r.timerC = nil, nil
	}
	if r.retry != nil {
		r.retry.Stop()
		r.retry, r.retryC = nil, nil
	}
	r.lim.reset()
}

func frameComplete(ctx context.Context, frame Frame) bool {
	doc, err := frame.Document(ctx)
	if err != nil {
		return false
	}
	state, err := doc.ReadyState(ctx)
	return err == nil && state == ReadyComplete
}

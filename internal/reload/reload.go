// Package reload polls a version token from SQLite and runs an action once
// the token has moved and stayed put for a debounce window.
//
//	p := reload.New(st.DataVersion, reload.Options{Interval: 200 * time.Millisecond, Debounce: 500 * time.Millisecond})
//	go p.Run(ctx, sup.Reload)
package reload

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// VersionFunc reads the current version token. Different values between
// two reads mean something changed.
type VersionFunc func(ctx context.Context) (int64, error)

// Options tunes the poller.
type Options struct {
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// 0 runs it on the poll that saw the change.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Poller runs an action whenever the version moves.
type Poller struct {
	version VersionFunc
	opts    Options

	current atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Version         int64 `json:"version"`
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

func New(version VersionFunc, opts Options) *Poller {
	opts.defaults()
	return &Poller{version: version, opts: opts}
}

func (p *Poller) Stats() Stats {
	return Stats{
		Version:         p.current.Load(),
		Checks:          p.checks.Load(),
		ChangesDetected: p.changes.Load(),
		Errors:          p.errors.Load(),
		Reloads:         p.reloads.Load(),
	}
}

// Run polls until ctx is cancelled. If action fails the version is not
// advanced, so the action is retried on the next poll.
func (p *Poller) Run(ctx context.Context, action func(context.Context) error) {
	log := p.opts.Logger

	if v, err := p.version(ctx); err != nil {
		log.Warn("reload: initial version check failed", "error", err)
	} else {
		p.current.Store(v)
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := int64(-1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.checks.Add(1)
			cur, err := p.version(ctx)
			if err != nil {
				p.errors.Add(1)
				log.Warn("reload: version check failed", "error", err)
				continue
			}
			if cur == p.current.Load() || cur == pending {
				continue
			}
			p.changes.Add(1)
			pending = cur
			if p.opts.Debounce <= 0 {
				p.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(p.opts.Debounce)
			timerC = timer.C
			log.Debug("reload: change detected, debouncing", "version", cur)

		case <-timerC:
			timerC = nil
			if pending >= 0 {
				p.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (p *Poller) fire(ctx context.Context, action func(context.Context) error, v int64) {
	log := p.opts.Logger
	start := time.Now()
	if err := action(ctx); err != nil {
		p.errors.Add(1)
		log.Error("reload: action failed", "version", v, "error", err)
		return
	}
	p.reloads.Add(1)
	p.current.Store(v)
	log.Info("reload: applied", "version", v, "duration", time.Since(start))
}

// CLAUDE:SUMMARY Supervisor runs one frame observer per feature, reloads them from config and SQLite, and reports their status.
// Package framepatch keeps declarative patches applied to the frames of a
// web application running in Chrome.
//
// Each feature gets its own frameobs.Observer on its frame. When the frame's
// document mutates, the feature's rules are applied again; rules mark what
// they patched so repeated passes are cheap and do not loop. Features come
// from the YAML file and, when a store is configured, from SQLite, where
// edits are picked up without a restart.
package framepatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/hazyhaar/framepatch/frameobs"
	"github.com/hazyhaar/framepatch/internal/config"
	"github.com/hazyhaar/framepatch/internal/kit"
	"github.com/hazyhaar/framepatch/patch"
	"github.com/hazyhaar/framepatch/store"
)

var (
	// ErrUnknownFeature is returned for a feature name that is not loaded.
	ErrUnknownFeature = errors.New("framepatch: unknown feature")
	// ErrNoStore is returned by store-backed operations without a store.
	ErrNoStore = errors.New("framepatch: no store configured")
	// ErrNotStarted is returned before Start.
	ErrNotStarted = errors.New("framepatch: supervisor not started")
)

// Feature sources.
const (
	SourceConfig = "config"
	SourceStore  = "store"
)

// FeatureStatus is the public view of one loaded feature.
type FeatureStatus struct {
	Name      string                `json:"name"`
	Source    string                `json:"source"`
	Frame     string                `json:"frame"`
	Disabled  bool                  `json:"disabled"`
	Stopped   bool                  `json:"stopped"`
	Rules     int                   `json:"rules"`
	Observer  frameobs.Stats        `json:"observer"`
	Documents []patch.DocState      `json:"documents"`
	Config    config.ObserverConfig `json:"-"`
}

// Supervisor owns the observers. It is safe for concurrent use.
type Supervisor struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	host     frameobs.Host
	features map[string]*runner
}

type runner struct {
	feature  patch.Feature
	source   string
	settings config.ObserverConfig
	registry *patch.Registry
	applier  *patch.Applier
	obs      *frameobs.Observer
	stopped  bool
}

// NewSupervisor creates a Supervisor over host. st may be nil.
func NewSupervisor(cfg *config.Config, host frameobs.Host, st *store.Store, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		store:    st,
		host:     host,
		logger:   logger,
		features: make(map[string]*runner),
	}
}

// Start loads every feature and starts the enabled ones. Observers live
// until Stop or ctx cancellation.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s.Reload(ctx)
}

// Reload re-reads the feature set and restarts only what changed. Store
// features override config features of the same name. A store read error
// is returned after the readable features have been applied.
func (s *Supervisor) Reload(ctx context.Context) error {
	want, loadErr := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotStarted
	}

	for name, r := range s.features {
		if _, ok := want[name]; !ok {
			s.stopLocked(r)
			delete(s.features, name)
			s.logger.Info("framepatch: feature removed", "feature", name)
		}
	}

	var errs []error
	for name, next := range want {
		cur, ok := s.features[name]
		if ok && cur.source == next.source && reflect.DeepEqual(cur.feature, next.feature) {
			continue
		}
		if ok {
			s.stopLocked(cur)
		}
		if err := s.prepare(next); err != nil {
			errs = append(errs, err)
			delete(s.features, name)
			continue
		}
		s.features[name] = next
		if !next.feature.Disabled {
			next.obs.Start(s.ctx)
		}
		s.logger.Info("framepatch: feature loaded",
			"feature", name, "source", next.source, "frame", next.settings.Frame,
			"disabled", next.feature.Disabled)
	}
	if loadErr != nil {
		errs = append(errs, loadErr)
	}
	return errors.Join(errs...)
}

func (s *Supervisor) load(ctx context.Context) (map[string]*runner, error) {
	want := make(map[string]*runner)
	for _, f := range s.cfg.Features {
		want[f.Name] = &runner{feature: f, source: SourceConfig}
	}
	if s.store == nil {
		return want, nil
	}
	stored, err := s.store.ListFeatures(ctx)
	for _, f := range stored {
		want[f.Name] = &runner{feature: f, source: SourceStore}
	}
	if err != nil {
		return want, fmt.Errorf("framepatch: load stored features: %w", err)
	}
	return want, nil
}

// prepare builds the applier and observer for r against the current host.
func (s *Supervisor) prepare(r *runner) error {
	r.settings = s.cfg.ObserverFor(r.feature)
	if r.registry == nil {
		r.registry = patch.NewRegistry(0)
	}

	opts := patch.Options{Registry: r.registry, Logger: s.logger}
	if s.store != nil {
		opts.Recorder = s.store
	}
	ap, err := patch.NewApplier(r.feature, opts)
	if err != nil {
		return err
	}
	r.applier = ap
	r.obs = frameobs.New(s.host, frameobs.Config{
		FrameName:       r.settings.Frame,
		ProcessInterval: r.settings.ProcessInterval,
		DebounceDelay:   r.settings.DebounceDelay,
		Trailing:        r.settings.Trailing,
		OnProcess:       ap.Process,
		Logger:          s.logger.With("feature", r.feature.Name),
	})
	return nil
}

func (s *Supervisor) stopLocked(r *runner) {
	if r.obs != nil {
		r.obs.Stop()
	}
	if r.applier != nil {
		r.applier.Release()
	}
}

// SetHost swaps the page the observers work on, after the browser was
// recycled or the tab reopened, and restarts every running feature on it.
func (s *Supervisor) SetHost(host frameobs.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
	for _, r := range s.features {
		s.stopLocked(r)
		if err := s.prepare(r); err != nil {
			// The feature validated when it was loaded.
			s.logger.Error("framepatch: rebuild feature", "feature", r.feature.Name, "error", err)
			continue
		}
		if s.ctx != nil && !r.feature.Disabled && !r.stopped {
			r.obs.Start(s.ctx)
		}
	}
	s.logger.Info("framepatch: host replaced", "features", len(s.features))
}

// RestartFeature stops and restarts one feature, clearing a manual stop.
// Its click handlers are wired again on the next pass.
func (s *Supervisor) RestartFeature(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotStarted
	}
	r, ok := s.features[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	if r.feature.Disabled {
		return fmt.Errorf("framepatch: feature %s is disabled", name)
	}
	s.stopLocked(r)
	if err := s.prepare(r); err != nil {
		return err
	}
	r.stopped = false
	r.obs.Start(s.ctx)
	s.logger.Info("framepatch: feature restarted", "feature", name,
		"via", kit.GetTransport(ctx), "trace_id", kit.GetTraceID(ctx))
	return nil
}

// StopFeature stops one feature until it is restarted or its definition
// changes.
func (s *Supervisor) StopFeature(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.features[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	s.stopLocked(r)
	r.stopped = true
	s.logger.Info("framepatch: feature stopped", "feature", name,
		"via", kit.GetTransport(ctx), "trace_id", kit.GetTraceID(ctx))
	return nil
}

// Features returns the status of every loaded feature, sorted by name.
func (s *Supervisor) Features() []FeatureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeatureStatus, 0, len(s.features))
	for _, r := range s.features {
		out = append(out, r.status())
	}
	slices.SortFunc(out, func(a, b FeatureStatus) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Feature returns the status of one feature.
func (s *Supervisor) Feature(name string) (FeatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.features[name]
	if !ok {
		return FeatureStatus{}, fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	return r.status(), nil
}

func (r *runner) status() FeatureStatus {
	st := FeatureStatus{
		Name:      r.feature.Name,
		Source:    r.source,
		Frame:     r.settings.Frame,
		Disabled:  r.feature.Disabled,
		Stopped:   r.stopped,
		Rules:     len(r.feature.Rules),
		Documents: r.registry.Snapshot(),
		Config:    r.settings,
	}
	if r.obs != nil {
		st.Observer = r.obs.Stats()
	}
	return st
}

// RecentEvents returns the audit trail.
func (s *Supervisor) RecentEvents(ctx context.Context, f store.EventFilter) ([]store.EventRow, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.RecentEvents(ctx, f)
}

// Stop stops every observer and waits for running click sequences.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.features {
		s.stopLocked(r)
		if r.applier != nil {
			r.applier.Wait()
		}
	}
}

package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/framepatch/frameobs"
)

// MarkerAttr holds one "<rule>@<session>" token per rule that patched the
// element. The session part changes every time an Applier is created, so
// click handlers are wired again after a restart even though the element
// keeps its edits.
const MarkerAttr = "data-framepatch"

// Event kinds.
const (
	KindApply    = "apply"
	KindSequence = "sequence"
)

// Event describes one rule pass over a document or one click sequence run.
type Event struct {
	Feature  string
	Document string
	Kind     string
	Rule     string
	Count    int
	Err      error
	Duration time.Duration
}

// Recorder persists events. Recording is best-effort.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Options for NewApplier. All fields are optional.
type Options struct {
	Registry *Registry
	Recorder Recorder
	Logger   *slog.Logger
}

// Applier applies one feature. Its Process method is a frameobs.ProcessFunc.
type Applier struct {
	feature Feature
	rules   []*compiledRule
	reg     *Registry
	rec     Recorder
	logger  *slog.Logger
	session string

	// Click listeners and sequences live as long as the document they were
	// wired on: the scope is cancelled when the frame moves to another
	// document or the caller's context ends.
	scopeMu sync.Mutex
	scope   docScope

	wg sync.WaitGroup
}

type docScope struct {
	id     string
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

type compiledRule struct {
	Rule
	key     string
	pattern *regexp.Regexp
	actions []compiledAction
	busy    atomic.Bool // a click sequence is running
}

type compiledAction struct {
	Action
	src     source
	pattern *regexp.Regexp
}

var htmlPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	p.AllowStyles("color", "background-color", "font-weight", "font-size", "text-decoration",
		"display", "margin", "padding", "border", "border-radius", "cursor").Globally()
	return p
}()

// SanitizeHTML strips scripts, handlers and unknown attributes from markup
// written by set_html and insert_html.
func SanitizeHTML(markup string) string { return htmlPolicy.Sanitize(markup) }

// NewApplier validates f and prepares it for application.
func NewApplier(f Feature, opts Options) (*Applier, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Applier{
		feature: f,
		reg:     opts.Registry,
		rec:     opts.Recorder,
		logger:  opts.Logger.With("feature", f.Name),
		session: strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
	for i, r := range f.Rules {
		cr := &compiledRule{Rule: r, key: r.Marker}
		if cr.key == "" {
			cr.key = f.Name + "." + strconv.Itoa(i)
		}
		if r.Pattern != "" {
			cr.pattern = regexp.MustCompile(r.Pattern)
		}
		for _, act := range r.Actions {
			ca := compiledAction{Action: act}
			if act.From != "" {
				ca.src, _ = parseSource(act.From)
			}
			if act.Pattern != "" {
				ca.pattern = regexp.MustCompile(act.Pattern)
			}
			cr.actions = append(cr.actions, ca)
		}
		a.rules = append(a.rules, cr)
	}
	return a, nil
}

func (a *Applier) Feature() Feature    { return a.feature }
func (a *Applier) Registry() *Registry { return a.reg }

// Wait blocks until running click sequences have returned.
func (a *Applier) Wait() { a.wg.Wait() }

// Release cancels the current document scope, dropping its click
// listeners.
func (a *Applier) Release() {
	a.scopeMu.Lock()
	defer a.scopeMu.Unlock()
	if a.scope.cancel != nil {
		a.scope.cancel()
	}
	a.scope = docScope{}
}

// docContext returns the context bound to document id, replacing the
// previous document's scope when the frame has moved on.
func (a *Applier) docContext(parent context.Context, id string) context.Context {
	a.scopeMu.Lock()
	defer a.scopeMu.Unlock()
	sc := a.scope
	if sc.ctx != nil && sc.id == id && sc.parent == parent && sc.ctx.Err() == nil {
		return sc.ctx
	}
	if sc.cancel != nil {
		sc.cancel()
		a.logger.Debug("patch: document scope released", "document", sc.id)
	}
	ctx, cancel := context.WithCancel(parent)
	a.scope = docScope{id: id, parent: parent, ctx: ctx, cancel: cancel}
	return ctx
}

// Process applies every rule to doc. A failing element does not stop the
// others; all errors are joined.
func (a *Applier) Process(ctx context.Context, doc frameobs.Document) error {
	ctx = a.docContext(ctx, doc.ID())
	var errs []error
	total := 0
	for _, r := range a.rules {
		start := time.Now()
		n, err := a.applyRule(ctx, doc, r)
		if n > 0 || err != nil {
			a.record(ctx, Event{
				Feature:  a.feature.Name,
				Document: doc.ID(),
				Kind:     KindApply,
				Rule:     r.key,
				Count:    n,
				Err:      err,
				Duration: time.Since(start),
			})
		}
		if n > 0 {
			a.logger.Debug("patch: rule applied", "rule", r.key, "elements", n)
		}
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	a.reg.notePatched(doc.ID(), total)
	return errors.Join(errs...)
}

func (a *Applier) applyRule(ctx context.Context, doc frameobs.Document, r *compiledRule) (int, error) {
	els, err := doc.QueryAll(ctx, r.Selector)
	if err != nil {
		return 0, fmt.Errorf("patch: %s: %w", r.key, err)
	}

	var errs []error
	n := 0
	for _, el := range els {
		ok, err := r.match(ctx, el)
		if err != nil {
			errs = append(errs, fmt.Errorf("patch: %s: match: %w", r.key, err))
			continue
		}
		if !ok {
			continue
		}

		marks, _, err := el.Attr(ctx, MarkerAttr)
		if err != nil {
			errs = append(errs, fmt.Errorf("patch: %s: marker: %w", r.key, err))
			continue
		}
		tokens := strings.Fields(marks)
		session, seen := findMark(tokens, r.key)
		if seen && (session == a.session || len(r.OnClick) == 0) {
			continue
		}

		if !seen {
			removed, err := a.runActions(ctx, el, r)
			if err != nil {
				errs = append(errs, fmt.Errorf("patch: %s: %w", r.key, err))
				continue
			}
			if removed {
				n++
				continue
			}
		}
		if len(r.OnClick) > 0 {
			if err := a.wireClick(ctx, doc, el, r); err != nil {
				errs = append(errs, fmt.Errorf("patch: %s: wire click: %w", r.key, err))
				continue
			}
		}
		tokens = setMark(tokens, r.key, a.session)
		if err := el.SetAttr(ctx, MarkerAttr, strings.Join(tokens, " ")); err != nil {
			errs = append(errs, fmt.Errorf("patch: %s: mark: %w", r.key, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (r *compiledRule) match(ctx context.Context, el frameobs.Element) (bool, error) {
	if r.TextContains != "" {
		text, err := el.Text(ctx)
		if err != nil {
			return false, err
		}
		if !strings.Contains(text, r.TextContains) {
			return false, nil
		}
	}
	if r.Attr != "" {
		v, ok, err := el.Attr(ctx, r.Attr)
		if err != nil {
			return false, err
		}
		if !ok || (r.pattern != nil && !r.pattern.MatchString(v)) {
			return false, nil
		}
	}
	return true, nil
}

// runActions applies the rule's actions in order. removed reports that the
// element left the document, so it cannot be marked.
func (a *Applier) runActions(ctx context.Context, el frameobs.Element, r *compiledRule) (removed bool, err error) {
	for i := range r.actions {
		act := &r.actions[i]
		target := el
		if act.Target != "" {
			target, err = el.Query(ctx, act.Target)
			if errors.Is(err, frameobs.ErrNotFound) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("%s: target: %w", act.Op, err)
			}
		}
		var value string
		var ok bool
		if value, ok, err = act.value(ctx, el, target); err != nil {
			return false, fmt.Errorf("%s: %w", act.Op, err)
		}
		if !ok {
			continue
		}

		switch act.Op {
		case OpSetText:
			err = target.SetText(ctx, value)
		case OpSetHTML:
			err = target.SetHTML(ctx, SanitizeHTML(value))
		case OpInsertHTML:
			err = target.InsertHTML(ctx, orDefault(act.Position, BeforeEnd), SanitizeHTML(value))
		case OpSetValue:
			err = target.SetValue(ctx, value)
		case OpSetAttr:
			err = target.SetAttr(ctx, act.Name, value)
		case OpRemoveAttr:
			err = target.RemoveAttr(ctx, act.Name)
		case OpSetStyle:
			err = target.SetStyle(ctx, act.Name, value, act.Priority)
		case OpHide:
			err = target.SetStyle(ctx, "display", "none", "important")
		case OpRemove:
			err = target.Remove(ctx)
			removed = err == nil && act.Target == ""
		}
		if err != nil {
			return false, fmt.Errorf("%s: %w", act.Op, err)
		}
		if removed {
			return true, nil
		}
	}
	return false, nil
}

// value returns what the action writes to target, or false when the action
// does not apply. Derived values are read from the matched element el.
func (act *compiledAction) value(ctx context.Context, el, target frameobs.Element) (string, bool, error) {
	if act.IfEmpty {
		cur, err := act.current(ctx, target)
		if err != nil {
			return "", false, err
		}
		if strings.TrimSpace(cur) != "" {
			return "", false, nil
		}
	}
	if act.From == "" {
		return act.Value, true, nil
	}

	v, err := act.read(ctx, el)
	if err != nil {
		return "", false, fmt.Errorf("from %s: %w", act.From, err)
	}
	if act.pattern != nil {
		m := act.pattern.FindStringSubmatchIndex(v)
		if m == nil {
			return "", false, nil
		}
		v = string(act.pattern.ExpandString(nil, orDefault(act.Value, "${1}"), v, m))
	}
	if len(act.Choices) == 0 {
		return v, true, nil
	}
	for _, c := range act.Choices {
		if strings.Contains(v, c.Contains) {
			return c.label(), true, nil
		}
	}
	return "", false, nil
}

func (act *compiledAction) read(ctx context.Context, el frameobs.Element) (string, error) {
	switch act.src.kind {
	case "value":
		return el.Value(ctx)
	case "attr":
		v, _, err := el.Attr(ctx, act.src.attr)
		return v, err
	}
	return el.Text(ctx)
}

// current is what the action would overwrite on target.
func (act *compiledAction) current(ctx context.Context, target frameobs.Element) (string, error) {
	switch act.Op {
	case OpSetValue:
		return target.Value(ctx)
	case OpSetAttr:
		v, _, err := target.Attr(ctx, act.Name)
		return v, err
	}
	return target.Text(ctx)
}

// wireClick makes the element run the rule's steps instead of its own click
// action, for as long as ctx (the document scope) lives.
func (a *Applier) wireClick(ctx context.Context, doc frameobs.Document, el frameobs.Element, r *compiledRule) error {
	return el.OnClick(ctx, func() {
		if !r.busy.CompareAndSwap(false, true) {
			a.logger.Info("patch: click sequence already running", "rule", r.key)
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer r.busy.Store(false)
			text, err := el.Text(ctx)
			if err != nil {
				a.logger.Warn("patch: clicked element text", "rule", r.key, "error", err)
			}
			a.runSequence(ctx, doc, r, strings.TrimSpace(text))
		}()
	})
}

func (a *Applier) runSequence(ctx context.Context, doc frameobs.Document, r *compiledRule, clicked string) {
	start := time.Now()
	err := runSteps(ctx, doc, r.OnClick, clicked)
	a.reg.noteSequence(doc.ID(), err == nil)
	a.record(ctx, Event{
		Feature:  a.feature.Name,
		Document: doc.ID(),
		Kind:     KindSequence,
		Rule:     r.key,
		Count:    len(r.OnClick),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		a.logger.Error("patch: click sequence failed", "rule", r.key, "error", err)
		return
	}
	a.logger.Info("patch: click sequence done", "rule", r.key, "duration", time.Since(start))
}

func (a *Applier) record(ctx context.Context, ev Event) {
	if a.rec == nil {
		return
	}
	if err := a.rec.Record(context.WithoutCancel(ctx), ev); err != nil {
		a.logger.Warn("patch: record event", "kind", ev.Kind, "error", err)
	}
}

func findMark(tokens []string, key string) (session string, ok bool) {
	for _, t := range tokens {
		if k, s, found := strings.Cut(t, "@"); found && k == key {
			return s, true
		}
	}
	return "", false
}

func setMark(tokens []string, key, session string) []string {
	out := tokens[:0:0]
	for _, t := range tokens {
		if k, _, _ := strings.Cut(t, "@"); k != key {
			out = append(out, t)
		}
	}
	return append(out, key+"@"+session)
}

// Package domtest is an in-memory implementation of the frameobs DOM
// interfaces, built on golang.org/x/net/html. It lets observer and feature
// logic run in unit tests without a browser.
//
// Edits made through Element notify mutation watchers the way a real
// MutationObserver would; SetValue does not, since it changes a property
// rather than an attribute.
package domtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hazyhaar/framepatch/frameobs"
)

type listener struct {
	ctx context.Context
	fn  func()
}

func fire(ls []listener) {
	for _, l := range ls {
		if l.ctx.Err() == nil {
			l.fn()
		}
	}
}

// Host is a fake outer page.
type Host struct {
	mu     sync.Mutex
	state  string
	frames []*Frame
	loads  []listener
}

// NewHost returns a Host whose outer document is already complete.
func NewHost() *Host {
	return &Host{state: frameobs.ReadyComplete}
}

// SetReadyState sets the outer document's readyState.
func (h *Host) SetReadyState(state string) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// Load marks the outer document complete and fires its load listeners.
func (h *Host) Load() {
	h.mu.Lock()
	h.state = frameobs.ReadyComplete
	ls := append([]listener(nil), h.loads...)
	h.mu.Unlock()
	fire(ls)
}

// AddFrame adds a frame with a complete document parsed from markup.
func (h *Host) AddFrame(name, id, markup string) *Frame {
	f := h.AddPendingFrame(name, id)
	f.mu.Lock()
	f.doc = Parse(f.nextDocID(), markup)
	f.mu.Unlock()
	return f
}

// AddPendingFrame adds a frame whose document is not reachable yet.
func (h *Host) AddPendingFrame(name, id string) *Frame {
	f := &Frame{name: name, id: id}
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
	return f
}

// RemoveFrame removes the frame element with the given name.
func (h *Host) RemoveFrame(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, f := range h.frames {
		if f.name == name {
			h.frames = append(h.frames[:i], h.frames[i+1:]...)
			return
		}
	}
}

func (h *Host) LookupFrame(_ context.Context, name string) (frameobs.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.frames {
		if f.name == name || f.id == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", frameobs.ErrFrameNotFound, name)
}

func (h *Host) ReadyState(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, nil
}

func (h *Host) OnLoad(ctx context.Context, fn func()) {
	h.mu.Lock()
	h.loads = append(h.loads, listener{ctx: ctx, fn: fn})
	h.mu.Unlock()
}

// Frame is a fake frame element.
type Frame struct {
	name, id string

	mu    sync.Mutex
	doc   *Document
	loads []listener
	navs  int
}

func (f *Frame) nextDocID() string {
	f.navs++
	return fmt.Sprintf("%s#%d", f.name, f.navs)
}

// Navigate replaces the frame's document with markup and fires the frame's
// load listeners.
func (f *Frame) Navigate(markup string) *Document {
	f.mu.Lock()
	d := Parse(f.nextDocID(), markup)
	f.doc = d
	ls := append([]listener(nil), f.loads...)
	f.mu.Unlock()
	fire(ls)
	return d
}

// FireLoad fires the frame's load listeners without changing its document.
func (f *Frame) FireLoad() {
	f.mu.Lock()
	ls := append([]listener(nil), f.loads...)
	f.mu.Unlock()
	fire(ls)
}

// Detach makes the frame's document unreachable.
func (f *Frame) Detach() {
	f.mu.Lock()
	f.doc = nil
	f.mu.Unlock()
}

// Current returns the frame's document, or nil.
func (f *Frame) Current() *Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc
}

func (f *Frame) Document(context.Context) (frameobs.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil {
		return nil, frameobs.ErrNoDocument
	}
	return f.doc, nil
}

func (f *Frame) OnLoad(ctx context.Context, fn func()) {
	f.mu.Lock()
	f.loads = append(f.loads, listener{ctx: ctx, fn: fn})
	f.mu.Unlock()
}

// Event is a synthetic event fired on an element.
type Event struct {
	Type   string
	Target string // tag, plus #id when present
	Value  string // element value when the event fired
}

// Document is a fake frame document.
type Document struct {
	id string

	mu       sync.Mutex
	root     *html.Node
	state    string
	watchers map[int]listener
	nextW    int
	values   map[*html.Node]string
	clicks   map[*html.Node][]listener
	events   []Event
}

// Parse builds a complete Document from markup.
func Parse(id, markup string) *Document {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		// html.Parse only fails on reader errors.
		panic(err)
	}
	return &Document{
		id:       id,
		root:     root,
		state:    frameobs.ReadyComplete,
		watchers: make(map[int]listener),
		values:   make(map[*html.Node]string),
		clicks:   make(map[*html.Node][]listener),
	}
}

// SetReadyState sets document.readyState.
func (d *Document) SetReadyState(state string) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

// Mutate runs fn against the body and notifies watchers afterwards.
func (d *Document) Mutate(fn func(body *html.Node)) {
	d.mu.Lock()
	if body := findBody(d.root); body != nil {
		fn(body)
	}
	d.mu.Unlock()
	d.notify()
}

// Append parses markup and appends it to the first element matching
// selector, then notifies watchers.
func (d *Document) Append(selector, markup string) error {
	sel, err := compile(selector)
	if err != nil {
		return err
	}
	d.mu.Lock()
	target := cascadia.Query(d.root, sel)
	if target == nil {
		d.mu.Unlock()
		return fmt.Errorf("domtest: %w: %s", frameobs.ErrNotFound, selector)
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), target)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	for _, n := range nodes {
		target.AppendChild(n)
	}
	d.mu.Unlock()
	d.notify()
	return nil
}

// RemoveBody detaches the body element, for exercising ErrNoBody.
func (d *Document) RemoveBody() {
	d.mu.Lock()
	if body := findBody(d.root); body != nil {
		body.Parent.RemoveChild(body)
	}
	d.mu.Unlock()
}

// Watchers returns the number of attached mutation watchers.
func (d *Document) Watchers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.watchers {
		if w.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// Events returns the synthetic events fired so far.
func (d *Document) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Render serialises the document.
func (d *Document) Render() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	html.Render(&b, d.root)
	return b.String()
}

func (d *Document) notify() {
	d.mu.Lock()
	ws := make([]listener, 0, len(d.watchers))
	for _, w := range d.watchers {
		ws = append(ws, w)
	}
	d.mu.Unlock()
	fire(ws)
}

func (d *Document) ID() string { return d.id }

func (d *Document) ReadyState(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

func (d *Document) Query(_ context.Context, selector string) (frameobs.Element, error) {
	return d.query(d.root, selector)
}

func (d *Document) QueryAll(_ context.Context, selector string) ([]frameobs.Element, error) {
	sel, err := compile(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []frameobs.Element
	for _, n := range cascadia.QueryAll(d.root, sel) {
		out = append(out, &Element{d: d, n: n})
	}
	return out, nil
}

// query returns the first descendant of scope matching selector.
func (d *Document) query(scope *html.Node, selector string) (frameobs.Element, error) {
	sel, err := compile(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := cascadia.Query(scope, sel)
	if n == nil {
		return nil, frameobs.ErrNotFound
	}
	return &Element{d: d, n: n}, nil
}

func (d *Document) HTML(context.Context) (string, error) {
	return d.Render(), nil
}

func (d *Document) Watch(ctx context.Context, notify func()) (frameobs.Watch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if findBody(d.root) == nil {
		return nil, frameobs.ErrNoBody
	}
	d.nextW++
	id := d.nextW
	d.watchers[id] = listener{ctx: ctx, fn: notify}
	return &watch{d: d, id: id}, nil
}

type watch struct {
	d  *Document
	id int
}

func (w *watch) Disconnect() error {
	w.d.mu.Lock()
	delete(w.d.watchers, w.id)
	w.d.mu.Unlock()
	return nil
}

func compile(selector string) (cascadia.Matcher, error) {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("domtest: selector %q: %w", selector, err)
	}
	return sel, nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findBody(root *html.Node) *html.Node {
	var body *html.Node
	walk(root, func(n *html.Node) {
		if body == nil && n.Type == html.ElementNode && n.Data == "body" {
			body = n
		}
	})
	return body
}

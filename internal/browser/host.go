package browser

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/framepatch/frameobs"
)

var _ frameobs.Host = (*Tab)(nil)

// frameSelector matches frame and iframe elements by name attribute or id.
func frameSelector(name string) string {
	q := strconv.Quote(name)
	return fmt.Sprintf(`frame[name=%[1]s], frame[id=%[1]s], iframe[name=%[1]s], iframe[id=%[1]s]`, q)
}

// LookupFrame finds the frame element in the top document.
func (t *Tab) LookupFrame(ctx context.Context, name string) (frameobs.Frame, error) {
	els, err := t.Page.Context(ctx).Elements(frameSelector(name))
	if err != nil {
		return nil, fmt.Errorf("browser: lookup frame %s: %w", name, err)
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", frameobs.ErrFrameNotFound, name)
	}
	return &frame{tab: t, el: els[0], name: name}, nil
}

func (t *Tab) ReadyState(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.readyState`)
	if err != nil {
		return "", fmt.Errorf("browser: ready state: %w", err)
	}
	return res.Value.Str(), nil
}

func (t *Tab) OnLoad(ctx context.Context, fn func()) {
	wait := t.Page.Context(ctx).EachEvent(func(*proto.PageLoadEventFired) { fn() })
	go wait()
}

type frame struct {
	tab  *Tab
	el   *rod.Element
	name string
}

func (f *frame) page(ctx context.Context) (*rod.Page, error) {
	p, err := f.el.Context(ctx).Frame()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", frameobs.ErrNoDocument, f.name, err)
	}
	return p, nil
}

// Document resolves the frame's current content document. A cross-origin
// or detached frame yields ErrNoDocument.
func (f *frame) Document(ctx context.Context) (frameobs.Document, error) {
	p, err := f.page(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := p.Context(ctx).Eval(`() => document.readyState`); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", frameobs.ErrNoDocument, f.name, err)
	}
	return &document{tab: f.tab, page: p, id: f.tab.documentID(ctx, p.FrameID)}, nil
}

func (f *frame) OnLoad(ctx context.Context, fn func()) {
	node, err := f.el.Context(ctx).Describe(0, false)
	if err != nil || node.FrameID == "" {
		f.tab.logger.Warn("browser: cannot follow frame loads", "frame", f.name, "error", err)
		return
	}
	id := node.FrameID
	wait := f.tab.Page.Context(ctx).EachEvent(func(e *proto.PageFrameStoppedLoading) {
		if e.FrameID == id {
			fn()
		}
	})
	go wait()
}

// documentID combines the frame id with its current loader id, which CDP
// renews on every navigation.
func (t *Tab) documentID(ctx context.Context, frameID proto.PageFrameID) string {
	tree, err := proto.PageGetFrameTree{}.Call(t.Page.Context(ctx))
	if err != nil {
		return string(frameID)
	}
	if fr := findFrame(tree.FrameTree, frameID); fr != nil {
		return string(fr.ID) + "/" + string(fr.LoaderID)
	}
	return string(frameID)
}

func findFrame(tree *proto.PageFrameTree, id proto.PageFrameID) *proto.PageFrame {
	if tree == nil {
		return nil
	}
	if tree.Frame != nil && tree.Frame.ID == id {
		return tree.Frame
	}
	for _, child := range tree.ChildFrames {
		if fr := findFrame(child, id); fr != nil {
			return fr
		}
	}
	return nil
}

type document struct {
	tab  *Tab
	page *rod.Page
	id   string
}

func (d *document) ID() string { return d.id }

func (d *document) ReadyState(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(`() => document.readyState`)
	if err != nil {
		return "", fmt.Errorf("browser: ready state: %w", err)
	}
	return res.Value.Str(), nil
}

func (d *document) Query(ctx context.Context, selector string) (frameobs.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %s: %w", selector, err)
	}
	if len(els) == 0 {
		return nil, frameobs.ErrNotFound
	}
	return &element{tab: d.tab, page: d.page, el: els[0]}, nil
}

func (d *document) QueryAll(ctx context.Context, selector string) ([]frameobs.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %s: %w", selector, err)
	}
	out := make([]frameobs.Element, len(els))
	for i, el := range els {
		out[i] = &element{tab: d.tab, page: d.page, el: el}
	}
	return out, nil
}

func (d *document) HTML(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

// Watch installs a MutationObserver on the body. The observer object stays
// in the page; Disconnect calls disconnect() on it through its remote handle.
func (d *document) Watch(ctx context.Context, notify func()) (frameobs.Watch, error) {
	token := d.tab.register(notify)
	obj, err := d.page.Context(ctx).Evaluate(rod.Eval(watchJS, bindingName, token).ByObject())
	if err != nil {
		d.tab.unregister(token)
		return nil, fmt.Errorf("browser: attach watcher: %w", err)
	}
	if obj.ObjectID == "" {
		d.tab.unregister(token)
		return nil, frameobs.ErrNoBody
	}
	return &watch{tab: d.tab, page: d.page, token: token, object: obj.ObjectID}, nil
}

type watch struct {
	tab    *Tab
	page   *rod.Page
	token  string
	object proto.RuntimeRemoteObjectID
}

func (w *watch) Disconnect() error {
	w.tab.unregister(w.token)
	_, err := proto.RuntimeCallFunctionOn{
		ObjectID:            w.object,
		FunctionDeclaration: `function () { this.disconnect() }`,
	}.Call(w.page)
	_ = proto.RuntimeReleaseObject{ObjectID: w.object}.Call(w.page)
	if err != nil {
		return fmt.Errorf("browser: disconnect watcher: %w", err)
	}
	return nil
}

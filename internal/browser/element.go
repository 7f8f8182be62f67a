package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/framepatch/frameobs"
)

var _ frameobs.Element = (*element)(nil)

// element runs every operation as a function evaluated with this bound to
// the node, in the frame's own execution context.
type element struct {
	tab  *Tab
	page *rod.Page
	el   *rod.Element
}

func (e *element) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	res, err := e.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("browser: element eval: %w", err)
	}
	return res, nil
}

func (e *element) exec(ctx context.Context, js string, args ...any) error {
	_, err := e.eval(ctx, js, args...)
	return err
}

func (e *element) Query(ctx context.Context, selector string) (frameobs.Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %s: %w", selector, err)
	}
	if len(els) == 0 {
		return nil, frameobs.ErrNotFound
	}
	return &element{tab: e.tab, page: e.page, el: els[0]}, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, `() => this.textContent`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e *element) Attr(ctx context.Context, name string) (string, bool, error) {
	res, err := e.eval(ctx, `(n) => this.getAttribute(n)`, name)
	if err != nil {
		return "", false, err
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

func (e *element) Value(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, `() => this.value === undefined ? '' : String(this.value)`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e *element) SetText(ctx context.Context, text string) error {
	return e.exec(ctx, `(t) => { this.textContent = t }`, text)
}

func (e *element) SetHTML(ctx context.Context, html string) error {
	return e.exec(ctx, `(h) => { this.innerHTML = h }`, html)
}

func (e *element) InsertHTML(ctx context.Context, position, html string) error {
	return e.exec(ctx, `(p, h) => this.insertAdjacentHTML(p, h)`, position, html)
}

func (e *element) SetValue(ctx context.Context, value string) error {
	return e.exec(ctx, `(v) => { this.value = v }`, value)
}

func (e *element) SetAttr(ctx context.Context, name, value string) error {
	return e.exec(ctx, `(n, v) => this.setAttribute(n, v)`, name, value)
}

func (e *element) RemoveAttr(ctx context.Context, name string) error {
	return e.exec(ctx, `(n) => this.removeAttribute(n)`, name)
}

func (e *element) SetStyle(ctx context.Context, property, value, priority string) error {
	return e.exec(ctx, `(p, v, prio) => this.style.setProperty(p, v, prio)`, property, value, priority)
}

func (e *element) Remove(ctx context.Context) error {
	return e.exec(ctx, `() => this.remove()`)
}

func (e *element) Click(ctx context.Context) error {
	return e.exec(ctx, `() => this.click()`)
}

func (e *element) Dispatch(ctx context.Context, event string) error {
	return e.exec(ctx, `(t) => this.dispatchEvent(new Event(t, { bubbles: true }))`, event)
}

// OnClick swaps the element's inline handler for a capturing listener that
// reports through the binding. The listener is removed when ctx ends.
func (e *element) OnClick(ctx context.Context, fn func()) error {
	token := e.tab.register(fn)
	h, err := e.el.Context(ctx).Evaluate(rod.Eval(clickJS, bindingName, token).ByObject())
	if err != nil {
		e.tab.unregister(token)
		return fmt.Errorf("browser: install click handler: %w", err)
	}

	// The listener and its token are dropped with the document scope.
	context.AfterFunc(ctx, func() {
		e.tab.unregister(token)
		if e.el.Object == nil || h.ObjectID == "" {
			return
		}
		_, _ = proto.RuntimeCallFunctionOn{
			ObjectID:            e.el.Object.ObjectID,
			FunctionDeclaration: `function (h) { this.removeEventListener('click', h, true) }`,
			Arguments:           []*proto.RuntimeCallArgument{{ObjectID: h.ObjectID}},
		}.Call(e.page)
		_ = proto.RuntimeReleaseObject{ObjectID: h.ObjectID}.Call(e.page)
	})
	return nil
}

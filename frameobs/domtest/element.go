package domtest

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/framepatch/frameobs"
)

// Element is a node of a fake Document.
type Element struct {
	d *Document
	n *html.Node
}

// Node exposes the underlying parse tree node.
func (e *Element) Node() *html.Node { return e.n }

func (e *Element) Text(context.Context) (string, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return textContent(e.n), nil
}

func (e *Element) Attr(_ context.Context, name string) (string, bool, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	v, ok := lookupAttr(e.n, name)
	return v, ok, nil
}

// Query returns the first descendant of e matching selector.
func (e *Element) Query(_ context.Context, selector string) (frameobs.Element, error) {
	return e.d.query(e.n, selector)
}

func (e *Element) Value(context.Context) (string, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.valueLocked(), nil
}

func (e *Element) valueLocked() string {
	if v, ok := e.d.values[e.n]; ok {
		return v
	}
	switch e.n.Data {
	case "textarea":
		return textContent(e.n)
	case "select":
		var val string
		var firstOpt *html.Node
		walk(e.n, func(n *html.Node) {
			if n.Type != html.ElementNode || n.Data != "option" {
				return
			}
			if firstOpt == nil {
				firstOpt = n
			}
			if _, sel := lookupAttr(n, "selected"); sel && val == "" {
				val = optionValue(n)
			}
		})
		if val == "" && firstOpt != nil {
			val = optionValue(firstOpt)
		}
		return val
	}
	return getAttr(e.n, "value")
}

// eventValueLocked is what an event records: the form value of controls,
// the text of everything else.
func (e *Element) eventValueLocked() string {
	switch e.n.Data {
	case "input", "textarea", "select":
		return e.valueLocked()
	}
	return strings.TrimSpace(textContent(e.n))
}

func (e *Element) SetText(_ context.Context, text string) error {
	e.edit(func() {
		clearChildren(e.n)
		e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	})
	return nil
}

func (e *Element) SetHTML(_ context.Context, markup string) error {
	nodes, err := html.ParseFragment(strings.NewReader(markup), e.n)
	if err != nil {
		return err
	}
	e.edit(func() {
		clearChildren(e.n)
		for _, n := range nodes {
			e.n.AppendChild(n)
		}
	})
	return nil
}

// InsertHTML parses markup in the context insertAdjacentHTML would use for
// position and inserts the nodes there.
func (e *Element) InsertHTML(_ context.Context, position, markup string) error {
	parent := e.n
	switch position {
	case "beforebegin", "afterend":
		parent = e.n.Parent
		if parent == nil || parent.Type != html.ElementNode {
			return fmt.Errorf("domtest: %s needs an element parent", position)
		}
	case "afterbegin", "beforeend":
	default:
		return fmt.Errorf("domtest: invalid insert position %q", position)
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), parent)
	if err != nil {
		return err
	}
	e.edit(func() {
		into, ref := e.n, (*html.Node)(nil)
		switch position {
		case "beforebegin":
			into, ref = e.n.Parent, e.n
		case "afterbegin":
			ref = e.n.FirstChild
		case "afterend":
			into, ref = e.n.Parent, e.n.NextSibling
		}
		for _, n := range nodes {
			into.InsertBefore(n, ref)
		}
	})
	return nil
}

func (e *Element) SetValue(_ context.Context, value string) error {
	e.d.mu.Lock()
	e.d.values[e.n] = value
	e.d.mu.Unlock()
	return nil
}

func (e *Element) SetAttr(_ context.Context, name, value string) error {
	e.edit(func() { setAttr(e.n, name, value) })
	return nil
}

func (e *Element) RemoveAttr(_ context.Context, name string) error {
	e.edit(func() { removeAttr(e.n, name) })
	return nil
}

func (e *Element) SetStyle(_ context.Context, property, value, priority string) error {
	e.edit(func() {
		decl := property + ": " + value
		if priority != "" {
			decl += " !" + priority
		}
		var kept []string
		for _, d := range strings.Split(getAttr(e.n, "style"), ";") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if name, _, _ := strings.Cut(d, ":"); strings.TrimSpace(name) == property {
				continue
			}
			kept = append(kept, d)
		}
		setAttr(e.n, "style", strings.Join(append(kept, decl), "; "))
	})
	return nil
}

func (e *Element) Remove(context.Context) error {
	e.edit(func() {
		if e.n.Parent != nil {
			e.n.Parent.RemoveChild(e.n)
		}
	})
	return nil
}

// Click records a click event and runs the element's click listeners.
func (e *Element) Click(ctx context.Context) error {
	e.d.mu.Lock()
	e.d.events = append(e.d.events, Event{Type: "click", Target: describe(e.n), Value: e.eventValueLocked()})
	ls := append([]listener(nil), e.d.clicks[e.n]...)
	e.d.mu.Unlock()
	fire(ls)
	return nil
}

func (e *Element) Dispatch(_ context.Context, event string) error {
	e.d.mu.Lock()
	e.d.events = append(e.d.events, Event{Type: event, Target: describe(e.n), Value: e.eventValueLocked()})
	e.d.mu.Unlock()
	return nil
}

func (e *Element) OnClick(ctx context.Context, fn func()) error {
	e.d.mu.Lock()
	e.d.clicks[e.n] = append(e.d.clicks[e.n], listener{ctx: ctx, fn: fn})
	e.d.mu.Unlock()
	return nil
}

// edit applies fn under the document lock and then notifies watchers.
func (e *Element) edit(fn func()) {
	e.d.mu.Lock()
	fn()
	e.d.mu.Unlock()
	e.d.notify()
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}

func optionValue(n *html.Node) string {
	if v, ok := lookupAttr(n, "value"); ok {
		return v
	}
	return textContent(n)
}

func describe(n *html.Node) string {
	if id := getAttr(n, "id"); id != "" {
		return n.Data + "#" + id
	}
	return n.Data
}

func clearChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

package frameobs

import (
	"context"
	"errors"
)

// ReadyComplete is the document.readyState value of a fully loaded document.
const ReadyComplete = "complete"

var (
	// ErrFrameNotFound is returned when no frame element matches the name or id.
	ErrFrameNotFound = errors.New("frameobs: frame not found")
	// ErrNoDocument is returned when the frame exists but its document is
	// unreachable (still loading, cross-origin or detached).
	ErrNoDocument = errors.New("frameobs: frame document not accessible")
	// ErrNoBody is returned by Watch when the document has no body yet.
	ErrNoBody = errors.New("frameobs: document has no body")
	// ErrNotFound is returned by Document.Query when nothing matches.
	ErrNotFound = errors.New("frameobs: element not found")
)

// Host is the outer page that embeds named frames. The observer never holds
// on to what it returns: frames and documents are looked up again on every
// use so a navigated frame is picked up transparently.
type Host interface {
	// LookupFrame resolves a frame or iframe element by name attribute or id.
	LookupFrame(ctx context.Context, name string) (Frame, error)
	// ReadyState reports the outer document's readyState.
	ReadyState(ctx context.Context) (string, error)
	// OnLoad calls fn on every load event of the outer document until ctx
	// is cancelled. It must not block.
	OnLoad(ctx context.Context, fn func())
}

// Frame is a document-bearing container found on the Host.
type Frame interface {
	Document(ctx context.Context) (Document, error)
	// OnLoad calls fn every time the frame finishes loading a document,
	// until ctx is cancelled. It must not block.
	OnLoad(ctx context.Context, fn func())
}

// Document is a frame's current content document.
type Document interface {
	// ID identifies this document instance. It changes when the frame
	// navigates, so it can key per-document state.
	ID() string
	ReadyState(ctx context.Context) (string, error)
	// Query returns the first element matching selector, or ErrNotFound.
	Query(ctx context.Context, selector string) (Element, error)
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// HTML returns the serialised document element.
	HTML(ctx context.Context) (string, error)
	// Watch attaches a mutation watcher to the body covering child lists,
	// the whole subtree, character data and attributes. notify is called
	// once per delivered mutation batch and must not block.
	Watch(ctx context.Context, notify func()) (Watch, error)
}

// Watch is a live mutation watcher.
type Watch interface {
	Disconnect() error
}

// Element is a DOM element inside a frame document.
type Element interface {
	// Query returns the first descendant matching selector, or ErrNotFound.
	Query(ctx context.Context, selector string) (Element, error)

	Text(ctx context.Context) (string, error)
	// Attr returns the attribute value and whether it is present.
	Attr(ctx context.Context, name string) (string, bool, error)
	Value(ctx context.Context) (string, error)

	SetText(ctx context.Context, text string) error
	SetHTML(ctx context.Context, html string) error
	// InsertHTML parses html and inserts it at position, one of the
	// insertAdjacentHTML positions (beforebegin, afterbegin, beforeend,
	// afterend).
	InsertHTML(ctx context.Context, position, html string) error
	SetValue(ctx context.Context, value string) error
	SetAttr(ctx context.Context, name, value string) error
	RemoveAttr(ctx context.Context, name string) error
	// SetStyle sets one inline style property. priority is "" or "important".
	SetStyle(ctx context.Context, property, value, priority string) error
	Remove(ctx context.Context) error

	// Click fires a synthetic click, the same as element.click().
	Click(ctx context.Context) error
	// Dispatch fires a bubbling synthetic event of the given type.
	Dispatch(ctx context.Context, event string) error
	// OnClick suppresses the element's default click action and calls fn
	// on every user click until ctx is cancelled.
	OnClick(ctx context.Context, fn func()) error
}

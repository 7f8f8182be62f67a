package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// bindingName is the Runtime binding every in-page hook reports through.
// Calls carry a token that routes them to the Go callback that armed them.
const bindingName = "__framepatch_notify"

//go:embed watch.js
var watchJS string

//go:embed click.js
var clickJS string

// Tab is one top-level page the daemon works in. It implements
// frameobs.Host.
type Tab struct {
	Page    *rod.Page
	PageURL string
	Stealth StealthLevel

	owned  bool
	logger *slog.Logger
	cancel context.CancelFunc
	router *rod.HijackRouter

	seq      atomic.Uint64
	mu       sync.Mutex
	handlers map[string]func()
}

// OpenTab creates a new tab, navigates it to pageURL and installs the
// notification binding.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	level := mgr.cfg.Stealth
	var page *rod.Page
	var err error
	if level >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, PageURL: pageURL, Stealth: level, owned: true, logger: mgr.cfg.Logger}
	t.router = blockResources(page, mgr.cfg.ResourceBlocking)
	if err := t.setup(ctx); err != nil {
		t.Close()
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		t.logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return t, nil
}

// AttachTab adopts the first existing tab whose URL starts with prefix.
// The tab is not closed by Tab.Close.
func AttachTab(ctx context.Context, mgr *Manager, prefix string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list tabs: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if !strings.HasPrefix(info.URL, prefix) {
			continue
		}
		t := &Tab{Page: p, PageURL: info.URL, Stealth: LevelPlain, logger: mgr.cfg.Logger}
		if err := t.setup(ctx); err != nil {
			t.Close()
			return nil, err
		}
		mgr.cfg.Logger.Info("browser: attached to tab", "url", info.URL)
		return t, nil
	}
	return nil, fmt.Errorf("browser: no tab matches %q", prefix)
}

func (t *Tab) setup(ctx context.Context) error {
	if err := (proto.PageEnable{}).Call(t.Page); err != nil {
		return fmt.Errorf("browser: enable page events: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(t.Page); err != nil {
		return fmt.Errorf("browser: add binding: %w", err)
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.handlers = make(map[string]func())
	wait := t.Page.Context(lctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			t.dispatch(e.Payload)
		}
	})
	go wait()
	return nil
}

type notification struct {
	Kind  string `json:"kind"`
	Token string `json:"token"`
}

func (t *Tab) dispatch(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		t.logger.Debug("browser: bad binding payload", "payload", payload, "error", err)
		return
	}
	t.mu.Lock()
	fn := t.handlers[n.Token]
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// register returns a fresh token that routes binding calls to fn.
func (t *Tab) register(fn func()) string {
	token := strconv.FormatUint(t.seq.Add(1), 36)
	t.mu.Lock()
	t.handlers[token] = fn
	t.mu.Unlock()
	return token
}

func (t *Tab) unregister(token string) {
	t.mu.Lock()
	delete(t.handlers, token)
	t.mu.Unlock()
}

// Close stops event delivery. Tabs opened by OpenTab are closed as well.
func (t *Tab) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.router != nil {
		t.router.Stop()
	}
	if t.owned && t.Page != nil {
		return t.Page.Close()
	}
	return nil
}

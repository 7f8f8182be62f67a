package frameobs_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/framepatch/frameobs"
	"github.com/hazyhaar/framepatch/frameobs/domtest"
)

const page = `<html><body><div id="list"></div></body></html>`

type recorder struct {
	mu   sync.Mutex
	docs []string
	fail func(n int) error
}

func (r *recorder) process(_ context.Context, doc frameobs.Document) error {
	r.mu.Lock()
	r.docs = append(r.docs, doc.ID())
	n := len(r.docs)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(n)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return ""
	}
	return r.docs[len(r.docs)-1]
}

func newObserver(host frameobs.Host, rec *recorder, debounce, interval time.Duration) *frameobs.Observer {
	return frameobs.New(host, frameobs.Config{
		FrameName:       "mainFrame",
		DebounceDelay:   debounce,
		ProcessInterval: interval,
		OnProcess:       rec.process,
		Logger:          slog.New(slog.DiscardHandler),
	})
}

func mutate(t *testing.T, doc *domtest.Document) {
	t.Helper()
	if err := doc.Append("#list", "<p>row</p>"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart_InvokesImmediately(t *testing.T) {
	host := domtest.NewHost()
	f := host.AddFrame("mainFrame", "", page)
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	if rec.count() != 1 {
		t.Fatalf("calls after Start: got %d, want 1", rec.count())
	}
	if rec.last() != f.Current().ID() {
		t.Fatalf("document: got %q, want %q", rec.last(), f.Current().ID())
	}
	if !obs.Stats().Attached {
		t.Fatal("observer should be attached")
	}
}

func TestLookupByID(t *testing.T) {
	host := domtest.NewHost()
	host.AddFrame("", "mainFrame", page)
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	if rec.count() != 1 {
		t.Fatalf("calls: got %d, want 1", rec.count())
	}
}

func TestDebounce_BurstCollapses(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 80*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	for i := 0; i < 10; i++ {
		mutate(t, doc)
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	if got := rec.count(); got != 2 {
		t.Fatalf("calls: got %d, want 2 (initial + one debounced)", got)
	}
}

func TestInterval_SuppressesSecondFiring(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, time.Second)

	obs.Start(context.Background())
	defer obs.Stop()

	mutate(t, doc)
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })

	mutate(t, doc)
	time.Sleep(150 * time.Millisecond)

	if got := rec.count(); got != 2 {
		t.Fatalf("calls: got %d, want 2 (second firing suppressed)", got)
	}
	if s := obs.Stats(); s.Suppressed != 1 {
		t.Fatalf("suppressed: got %d, want 1", s.Suppressed)
	}
}

func TestTrailing_DeliversAfterInterval(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := frameobs.New(host, frameobs.Config{
		DebounceDelay:   20 * time.Millisecond,
		ProcessInterval: 250 * time.Millisecond,
		Trailing:        true,
		OnProcess:       rec.process,
		Logger:          slog.New(slog.DiscardHandler),
	})

	obs.Start(context.Background())
	defer obs.Stop()

	mutate(t, doc)
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })
	mutate(t, doc)
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 3 })
}

func TestStartTwice_SingleWatcher(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	obs.Start(context.Background())
	defer obs.Stop()

	if n := doc.Watchers(); n != 1 {
		t.Fatalf("watchers: got %d, want 1", n)
	}
	before := rec.count()

	mutate(t, doc)
	waitFor(t, time.Second, func() bool { return rec.count() > before })
	time.Sleep(100 * time.Millisecond)

	if got := rec.count() - before; got != 1 {
		t.Fatalf("calls after one mutation: got %d, want 1", got)
	}
}

func TestStop_Silences(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	obs.Stop()
	obs.Stop()

	if n := doc.Watchers(); n != 0 {
		t.Fatalf("watchers after Stop: got %d, want 0", n)
	}
	before := rec.count()
	mutate(t, doc)
	time.Sleep(100 * time.Millisecond)

	if rec.count() != before {
		t.Fatalf("calls after Stop: got %d, want %d", rec.count(), before)
	}
	if obs.Stats().Running {
		t.Fatal("observer should not be running")
	}
}

func TestStop_PendingDebounceCancelled(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 100*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	mutate(t, doc)
	time.Sleep(20 * time.Millisecond)
	obs.Stop()
	time.Sleep(200 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("calls: got %d, want 1 (pending firing cancelled)", got)
	}
}

func TestStop_NeverStarted(t *testing.T) {
	obs := newObserver(domtest.NewHost(), &recorder{}, 0, 0)
	obs.Stop()
}

func TestFrameLoadsLater(t *testing.T) {
	host := domtest.NewHost()
	host.SetReadyState("loading")
	f := host.AddPendingFrame("mainFrame", "")
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	if rec.count() != 0 {
		t.Fatalf("calls before load: got %d, want 0", rec.count())
	}

	doc := f.Navigate(page)
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	time.Sleep(50 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("calls after load: got %d, want 1", rec.count())
	}
	if rec.last() != doc.ID() {
		t.Fatalf("document: got %q, want %q", rec.last(), doc.ID())
	}
	if doc.Watchers() != 1 {
		t.Fatalf("watchers: got %d, want 1", doc.Watchers())
	}
}

func TestOuterLoad_FallbackDelay(t *testing.T) {
	host := domtest.NewHost()
	host.SetReadyState("loading")
	doc := host.AddFrame("mainFrame", "", page).Current()
	doc.SetReadyState("interactive")
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	if rec.count() != 0 {
		t.Fatalf("calls before load: got %d, want 0", rec.count())
	}
	host.Load()
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("calls before fallback delay: got %d, want 0", rec.count())
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
}

func TestNavigation_ReResolvesDocument(t *testing.T) {
	host := domtest.NewHost()
	f := host.AddFrame("mainFrame", "", page)
	first := f.Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	second := f.Navigate(page)
	waitFor(t, time.Second, func() bool { return rec.last() == second.ID() })

	if first.Watchers() != 0 {
		t.Fatalf("old document watchers: got %d, want 0", first.Watchers())
	}
	before := rec.count()
	mutate(t, second)
	waitFor(t, time.Second, func() bool { return rec.count() == before+1 })
	if rec.last() != second.ID() {
		t.Fatalf("document: got %q, want %q", rec.last(), second.ID())
	}
}

func TestCallbackFailure_KeepsObserving(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{fail: func(n int) error {
		switch n {
		case 2:
			return errors.New("boom")
		case 3:
			panic("kaboom")
		}
		return nil
	}}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	for want := 2; want <= 4; want++ {
		mutate(t, doc)
		waitFor(t, time.Second, func() bool { return rec.count() == want })
	}
	if s := obs.Stats(); s.Failures != 2 {
		t.Fatalf("failures: got %d, want 2", s.Failures)
	}
	if !obs.Stats().Running {
		t.Fatal("observer should still be running")
	}
}

func TestInaccessibleFrame_SkipsCallback(t *testing.T) {
	host := domtest.NewHost()
	f := host.AddFrame("mainFrame", "", page)
	doc := f.Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	f.Detach()
	mutate(t, doc)
	time.Sleep(100 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("calls: got %d, want 1", rec.count())
	}
}

func TestNoBody_NotAttached(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	doc.RemoveBody()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	obs.Start(context.Background())
	defer obs.Stop()

	if rec.count() != 0 {
		t.Fatalf("calls: got %d, want 0", rec.count())
	}
	if obs.Stats().Attached {
		t.Fatal("observer should not be attached")
	}
}

func TestParentContextCancel_Stops(t *testing.T) {
	host := domtest.NewHost()
	doc := host.AddFrame("mainFrame", "", page).Current()
	rec := &recorder{}
	obs := newObserver(host, rec, 20*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	obs.Start(ctx)
	cancel()

	waitFor(t, time.Second, func() bool { return !obs.Stats().Running })
	if doc.Watchers() != 0 {
		t.Fatalf("watchers: got %d, want 0", doc.Watchers())
	}
	obs.Stop()
}

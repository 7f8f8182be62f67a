package framepatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/framepatch/frameobs/domtest"
	"github.com/hazyhaar/framepatch/internal/config"
	"github.com/hazyhaar/framepatch/patch"
	"github.com/hazyhaar/framepatch/store"
)

var quiet = slog.New(slog.DiscardHandler)

const reservations = `<html><body>
<table id="list">
  <tr><th>action</th><th>memo</th></tr>
  <tr><td><a class="stop" onclick="jsReserveStop('1')">취소</a></td><td>memo A</td></tr>
  <tr><td><a class="stop" onclick="jsReserveStop('2')">취소</a></td><td>memo B</td></tr>
</table>
</body></html>`

func relabel(name, text string) patch.Feature {
	return patch.Feature{
		Name: name,
		Rules: []patch.Rule{{
			Selector: `a[onclick^="jsReserveStop"]`,
			Actions:  []patch.Action{{Op: patch.OpSetText, Value: text}},
		}},
	}
}

func testConfig(features ...patch.Feature) *config.Config {
	return &config.Config{
		Observer: config.ObserverConfig{
			Frame:           "mainFrame",
			ProcessInterval: 20 * time.Millisecond,
			DebounceDelay:   10 * time.Millisecond,
		},
		Features: features,
	}
}

// startSupervisor runs a supervisor over a fake page with one frame.
func startSupervisor(t *testing.T, cfg *config.Config, st *store.Store) (*Supervisor, *domtest.Frame) {
	t.Helper()
	host := domtest.NewHost()
	fr := host.AddFrame("mainFrame", "", reservations)
	sup := NewSupervisor(cfg, host, st, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sup.Stop()
		cancel()
	})
	return sup, fr
}

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

func rendered(fr *domtest.Frame) string {
	if d := fr.Current(); d != nil {
		return d.Render()
	}
	return ""
}

func TestStart_AppliesConfiguredFeature(t *testing.T) {
	sup, fr := startSupervisor(t, testConfig(relabel("stops", "예약취소")), nil)

	if got := strings.Count(rendered(fr), "예약취소"); got != 2 {
		t.Fatalf("relabelled links: got %d, want 2", got)
	}
	st, err := sup.Feature("stops")
	if err != nil {
		t.Fatal(err)
	}
	if st.Source != SourceConfig || !st.Observer.Running || st.Frame != "mainFrame" {
		t.Fatalf("status: %+v", st)
	}
	if len(st.Documents) != 1 || st.Documents[0].Patched != 2 {
		t.Fatalf("documents: %+v", st.Documents)
	}
}

func TestStart_DisabledFeatureNotRunning(t *testing.T) {
	f := relabel("stops", "예약취소")
	f.Disabled = true
	sup, fr := startSupervisor(t, testConfig(f), nil)

	if strings.Contains(rendered(fr), "예약취소") {
		t.Fatal("a disabled feature must not patch")
	}
	st, _ := sup.Feature("stops")
	if st.Observer.Running || !st.Disabled {
		t.Fatalf("status: %+v", st)
	}
	if err := sup.RestartFeature(context.Background(), "stops"); err == nil {
		t.Fatal("restarting a disabled feature should fail")
	}
}

func TestReload_StoreOverridesConfig(t *testing.T) {
	db := store.OpenMemory(t)
	sup, fr := startSupervisor(t, testConfig(relabel("stops", "예약취소")), db)
	ctx := context.Background()

	if err := db.UpsertFeature(ctx, relabel("stops", "취소하기")); err != nil {
		t.Fatal(err)
	}
	if err := sup.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	st, _ := sup.Feature("stops")
	if st.Source != SourceStore {
		t.Fatalf("source: got %q, want %q", st.Source, SourceStore)
	}

	// Already patched links keep their label; a fresh document gets the new one.
	fr.Navigate(reservations)
	waitFor(t, time.Second, func() bool { return strings.Count(rendered(fr), "취소하기") == 2 })

	if err := db.DeleteFeature(ctx, "stops"); err != nil {
		t.Fatal(err)
	}
	if err := sup.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := sup.Feature("stops"); st.Source != SourceConfig {
		t.Fatalf("source after delete: got %q, want config again", st.Source)
	}
}

func TestReload_UnchangedKeepsRunner(t *testing.T) {
	sup, _ := startSupervisor(t, testConfig(relabel("stops", "예약취소")), nil)
	before, _ := sup.Feature("stops")

	if err := sup.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	after, _ := sup.Feature("stops")
	if len(after.Documents) != 1 || !after.Documents[0].FirstSeen.Equal(before.Documents[0].FirstSeen) {
		t.Fatalf("an unchanged feature was rebuilt: %+v -> %+v", before.Documents, after.Documents)
	}
}

func TestReload_RemovesStoreOnlyFeature(t *testing.T) {
	db := store.OpenMemory(t)
	ctx := context.Background()
	if err := db.UpsertFeature(ctx, relabel("extra", "x")); err != nil {
		t.Fatal(err)
	}
	sup, _ := startSupervisor(t, testConfig(), db)
	if len(sup.Features()) != 1 {
		t.Fatalf("features: %+v", sup.Features())
	}

	db.DeleteFeature(ctx, "extra")
	if err := sup.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Feature("extra"); !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("error: got %v, want ErrUnknownFeature", err)
	}
}

func TestStopAndRestart(t *testing.T) {
	sup, fr := startSupervisor(t, testConfig(relabel("stops", "예약취소")), nil)

	if err := sup.StopFeature(context.Background(), "stops"); err != nil {
		t.Fatal(err)
	}
	st, _ := sup.Feature("stops")
	if !st.Stopped || st.Observer.Running {
		t.Fatalf("after stop: %+v", st)
	}

	fr.Navigate(reservations)
	time.Sleep(50 * time.Millisecond)
	if strings.Contains(rendered(fr), "예약취소") {
		t.Fatal("a stopped feature must not patch")
	}

	if err := sup.RestartFeature(context.Background(), "stops"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(rendered(fr), "예약취소"); got != 2 {
		t.Fatalf("after restart: got %d patched links, want 2", got)
	}
	if st, _ := sup.Feature("stops"); st.Stopped {
		t.Fatal("restart should clear the stop")
	}

	if err := sup.StopFeature(context.Background(), "nope"); !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("unknown feature: got %v", err)
	}
}

func TestRestart_BeforeStart(t *testing.T) {
	sup := NewSupervisor(testConfig(relabel("stops", "x")), domtest.NewHost(), nil, quiet)
	if err := sup.RestartFeature(context.Background(), "stops"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("error: got %v, want ErrNotStarted", err)
	}
	if err := sup.Reload(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("error: got %v, want ErrNotStarted", err)
	}
}

func TestSetHost_MovesToNewPage(t *testing.T) {
	sup, _ := startSupervisor(t, testConfig(relabel("stops", "예약취소")), nil)

	next := domtest.NewHost()
	fr := next.AddFrame("mainFrame", "", reservations)
	sup.SetHost(next)

	if got := strings.Count(rendered(fr), "예약취소"); got != 2 {
		t.Fatalf("new page: got %d patched links, want 2", got)
	}
}

func TestSetHost_KeepsStoppedFeatureStopped(t *testing.T) {
	sup, _ := startSupervisor(t, testConfig(relabel("stops", "예약취소")), nil)
	sup.StopFeature(context.Background(), "stops")

	next := domtest.NewHost()
	fr := next.AddFrame("mainFrame", "", reservations)
	sup.SetHost(next)

	if strings.Contains(rendered(fr), "예약취소") {
		t.Fatal("a stopped feature must stay stopped on a new page")
	}
}

func TestEvents_RecordedInStore(t *testing.T) {
	db := store.OpenMemory(t)
	sup, _ := startSupervisor(t, testConfig(relabel("stops", "예약취소")), db)

	rows, err := sup.RecentEvents(context.Background(), store.EventFilter{Feature: "stops"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Kind != patch.KindApply || rows[0].Count != 2 {
		t.Fatalf("events: %+v", rows)
	}
}

func TestEvents_NoStore(t *testing.T) {
	sup, _ := startSupervisor(t, testConfig(), nil)
	if _, err := sup.RecentEvents(context.Background(), store.EventFilter{}); !errors.Is(err, ErrNoStore) {
		t.Fatalf("error: got %v, want ErrNoStore", err)
	}
}

func TestFrameMarkdown(t *testing.T) {
	sup, _ := startSupervisor(t, testConfig(relabel("stops", "예약취소")), nil)

	md, err := sup.FrameMarkdown(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"memo A", "memo B", "예약취소", "|"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}

	if _, err := sup.FrameMarkdown(context.Background(), "popup"); err == nil {
		t.Fatal("expected an error for a missing frame")
	}
}

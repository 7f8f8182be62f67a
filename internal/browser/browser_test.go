package browser

import (
	"io"
	"log/slog"
	"testing"

	"github.com/go-rod/rod/lib/proto"
)

func TestFrameSelector(t *testing.T) {
	got := frameSelector("mainFrame")
	want := `frame[name="mainFrame"], frame[id="mainFrame"], iframe[name="mainFrame"], iframe[id="mainFrame"]`
	if got != want {
		t.Fatalf("got %s", got)
	}
}

func TestFindFrame(t *testing.T) {
	tree := &proto.PageFrameTree{
		Frame: &proto.PageFrame{ID: "top", LoaderID: "L0"},
		ChildFrames: []*proto.PageFrameTree{
			{Frame: &proto.PageFrame{ID: "menu", LoaderID: "L1"}},
			{
				Frame: &proto.PageFrame{ID: "wrap", LoaderID: "L2"},
				ChildFrames: []*proto.PageFrameTree{
					{Frame: &proto.PageFrame{ID: "main", LoaderID: "L3"}},
				},
			},
		},
	}
	fr := findFrame(tree, "main")
	if fr == nil || fr.LoaderID != "L3" {
		t.Fatalf("findFrame(main): %+v", fr)
	}
	if findFrame(tree, "gone") != nil {
		t.Fatal("unknown frame should not resolve")
	}
}

func TestParseStealth(t *testing.T) {
	for in, want := range map[string]StealthLevel{
		"":         LevelHeadless,
		"headless": LevelHeadless,
		"plain":    LevelPlain,
		"headful":  LevelHeadful,
	} {
		got, err := ParseStealth(in)
		if err != nil || got != want {
			t.Errorf("ParseStealth(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStealth("invisible"); err == nil {
		t.Error("expected error for an unknown level")
	}
}

func TestDispatchRoutesByToken(t *testing.T) {
	tab := &Tab{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), handlers: map[string]func(){}}
	var a, b int
	ta := tab.register(func() { a++ })
	tb := tab.register(func() { b++ })
	if ta == tb {
		t.Fatal("tokens must be unique")
	}

	tab.dispatch(`{"kind":"mutation","token":"` + ta + `"}`)
	tab.dispatch(`{"kind":"click","token":"` + tb + `"}`)
	tab.dispatch(`{"kind":"click","token":"` + tb + `"}`)
	tab.dispatch(`not json`)
	tab.unregister(ta)
	tab.dispatch(`{"kind":"mutation","token":"` + ta + `"}`)

	if a != 1 || b != 2 {
		t.Fatalf("calls: a=%d b=%d, want 1 and 2", a, b)
	}
}

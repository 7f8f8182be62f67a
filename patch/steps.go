package patch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/framepatch/frameobs"
)

// DefaultEvent is fired by fill steps without an explicit event; the target
// page recomputes totals on keyup.
const DefaultEvent = "keyup"

// runSteps runs steps in order, stopping at the first failure. clicked
// replaces ClickedText in step values.
func runSteps(ctx context.Context, doc frameobs.Document, steps []Step, clicked string) error {
	for i, s := range steps {
		s.Value = strings.ReplaceAll(s.Value, ClickedText, clicked)
		if err := runStep(ctx, doc, s); err != nil {
			return fmt.Errorf("patch: step %d (%s %s): %w", i, s.Op, s.Selector, err)
		}
	}
	return nil
}

func runStep(ctx context.Context, doc frameobs.Document, s Step) error {
	el, err := resolve(ctx, doc, s)
	if err != nil {
		return err
	}

	switch s.Op {
	case StepWait:
		return nil
	case StepClick:
		return el.Click(ctx)
	case StepFill:
		if err := el.SetValue(ctx, s.Value); err != nil {
			return err
		}
		return el.Dispatch(ctx, orDefault(s.Event, DefaultEvent))
	case StepSelect:
		if err := el.SetValue(ctx, s.Value); err != nil {
			return err
		}
		return el.Dispatch(ctx, orDefault(s.Event, "change"))
	case StepPrepend:
		cur, err := el.Value(ctx)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(cur, s.Value) {
			if err := el.SetValue(ctx, s.Value+cur); err != nil {
				return err
			}
		}
		return el.Dispatch(ctx, orDefault(s.Event, "input"))
	case StepAppend:
		cur, err := el.Value(ctx)
		if err != nil {
			return err
		}
		if err := el.SetValue(ctx, cur+s.Value); err != nil {
			return err
		}
		return el.Dispatch(ctx, orDefault(s.Event, "input"))
	case StepDispatch:
		return el.Dispatch(ctx, s.Event)
	}
	return fmt.Errorf("unknown step op %q", s.Op)
}

// resolve waits for the step's selector and picks the Index-th match. The
// whole lookup shares one timeout.
func resolve(ctx context.Context, doc frameobs.Document, s Step) (frameobs.Element, error) {
	timeout := s.Timeout.Std()
	if timeout <= 0 {
		timeout = frameobs.DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	el, err := frameobs.WaitForElement(ctx, doc, s.Selector, timeout)
	if err != nil || s.Index == 0 {
		return el, err
	}

	for {
		all, err := doc.QueryAll(ctx, s.Selector)
		if err != nil {
			return nil, err
		}
		if s.Index < len(all) {
			return all[s.Index], nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("only %d matches, want index %d", len(all), s.Index)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(frameobs.PollInterval):
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

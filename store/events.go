package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/framepatch/patch"
)

var _ patch.Recorder = (*Store)(nil)

// EventRow is one persisted patch event.
type EventRow struct {
	ID        string        `json:"id"`
	Feature   string        `json:"feature"`
	Document  string        `json:"document"`
	Kind      string        `json:"kind"`
	Rule      string        `json:"rule"`
	Count     int           `json:"count"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// Record implements patch.Recorder.
func (s *Store) Record(ctx context.Context, ev patch.Event) error {
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patch_events (id, feature, document, kind, rule, count, ok, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.newID(), ev.Feature, ev.Document, ev.Kind, ev.Rule, ev.Count,
		boolInt(ev.Err == nil), errText, ev.Duration.Milliseconds(), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// EventFilter narrows RecentEvents. Zero values mean no filter.
type EventFilter struct {
	Feature    string
	FailedOnly bool
	Limit      int // default 50, max 1000
}

// RecentEvents returns events newest first.
func (s *Store) RecentEvents(ctx context.Context, f EventFilter) ([]EventRow, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}

	q := `SELECT id, feature, document, kind, rule, count, ok, error, duration_ms, created_at
		FROM patch_events WHERE 1=1`
	var args []any
	if f.Feature != "" {
		q += ` AND feature = ?`
		args = append(args, f.Feature)
	}
	if f.FailedOnly {
		q += ` AND ok = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var ok int
		var durMs, created int64
		if err := rows.Scan(&r.ID, &r.Feature, &r.Document, &r.Kind, &r.Rule, &r.Count,
			&ok, &r.Error, &durMs, &created); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		r.OK = ok != 0
		r.Duration = time.Duration(durMs) * time.Millisecond
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than before and reports how many went.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patch_events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package framepatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/framepatch/frameobs"
	"github.com/hazyhaar/framepatch/internal/shield"
	"github.com/hazyhaar/framepatch/store"
)

// Handler returns the admin HTTP API:
//
//	GET  /healthz
//	GET  /features
//	GET  /features/{name}
//	POST /features/{name}/restart
//	POST /features/{name}/stop
//	GET  /frames/{name}/markdown
//	GET  /events?feature=&failed=1&limit=
func (s *Supervisor) Handler(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/features", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.Features())
		})
		r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			st, err := s.Feature(chi.URLParam(r, "name"))
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
		r.Post("/{name}/restart", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			if err := s.RestartFeature(r.Context(), name); err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "restarted"})
		})
		r.Post("/{name}/stop", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			if err := s.StopFeature(r.Context(), name); err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "stopped"})
		})
	})

	r.Get("/frames/{name}/markdown", func(w http.ResponseWriter, r *http.Request) {
		md, err := s.FrameMarkdown(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(md))
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var (
			limit  int
			failed bool
			err    error
		)
		if v := q.Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
		}
		if v := q.Get("failed"); v != "" {
			if failed, err = strconv.ParseBool(v); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed must be a boolean"})
				return
			}
		}
		rows, err := s.RecentEvents(r.Context(), store.EventFilter{
			Feature:    q.Get("feature"),
			FailedOnly: failed,
			Limit:      limit,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if rows == nil {
			rows = []store.EventRow{}
		}
		writeJSON(w, http.StatusOK, rows)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownFeature), errors.Is(err, frameobs.ErrFrameNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrNoStore):
		code = http.StatusNotImplemented
	case errors.Is(err, frameobs.ErrNoDocument), errors.Is(err, ErrNotStarted):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("framepatch: request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

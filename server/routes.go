package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

const (
	defaultResultsLimit = 50
	maxResultsLimit     = 1000
)

func internal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetRoute(r, telemetry.RouteInternal)
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, telemetry.RouteInternal)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ingest decodes {<payload key>: [...]} for kind and hands the items to
// add. The reply carries how many items were buffered.
func ingest[T any](s *Server, kind devtoolsrelay.EventKind, add func(items ...T) int) http.HandlerFunc {
	key := kind.PayloadKey()
	return func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetRoute(r, telemetry.RouteIngest)
		telemetry.SetKind(r, string(kind))

		data, err := s.readBody(w, r)
		if err != nil {
			writeError(w, statusForBodyError(err), err.Error())
			return
		}

		var body map[string][]T
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s payload: %v", kind, err))
			return
		}
		items, ok := body[key]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %q", key))
			return
		}

		n := add(items...)
		telemetry.SetItems(r, n)
		writeJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
	}
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads the request body, decompressing it when the client sent
// Content-Encoding: zstd.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if r.Header.Get("Content-Encoding") != "zstd" {
		return data, nil
	}
	out, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	return out, nil
}

func statusForBodyError(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// handleQuery runs a query and replies with its terminal result. The
// result is not queued for the collector.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, telemetry.RouteQuery)

	data, err := s.readBody(w, r)
	if err != nil {
		writeError(w, statusForBodyError(err), err.Error())
		return
	}
	var q devtoolsrelay.Query
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid query: %v", err))
		return
	}
	if q.Type == "" {
		writeError(w, http.StatusBadRequest, "query type is required")
		return
	}
	telemetry.SetQueryType(r, q.Type)

	result := s.config.Dispatcher.DispatchTo(r.Context(), q, nil)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, telemetry.RouteStatus)
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": s.config.Dispatcher.Registry().Types(),
	})
}

type breakerView struct {
	State      string `json:"state"`
	Failures   int    `json:"failures"`
	Cooldown   string `json:"cooldown"`
	RetryAfter string `json:"retry_after,omitempty"`
}

type statusResponse struct {
	Status         any          `json:"status"`
	PendingQueries int          `json:"pending_queries"`
	Breaker        *breakerView `json:"breaker,omitempty"`
	Tasks          []string     `json:"tasks,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, telemetry.RouteStatus)

	resp := statusResponse{
		Status:         s.config.Tracker.Get(),
		PendingQueries: s.config.Dispatcher.Pending(),
	}
	if b := s.config.Breaker; b != nil {
		snap := b.Snapshot()
		view := &breakerView{
			State:    snap.State.String(),
			Failures: snap.Failures,
			Cooldown: snap.Cooldown.String(),
		}
		if !snap.RetryAfter.IsZero() {
			view.RetryAfter = snap.RetryAfter.UTC().Format(time.RFC3339Nano)
		}
		resp.Breaker = view
	}
	if g := s.config.Guard; g != nil {
		resp.Tasks = g.Names()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResults lists journaled results, newest first.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, telemetry.RouteStatus)
	if s.config.Journal == nil {
		writeError(w, http.StatusNotFound, "audit journal not enabled")
		return
	}

	limit := defaultResultsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxResultsLimit)
	}

	results, err := s.config.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading journal", "error", err)
		writeError(w, http.StatusInternalServerError, "reading journal failed")
		return
	}
	if results == nil {
		results = []devtoolsrelay.TerminalResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

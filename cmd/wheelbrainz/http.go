package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wheelbrainz/internal/journal"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Routes:
//   GET /ws          state websocket (see state_ws.go)
//   GET /healthz     loop liveness + StateSnapshot as JSON
//   GET /incidents   recent journal incidents for this session (?limit=N)
// ============================================================================

// newHTTPMux wires the handlers. store may be nil when the journal is disabled.
func newHTTPMux(ws *Server, events chan<- Event, store *journal.Store, sessionID string, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	ws.Register(mux, "/ws")
	mux.HandleFunc("GET /healthz", healthzHandler(events))
	mux.HandleFunc("GET /incidents", incidentsHandler(store, sessionID, logger))
	return mux
}

func healthzHandler(events chan<- Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := requestSnapshot(r.Context(), events, time.Second)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loop unresponsive", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func incidentsHandler(store *journal.Store, sessionID string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		incidents, err := store.ListIncidents(r.Context(), sessionID, limit)
		if err != nil {
			logger.Warn("list incidents failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list incidents failed"})
			return
		}
		writeJSON(w, http.StatusOK, incidents)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runHTTPServer serves handler on port and shuts it down gracefully when
// ctx is canceled.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("HTTP server listening", "port", port)

	errCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}

// Package server exposes the pipeline over HTTP: synchronous query
// submission, an SSE progress stream per session, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/pipeline"
	"github.com/lotse-ki/lotse/pkg/progress"
)

type Server struct {
	cfg        config.ServerConfig
	controller *pipeline.Controller
	bus        *progress.Bus
	httpServer *http.Server
}

func New(cfg config.ServerConfig, controller *pipeline.Controller, bus *progress.Bus) *Server {
	s := &Server{
		cfg:        cfg,
		controller: controller,
		bus:        bus,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/query", s.handleQuery)
	r.Get("/v1/sessions/{sessionID}/events", s.handleEvents)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type queryRequest struct {
	Text      string              `json:"text"`
	Locale    string              `json:"locale,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Options   model.CallerOptions `json:"options"`
}

type queryResponse struct {
	SessionID string                      `json:"session_id"`
	Response  *model.SynthesizedResponse  `json:"response,omitempty"`
	Parts     []model.SynthesizedResponse `json:"parts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Kind: "bad_request"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required", Kind: "bad_request"})
		return
	}

	query := model.Query{
		Text:      req.Text,
		Locale:    req.Locale,
		SessionID: req.SessionID,
		Options:   req.Options,
	}
	// The session id must be known to the caller before the run starts,
	// otherwise the progress stream cannot be attached.
	if query.SessionID == "" {
		query.SessionID = uuid.NewString()
	}

	responses, err := s.controller.Run(r.Context(), query)
	if err != nil {
		status := http.StatusBadGateway
		var pe *pipeline.PipelineError
		if errors.As(err, &pe) {
			switch pe.Kind {
			case pipeline.KindCancelled:
				status = 499
			case pipeline.KindTimeout:
				status = http.StatusGatewayTimeout
			case pipeline.KindBudget:
				status = http.StatusUnprocessableEntity
			case pipeline.KindInternal:
				status = http.StatusInternalServerError
			}
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(pipeline.KindOf(err))})
		return
	}

	out := queryResponse{SessionID: query.SessionID}
	if len(responses) == 1 {
		out.Response = &responses[0]
	} else {
		out.Parts = responses
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams a session's progress events as SSE. Replay starts
// after the id in Last-Event-ID (or the since_event_id query parameter);
// the stream ends with pipeline_done or when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var since uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		since, _ = strconv.ParseUint(v, 10, 64)
	} else if v := r.URL.Query().Get("since_event_id"); v != "" {
		since, _ = strconv.ParseUint(v, 10, 64)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(sessionID, since)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Kind, data)
			flusher.Flush()

			if ev.Kind == model.KindPipelineDone {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

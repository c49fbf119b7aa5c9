package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/convmode/internal/config"
	"github.com/ent0n29/convmode/internal/coordinator"
	"github.com/ent0n29/convmode/internal/correlate"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/mode"
	"github.com/ent0n29/convmode/internal/observability"
	"github.com/ent0n29/convmode/internal/session"
)

// ReadyCheck reports whether backing services are reachable.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	cfg      config.Config
	convs    *Conversations
	metrics  *observability.Metrics
	logger   *slog.Logger
	ready    ReadyCheck
	upgrader websocket.Upgrader
}

func New(cfg config.Config, convs *Conversations, metrics *observability.Metrics, logger *slog.Logger, ready ReadyCheck) *Server {
	return &Server{
		cfg:     cfg,
		convs:   convs,
		metrics: metrics,
		logger:  logging.OrDiscard(logger).With("component", "httpapi"),
		ready:   ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a conversation unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/conversations", s.handleCreateConversation)
	r.Get("/v1/conversations", s.handleListConversations)
	r.Route("/v1/conversations/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetConversation)
		r.Delete("/", s.handleDeleteConversation)
		r.Post("/voice/activate", s.handleActivate)
		r.Post("/voice/deactivate", s.handleDeactivate)
		r.Post("/transcriptions", s.handleTranscription)
		r.Post("/messages", s.handleMessage)
		r.Post("/responses", s.handleGenerate)
		r.Get("/responses/{utterance_id}", s.handleListResponses)
		r.Post("/playback/{response_id}/complete", s.handlePlaybackComplete)
		r.Post("/interruptible", s.handleInterruptible)
		r.Post("/reset", s.handleReset)
		r.Get("/events", s.handleEventsWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"conversations": len(s.convs.IDs()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, created := s.convs.Create(req.ConversationID)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, c.Snapshot())
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"conversation_ids": s.convs.IDs()})
}

// conversation resolves the {id} route parameter, writing a 404 on miss.
func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	c, err := s.convs.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.convs.Close(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activateRequest struct {
	AgentIDs []string               `json:"agent_ids"`
	History  []session.ContextEntry `json:"history"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessions, err := c.ActivateVoiceMode(r.Context(), req.AgentIDs, req.History)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "mode": c.Snapshot().Mode})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	if err := c.DeactivateVoiceMode(); err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

type transcriptionRequest struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req transcriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	dec, err := c.SubmitTranscription(req.Text, req.IsFinal)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dec)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	u, err := c.SubmitText(req.Text)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, u)
}

type generateRequest struct {
	UtteranceID string   `json:"utterance_id"`
	AgentIDs    []string `json:"agent_ids"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UtteranceID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "utterance_id is required")
		return
	}
	set, err := c.GenerateResponses(r.Context(), req.UtteranceID, req.AgentIDs)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, set)
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	ids := c.Responses(chi.URLParam(r, "utterance_id"))
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"response_ids": ids})
}

func (s *Server) handlePlaybackComplete(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	if !c.PlaybackComplete(chi.URLParam(r, "response_id")) {
		respondError(w, http.StatusConflict, "not_speaking", "response is not currently playing")
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

type interruptibleRequest struct {
	Interruptible *bool `json:"interruptible"`
}

func (s *Server) handleInterruptible(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req interruptibleRequest
	if err := decodeJSON(r, &req); err != nil || req.Interruptible == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "interruptible is required")
		return
	}
	c.SetInterruptible(*req.Interruptible)
	respondJSON(w, http.StatusOK, c.Snapshot().Turn)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	c, ok := s.conversation(w, r)
	if !ok {
		return
	}
	if err := c.Reset(); err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

// errorStatus maps coordinator errors onto HTTP statuses and stable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, mode.ErrTransitionRejected):
		return http.StatusConflict, coordinator.CodeTransitionRejected
	case errors.Is(err, correlate.ErrDuplicateResponse), errors.Is(err, correlate.ErrAlreadyResponded):
		return http.StatusConflict, coordinator.CodeDuplicateResponseRejected
	case errors.Is(err, coordinator.ErrResponseDiscarded):
		return http.StatusGone, coordinator.CodeResponseDiscarded
	case errors.Is(err, coordinator.ErrGenerationFailed):
		return http.StatusBadGateway, coordinator.CodeResponseGenerationFailed
	case errors.Is(err, coordinator.ErrNotListening):
		return http.StatusConflict, "not_listening"
	case errors.Is(err, coordinator.ErrFaulted):
		return http.StatusConflict, "faulted"
	case errors.Is(err, coordinator.ErrEpisodeInterrupted):
		return http.StatusConflict, "episode_interrupted"
	case errors.Is(err, coordinator.ErrUnknownUtterance):
		return http.StatusNotFound, "utterance_not_found"
	case errors.Is(err, coordinator.ErrNoAgents), errors.Is(err, coordinator.ErrEmptyText):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusGone, "conversation_closed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondCoordinatorError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	respondError(w, status, code, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

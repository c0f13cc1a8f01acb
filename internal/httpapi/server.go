package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lcorbo/voxhub/internal/config"
	"github.com/lcorbo/voxhub/internal/modelcfg"
	"github.com/lcorbo/voxhub/internal/observability"
	"github.com/lcorbo/voxhub/internal/recordings"
	"github.com/lcorbo/voxhub/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	catalog  *modelcfg.Catalog
	configs  *modelcfg.Switch
	store    recordings.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Registry, catalog *modelcfg.Catalog, configs *modelcfg.Switch, store recordings.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		catalog:  catalog,
		configs:  configs,
		store:    store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive a user's mic
				// session if the service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/models/{id}", s.handleGetModel)
	r.Put("/v1/models/{id}", s.handleUpdateModel)

	r.Get("/v1/recordings", s.handleListRecordings)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type createSessionRequest struct {
	Language    string `json:"language"`
	AudioOutput *bool  `json:"audio_output"`
}

type createSessionResponse struct {
	session.Status
	InactivityTTLMS int64 `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.DefaultLanguage
	}
	audioOutput := true
	if req.AudioOutput != nil {
		audioOutput = *req.AudioOutput
	}

	m := s.sessions.Create(req.Language, audioOutput)
	respondJSON(w, http.StatusCreated, createSessionResponse{
		Status:          m.Status(),
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m.Status())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	status, err := s.sessions.End(id, "client_request")
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"models": s.catalog.List()})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	entry, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "model_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleUpdateModel edits one catalog entry and routes the resulting
// configuration to every session. Idle sessions switch immediately, busy
// ones at their next idle transition.
func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var upd modelcfg.ModelUpdate
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entry, err := s.catalog.Update(chi.URLParam(r, "id"), upd)
	if err != nil {
		if errors.Is(err, modelcfg.ErrUnknownModel) {
			respondError(w, http.StatusNotFound, "model_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_model", err.Error())
		return
	}

	cfg := s.catalog.Configuration(s.cfg.DefaultLanguage, true)
	if err := cfg.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_model", err.Error())
		return
	}
	s.configs.SetCurrent(cfg)
	applied := s.sessions.Broadcast(cfg)

	respondJSON(w, http.StatusOK, map[string]any{
		"model":            entry,
		"config_revision":  cfg.Revision,
		"applied_sessions": applied,
	})
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := s.store.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recordings": items})
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

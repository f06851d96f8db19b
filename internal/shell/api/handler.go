// Package api provides the HTTP surface: deployment CRUD, pre-flight target
// selection and the websocket progress stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/shell/store"
	"github.com/skylift/skylift/internal/shell/stream"
)

// =============================================================================
// Handler
// =============================================================================

// Deployer runs deployment attempts. Satisfied by *controller.Controller.
type Deployer interface {
	Prepare(ctx context.Context, userID string, req domain.DeploymentRequest) (*domain.DeploymentRecord, error)
	Run(ctx context.Context, rec *domain.DeploymentRecord, req domain.DeploymentRequest) (*domain.DeploymentRecord, error)
	SelectTarget(ctx context.Context, req domain.DeploymentRequest) (domain.TargetDecision, domain.ProjectProfile, error)
	DeleteDeployment(ctx context.Context, userID, id string) ([]string, error)
}

// EventHub manages websocket subscribers per deployment.
type EventHub interface {
	Register(deploymentID string, client stream.Subscriber)
	Unregister(deploymentID string, client stream.Subscriber)
}

// Config wires a Handler.
type Config struct {
	Store    store.Store
	Deployer Deployer
	Hub      EventHub
	Auth     AuthConfig
	Logger   *slog.Logger

	// AttemptTimeout bounds one background deployment attempt.
	AttemptTimeout time.Duration
}

// Handler provides the HTTP handlers for the API.
type Handler struct {
	store          store.Store
	deployer       Deployer
	hub            EventHub
	auth           AuthConfig
	logger         *slog.Logger
	attemptTimeout time.Duration
	upgrader       websocket.Upgrader
}

// NewHandler creates the API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.AttemptTimeout
	if timeout == 0 {
		timeout = 45 * time.Minute
	}
	return &Handler{
		store:          cfg.Store,
		deployer:       cfg.Deployer,
		hub:            cfg.Hub,
		auth:           cfg.Auth,
		logger:         logger.With("component", "api"),
		attemptTimeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(h.auth))

		r.Post("/select-target", h.handleSelectTarget)
		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleCreateDeployment)
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Get("/{id}/history", h.handleGetHistory)
			r.Get("/{id}/events", h.handleEvents)
			r.Delete("/{id}", h.handleDeleteDeployment)
		})
	})

	return r
}

// =============================================================================
// Health
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Deployments
// =============================================================================

// handleCreateDeployment accepts an attempt and runs it in the background.
// Progress streams on the returned events path; the persisted history makes
// the attempt replayable afterwards.
func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req domain.DeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	userID := UserID(r.Context())
	rec, err := h.deployer.Prepare(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, domain.ErrRepoURLRequired) || errors.Is(err, domain.ErrRegionRequired) || errors.Is(err, domain.ErrInvalidTarget) {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		h.logger.Error("failed to prepare deployment", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to prepare deployment", "internal_error")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.attemptTimeout)
		defer cancel()
		if _, err := h.deployer.Run(ctx, rec, req); err != nil {
			h.logger.Error("deployment attempt failed",
				"deployment_id", rec.ID,
				"repo", req.RepoURL,
				"error", err,
			)
		}
	}()

	h.writeJSON(w, http.StatusAccepted, CreateDeploymentResponse{
		Deployment: rec,
		EventsPath: "/api/v1/deployments/" + rec.ID + "/events",
	})
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListForUser(r.Context(), UserID(r.Context()))
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, ListDeploymentsResponse{Deployments: records, Count: len(records)})
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedDeployment(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedDeployment(w, r)
	if !ok {
		return
	}
	events, err := h.store.GetHistory(r.Context(), rec.ID, 1000)
	if err != nil {
		h.logger.Error("failed to load history", "deployment_id", rec.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load history", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{Events: events})
}

func (h *Handler) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	warnings, err := h.deployer.DeleteDeployment(r.Context(), UserID(r.Context()), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.logger.Error("failed to delete deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete deployment", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, DeleteDeploymentResponse{Deleted: true, Warnings: warnings})
}

// =============================================================================
// Target Selection
// =============================================================================

func (h *Handler) handleSelectTarget(w http.ResponseWriter, r *http.Request) {
	var req domain.DeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	decision, profile, err := h.deployer.SelectTarget(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrRepoURLRequired) || errors.Is(err, domain.ErrRegionRequired) || errors.Is(err, domain.ErrInvalidTarget) {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		h.logger.Error("pre-flight selection failed", "repo", req.RepoURL, "error", err)
		h.writeError(w, http.StatusBadGateway, "selection failed: "+err.Error(), "selection_error")
		return
	}
	h.writeJSON(w, http.StatusOK, SelectTargetResponse{Decision: decision, Profile: profile})
}

// =============================================================================
// Progress Stream
// =============================================================================

// handleEvents upgrades to a websocket and streams the deployment's
// progress: the persisted history first, then live events. Replay and the
// live stream may overlap around the subscription instant; events are
// timestamped so clients can keep the newest.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedDeployment(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "deployment_id", rec.ID, "error", err)
		return
	}
	client := stream.NewClient(conn, h.logger)
	h.hub.Register(rec.ID, client)
	defer func() {
		h.hub.Unregister(rec.ID, client)
		client.Close()
	}()

	history, err := h.store.GetHistory(r.Context(), rec.ID, 1000)
	if err != nil {
		h.logger.Warn("history replay failed", "deployment_id", rec.ID, "error", err)
	}
	for _, ev := range history {
		payload, merr := json.Marshal(ev)
		if merr != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return
		}
	}

	// Block until the client goes away; the hub writes live events.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// ownedDeployment loads the record in the URL and checks ownership.
func (h *Handler) ownedDeployment(w http.ResponseWriter, r *http.Request) (*domain.DeploymentRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return nil, false
		}
		h.logger.Error("failed to get deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return nil, false
	}
	if rec.UserID != UserID(r.Context()) {
		h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
		return nil, false
	}
	return rec, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v, h.logger)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode JSON", "error", err)
	}
}

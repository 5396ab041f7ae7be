// Package orchestrator exposes the control-plane HTTP API for instance
// lifecycle management.
package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/chainowl/internal/telemetry"
	"github.com/wisbric/chainowl/pkg/backend"
	"github.com/wisbric/chainowl/pkg/instance"
	"github.com/wisbric/chainowl/pkg/notify"
	"github.com/wisbric/chainowl/pkg/store"
)

// response is the envelope every orchestrator endpoint returns.
type response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler provides the instance lifecycle endpoints.
type Handler struct {
	store    store.Store
	backend  backend.Backend
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(st store.Store, b backend.Backend, notifier *notify.Notifier, logger *slog.Logger) *Handler {
	return &Handler{store: st, backend: b, notifier: notifier, logger: logger}
}

// Routes returns a chi.Router with the instance endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{instance_id}", h.handleGet)
	r.Post("/{instance_id}/metadata", h.handleUpdateMetadata)
	r.Delete("/{instance_id}", h.handleDelete)
	return r
}

func respond(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// handleCreate launches a new instance.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req instance.CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, response{OK: false, Message: "invalid request body"})
		return
	}
	if req.InstanceID == "" || req.Timeout <= 0 {
		respond(w, response{OK: false, Message: "instance_id and timeout are required"})
		return
	}

	h.logger.Info("launching new instance", "instance_id", req.InstanceID)

	start := time.Now()
	rec, err := h.backend.Launch(ctx, &req)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			h.logger.Warn("instance already exists", "instance_id", req.InstanceID)
			respond(w, response{OK: false, Message: "instance already exists"})
			return
		}
		// Backend already rolled back its allocations; details stay in the log.
		h.logger.Error("failed to launch instance", "instance_id", req.InstanceID, "error", err)
		respond(w, response{OK: false, Message: "an internal error occurred"})
		return
	}

	telemetry.InstancesLaunchedTotal.Inc()
	telemetry.InstanceLaunchDuration.Observe(time.Since(start).Seconds())

	h.logger.Info("launched new instance",
		"instance_id", req.InstanceID,
		"external_id", rec.ExternalID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.notifier.InstanceLaunched(ctx, rec)

	respond(w, response{OK: true, Message: "instance launched", Data: rec})
}

// handleList returns all live instances.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("listing instances", "error", err)
		respond(w, response{OK: false, Message: "an internal error occurred"})
		return
	}
	if records == nil {
		records = []*instance.Record{}
	}
	respond(w, response{OK: true, Message: "fetched instances", Data: records})
}

// handleGet returns the record for one instance, metadata merged in.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance_id")

	rec, err := h.store.Get(r.Context(), instanceID)
	if err != nil {
		h.logger.Error("getting instance", "instance_id", instanceID, "error", err)
		respond(w, response{OK: false, Message: "an internal error occurred"})
		return
	}
	if rec == nil {
		respond(w, response{OK: false, Message: "instance does not exist"})
		return
	}

	respond(w, response{OK: true, Message: "fetched metadata", Data: rec})
}

// handleUpdateMetadata merges the posted keys into the instance metadata.
func (h *Handler) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := chi.URLParam(r, "instance_id")

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respond(w, response{OK: false, Message: "invalid request body"})
		return
	}

	// A write against a missing id would silently create an orphan; reject it.
	rec, err := h.store.Get(ctx, instanceID)
	if err != nil {
		h.logger.Error("getting instance for metadata update", "instance_id", instanceID, "error", err)
		respond(w, response{OK: false, Message: "an internal error occurred"})
		return
	}
	if rec == nil {
		respond(w, response{OK: false, Message: "instance does not exist"})
		return
	}

	if err := h.store.UpdateMetadata(ctx, instanceID, patch); err != nil {
		h.logger.Error("updating metadata", "instance_id", instanceID, "error", err)
		respond(w, response{OK: false, Message: "an internal error occurred"})
		return
	}

	respond(w, response{OK: true, Message: "metadata updated"})
}

// handleDelete kills an instance.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := chi.URLParam(r, "instance_id")

	h.logger.Info("killing instance", "instance_id", instanceID)

	rec, err := h.backend.Kill(ctx, instanceID)
	if err != nil {
		h.logger.Error("killing instance", "instance_id", instanceID, "error", err)
		respond(w, response{OK: false, Message: "an internal error occurred"})
		return
	}
	if rec == nil {
		respond(w, response{OK: false, Message: "no instance found"})
		return
	}

	telemetry.InstancesKilledTotal.Inc()
	h.notifier.InstanceKilled(ctx, rec)

	respond(w, response{OK: true, Message: "instance deleted"})
}

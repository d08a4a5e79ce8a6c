package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/stats"
)

// RouteSupervisor is the supervisor surface the handlers drive.
type RouteSupervisor interface {
	Statuses(ctx context.Context) []domain.RouteStatus
	Routes() []domain.Route
	Reload(cfg *config.Config)
}

// RoutesHandler serves route CRUD. Mutations edit the config document on
// disk, re-validate it, and trigger a supervisor reload; the running engine
// and the document can never disagree for long.
type RoutesHandler struct {
	configPath string
	supervisor RouteSupervisor
	stats      *stats.Collector
	audit      domain.AuditStore // optional
	logger     *slog.Logger

	// mu serializes document read-modify-write cycles.
	mu sync.Mutex
}

func NewRoutesHandler(configPath string, supervisor RouteSupervisor, collector *stats.Collector, audit domain.AuditStore, logger *slog.Logger) *RoutesHandler {
	return &RoutesHandler{
		configPath: configPath,
		supervisor: supervisor,
		stats:      collector,
		audit:      audit,
		logger:     logger.With(slog.String("handler", "routes")),
	}
}

// ListRoutes responds with every supervised route and its live state.
// GET /api/routes
func (h *RoutesHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.supervisor.Statuses(r.Context()))
}

// GetStats responds with per-route copy counters.
// GET /api/routes/stats
func (h *RoutesHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.All())
}

// CreateRoute appends a route to the config document.
// POST /api/routes
func (h *RoutesHandler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var rc config.RouteConfig
	if err := decodeBody(r, &rc); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}
	if rc.ID == "" {
		writeError(w, http.StatusBadRequest, "validation", "route id must not be empty")
		return
	}

	err := h.mutate(r.Context(), "route.create", map[string]any{"route": rc.ID}, func(cfg *config.Config) error {
		for _, existing := range cfg.Routes {
			if existing.ID == rc.ID {
				return fmt.Errorf("route %s: %w", rc.ID, domain.ErrRouteExists)
			}
		}
		cfg.Routes = append(cfg.Routes, rc)
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// routeUpdate is the PUT body; nil fields are left unchanged.
type routeUpdate struct {
	Name          *string             `json:"name"`
	Source        *string             `json:"source"`
	Destination   *string             `json:"destination"`
	RuleSet       *string             `json:"ruleSet"`
	Enabled       *bool               `json:"enabled"`
	AutoClose     *bool               `json:"autoClose"`
	Notifications *domain.NotifyPrefs `json:"notifications"`
}

// UpdateRoute patches a subset of a route's fields.
// PUT /api/routes/{id}
func (h *RoutesHandler) UpdateRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var upd routeUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}

	var updated config.RouteConfig
	err := h.mutate(r.Context(), "route.update", map[string]any{"route": id}, func(cfg *config.Config) error {
		for i := range cfg.Routes {
			if cfg.Routes[i].ID != id {
				continue
			}
			rc := &cfg.Routes[i]
			if upd.Name != nil {
				rc.Name = *upd.Name
			}
			if upd.Source != nil {
				rc.Source = *upd.Source
			}
			if upd.Destination != nil {
				rc.Destination = *upd.Destination
			}
			if upd.RuleSet != nil {
				rc.RuleSet = *upd.RuleSet
			}
			if upd.Enabled != nil {
				rc.Enabled = *upd.Enabled
			}
			if upd.AutoClose != nil {
				rc.AutoClose = *upd.AutoClose
			}
			if upd.Notifications != nil {
				rc.Notifications = upd.Notifications
			}
			updated = *rc
			return nil
		}
		return fmt.Errorf("route %s: %w", id, domain.ErrNotFound)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ToggleRoute flips a route's enabled flag.
// POST /api/routes/{id}/toggle
func (h *RoutesHandler) ToggleRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}

	err := h.mutate(r.Context(), "route.toggle", map[string]any{"route": id, "enabled": body.Enabled}, func(cfg *config.Config) error {
		for i := range cfg.Routes {
			if cfg.Routes[i].ID == id {
				cfg.Routes[i].Enabled = body.Enabled
				return nil
			}
		}
		return fmt.Errorf("route %s: %w", id, domain.ErrNotFound)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// DeleteRoute removes a route from the config document.
// DELETE /api/routes/{id}
func (h *RoutesHandler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.mutate(r.Context(), "route.delete", map[string]any{"route": id}, func(cfg *config.Config) error {
		for i := range cfg.Routes {
			if cfg.Routes[i].ID == id {
				cfg.Routes = append(cfg.Routes[:i], cfg.Routes[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("route %s: %w", id, domain.ErrNotFound)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutate runs one read-modify-validate-write cycle on the config document
// and reloads the supervisor on success. A validation failure leaves the
// document untouched.
func (h *RoutesHandler) mutate(ctx context.Context, event string, detail map[string]any, fn func(*config.Config) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := config.LoadDocument(h.configPath)
	if err != nil {
		return fmt.Errorf("load config document: %w", err)
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := cfg.ValidateRoutes(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}
	if err := config.Save(cfg, h.configPath); err != nil {
		return fmt.Errorf("save config document: %w", err)
	}

	h.supervisor.Reload(cfg)
	h.logger.InfoContext(ctx, "config document updated", slog.String("event", event))

	if h.audit != nil {
		if err := h.audit.Log(ctx, event, detail); err != nil {
			h.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

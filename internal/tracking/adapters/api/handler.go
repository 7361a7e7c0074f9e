package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tracker-monitor/internal/common/contextx"
	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/adapters/ws"
	"tracker-monitor/internal/tracking/app"
)

// Handler exposes the store views and cache controls to the dashboard.
type Handler struct {
	svc    *app.Service
	hub    *ws.Hub
	logger *slog.Logger
}

// NewHandler constructs the API handler.
func NewHandler(svc *app.Service, hub *ws.Hub, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, logger: logger}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/vehicles", h.handleVehicles)
	mux.HandleFunc("GET /api/vehicles/active", h.handleActiveVehicles)
	mux.HandleFunc("GET /api/positions", h.handlePositions)
	mux.HandleFunc("POST /api/positions/refresh", h.handleRefresh)
	mux.HandleFunc("POST /api/selection/toggle", h.handleToggleSelection)
	mux.HandleFunc("POST /api/selection/all", h.handleSelectAll)
	mux.HandleFunc("POST /api/selection/clear", h.handleClearSelection)
	mux.HandleFunc("GET /api/selection", h.handleSelection)
	mux.HandleFunc("GET /api/cache/stats", h.handleCacheStats)
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.hub.HandleWS)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleVehicles(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]any{"vehicles": h.svc.Vehicles()})
}

func (h *Handler) handleActiveVehicles(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]any{"vehicles": h.svc.ActiveVehicles()})
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]any{"positions": h.svc.Positions()})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if err := h.svc.RefreshPositions(ctx); err != nil {
		log.Error(ctx, h.logger, "refresh_failed", "Manual position refresh failed", err)
		http.Error(w, "refresh failed", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, r, map[string]any{"positions": h.svc.Positions()})
}

type toggleSelectionRequest struct {
	VehicleID string `json:"vehicle_id"`
}

func (h *Handler) handleToggleSelection(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())

	var req toggleSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" {
		log.Error(ctx, h.logger, "invalid_body", "Unable to decode selection request", err)
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	h.svc.ToggleVehicleSelection(req.VehicleID)
	h.writeJSON(w, r, map[string]any{"selection": h.svc.Selection()})
}

func (h *Handler) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	h.svc.SelectAllVehicles()
	h.writeJSON(w, r, map[string]any{"selection": h.svc.Selection()})
}

func (h *Handler) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearSelection()
	h.writeJSON(w, r, map[string]any{"selection": h.svc.Selection()})
}

func (h *Handler) handleSelection(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]any{
		"selection": h.svc.Selection(),
		"count":     h.svc.SelectedCount(),
	})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, h.svc.CacheStats())
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(r.Context(), h.logger, "encode_response_fail", "Failed to encode response", err)
	}
}

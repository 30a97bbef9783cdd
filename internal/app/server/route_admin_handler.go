package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ipguard/internal/admin"
	"ipguard/internal/blacklist"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/jobs/runtime"
	"ipguard/internal/metrics"
)

const maxBodyBytes = 1 << 20

// AdminDeps are the collaborators of the admin listener.
type AdminDeps struct {
	Service   *admin.Service
	Blacklist *blacklist.Store
	Redis     *redis.Client
	Token     string
}

type adminHandlers struct {
	AdminDeps
}

// NewAdminRouter exposes the administrative operations, metrics and health.
func NewAdminRouter(deps AdminDeps) http.Handler {
	h := adminHandlers{deps}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /admin/blocks", h.listBlocks)
	protected.HandleFunc("POST /admin/blocks", h.blockIP)
	protected.HandleFunc("DELETE /admin/blocks/{ip}", h.unblockIP)
	protected.HandleFunc("GET /admin/analyze/{ip}", h.analyzeIP)
	protected.HandleFunc("POST /admin/scan", h.runScan)
	protected.HandleFunc("GET /admin/detection", h.getDetection)
	protected.HandleFunc("PUT /admin/detection", h.setDetection)
	protected.HandleFunc("POST /admin/suspicious/{ip}/reset", h.resetSuspicious)
	protected.HandleFunc("POST /admin/geolocation", h.updateGeolocation)

	router := http.NewServeMux()
	router.Handle("/admin/", requireToken(deps.Token, protected))
	router.Handle("GET /metrics", metrics.Handler())
	router.HandleFunc("GET /healthz", h.health)
	router.HandleFunc("GET /version", getVersion)

	return enableCORS(router)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, blacklist.ErrInvalidIP), errors.Is(err, admin.ErrExpiryInPast):
		return http.StatusBadRequest
	case errors.Is(err, admin.ErrNotBlocked):
		return http.StatusNotFound
	case errors.Is(err, admin.ErrAlreadyBlocked):
		return http.StatusConflict
	case errors.Is(err, config.ErrInvalidDetectionConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, admin.ErrGeolocationDisabled), errors.Is(err, blacklist.ErrNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h adminHandlers) listBlocks(w http.ResponseWriter, r *http.Request) {
	filter := admin.ListFilter(r.URL.Query().Get("status"))
	switch filter {
	case admin.ListAll, admin.ListActive, admin.ListExpired:
	default:
		writeError(w, "status must be active or expired", http.StatusBadRequest)
		return
	}

	entries, err := h.Service.ListBlocked(r.Context(), filter)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "blocks": entries})
}

type blockPayload struct {
	admin.BlockRequest
	// Expires takes the CLI notation: "+7d" or "YYYY-MM-DD[ HH:MM:SS]".
	Expires string `json:"expires,omitempty"`
}

func (h adminHandlers) blockIP(w http.ResponseWriter, r *http.Request) {
	var payload blockPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req := payload.BlockRequest
	if payload.Expires != "" {
		at, err := admin.ParseExpiry(payload.Expires, time.Now())
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.ExpiresAt = at
	}

	view, err := h.Service.BlockIP(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h adminHandlers) unblockIP(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.UnblockIP(r.Context(), r.PathValue("ip")); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h adminHandlers) analyzeIP(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = n
	}

	report, err := h.Service.AnalyzeIP(r.Context(), r.PathValue("ip"), hours)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h adminHandlers) runScan(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Service.RunScanNow(r.Context())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h adminHandlers) getDetection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.DetectionConfig())
}

func (h adminHandlers) setDetection(w http.ResponseWriter, r *http.Request) {
	var dc config.DetectionConfig
	if err := decodeBody(w, r, &dc); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	applied, err := h.Service.SetDetectionConfig(dc)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (h adminHandlers) resetSuspicious(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.ResetSuspicious(r.Context(), r.PathValue("ip"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ip": r.PathValue("ip"), "reset": n})
}

func (h adminHandlers) updateGeolocation(w http.ResponseWriter, r *http.Request) {
	var req admin.GeoUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := h.Service.UpdateGeolocation(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h adminHandlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	if err := database.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	} else {
		body["database"] = "ok"
	}

	if h.Blacklist != nil {
		body["blacklist_loaded"] = h.Blacklist.Loaded()
		body["blacklist_entries"] = h.Blacklist.Size()
		if !h.Blacklist.Loaded() {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}

	if instances, err := runtime.CountActiveInstances(ctx, h.Redis); err == nil {
		body["instances"] = instances
	}
	body["instance_id"] = runtime.InstanceID()

	writeJSON(w, status, body)
}

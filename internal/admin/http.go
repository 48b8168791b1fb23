package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// Handler serves the /api/v1/admin device-key plane.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Service     DeviceService
}

// NewHandler constructs a Handler.
func NewHandler(logger logging.Logger, adminAPIKey string, svc DeviceService) *Handler {
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Service:     svc,
	}
}

// RegisterRoutes registers the admin plane's routes on mux:
//   - POST /api/v1/admin/devices/register
//   - POST /api/v1/admin/devices/revoke
//   - GET  /api/v1/admin/devices/exists
//   - GET  /api/v1/admin/devices/status
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/admin/devices/register", h.authMiddleware(http.HandlerFunc(h.handleDeviceRegister)))
	mux.Handle("/api/v1/admin/devices/revoke", h.authMiddleware(http.HandlerFunc(h.handleDeviceRevoke)))
	mux.Handle("/api/v1/admin/devices/exists", h.authMiddleware(http.HandlerFunc(h.handleDeviceExists)))
	mux.Handle("/api/v1/admin/devices/status", h.authMiddleware(http.HandlerFunc(h.handleDeviceStatus)))
}

// authMiddleware validates an "Authorization: Bearer {ADMIN_API_KEY}" header.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// No key configured means the admin plane refuses every request.
		return false
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token == h.AdminAPIKey
}

type deviceRegisterRequest struct {
	Memo string `json:"memo"`
}

type deviceRegisterResponse struct {
	DeviceKey string `json:"device_key,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w)
		return
	}

	var req deviceRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.Logger.Warn("invalid register request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, deviceRegisterResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	key, err := h.Service.RegisterDevice(r.Context(), req.Memo)
	if err != nil {
		h.Logger.Error("failed to register device", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, deviceRegisterResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, deviceRegisterResponse{
		Success:   true,
		DeviceKey: key,
	})
}

type deviceRevokeRequest struct {
	DeviceKey string `json:"device_key"`
}

type deviceRevokeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type deviceExistsResponse struct {
	Success bool   `json:"success"`
	Exists  bool   `json:"exists"`
	Error   string `json:"error,omitempty"`
}

type deviceStatusResponse struct {
	Success   bool      `json:"success"`
	Exists    bool      `json:"exists"`
	DeviceKey string    `json:"device_key,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (h *Handler) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w)
		return
	}

	var req deviceRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid revoke request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, deviceRevokeResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	req.DeviceKey = strings.TrimSpace(req.DeviceKey)

	if req.DeviceKey == "" {
		h.writeJSON(w, http.StatusBadRequest, deviceRevokeResponse{
			Success: false,
			Error:   "device_key is required",
		})
		return
	}

	if err := h.Service.RevokeDevice(r.Context(), req.DeviceKey); err != nil {
		if err == ErrDeviceNotFound {
			h.writeJSON(w, http.StatusNotFound, deviceRevokeResponse{
				Success: false,
				Error:   "device not found",
			})
			return
		}
		h.Logger.Error("failed to revoke device", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, deviceRevokeResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, deviceRevokeResponse{Success: true})
}

func (h *Handler) handleDeviceExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w)
		return
	}

	deviceKey := strings.TrimSpace(r.URL.Query().Get("device_key"))
	if deviceKey == "" {
		h.writeJSON(w, http.StatusBadRequest, deviceExistsResponse{
			Success: false,
			Error:   "device_key is required",
		})
		return
	}

	exists, err := h.Service.DeviceExists(r.Context(), deviceKey)
	if err != nil {
		h.Logger.Error("failed to check device existence", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, deviceExistsResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, deviceExistsResponse{
		Success: true,
		Exists:  exists,
	})
}

func (h *Handler) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w)
		return
	}

	deviceKey := strings.TrimSpace(r.URL.Query().Get("device_key"))
	if deviceKey == "" {
		h.writeJSON(w, http.StatusBadRequest, deviceStatusResponse{
			Success: false,
			Error:   "device_key is required",
		})
		return
	}

	device, err := h.Service.GetDevice(r.Context(), deviceKey)
	if err != nil {
		if err == ErrDeviceNotFound {
			h.writeJSON(w, http.StatusOK, deviceStatusResponse{
				Success: true,
				Exists:  false,
			})
			return
		}

		h.Logger.Error("failed to get device status", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, deviceStatusResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, deviceStatusResponse{
		Success:   true,
		Exists:    true,
		DeviceKey: device.DeviceKey,
		Memo:      device.Memo,
		CreatedAt: device.CreatedAt,
		UpdatedAt: device.UpdatedAt,
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "method not allowed",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write json response", logging.Fields{"error": err.Error()})
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/openclock/attendsync/internal/services"
)

// AdminHandler is the JWT-protected operator surface: capture control, sync
// triggers, command queuing and the live event stream.
type AdminHandler struct {
	auth    *services.AuthService
	capture *services.CaptureService
	sync    *services.SyncService
	push    *services.PushService
	stream  *services.EventStream
}

func NewAdminHandler(
	auth *services.AuthService,
	capture *services.CaptureService,
	sync *services.SyncService,
	push *services.PushService,
	stream *services.EventStream,
) *AdminHandler {
	return &AdminHandler{
		auth:    auth,
		capture: capture,
		sync:    sync,
		push:    push,
		stream:  stream,
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/api/devices/{deviceID}/capture/start", h.StartCapture)
		r.Post("/api/devices/{deviceID}/capture/stop", h.StopCapture)
		r.Post("/api/capture/start-all", h.StartAllCapture)
		r.Post("/api/capture/stop-all", h.StopAllCapture)
		r.Get("/api/capture/status", h.CaptureStatus)

		r.Post("/api/commands/{serial}", h.QueueCommand)
		r.Get("/api/devices/{serial}/presence", h.DevicePresence)

		r.Post("/api/sync/daily", h.SyncDaily)
		r.Post("/api/sync/first-checkins", h.SyncFirstCheckins)
		r.Post("/api/sync/retry-errors", h.RetryErrors)
		r.Get("/api/sync/stats", h.SyncStats)
		r.Get("/api/sync/errors", h.SyncErrors)

		r.Get("/api/events", h.StreamEvents)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *AdminHandler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := h.auth.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.auth.Login(req.Password)
	if errors.Is(err, services.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathDeviceID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "deviceID"))
}

// queryDeviceID reads the optional device_id filter.
func queryDeviceID(r *http.Request) (*uuid.UUID, error) {
	raw := r.URL.Query().Get("device_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (h *AdminHandler) StartCapture(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	started, err := h.capture.Start(deviceID)
	if errors.Is(err, services.ErrFleetCeiling) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started":         started,
		"already_running": !started,
	})
}

func (h *AdminHandler) StopCapture(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	stopped := h.capture.Stop(deviceID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *AdminHandler) StartAllCapture(w http.ResponseWriter, r *http.Request) {
	report, err := h.capture.StartAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) StopAllCapture(w http.ResponseWriter, r *http.Request) {
	h.capture.StopAll()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (h *AdminHandler) CaptureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.capture.Status())
}

func (h *AdminHandler) QueueCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}

	if err := h.push.QueueCommand(r.Context(), serial, req.Command); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (h *AdminHandler) DevicePresence(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	presence, err := h.push.DevicePresence(r.Context(), serial)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, presence)
}

func (h *AdminHandler) SyncDaily(w http.ResponseWriter, r *http.Request) {
	deviceID, err := queryDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}

	var date *time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}
		date = &parsed
	}

	result := h.sync.SyncDaily(r.Context(), date, deviceID)
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) SyncFirstCheckins(w http.ResponseWriter, r *http.Request) {
	deviceID, err := queryDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}

	var date *time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}
		date = &parsed
	}

	result := h.sync.SyncFirstCheckins(r.Context(), date, deviceID)
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) RetryErrors(w http.ResponseWriter, r *http.Request) {
	deviceID, err := queryDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}

	result := h.sync.RetryErrorRecords(r.Context(), deviceID)
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) SyncStats(w http.ResponseWriter, r *http.Request) {
	deviceID, err := queryDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}

	stats, err := h.sync.Stats(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) SyncErrors(w http.ResponseWriter, r *http.Request) {
	deviceID, err := queryDeviceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device_id")
		return
	}

	report, err := h.sync.ErrorReport(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StreamEvents pushes live attendance events over server-sent events until
// the client disconnects.
func (h *AdminHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.stream.Subscribe()
	defer h.stream.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openclock/attendsync/internal/services"
)

// PushHandler exposes the iclock endpoints push devices talk to. Responses
// are plain text with CRLF line endings; the devices parse them verbatim.
type PushHandler struct {
	push *services.PushService
}

func NewPushHandler(push *services.PushService) *PushHandler {
	return &PushHandler{push: push}
}

func (h *PushHandler) RegisterRoutes(r chi.Router) {
	r.Get("/iclock/getrequest", h.GetRequest)
	r.Get("/iclock/cdata", h.Handshake)
	r.Post("/iclock/cdata", h.UploadTable)
	r.Post("/iclock/fdata", h.UploadFile)
}

func serial(r *http.Request) string {
	return r.URL.Query().Get("SN")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// GetRequest answers a device's command poll.
func (h *PushHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	sn := serial(r)
	if sn == "" {
		writeText(w, http.StatusBadRequest, "error: SN required\r\n")
		return
	}

	reply, err := h.push.HandlePoll(r.Context(), sn)
	if err != nil {
		slog.Error("command poll failed", "serial", sn, "error", err)
		writeText(w, http.StatusInternalServerError, "error\r\n")
		return
	}
	writeText(w, http.StatusOK, reply)
}

// Handshake answers the initial options exchange.
func (h *PushHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	sn := serial(r)
	if sn == "" {
		writeText(w, http.StatusBadRequest, "error: SN required\r\n")
		return
	}

	q := r.URL.Query()
	params := &services.PushParams{
		PushVersion: q.Get("pushver"),
		Options:     q.Get("options"),
		Language:    q.Get("language"),
	}

	reply, err := h.push.HandleHandshake(r.Context(), sn, params)
	if err != nil {
		slog.Error("handshake failed", "serial", sn, "error", err)
		writeText(w, http.StatusInternalServerError, "error\r\n")
		return
	}
	writeText(w, http.StatusOK, reply)
}

// UploadTable ingests a posted data table (ATTLOG, OPERLOG, BIODATA) and
// acknowledges with the accepted row count.
func (h *PushHandler) UploadTable(w http.ResponseWriter, r *http.Request) {
	sn := serial(r)
	if sn == "" {
		writeText(w, http.StatusBadRequest, "error: SN required\r\n")
		return
	}
	table := r.URL.Query().Get("table")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "error: bad body\r\n")
		return
	}

	accepted, err := h.push.HandleTable(r.Context(), sn, table, body)
	if err != nil {
		slog.Error("table upload failed", "serial", sn, "table", table, "error", err)
		writeText(w, http.StatusInternalServerError, "error\r\n")
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("OK: %d\r\n", accepted))
}

// UploadFile stores a raw device file upload.
func (h *PushHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	sn := serial(r)
	if sn == "" {
		writeText(w, http.StatusBadRequest, "error: SN required\r\n")
		return
	}
	pin := r.URL.Query().Get("PIN")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "error: bad body\r\n")
		return
	}

	if err := h.push.HandleFileUpload(r.Context(), sn, pin, body); err != nil {
		slog.Error("file upload failed", "serial", sn, "error", err)
		writeText(w, http.StatusInternalServerError, "error\r\n")
		return
	}
	writeText(w, http.StatusOK, "OK\r\n")
}

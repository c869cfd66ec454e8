package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Schmoll86/sumppump-mcp-server/tws"
)

// Handler serves the ops endpoints: engine status and the live log stream.
type Handler struct {
	manager   *tws.Manager
	logBuffer *LogBuffer
	logger    *slog.Logger
	startTime time.Time
	version   string
}

// New creates an ops Handler.
func New(manager *tws.Manager, logBuffer *LogBuffer, logger *slog.Logger, version string, startTime time.Time) *Handler {
	return &Handler{
		manager:   manager,
		logBuffer: logBuffer,
		logger:    logger,
		startTime: startTime,
		version:   version,
	}
}

// RegisterRoutes mounts the ops routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ops/status", h.status)
	mux.HandleFunc("/ops/logs", h.logStream)
}

// status returns a JSON snapshot of the engine: gateway session, data line
// usage, and pending confirmation tickets.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := h.manager.Session()
	budget := session.Budget()

	out := map[string]any{
		"version":        h.version,
		"uptime":         time.Since(h.startTime).Round(time.Second).String(),
		"session_state":  session.State().String(),
		"healthy":        session.Healthy(),
		"client_id":      session.ClientID(),
		"delayed_data":   session.Delayed(),
		"data_lines":     map[string]int{"in_use": budget.InUse(), "remaining": budget.Remaining(), "ceiling": budget.Ceiling()},
		"subscriptions":  session.ActiveSubscriptions(),
		"pending_trades": h.manager.Confirmations().Pending(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// logStream serves an SSE stream of structured log entries.
func (h *Handler) logStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	listenerID := fmt.Sprintf("ops-%d", time.Now().UnixNano())
	ch := h.logBuffer.AddListener(listenerID)
	defer h.logBuffer.RemoveListener(listenerID)

	// Backfill recent entries.
	for _, entry := range h.logBuffer.Recent(50) {
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			if data, err := json.Marshal(entry); err == nil {
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stafflink-ai/employee-stream/internal/broker"
	"github.com/stafflink-ai/employee-stream/internal/engine"
	"github.com/stafflink-ai/employee-stream/internal/middleware"
	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
	"github.com/stafflink-ai/employee-stream/pkg/metrics"
)

// heartbeatInterval is how often an SSE comment is written to keep
// intermediaries from reaping idle connections.
const heartbeatInterval = 25 * time.Second

// StreamHandler serves the per-employee SSE event stream.
type StreamHandler struct {
	broker broker.Broker
	engine *engine.Engine
	logger *logger.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(b broker.Broker, e *engine.Engine, log *logger.Logger) *StreamHandler {
	return &StreamHandler{broker: b, engine: e, logger: log}
}

// Stream handles GET /stream/employee/{employeeID}.
//
// Every event on one connection carries a per-connection monotonically
// increasing seq. The tabId query parameter identifies the browser tab; the
// server only logs it, duplicate-tab arbitration happens upstream.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	employeeID := chi.URLParam(r, "employeeID")
	tabID := r.URL.Query().Get("tabId")

	if err := middleware.ValidateEmployeeID(employeeID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe, err := h.broker.Subscribe(ctx, tenantID, employeeID)
	if err != nil {
		h.logger.Errorw("failed to subscribe to run events",
			"tenant_id", tenantID, "employee_id", employeeID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open stream")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementStreamConnections()
	defer metrics.DecrementStreamConnections()

	h.logger.Infow("stream opened",
		"tenant_id", tenantID, "employee_id", employeeID, "tab_id", tabID)

	var seq uint64

	// The connected event carries the conversation's session key so the
	// client can pair run handles with this stream.
	seq++
	sendEvent(w, flusher, model.ChatEvent{
		Seq:        seq,
		State:      model.RunStateConnected,
		SessionKey: h.engine.SessionKey(tenantID, employeeID),
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("stream closed by client",
				"tenant_id", tenantID, "employee_id", employeeID, "tab_id", tabID)
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			seq++
			ev.Seq = seq
			if err := sendEvent(w, flusher, ev); err != nil {
				h.logger.Warnw("stream write failed",
					"tenant_id", tenantID, "employee_id", employeeID, "error", err)
				return
			}
			metrics.StreamEventsTotal.WithLabelValues(string(ev.State)).Inc()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sendEvent writes one SSE frame. The event name mirrors the payload state so
// EventSource consumers can use addEventListener.
func sendEvent(w http.ResponseWriter, flusher http.Flusher, ev model.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.State, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

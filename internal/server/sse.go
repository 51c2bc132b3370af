package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

// HandleAgentEvents handles GET /v1/agents/{agent_id}/events (SSE).
//
// Resumes after the Last-Event-ID header or last_event_id query parameter.
// "$" tails new events only; the default replays the retained history. The
// response ends after the done event is forwarded.
func (h *Handlers) HandleAgentEvents(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.svc.AuthorizeAgent(r.Context(), userID(r), agentID); err != nil {
		h.writeServiceError(w, r, err, "failed to authorize agent")
		return
	}

	cursor := r.URL.Query().Get("last_event_id")
	if cursor == "" {
		cursor = r.Header.Get("Last-Event-ID")
	}
	if cursor == "" {
		cursor = stream.FromStart
	}
	if cursor == stream.Tail {
		// Pin the tail to a concrete id so nothing emitted between requests
		// slips past the first blocking read.
		cursor, err = h.stream.Last(r.Context(), agentID)
		if err != nil {
			h.writeServiceError(w, r, err, "failed to resolve stream cursor")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	for {
		events, err := h.stream.Read(ctx, agentID, cursor, h.sseBlock)
		if err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				h.logger.Warn("sse: stream read failed", "agent_id", agentID, "error", err)
			}
			return
		}
		if len(events) == 0 {
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		for _, ev := range events {
			if err := writeSSE(w, ev); err != nil {
				return
			}
			cursor = ev.ID
			if ev.Kind == stream.KindDone {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}
}

// writeSSE writes one event frame: id, event name and JSON data.
func writeSSE(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
	return err
}

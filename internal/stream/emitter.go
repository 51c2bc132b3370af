package stream

import (
	"context"
	"log/slog"
)

// Emitter appends to a single agent's stream on a best-effort basis: append
// failures are logged and never returned, so progress reporting cannot fail
// the work it describes.
type Emitter struct {
	stream  Stream
	agentID int64
	logger  *slog.Logger
}

// NewEmitter binds s to agentID.
func NewEmitter(s Stream, agentID int64, logger *slog.Logger) *Emitter {
	return &Emitter{stream: s, agentID: agentID, logger: logger}
}

// AgentID returns the agent this emitter writes to.
func (e *Emitter) AgentID() int64 { return e.agentID }

// Status appends a status event and returns its id, or "" on failure.
func (e *Emitter) Status(ctx context.Context, phase, step, detail string, extra map[string]string) string {
	return e.emit(ctx, Status(phase, step, detail, extra))
}

// Error appends an error event.
func (e *Emitter) Error(ctx context.Context, code, message, step string) string {
	return e.emit(ctx, Error(code, message, step))
}

// Done appends the done marker.
func (e *Emitter) Done(ctx context.Context, reason string) string {
	return e.emit(ctx, Done(reason))
}

func (e *Emitter) emit(ctx context.Context, ev Event) string {
	id, err := e.stream.Emit(ctx, e.agentID, ev)
	if err != nil {
		e.logger.Warn("stream: emit failed",
			"agent_id", e.agentID, "event", ev.Kind, "step", ev.Step, "error", err)
		return ""
	}
	return id
}

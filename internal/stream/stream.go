// Package stream implements the per-agent, append-only status event log.
//
// Every agent has one ordered stream. Producers (runner, providers, tools)
// append status, error and done events; any number of readers consume from a
// cursor with replay. Ordering is strict within an agent and undefined across
// agents. Retention is bounded per agent; old entries are trimmed
// approximately.
//
// Two implementations share the same id format ("<unix ms>-<seq>"):
// RedisStream for deployments, MemoryStream for tests and single-process dev.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor sentinels accepted by Read.
const (
	// FromStart replays every retained event.
	FromStart = "0"
	// Tail skips history and returns only events appended after the read begins.
	Tail = "$"
)

// DefaultMaxLen is the approximate number of events retained per agent.
const DefaultMaxLen = 5000

// Kind discriminates the three event shapes.
type Kind string

const (
	KindStatus Kind = "status"
	KindError  Kind = "error"
	KindDone   Kind = "done"
)

// Reserved extra keys attached to tool-call status events.
const (
	ToolStepPrefix  = "tool_"
	ExtraArgs       = "args"
	ExtraDurationMs = "duration_ms"
)

// Event is one entry in an agent's stream. ID is assigned on append.
// Status events use Phase/Step/Detail, error events Code/Message/Step, done
// events Reason. Extra carries producer-specific string fields.
type Event struct {
	ID        string
	Kind      Kind
	Phase     string
	Step      string
	Detail    string
	Code      string
	Message   string
	Reason    string
	Timestamp time.Time
	Extra     map[string]string
}

// Stream is the per-agent event log.
type Stream interface {
	// Emit appends ev to the agent's stream and returns its assigned id.
	Emit(ctx context.Context, agentID int64, ev Event) (string, error)

	// Read returns events after cursor, blocking up to block for at least one
	// to arrive. An empty result with nil error means the wait timed out.
	// cursor may be FromStart, Tail or a previously returned id.
	Read(ctx context.Context, agentID int64, cursor string, block time.Duration) ([]Event, error)

	// Range returns every retained event strictly after the given id without
	// blocking. FromStart returns all retained events.
	Range(ctx context.Context, agentID int64, after string) ([]Event, error)

	// Last returns the id of the newest retained event, or FromStart when the
	// stream is empty. Reading from the returned id is equivalent to Tail but
	// leaves no gap between resolving the cursor and the first read.
	Last(ctx context.Context, agentID int64) (string, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Status builds a status event.
func Status(phase, step, detail string, extra map[string]string) Event {
	return Event{Kind: KindStatus, Phase: phase, Step: step, Detail: detail, Extra: extra}
}

// Error builds an error event.
func Error(code, message, step string) Event {
	return Event{Kind: KindError, Code: code, Message: message, Step: step}
}

// Done builds a done event.
func Done(reason string) Event {
	return Event{Kind: KindDone, Reason: reason}
}

// IsToolCall reports whether ev is a status event emitted around a tool call.
func (ev Event) IsToolCall() bool {
	return ev.Kind == KindStatus && strings.HasPrefix(ev.Step, ToolStepPrefix)
}

var reservedFields = map[string]bool{
	"id": true, "event": true, "phase": true, "step": true, "detail": true,
	"code": true, "message": true, "reason": true, "ts": true,
}

// Fields flattens ev into the field map stored per entry. Extra keys that
// collide with reserved names are dropped.
func (ev Event) Fields() map[string]string {
	f := map[string]string{"event": string(ev.Kind)}
	set := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	set("phase", ev.Phase)
	set("step", ev.Step)
	set("detail", ev.Detail)
	set("code", ev.Code)
	set("message", ev.Message)
	set("reason", ev.Reason)
	if !ev.Timestamp.IsZero() {
		f["ts"] = strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)
	}
	for k, v := range ev.Extra {
		if !reservedFields[k] {
			f[k] = v
		}
	}
	return f
}

// eventFromFields is the inverse of Fields.
func eventFromFields(id string, f map[string]string) Event {
	ev := Event{
		ID:      id,
		Kind:    Kind(f["event"]),
		Phase:   f["phase"],
		Step:    f["step"],
		Detail:  f["detail"],
		Code:    f["code"],
		Message: f["message"],
		Reason:  f["reason"],
	}
	if ms, err := strconv.ParseInt(f["ts"], 10, 64); err == nil {
		ev.Timestamp = time.UnixMilli(ms).UTC()
	}
	for k, v := range f {
		if reservedFields[k] {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]string)
		}
		ev.Extra[k] = v
	}
	return ev
}

// MarshalJSON renders the flattened field map plus the id, which is the
// payload shape SSE clients receive.
func (ev Event) MarshalJSON() ([]byte, error) {
	f := ev.Fields()
	if ev.ID != "" {
		f["id"] = ev.ID
	}
	return json.Marshal(f)
}

// entryID is a parsed "<ms>-<seq>" stream id.
type entryID struct {
	ms  int64
	seq int64
}

func parseID(s string) (entryID, error) {
	msPart, seqPart, ok := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("stream: invalid id %q", s)
	}
	var seq int64
	if ok {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return entryID{}, fmt.Errorf("stream: invalid id %q", s)
		}
	}
	return entryID{ms: ms, seq: seq}, nil
}

func (id entryID) String() string {
	return strconv.FormatInt(id.ms, 10) + "-" + strconv.FormatInt(id.seq, 10)
}

func (id entryID) after(o entryID) bool {
	return id.ms > o.ms || (id.ms == o.ms && id.seq > o.seq)
}

// CompareIDs orders two stream ids. It returns -1, 0 or 1.
func CompareIDs(a, b string) (int, error) {
	ia, err := parseID(a)
	if err != nil {
		return 0, err
	}
	ib, err := parseID(b)
	if err != nil {
		return 0, err
	}
	switch {
	case ia.after(ib):
		return 1, nil
	case ib.after(ia):
		return -1, nil
	default:
		return 0, nil
	}
}

package stream

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTTL is how long MemoryStream keeps the log of an agent that
// has neither new events nor blocked readers.
const DefaultIdleTTL = time.Hour

// MemoryStream is an in-process Stream with the same id format and cursor
// semantics as RedisStream. Trimming is exact rather than approximate. It is
// meant for tests and single-process development: idle agent logs are
// dropped after the idle TTL, so history does not survive that long.
type MemoryStream struct {
	mu        sync.Mutex
	maxLen    int
	idleTTL   time.Duration
	logs      map[int64]*memLog
	lastSweep time.Time
	now       func() time.Time
}

type memLog struct {
	last    entryID
	entries []memEntry
	touched time.Time
	readers int
	// wake is closed and replaced on every append so blocked readers can
	// select on it alongside their timeout.
	wake chan struct{}
}

type memEntry struct {
	id entryID
	ev Event
}

// MemoryOption configures a MemoryStream.
type MemoryOption func(*MemoryStream)

// WithIdleTTL overrides DefaultIdleTTL.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStream) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// NewMemoryStream creates an empty in-process stream.
func NewMemoryStream(maxLen int, opts ...MemoryOption) *MemoryStream {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	s := &MemoryStream{maxLen: maxLen, idleTTL: DefaultIdleTTL, logs: make(map[int64]*memLog), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep = s.now()
	return s
}

// Len reports how many agent logs are retained.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func (s *MemoryStream) log(agentID int64) *memLog {
	l, ok := s.logs[agentID]
	if !ok {
		l = &memLog{wake: make(chan struct{}), touched: s.now()}
		s.logs[agentID] = l
	}
	return l
}

// sweepLocked drops logs idle for longer than the TTL. It runs at most once
// per TTL interval.
func (s *MemoryStream) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.idleTTL {
		return
	}
	s.lastSweep = now
	for id, l := range s.logs {
		if l.readers == 0 && now.Sub(l.touched) > s.idleTTL {
			delete(s.logs, id)
		}
	}
}

// Emit appends ev and wakes blocked readers of the agent.
func (s *MemoryStream) Emit(_ context.Context, agentID int64, ev Event) (string, error) {
	now := s.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)
	l := s.log(agentID)
	l.touched = now
	id := entryID{ms: now.UnixMilli()}
	if id.ms <= l.last.ms {
		id = entryID{ms: l.last.ms, seq: l.last.seq + 1}
	}
	l.last = id
	ev.ID = id.String()
	// Round-trip through the flattened form so Extra collisions behave the
	// same as in Redis.
	ev = eventFromFields(ev.ID, ev.Fields())
	l.entries = append(l.entries, memEntry{id: id, ev: ev})
	if over := len(l.entries) - s.maxLen; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	close(l.wake)
	l.wake = make(chan struct{})
	return ev.ID, nil
}

// Read returns events after cursor, waiting up to block for new ones.
func (s *MemoryStream) Read(ctx context.Context, agentID int64, cursor string, block time.Duration) ([]Event, error) {
	s.mu.Lock()
	l := s.log(agentID)
	l.readers++
	defer s.release(agentID, l)
	var after entryID
	switch cursor {
	case "", FromStart:
	case Tail:
		after = l.last
	default:
		id, err := parseID(cursor)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		after = id
	}
	s.mu.Unlock()

	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		events := l.after(after)
		wake := l.wake
		s.mu.Unlock()

		if len(events) > 0 || deadline == nil {
			return events, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

// Range returns retained events strictly after the given id.
func (s *MemoryStream) Range(_ context.Context, agentID int64, after string) ([]Event, error) {
	var from entryID
	if after != "" && after != FromStart {
		id, err := parseID(after)
		if err != nil {
			return nil, err
		}
		from = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[agentID]
	if !ok {
		return nil, nil
	}
	return l.after(from), nil
}

// Last returns the newest retained id or FromStart.
func (s *MemoryStream) Last(_ context.Context, agentID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[agentID]
	if !ok || len(l.entries) == 0 {
		return FromStart, nil
	}
	return l.entries[len(l.entries)-1].id.String(), nil
}

// Ping always succeeds.
func (s *MemoryStream) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStream) Close() error { return nil }

// release ends a read. A log that a reader created and nobody wrote to is
// dropped straight away.
func (s *MemoryStream) release(agentID int64, l *memLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.readers--
	if l.readers == 0 && len(l.entries) == 0 && s.logs[agentID] == l {
		delete(s.logs, agentID)
	}
}

func (l *memLog) after(id entryID) []Event {
	var out []Event
	for _, e := range l.entries {
		if e.id.after(id) {
			out = append(out, e.ev)
		}
	}
	return out
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream stores each agent's events in a Redis Stream, trimmed with
// XADD MAXLEN ~ on every append.
type RedisStream struct {
	client redis.UniversalClient
	maxLen int64
	owned  bool
}

// NewRedisStream connects to the Redis server at url (redis:// or rediss://).
func NewRedisStream(url string, maxLen int64) (*RedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stream: parse redis url: %w", err)
	}
	s := NewRedisStreamWithClient(redis.NewClient(opts), maxLen)
	s.owned = true
	return s, nil
}

// NewRedisStreamWithClient wraps an existing client. Close does not close a
// client supplied this way.
func NewRedisStreamWithClient(client redis.UniversalClient, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisStream{client: client, maxLen: maxLen}
}

// Key returns the Redis key holding an agent's stream.
func Key(agentID int64) string {
	return "codee:agent:" + strconv.FormatInt(agentID, 10) + ":events"
}

// Emit appends ev with XADD.
func (s *RedisStream) Emit(ctx context.Context, agentID int64, ev Event) (string, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	fields := ev.Fields()
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Key(agentID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd agent %d: %w", agentID, err)
	}
	return id, nil
}

// Read performs XREAD with BLOCK. A non-positive block reads without waiting.
func (s *RedisStream) Read(ctx context.Context, agentID int64, cursor string, block time.Duration) ([]Event, error) {
	if cursor == "" {
		cursor = FromStart
	}
	args := &redis.XReadArgs{
		Streams: []string{Key(agentID), cursor},
		Count:   100,
		Block:   -1,
	}
	if block > 0 {
		args.Block = block
	}
	res, err := s.client.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("stream: xread agent %d: %w", agentID, err)
	}
	var out []Event
	for _, st := range res {
		out = append(out, decodeMessages(st.Messages)...)
	}
	return out, nil
}

// Range performs XRANGE from the exclusive start id to the end.
func (s *RedisStream) Range(ctx context.Context, agentID int64, after string) ([]Event, error) {
	start := "-"
	if after != "" && after != FromStart {
		start = "(" + after
	}
	msgs, err := s.client.XRange(ctx, Key(agentID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("stream: xrange agent %d: %w", agentID, err)
	}
	return decodeMessages(msgs), nil
}

// Last returns the newest id via XREVRANGE COUNT 1.
func (s *RedisStream) Last(ctx context.Context, agentID int64) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, Key(agentID), "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xrevrange agent %d: %w", agentID, err)
	}
	if len(msgs) == 0 {
		return FromStart, nil
	}
	return msgs[0].ID, nil
}

// Ping checks the Redis connection.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client if this stream created it.
func (s *RedisStream) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeMessages(msgs []redis.XMessage) []Event {
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch tv := v.(type) {
			case string:
				fields[k] = tv
			default:
				fields[k] = fmt.Sprint(tv)
			}
		}
		out = append(out, eventFromFields(m.ID, fields))
	}
	return out
}

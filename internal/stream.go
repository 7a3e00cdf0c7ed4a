package internal

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamEntry is one element of the capped telemetry stream.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// Stream is the capped append-only stream between ingestion and the batch
// persister. Appends are best-effort fire-and-forget from the caller's view;
// reads go through a consumer group so multiple orchestrator instances can
// share the backlog.
type Stream interface {
	Append(ctx context.Context, values map[string]interface{}) error
	// ReadBatch claims entries that sat unacknowledged too long and reads
	// fresh ones, up to count in total.
	ReadBatch(ctx context.Context, consumer string, count int64) ([]StreamEntry, error)
	Ack(ctx context.Context, ids ...string) error
}

const (
	streamMaxLen          = 500000
	streamGroup           = "store_data"
	pendingClaimMinIdleMs = 20000
)

// RedisStream is the production Stream on top of redis streams.
type RedisStream struct {
	rdb  *redis.Client
	name string
}

func NewRedisStream(rdb *redis.Client, name string) *RedisStream {
	return &RedisStream{rdb: rdb, name: name}
}

func (s *RedisStream) Append(ctx context.Context, values map[string]interface{}) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (s *RedisStream) ReadBatch(ctx context.Context, consumer string, count int64) ([]StreamEntry, error) {
	// Group creation is idempotent, BUSYGROUP just means it already exists.
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, streamGroup, "0-0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, err
	}

	claimed, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.name,
		Group:    streamGroup,
		Consumer: consumer,
		MinIdle:  pendingClaimMinIdleMs * time.Millisecond,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    streamGroup,
		Consumer: consumer,
		Streams:  []string{s.name, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	var entries []StreamEntry
	for _, msg := range claimed {
		entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
	}
	for _, str := range streams {
		for _, msg := range str.Messages {
			entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

func (s *RedisStream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XAck(ctx, s.name, streamGroup, ids...).Err()
}

// MemoryStream is the test Stream, a bounded in-process ring buffer.
type MemoryStream struct {
	mu      sync.Mutex
	entries []StreamEntry
	nextID  int64
	maxLen  int
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{maxLen: streamMaxLen}
}

func (s *MemoryStream) Append(_ context.Context, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, StreamEntry{ID: strconv.FormatInt(s.nextID, 10), Values: values})
	if len(s.entries) > s.maxLen {
		s.entries = s.entries[len(s.entries)-s.maxLen:]
	}
	return nil
}

func (s *MemoryStream) ReadBatch(_ context.Context, _ string, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.entries))
	if n > count {
		n = count
	}
	out := make([]StreamEntry, n)
	copy(out, s.entries[:n])
	return out, nil
}

func (s *MemoryStream) Ack(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !acked[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

// Len returns the number of unacknowledged entries, for tests.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

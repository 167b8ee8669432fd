// Package redisqueue implements engine.TaskQueue on a Redis sorted set.
//
// Entries are scored by their due time in milliseconds. Due pops entries
// with a Lua script so concurrent re-attempters never receive the same task.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// DefaultKey is the sorted set used when Config.Key is empty.
const DefaultKey = "provisio:propagation:queue"

var _ engine.TaskQueue = (*Queue)(nil)

// popDue removes and returns up to ARGV[2] members scored at or below ARGV[1].
var popDue = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #members > 0 then
	redis.call('ZREM', KEYS[1], unpack(members))
end
return members
`)

// Config configures a Queue.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL string

	// Key is the sorted set holding the queue.
	Key string

	Logger *zerolog.Logger
}

// Queue is a Redis backed task queue.
type Queue struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

type entry struct {
	ID       string                  `json:"id"`
	Attempts int                     `json:"attempts"`
	Task     *engine.PropagationTask `json:"task"`
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.URL == "" {
		return nil, engine.NewConfigurationError("redis queue needs a URL", nil)
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid redis URL", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	q := NewWithClient(client, cfg.Key, cfg.Logger)
	q.logger.Info().Str("addr", opts.Addr).Str("key", q.key).Msg("Redis queue ready")
	return q, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key string, logger *zerolog.Logger) *Queue {
	if key == "" {
		key = DefaultKey
	}
	l := telemetry.ComponentLogger("redis-queue")
	if logger != nil {
		l = logger.With().Str("component", "redis-queue").Logger()
	}
	return &Queue{client: client, key: key, logger: l}
}

// Enqueue implements engine.TaskQueue.
func (q *Queue) Enqueue(ctx context.Context, task *engine.PropagationTask, attempts int, notBefore time.Time) error {
	data, err := json.Marshal(entry{ID: uuid.New().String(), Attempts: attempts, Task: task})
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(notBefore.UnixMilli()), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID(), err)
	}
	q.logger.Debug().Str("task_id", task.ID()).Int("attempts", attempts).Time("not_before", notBefore).Msg("Task queued")
	return nil
}

// Due implements engine.TaskQueue. Entries that cannot be decoded are
// dropped and logged.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]engine.QueuedTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := popDue.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop due tasks: %w", err)
	}

	out := make([]engine.QueuedTask, 0, len(members))
	for _, m := range members {
		var e entry
		if err := json.Unmarshal([]byte(m), &e); err != nil || e.Task == nil {
			q.logger.Error().Err(err).Str("entry", truncate(m, 120)).Msg("Dropping undecodable queue entry")
			continue
		}
		out = append(out, engine.QueuedTask{Task: e.Task, Attempts: e.Attempts})
	}
	// Scores are not returned by the script; the due time is at most now.
	for i := range out {
		out[i].NotBefore = now
	}
	return out, nil
}

// Len implements engine.TaskQueue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

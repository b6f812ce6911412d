package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream records are appended to.
const DefaultStream = "steward:knowledge"

// DefaultStreamMaxLen bounds the stream length (approximate trimming).
const DefaultStreamMaxLen = 10000

// RedisSink appends records to a Redis stream with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	owned  bool
}

var _ Sink = (*RedisSink)(nil)

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	// URL is a redis:// URL. When empty, Addr/Password/DB are used.
	URL      string
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, o RedisOptions) (*RedisSink, error) {
	var opts *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}

	s := NewRedisSinkFromClient(client, o.Stream, o.MaxLen)
	s.owned = true
	return s, nil
}

// NewRedisSinkFromClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisSinkFromClient(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Write appends r to the stream.
func (s *RedisSink) Write(ctx context.Context, r Record) error {
	values, err := streamValues(r)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}
	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Stream returns the stream key.
func (s *RedisSink) Stream() string { return s.stream }

// Close closes the client when the sink created it.
func (s *RedisSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// streamValues flattens r into stream fields. The full record is also
// carried as JSON under "data" for consumers that want it whole.
func streamValues(r Record) (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode knowledge record: %w", err)
	}
	return map[string]interface{}{
		"id":         r.ID,
		"kind":       string(r.Kind),
		"project_id": r.ProjectID,
		"task_id":    r.TaskID,
		"condition":  r.Condition,
		"action":     r.Action,
		"outcome":    r.Outcome,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"data":       string(data),
	}, nil
}

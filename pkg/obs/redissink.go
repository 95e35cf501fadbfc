package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/speckit/batchorch/pkg/eventbus"
	"github.com/speckit/batchorch/pkg/logger"
)

// RedisSink publishes a JSON projection of every telemetry event to a
// Redis Pub/Sub channel so that out-of-process tooling (a run dashboard,
// the .sce/auto/ artifact consumers named in spec.md §6) can observe a
// run without participating in its scheduling decisions. This is
// carried from the teacher's use of github.com/go-redis/redis/v8 in its
// service registry, repointed at plain fan-out instead of coordination.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     logger.Logger
}

// NewRedisSink connects to redisURL and returns a sink publishing to
// channel. The connection is verified with a short ping.
func NewRedisSink(redisURL, channel string, log logger.Logger) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("obs: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("obs: redis ping: %w", err)
	}

	if log == nil {
		log = logger.NewSimpleLogger()
	}
	return &RedisSink{client: client, channel: channel, log: log}, nil
}

// Forward publishes evt to the configured channel. Failures are logged,
// never propagated — telemetry fan-out is best-effort per spec.md §7.
func (s *RedisSink) Forward(evt eventbus.Event) {
	payload := map[string]interface{}{
		"topic":   evt.Topic,
		"at":      evt.At.Format(time.RFC3339Nano),
		"payload": evt.Payload,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("obs: marshal telemetry event failed", "topic", evt.Topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		s.log.Warn("obs: publish telemetry event failed", "topic", evt.Topic, "error", err)
	}
}

// Close releases the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

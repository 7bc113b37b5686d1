package outbox

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamPublisher delivers outbox events onto Redis streams, one stream per
// topic. Consumers read with consumer groups; the idempotency_key header lets
// them dedup across redeliveries.
type StreamPublisher struct {
	rdb    redis.UniversalClient
	maxLen int64
}

// NewStreamPublisher creates a publisher writing to capped streams.
func NewStreamPublisher(rdb redis.UniversalClient, maxLen int64) *StreamPublisher {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &StreamPublisher{rdb: rdb, maxLen: maxLen}
}

// Publish implements EventPublisher.
func (p *StreamPublisher) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	values := map[string]interface{}{
		"key":     key,
		"payload": payload,
	}
	for k, v := range headers {
		values["h:"+k] = v
	}

	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "events:" + topic,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", topic, err)
	}
	return nil
}

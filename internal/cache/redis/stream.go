package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sugawarayuuta/sonnet"

	"github.com/nexus-trading/heaven-engine/internal/bus"
	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// streamMaxLen caps the stream with approximate trimming.
const streamMaxLen = 10000

// StreamProducer appends bus messages to a single Redis stream. The topic
// travels as a field so consumers can filter.
type StreamProducer struct {
	rdb    *redis.Client
	stream string
}

var _ bus.Producer = (*StreamProducer)(nil)

func NewStreamProducer(c *Client, stream string) *StreamProducer {
	return &StreamProducer{rdb: c.Underlying(), stream: stream}
}

func streamValues(msg bus.Message) map[string]any {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	v := map[string]any{
		"topic":   msg.Topic,
		"key":     msg.Key,
		"payload": string(msg.Value),
		"ts":      ts.UTC().Format(time.RFC3339Nano),
	}
	for k, h := range msg.Headers {
		v["h_"+k] = h
	}
	return v
}

func (p *StreamProducer) Publish(ctx context.Context, msg bus.Message) error {
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: streamValues(msg),
	}).Err()
	if err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "redis: xadd "+p.stream)
	}
	return nil
}

func (p *StreamProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := sonnet.Marshal(value)
	if err != nil {
		return errs.WrapErr(errs.ErrInternal, err, "redis: marshal")
	}
	return p.Publish(ctx, bus.Message{Topic: topic, Key: key, Value: data})
}

// Close is a no-op; the Client owns the connection.
func (p *StreamProducer) Close() {}

// Package bus publishes engine events (trades, bundle results, audit
// records) to Kafka, a Redis stream, or an in-memory stub.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// Message is one record on the bus.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes messages. Implementations: KafkaProducer,
// redis.StreamProducer, StubProducer.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	PublishJSON(ctx context.Context, topic, key string, value any) error
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID string
	linger     time.Duration
}

// WithInstanceID sets the client id and the producer header.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithLinger sets how long records wait for batching.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// KafkaProducer is the franz-go backed producer.
type KafkaProducer struct {
	client     *kgo.Client
	instanceID string

	mu     sync.RWMutex
	closed bool
}

// NewKafkaProducer connects to brokers. Records are snappy-compressed and
// acknowledged by all in-sync replicas.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{instanceID: "heaven-engine", linger: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
	)
	if err != nil {
		return nil, errs.WrapErr(errs.ErrConfig, err, "kafka: create client")
	}

	log.Info().Strs("brokers", brokers).Str("instance_id", cfg.instanceID).Msg("bus: kafka producer created")
	return &KafkaProducer{client: client, instanceID: cfg.instanceID}, nil
}

// toRecord adds the producer and event_id headers unless already set.
func (p *KafkaProducer) toRecord(msg Message) *kgo.Record {
	headers := map[string]string{"producer": p.instanceID, "event_id": uuid.NewString()}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	recHeaders := make([]kgo.RecordHeader, 0, len(headers))
	for k, v := range headers {
		recHeaders = append(recHeaders, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   recHeaders,
		Timestamp: ts,
	}
}

// Publish sends msg and waits for the broker acknowledgement.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errs.Wrap(errs.ErrInternal, "kafka: producer is closed")
	}

	results := p.client.ProduceSync(ctx, p.toRecord(msg))
	if err := results.FirstErr(); err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "kafka: publish to "+msg.Topic)
	}
	r := results[0].Record
	log.Debug().Str("topic", r.Topic).Int32("partition", r.Partition).Int64("offset", r.Offset).Msg("bus: published")
	return nil
}

func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := sonnet.Marshal(value)
	if err != nil {
		return errs.WrapErr(errs.ErrInternal, err, "kafka: marshal")
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

// Close flushes buffered records and shuts the client down.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("bus: kafka flush on close failed")
	}
	p.client.Close()
	log.Info().Msg("bus: kafka producer closed")
}

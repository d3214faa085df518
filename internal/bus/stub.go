package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
)

// StubProducer keeps published messages in memory. Used when no broker is
// configured and in tests.
type StubProducer struct {
	mu       sync.Mutex
	messages []Message
}

func NewStubProducer() *StubProducer {
	return &StubProducer{}
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
	log.Debug().Str("topic", msg.Topic).Int("bytes", len(msg.Value)).Msg("bus: stub publish")
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := sonnet.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *StubProducer) Close() {}

// Messages returns what was published on topic, or everything when topic
// is empty.
func (p *StubProducer) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

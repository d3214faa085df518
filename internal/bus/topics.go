package bus

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Topics names the engine's streams under a common prefix.
type Topics struct {
	Trades  string
	Bundles string
	Audit   string
}

func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = "heaven"
	}
	return Topics{
		Trades:  prefix + ".trades",
		Bundles: prefix + ".bundles",
		Audit:   prefix + ".audit",
	}
}

// Envelope wraps every published event.
type Envelope struct {
	Type     string    `json:"type"`
	Instance string    `json:"instance"`
	Time     time.Time `json:"ts"`
	Payload  any       `json:"payload"`
}

// Publisher stamps events with the instance id and publishes them without
// failing the caller; a bus outage is logged, never propagated.
type Publisher struct {
	producer Producer
	topics   Topics
	instance string
}

func NewPublisher(p Producer, topics Topics, instance string) *Publisher {
	return &Publisher{producer: p, topics: topics, instance: instance}
}

func (p *Publisher) Topics() Topics { return p.topics }

// Emit publishes payload on topic keyed by key.
func (p *Publisher) Emit(ctx context.Context, topic, key, eventType string, payload any) {
	if p == nil || p.producer == nil {
		return
	}
	env := Envelope{Type: eventType, Instance: p.instance, Time: time.Now().UTC(), Payload: payload}
	if err := p.producer.PublishJSON(ctx, topic, key, env); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("type", eventType).Msg("bus: publish failed")
	}
}

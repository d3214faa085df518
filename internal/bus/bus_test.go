package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopics(t *testing.T) {
	tp := NewTopics("prod")
	assert.Equal(t, "prod.trades", tp.Trades)
	assert.Equal(t, "prod.bundles", tp.Bundles)
	assert.Equal(t, "prod.audit", tp.Audit)
	assert.Equal(t, "heaven.audit", NewTopics("").Audit)
}

func TestPublisher_WrapsInEnvelope(t *testing.T) {
	stub := NewStubProducer()
	pub := NewPublisher(stub, NewTopics("t"), "heaven-1")

	pub.Emit(context.Background(), pub.Topics().Trades, "mintA", "snipe_opened", map[string]string{"id": "p1"})

	msgs := stub.Messages("t.trades")
	require.Len(t, msgs, 1)
	assert.Equal(t, "mintA", msgs[0].Key)

	var env struct {
		Type     string            `json:"type"`
		Instance string            `json:"instance"`
		Payload  map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &env))
	assert.Equal(t, "snipe_opened", env.Type)
	assert.Equal(t, "heaven-1", env.Instance)
	assert.Equal(t, "p1", env.Payload["id"])
}

type failingProducer struct{ StubProducer }

func (f *failingProducer) PublishJSON(context.Context, string, string, any) error {
	return errors.New("broker down")
}

func TestPublisher_SwallowsErrors(t *testing.T) {
	pub := NewPublisher(&failingProducer{}, NewTopics(""), "x")
	assert.NotPanics(t, func() {
		pub.Emit(context.Background(), "heaven.audit", "", "e", nil)
	})

	var nilPub *Publisher
	assert.NotPanics(t, func() {
		nilPub.Emit(context.Background(), "heaven.audit", "", "e", nil)
	})
}

func TestKafkaProducer_RecordHeaders(t *testing.T) {
	p := &KafkaProducer{instanceID: "heaven-1"}
	rec := p.toRecord(Message{Topic: "t", Key: "k", Value: []byte("v"), Headers: map[string]string{"event_id": "fixed"}})

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "fixed", headers["event_id"])
	assert.Equal(t, "heaven-1", headers["producer"])
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, []byte("k"), rec.Key)
}

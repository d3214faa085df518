// Package audit keeps an append-only record of position state changes and
// bundle outcomes. Entries are buffered in memory for the status endpoint
// and published to the audit topic.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"

	"github.com/nexus-trading/heaven-engine/internal/bus"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// Entry event types.
const (
	EventPositionOpened     = "position_opened"
	EventPositionTransition = "position_transition"
	EventPositionClosed     = "position_closed"
	EventTrade              = "trade"
	EventBundleResult       = "bundle_result"
)

// Entry is one audited action.
type Entry struct {
	TraceID   string    `json:"trace_id"` // position id or bundle id
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind,omitempty"` // snipe | copy
	Mint      string    `json:"mint,omitempty"`
	Decision  string    `json:"decision,omitempty"` // "from->to" for transitions
	Payload   string    `json:"payload"`
}

// Trail buffers up to maxBuf entries (oldest evicted first) and publishes
// every entry on topic.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	topic    string
	entries  []Entry
	maxBuf   int
	now      func() time.Time
}

// NewTrail creates a trail. producer may be nil; maxBuf 0 disables the
// in-memory buffer.
func NewTrail(producer bus.Producer, topic string, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		topic:    topic,
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
		now:      time.Now,
	}
}

func (t *Trail) RecordOpened(id, kind, mint string, pos any) {
	t.record(Entry{TraceID: id, EventType: EventPositionOpened, Kind: kind, Mint: mint, Payload: mustMarshal(pos)})
}

// RecordTransition logs a position moving between states.
func (t *Trail) RecordTransition(id, kind, mint, from, to string) {
	t.record(Entry{
		TraceID:   id,
		EventType: EventPositionTransition,
		Kind:      kind,
		Mint:      mint,
		Decision:  from + "->" + to,
		Payload:   "{}",
	})
}

func (t *Trail) RecordClosed(id, kind, mint string, pos any) {
	t.record(Entry{TraceID: id, EventType: EventPositionClosed, Kind: kind, Mint: mint, Payload: mustMarshal(pos)})
}

func (t *Trail) RecordTrade(tr store.Trade) {
	t.record(Entry{TraceID: tr.ID, EventType: EventTrade, Mint: tr.Mint, Decision: tr.Status, Payload: mustMarshal(tr)})
}

func (t *Trail) RecordBundleResult(r store.BundleResult) {
	decision := "failed"
	if r.Success {
		decision = "confirmed"
	}
	t.record(Entry{TraceID: r.BundleID, EventType: EventBundleResult, Decision: decision, Payload: mustMarshal(r)})
}

// Query returns buffered entries for traceID.
func (t *Trail) Query(traceID string) []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of the buffer.
func (t *Trail) Entries() []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Trail) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(e Entry) {
	if t == nil {
		return
	}
	t.mu.Lock()
	e.Timestamp = t.now()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = e
		} else {
			t.entries = append(t.entries, e)
		}
	}
	t.mu.Unlock()

	if t.producer == nil {
		return
	}
	key := e.TraceID
	if key == "" {
		key = e.EventType
	}
	if err := t.producer.PublishJSON(context.Background(), t.topic, key, e); err != nil {
		log.Error().Err(err).Str("event_type", e.EventType).Str("trace_id", e.TraceID).Msg("audit: publish failed")
	}
}

func mustMarshal(v any) string {
	data, err := sonnet.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload")
		return "{}"
	}
	return string(data)
}

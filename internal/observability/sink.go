package observability

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// EventKind selects which collector an Event updates.
type EventKind int

const (
	EventSnipe EventKind = iota
	EventSnipeSale
	EventCopyTrade
	EventBundle
	EventHealthCheck
	EventError
	EventBalance
	EventBundleGauges
	EventActivePositions
	EventAlert
)

// Event is one fire-and-forget metric update.
type Event struct {
	Kind      EventKind
	Label     string // outcome, kind or position kind depending on Kind
	Component string
	Value     float64
	// EventBundleGauges only
	Pending, Active, History int
	// EventAlert only
	Alert Alert
}

// Notifier delivers alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, level, component, message string) error
}

// Sink decouples hot paths from metric and alert delivery. Emit never
// blocks; events that do not fit in the buffer are counted and dropped.
type Sink struct {
	metrics  *Metrics
	notifier Notifier
	ch       chan Event
	dropped  atomic.Int64
}

// NewSink creates a sink with the given buffer size. notifier may be nil.
func NewSink(m *Metrics, notifier Notifier, size int) *Sink {
	if size <= 0 {
		size = 1024
	}
	return &Sink{metrics: m, notifier: notifier, ch: make(chan Event, size)}
}

// Emit queues ev without blocking. Safe on a nil sink.
func (s *Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.SinkDropped.Inc()
		}
	}
}

// Dropped is the number of events lost to a full buffer.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Run applies queued events until ctx is cancelled, then drains what is
// already buffered.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.ch:
			s.apply(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.ch:
					s.apply(context.Background(), ev)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Sink) apply(ctx context.Context, ev Event) {
	if ev.Kind == EventAlert {
		s.deliver(ctx, ev.Alert)
		return
	}
	m := s.metrics
	if m == nil {
		return
	}
	switch ev.Kind {
	case EventSnipe:
		m.Snipes.WithLabelValues(ev.Label).Inc()
		if ev.Label == OutcomeSuccess && ev.Value > 0 {
			m.TradeAmountSOL.WithLabelValues("snipe").Observe(ev.Value)
		}
	case EventSnipeSale:
		m.SnipeSales.Inc()
	case EventCopyTrade:
		m.CopyTrades.WithLabelValues(ev.Label).Inc()
		if ev.Label == OutcomeSuccess && ev.Value > 0 {
			m.TradeAmountSOL.WithLabelValues("copy").Observe(ev.Value)
		}
	case EventBundle:
		m.Bundles.WithLabelValues(ev.Label).Inc()
		if ev.Label == OutcomeSubmitted {
			m.BundleSize.Observe(ev.Value)
		}
	case EventHealthCheck:
		m.HealthChecks.WithLabelValues(ev.Label).Inc()
	case EventError:
		m.Errors.WithLabelValues(ev.Component, ev.Label).Inc()
	case EventBalance:
		m.SOLBalance.Set(ev.Value)
	case EventBundleGauges:
		m.PendingBundles.Set(float64(ev.Pending))
		m.ActiveBundles.Set(float64(ev.Active))
		m.BundleHistory.Set(float64(ev.History))
	case EventActivePositions:
		m.ActivePositions.WithLabelValues(ev.Label).Set(ev.Value)
	}
}

func (s *Sink) deliver(ctx context.Context, a Alert) {
	log.Warn().
		Str("level", a.Level).
		Str("component", a.Component).
		Str("message", a.Message).
		Msg("observability: alert")
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, a.Level, a.Component, a.Message); err != nil {
		log.Warn().Err(err).Str("component", a.Component).Msg("observability: alert delivery failed")
	}
}

// Helpers for the common events.

func (s *Sink) Snipe(outcome string, amountSOL float64) {
	s.Emit(Event{Kind: EventSnipe, Label: outcome, Value: amountSOL})
}

func (s *Sink) SnipeSale() {
	s.Emit(Event{Kind: EventSnipeSale})
}

func (s *Sink) CopyTrade(outcome string, amountSOL float64) {
	s.Emit(Event{Kind: EventCopyTrade, Label: outcome, Value: amountSOL})
}

func (s *Sink) Bundle(outcome string, size int) {
	s.Emit(Event{Kind: EventBundle, Label: outcome, Value: float64(size)})
}

func (s *Sink) HealthCheck(ok bool) {
	label := OutcomeSuccess
	if !ok {
		label = OutcomeFailed
	}
	s.Emit(Event{Kind: EventHealthCheck, Label: label})
}

// Error counts err under its errs.Kind label.
func (s *Sink) Error(component string, err error) {
	if err == nil {
		return
	}
	s.Emit(Event{Kind: EventError, Component: component, Label: errs.Kind(err)})
}

func (s *Sink) Balance(sol float64) {
	s.Emit(Event{Kind: EventBalance, Value: sol})
}

func (s *Sink) BundleGauges(pending, active, history int) {
	s.Emit(Event{Kind: EventBundleGauges, Pending: pending, Active: active, History: history})
}

func (s *Sink) ActivePositions(kind string, n int) {
	s.Emit(Event{Kind: EventActivePositions, Label: kind, Value: float64(n)})
}

func (s *Sink) Alert(level, component, message string) {
	s.Emit(Event{Kind: EventAlert, Alert: Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}})
}

// Package notify fans operator alerts out to the configured channels and
// keeps a bounded history of what was raised.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Levels, lowest first.
const (
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

const maxHistory = 1000

// Alert is one raised notification.
type Alert struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier dispatches alerts at or above a minimum level to every sender.
// A failing sender does not stop delivery to the rest.
type Notifier struct {
	senders  []Sender
	minLevel int

	mu      sync.RWMutex
	history []Alert
}

func NewNotifier(minLevel string, senders ...Sender) *Notifier {
	return &Notifier{senders: senders, minLevel: rank(minLevel)}
}

func rank(level string) int {
	switch level {
	case LevelCritical:
		return 2
	case LevelWarn:
		return 1
	default:
		return 0
	}
}

// Notify records the alert and, when its level passes the filter,
// delivers it.
func (n *Notifier) Notify(ctx context.Context, level, component, message string) error {
	a := Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	n.mu.Lock()
	n.history = append(n.history, a)
	if len(n.history) > maxHistory {
		n.history = n.history[len(n.history)-maxHistory:]
	}
	n.mu.Unlock()

	if rank(level) < n.minLevel {
		log.Debug().Str("level", level).Str("component", component).Msg("notify: below threshold")
		return nil
	}

	var failed []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			log.Warn().Err(err).Str("sender", s.Name()).Msg("notify: sender failed")
			failed = append(failed, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(failed...)
}

// Recent returns the retained alerts, filtered by level when level is
// non-empty, oldest first.
func (n *Notifier) Recent(level string) []Alert {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Alert, 0, len(n.history))
	for _, a := range n.history {
		if level == "" || a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

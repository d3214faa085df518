package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

var (
	// ErrDailyLimit is returned once the daily trade count or loss limit is hit.
	ErrDailyLimit = errors.New("daily limit reached")
	// ErrCapacity is returned when the working set is full.
	ErrCapacity = errors.New("max concurrent trades reached")
)

// DailyLimits caps trades opened per UTC day and stops opening once the
// day's realised PnL falls below -maxLoss.
type DailyLimits struct {
	maxTrades int
	maxLoss   decimal.Decimal
	store     store.Store
	now       func() time.Time

	mu    sync.Mutex
	day   time.Time
	count int
}

// NewDailyLimits creates the limiter. Zero values disable a limit; st may
// be nil, which disables the loss check.
func NewDailyLimits(maxTrades int, maxLoss decimal.Decimal, st store.Store) *DailyLimits {
	return &DailyLimits{maxTrades: maxTrades, maxLoss: maxLoss, store: st, now: time.Now}
}

func (l *DailyLimits) rollover() {
	today := l.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(l.day) {
		l.day = today
		l.count = 0
	}
}

// Allow checks both limits. A store failure is logged and does not block
// trading.
func (l *DailyLimits) Allow(ctx context.Context) error {
	l.mu.Lock()
	l.rollover()
	count := l.count
	l.mu.Unlock()

	if l.maxTrades > 0 && count >= l.maxTrades {
		return errs.WrapErr(errs.ErrValidation, ErrDailyLimit, "trades today")
	}
	if l.store == nil || !l.maxLoss.IsPositive() {
		return nil
	}
	pnl, err := l.store.DailyPnL(ctx, l.now())
	if err != nil {
		log.Warn().Err(err).Msg("position: daily pnl unavailable, loss limit skipped")
		return nil
	}
	if pnl.LessThan(l.maxLoss.Neg()) {
		return errs.WrapErr(errs.ErrValidation, ErrDailyLimit, "daily loss "+pnl.String())
	}
	return nil
}

// Record counts one opened trade.
func (l *DailyLimits) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.count++
}

func (l *DailyLimits) TradesToday() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.count
}

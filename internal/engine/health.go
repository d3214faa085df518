package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/observability"
)

const checkTimeout = 10 * time.Second

func (s *Supervisor) registerChecks() {
	h := s.c.Health
	if s.c.Adapter != nil {
		h.Register("exchange", s.checkExchange)
	}
	if s.c.RPC != nil {
		h.Register("rpc", s.checkRPC)
		h.Register("wallet", s.checkBalance)
	}
	if s.c.Store != nil {
		h.Register("store", s.checkStore)
	}
	if s.c.Bundler != nil {
		h.Register(SubsystemBundler, s.checkBundler)
	}
}

// HealthTick runs every registered check once and records the outcome.
func (s *Supervisor) HealthTick(ctx context.Context) {
	res := s.c.Health.RunChecks(ctx)
	ok := res.Status != observability.StatusUnhealthy
	if ok {
		s.healthOK.Add(1)
	} else {
		s.healthFailed.Add(1)
	}
	s.c.Sink.HealthCheck(ok)

	ev := log.Debug()
	if !ok {
		ev = log.Warn()
	}
	ev.Str("status", string(res.Status)).Int("components", len(res.Components)).Msg("engine: health check")
}

func (s *Supervisor) checkExchange(ctx context.Context) observability.ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := s.c.Adapter.Ping(ctx); err != nil {
		s.c.Sink.Error("exchange", err)
		return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: err.Error()}
	}
	return observability.ComponentHealth{Status: observability.StatusHealthy}
}

func (s *Supervisor) checkRPC(ctx context.Context) observability.ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := s.c.RPC.Health(ctx); err != nil {
		s.c.Sink.Error("rpc", err)
		return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: err.Error()}
	}
	return observability.ComponentHealth{Status: observability.StatusHealthy}
}

// checkBalance refreshes the wallet balance. Below the floor the engine can
// still close positions, so it is degraded rather than unhealthy.
func (s *Supervisor) checkBalance(ctx context.Context) observability.ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	bal, err := s.c.RPC.GetBalance(ctx, s.c.Wallet)
	if err != nil {
		s.c.Sink.Error("rpc", err)
		return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: "balance: " + err.Error()}
	}

	s.mu.Lock()
	s.balance = bal
	s.mu.Unlock()
	f, _ := bal.Float64()
	s.c.Sink.Balance(f)

	details := map[string]any{
		"sol":     bal.String(),
		"minimum": s.opts.MinSOLBalance.String(),
	}
	if bal.LessThan(s.opts.MinSOLBalance) {
		log.Warn().Str("balance", bal.String()).Str("minimum", s.opts.MinSOLBalance.String()).Msg("engine: SOL balance below minimum")
		return observability.ComponentHealth{
			Status:  observability.StatusDegraded,
			Message: "SOL balance " + bal.StringFixed(4) + " below minimum " + s.opts.MinSOLBalance.String(),
			Details: details,
		}
	}
	return observability.ComponentHealth{Status: observability.StatusHealthy, Details: details}
}

func (s *Supervisor) checkStore(ctx context.Context) observability.ComponentHealth {
	st, err := s.c.Store.Stats(ctx)
	if err != nil {
		s.c.Sink.Error("store", err)
		return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: err.Error()}
	}
	return observability.ComponentHealth{
		Status:  observability.StatusHealthy,
		Details: map[string]any{"total_trades": st.Trades},
	}
}

// checkBundler degrades once more than half of recent bundles failed.
func (s *Supervisor) checkBundler(context.Context) observability.ComponentHealth {
	st := s.c.Bundler.Status()
	stats := s.c.Bundler.Stats()
	details := map[string]any{
		"pending": st.PendingBundles,
		"active":  st.ActiveBundles,
		"running": st.Running,
	}
	finished := stats.Confirmed + stats.Failed
	if finished >= 4 && float64(stats.Failed)/float64(finished) > 0.5 {
		return observability.ComponentHealth{
			Status:  observability.StatusDegraded,
			Message: "most bundles are failing",
			Details: details,
		}
	}
	return observability.ComponentHealth{Status: observability.StatusHealthy, Details: details}
}

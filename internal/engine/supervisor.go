// Package engine drives every subsystem on its own ticker and owns the
// shared running flag.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/heaven-engine/internal/bundler"
	"github.com/nexus-trading/heaven-engine/internal/config"
	"github.com/nexus-trading/heaven-engine/internal/copytrade"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/position"
	"github.com/nexus-trading/heaven-engine/internal/scanner"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// Subsystem names, also used as loop and health component names.
const (
	SubsystemScanner   = "scanner"
	SubsystemCopyTrade = "copytrade"
	SubsystemPositions = "positions"
	SubsystemBundler   = "bundler"
)

// Mode selects which subsystems run.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeSniper    Mode = "sniper"
	ModeCopyTrade Mode = "copytrade"
	ModeBundler   Mode = "bundler"
)

// ParseMode validates a -mode flag value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAll, ModeSniper, ModeCopyTrade, ModeBundler:
		return m, nil
	}
	return "", errs.Wrap(errs.ErrConfig, "unknown mode %q", s)
}

// allows reports whether the mode runs a subsystem at all.
func (m Mode) allows(subsystem string) bool {
	switch m {
	case ModeAll:
		return true
	case ModeSniper:
		return subsystem != SubsystemCopyTrade
	case ModeCopyTrade:
		return subsystem != SubsystemScanner
	case ModeBundler:
		return subsystem == SubsystemBundler
	}
	return false
}

// Intervals are the per-loop tick periods.
type Intervals struct {
	Scan      time.Duration
	Copy      time.Duration
	Monitor   time.Duration
	Bundle    time.Duration
	Health    time.Duration
	Retention time.Duration
}

const minBundleInterval = 50 * time.Millisecond

// IntervalsFrom derives the loop periods from configuration.
func IntervalsFrom(cfg *config.Config) Intervals {
	bundle := time.Duration(cfg.Bundler.MaxBundleTimeMs) * time.Millisecond / 2
	if bundle < minBundleInterval {
		bundle = minBundleInterval
	}
	monitor := time.Duration(cfg.Trading.MonitorIntervalMs) * time.Millisecond
	if monitor <= 0 {
		monitor = time.Second
	}
	return Intervals{
		Scan:      positive(time.Duration(cfg.Sniper.LaunchDetectionDelayMs)*time.Millisecond, time.Second),
		Copy:      positive(time.Duration(cfg.CopyTrader.CopyDelayMs)*time.Millisecond, time.Second),
		Monitor:   monitor,
		Bundle:    bundle,
		Health:    positive(time.Duration(cfg.Monitoring.HealthCheckIntervalSecs)*time.Second, time.Minute),
		Retention: time.Hour,
	}
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Lease is a held instance lock.
type Lease interface {
	KeepAlive(ctx context.Context) error
	Release()
}

// LockFunc acquires the instance lock for a key.
type LockFunc func(ctx context.Context, key string) (Lease, error)

// Components are the collaborators the supervisor drives. Nil subsystems
// are simply not run.
type Components struct {
	Adapter   exchange.Adapter
	RPC       solana.RPCClient
	Wallet    solana.Pubkey
	Scanner   *scanner.Scanner
	Tracker   *copytrade.Tracker
	Positions *position.Manager
	Bundler   *bundler.Engine
	Store     store.Store
	Sink      *observability.Sink
	Health    *observability.HealthMonitor
	Lock      LockFunc
}

// Options tune the supervisor.
type Options struct {
	Mode          Mode
	Intervals     Intervals
	MinSOLBalance decimal.Decimal
	RetentionDays int
	DryRun        bool
}

// Supervisor runs the subsystem loops.
type Supervisor struct {
	c    Components
	opts Options

	running atomic.Bool

	mu      sync.RWMutex
	enabled map[string]bool
	balance decimal.Decimal

	healthOK     atomic.Int64
	healthFailed atomic.Int64
	ticks        map[string]*atomic.Int64
}

// New wires the supervisor and registers the health checks.
func New(c Components, opts Options) *Supervisor {
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}
	if c.Health == nil {
		c.Health = observability.NewHealthMonitor(c.Sink)
	}
	s := &Supervisor{
		c:       c,
		opts:    opts,
		enabled: make(map[string]bool),
		ticks:   make(map[string]*atomic.Int64),
	}
	for name, present := range map[string]bool{
		SubsystemScanner:   c.Scanner != nil,
		SubsystemCopyTrade: c.Tracker != nil,
		SubsystemPositions: c.Positions != nil,
		SubsystemBundler:   c.Bundler != nil,
	} {
		if present && opts.Mode.allows(name) {
			s.enabled[name] = true
			s.ticks[name] = new(atomic.Int64)
		}
	}
	s.registerChecks()
	return s
}

// Running reports the shared flag.
func (s *Supervisor) Running() bool { return s.running.Load() }

// Start sets the running flag. Loops pick it up on their next tick.
func (s *Supervisor) Start() {
	s.running.Store(true)
	if s.c.Bundler != nil && s.Enabled(SubsystemBundler) {
		s.c.Bundler.Start()
	}
}

// Stop clears the running flag. No new tick starts; a tick already in
// progress runs to completion.
func (s *Supervisor) Stop() {
	s.running.Store(false)
	if s.c.Bundler != nil {
		s.c.Bundler.Stop()
	}
}

// Enabled reports whether a subsystem currently ticks.
func (s *Supervisor) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[name]
}

// SetEnabled starts or stops a single subsystem. Subsystems the mode
// excludes, or that were never wired, cannot be enabled.
func (s *Supervisor) SetEnabled(name string, on bool) error {
	if _, ok := s.ticks[name]; !ok {
		return errs.Wrap(errs.ErrValidation, "subsystem %q is not available in mode %s", name, s.opts.Mode)
	}
	s.mu.Lock()
	s.enabled[name] = on
	s.mu.Unlock()
	if name == SubsystemBundler && s.c.Bundler != nil {
		if on && s.running.Load() {
			s.c.Bundler.Start()
		} else if !on {
			s.c.Bundler.Stop()
		}
	}
	log.Info().Str("subsystem", name).Bool("enabled", on).Msg("engine: subsystem toggled")
	return nil
}

// Subsystems lists the enabled flag of every wired subsystem.
func (s *Supervisor) Subsystems() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.ticks))
	for name := range s.ticks {
		out[name] = s.enabled[name]
	}
	return out
}

// Run takes the instance lock, starts every loop and blocks until ctx is
// cancelled or a loop fails. Ticks in flight when ctx ends finish first.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.c.Lock != nil {
		lease, err := s.c.Lock(ctx, "wallet:"+string(s.c.Wallet))
		if err != nil {
			return errs.WrapErr(errs.ErrConfig, err, "engine: instance lock")
		}
		defer lease.Release()
		g.Go(func() error {
			if err := lease.KeepAlive(gctx); err != nil {
				return errs.WrapErr(errs.ErrInternal, err, "engine: instance lock lost")
			}
			return nil
		})
	}

	if s.c.Tracker != nil && s.opts.Mode.allows(SubsystemCopyTrade) {
		if err := s.c.Tracker.Init(ctx); err != nil {
			log.Warn().Err(err).Msg("engine: loading tracked traders failed")
		}
	}

	s.Start()
	defer s.Stop()

	iv := s.opts.Intervals
	s.spawn(gctx, g, SubsystemScanner, iv.Scan, func(ctx context.Context) { s.c.Scanner.Tick(ctx) })
	s.spawn(gctx, g, SubsystemCopyTrade, iv.Copy, func(ctx context.Context) { s.c.Tracker.Tick(ctx) })
	s.spawn(gctx, g, SubsystemPositions, iv.Monitor, func(ctx context.Context) { s.c.Positions.MonitorTick(ctx) })
	s.spawn(gctx, g, SubsystemBundler, iv.Bundle, func(ctx context.Context) { s.c.Bundler.Tick(ctx) })

	g.Go(func() error {
		s.loop(gctx, "health", iv.Health, s.HealthTick)
		return nil
	})
	if s.c.Store != nil && s.opts.RetentionDays > 0 && iv.Retention > 0 {
		g.Go(func() error {
			s.loop(gctx, "retention", iv.Retention, s.retentionTick)
			return nil
		})
	}

	log.Info().
		Str("mode", string(s.opts.Mode)).
		Interface("subsystems", s.Subsystems()).
		Bool("dry_run", s.opts.DryRun).
		Msg("engine: supervisor running")

	err := g.Wait()
	if s.c.Bundler != nil {
		s.c.Bundler.Drain()
	}
	log.Info().Msg("engine: supervisor drained")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, g *errgroup.Group, name string, every time.Duration, tick func(context.Context)) {
	counter, ok := s.ticks[name]
	if !ok {
		return
	}
	g.Go(func() error {
		s.loop(ctx, name, every, func(ctx context.Context) {
			if !s.Enabled(name) {
				return
			}
			tick(ctx)
			counter.Add(1)
		})
		return nil
	})
}

// loop ticks until ctx ends. A tick runs detached from ctx so that
// shutdown waits for it instead of aborting it half way.
func (s *Supervisor) loop(ctx context.Context, name string, every time.Duration, tick func(context.Context)) {
	t := time.NewTicker(every)
	defer t.Stop()
	log.Debug().Str("loop", name).Dur("every", every).Msg("engine: loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.running.Load() {
				continue
			}
			tick(context.WithoutCancel(ctx))
		}
	}
}

func (s *Supervisor) retentionTick(ctx context.Context) {
	n, err := s.c.Store.Cleanup(ctx, s.opts.RetentionDays)
	if err != nil {
		log.Warn().Err(err).Msg("engine: retention cleanup failed")
		s.c.Sink.Error("store", err)
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Int("days", s.opts.RetentionDays).Msg("engine: retention cleanup")
	}
}

// Status is the operator view returned by /status.
type Status struct {
	Running        bool             `json:"running"`
	Mode           Mode             `json:"mode"`
	DryRun         bool             `json:"dry_run"`
	Subsystems     map[string]bool  `json:"subsystems"`
	ActiveSnipes   int              `json:"active_snipes"`
	ActiveCopies   int              `json:"active_copies"`
	PendingBundles int              `json:"pending_bundles"`
	ActiveBundles  int              `json:"active_bundles"`
	LastScan       *time.Time       `json:"last_scan,omitempty"`
	SOLBalance     decimal.Decimal  `json:"sol_balance"`
	TotalTrades    int64            `json:"total_trades"`
	DailyPnL       decimal.Decimal  `json:"daily_pnl"`
	HealthChecks   HealthCounts     `json:"health_checks"`
	Ticks          map[string]int64 `json:"ticks"`

	Scanner   *scanner.Status  `json:"scanner,omitempty"`
	CopyTrade *copytrade.Stats `json:"copytrade,omitempty"`
	Positions *position.Stats  `json:"positions,omitempty"`
	Bundler   *bundler.Status  `json:"bundler,omitempty"`
}

// HealthCounts tallies health loop outcomes.
type HealthCounts struct {
	OK     int64 `json:"ok"`
	Failed int64 `json:"failed"`
}

// Status gathers a snapshot from every subsystem. Store failures leave the
// store-derived fields zero.
func (s *Supervisor) Status(ctx context.Context) Status {
	st := Status{
		Running:      s.running.Load(),
		Mode:         s.opts.Mode,
		DryRun:       s.opts.DryRun,
		Subsystems:   s.Subsystems(),
		HealthChecks: HealthCounts{OK: s.healthOK.Load(), Failed: s.healthFailed.Load()},
		Ticks:        make(map[string]int64, len(s.ticks)),
	}
	for name, c := range s.ticks {
		st.Ticks[name] = c.Load()
	}

	s.mu.RLock()
	st.SOLBalance = s.balance
	s.mu.RUnlock()

	if s.c.Positions != nil {
		ps := s.c.Positions.Stats()
		st.ActiveSnipes = ps.ActiveSnipes
		st.ActiveCopies = ps.ActiveCopies
		st.Positions = &ps
	}
	if s.c.Bundler != nil {
		bs := s.c.Bundler.Status()
		st.PendingBundles = bs.PendingBundles
		st.ActiveBundles = bs.ActiveBundles
		st.Bundler = &bs
	}
	if s.c.Scanner != nil {
		ss := s.c.Scanner.Status()
		if !ss.LastScan.IsZero() {
			last := ss.LastScan
			st.LastScan = &last
		}
		st.Scanner = &ss
	}
	if s.c.Tracker != nil {
		cs := s.c.Tracker.Stats()
		st.CopyTrade = &cs
	}
	if s.c.Store != nil {
		if n, err := s.c.Store.TotalTrades(ctx); err == nil {
			st.TotalTrades = n
		} else {
			log.Debug().Err(err).Msg("engine: status total trades")
		}
		if pnl, err := s.c.Store.DailyPnL(ctx, time.Now()); err == nil {
			st.DailyPnL = pnl
		} else {
			log.Debug().Err(err).Msg("engine: status daily pnl")
		}
	}
	return st
}

// subsystemNames returns the wired subsystems in a stable order.
func (s *Supervisor) subsystemNames() []string {
	names := make([]string, 0, len(s.ticks))
	for name := range s.ticks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

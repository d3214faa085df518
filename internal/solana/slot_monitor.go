package solana

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
)

// ---------------------------------------------------------------------------
// Slot Monitor: current slot via slotSubscribe, polling fallback
// ---------------------------------------------------------------------------

// SlotMonitorConfig configures the slot feed.
type SlotMonitorConfig struct {
	WSEndpoint       string        `yaml:"ws_endpoint"` // empty = poll GetSlot
	ReconnectDelayMs int           `yaml:"reconnect_delay_ms"`
	PingIntervalS    int           `yaml:"ping_interval_s"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// DefaultSlotMonitorConfig returns mainnet defaults.
func DefaultSlotMonitorConfig() SlotMonitorConfig {
	return SlotMonitorConfig{
		WSEndpoint:       "wss://api.mainnet-beta.solana.com",
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
		PollInterval:     400 * time.Millisecond,
	}
}

// SlotMonitor tracks the latest slot seen by the cluster.
type SlotMonitor struct {
	config SlotMonitorConfig
	rpc    RPCClient

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn

	slot         atomic.Uint64
	messagesRecv atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewSlotMonitor creates a slot monitor. rpc is used for the polling
// fallback and may be nil when a WS endpoint is configured.
func NewSlotMonitor(config SlotMonitorConfig, rpc RPCClient) *SlotMonitor {
	if config.PollInterval <= 0 {
		config.PollInterval = 400 * time.Millisecond
	}
	if config.ReconnectDelayMs <= 0 {
		config.ReconnectDelayMs = 1000
	}
	return &SlotMonitor{config: config, rpc: rpc}
}

// CurrentSlot returns the latest slot observed, 0 before the first update.
func (m *SlotMonitor) CurrentSlot() Slot {
	return m.slot.Load()
}

// observe keeps the slot monotonic.
func (m *SlotMonitor) observe(slot Slot) {
	for {
		cur := m.slot.Load()
		if slot <= cur || m.slot.CompareAndSwap(cur, slot) {
			return
		}
	}
}

// Run blocks until ctx is cancelled.
func (m *SlotMonitor) Run(ctx context.Context) error {
	if m.config.WSEndpoint == "" {
		return m.poll(ctx)
	}

	go func() {
		<-ctx.Done()
		m.disconnect()
	}()

	base := time.Duration(m.config.ReconnectDelayMs) * time.Millisecond
	delay := base
	const maxDelay = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := m.connect(ctx); err != nil {
			m.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("slots: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = base

		if err := m.subscribe(); err != nil {
			log.Warn().Err(err).Msg("slots: subscribe failed")
			m.disconnect()
			continue
		}
		m.readLoop(ctx)
	}
}

func (m *SlotMonitor) poll(ctx context.Context) error {
	if m.rpc == nil {
		return fmt.Errorf("slots: no ws endpoint and no rpc client")
	}
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		if slot, err := m.rpc.GetSlot(ctx); err == nil {
			m.observe(slot)
		} else if ctx.Err() == nil {
			log.Debug().Err(err).Msg("slots: poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *SlotMonitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.config.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("slots: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.connected.Store(true)

	log.Info().Str("endpoint", m.config.WSEndpoint).Msg("slots: connected")
	return nil
}

func (m *SlotMonitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

func (m *SlotMonitor) subscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("slots: not connected")
	}
	return m.conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "slotSubscribe",
	})
}

func (m *SlotMonitor) readLoop(ctx context.Context) {
	pingInterval := time.Duration(m.config.PingIntervalS) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	lastPing := time.Now()

	for ctx.Err() == nil {
		m.mu.Lock()
		conn := m.conn
		if conn != nil && time.Since(lastPing) >= pingInterval {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("slots: ping failed")
			}
			lastPing = time.Now()
		}
		m.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("slots: read error, reconnecting")
			}
			m.disconnect()
			return
		}

		m.messagesRecv.Add(1)
		m.handleMessage(message)
	}
}

func (m *SlotMonitor) handleMessage(data []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Slot uint64 `json:"slot"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := sonnet.Unmarshal(data, &notification); err != nil {
		return
	}
	if notification.Method != "slotNotification" {
		return
	}
	m.observe(notification.Params.Result.Slot)
}

// SlotStats returns monitor statistics.
type SlotStats struct {
	Connected    bool   `json:"connected"`
	Slot         uint64 `json:"slot"`
	MessagesRecv int64  `json:"messages_recv"`
	Reconnects   int64  `json:"reconnects"`
}

func (m *SlotMonitor) Stats() SlotStats {
	return SlotStats{
		Connected:    m.connected.Load(),
		Slot:         m.slot.Load(),
		MessagesRecv: m.messagesRecv.Load(),
		Reconnects:   m.reconnects.Load(),
	}
}

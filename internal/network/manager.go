package network

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"helmetwatch/internal/config"
	"helmetwatch/internal/model"
	"helmetwatch/internal/transport"
)

// Decoder turns one frame into readings.
type Decoder interface {
	Decode(raw []byte) ([]model.SensorReading, error)
}

type Publisher interface {
	Publish(topic string, payload any)
}

// Metrics receives ingestion counters. All methods must be cheap.
type Metrics interface {
	ConnectAttempt(ok bool)
	StateChanged(state model.ConnectionState)
	FrameReceived()
	DecodeFailed()
	ReadingPublished(kind model.Kind)
	ReadingDropped(kind model.Kind)
}

type ManagerConfig struct {
	Address  string
	Protocol string

	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// MaxAttempts consecutive failed connects lead to Failed when
	// AutoReconnect is off.
	MaxAttempts int
	StopGrace   time.Duration

	// SensorEnabled filters readings before they are published. Nil enables all.
	SensorEnabled func(model.Kind) bool
}

// ManagerConfigFrom maps the network section of cfg. Sensor flags are read
// through current on every reading so reloads apply immediately.
func ManagerConfigFrom(cfg *config.Config, current func() *config.Config) ManagerConfig {
	mc := ManagerConfig{
		Address:              cfg.Network.Address(),
		Protocol:             cfg.Network.Protocol,
		AutoReconnect:        cfg.Network.AutoReconnect,
		ReconnectInterval:    cfg.Network.ReconnectDelay(),
		MaxReconnectInterval: cfg.Network.MaxReconnectDelay(),
		MaxAttempts:          cfg.Network.MaxAttempts,
		StopGrace:            config.Seconds(cfg.Network.StopGrace),
	}
	if current != nil {
		mc.SensorEnabled = func(k model.Kind) bool {
			return current().SensorEnabled(string(k))
		}
	}
	return mc
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// Manager owns one transport and keeps a connection to the device alive,
// publishing decoded readings and every connection state change.
type Manager struct {
	cfg     ManagerConfig
	tr      transport.Transport
	decoder Decoder
	bus     Publisher
	logger  *slog.Logger
	metrics Metrics

	// pubMu orders status publishes; mu guards the fields below.
	pubMu    sync.Mutex
	mu       sync.Mutex
	state    model.ConnectionState
	gen      uint64
	baseCtx  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	lastErr  string
	attempts int
}

func NewManager(cfg ManagerConfig, tr transport.Transport, decoder Decoder, bus Publisher, logger *slog.Logger, metrics Metrics) *Manager {
	if cfg.Protocol == "" && tr != nil {
		cfg.Protocol = tr.Name()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		tr:      tr,
		decoder: decoder,
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		state:   model.StateDisconnected,
	}
}

func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the last published status.
func (m *Manager) Status() model.StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.StatusEvent{
		State:     m.state,
		Protocol:  m.cfg.Protocol,
		Address:   m.cfg.Address,
		Attempt:   m.attempts,
		Error:     m.lastErr,
		Timestamp: time.Now().UTC(),
	}
}

// Start begins connecting. It is a no-op while a run loop is active, so at
// most one connect attempt exists at a time. The run loop ends when ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.runningLocked() {
		m.mu.Unlock()
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.baseCtx = ctx
	m.startLocked()
	m.mu.Unlock()
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) startLocked() {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.gen++
	m.cancel = cancel
	m.done = make(chan struct{})
	m.wake = make(chan struct{}, 1)
	m.attempts = 0
	gen, done, wake := m.gen, m.done, m.wake
	go m.run(runCtx, gen, done, wake)
}

// Reconnect is the manual reconnect request. It restarts a Failed or
// stopped manager and skips the pending delay of a Reconnecting one.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runningLocked() {
		if m.baseCtx == nil || m.baseCtx.Err() != nil {
			m.baseCtx = context.Background()
		}
		m.startLocked()
		return
	}
	if m.state == model.StateReconnecting {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Stop closes the stream, waits up to the stop grace period for the run
// loop and leaves the manager Disconnected.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(m.cfg.StopGrace):
			if m.logger != nil {
				m.logger.Warn("network run loop did not stop within grace period", "grace", m.cfg.StopGrace)
			}
		}
	}
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.setState(gen, model.StateDisconnected, nil)
}

func (m *Manager) run(ctx context.Context, gen uint64, done chan struct{}, wake chan struct{}) {
	defer close(done)
	// a cancelled parent context ends the run like Stop does; after Stop the
	// generation is already stale and this is a no-op
	defer func() {
		if err := ctx.Err(); err != nil {
			m.setState(gen, model.StateDisconnected, err)
		}
	}()
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !m.setState(gen, model.StateConnecting, nil) {
			return
		}
		stream, err := m.tr.Open(ctx, m.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.setAttempts(gen, failures)
			if m.metrics != nil {
				m.metrics.ConnectAttempt(false)
			}
			if m.logger != nil {
				m.logger.Warn("device connect failed", "address", m.cfg.Address, "attempt", failures, "err", err)
			}
			if !m.cfg.AutoReconnect && failures >= m.cfg.MaxAttempts {
				m.setState(gen, model.StateFailed, err)
				return
			}
			if !m.setState(gen, model.StateReconnecting, err) {
				return
			}
			if !waitRetry(ctx, m.retryDelay(failures), wake) {
				return
			}
			continue
		}

		failures = 0
		m.setAttempts(gen, 0)
		if m.metrics != nil {
			m.metrics.ConnectAttempt(true)
		}
		if m.logger != nil {
			m.logger.Info("device connected", "address", m.cfg.Address, "protocol", m.cfg.Protocol)
		}
		if !m.setState(gen, model.StateConnected, nil) {
			_ = stream.Close()
			return
		}
		readErr := m.readLoop(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		if m.logger != nil {
			if IsStreamEnd(readErr) {
				m.logger.Info("device closed stream", "address", m.cfg.Address)
			} else {
				m.logger.Warn("device stream failed", "address", m.cfg.Address, "err", readErr)
			}
		}
		if !m.setState(gen, model.StateReconnecting, readErr) {
			return
		}
		if !waitRetry(ctx, m.cfg.ReconnectInterval, wake) {
			return
		}
	}
}

// readLoop publishes frames until the stream fails. A combined frame is
// published as one burst before the next read.
func (m *Manager) readLoop(ctx context.Context, stream transport.Stream) error {
	stopClose := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopClose()
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.metrics != nil {
			m.metrics.FrameReceived()
		}
		readings, err := m.decoder.Decode(frame)
		if err != nil {
			if m.metrics != nil {
				m.metrics.DecodeFailed()
			}
			if m.logger != nil {
				m.logger.Warn("dropping malformed frame", "err", err, "size", len(frame))
			}
			continue
		}
		for _, r := range readings {
			m.publishReading(r)
		}
	}
}

func (m *Manager) publishReading(r model.SensorReading) {
	kind := r.ReadingKind()
	if m.cfg.SensorEnabled != nil && !m.cfg.SensorEnabled(kind) {
		if m.metrics != nil {
			m.metrics.ReadingDropped(kind)
		}
		if m.logger != nil {
			m.logger.Debug("sensor disabled, reading dropped", "sensor", string(kind))
		}
		return
	}
	m.bus.Publish(model.SensorTopic(kind), r)
	if m.metrics != nil {
		m.metrics.ReadingPublished(kind)
	}
}

func (m *Manager) retryDelay(failures int) time.Duration {
	d := m.cfg.ReconnectInterval
	if m.cfg.MaxReconnectInterval <= 0 {
		return d
	}
	for i := 1; i < failures && d < m.cfg.MaxReconnectInterval; i++ {
		d *= 2
	}
	if d > m.cfg.MaxReconnectInterval {
		d = m.cfg.MaxReconnectInterval
	}
	return d
}

func (m *Manager) setAttempts(gen uint64, n int) {
	m.mu.Lock()
	if gen == m.gen {
		m.attempts = n
	}
	m.mu.Unlock()
}

// setState records and publishes a transition for run generation gen. It
// returns false when gen is stale, i.e. Stop or a restart happened. Status
// handlers must not call Stop, Start or Reconnect.
func (m *Manager) setState(gen uint64, next model.ConnectionState, cause error) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return true
	}
	m.state = next
	if cause != nil {
		m.lastErr = cause.Error()
	} else if next == model.StateConnected || next == model.StateDisconnected {
		m.lastErr = ""
	}
	ev := model.StatusEvent{
		State:     next,
		Previous:  prev,
		Protocol:  m.cfg.Protocol,
		Address:   m.cfg.Address,
		Attempt:   m.attempts,
		Error:     m.lastErr,
		Timestamp: time.Now().UTC(),
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.StateChanged(next)
	}
	if m.logger != nil {
		m.logger.Info("connection state changed", "from", string(prev), "to", string(next))
	}
	m.bus.Publish(model.TopicNetworkStatus, ev)
	return true
}

func waitRetry(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsStreamEnd reports whether err ended a stream cleanly.
func IsStreamEnd(err error) bool {
	return errors.Is(err, transport.ErrEndOfStream)
}

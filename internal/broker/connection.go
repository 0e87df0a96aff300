package broker

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectConfig tunes the reconnect loop.
type ReconnectConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultReconnectConfig is the default reconnect tuning.
var DefaultReconnectConfig = ReconnectConfig{
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     60 * time.Second,
}

// Dialer re-establishes the underlying broker connection.
type Dialer func(ctx context.Context) error

// ConnManager tracks broker connectivity. While disconnected, order
// submissions are suspended; a successful reconnect runs the registered
// resync hook (reconciliation) before submissions resume. Reconnect
// attempts are serialized: at most one attempt is in flight at a time.
type ConnManager struct {
	mu           sync.Mutex
	connected    bool
	reconnecting bool
	dial         Dialer
	onReconnect  func(ctx context.Context) error
	logger       *logrus.Logger
	cfg          ReconnectConfig
}

// NewConnManager creates a connection manager that starts connected.
func NewConnManager(dial Dialer, logger *logrus.Logger, cfg ReconnectConfig) *ConnManager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultReconnectConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultReconnectConfig.MaxBackoff
	}
	return &ConnManager{
		connected: true,
		dial:      dial,
		logger:    logger,
		cfg:       cfg,
	}
}

// OnReconnect registers the hook that must succeed after every reconnect
// before submissions are allowed again.
func (m *ConnManager) OnReconnect(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Connected reports whether order submission is currently allowed.
func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// MarkDisconnected suspends submissions and kicks off the reconnect loop
// if one is not already running.
func (m *ConnManager) MarkDisconnected(ctx context.Context, cause error) {
	m.mu.Lock()
	if !m.connected && m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.connected = false
	alreadyReconnecting := m.reconnecting
	m.reconnecting = true
	m.mu.Unlock()

	m.logger.WithError(cause).Warn("broker connection lost, suspending submissions")
	if !alreadyReconnecting {
		go m.reconnectLoop(ctx)
	}
}

func (m *ConnManager) reconnectLoop(ctx context.Context) {
	backoff := m.cfg.InitialBackoff
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
			return
		case <-time.After(backoff):
		}

		err := m.dial(ctx)
		if err == nil {
			// Reconciliation must run before new submissions are permitted.
			if hook := m.hook(); hook != nil {
				err = hook(ctx)
			}
		}
		if err == nil {
			m.mu.Lock()
			m.connected = true
			m.reconnecting = false
			m.mu.Unlock()
			m.logger.Info("broker reconnected and reconciled, submissions resumed")
			return
		}

		m.logger.WithError(err).WithField("backoff", backoff.String()).
			Warn("broker reconnect attempt failed")
		backoff = nextBackoff(backoff, m.cfg.MaxBackoff)
	}
}

func (m *ConnManager) hook() func(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onReconnect
}

// nextBackoff grows the delay by 1.5x with jitter, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// Package retry wraps order submission with bounded, jittered retries.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/broker"
)

// Config tunes the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the default retry tuning.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Submitter retries transient submission failures. Every attempt reuses
// the same Order.Tag, so the broker deduplicates: a retry can never
// create a second working order for the same intent.
type Submitter struct {
	broker broker.Broker
	logger *logrus.Logger
	config Config
}

// NewSubmitter creates a retrying submitter around the broker.
func NewSubmitter(b broker.Broker, logger *logrus.Logger, config ...Config) *Submitter {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Submitter{broker: b, logger: logger, config: cfg}
}

// SubmitOrder places the order, retrying transient failures up to the
// configured bound. Hard rejections (ErrContractNotFound) fail
// immediately with no retry.
func (s *Submitter) SubmitOrder(ctx context.Context, order broker.Order) (int, error) {
	if order.Tag == "" {
		return 0, fmt.Errorf("retry: order requires an idempotency tag")
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := s.config.InitialBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if err := submitCtx.Err(); err != nil {
			return 0, fmt.Errorf("submit timed out after %v: %w", s.config.Timeout, err)
		}

		id, err := s.broker.SubmitOrder(submitCtx, order)
		if err == nil {
			if attempt > 0 {
				s.logger.WithFields(logrus.Fields{
					"order_id": id,
					"tag":      order.Tag,
					"attempt":  attempt + 1,
				}).Info("order submitted after retry")
			}
			return id, nil
		}
		lastErr = err

		if errors.Is(err, broker.ErrContractNotFound) {
			return 0, err
		}
		if !IsTransientError(err) || attempt == s.config.MaxRetries {
			break
		}

		s.logger.WithError(err).WithFields(logrus.Fields{
			"tag":     order.Tag,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("transient submit failure, retrying")

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, s.config.MaxBackoff)
		case <-submitCtx.Done():
			return 0, fmt.Errorf("submit timed out during backoff: %w", submitCtx.Err())
		}
	}

	return 0, fmt.Errorf("submit failed after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

// CancelOrder cancels with the same transient-retry policy.
func (s *Submitter) CancelOrder(ctx context.Context, orderID int) error {
	var lastErr error
	backoff := s.config.InitialBackoff
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := s.broker.CancelOrder(ctx, orderID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransientError(err) || attempt == s.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, s.config.MaxBackoff)
		case <-ctx.Done():
			return fmt.Errorf("cancel aborted during backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("cancel of order %d failed after %d attempts: %w",
		orderID, s.config.MaxRetries+1, lastErr)
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

// IsTransientError reports whether the error looks like a recoverable
// broker or network hiccup worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

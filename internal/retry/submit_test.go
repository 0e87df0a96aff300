package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efarrell-labs/alertrunner/internal/broker"
)

// scriptedBroker fails SubmitOrder a configured number of times before
// succeeding.
type scriptedBroker struct {
	broker.Broker

	submitCalls  int
	failuresLeft int
	failWith     error
	cancelCalls  int
	cancelErr    error
}

func (s *scriptedBroker) SubmitOrder(_ context.Context, _ broker.Order) (int, error) {
	s.submitCalls++
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return 0, s.failWith
	}
	return 42, nil
}

func (s *scriptedBroker) CancelOrder(_ context.Context, _ int) error {
	s.cancelCalls++
	return s.cancelErr
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func taggedOrder() broker.Order {
	return broker.Order{Tag: "intent-1", Quantity: 1}
}

func TestSubmitSucceedsAfterTransientFailures(t *testing.T) {
	b := &scriptedBroker{failuresLeft: 2, failWith: errors.New("connection reset by peer")}
	s := NewSubmitter(b, quietLogger(), fastConfig())

	id, err := s.SubmitOrder(context.Background(), taggedOrder())
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Equal(t, 3, b.submitCalls)
}

func TestSubmitGivesUpAfterMaxRetries(t *testing.T) {
	b := &scriptedBroker{failuresLeft: 10, failWith: errors.New("gateway timeout 504")}
	s := NewSubmitter(b, quietLogger(), fastConfig())

	_, err := s.SubmitOrder(context.Background(), taggedOrder())
	require.Error(t, err)
	assert.Equal(t, 4, b.submitCalls) // initial attempt + 3 retries
}

func TestSubmitPermanentErrorNotRetried(t *testing.T) {
	b := &scriptedBroker{failuresLeft: 10, failWith: errors.New("invalid order quantity")}
	s := NewSubmitter(b, quietLogger(), fastConfig())

	_, err := s.SubmitOrder(context.Background(), taggedOrder())
	require.Error(t, err)
	assert.Equal(t, 1, b.submitCalls)
}

func TestSubmitContractNotFoundFailsImmediately(t *testing.T) {
	b := &scriptedBroker{
		failuresLeft: 10,
		failWith:     fmt.Errorf("qualify: %w", broker.ErrContractNotFound),
	}
	s := NewSubmitter(b, quietLogger(), fastConfig())

	_, err := s.SubmitOrder(context.Background(), taggedOrder())
	require.ErrorIs(t, err, broker.ErrContractNotFound)
	assert.Equal(t, 1, b.submitCalls)
}

func TestSubmitRequiresTag(t *testing.T) {
	s := NewSubmitter(&scriptedBroker{}, quietLogger(), fastConfig())
	_, err := s.SubmitOrder(context.Background(), broker.Order{Quantity: 1})
	assert.Error(t, err)
}

func TestCancelRetriesTransient(t *testing.T) {
	b := &scriptedBroker{}
	s := NewSubmitter(b, quietLogger(), fastConfig())
	require.NoError(t, s.CancelOrder(context.Background(), 7))
	assert.Equal(t, 1, b.cancelCalls)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(errors.New("rate limit exceeded")))
	assert.True(t, IsTransientError(errors.New("HTTP 503 Service Unavailable")))
	assert.True(t, IsTransientError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransientError(errors.New("insufficient buying power")))
	assert.False(t, IsTransientError(nil))
}

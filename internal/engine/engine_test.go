package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/models"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/retry"
	"github.com/efarrell-labs/alertrunner/internal/risk"
)

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	gate     *risk.Gate
	paper    *broker.PaperBroker
	contract broker.OptionContract
	symbol   string
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper", LogLevel: "error"},
		Execution: config.ExecutionConfig{
			OrderType:    "market",
			FillTimeout:  "2s",
			PollInterval: "5ms",
			MaxRetries:   1,
		},
		Risk: config.RiskConfig{
			MaxContracts:    10,
			MaxAdds:         2,
			MaxDailyLoss:    1000,
			MaxLossStreak:   3,
			AutoStopPct:     25,
			RiskRewardRatio: 2.0,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()
	cfg := testConfig()
	pb := broker.NewPaperBroker(100_000)
	reg := registry.New(logger)
	gate := risk.NewGate(cfg.Risk, nil, logger)
	submitter := retry.NewSubmitter(pb, logger, retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	})
	eng := New(pb, submitter, reg, gate, cfg, nil, nil, logger)

	contract := broker.OptionContract{
		Underlying: "SPY", Strike: 500, Expiry: "2026-09-18", Direction: models.DirectionCall,
	}
	symbol, err := contract.OCCSymbol()
	require.NoError(t, err)

	return &fixture{
		engine:   eng,
		registry: reg,
		gate:     gate,
		paper:    pb,
		contract: contract,
		symbol:   symbol,
	}
}

func (f *fixture) event(eventType models.EventType) *models.Event {
	return &models.Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Author:     "trader",
		Underlying: "SPY",
		Strike:     500,
		Expiry:     "2026-09-18",
		Direction:  models.DirectionCall,
	}
}

// enter runs a NEW event through correlation and execution at the given
// quote.
func (f *fixture) enter(t *testing.T, quote float64, event *models.Event) *models.TradeSession {
	t.Helper()
	f.paper.SetQuote(f.symbol, quote)
	session, _, err := f.registry.Correlate(event)
	require.NoError(t, err)
	unlock := f.registry.LockKey(event.Key())
	defer unlock()
	require.NoError(t, f.engine.Execute(context.Background(), event, session))
	return session
}

func (f *fixture) execute(t *testing.T, quote float64, event *models.Event, session *models.TradeSession) {
	t.Helper()
	f.paper.SetQuote(f.symbol, quote)
	unlock := f.registry.LockKey(event.Key())
	defer unlock()
	require.NoError(t, f.engine.Execute(context.Background(), event, session))
}

func (f *fixture) openStopOrder(t *testing.T) broker.Order {
	t.Helper()
	orders, err := f.paper.GetOpenOrders(context.Background())
	require.NoError(t, err)
	for _, o := range orders {
		if o.Type == broker.OrderStop {
			return o
		}
	}
	t.Fatal("no resting stop order")
	return broker.Order{}
}

func TestEntryPlacesBracket(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	event.Targets = []float64{2.00}
	session := f.enter(t, 1.00, event)

	assert.Equal(t, models.StateOpen, session.State)
	assert.Equal(t, 1, session.TotalQuantity)
	assert.InDelta(t, 1.00, session.AvgEntryPrice, 0.001)

	stop := f.openStopOrder(t)
	assert.InDelta(t, 0.50, stop.StopPrice, 0.001)
	assert.Equal(t, 1, stop.Quantity)
	assert.NotZero(t, session.StopOrderID)
	assert.Len(t, session.TargetOrderIDs, 1)
}

func TestAddRecomputesStopFromOffset(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	session := f.enter(t, 1.00, event)

	add := f.event(models.EventAdd)
	add.Quantity = 1
	f.execute(t, 0.80, add, session)

	assert.Equal(t, 2, session.TotalQuantity)
	assert.InDelta(t, 0.90, session.AvgEntryPrice, 0.001)

	// 50% offset re-applied to the new average: stop moves to $0.45.
	stop := f.openStopOrder(t)
	assert.InDelta(t, 0.45, stop.StopPrice, 0.001)
	assert.Equal(t, 2, stop.Quantity)
}

func TestTrimRealizesLossAndKeepsSessionOpen(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	session := f.enter(t, 1.00, event)

	add := f.event(models.EventAdd)
	add.Quantity = 1
	f.execute(t, 0.80, add, session)

	trim := f.event(models.EventTrim)
	trim.Quantity = 1
	f.execute(t, 0.70, trim, session)

	assert.Equal(t, models.StateOpen, session.State)
	assert.Equal(t, 1, session.TotalQuantity)
	assert.InDelta(t, -20.0, session.RealizedPnL, 0.001)

	// Brackets rebuilt for the remaining contract.
	stop := f.openStopOrder(t)
	assert.Equal(t, 1, stop.Quantity)
}

func TestTrimToZeroClosesAndCancelsBrackets(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	session := f.enter(t, 1.00, event)

	trim := f.event(models.EventTrim)
	trim.Quantity = 1
	f.execute(t, 1.10, trim, session)

	assert.Equal(t, models.StateClosed, session.State)
	assert.Equal(t, registry.ExitTrimToZero, session.ExitReason)
	assert.InDelta(t, 10.0, session.RealizedPnL, 0.001)

	orders, err := f.paper.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders, "all bracket legs must be cancelled on close")
	assert.Nil(t, f.registry.ActiveForKey(event.Key()))
}

func TestStopLegFillCancelsSiblingAndClosesSession(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	event.Targets = []float64{2.00}
	session := f.enter(t, 1.00, event)
	drainUpdates(f)

	require.NoError(t, f.paper.Trigger(session.StopOrderID, 0.50))
	update := nextUpdate(t, f)
	require.Equal(t, broker.StatusFilled, update.Status)

	f.engine.brackets.handleUpdate(context.Background(), update)

	assert.Equal(t, models.StateClosed, session.State)
	assert.Equal(t, registry.ExitStopHit, session.ExitReason)
	assert.True(t, session.StopInvalidated)
	assert.InDelta(t, -50.0, session.RealizedPnL, 0.001)

	orders, err := f.paper.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders, "target sibling must be cancelled")

	assert.Equal(t, 1, f.gate.Snapshot().LossStreak)
}

func TestPartialStopFillTrimsPosition(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 2
	event.Stop = 0.50
	session := f.enter(t, 1.00, event)
	drainUpdates(f)

	// The broker only sold one of the two contracts on the stop.
	update := broker.OrderUpdate{
		OrderID: session.StopOrderID, Status: broker.StatusFilled,
		FilledQty: 1, AvgFillPrice: 0.50, Time: time.Now().UTC(),
	}
	f.engine.brackets.handleUpdate(context.Background(), update)

	assert.Equal(t, models.StateOpen, session.State, "remainder is still held at the broker")
	assert.Equal(t, 1, session.TotalQuantity)
	assert.InDelta(t, -50.0, session.RealizedPnL, 0.001)
	assert.False(t, session.StopInvalidated)
	assert.Empty(t, session.ExitReason)

	// Fresh legs protect the remaining contract.
	stop := f.openStopOrder(t)
	assert.Equal(t, 1, stop.Quantity)
}

func TestTargetLegFillClosesWithProfit(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	event.Targets = []float64{2.00}
	session := f.enter(t, 1.00, event)
	drainUpdates(f)

	require.Len(t, session.TargetOrderIDs, 1)
	require.NoError(t, f.paper.Trigger(session.TargetOrderIDs[0], 2.00))
	update := nextUpdate(t, f)
	require.Equal(t, broker.StatusFilled, update.Status)

	f.engine.brackets.handleUpdate(context.Background(), update)

	assert.Equal(t, models.StateClosed, session.State)
	assert.Equal(t, registry.ExitTargetHit, session.ExitReason)
	assert.InDelta(t, 100.0, session.RealizedPnL, 0.001)
	assert.False(t, session.StopInvalidated)
}

func TestMoveStopReplacesStopLeg(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Stop = 0.50
	session := f.enter(t, 1.00, event)

	move := f.event(models.EventMoveStop)
	move.Stop = 0.95
	f.execute(t, 1.00, move, session)

	stop := f.openStopOrder(t)
	assert.InDelta(t, 0.95, stop.StopPrice, 0.001)
	assert.True(t, session.StopIsManual)

	// The pinned stop survives a later add untouched.
	add := f.event(models.EventAdd)
	add.Quantity = 1
	f.execute(t, 0.80, add, session)
	stop = f.openStopOrder(t)
	assert.InDelta(t, 0.95, stop.StopPrice, 0.001)
	assert.Equal(t, 2, stop.Quantity)
}

func TestContractNotFoundAbortsEntry(t *testing.T) {
	f := newFixture(t)
	f.paper.MarkUnknown(f.contract)

	event := f.event(models.EventNew)
	event.Quantity = 1
	session, _, err := f.registry.Correlate(event)
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), event, session)
	require.ErrorIs(t, err, broker.ErrContractNotFound)
	assert.Equal(t, models.StatePending, session.State)
	assert.Equal(t, 0, session.TotalQuantity)
}

func TestEntryTimeoutCancelsSession(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.Execution.FillTimeout = "30ms"
	// Limit order that cannot fill: quote stays above the limit band.
	f.engine.cfg.Execution.OrderType = "limit"
	f.paper.SetQuote(f.symbol, 5.00)

	event := f.event(models.EventNew)
	event.Quantity = 1
	event.Price = 1.00
	session, _, err := f.registry.Correlate(event)
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), event, session)
	require.Error(t, err)
	assert.Equal(t, models.StateCancelled, session.State)
	assert.Nil(t, f.registry.ActiveForKey(event.Key()))
}

func TestCloseAllLiquidatesOpenSessions(t *testing.T) {
	f := newFixture(t)

	event := f.event(models.EventNew)
	event.Quantity = 2
	event.Stop = 0.50
	session := f.enter(t, 1.00, event)

	f.paper.SetQuote(f.symbol, 1.20)
	f.engine.CloseAll(context.Background(), registry.ExitEndOfDay)

	assert.Equal(t, models.StateClosed, session.State)
	assert.Equal(t, registry.ExitEndOfDay, session.ExitReason)
	assert.InDelta(t, 40.0, session.RealizedPnL, 0.001)

	orders, err := f.paper.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

// drainUpdates discards buffered order updates (entry fills, cancels)
// so a test sees only the update it triggers next.
func drainUpdates(f *fixture) {
	for {
		select {
		case <-f.paper.Updates():
		default:
			return
		}
	}
}

func nextUpdate(t *testing.T, f *fixture) broker.OrderUpdate {
	t.Helper()
	select {
	case update := <-f.paper.Updates():
		return update
	case <-time.After(time.Second):
		t.Fatal("no order update received")
		return broker.OrderUpdate{}
	}
}

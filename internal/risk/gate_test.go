package risk

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/models"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxContracts:          5,
		MaxAdds:               1,
		MaxDailyLoss:          500,
		MaxLossStreak:         3,
		RiskPerTradePct:       2,
		HighRiskSizeReduction: 0.5,
		ExtremeRiskReduction:  0.25,
		AutoStopPct:           25,
		RiskRewardRatio:       2.0,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newGate(inWindow bool) *Gate {
	return NewGate(testRiskConfig(), func(time.Time) bool { return inWindow }, quietLogger())
}

func actionableEvent(eventType models.EventType) *models.Event {
	return &models.Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Underlying: "SPY",
		Strike:     500,
		Expiry:     "2026-09-18",
		Direction:  models.DirectionCall,
		Quantity:   1,
	}
}

func openSession(t *testing.T, qty int) *models.TradeSession {
	t.Helper()
	s := models.NewTradeSession("risk-test", models.ContractKey{
		Underlying: "SPY", Strike: 500, Expiry: "2026-09-18", Direction: models.DirectionCall,
	}, "trader", time.Now().UTC())
	require.NoError(t, s.ApplyEntry(qty, 1.00, time.Now().UTC()))
	require.NoError(t, s.TransitionState(models.StateOpen, models.ConditionEntryFilled))
	return s
}

func TestNonActionableAutoApproved(t *testing.T) {
	g := newGate(false) // even outside the window
	for _, eventType := range []models.EventType{models.EventPlan, models.EventTargets, models.EventRiskNote} {
		result := g.Validate(actionableEvent(eventType), nil)
		assert.True(t, result.Approved(), "event %s", eventType)
	}
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	g := newGate(true)
	g.ActivateKillSwitch("manual")

	result := g.Validate(actionableEvent(models.EventNew), nil)
	require.False(t, result.Approved())
	assert.Equal(t, "kill_switch", result.Check)

	g.ClearKillSwitch()
	assert.True(t, g.Validate(actionableEvent(models.EventNew), nil).Approved())
}

func TestOutsideTradingWindowRejected(t *testing.T) {
	g := newGate(false)
	result := g.Validate(actionableEvent(models.EventNew), nil)
	require.False(t, result.Approved())
	assert.Equal(t, "trading_window", result.Check)
}

func TestDuplicateNewRejected(t *testing.T) {
	g := newGate(true)
	session := openSession(t, 1)
	result := g.Validate(actionableEvent(models.EventNew), session)
	require.False(t, result.Approved())
	assert.Equal(t, "duplicate_position", result.Check)
}

func TestNewClaimsPendingPlaceholder(t *testing.T) {
	g := newGate(true)
	placeholder := models.NewTradeSession("ph", models.ContractKey{Underlying: "SPY"}, "trader", time.Now().UTC())
	assert.True(t, g.Validate(actionableEvent(models.EventNew), placeholder).Approved())
}

func TestSizeLimits(t *testing.T) {
	g := newGate(true)

	big := actionableEvent(models.EventNew)
	big.Quantity = 6
	result := g.Validate(big, nil)
	require.False(t, result.Approved())
	assert.Equal(t, "max_contracts", result.Check)

	session := openSession(t, 5)
	add := actionableEvent(models.EventAdd)
	result = g.Validate(add, session)
	require.False(t, result.Approved())
	assert.Equal(t, "max_contracts", result.Check)

	session = openSession(t, 1)
	session.NumAdds = 1
	result = g.Validate(add, session)
	require.False(t, result.Approved())
	assert.Equal(t, "max_adds", result.Check)
}

func TestNoPositionRejected(t *testing.T) {
	g := newGate(true)
	for _, eventType := range []models.EventType{
		models.EventTrim, models.EventExit, models.EventTP,
		models.EventSL, models.EventMoveStop,
	} {
		result := g.Validate(actionableEvent(eventType), nil)
		require.False(t, result.Approved(), "event %s", eventType)
		assert.Equal(t, "no_position", result.Check, "event %s", eventType)
	}
}

func TestNoReentryAfterStopInvalidated(t *testing.T) {
	g := newGate(true)
	session := openSession(t, 1)
	session.StopInvalidated = true
	result := g.Validate(actionableEvent(models.EventAdd), session)
	require.False(t, result.Approved())
	assert.Equal(t, "stop_invalidated", result.Check)
}

func TestLossStreakTripsKillSwitch(t *testing.T) {
	g := newGate(true)
	g.RecordTradeResult(-50)
	g.RecordTradeResult(-50)
	assert.False(t, g.KillSwitchActive())

	g.RecordTradeResult(-50)
	assert.True(t, g.KillSwitchActive())

	result := g.Validate(actionableEvent(models.EventNew), nil)
	assert.False(t, result.Approved())
}

func TestWinResetsLossStreak(t *testing.T) {
	g := newGate(true)
	g.RecordTradeResult(-50)
	g.RecordTradeResult(-50)
	g.RecordTradeResult(25)
	g.RecordTradeResult(-50)
	assert.False(t, g.KillSwitchActive())
	assert.Equal(t, 1, g.Snapshot().LossStreak)
}

func TestDailyLossTripsKillSwitch(t *testing.T) {
	g := newGate(true)
	g.RecordTradeResult(-300)
	assert.False(t, g.KillSwitchActive())
	g.RecordTradeResult(-250)
	assert.True(t, g.KillSwitchActive())
}

func TestDayRolloverResetsCountersNotKillSwitch(t *testing.T) {
	g := newGate(true)
	g.now = func() time.Time { return time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC) }
	g.RecordTradeResult(-600)
	require.True(t, g.KillSwitchActive())

	g.now = func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }
	g.RecordTradeResult(10)
	state := g.Snapshot()
	assert.InDelta(t, 10.0, state.DailyPnL, 0.001)
	assert.True(t, state.KillSwitchActive, "kill switch must survive day rollover")
}

func TestPositionSize(t *testing.T) {
	g := newGate(true)
	event := actionableEvent(models.EventNew)
	event.Price = 1.00

	// 2% of 50k = $1000 risk, $100 per contract.
	assert.Equal(t, 5, g.PositionSize(event, 50_000)) // clamped to max_contracts
	assert.Equal(t, 2, g.PositionSize(event, 10_000))

	event.RiskLevel = models.RiskHigh
	assert.Equal(t, 1, g.PositionSize(event, 10_000))

	event.RiskLevel = models.RiskExtreme
	assert.Equal(t, 1, g.PositionSize(event, 1_000)) // floor of one contract
}

func TestStopAndTargetDefaults(t *testing.T) {
	g := newGate(true)

	event := actionableEvent(models.EventNew)
	stop, target := g.StopAndTarget(event, 1.00)
	assert.InDelta(t, 0.75, stop, 0.001)
	assert.InDelta(t, 1.50, target, 0.001)

	event.Stop = 0.50
	event.Targets = []float64{2.00}
	stop, target = g.StopAndTarget(event, 1.00)
	assert.InDelta(t, 0.50, stop, 0.001)
	assert.InDelta(t, 2.00, target, 0.001)
}

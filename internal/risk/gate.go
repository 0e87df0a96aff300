// Package risk implements the deterministic approval gate that sits
// between event correlation and order execution. Every actionable event
// must pass the gate before it may touch the broker; any failed check
// means no trade.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/models"
)

// Decision is the gate's verdict on an event.
type Decision string

const (
	// Approve allows the event to proceed to execution.
	Approve Decision = "APPROVE"
	// Reject blocks the event; Result.Reason explains why.
	Reject Decision = "REJECT"
)

// Result is the outcome of a gate evaluation.
type Result struct {
	Decision Decision
	Reason   string
	Check    string // name of the first failed check, empty on approval
}

// Approved is a convenience accessor.
func (r Result) Approved() bool {
	return r.Decision == Approve
}

// State is the process-wide risk state. It has exactly one writer: the
// Gate, which mutates it under its own lock on session-close callbacks
// and manual operator actions.
type State struct {
	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`
	DailyPnL         float64   `json:"daily_pnl"`
	LossStreak       int       `json:"loss_streak"`
	TradesToday      int       `json:"trades_today"`
	Day              time.Time `json:"day"`
}

// Gate validates events against account and market constraints. It makes
// pure decisions plus counter updates; it never talks to the broker.
type Gate struct {
	mu       sync.Mutex
	cfg      config.RiskConfig
	inWindow func(time.Time) bool
	now      func() time.Time
	state    State
	logger   *logrus.Logger
}

// NewGate creates a risk gate. inWindow decides whether a timestamp falls
// inside the configured trading window.
func NewGate(cfg config.RiskConfig, inWindow func(time.Time) bool, logger *logrus.Logger) *Gate {
	if inWindow == nil {
		inWindow = func(time.Time) bool { return true }
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{
		cfg:      cfg,
		inWindow: inWindow,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Validate runs the ordered risk checks for an event against the session
// it correlated to (nil if none exists yet). The first failing check wins
// and its reason is surfaced verbatim to the caller.
func (g *Gate) Validate(event *models.Event, session *models.TradeSession) Result {
	if !event.Type.Actionable() {
		return Result{Decision: Approve, Reason: "non-actionable event"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(event.Timestamp)

	// 1. Kill switch blocks everything until manually cleared.
	if g.state.KillSwitchActive {
		return rejected("kill_switch",
			fmt.Sprintf("kill switch active: %s", g.state.KillSwitchReason))
	}

	// 2. Trading window.
	if !g.inWindow(event.Timestamp) {
		return rejected("trading_window", "event outside trading window")
	}

	// 3. Duplicate position. A PENDING placeholder from PLAN commentary
	// does not count: the NEW claims it and fills the entry.
	if event.Type == models.EventNew && session != nil && session.IsActive() &&
		(session.State == models.StateOpen || session.EntryOrderID != 0) {
		return rejected("duplicate_position",
			fmt.Sprintf("active session %s already exists for %s", session.ID, session.Key))
	}

	// 4. Size limits for entries and adds.
	if event.Type == models.EventNew || event.Type == models.EventAdd {
		qty := event.Quantity
		if qty == 0 {
			qty = 1
		}
		if qty > g.cfg.MaxContracts {
			return rejected("max_contracts",
				fmt.Sprintf("quantity %d exceeds max_contracts %d", qty, g.cfg.MaxContracts))
		}
		if event.Type == models.EventAdd && session != nil {
			if session.NumAdds >= g.cfg.MaxAdds {
				return rejected("max_adds",
					fmt.Sprintf("max_adds reached (%d/%d)", session.NumAdds, g.cfg.MaxAdds))
			}
			if session.TotalQuantity+qty > g.cfg.MaxContracts {
				return rejected("max_contracts",
					fmt.Sprintf("add of %d would push position to %d, above max_contracts %d",
						qty, session.TotalQuantity+qty, g.cfg.MaxContracts))
			}
		}
	}

	// 5. Position-requiring events need an active session.
	if event.Type.RequiresPosition() {
		if session == nil || !session.IsActive() {
			return rejected("no_position",
				fmt.Sprintf("no active position for %s event", event.Type))
		}
	}

	// 6. No re-entry after the stop was hit.
	if event.Type == models.EventAdd && session != nil && session.StopInvalidated {
		return rejected("stop_invalidated", "stop already invalidated, no adds allowed")
	}

	return Result{Decision: Approve, Reason: "all risk checks passed"}
}

func rejected(check, reason string) Result {
	return Result{Decision: Reject, Reason: reason, Check: check}
}

// RecordTradeResult updates daily P&L and the loss streak after a session
// closes, tripping the kill switch when either limit is breached. This is
// the single writer path for those counters.
func (g *Gate) RecordTradeResult(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(g.now())

	g.state.DailyPnL += pnl
	g.state.TradesToday++
	if pnl < 0 {
		g.state.LossStreak++
	} else {
		g.state.LossStreak = 0
	}

	if g.state.LossStreak >= g.cfg.MaxLossStreak {
		g.activateLocked(fmt.Sprintf("loss streak %d reached limit %d",
			g.state.LossStreak, g.cfg.MaxLossStreak))
	}
	if g.state.DailyPnL <= -g.cfg.MaxDailyLoss {
		g.activateLocked(fmt.Sprintf("daily loss %.2f breached limit %.2f",
			g.state.DailyPnL, g.cfg.MaxDailyLoss))
	}
}

// ActivateKillSwitch trips the kill switch manually.
func (g *Gate) ActivateKillSwitch(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activateLocked(reason)
}

func (g *Gate) activateLocked(reason string) {
	if g.state.KillSwitchActive {
		return
	}
	g.state.KillSwitchActive = true
	g.state.KillSwitchReason = reason
	g.logger.WithField("reason", reason).Error("kill switch activated")
}

// ClearKillSwitch resets the kill switch. Manual operator action only.
func (g *Gate) ClearKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.KillSwitchActive = false
	g.state.KillSwitchReason = ""
	g.logger.Warn("kill switch cleared")
}

// KillSwitchActive reports the current kill switch state.
func (g *Gate) KillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.KillSwitchActive
}

// Snapshot returns a copy of the current risk state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// rollDayLocked resets the daily counters when the trading day changes.
// The kill switch survives day rollover: it clears only manually.
func (g *Gate) rollDayLocked(at time.Time) {
	day := at.UTC().Truncate(24 * time.Hour)
	if g.state.Day.IsZero() {
		g.state.Day = day
		return
	}
	if day.After(g.state.Day) {
		g.state.Day = day
		g.state.DailyPnL = 0
		g.state.LossStreak = 0
		g.state.TradesToday = 0
	}
}

// PositionSize calculates how many contracts to trade for an entry, based
// on account balance and the event's risk level. Used when the alert
// carries no explicit quantity.
func (g *Gate) PositionSize(event *models.Event, accountBalance float64) int {
	riskDollars := accountBalance * g.cfg.RiskPerTradePct / 100
	switch event.RiskLevel {
	case models.RiskHigh:
		riskDollars *= g.cfg.HighRiskSizeReduction
	case models.RiskExtreme:
		riskDollars *= g.cfg.ExtremeRiskReduction
	}

	entryPrice := event.Price
	if entryPrice <= 0 {
		return 1
	}
	contracts := int(riskDollars / (entryPrice * models.ContractMultiplier))
	if contracts < 1 {
		contracts = 1
	}
	if contracts > g.cfg.MaxContracts {
		contracts = g.cfg.MaxContracts
	}
	return contracts
}

// StopAndTarget fills in a stop and first target when the alert does not
// provide them. Trader-specified values always win.
func (g *Gate) StopAndTarget(event *models.Event, entryPrice float64) (stop, target float64) {
	if entryPrice <= 0 {
		return 0, 0
	}
	stop = event.Stop
	if len(event.Targets) > 0 {
		target = event.Targets[0]
	}
	if stop <= 0 {
		stop = math.Round(entryPrice*(1-g.cfg.AutoStopPct/100)*100) / 100
	}
	if target <= 0 {
		target = math.Round((entryPrice+(entryPrice-stop)*g.cfg.RiskRewardRatio)*100) / 100
	}
	return stop, target
}

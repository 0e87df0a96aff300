// Package engine converts approved events into broker order operations
// and keeps protective brackets consistent with the session state. It is
// the sole caller of the broker for order placement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/models"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/retry"
	"github.com/efarrell-labs/alertrunner/internal/risk"
	"github.com/efarrell-labs/alertrunner/internal/sink"
	"github.com/efarrell-labs/alertrunner/internal/util"
)

var (
	// ErrSuspended means the broker connection is down and submissions are
	// paused until reconnect plus reconciliation completes.
	ErrSuspended = errors.New("engine: submissions suspended, broker disconnected")
	// ErrOrderTimeout means the order did not reach a fill within the
	// configured window and was cancelled.
	ErrOrderTimeout = errors.New("engine: order timed out waiting for fill")
	// ErrOrderFailed means the broker terminally rejected or cancelled the
	// order.
	ErrOrderFailed = errors.New("engine: order failed")
)

// Engine executes approved events against the broker. Callers must hold
// the registry key lock for the session across each Execute call; the
// engine itself performs no cross-session locking.
type Engine struct {
	broker    broker.Broker
	submitter *retry.Submitter
	registry  *registry.Registry
	gate      *risk.Gate
	cfg       *config.Config
	conn      *broker.ConnManager
	sinks     sink.Sink
	logger    *logrus.Logger
	brackets  *bracketManager
}

// New creates an execution engine. conn may be nil when connection
// supervision is not needed (paper trading, tests).
func New(b broker.Broker, sub *retry.Submitter, reg *registry.Registry, gate *risk.Gate,
	cfg *config.Config, conn *broker.ConnManager, sinks sink.Sink, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		broker:    b,
		submitter: sub,
		registry:  reg,
		gate:      gate,
		cfg:       cfg,
		conn:      conn,
		sinks:     sinks,
		logger:    logger,
	}
	e.brackets = newBracketManager(e)
	return e
}

// Run consumes the broker's order-update stream until ctx is cancelled.
// It drives the bracket leg state machines: when a protective leg fills,
// the sibling legs are cancelled and the session is closed.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-e.broker.Updates():
			if !ok {
				return nil
			}
			e.brackets.handleUpdate(ctx, update)
		}
	}
}

// Execute dispatches one approved event against its session. The caller
// holds the key lock.
func (e *Engine) Execute(ctx context.Context, event *models.Event, session *models.TradeSession) error {
	switch event.Type {
	case models.EventNew:
		return e.executeEntry(ctx, event, session, false)
	case models.EventAdd:
		return e.executeEntry(ctx, event, session, true)
	case models.EventTrim, models.EventExit, models.EventTP, models.EventSL:
		return e.executeReduce(ctx, event, session)
	case models.EventCancel:
		return e.executeCancel(ctx, event, session)
	case models.EventMoveStop:
		return e.executeMoveStop(ctx, event, session)
	case models.EventPlan, models.EventTargets, models.EventRiskNote:
		delta, err := e.registry.Apply(session, event, registry.Fill{})
		if err != nil {
			return err
		}
		if delta.RecomputeBracket && session.State == models.StateOpen {
			return e.recreateBrackets(ctx, session)
		}
		return nil
	default:
		return nil
	}
}

// executeEntry qualifies the contract, submits the buy order, waits for
// the fill, applies it to the session and rebuilds the protective
// bracket sized to the new quantity.
func (e *Engine) executeEntry(ctx context.Context, event *models.Event, session *models.TradeSession, isAdd bool) error {
	if err := e.checkConnected(); err != nil {
		return err
	}

	contract := contractForKey(session.Key)
	qualified, err := e.broker.Qualify(ctx, contract)
	if err != nil {
		return fmt.Errorf("qualifying %s: %w", session.Key, err)
	}

	quantity := event.Quantity
	if quantity <= 0 {
		balance, berr := e.broker.GetAccountBalance(ctx)
		if berr != nil {
			return fmt.Errorf("fetching balance for sizing: %w", berr)
		}
		quantity = e.gate.PositionSize(event, balance)
	}

	order := broker.Order{
		Contract: qualified,
		Side:     broker.SideBuy,
		Quantity: quantity,
		Tag:      e.orderTag(session, event),
	}
	if e.cfg.Execution.OrderType == "limit" && event.Price > 0 {
		order.Type = broker.OrderLimit
		order.LimitPrice = util.RoundToCents(event.Price * (1 + e.cfg.Execution.SlippagePct))
	} else {
		order.Type = broker.OrderMarket
		order.LimitPrice = event.Price
	}

	orderID, err := e.submitter.SubmitOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("submitting %s order: %w", event.Type, err)
	}
	e.registry.SetEntryOrder(session, orderID)
	e.emit(sink.ExecutionRecord{
		Type: sink.TypeOrderSubmitted, Time: time.Now().UTC(),
		SessionID: session.ID, EventType: string(event.Type), Key: session.Key.String(),
		OrderID: orderID, Quantity: quantity, Price: order.LimitPrice,
	})

	fill, err := e.waitForFill(ctx, orderID)
	if err != nil {
		if !isAdd {
			if terr := e.registry.FailEntry(session, err.Error()); terr != nil {
				e.logger.WithError(terr).Error("failed to cancel session after entry failure")
			}
		}
		return err
	}
	e.emit(sink.ExecutionRecord{
		Type: sink.TypeOrderResult, Time: time.Now().UTC(),
		SessionID: session.ID, EventType: string(event.Type), Key: session.Key.String(),
		OrderID: orderID, Quantity: fill.FilledQty, Price: fill.AvgFillPrice,
	})

	if _, err := e.registry.Apply(session, event, registry.Fill{
		Quantity: fill.FilledQty,
		Price:    fill.AvgFillPrice,
		Time:     fill.Time,
	}); err != nil {
		return err
	}

	if !isAdd {
		stop, target := e.gate.StopAndTarget(event, fill.AvgFillPrice)
		targets := event.Targets
		if len(targets) == 0 && target > 0 {
			targets = []float64{target}
		}
		e.registry.SetBracket(session, stop, targets, fill.AvgFillPrice)
		e.emit(sink.ExecutionRecord{
			Type: sink.TypeSessionOpened, Time: time.Now().UTC(),
			SessionID: session.ID, Key: session.Key.String(),
			Quantity: session.TotalQuantity, Price: session.AvgEntryPrice,
		})
	}
	return e.recreateBrackets(ctx, session)
}

// executeReduce sells part or all of the position at market and applies
// the realized result.
func (e *Engine) executeReduce(ctx context.Context, event *models.Event, session *models.TradeSession) error {
	if err := e.checkConnected(); err != nil {
		return err
	}
	if session.State != models.StateOpen {
		return fmt.Errorf("%w: %s on %s session", registry.ErrInvariantViolation, event.Type, session.State)
	}

	quantity := reduceQuantityFor(event, session)

	// Cancel resting legs before selling so the broker never works two
	// sell orders against the same contracts.
	if err := e.cancelBrackets(ctx, session); err != nil {
		return err
	}

	fill, err := e.sellAtMarket(ctx, session, event, quantity)
	if err != nil {
		return err
	}

	delta, err := e.registry.Apply(session, event, registry.Fill{
		Quantity: fill.FilledQty,
		Price:    fill.AvgFillPrice,
		Time:     fill.Time,
	})
	if err != nil {
		return err
	}

	if delta.Closed {
		e.finishSession(session, delta)
		return nil
	}
	return e.recreateBrackets(ctx, session)
}

// executeCancel invalidates a pending idea, or liquidates if the position
// is already open.
func (e *Engine) executeCancel(ctx context.Context, event *models.Event, session *models.TradeSession) error {
	if session.State == models.StatePending {
		delta, err := e.registry.Apply(session, event, registry.Fill{})
		if err != nil {
			return err
		}
		e.emit(sink.ExecutionRecord{
			Type: sink.TypeSessionClosed, Time: time.Now().UTC(),
			SessionID: session.ID, Key: session.Key.String(), Reason: delta.ExitReason,
		})
		return nil
	}
	return e.executeReduce(ctx, event, session)
}

// executeMoveStop replaces the stop leg at the trader's new price. The
// moved stop is pinned: later adds no longer recompute it from offsets.
func (e *Engine) executeMoveStop(ctx context.Context, event *models.Event, session *models.TradeSession) error {
	delta, err := e.registry.Apply(session, event, registry.Fill{})
	if err != nil {
		return err
	}
	if !delta.RecomputeBracket {
		return nil
	}
	if err := e.checkConnected(); err != nil {
		return err
	}
	return e.recreateBrackets(ctx, session)
}

// CloseAll liquidates every open session, e.g. at end of day. Sessions
// that fail to close are logged and skipped; the rest still close.
func (e *Engine) CloseAll(ctx context.Context, reason string) {
	for _, session := range e.registry.ActiveSessions() {
		unlock := e.registry.LockKey(session.Key)
		err := e.closeOne(ctx, session, reason)
		unlock()
		if err != nil {
			e.logger.WithError(err).WithField("session_id", session.ID).
				Error("liquidation failed")
		}
	}
}

func (e *Engine) closeOne(ctx context.Context, session *models.TradeSession, reason string) error {
	if session.State != models.StateOpen {
		return nil
	}
	if err := e.cancelBrackets(ctx, session); err != nil {
		return err
	}
	fill, err := e.sellAtMarket(ctx, session, &models.Event{Type: models.EventExit}, session.TotalQuantity)
	if err != nil {
		return err
	}
	delta, err := e.registry.CloseWithReason(session, registry.Fill{
		Quantity: fill.FilledQty,
		Price:    fill.AvgFillPrice,
		Time:     fill.Time,
	}, reason, models.ConditionEndOfDay)
	if err != nil {
		return err
	}
	e.finishSession(session, delta)
	return nil
}

// sellAtMarket submits a market sell and waits for the fill.
func (e *Engine) sellAtMarket(ctx context.Context, session *models.TradeSession, event *models.Event, quantity int) (broker.OrderUpdate, error) {
	contract := contractForKey(session.Key)
	qualified, err := e.broker.Qualify(ctx, contract)
	if err != nil {
		return broker.OrderUpdate{}, fmt.Errorf("qualifying %s: %w", session.Key, err)
	}
	order := broker.Order{
		Contract: qualified,
		Side:     broker.SideSell,
		Type:     broker.OrderMarket,
		Quantity: quantity,
		Tag:      e.orderTag(session, event),
	}
	orderID, err := e.submitter.SubmitOrder(ctx, order)
	if err != nil {
		return broker.OrderUpdate{}, fmt.Errorf("submitting sell order: %w", err)
	}
	e.emit(sink.ExecutionRecord{
		Type: sink.TypeOrderSubmitted, Time: time.Now().UTC(),
		SessionID: session.ID, EventType: string(event.Type), Key: session.Key.String(),
		OrderID: orderID, Quantity: quantity,
	})
	fill, err := e.waitForFill(ctx, orderID)
	if err != nil {
		return broker.OrderUpdate{}, err
	}
	e.emit(sink.ExecutionRecord{
		Type: sink.TypeOrderResult, Time: time.Now().UTC(),
		SessionID: session.ID, EventType: string(event.Type), Key: session.Key.String(),
		OrderID: orderID, Quantity: fill.FilledQty, Price: fill.AvgFillPrice,
	})
	return fill, nil
}

var errFillWaitWindow = errors.New("engine: fill wait window elapsed")

// waitForFill polls the order until it fills. A timed-out window is
// retried a bounded number of times against the same broker order id, so
// no retry can ever duplicate a fill. After the last window, or on
// cancellation, the order is cancelled and its final state confirmed: an
// in-flight order is never forgotten.
func (e *Engine) waitForFill(ctx context.Context, orderID int) (broker.OrderUpdate, error) {
	for attempt := 0; ; attempt++ {
		update, err := e.waitOneWindow(ctx, orderID)
		switch {
		case err == nil:
			return update, nil
		case errors.Is(err, errFillWaitWindow) && attempt < e.cfg.Execution.MaxRetries:
			e.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"attempt":  attempt + 1,
			}).Warn("no fill within window, still working the same order")
		case errors.Is(err, errFillWaitWindow):
			return e.resolveTimedOut(ctx, orderID, ErrOrderTimeout)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return e.resolveTimedOut(context.WithoutCancel(ctx), orderID, err)
		default:
			return update, err
		}
	}
}

// waitOneWindow polls the order status for one fill-timeout window.
func (e *Engine) waitOneWindow(ctx context.Context, orderID int) (broker.OrderUpdate, error) {
	deadline := time.NewTimer(e.cfg.FillTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	for {
		update, err := e.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch update.Status {
			case broker.StatusFilled:
				return update, nil
			case broker.StatusRejected, broker.StatusCanceled, broker.StatusExpired:
				return broker.OrderUpdate{}, fmt.Errorf("%w: order %d %s: %s",
					ErrOrderFailed, orderID, update.Status, update.Reason)
			}
		} else {
			e.logger.WithError(err).WithField("order_id", orderID).Warn("order status poll failed")
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return broker.OrderUpdate{}, errFillWaitWindow
		case <-ctx.Done():
			return broker.OrderUpdate{}, ctx.Err()
		}
	}
}

// resolveTimedOut cancels a still-working order and reports whichever
// terminal state it actually reached. A fill that raced the cancel wins.
func (e *Engine) resolveTimedOut(ctx context.Context, orderID int, cause error) (broker.OrderUpdate, error) {
	if err := e.submitter.CancelOrder(ctx, orderID); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).
			Error("failed to cancel timed-out order")
	}
	update, err := e.broker.OrderStatus(ctx, orderID)
	if err == nil && update.Status == broker.StatusFilled {
		return update, nil
	}
	return broker.OrderUpdate{}, fmt.Errorf("order %d unresolved: %w", orderID, cause)
}

// finishSession emits the close record and feeds the realized result to
// the risk counters.
func (e *Engine) finishSession(session *models.TradeSession, delta registry.Delta) {
	e.brackets.forget(session.ID)
	e.gate.RecordTradeResult(session.RealizedPnL)
	e.emit(sink.ExecutionRecord{
		Type: sink.TypeSessionClosed, Time: time.Now().UTC(),
		SessionID: session.ID, Key: session.Key.String(),
		PnL: session.RealizedPnL, Reason: delta.ExitReason,
	})
}

func (e *Engine) checkConnected() error {
	if e.conn != nil && !e.conn.Connected() {
		return ErrSuspended
	}
	return nil
}

func (e *Engine) emit(record sink.ExecutionRecord) {
	if e.sinks != nil {
		e.sinks.Emit(record)
	}
}

// orderTag builds the idempotency tag for one order intent. Retries of
// the same intent reuse the tag; distinct intents never collide.
func (e *Engine) orderTag(session *models.TradeSession, event *models.Event) string {
	suffix := event.MessageID
	if suffix == "" {
		suffix = uuid.New().String()[:8]
	}
	return fmt.Sprintf("%s-%s-%s", util.ShortID(session.ID),
		strings.ToLower(string(event.Type)), suffix)
}

// reduceQuantityFor decides how many contracts a reduce event sells. A
// TRIM without explicit quantity halves the position; TP/SL/EXIT and
// post-entry CANCEL sell everything.
func reduceQuantityFor(event *models.Event, session *models.TradeSession) int {
	if event.Type == models.EventTrim {
		if event.Quantity > 0 && event.Quantity < session.TotalQuantity {
			return event.Quantity
		}
		if event.Quantity == 0 && session.TotalQuantity > 1 {
			return session.TotalQuantity / 2
		}
	}
	return session.TotalQuantity
}

func contractForKey(key models.ContractKey) broker.OptionContract {
	return broker.OptionContract{
		Underlying: key.Underlying,
		Strike:     key.Strike,
		Expiry:     key.Expiry,
		Direction:  key.Direction,
	}
}

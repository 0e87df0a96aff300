package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/models"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/util"
)

// bracketState tracks one session's protective legs through the
// one-cancels-other protocol. Sibling cancellation is driven here, not
// delegated to broker-native grouping.
type bracketState string

const (
	bracketActive     bracketState = "BRACKET_ACTIVE"
	bracketLegFilled  bracketState = "LEG_FILLED"
	bracketCancelling bracketState = "SIBLING_CANCELLING"
	bracketSettled    bracketState = "SETTLED"
)

// legSet is the live bracket for one session: one stop leg and one or
// more target legs resting at the broker.
type legSet struct {
	sessionID      string
	key            models.ContractKey
	stopOrderID    int
	targetOrderIDs []int
	state          bracketState
}

func (l *legSet) orderIDs() []int {
	ids := make([]int, 0, len(l.targetOrderIDs)+1)
	if l.stopOrderID != 0 {
		ids = append(ids, l.stopOrderID)
	}
	return append(ids, l.targetOrderIDs...)
}

func (l *legSet) siblings(filledID int) []int {
	var out []int
	for _, id := range l.orderIDs() {
		if id != filledID {
			out = append(out, id)
		}
	}
	return out
}

// bracketManager indexes live leg sets by order id and session id and
// reacts to leg fills from the broker update stream.
type bracketManager struct {
	mu        sync.Mutex
	engine    *Engine
	byOrder   map[int]*legSet
	bySession map[string]*legSet
}

func newBracketManager(e *Engine) *bracketManager {
	return &bracketManager{
		engine:    e,
		byOrder:   make(map[int]*legSet),
		bySession: make(map[string]*legSet),
	}
}

func (m *bracketManager) track(session *models.TradeSession, stopOrderID int, targetOrderIDs []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(session.ID)
	set := &legSet{
		sessionID:      session.ID,
		key:            session.Key,
		stopOrderID:    stopOrderID,
		targetOrderIDs: append([]int(nil), targetOrderIDs...),
		state:          bracketActive,
	}
	for _, id := range set.orderIDs() {
		m.byOrder[id] = set
	}
	m.bySession[session.ID] = set
}

func (m *bracketManager) forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(sessionID)
}

func (m *bracketManager) forgetLocked(sessionID string) {
	set, ok := m.bySession[sessionID]
	if !ok {
		return
	}
	for _, id := range set.orderIDs() {
		delete(m.byOrder, id)
	}
	delete(m.bySession, sessionID)
}

// handleUpdate reacts to one order-status update from the broker. Only
// fills of tracked protective legs matter here; entry fills are resolved
// synchronously by polling.
func (m *bracketManager) handleUpdate(ctx context.Context, update broker.OrderUpdate) {
	if update.Status != broker.StatusFilled {
		return
	}

	m.mu.Lock()
	set, ok := m.byOrder[update.OrderID]
	if !ok || set.state != bracketActive {
		m.mu.Unlock()
		return
	}
	set.state = bracketLegFilled
	isStop := update.OrderID == set.stopOrderID
	siblings := set.siblings(update.OrderID)
	m.mu.Unlock()

	m.settleLeg(ctx, set, update, isStop, siblings)
}

// settleLeg cancels the sibling legs and applies the fill to the session
// under the key lock.
func (m *bracketManager) settleLeg(ctx context.Context, set *legSet, update broker.OrderUpdate, isStop bool, siblings []int) {
	e := m.engine

	m.setState(set, bracketCancelling)
	for _, id := range siblings {
		if err := e.submitter.CancelOrder(ctx, id); err != nil {
			e.logger.WithError(err).WithField("order_id", id).
				Error("failed to cancel sibling bracket leg")
		}
	}

	unlock := e.registry.LockKey(set.key)
	defer unlock()

	session, err := e.registry.Get(set.sessionID)
	if err != nil || session.State != models.StateOpen {
		m.setState(set, bracketSettled)
		m.forget(set.sessionID)
		return
	}

	event := legFillEvent(update, isStop, session.TotalQuantity)
	delta, err := e.registry.Apply(session, event, registry.Fill{
		Quantity: update.FilledQty,
		Price:    update.AvgFillPrice,
		Time:     update.Time,
	})
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": set.sessionID,
			"order_id":   update.OrderID,
		}).Error("applying bracket leg fill failed")
		return
	}

	m.setState(set, bracketSettled)
	m.forget(set.sessionID)

	if delta.Closed {
		e.finishSession(session, delta)
		return
	}
	// Partial target fill: the position shrank, rebuild the remaining
	// legs sized to the new quantity.
	if err := e.recreateBrackets(ctx, session); err != nil {
		e.logger.WithError(err).WithField("session_id", set.sessionID).
			Error("rebuilding brackets after partial leg fill failed")
	}
}

func (m *bracketManager) setState(set *legSet, state bracketState) {
	m.mu.Lock()
	set.state = state
	m.mu.Unlock()
}

// legFillEvent maps a protective leg fill to the session event it implies.
// A partial fill of either leg only shrank the position, so it is a trim
// regardless of which leg fired; the remainder gets fresh legs. Only a
// position-clearing fill closes the session.
func legFillEvent(update broker.OrderUpdate, isStop bool, openQuantity int) *models.Event {
	eventType := models.EventTP
	switch {
	case update.FilledQty < openQuantity:
		eventType = models.EventTrim
	case isStop:
		eventType = models.EventSL
	}
	return &models.Event{
		Type:      eventType,
		Timestamp: update.Time,
		Quantity:  update.FilledQty,
		Price:     update.AvgFillPrice,
	}
}

// recreateBrackets cancels any existing protective legs and places fresh
// ones sized to the session's current quantity. Prices come from the
// captured percentage offsets applied to the current average entry
// price; a manually moved stop keeps its price.
func (e *Engine) recreateBrackets(ctx context.Context, session *models.TradeSession) error {
	if err := e.cancelBrackets(ctx, session); err != nil {
		return err
	}
	if session.State != models.StateOpen || session.TotalQuantity <= 0 {
		return nil
	}

	stop, targets := session.BracketPricesFor(session.AvgEntryPrice)
	contract := contractForKey(session.Key)
	qualified, err := e.broker.Qualify(ctx, contract)
	if err != nil {
		return err
	}

	var stopOrderID int
	if stop > 0 {
		stopOrderID, err = e.submitter.SubmitOrder(ctx, broker.Order{
			Contract:  qualified,
			Side:      broker.SideSell,
			Type:      broker.OrderStop,
			Quantity:  session.TotalQuantity,
			StopPrice: util.RoundToCents(stop),
			Tag:       e.orderTag(session, &models.Event{Type: "STOP_LEG"}),
		})
		if err != nil {
			return err
		}
	}

	targetOrderIDs := make([]int, 0, len(targets))
	for i, target := range targets {
		qty := targetLegQuantity(session.TotalQuantity, len(targets), i)
		if qty == 0 {
			continue
		}
		id, err := e.submitter.SubmitOrder(ctx, broker.Order{
			Contract:   qualified,
			Side:       broker.SideSell,
			Type:       broker.OrderLimit,
			Quantity:   qty,
			LimitPrice: util.RoundToCents(target),
			Tag:        e.orderTag(session, &models.Event{Type: "TARGET_LEG"}),
		})
		if err != nil {
			return err
		}
		targetOrderIDs = append(targetOrderIDs, id)
	}

	e.registry.SetBracketOrders(session, stopOrderID, targetOrderIDs)
	e.brackets.track(session, stopOrderID, targetOrderIDs)
	e.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"stop":       util.RoundToCents(stop),
		"targets":    targets,
		"quantity":   session.TotalQuantity,
	}).Info("bracket legs placed")
	return nil
}

// cancelBrackets cancels the session's resting protective legs and clears
// the order references.
func (e *Engine) cancelBrackets(ctx context.Context, session *models.TradeSession) error {
	ids := make([]int, 0, len(session.TargetOrderIDs)+1)
	if session.StopOrderID != 0 {
		ids = append(ids, session.StopOrderID)
	}
	ids = append(ids, session.TargetOrderIDs...)
	for _, id := range ids {
		if err := e.submitter.CancelOrder(ctx, id); err != nil {
			return err
		}
	}
	e.registry.SetBracketOrders(session, 0, nil)
	e.brackets.forget(session.ID)
	return nil
}

// targetLegQuantity splits the position across target legs, front-loading
// the remainder.
func targetLegQuantity(total, legs, index int) int {
	if legs <= 0 {
		return 0
	}
	base := total / legs
	if index < total%legs {
		base++
	}
	return base
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/models"
	"github.com/efarrell-labs/alertrunner/internal/sink"
)

// CorrectionKind classifies one reconciliation finding.
type CorrectionKind string

const (
	// CorrectQuantity means a session's believed quantity differs from the
	// broker's and must be overwritten.
	CorrectQuantity CorrectionKind = "correct_quantity"
	// AdoptPosition means the broker holds a position no session tracks;
	// a recovery session is created for it.
	AdoptPosition CorrectionKind = "adopt_position"
	// ClearOrderRefs means a session references bracket orders the broker
	// no longer has working.
	ClearOrderRefs CorrectionKind = "clear_order_refs"
)

// Correction is one corrective mutation of local state. Corrections never
// place orders: the broker is the source of truth and local state bends
// to it.
type Correction struct {
	Kind      CorrectionKind
	SessionID string
	Key       models.ContractKey
	Believed  int
	Actual    int
	AvgCost   float64
	OrderIDs  []int
}

// Diff compares believed session state against the broker's positions and
// open orders and returns the corrections needed to make them agree. It
// is a pure function: with matching inputs it returns nothing, so running
// reconciliation twice against unchanged broker state is a no-op.
func Diff(sessions []*models.TradeSession, positions []broker.Position, openOrders []broker.Order) []Correction {
	byKey := make(map[models.ContractKey]broker.Position, len(positions))
	for _, pos := range positions {
		byKey[pos.Contract.KeyFor()] = pos
	}
	workingOrders := make(map[int]bool, len(openOrders))
	for _, o := range openOrders {
		workingOrders[o.ID] = true
	}
	claimed := make(map[models.ContractKey]bool, len(sessions))

	var corrections []Correction
	for _, session := range sessions {
		claimed[session.Key] = true
		actual := 0
		avgCost := 0.0
		if pos, ok := byKey[session.Key]; ok {
			actual = pos.Quantity
			avgCost = pos.AvgCost
		}
		if actual != session.TotalQuantity {
			corrections = append(corrections, Correction{
				Kind:      CorrectQuantity,
				SessionID: session.ID,
				Key:       session.Key,
				Believed:  session.TotalQuantity,
				Actual:    actual,
				AvgCost:   avgCost,
			})
		}

		var stale []int
		if session.StopOrderID != 0 && !workingOrders[session.StopOrderID] {
			stale = append(stale, session.StopOrderID)
		}
		for _, id := range session.TargetOrderIDs {
			if !workingOrders[id] {
				stale = append(stale, id)
			}
		}
		if len(stale) > 0 {
			corrections = append(corrections, Correction{
				Kind:      ClearOrderRefs,
				SessionID: session.ID,
				Key:       session.Key,
				OrderIDs:  stale,
			})
		}
	}

	for _, pos := range positions {
		key := pos.Contract.KeyFor()
		if claimed[key] || pos.Quantity <= 0 {
			continue
		}
		corrections = append(corrections, Correction{
			Kind:    AdoptPosition,
			Key:     key,
			Actual:  pos.Quantity,
			AvgCost: pos.AvgCost,
		})
	}
	return corrections
}

// Reconcile fetches the broker's authoritative positions and open orders,
// diffs them against every active session and corrects local state to
// match. It runs periodically and must succeed after every reconnect
// before submissions resume. It never places or resubmits orders.
func (e *Engine) Reconcile(ctx context.Context) error {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	openOrders, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetching open orders: %w", err)
	}

	corrections := Diff(e.registry.ActiveSessions(), positions, openOrders)
	for _, c := range corrections {
		if err := e.applyCorrection(ctx, c); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"kind": string(c.Kind),
				"key":  c.Key.String(),
			}).Error("reconcile correction failed")
		}
	}
	if len(corrections) == 0 {
		e.logger.Debug("reconcile: local state matches broker")
	}
	return nil
}

func (e *Engine) applyCorrection(ctx context.Context, c Correction) error {
	unlock := e.registry.LockKey(c.Key)
	defer unlock()

	switch c.Kind {
	case CorrectQuantity:
		session, err := e.registry.Get(c.SessionID)
		if err != nil {
			return err
		}
		if session.State.Terminal() || session.TotalQuantity == c.Actual {
			return nil
		}
		e.logger.WithFields(logrus.Fields{
			"session_id": c.SessionID,
			"key":        c.Key.String(),
			"believed":   c.Believed,
			"actual":     c.Actual,
		}).Warn("reconcile: quantity mismatch, broker wins")
		if err := e.registry.ForceQuantity(session, c.Actual, c.AvgCost, "broker reconciliation"); err != nil {
			return err
		}
		if !session.IsActive() {
			e.cancelLegsForClosedSession(ctx, session)
		}
		e.emit(sink.ExecutionRecord{
			Type: sink.TypeReconcileCorrection, Time: time.Now().UTC(),
			SessionID: c.SessionID, Key: c.Key.String(),
			Quantity: c.Actual,
			Detail:   fmt.Sprintf("quantity corrected from %d to %d", c.Believed, c.Actual),
		})

	case AdoptPosition:
		if e.registry.ActiveForKey(c.Key) != nil {
			return nil
		}
		now := time.Now().UTC()
		session := models.NewTradeSession(uuid.New().String(), c.Key, "reconcile", now)
		if err := session.ApplyEntry(c.Actual, c.AvgCost, now); err != nil {
			return err
		}
		if err := session.TransitionState(models.StateOpen, models.ConditionRecovered); err != nil {
			return err
		}
		e.registry.AdoptSession(session)
		e.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"key":        c.Key.String(),
			"quantity":   c.Actual,
		}).Warn("reconcile: adopted untracked broker position")
		e.emit(sink.ExecutionRecord{
			Type: sink.TypeReconcileCorrection, Time: time.Now().UTC(),
			SessionID: session.ID, Key: c.Key.String(),
			Quantity: c.Actual, Price: c.AvgCost,
			Detail: "adopted untracked broker position",
		})

	case ClearOrderRefs:
		session, err := e.registry.Get(c.SessionID)
		if err != nil {
			return err
		}
		stale := make(map[int]bool, len(c.OrderIDs))
		for _, id := range c.OrderIDs {
			stale[id] = true
		}
		stop := session.StopOrderID
		if stale[stop] {
			stop = 0
		}
		var targets []int
		for _, id := range session.TargetOrderIDs {
			if !stale[id] {
				targets = append(targets, id)
			}
		}
		e.logger.WithFields(logrus.Fields{
			"session_id": c.SessionID,
			"order_ids":  c.OrderIDs,
		}).Warn("reconcile: clearing references to orders no longer working")
		e.registry.SetBracketOrders(session, stop, targets)
		if stop == 0 && len(targets) == 0 {
			e.brackets.forget(session.ID)
		} else {
			e.brackets.track(session, stop, targets)
		}
		e.emit(sink.ExecutionRecord{
			Type: sink.TypeReconcileCorrection, Time: time.Now().UTC(),
			SessionID: c.SessionID, Key: c.Key.String(),
			Detail: fmt.Sprintf("cleared %d stale order references", len(c.OrderIDs)),
		})
	}
	return nil
}

// cancelLegsForClosedSession cancels any bracket legs still working for a
// session reconciliation just closed, so no sell order rests at the
// broker without a position behind it.
func (e *Engine) cancelLegsForClosedSession(ctx context.Context, session *models.TradeSession) {
	ids := make([]int, 0, len(session.TargetOrderIDs)+1)
	if session.StopOrderID != 0 {
		ids = append(ids, session.StopOrderID)
	}
	ids = append(ids, session.TargetOrderIDs...)
	for _, id := range ids {
		if err := e.submitter.CancelOrder(ctx, id); err != nil {
			e.logger.WithError(err).WithField("order_id", id).
				Error("failed to cancel orphaned bracket leg")
		}
	}
	e.registry.SetBracketOrders(session, 0, nil)
	e.brackets.forget(session.ID)
}

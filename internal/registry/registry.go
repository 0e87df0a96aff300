// Package registry owns the set of trade sessions and correlates incoming
// events to them. All session mutation happens through the registry, under
// a per-key lock that serializes events targeting the same position.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/models"
)

var (
	// ErrDuplicateSession means a NEW event targeted a key that already has
	// an active session.
	ErrDuplicateSession = errors.New("registry: active session already exists for key")
	// ErrNoActiveSession means an event required an active session and none
	// exists for its key.
	ErrNoActiveSession = errors.New("registry: no active session for key")
	// ErrSessionNotFound means the referenced session id is unknown.
	ErrSessionNotFound = errors.New("registry: session not found")
	// ErrInvariantViolation means an operation would break a session
	// invariant, e.g. mutating a CLOSED session. Never swallowed.
	ErrInvariantViolation = errors.New("registry: invariant violation")
)

// Exit reasons recorded on session close.
const (
	ExitTrimToZero = "TRIM_TO_ZERO"
	ExitTargetHit  = "TARGET_HIT"
	ExitStopHit    = "STOP_HIT"
	ExitManual     = "MANUAL_EXIT"
	ExitCancelled  = "CANCELLED"
	ExitEndOfDay   = "END_OF_DAY"
	ExitReconciled = "RECONCILED_FLAT"
)

// Fill carries the externally obtained execution result for an event.
type Fill struct {
	Quantity int
	Price    float64
	Time     time.Time
}

// Delta describes the effect of applying one event to a session.
type Delta struct {
	SessionID        string
	NewQuantity      int
	NewAvgPrice      float64
	RealizedPnLDelta float64
	Closed           bool
	ExitReason       string
	// RecomputeBracket tells the engine to cancel and recreate the
	// protective legs for the session's new quantity and reference price.
	RecomputeBracket bool
}

// Registry holds per-position session state machines indexed by
// correlation key.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*models.TradeSession
	activeByKey map[models.ContractKey]string
	keyLocks    map[models.ContractKey]*sync.Mutex
	logger      *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions:    make(map[string]*models.TradeSession),
		activeByKey: make(map[models.ContractKey]string),
		keyLocks:    make(map[models.ContractKey]*sync.Mutex),
		logger:      logger,
	}
}

// LockKey acquires the serialization lock for a correlation key and
// returns the unlock function. Two events on the same key are never
// processed concurrently: the second blocks here until the first event's
// full order-result handling has finished. Different keys proceed
// independently.
func (r *Registry) LockKey(key models.ContractKey) func() {
	r.mu.Lock()
	lock, ok := r.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.keyLocks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ActiveForKey returns the active (PENDING/OPEN) session for a key, or nil.
func (r *Registry) ActiveForKey(key models.ContractKey) *models.TradeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.activeByKey[key]; ok {
		return r.sessions[id]
	}
	return nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*models.TradeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Correlate maps an event to exactly one session. The caller must hold the
// key lock. Rules:
//   - an active session for the key claims the event;
//   - NEW with an active session is a duplicate and is rejected;
//   - NEW, or an informational event, with no active session creates a
//     PENDING session (a placeholder, for informational events);
//   - anything else with no active session fails with ErrNoActiveSession.
func (r *Registry) Correlate(event *models.Event) (*models.TradeSession, bool, error) {
	key := event.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *models.TradeSession
	if id, ok := r.activeByKey[key]; ok {
		existing = r.sessions[id]
	}
	if existing == nil && key.IsZero() && event.Type.Informational() {
		// Commentary without contract details attaches to the trader's most
		// recently touched active session.
		existing = r.mostRecentActiveLocked(event.Author)
	}

	if existing != nil {
		// A NEW claims a PENDING placeholder left by commentary, but an
		// entered (or entering) session makes it a duplicate.
		if event.Type == models.EventNew &&
			(existing.State == models.StateOpen || existing.EntryOrderID != 0) {
			return existing, false, fmt.Errorf("%w: %s held by session %s",
				ErrDuplicateSession, key, existing.ID)
		}
		return existing, false, nil
	}

	if event.Type == models.EventNew || (event.Type.Informational() && !key.IsZero()) {
		session := models.NewTradeSession(uuid.New().String(), key, event.Author, event.Timestamp)
		r.sessions[session.ID] = session
		r.activeByKey[key] = session.ID
		r.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"key":        key.String(),
			"event_type": string(event.Type),
		}).Info("session created")
		return session, true, nil
	}

	return nil, false, fmt.Errorf("%w: %s event for %s", ErrNoActiveSession, event.Type, key)
}

func (r *Registry) mostRecentActiveLocked(author string) *models.TradeSession {
	var best *models.TradeSession
	for _, id := range r.activeByKey {
		s := r.sessions[id]
		if author != "" && s.Author != author {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	return best
}

// Apply performs the atomic state transition for one event and its fill
// result. It is a pure transition over session state: no I/O happens here.
// The caller must hold the key lock for the session.
func (r *Registry) Apply(session *models.TradeSession, event *models.Event, fill Fill) (Delta, error) {
	if session.State.Terminal() {
		return Delta{}, fmt.Errorf("%w: applying %s to %s session %s",
			ErrInvariantViolation, event.Type, session.State, session.ID)
	}

	var delta Delta
	var err error
	switch event.Type {
	case models.EventNew:
		delta, err = r.applyEntry(session, fill, false)
	case models.EventAdd:
		delta, err = r.applyEntry(session, fill, true)
	case models.EventTrim:
		delta, err = r.applyReduce(session, fill, "")
	case models.EventTP:
		delta, err = r.applyReduce(session, fill, ExitTargetHit)
	case models.EventSL:
		delta, err = r.applyReduce(session, fill, ExitStopHit)
	case models.EventExit:
		delta, err = r.applyReduce(session, fill, ExitManual)
	case models.EventCancel:
		delta, err = r.applyCancel(session, fill)
	case models.EventMoveStop:
		session.StopPrice = event.Stop
		session.StopIsManual = true
		session.UpdatedAt = time.Now().UTC()
		delta = Delta{RecomputeBracket: session.State == models.StateOpen}
	case models.EventTargets:
		if len(event.Targets) > 0 {
			session.TargetPrices = append([]float64(nil), event.Targets...)
			if session.State == models.StateOpen {
				session.CaptureBracketOffsets(session.AvgEntryPrice)
				delta.RecomputeBracket = true
			}
		}
		session.UpdatedAt = time.Now().UTC()
	case models.EventPlan, models.EventRiskNote:
		session.UpdatedAt = time.Now().UTC()
	default:
		return Delta{}, fmt.Errorf("registry: event type %s is not applicable", event.Type)
	}
	if err != nil {
		return Delta{}, err
	}

	delta.SessionID = session.ID
	delta.NewQuantity = session.TotalQuantity
	delta.NewAvgPrice = session.AvgEntryPrice
	if session.State.Terminal() {
		r.releaseKey(session)
	}
	if verr := session.ValidateState(); verr != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrInvariantViolation, verr)
	}
	return delta, nil
}

func (r *Registry) applyEntry(session *models.TradeSession, fill Fill, isAdd bool) (Delta, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return Delta{}, fmt.Errorf("registry: entry fill requires quantity and price")
	}
	if isAdd && session.State != models.StateOpen {
		return Delta{}, fmt.Errorf("%w: ADD fill on %s session %s",
			ErrInvariantViolation, session.State, session.ID)
	}
	if err := session.ApplyEntry(fill.Quantity, fill.Price, fill.Time); err != nil {
		return Delta{}, err
	}
	if isAdd {
		session.NumAdds++
	} else if session.State == models.StatePending {
		if err := session.TransitionState(models.StateOpen, models.ConditionEntryFilled); err != nil {
			return Delta{}, err
		}
	}
	return Delta{RecomputeBracket: true}, nil
}

func (r *Registry) applyReduce(session *models.TradeSession, fill Fill, exitReason string) (Delta, error) {
	if session.State != models.StateOpen {
		return Delta{}, fmt.Errorf("%w: reducing %s session %s",
			ErrInvariantViolation, session.State, session.ID)
	}
	qty := fill.Quantity
	if qty <= 0 || exitReason != "" {
		// TP/SL/EXIT close the full position; a TRIM without explicit
		// quantity halves it.
		if exitReason != "" {
			qty = session.TotalQuantity
		} else {
			qty = session.TotalQuantity / 2
			if qty == 0 {
				qty = session.TotalQuantity
			}
		}
	}

	pnl, err := session.ReduceQuantity(qty, fill.Price)
	if err != nil {
		return Delta{}, err
	}
	delta := Delta{RealizedPnLDelta: pnl}

	if session.TotalQuantity == 0 {
		reason := exitReason
		condition := models.ConditionManualExit
		switch exitReason {
		case ExitTargetHit:
			condition = models.ConditionTargetHit
		case ExitStopHit:
			condition = models.ConditionStopHit
			session.StopInvalidated = true
		case ExitManual:
			condition = models.ConditionManualExit
		case "":
			reason = ExitTrimToZero
			condition = models.ConditionTrimToZero
		}
		session.ExitReason = reason
		if err := session.TransitionState(models.StateClosed, condition); err != nil {
			return Delta{}, err
		}
		delta.Closed = true
		delta.ExitReason = reason
	} else {
		delta.RecomputeBracket = true
	}
	return delta, nil
}

func (r *Registry) applyCancel(session *models.TradeSession, fill Fill) (Delta, error) {
	if session.State == models.StatePending {
		if err := session.TransitionState(models.StateCancelled, models.ConditionCancelled); err != nil {
			return Delta{}, err
		}
		session.ExitReason = ExitCancelled
		return Delta{Closed: true, ExitReason: ExitCancelled}, nil
	}
	// Post-entry CANCEL liquidates the open position.
	return r.applyReduce(session, fill, ExitManual)
}

// CloseWithReason liquidates the full position at the given fill price
// and closes the session with an explicit reason, e.g. end-of-day
// liquidation. Caller must hold the key lock.
func (r *Registry) CloseWithReason(session *models.TradeSession, fill Fill, reason, condition string) (Delta, error) {
	if session.State != models.StateOpen {
		return Delta{}, fmt.Errorf("%w: closing %s session %s",
			ErrInvariantViolation, session.State, session.ID)
	}
	pnl, err := session.ReduceQuantity(session.TotalQuantity, fill.Price)
	if err != nil {
		return Delta{}, err
	}
	session.ExitReason = reason
	if err := session.TransitionState(models.StateClosed, condition); err != nil {
		return Delta{}, err
	}
	r.releaseKey(session)
	return Delta{
		SessionID:        session.ID,
		NewQuantity:      0,
		NewAvgPrice:      session.AvgEntryPrice,
		RealizedPnLDelta: pnl,
		Closed:           true,
		ExitReason:       reason,
	}, nil
}

// FailEntry cancels a PENDING session whose entry order could not be
// filled, freeing the key for a later NEW. Caller must hold the key lock.
func (r *Registry) FailEntry(session *models.TradeSession, reason string) error {
	if session.State != models.StatePending {
		return nil
	}
	session.ExitReason = reason
	if err := session.TransitionState(models.StateCancelled, models.ConditionEntryFailed); err != nil {
		return err
	}
	r.releaseKey(session)
	return nil
}

// SetEntryOrder records the broker order id for the session's working
// entry order. Caller must hold the key lock.
func (r *Registry) SetEntryOrder(session *models.TradeSession, orderID int) {
	session.EntryOrderID = orderID
	session.UpdatedAt = time.Now().UTC()
}

// SetBracket records the protective prices for a session and captures
// their percentage offsets from the reference entry price. Caller must
// hold the key lock.
func (r *Registry) SetBracket(session *models.TradeSession, stop float64, targets []float64, refPrice float64) {
	session.StopPrice = stop
	session.TargetPrices = append([]float64(nil), targets...)
	session.CaptureBracketOffsets(refPrice)
	session.UpdatedAt = time.Now().UTC()
}

// SetBracketOrders records the broker order ids backing the session's
// protective legs. Caller must hold the key lock.
func (r *Registry) SetBracketOrders(session *models.TradeSession, stopOrderID int, targetOrderIDs []int) {
	session.StopOrderID = stopOrderID
	session.TargetOrderIDs = append([]int(nil), targetOrderIDs...)
	session.UpdatedAt = time.Now().UTC()
}

// ForceQuantity corrects a session's believed quantity to match the
// broker's authoritative state. A correction to zero closes the session.
// avgCost seeds the entry price when the session never saw a fill.
// Caller must hold the key lock.
func (r *Registry) ForceQuantity(session *models.TradeSession, quantity int, avgCost float64, note string) error {
	if session.State.Terminal() {
		return fmt.Errorf("%w: correcting %s session %s",
			ErrInvariantViolation, session.State, session.ID)
	}
	r.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"believed":   session.TotalQuantity,
		"broker":     quantity,
		"note":       note,
	}).Warn("correcting session quantity to broker state")

	session.TotalQuantity = quantity
	session.UpdatedAt = time.Now().UTC()
	if quantity == 0 {
		session.ExitReason = ExitReconciled
		if session.State == models.StatePending {
			if err := session.TransitionState(models.StateCancelled, models.ConditionEntryFailed); err != nil {
				return err
			}
		} else if err := session.TransitionState(models.StateClosed, models.ConditionReconciled); err != nil {
			return err
		}
		r.releaseKey(session)
	} else if session.State == models.StatePending {
		// The broker holds contracts we never confirmed; adopt them.
		if session.AvgEntryPrice == 0 && avgCost > 0 {
			if err := session.RecordEntryFill(quantity, avgCost, time.Now().UTC()); err != nil {
				return err
			}
			session.TotalQuantity = quantity
		}
		if err := session.TransitionState(models.StateOpen, models.ConditionRecovered); err != nil {
			return err
		}
	}
	return nil
}

// AdoptSession registers a recovery session built from broker state during
// reconciliation.
func (r *Registry) AdoptSession(session *models.TradeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	if session.IsActive() {
		r.activeByKey[session.Key] = session.ID
	}
}

// releaseKey drops the active-key index entry once a session terminates,
// so a later NEW for the same key starts a fresh session.
func (r *Registry) releaseKey(session *models.TradeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.activeByKey[session.Key]; ok && id == session.ID {
		delete(r.activeByKey, session.Key)
	}
}

// ActiveSessions returns the currently active sessions.
func (r *Registry) ActiveSessions() []*models.TradeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.TradeSession, 0, len(r.activeByKey))
	for _, id := range r.activeByKey {
		out = append(out, r.sessions[id])
	}
	return out
}

// AllSessions returns every session, active or terminal.
func (r *Registry) AllSessions() []*models.TradeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.TradeSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

package models

import (
	"fmt"
	"math"
	"time"
)

// ContractMultiplier is the share multiplier for a standard option contract.
const ContractMultiplier = 100.0

// Fill is one confirmed entry or add fill. The session's average entry
// price is always recomputed from the full fill ledger, never adjusted
// incrementally.
type Fill struct {
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

// TradeSession is the authoritative record for one logical trading session.
// It is exclusively owned and mutated by the session registry; everything
// else sees copies or reads under the registry's serialization.
type TradeSession struct {
	StateMachine *StateMachine `json:"-"`     // runtime only
	State        SessionState  `json:"state"` // canonical persisted state

	ID     string      `json:"id"`
	Key    ContractKey `json:"key"`
	Author string      `json:"author"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`

	Fills         []Fill  `json:"fills"`
	TotalQuantity int     `json:"total_quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	NumAdds       int     `json:"num_adds"`

	// Bracket parameters. Offsets are fractions of the entry price captured
	// when the bracket is first placed, so stop/target distances survive
	// average-price changes from later adds.
	StopPrice        float64   `json:"stop_price,omitempty"`
	TargetPrices     []float64 `json:"target_prices,omitempty"`
	StopOffsetPct    float64   `json:"stop_offset_pct,omitempty"`
	TargetOffsetPcts []float64 `json:"target_offset_pcts,omitempty"`
	StopIsManual     bool      `json:"stop_is_manual,omitempty"`
	StopInvalidated  bool      `json:"stop_invalidated,omitempty"`

	EntryOrderID   int    `json:"entry_order_id,omitempty"`
	StopOrderID    int    `json:"stop_order_id,omitempty"`
	TargetOrderIDs []int  `json:"target_order_ids,omitempty"`
	ExitReason     string `json:"exit_reason,omitempty"`
}

// NewTradeSession creates a PENDING session for the given correlation key.
func NewTradeSession(id string, key ContractKey, author string, at time.Time) *TradeSession {
	return &TradeSession{
		StateMachine: NewStateMachine(),
		State:        StatePending,
		ID:           id,
		Key:          key,
		Author:       author,
		CreatedAt:    at,
		UpdatedAt:    at,
		Fills:        make([]Fill, 0),
	}
}

// IsActive returns true if the session is PENDING or OPEN.
func (s *TradeSession) IsActive() bool {
	return !s.State.Terminal()
}

// CanAdd reports whether another add is allowed under the given limit.
func (s *TradeSession) CanAdd(maxAdds int) bool {
	if s.State != StateOpen {
		return false
	}
	if s.NumAdds >= maxAdds {
		return false
	}
	if s.StopInvalidated {
		return false
	}
	return true
}

// TransitionState moves the session to a new state and keeps the canonical
// State field in sync with the state machine.
func (s *TradeSession) TransitionState(to SessionState, condition string) error {
	if err := s.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("session %s state transition failed: %w", s.ID, err)
	}
	s.State = to
	s.UpdatedAt = time.Now().UTC()
	if to == StateOpen && s.OpenedAt.IsZero() {
		s.OpenedAt = time.Now().UTC()
	}
	if to.Terminal() && s.ClosedAt.IsZero() {
		s.ClosedAt = time.Now().UTC()
	}
	return nil
}

// RecordEntryFill appends an entry/add fill and recomputes quantity and
// average entry price from the full ledger.
func (s *TradeSession) RecordEntryFill(quantity int, price float64, at time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("session %s: fill quantity must be > 0, got %d", s.ID, quantity)
	}
	if price <= 0 {
		return fmt.Errorf("session %s: fill price must be > 0, got %.4f", s.ID, price)
	}
	s.Fills = append(s.Fills, Fill{Quantity: quantity, Price: price, Time: at})
	s.recomputeFromFills()
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// recomputeFromFills rebuilds AvgEntryPrice from scratch over the full
// fill ledger. Trims never touch the ledger, so the weighted mean stays
// exact no matter how the position is reduced.
func (s *TradeSession) recomputeFromFills() {
	qty := 0
	notional := 0.0
	for _, f := range s.Fills {
		qty += f.Quantity
		notional += float64(f.Quantity) * f.Price
	}
	if qty > 0 {
		s.AvgEntryPrice = notional / float64(qty)
	}
}

// entryQuantity is the sum of all entry-side fills.
func (s *TradeSession) entryQuantity() int {
	qty := 0
	for _, f := range s.Fills {
		qty += f.Quantity
	}
	return qty
}

// ApplyEntry records a fill and sets TotalQuantity to the net open size,
// accounting for any quantity already trimmed out of the session.
func (s *TradeSession) ApplyEntry(quantity int, price float64, at time.Time) error {
	sold := s.entryQuantity() - s.TotalQuantity
	if err := s.RecordEntryFill(quantity, price, at); err != nil {
		return err
	}
	s.TotalQuantity = s.entryQuantity() - sold
	return nil
}

// ReduceQuantity removes quantity from the open position and returns the
// realized P&L delta for that reduction. The average entry price is left
// untouched: it is a property of the entry fills only.
func (s *TradeSession) ReduceQuantity(quantity int, fillPrice float64) (float64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("session %s: reduce quantity must be > 0, got %d", s.ID, quantity)
	}
	if quantity > s.TotalQuantity {
		return 0, fmt.Errorf("session %s: cannot reduce %d contracts, only %d open",
			s.ID, quantity, s.TotalQuantity)
	}
	pnl := (fillPrice - s.AvgEntryPrice) * float64(quantity) * ContractMultiplier
	s.TotalQuantity -= quantity
	s.RealizedPnL += pnl
	s.UpdatedAt = time.Now().UTC()
	return pnl, nil
}

// CaptureBracketOffsets records stop/target distances as fractions of the
// reference entry price so they can be re-applied after adds.
func (s *TradeSession) CaptureBracketOffsets(entryPrice float64) {
	if entryPrice <= 0 {
		return
	}
	if s.StopPrice > 0 {
		s.StopOffsetPct = (entryPrice - s.StopPrice) / entryPrice
	}
	s.TargetOffsetPcts = s.TargetOffsetPcts[:0]
	for _, t := range s.TargetPrices {
		s.TargetOffsetPcts = append(s.TargetOffsetPcts, (t-entryPrice)/entryPrice)
	}
}

// BracketPricesFor returns the stop and target prices implied by the
// captured offsets at the given reference price. A manually moved stop is
// not recomputed.
func (s *TradeSession) BracketPricesFor(refPrice float64) (stop float64, targets []float64) {
	stop = s.StopPrice
	if !s.StopIsManual && s.StopOffsetPct > 0 && refPrice > 0 {
		stop = refPrice * (1 - s.StopOffsetPct)
	}
	targets = make([]float64, 0, len(s.TargetOffsetPcts))
	for _, pct := range s.TargetOffsetPcts {
		targets = append(targets, refPrice*(1+pct))
	}
	if len(targets) == 0 {
		targets = append(targets, s.TargetPrices...)
	}
	return stop, targets
}

// GetCurrentState returns the canonical persisted state.
func (s *TradeSession) GetCurrentState() SessionState {
	return s.State
}

// ensureMachine rebuilds the state machine from persisted state if needed.
func (s *TradeSession) ensureMachine() *StateMachine {
	if s.StateMachine == nil {
		s.StateMachine = NewStateMachineFromState(s.State)
	}
	return s.StateMachine
}

// ValidateState checks the strong invariants for the session's current state.
func (s *TradeSession) ValidateState() error {
	if s.TotalQuantity < 0 {
		return fmt.Errorf("session %s: TotalQuantity must never be negative (current: %d)",
			s.ID, s.TotalQuantity)
	}
	if s.AvgEntryPrice < 0 {
		return fmt.Errorf("session %s: AvgEntryPrice must never be negative (current: %.4f)",
			s.ID, s.AvgEntryPrice)
	}
	switch s.State {
	case StatePending:
		if s.TotalQuantity != 0 {
			return fmt.Errorf("session %s in state %s: TotalQuantity must be zero (current: %d)",
				s.ID, s.State, s.TotalQuantity)
		}
		if !s.OpenedAt.IsZero() {
			return fmt.Errorf("session %s in state %s: OpenedAt must be zero", s.ID, s.State)
		}
	case StateOpen:
		if s.TotalQuantity <= 0 {
			return fmt.Errorf("session %s in state %s: TotalQuantity must be > 0 (current: %d)",
				s.ID, s.State, s.TotalQuantity)
		}
		if s.AvgEntryPrice <= 0 {
			return fmt.Errorf("session %s in state %s: AvgEntryPrice must be > 0 (current: %.4f)",
				s.ID, s.State, s.AvgEntryPrice)
		}
		if s.OpenedAt.IsZero() {
			return fmt.Errorf("session %s in state %s: OpenedAt must be set", s.ID, s.State)
		}
	case StateClosed:
		if s.TotalQuantity != 0 {
			return fmt.Errorf("session %s in state %s: TotalQuantity must be zero (current: %d)",
				s.ID, s.State, s.TotalQuantity)
		}
		if s.ExitReason == "" {
			return fmt.Errorf("session %s in state %s: ExitReason must be set", s.ID, s.State)
		}
		if s.ClosedAt.IsZero() {
			return fmt.Errorf("session %s in state %s: ClosedAt must be set", s.ID, s.State)
		}
	case StateCancelled:
		if s.TotalQuantity != 0 {
			return fmt.Errorf("session %s in state %s: TotalQuantity must be zero (current: %d)",
				s.ID, s.State, s.TotalQuantity)
		}
	default:
		return fmt.Errorf("session %s: unknown state %q", s.ID, s.State)
	}
	return nil
}

// ExpectedAvgPrice computes the quantity-weighted mean of the given fills.
// Exposed for invariant checks in tests.
func ExpectedAvgPrice(fills []Fill) float64 {
	qty := 0
	notional := 0.0
	for _, f := range fills {
		qty += f.Quantity
		notional += float64(f.Quantity) * f.Price
	}
	if qty == 0 {
		return 0
	}
	return notional / float64(qty)
}

// PriceEqual compares prices at cent precision.
func PriceEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

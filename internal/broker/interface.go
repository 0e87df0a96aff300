// Package broker defines the interface for interacting with a brokerage
// and the in-process wrappers around it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/efarrell-labs/alertrunner/internal/models"
)

// ErrContractNotFound is returned by Qualify when the brokerage does not
// recognize the requested contract. This is a hard rejection: callers must
// abort the triggering operation without retrying.
var ErrContractNotFound = errors.New("broker: contract not found")

// ErrNotConnected is returned when an operation is attempted while the
// broker connection is down.
var ErrNotConnected = errors.New("broker: not connected")

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the pricing style of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// OrderState is the broker-reported lifecycle state of an order.
type OrderState string

const (
	StatusPending  OrderState = "pending"
	StatusOpen     OrderState = "open"
	StatusPartial  OrderState = "partial"
	StatusFilled   OrderState = "filled"
	StatusCanceled OrderState = "canceled"
	StatusRejected OrderState = "rejected"
	StatusExpired  OrderState = "expired"
)

// Terminal returns true if the order can no longer change state.
func (s OrderState) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// OptionContract identifies a single-leg option contract. Symbol is the
// OCC symbol assigned by Qualify; it is empty until qualification.
type OptionContract struct {
	Underlying string           `json:"underlying"`
	Strike     float64          `json:"strike"`
	Expiry     string           `json:"expiry"` // ISO date
	Direction  models.Direction `json:"direction"`
	Symbol     string           `json:"symbol,omitempty"`
}

// OCCSymbol formats the contract in OPRA format:
// TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits].
func (c OptionContract) OCCSymbol() (string, error) {
	exp, err := time.Parse("2006-01-02", c.Expiry)
	if err != nil {
		return "", fmt.Errorf("invalid expiry %q: %w", c.Expiry, err)
	}
	right := "C"
	if c.Direction == models.DirectionPut {
		right = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(c.Underlying), exp.Format("060102"), right,
		int64(c.Strike*1000+0.5)), nil
}

// KeyFor returns the correlation key for the contract.
func (c OptionContract) KeyFor() models.ContractKey {
	return models.ContractKey{
		Underlying: strings.ToUpper(c.Underlying),
		Strike:     c.Strike,
		Expiry:     c.Expiry,
		Direction:  c.Direction,
	}
}

// Order is a single order request. Tag is a caller-supplied idempotency
// key: resubmitting an order with the same tag must not create a second
// working order at the broker.
type Order struct {
	ID         int            `json:"id,omitempty"`
	Contract   OptionContract `json:"contract"`
	Side       OrderSide      `json:"side"`
	Type       OrderType      `json:"type"`
	Quantity   int            `json:"quantity"`
	LimitPrice float64        `json:"limit_price,omitempty"`
	StopPrice  float64        `json:"stop_price,omitempty"`
	Tag        string         `json:"tag,omitempty"`
}

// OrderUpdate is one status report for an order, delivered by polling or
// by the push stream.
type OrderUpdate struct {
	OrderID      int        `json:"order_id"`
	Status       OrderState `json:"status"`
	FilledQty    int        `json:"filled_qty"`
	RemainingQty int        `json:"remaining_qty"`
	AvgFillPrice float64    `json:"avg_fill_price"`
	Reason       string     `json:"reason,omitempty"`
	Time         time.Time  `json:"time"`
}

// Position is one broker-reported position line.
type Position struct {
	Contract OptionContract `json:"contract"`
	Quantity int            `json:"quantity"`
	AvgCost  float64        `json:"avg_cost"`
}

// Broker defines the interface for interacting with a brokerage. The
// concrete adapter for a live brokerage lives outside this repository;
// PaperBroker implements the same surface for paper trading and tests.
type Broker interface {
	// Qualify resolves a contract against the brokerage. Returns
	// ErrContractNotFound if the contract does not exist.
	Qualify(ctx context.Context, contract OptionContract) (OptionContract, error)

	// Order lifecycle.
	SubmitOrder(ctx context.Context, order Order) (int, error)
	CancelOrder(ctx context.Context, orderID int) error
	OrderStatus(ctx context.Context, orderID int) (OrderUpdate, error)

	// Account state. The broker is always the source of truth; local state
	// is corrected to match these on every reconciliation.
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetAccountBalance(ctx context.Context) (float64, error)

	// Updates is the push stream of order-status changes.
	Updates() <-chan OrderUpdate
}

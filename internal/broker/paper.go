package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PaperBroker is an in-process simulated brokerage used for paper trading
// and tests. Market orders fill immediately at the posted quote; limit and
// stop orders rest until Trigger is called with a crossing price.
type PaperBroker struct {
	mu        sync.Mutex
	nextID    int
	balance   float64
	quotes    map[string]float64 // by OCC symbol
	unknown   map[string]bool    // contracts that fail qualification
	orders    map[int]*paperOrder
	tagIndex  map[string]int // idempotency tag -> order id
	positions map[string]*Position
	updates   chan OrderUpdate
}

type paperOrder struct {
	order  Order
	status OrderUpdate
}

// NewPaperBroker creates a paper broker with the given starting balance.
func NewPaperBroker(balance float64) *PaperBroker {
	return &PaperBroker{
		nextID:    1000,
		balance:   balance,
		quotes:    make(map[string]float64),
		unknown:   make(map[string]bool),
		orders:    make(map[int]*paperOrder),
		tagIndex:  make(map[string]int),
		positions: make(map[string]*Position),
		updates:   make(chan OrderUpdate, 64),
	}
}

// SetQuote posts the current market price for a contract.
func (p *PaperBroker) SetQuote(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = price
}

// MarkUnknown makes qualification fail for the given contract.
func (p *PaperBroker) MarkUnknown(contract OptionContract) {
	sym, err := contract.OCCSymbol()
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unknown[sym] = true
}

// Qualify resolves the contract to its OCC symbol.
func (p *PaperBroker) Qualify(_ context.Context, contract OptionContract) (OptionContract, error) {
	sym, err := contract.OCCSymbol()
	if err != nil {
		return OptionContract{}, fmt.Errorf("%w: %v", ErrContractNotFound, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unknown[sym] {
		return OptionContract{}, fmt.Errorf("%w: %s", ErrContractNotFound, sym)
	}
	contract.Symbol = sym
	return contract, nil
}

// SubmitOrder accepts an order. Submissions are idempotent on Order.Tag:
// resubmitting a tag returns the original order id without creating a
// second working order.
func (p *PaperBroker) SubmitOrder(_ context.Context, order Order) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.Tag != "" {
		if id, ok := p.tagIndex[order.Tag]; ok {
			return id, nil
		}
	}
	if order.Quantity <= 0 {
		return 0, fmt.Errorf("paper broker: order quantity must be > 0")
	}
	if order.Contract.Symbol == "" {
		sym, err := order.Contract.OCCSymbol()
		if err != nil {
			return 0, fmt.Errorf("paper broker: unqualified contract: %w", err)
		}
		order.Contract.Symbol = sym
	}

	p.nextID++
	order.ID = p.nextID
	po := &paperOrder{
		order: order,
		status: OrderUpdate{
			OrderID:      order.ID,
			Status:       StatusOpen,
			RemainingQty: order.Quantity,
			Time:         time.Now().UTC(),
		},
	}
	p.orders[order.ID] = po
	if order.Tag != "" {
		p.tagIndex[order.Tag] = order.ID
	}

	if order.Type == OrderMarket {
		price, ok := p.quotes[order.Contract.Symbol]
		if !ok {
			price = order.LimitPrice
		}
		if price <= 0 {
			p.rejectLocked(po, "no market for contract")
			return order.ID, nil
		}
		p.fillLocked(po, price)
	} else if order.Type == OrderLimit {
		// Fill immediately when the posted quote already crosses the limit.
		if price, ok := p.quotes[order.Contract.Symbol]; ok {
			if (order.Side == SideBuy && price <= order.LimitPrice) ||
				(order.Side == SideSell && price >= order.LimitPrice) {
				p.fillLocked(po, price)
			}
		}
	}
	return order.ID, nil
}

// Trigger fills a resting order at the given price. Used to simulate a
// stop or target leg firing.
func (p *PaperBroker) Trigger(orderID int, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper broker: unknown order %d", orderID)
	}
	if po.status.Status.Terminal() {
		return fmt.Errorf("paper broker: order %d already %s", orderID, po.status.Status)
	}
	p.fillLocked(po, price)
	return nil
}

func (p *PaperBroker) fillLocked(po *paperOrder, price float64) {
	po.status.Status = StatusFilled
	po.status.FilledQty = po.order.Quantity
	po.status.RemainingQty = 0
	po.status.AvgFillPrice = price
	po.status.Time = time.Now().UTC()

	sym := po.order.Contract.Symbol
	pos, ok := p.positions[sym]
	if !ok {
		pos = &Position{Contract: po.order.Contract}
		p.positions[sym] = pos
	}
	notional := price * float64(po.order.Quantity) * 100
	if po.order.Side == SideBuy {
		total := pos.AvgCost*float64(pos.Quantity) + price*float64(po.order.Quantity)
		pos.Quantity += po.order.Quantity
		if pos.Quantity > 0 {
			pos.AvgCost = total / float64(pos.Quantity)
		}
		p.balance -= notional
	} else {
		pos.Quantity -= po.order.Quantity
		p.balance += notional
		if pos.Quantity <= 0 {
			delete(p.positions, sym)
		}
	}
	p.publishLocked(po.status)
}

func (p *PaperBroker) rejectLocked(po *paperOrder, reason string) {
	po.status.Status = StatusRejected
	po.status.Reason = reason
	po.status.Time = time.Now().UTC()
	p.publishLocked(po.status)
}

func (p *PaperBroker) publishLocked(u OrderUpdate) {
	select {
	case p.updates <- u:
	default:
		// Slow consumer; status remains available via polling.
	}
}

// CancelOrder cancels a working order.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper broker: unknown order %d", orderID)
	}
	if po.status.Status.Terminal() {
		return nil
	}
	po.status.Status = StatusCanceled
	po.status.Time = time.Now().UTC()
	p.publishLocked(po.status)
	return nil
}

// OrderStatus returns the current status of an order.
func (p *PaperBroker) OrderStatus(_ context.Context, orderID int) (OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return OrderUpdate{}, fmt.Errorf("paper broker: unknown order %d", orderID)
	}
	return po.status, nil
}

// GetPositions returns all open positions, sorted by symbol for
// deterministic output.
func (p *PaperBroker) GetPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.Symbol < out[j].Contract.Symbol })
	return out, nil
}

// GetOpenOrders returns all non-terminal orders.
func (p *PaperBroker) GetOpenOrders(_ context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, po := range p.orders {
		if !po.status.Status.Terminal() {
			out = append(out, po.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAccountBalance returns the simulated cash balance.
func (p *PaperBroker) GetAccountBalance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// Updates returns the push stream of order-status changes.
func (p *PaperBroker) Updates() <-chan OrderUpdate {
	return p.updates
}

// SetPosition overwrites a broker-side position directly. Used to stage
// divergence scenarios for reconciliation tests.
func (p *PaperBroker) SetPosition(contract OptionContract, quantity int, avgCost float64) {
	sym, err := contract.OCCSymbol()
	if err != nil {
		return
	}
	contract.Symbol = sym
	p.mu.Lock()
	defer p.mu.Unlock()
	if quantity == 0 {
		delete(p.positions, sym)
		return
	}
	p.positions[sym] = &Position{Contract: contract, Quantity: quantity, AvgCost: avgCost}
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)

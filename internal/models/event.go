// Package models defines the core domain types: typed trade events, the
// trade session record, and the session state machine.
package models

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of typed trade events produced by the
// upstream alert classifier. Anything the classifier cannot parse with
// confidence arrives as EventIgnore.
type EventType string

const (
	EventNew      EventType = "NEW"       // open a new position
	EventAdd      EventType = "ADD"       // add to an open position
	EventTrim     EventType = "TRIM"      // partial sell
	EventExit     EventType = "EXIT"      // full manual close
	EventTP       EventType = "TP"        // take-profit hit
	EventSL       EventType = "SL"        // stop-loss hit
	EventMoveStop EventType = "MOVE_STOP" // adjust the stop price
	EventCancel   EventType = "CANCEL"    // invalidate the trade idea
	EventPlan     EventType = "PLAN"      // trade idea, no entry yet
	EventTargets  EventType = "TARGETS"   // target prices announced
	EventRiskNote EventType = "RISK_NOTE" // commentary about risk
	EventIgnore   EventType = "IGNORE"    // unparseable or irrelevant
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNew, EventAdd, EventTrim, EventExit, EventTP, EventSL,
		EventMoveStop, EventCancel, EventPlan, EventTargets, EventRiskNote, EventIgnore:
		return true
	default:
		return false
	}
}

// Actionable reports whether the event can result in a broker order and
// therefore must pass the risk gate.
func (t EventType) Actionable() bool {
	switch t {
	case EventNew, EventAdd, EventTrim, EventExit, EventTP, EventSL,
		EventMoveStop, EventCancel:
		return true
	default:
		return false
	}
}

// RequiresPosition reports whether the event only makes sense against an
// existing active session.
func (t EventType) RequiresPosition() bool {
	switch t {
	case EventAdd, EventTrim, EventExit, EventTP, EventSL, EventMoveStop:
		return true
	default:
		return false
	}
}

// Informational reports whether the event carries commentary that attaches
// to a session without triggering any order.
func (t EventType) Informational() bool {
	switch t {
	case EventPlan, EventTargets, EventRiskNote:
		return true
	default:
		return false
	}
}

// Direction is the option right.
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// RiskLevel is the classifier's read of how aggressive the trade is.
// It scales position sizing down, never up.
type RiskLevel string

const (
	RiskNormal  RiskLevel = "NORMAL"
	RiskHigh    RiskLevel = "HIGH"
	RiskExtreme RiskLevel = "EXTREME"
)

// ContractKey identifies the logical position an event belongs to.
type ContractKey struct {
	Underlying string    `json:"underlying"`
	Strike     float64   `json:"strike"`
	Expiry     string    `json:"expiry"` // ISO date
	Direction  Direction `json:"direction"`
}

// IsZero reports whether the key carries no contract information.
func (k ContractKey) IsZero() bool {
	return k.Underlying == "" && k.Strike == 0 && k.Expiry == "" && k.Direction == ""
}

// String renders the key for logs, e.g. "SPY 500C 2026-08-29".
func (k ContractKey) String() string {
	right := "C"
	if k.Direction == DirectionPut {
		right = "P"
	}
	return fmt.Sprintf("%s %g%s %s", k.Underlying, k.Strike, right, k.Expiry)
}

// Event is one typed trade event. Events are immutable once created.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
	MessageID string    `json:"message_id,omitempty"`

	Underlying string    `json:"underlying,omitempty"`
	Strike     float64   `json:"strike,omitempty"`
	Expiry     string    `json:"expiry,omitempty"` // ISO date
	Direction  Direction `json:"direction,omitempty"`

	Quantity int       `json:"quantity,omitempty"`
	Price    float64   `json:"price,omitempty"`
	Stop     float64   `json:"stop,omitempty"`
	Targets  []float64 `json:"targets,omitempty"`

	RiskLevel  RiskLevel `json:"risk_level,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}

// Key returns the event's correlation key.
func (e *Event) Key() ContractKey {
	return ContractKey{
		Underlying: strings.ToUpper(e.Underlying),
		Strike:     e.Strike,
		Expiry:     e.Expiry,
		Direction:  e.Direction,
	}
}

// Validate checks the event carries the fields its type requires. A
// failing event is treated as IGNORE upstream, never as a crash.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Quantity < 0 {
		return fmt.Errorf("%s event: quantity must not be negative", e.Type)
	}
	if e.Price < 0 || e.Stop < 0 {
		return fmt.Errorf("%s event: prices must not be negative", e.Type)
	}
	switch e.Type {
	case EventNew:
		if e.Underlying == "" || e.Strike <= 0 || e.Expiry == "" {
			return fmt.Errorf("NEW event: underlying, strike and expiry are required")
		}
		if e.Direction != DirectionCall && e.Direction != DirectionPut {
			return fmt.Errorf("NEW event: direction must be CALL or PUT")
		}
		if _, err := time.Parse("2006-01-02", e.Expiry); err != nil {
			return fmt.Errorf("NEW event: invalid expiry %q", e.Expiry)
		}
	case EventMoveStop:
		if e.Stop <= 0 {
			return fmt.Errorf("MOVE_STOP event: stop price is required")
		}
	case EventTargets:
		if len(e.Targets) == 0 {
			return fmt.Errorf("TARGETS event: at least one target is required")
		}
	}
	return nil
}

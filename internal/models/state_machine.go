package models

import (
	"fmt"
	"time"
)

// SessionState represents the lifecycle state of a trade session.
type SessionState string

const (
	// StatePending means the trade idea was announced but not yet entered.
	StatePending SessionState = "PENDING"
	// StateOpen means the position is active.
	StateOpen SessionState = "OPEN"
	// StateClosed means the position was closed (TP, SL, EXIT or trim-to-zero).
	StateClosed SessionState = "CLOSED"
	// StateCancelled means the trade was invalidated before entry.
	StateCancelled SessionState = "CANCELLED"
)

// Terminal returns true for states that admit no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// Transition conditions. Every state change names the condition that
// caused it; the pair must appear in ValidTransitions.
const (
	ConditionEntryFilled = "entry_filled"
	ConditionCancelled   = "cancelled"
	ConditionEntryFailed = "entry_failed"
	ConditionTrimToZero  = "trim_to_zero"
	ConditionTargetHit   = "target_hit"
	ConditionStopHit     = "stop_hit"
	ConditionManualExit  = "manual_exit"
	ConditionEndOfDay    = "end_of_day"
	ConditionReconciled  = "reconciled_flat"
	ConditionRecovered   = "recovered_position"
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From      SessionState
	To        SessionState
	Condition string
}

// ValidTransitions is the closed set of legal session transitions.
var ValidTransitions = []StateTransition{
	{StatePending, StateOpen, ConditionEntryFilled},
	{StatePending, StateOpen, ConditionRecovered},
	{StatePending, StateCancelled, ConditionCancelled},
	{StatePending, StateCancelled, ConditionEntryFailed},

	{StateOpen, StateClosed, ConditionTrimToZero},
	{StateOpen, StateClosed, ConditionTargetHit},
	{StateOpen, StateClosed, ConditionStopHit},
	{StateOpen, StateClosed, ConditionManualExit},
	{StateOpen, StateClosed, ConditionCancelled},
	{StateOpen, StateClosed, ConditionEndOfDay},
	{StateOpen, StateClosed, ConditionReconciled},
}

// StateMachine manages session state transitions.
type StateMachine struct {
	currentState   SessionState
	previousState  SessionState
	transitionTime time.Time
}

// NewStateMachine creates a state machine in StatePending.
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatePending)
}

// NewStateMachineFromState rebuilds a state machine from a persisted state.
func NewStateMachineFromState(state SessionState) *StateMachine {
	if state == "" {
		state = StatePending
	}
	return &StateMachine{
		currentState:   state,
		previousState:  state,
		transitionTime: time.Now().UTC(),
	}
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() SessionState {
	return sm.currentState
}

// GetPreviousState returns the state before the last transition.
func (sm *StateMachine) GetPreviousState() SessionState {
	return sm.previousState
}

// IsValidTransition checks whether moving to the target state under the
// given condition is legal from the current state.
func (sm *StateMachine) IsValidTransition(to SessionState, condition string) error {
	if sm.currentState.Terminal() {
		return fmt.Errorf("session is %s: no transitions allowed", sm.currentState)
	}
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
func (sm *StateMachine) Transition(to SessionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	return nil
}

// TransitionTime returns when the last transition happened.
func (sm *StateMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// Copy creates a copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	dup := *sm
	return &dup
}

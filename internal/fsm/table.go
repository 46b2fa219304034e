// Package fsm is the order state machine: the only writer of a trade's
// lifecycle state. Transitions for one trade are serialized and every applied
// transition appends exactly one execution record.
package fsm

import (
	"fmt"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

type edge struct {
	from  domain.OrderState
	event domain.Event
}

// transitions maps (from, event) to the allowed targets. error_detected is
// handled separately since it applies to every non-terminal state.
var transitions = map[edge][]domain.OrderState{
	{domain.StateInit, domain.EventOrderSubmit}: {domain.StateSubmitting},

	{domain.StateSubmitting, domain.EventOrderAck}:     {domain.StateOpenPending},
	{domain.StateSubmitting, domain.EventCancelSubmit}: {domain.StateCancelPending},

	{domain.StateOpenPending, domain.EventFillPartial}:  {domain.StatePartial},
	{domain.StateOpenPending, domain.EventFillFull}:     {domain.StateOpen},
	{domain.StateOpenPending, domain.EventCancelSubmit}: {domain.StateCancelPending},

	{domain.StatePartial, domain.EventFillPartial}: {domain.StatePartial},
	{domain.StatePartial, domain.EventFillFull}:    {domain.StateOpen},
	{domain.StatePartial, domain.EventScaleOut}:    {domain.StateScalingOut},
	{domain.StatePartial, domain.EventCloseSubmit}: {domain.StateClosing},

	{domain.StateOpen, domain.EventProtectionSet}: {domain.StateActive},
	{domain.StateOpen, domain.EventScaleOut}:      {domain.StateScalingOut},
	{domain.StateOpen, domain.EventCloseSubmit}:   {domain.StateClosing},
	{domain.StateOpen, domain.EventTrailUpdate}:   {domain.StateTrailingAdjust},

	{domain.StateActive, domain.EventScaleOut}:    {domain.StateScalingOut},
	{domain.StateActive, domain.EventTrailUpdate}: {domain.StateTrailingAdjust},
	{domain.StateActive, domain.EventCloseSubmit}: {domain.StateClosing},

	{domain.StateScalingOut, domain.EventScaleOut}:    {domain.StateScalingOut},
	{domain.StateScalingOut, domain.EventSettle}:      {domain.StateActive},
	{domain.StateScalingOut, domain.EventCloseSubmit}: {domain.StateClosing},

	{domain.StateTrailingAdjust, domain.EventSettle}:      {domain.StateActive},
	{domain.StateTrailingAdjust, domain.EventCloseSubmit}: {domain.StateClosing},

	{domain.StateCancelPending, domain.EventCancelAck}: {domain.StateCancelled},

	{domain.StateClosing, domain.EventCloseFill}: {domain.StateClosed},

	{domain.StateError, domain.EventAutoHealAttempt}: {domain.StateClosing, domain.StateCancelPending},
}

// InvalidTransitionError reports a (from, event) pair outside the table.
type InvalidTransitionError struct {
	TradeID string
	From    domain.OrderState
	Event   domain.Event
	Target  domain.OrderState
}

func (e *InvalidTransitionError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("trade %s: no transition %s --%s--> %s", e.TradeID, e.From, e.Event, e.Target)
	}
	return fmt.Sprintf("trade %s: no transition %s --%s-->", e.TradeID, e.From, e.Event)
}

func (e *InvalidTransitionError) Unwrap() error { return ports.ErrInvalidTransition }

// Resolve returns the target for event fired from state from. want selects
// among several targets and may be empty when the edge has only one.
func Resolve(from domain.OrderState, event domain.Event, want domain.OrderState) (domain.OrderState, bool) {
	if event == domain.EventErrorDetected {
		if from.Terminal() || from == domain.StateError {
			return "", false
		}
		return domain.StateError, want == "" || want == domain.StateError
	}
	targets, ok := transitions[edge{from, event}]
	if !ok {
		return "", false
	}
	if want == "" {
		if len(targets) != 1 {
			return "", false
		}
		return targets[0], true
	}
	for _, t := range targets {
		if t == want {
			return t, true
		}
	}
	return "", false
}

// Allowed reports whether event may fire from state from.
func Allowed(from domain.OrderState, event domain.Event) bool {
	if event == domain.EventErrorDetected {
		return !from.Terminal() && from != domain.StateError
	}
	_, ok := transitions[edge{from, event}]
	return ok
}

func execTypeFor(event domain.Event) domain.ExecType {
	switch event {
	case domain.EventFillPartial, domain.EventFillFull:
		return domain.ExecOrderFill
	case domain.EventScaleOut:
		return domain.ExecPartialExit
	case domain.EventTrailUpdate:
		return domain.ExecTrailingUpdate
	default:
		return domain.ExecStateTransition
	}
}

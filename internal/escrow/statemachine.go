package escrow

import "github.com/duskmarket/escrowcore/internal/escrowerr"

// Event is a tagged variant of everything that can drive a state
// transition (§4.7). Transition is a pure function over (State, Event);
// all side effects (persistence, RPC, event emission) live in
// internal/orchestrator, per SPEC_FULL.md §9.
type Event string

const (
	EventWalletsRegistered  Event = "WalletsRegistered"
	EventPrepareComplete    Event = "PrepareComplete"
	EventMakeSucceeded      Event = "MakeSucceeded"
	EventSync1Complete      Event = "Sync1Complete"
	EventSync2ReadyComplete Event = "Sync2ReadyComplete"
	EventSetupError         Event = "SetupError"
	EventFundingConfirmed   Event = "FundingConfirmed"
	EventMarkedShipped      Event = "MarkedShipped"
	EventReleaseSucceeded   Event = "ReleaseSucceeded"
	EventRefundSucceeded    Event = "RefundSucceeded"
	EventDisputeOpened      Event = "DisputeOpened"
	EventDisputeResolved    Event = "DisputeResolved"
)

// transitions is the complete legal (From, Event) -> To table (§4.7).
// Everything not in this table is rejected with IllegalTransition.
var transitions = map[State]map[Event]State{
	Init: {
		EventWalletsRegistered: AwaitingPrepare,
	},
	AwaitingPrepare: {
		EventPrepareComplete: AwaitingMake,
		EventSetupError:      Failed,
	},
	AwaitingMake: {
		EventMakeSucceeded: SyncRound1,
		EventSetupError:    Failed,
	},
	SyncRound1: {
		EventSync1Complete: SyncRound2,
		EventSetupError:    Failed,
	},
	SyncRound2: {
		EventSync2ReadyComplete: Ready,
		EventSetupError:         Failed,
	},
	Ready: {
		EventFundingConfirmed: Funded,
	},
	Funded: {
		EventMarkedShipped:   Shipped,
		EventDisputeOpened:   Disputed,
		EventRefundSucceeded: Refunded,
	},
	Shipped: {
		EventReleaseSucceeded: Released,
		EventRefundSucceeded:  Refunded,
		EventDisputeOpened:    Disputed,
	},
	Disputed: {
		EventDisputeResolved: Resolved,
	},
}

// Transition computes the next state for (from, event), or an
// escrowerr.IllegalTransition error when there is no such edge in the
// graph. The error's From and To fields are both set to from, since a
// rejected event has no target state. It never consults anything
// but its arguments: no store, no clock, no RPC.
func Transition(from State, event Event) (State, error) {
	if from.IsTerminal() {
		return from, illegalTransitionErr(from, event)
	}

	byEvent, ok := transitions[from]
	if !ok {
		return from, illegalTransitionErr(from, event)
	}

	to, ok := byEvent[event]
	if !ok {
		return from, illegalTransitionErr(from, event)
	}

	return to, nil
}

func illegalTransitionErr(from State, event Event) *escrowerr.Error {
	return escrowerr.Newf(escrowerr.IllegalTransition, "event %s is not legal from state %s", event, from).
		WithFields(escrowerr.IllegalTransitionFields{From: string(from), To: string(from)})
}

// Reachable reports whether event is a legal transition out of from,
// without performing it. Used by components that want to pre-check
// before taking locks or doing I/O.
func Reachable(from State, event Event) bool {
	if from.IsTerminal() {
		return false
	}
	byEvent, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = byEvent[event]
	return ok
}

// Package escrow holds the domain types shared by every other component
// and the pure EscrowStateMachine (SPEC_FULL.md §4.7): Escrow, PartyRole,
// Round, State, and the (State, Event) -> State transition function. This
// package does no I/O; side effects live in internal/orchestrator.
package escrow

import "time"

// State is one of the legal escrow lifecycle states (§3).
type State string

const (
	Init            State = "Init"
	AwaitingPrepare State = "AwaitingPrepare"
	AwaitingMake    State = "AwaitingMake"
	SyncRound1      State = "SyncRound1"
	SyncRound2      State = "SyncRound2"
	Ready           State = "Ready"
	Funded          State = "Funded"
	Shipped         State = "Shipped"
	Released        State = "Released"
	Refunded        State = "Refunded"
	Disputed        State = "Disputed"
	Resolved        State = "Resolved"
	Failed          State = "Failed"
)

// IsTerminal reports whether s has no outgoing transitions (I7).
func (s State) IsTerminal() bool {
	switch s {
	case Released, Refunded, Resolved, Failed:
		return true
	default:
		return false
	}
}

// PartyRole identifies one of the three escrow participants.
type PartyRole string

const (
	Buyer   PartyRole = "Buyer"
	Vendor  PartyRole = "Vendor"
	Arbiter PartyRole = "Arbiter"
)

// Round identifies one of the three multisig-payload exchange rounds.
type Round string

const (
	RoundPrepare Round = "Prepare"
	RoundSync1   Round = "Sync1"
	RoundSync2   Round = "Sync2"
)

// TxPurpose identifies why a Transaction was constructed.
type TxPurpose string

const (
	PurposeRelease        TxPurpose = "Release"
	PurposeRefund         TxPurpose = "Refund"
	PurposeArbiterResolve TxPurpose = "ArbiterResolve"
)

// FeePriority is the three-level fee-priority abstraction fixed by this
// spec (§9 Design Notes resolves the source's inconsistent granularity
// down to exactly these three levels).
type FeePriority string

const (
	FeeSlow    FeePriority = "Slow"
	FeeDefault FeePriority = "Default"
	FeeFast    FeePriority = "Fast"
)

// DisputeStatus is the lifecycle state of a Dispute row.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "Open"
	DisputeResolved DisputeStatus = "Resolved"
)

// Decision is the arbiter's ruling on a resolved dispute.
type Decision string

const (
	DecisionRefundBuyer   Decision = "RefundBuyer"
	DecisionReleaseVendor Decision = "ReleaseVendor"
)

// Escrow is the root aggregate (§3).
type Escrow struct {
	ID              string
	OrderID         string
	BuyerID         string
	VendorID        string
	ArbiterID       string
	AmountAtomic    uint64
	MultisigAddress *string
	BuyerPayoutAddress  *string
	VendorPayoutAddress *string
	State           State
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RoleOf resolves userID's role on the escrow, or ("", false) if userID
// is not a party. Used by components that must never trust a
// caller-supplied role (§4.3 "Authorization data").
func (e *Escrow) RoleOf(userID string) (PartyRole, bool) {
	switch userID {
	case e.BuyerID:
		return Buyer, true
	case e.VendorID:
		return Vendor, true
	case e.ArbiterID:
		return Arbiter, true
	default:
		return "", false
	}
}

// PartyPayload is ciphertext keyed by (escrow_id, party_role, round) (§3).
type PartyPayload struct {
	EscrowID   string
	Role       PartyRole
	Round      Round
	Ciphertext []byte
}

// Transaction is a constructed, possibly-broadcast on-chain transaction
// (§3).
type Transaction struct {
	ID                 string
	EscrowID           string
	Purpose            TxPurpose
	DestinationAddress string
	AmountAtomic       uint64
	TxHash             *string
	Confirmations      int64
	CreatedAt          time.Time
	BroadcastAt        *time.Time
}

// Dispute is an open or resolved dispute on an escrow (§3).
type Dispute struct {
	ID         string
	EscrowID   string
	OpenedBy   PartyRole
	Reason     string
	Status     DisputeStatus
	Decision   *Decision
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

// Payload validation bounds (§3, §8 boundary behaviors).
const (
	PayloadMinLen = 100
	PayloadMaxLen = 5000
)

// MaxAmountAtomic is the largest accepted amount_atomic value (2^63 - 1,
// §3: "to allow sign-free arithmetic").
const MaxAmountAtomic = uint64(1<<63 - 1)

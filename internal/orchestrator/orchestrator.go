// Package orchestrator implements EscrowOrchestrator (C9, SPEC_FULL.md
// §4.9): the public façade every caller drives. It owns no business
// logic of its own beyond authorization, locking, and sequencing —
// MultisigProtocol runs setup, TransactionCoordinator runs the payout
// paths, and EscrowStateMachine's pure transition table is the final
// word on what's legal. Every operation on an existing escrow follows
// the same shape: take the escrow-scoped mutex, read fresh state,
// resolve the caller's role, perform the operation, persist, emit
// events after commit, and release the mutex on return (so events are
// published while the mutex is still held).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskmarket/escrowcore/internal/arbiter"
	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/duskmarket/escrowcore/internal/multisig"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/txcoordinator"
	"github.com/duskmarket/escrowcore/internal/walletgateway"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

// Config wires a Service to its collaborators.
type Config struct {
	Store              *store.Store
	Multisig           *multisig.Protocol
	Coordinator        *txcoordinator.Coordinator
	Sink               events.Sink
	ArbiterRegistrations []arbiter.Registration
	Log                *logging.Logger
}

// Service is the EscrowOrchestrator façade. Safe for concurrent use:
// every mutating operation takes the per-escrow lock returned by
// escrowLock before reading or writing that escrow's state.
type Service struct {
	st          *store.Store
	multisig    *multisig.Protocol
	coordinator *txcoordinator.Coordinator
	sink        events.Sink
	arbiterRegs []arbiter.Registration
	log         *logging.Logger

	locks sync.Map // escrow ID -> *sync.Mutex
}

// New constructs a Service.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}
	return &Service{
		st:          cfg.Store,
		multisig:    cfg.Multisig,
		coordinator: cfg.Coordinator,
		sink:        cfg.Sink,
		arbiterRegs: cfg.ArbiterRegistrations,
		log:         log.Component("orchestrator"),
	}
}

func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) publish(escrowID string, t events.Type, data any) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(events.Event{Type: t, EscrowID: escrowID, Timestamp: time.Now().Unix(), Data: data})
}

// resolveRole fetches the escrow and checks that principal holds one of
// allowed's roles on it, failing closed with NotAuthorized otherwise
// (§4.3 "Authorization data": never trust a caller-supplied role).
func (s *Service) resolveRole(e *escrow.Escrow, principal string, allowed ...escrow.PartyRole) (escrow.PartyRole, error) {
	role, ok := e.RoleOf(principal)
	if !ok {
		return "", escrowerr.Newf(escrowerr.NotAuthorized, "%s is not a party on this escrow", principal)
	}
	if len(allowed) == 0 {
		return role, nil
	}
	for _, a := range allowed {
		if role == a {
			return role, nil
		}
	}
	return "", escrowerr.Newf(escrowerr.NotAuthorized, "role %s may not perform this operation", role)
}

// CreateEscrow creates a new escrow in Init, assigning the
// least-loaded arbiter from the configured pool (§4.4).
func (s *Service) CreateEscrow(orderID, buyerID, vendorID string, amountAtomic uint64) (string, error) {
	if amountAtomic == 0 || amountAtomic > escrow.MaxAmountAtomic {
		return "", escrowerr.Newf(escrowerr.InvalidPayload, "amount_atomic %d out of range", amountAtomic)
	}
	if buyerID == vendorID {
		return "", escrowerr.New(escrowerr.InvalidPayload, "buyer_id and vendor_id must be distinct")
	}

	pool, err := arbiter.BuildPool(s.arbiterRegs, s.st)
	if err != nil {
		return "", err
	}
	chosen, err := arbiter.Select(pool)
	if err != nil {
		return "", err
	}
	if chosen.ID == buyerID || chosen.ID == vendorID {
		return "", escrowerr.New(escrowerr.InvalidPayload, "arbiter_id must differ from buyer_id and vendor_id")
	}

	e := &escrow.Escrow{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		BuyerID:      buyerID,
		VendorID:     vendorID,
		ArbiterID:    chosen.ID,
		AmountAtomic: amountAtomic,
		State:        escrow.Init,
	}
	if err := s.st.CreateEscrow(e); err != nil {
		return "", err
	}

	s.publish(e.ID, events.TypeEscrowCreated, events.EscrowCreated{
		OrderID:      orderID,
		Parties:      []string{buyerID, vendorID, chosen.ID},
		AmountAtomic: amountAtomic,
	})
	return e.ID, nil
}

// RegisterWallet binds a party's wallet gateway and, optionally, the
// payout address their share should eventually be sent to (§4.5;
// payout address is this façade's own extension, since no wire method
// discovers one — see DESIGN.md).
func (s *Service) RegisterWallet(ctx context.Context, escrowID, principal string, role escrow.PartyRole, endpointURL, authToken, payoutAddress string) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	if _, err := s.resolveRole(e, principal, role); err != nil {
		return err
	}

	gw, err := walletgateway.New(walletgateway.Config{EndpointURL: endpointURL, AuthToken: authToken})
	if err != nil {
		return err
	}

	if payoutAddress != "" && (role == escrow.Buyer || role == escrow.Vendor) {
		if err := s.st.SetPayoutAddress(escrowID, role, payoutAddress); err != nil {
			return err
		}
	}

	return s.multisig.RegisterWallet(ctx, escrowID, role, gw)
}

// SubmitPayload forwards a party's multisig-round payload.
func (s *Service) SubmitPayload(ctx context.Context, escrowID, principal string, round escrow.Round, payload string) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	role, err := s.resolveRole(e, principal)
	if err != nil {
		return err
	}

	return s.multisig.SubmitPayload(ctx, escrowID, role, round, payload)
}

// ConfirmFunding advances Ready -> Funded. Idempotent: a second call
// once already Funded is a no-op, not an error (§4.9 "idempotent").
// There is no wallet RPC that can discover an unannounced inbound
// transfer's txid, so this is the caller vouching that funding was
// independently observed; ConfirmationMonitor never polls for it.
func (s *Service) ConfirmFunding(escrowID, principal string) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	if _, err := s.resolveRole(e, principal, escrow.Buyer, escrow.Vendor); err != nil {
		return err
	}
	if e.State == escrow.Funded {
		return nil
	}
	if e.State != escrow.Ready {
		return escrowerr.Newf(escrowerr.IllegalTransition, "confirm_funding requires state Ready, escrow is %s", e.State)
	}

	if _, err := escrow.Transition(escrow.Ready, escrow.EventFundingConfirmed); err != nil {
		return err
	}
	if err := s.st.UpdateState(escrowID, escrow.Ready, escrow.Funded); err != nil {
		return err
	}
	s.publish(escrowID, events.TypeEscrowFunded, events.EscrowFunded{})
	return nil
}

// MarkShipped advances Funded -> Shipped. Vendor only.
func (s *Service) MarkShipped(escrowID, principal string) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	if _, err := s.resolveRole(e, principal, escrow.Vendor); err != nil {
		return err
	}
	if e.State != escrow.Funded {
		return escrowerr.Newf(escrowerr.IllegalTransition, "mark_shipped requires state Funded, escrow is %s", e.State)
	}
	if _, err := escrow.Transition(escrow.Funded, escrow.EventMarkedShipped); err != nil {
		return err
	}
	if err := s.st.UpdateState(escrowID, escrow.Funded, escrow.Shipped); err != nil {
		return err
	}
	s.publish(escrowID, events.TypeOrderShipped, events.OrderShipped{})
	return nil
}

// Release pays the escrow balance to the vendor's payout address.
// Buyer only; valid from Shipped.
func (s *Service) Release(ctx context.Context, escrowID, principal string, priority escrow.FeePriority) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	if _, err := s.resolveRole(e, principal, escrow.Buyer); err != nil {
		return err
	}
	if e.VendorPayoutAddress == nil {
		return escrowerr.New(escrowerr.InvalidPayload, "vendor has not registered a payout address")
	}

	tx, err := s.coordinator.Release(ctx, e, *e.VendorPayoutAddress, priority)
	if err != nil {
		return err
	}
	s.publish(escrowID, events.TypeEscrowReleased, events.EscrowReleased{TxHash: txHashOf(tx)})
	return nil
}

// Refund pays the escrow balance back to the buyer's payout address.
// Vendor only; valid from Shipped or Funded.
func (s *Service) Refund(ctx context.Context, escrowID, principal string, priority escrow.FeePriority) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	if _, err := s.resolveRole(e, principal, escrow.Vendor); err != nil {
		return err
	}
	if e.BuyerPayoutAddress == nil {
		return escrowerr.New(escrowerr.InvalidPayload, "buyer has not registered a payout address")
	}

	tx, err := s.coordinator.Refund(ctx, e, *e.BuyerPayoutAddress, priority)
	if err != nil {
		return err
	}
	s.publish(escrowID, events.TypeEscrowRefunded, events.EscrowRefunded{TxHash: txHashOf(tx)})
	return nil
}

// OpenDispute moves Funded or Shipped into Disputed. Buyer or vendor.
func (s *Service) OpenDispute(escrowID, principal, reason string) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	role, err := s.resolveRole(e, principal, escrow.Buyer, escrow.Vendor)
	if err != nil {
		return err
	}
	if e.State != escrow.Funded && e.State != escrow.Shipped {
		return escrowerr.Newf(escrowerr.IllegalTransition, "open_dispute requires state Funded or Shipped, escrow is %s", e.State)
	}
	if _, err := escrow.Transition(e.State, escrow.EventDisputeOpened); err != nil {
		return err
	}

	if err := s.st.OpenDispute(&escrow.Dispute{ID: uuid.NewString(), EscrowID: escrowID, OpenedBy: role, Reason: reason}); err != nil {
		return err
	}
	if err := s.st.UpdateState(escrowID, e.State, escrow.Disputed); err != nil {
		return err
	}
	s.publish(escrowID, events.TypeDisputeOpened, events.DisputeOpened{By: string(role), Reason: reason})
	return nil
}

// ResolveDispute settles an open dispute. Arbiter only; valid only
// from Disputed.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, principal string, decision escrow.Decision, priority escrow.FeePriority) error {
	mu := s.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return err
	}
	if _, err := s.resolveRole(e, principal, escrow.Arbiter); err != nil {
		return err
	}
	if e.State != escrow.Disputed {
		return escrowerr.Newf(escrowerr.IllegalTransition, "resolve_dispute requires state Disputed, escrow is %s", e.State)
	}

	dispute, err := s.st.GetOpenDispute(escrowID)
	if err != nil {
		return err
	}
	if dispute == nil {
		return escrowerr.Newf(escrowerr.Internal, "escrow %s is Disputed with no open dispute row", escrowID)
	}

	var destination *string
	switch decision {
	case escrow.DecisionReleaseVendor:
		destination = e.VendorPayoutAddress
	case escrow.DecisionRefundBuyer:
		destination = e.BuyerPayoutAddress
	default:
		return escrowerr.Newf(escrowerr.Internal, "unknown dispute decision %q", decision)
	}
	if destination == nil {
		return escrowerr.New(escrowerr.InvalidPayload, "favored party has not registered a payout address")
	}

	tx, err := s.coordinator.Resolve(ctx, e, *destination, decision, priority)
	if err != nil {
		return err
	}
	if err := s.st.ResolveDispute(dispute.ID, decision); err != nil {
		s.log.Error("dispute resolved on-chain but dispute row update failed; needs manual reconciliation",
			"escrow_id", escrowID, "dispute_id", dispute.ID, "error", err)
	}
	s.publish(escrowID, events.TypeDisputeResolved, events.DisputeResolved{Decision: string(decision), TxHash: txHashOf(tx)})
	return nil
}

// GetState returns the current escrow for a party authorized to see it.
func (s *Service) GetState(escrowID, principal string) (*escrow.Escrow, error) {
	e, err := s.st.GetEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolveRole(e, principal); err != nil {
		return nil, err
	}
	return e, nil
}

func txHashOf(tx *escrow.Transaction) string {
	if tx == nil || tx.TxHash == nil {
		return ""
	}
	return *tx.TxHash
}

// Package txcoordinator implements TransactionCoordinator (SPEC_FULL.md
// §4.6): release, refund, and arbiter-resolution transaction
// construction, two-signature collection, and at-most-once broadcast.
package txcoordinator

import (
	"context"
	"fmt"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/walletgateway"
	"github.com/duskmarket/escrowcore/pkg/helpers"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

// GatewayProvider resolves the WalletGateway bound to a role on an
// escrow. internal/multisig.Protocol satisfies this.
type GatewayProvider interface {
	Gateway(escrowID string, role escrow.PartyRole) (*walletgateway.Gateway, error)
}

// feePriorityRPC maps the three-level fee abstraction to the wallet
// RPC's integer priority (§4.6 "passes through to the wallet RPC";
// monero-wallet-rpc convention 0=default, 1=slow/unimportant, 3=fast).
var feePriorityRPC = map[escrow.FeePriority]int{
	escrow.FeeSlow:    1,
	escrow.FeeDefault: 0,
	escrow.FeeFast:    3,
}

// Coordinator drives §4.6's release/refund/resolve paths.
type Coordinator struct {
	st       *store.Store
	gateways GatewayProvider
	log      *logging.Logger
}

// New constructs a Coordinator over the durable store and the wallet
// bindings created during multisig setup.
func New(st *store.Store, gateways GatewayProvider, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Coordinator{st: st, gateways: gateways, log: log.Component("txcoordinator")}
}

// signerPair is the two roles whose signatures are required, in the
// canonical sig_index order (0 then 1).
type signerPair [2]escrow.PartyRole

// Release builds and broadcasts the release transaction, paying the
// escrow balance to destinationAddress (the vendor's payout address).
// Valid from Shipped; buyer and vendor each sign.
func (c *Coordinator) Release(ctx context.Context, e *escrow.Escrow, destinationAddress string, priority escrow.FeePriority) (*escrow.Transaction, error) {
	if e.State != escrow.Shipped {
		return nil, escrowerr.Newf(escrowerr.IllegalTransition, "release requires state Shipped, escrow is %s", e.State)
	}
	tx, err := c.run(ctx, e, escrow.PurposeRelease, destinationAddress, priority, signerPair{escrow.Buyer, escrow.Vendor})
	if err != nil {
		return nil, err
	}
	if err := c.transition(e.ID, escrow.Shipped, escrow.Released); err != nil {
		return nil, err
	}
	return tx, nil
}

// Refund builds and broadcasts the refund transaction, paying the
// escrow balance back to destinationAddress (the buyer's payout
// address). Valid from Shipped or Funded (vendor consent, buyer+vendor
// sign); the Disputed path goes through Resolve instead.
func (c *Coordinator) Refund(ctx context.Context, e *escrow.Escrow, destinationAddress string, priority escrow.FeePriority) (*escrow.Transaction, error) {
	from := e.State
	if from != escrow.Shipped && from != escrow.Funded {
		return nil, escrowerr.Newf(escrowerr.IllegalTransition, "refund requires state Shipped or Funded, escrow is %s", from)
	}
	tx, err := c.run(ctx, e, escrow.PurposeRefund, destinationAddress, priority, signerPair{escrow.Buyer, escrow.Vendor})
	if err != nil {
		return nil, err
	}
	if err := c.transition(e.ID, from, escrow.Refunded); err != nil {
		return nil, err
	}
	return tx, nil
}

// Resolve builds and broadcasts the arbiter's resolution transaction.
// Valid only from Disputed; requires the arbiter's signature plus the
// signature of the party favored by decision.
func (c *Coordinator) Resolve(ctx context.Context, e *escrow.Escrow, destinationAddress string, decision escrow.Decision, priority escrow.FeePriority) (*escrow.Transaction, error) {
	if e.State != escrow.Disputed {
		return nil, escrowerr.Newf(escrowerr.IllegalTransition, "resolve requires state Disputed, escrow is %s", e.State)
	}

	var favoredRole escrow.PartyRole
	switch decision {
	case escrow.DecisionReleaseVendor:
		favoredRole = escrow.Vendor
	case escrow.DecisionRefundBuyer:
		favoredRole = escrow.Buyer
	default:
		return nil, escrowerr.Newf(escrowerr.Internal, "unknown dispute decision %q", decision)
	}

	purpose := escrow.PurposeArbiterResolve
	tx, err := c.run(ctx, e, purpose, destinationAddress, priority, signerPair{escrow.Arbiter, favoredRole})
	if err != nil {
		return nil, err
	}
	if err := c.transition(e.ID, escrow.Disputed, escrow.Resolved); err != nil {
		return nil, err
	}
	return tx, nil
}

// run is the shared construct -> sign x2 -> finalize -> broadcast
// pipeline for all three purposes (§4.6 steps 2-5).
func (c *Coordinator) run(ctx context.Context, e *escrow.Escrow, purpose escrow.TxPurpose, destinationAddress string, priority escrow.FeePriority, signers signerPair) (*escrow.Transaction, error) {
	tx, txDataHex, err := c.constructOrReuse(ctx, e, purpose, destinationAddress, priority, signers[0])
	if err != nil {
		return nil, err
	}

	for idx, role := range signers {
		signed, err := c.signIfMissing(ctx, e.ID, purpose, idx, role, txDataHex)
		if err != nil {
			return nil, err
		}
		txDataHex = signed
	}

	if err := c.broadcast(ctx, e, tx, purpose, signers[0], txDataHex); err != nil {
		return nil, err
	}
	return tx, nil
}

// constructOrReuse builds the unsigned transaction via the first
// signer's wallet, or returns the already-constructed row (and its
// unsigned tx_data_hex) if a prior, partially-completed attempt left
// one in place (idempotent retry, §4.6 step 6).
func (c *Coordinator) constructOrReuse(ctx context.Context, e *escrow.Escrow, purpose escrow.TxPurpose, destinationAddress string, priority escrow.FeePriority, constructor escrow.PartyRole) (*escrow.Transaction, string, error) {
	existing, err := c.st.GetPendingTransaction(e.ID, purpose)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		txDataHex, err := c.st.UnsignedTxDataHex(existing.ID)
		if err != nil {
			return nil, "", err
		}
		return existing, txDataHex, nil
	}

	gw, err := c.gateways.Gateway(e.ID, constructor)
	if err != nil {
		return nil, "", err
	}
	transferResult, err := gw.Transfer(ctx, walletgateway.TransferParams{
		Destinations: []walletgateway.TransferDestination{{Address: destinationAddress, Amount: e.AmountAtomic}},
		Priority:     feePriorityRPC[priority],
		GetTxKey:     false,
	})
	if err != nil {
		return nil, "", err
	}

	tx := &escrow.Transaction{
		ID:                 newTransactionID(e.ID, purpose),
		EscrowID:           e.ID,
		Purpose:            purpose,
		DestinationAddress: destinationAddress,
		AmountAtomic:       e.AmountAtomic,
	}
	if err := c.st.CreateTransaction(tx, transferResult.TxDataHex); err != nil {
		return nil, "", err
	}
	return tx, transferResult.TxDataHex, nil
}

// signIfMissing returns the already-recorded signature at idx if one
// exists (idempotent per (escrow, purpose, sig_index), §4.6 step 6),
// otherwise calls sign_multisig on role's wallet and records the
// result.
func (c *Coordinator) signIfMissing(ctx context.Context, escrowID string, purpose escrow.TxPurpose, idx int, role escrow.PartyRole, txDataHex string) (string, error) {
	sigs, err := c.st.Signatures(escrowID, purpose)
	if err != nil {
		return "", err
	}
	if idx < len(sigs) {
		return sigs[idx], nil
	}

	gw, err := c.gateways.Gateway(escrowID, role)
	if err != nil {
		return "", err
	}
	result, err := gw.SignMultisig(ctx, walletgateway.SignMultisigParams{TxDataHex: txDataHex})
	if err != nil {
		return "", err
	}
	if err := c.st.SaveSignature(escrowID, purpose, idx, result.TxDataHex); err != nil {
		return "", err
	}
	return result.TxDataHex, nil
}

// broadcast claims the at-most-once broadcast_intent before submitting,
// then persists the resulting tx_hash (§4.6 step 5, "at-most-once
// broadcast guarantee").
func (c *Coordinator) broadcast(ctx context.Context, e *escrow.Escrow, tx *escrow.Transaction, purpose escrow.TxPurpose, submitter escrow.PartyRole, txDataHex string) error {
	if err := c.st.RecordBroadcastIntent(e.ID, purpose, tx.ID); err != nil {
		return err
	}

	gw, err := c.gateways.Gateway(e.ID, submitter)
	if err != nil {
		return err
	}
	result, err := gw.SubmitMultisig(ctx, walletgateway.SubmitMultisigParams{TxDataHex: txDataHex})
	if err != nil {
		return err
	}
	if len(result.TxHashList) == 0 {
		return escrowerr.New(escrowerr.RpcError, "submit_multisig returned no tx hash")
	}

	txHash := result.TxHashList[0]
	if !helpers.IsValidTxHash(trimHexPrefix(txHash)) {
		c.log.Warn("submit_multisig returned an unexpected tx hash shape", "escrow_id", e.ID, "tx_hash", txHash)
	}
	if err := c.st.MarkBroadcast(tx.ID, txHash); err != nil {
		return err
	}
	tx.TxHash = &txHash
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (c *Coordinator) transition(escrowID string, from, to escrow.State) error {
	event := eventFor(from, to)
	if _, err := escrow.Transition(from, event); err != nil {
		return err
	}
	return c.st.UpdateState(escrowID, from, to)
}

func eventFor(from, to escrow.State) escrow.Event {
	switch {
	case from == escrow.Shipped && to == escrow.Released:
		return escrow.EventReleaseSucceeded
	case from == escrow.Shipped && to == escrow.Refunded:
		return escrow.EventRefundSucceeded
	case from == escrow.Funded && to == escrow.Refunded:
		return escrow.EventRefundSucceeded
	case from == escrow.Disputed && to == escrow.Resolved:
		return escrow.EventDisputeResolved
	default:
		return escrow.EventSetupError
	}
}

// newTransactionID derives a deterministic ID from (escrowID, purpose)
// so retried construction attempts that race constructOrReuse's
// check-then-act window still collide on the transactions table's
// primary key instead of creating a duplicate row.
func newTransactionID(escrowID string, purpose escrow.TxPurpose) string {
	return fmt.Sprintf("%s:%s", escrowID, purpose)
}

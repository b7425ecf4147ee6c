package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "escrowcore-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := Open(filepath.Join(tmpDir, "escrow.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEscrow() *escrow.Escrow {
	return &escrow.Escrow{
		ID:           uuid.NewString(),
		OrderID:      "order-1",
		BuyerID:      "buyer-1",
		VendorID:     "vendor-1",
		ArbiterID:    "arbiter-1",
		AmountAtomic: 1_000_000_000,
		State:        escrow.Init,
	}
}

func TestCreateAndGetEscrow(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()

	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	got, err := s.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.Init || got.BuyerID != e.BuyerID || got.AmountAtomic != e.AmountAtomic {
		t.Errorf("GetEscrow() = %+v, want matching %+v", got, e)
	}
}

func TestCreateEscrowRejectsDuplicateOrderID(t *testing.T) {
	s := newTestStore(t)
	e1 := newTestEscrow()
	if err := s.CreateEscrow(e1); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	e2 := newTestEscrow()
	e2.ID = uuid.NewString()
	e2.OrderID = e1.OrderID
	if err := s.CreateEscrow(e2); !escrowerr.Of(err, escrowerr.AlreadyBound) {
		t.Errorf("CreateEscrow() with duplicate order_id error = %v, want AlreadyBound", err)
	}
}

func TestLoadByOrder(t *testing.T) {
	s := newTestStore(t)

	got, err := s.LoadByOrder("order-does-not-exist")
	if err != nil {
		t.Fatalf("LoadByOrder() error = %v", err)
	}
	if got != nil {
		t.Errorf("LoadByOrder() = %+v, want nil for an unbound order", got)
	}

	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}
	got, err = s.LoadByOrder(e.OrderID)
	if err != nil {
		t.Fatalf("LoadByOrder() error = %v", err)
	}
	if got == nil || got.ID != e.ID {
		t.Errorf("LoadByOrder() = %+v, want escrow %s", got, e.ID)
	}
}

func TestUpdateStateCAS(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	if err := s.UpdateState(e.ID, escrow.Init, escrow.AwaitingPrepare); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	got, err := s.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.AwaitingPrepare {
		t.Errorf("State = %s, want AwaitingPrepare", got.State)
	}

	// Stale expected-state: should be rejected as a race.
	err = s.UpdateState(e.ID, escrow.Init, escrow.AwaitingMake)
	if !escrowerr.Of(err, escrowerr.StateRace) {
		t.Errorf("UpdateState() with stale expected state error = %v, want StateRace", err)
	}
}

func TestSetMultisigAddressIdempotentAndFailsClosed(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	if err := s.SetMultisigAddress(e.ID, "4Addr1"); err != nil {
		t.Fatalf("SetMultisigAddress() error = %v", err)
	}
	// Setting the same address again is fine.
	if err := s.SetMultisigAddress(e.ID, "4Addr1"); err != nil {
		t.Fatalf("SetMultisigAddress() (same addr) error = %v", err)
	}
	// A different address is rejected.
	if err := s.SetMultisigAddress(e.ID, "4Addr2"); !escrowerr.Of(err, escrowerr.AlreadyBound) {
		t.Errorf("SetMultisigAddress() (different addr) error = %v, want AlreadyBound", err)
	}
}

func TestSavePayloadRejectsReplace(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	p := &escrow.PartyPayload{EscrowID: e.ID, Role: escrow.Buyer, Round: escrow.RoundPrepare, Ciphertext: []byte("ct1")}
	if err := s.SavePayload(p); err != nil {
		t.Fatalf("SavePayload() error = %v", err)
	}
	p2 := &escrow.PartyPayload{EscrowID: e.ID, Role: escrow.Buyer, Round: escrow.RoundPrepare, Ciphertext: []byte("ct2")}
	if err := s.SavePayload(p2); !escrowerr.Of(err, escrowerr.PayloadReplaceForbidden) {
		t.Errorf("SavePayload() (replace) error = %v, want PayloadReplaceForbidden", err)
	}

	got, err := s.GetPayload(e.ID, escrow.Buyer, escrow.RoundPrepare)
	if err != nil {
		t.Fatalf("GetPayload() error = %v", err)
	}
	if string(got.Ciphertext) != "ct1" {
		t.Errorf("GetPayload() ciphertext = %q, want ct1 (unchanged)", got.Ciphertext)
	}
}

func TestPayloadsForRound(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	roles := []escrow.PartyRole{escrow.Buyer, escrow.Vendor, escrow.Arbiter}
	for _, r := range roles {
		if err := s.SavePayload(&escrow.PartyPayload{EscrowID: e.ID, Role: r, Round: escrow.RoundPrepare, Ciphertext: []byte("ct-" + string(r))}); err != nil {
			t.Fatalf("SavePayload(%s) error = %v", r, err)
		}
	}

	got, err := s.PayloadsForRound(e.ID, escrow.RoundPrepare)
	if err != nil {
		t.Fatalf("PayloadsForRound() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("PayloadsForRound() returned %d payloads, want 3", len(got))
	}
}

func TestRecordBroadcastIntentAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	txID := uuid.NewString()
	if err := s.RecordBroadcastIntent(e.ID, escrow.PurposeRelease, txID); err != nil {
		t.Fatalf("RecordBroadcastIntent() error = %v", err)
	}
	if err := s.RecordBroadcastIntent(e.ID, escrow.PurposeRelease, uuid.NewString()); !escrowerr.Of(err, escrowerr.AlreadyBroadcast) {
		t.Errorf("RecordBroadcastIntent() (second claim) error = %v, want AlreadyBroadcast", err)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	tx := &escrow.Transaction{
		ID:                 uuid.NewString(),
		EscrowID:           e.ID,
		Purpose:            escrow.PurposeRelease,
		DestinationAddress: "4VendorAddr",
		AmountAtomic:       500_000_000,
	}
	if err := s.CreateTransaction(tx, "unsigned-hex"); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	if err := s.MarkBroadcast(tx.ID, "txhash123"); err != nil {
		t.Fatalf("MarkBroadcast() error = %v", err)
	}
	if err := s.UpdateConfirmations(tx.ID, 5); err != nil {
		t.Fatalf("UpdateConfirmations() error = %v", err)
	}

	got, err := s.GetTransaction(tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.TxHash == nil || *got.TxHash != "txhash123" {
		t.Errorf("TxHash = %v, want txhash123", got.TxHash)
	}
	if got.Confirmations != 5 {
		t.Errorf("Confirmations = %d, want 5", got.Confirmations)
	}
	if got.BroadcastAt == nil {
		t.Error("BroadcastAt = nil, want set")
	}
}

func TestMarkBroadcastRejectsDuplicateTxHash(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	tx1 := &escrow.Transaction{ID: uuid.NewString(), EscrowID: e.ID, Purpose: escrow.PurposeRelease, DestinationAddress: "4VendorAddr", AmountAtomic: 1}
	if err := s.CreateTransaction(tx1, "unsigned-hex-1"); err != nil {
		t.Fatalf("CreateTransaction(tx1) error = %v", err)
	}
	tx2 := &escrow.Transaction{ID: uuid.NewString(), EscrowID: e.ID, Purpose: escrow.PurposeRefund, DestinationAddress: "4BuyerAddr", AmountAtomic: 1}
	if err := s.CreateTransaction(tx2, "unsigned-hex-2"); err != nil {
		t.Fatalf("CreateTransaction(tx2) error = %v", err)
	}

	if err := s.MarkBroadcast(tx1.ID, "sharedhash"); err != nil {
		t.Fatalf("MarkBroadcast(tx1) error = %v", err)
	}
	if err := s.MarkBroadcast(tx2.ID, "sharedhash"); !escrowerr.Of(err, escrowerr.Internal) {
		t.Errorf("MarkBroadcast(tx2) with a hash already used by tx1 error = %v, want Internal", err)
	}
}

func TestPendingTransactions(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	confirmed := &escrow.Transaction{ID: uuid.NewString(), EscrowID: e.ID, Purpose: escrow.PurposeRelease, DestinationAddress: "a", AmountAtomic: 1}
	pending := &escrow.Transaction{ID: uuid.NewString(), EscrowID: e.ID, Purpose: escrow.PurposeRelease, DestinationAddress: "b", AmountAtomic: 1}
	unbroadcast := &escrow.Transaction{ID: uuid.NewString(), EscrowID: e.ID, Purpose: escrow.PurposeRelease, DestinationAddress: "c", AmountAtomic: 1}
	for _, tx := range []*escrow.Transaction{confirmed, pending, unbroadcast} {
		if err := s.CreateTransaction(tx, "unsigned-hex"); err != nil {
			t.Fatalf("CreateTransaction() error = %v", err)
		}
	}
	if err := s.MarkBroadcast(confirmed.ID, "hash-confirmed"); err != nil {
		t.Fatalf("MarkBroadcast() error = %v", err)
	}
	if err := s.UpdateConfirmations(confirmed.ID, 10); err != nil {
		t.Fatalf("UpdateConfirmations() error = %v", err)
	}
	if err := s.MarkBroadcast(pending.ID, "hash-pending"); err != nil {
		t.Fatalf("MarkBroadcast() error = %v", err)
	}

	got, err := s.PendingTransactions(10, 25)
	if err != nil {
		t.Fatalf("PendingTransactions() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Errorf("PendingTransactions() = %v, want only %s", got, pending.ID)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	s := newTestStore(t)
	e := newTestEscrow()
	if err := s.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	d := &escrow.Dispute{ID: uuid.NewString(), EscrowID: e.ID, OpenedBy: escrow.Buyer, Reason: "item not received", Status: escrow.DisputeOpen}
	if err := s.OpenDispute(d); err != nil {
		t.Fatalf("OpenDispute() error = %v", err)
	}

	open, err := s.GetOpenDispute(e.ID)
	if err != nil {
		t.Fatalf("GetOpenDispute() error = %v", err)
	}
	if open == nil || open.ID != d.ID {
		t.Fatalf("GetOpenDispute() = %v, want %s", open, d.ID)
	}

	if err := s.ResolveDispute(d.ID, escrow.DecisionRefundBuyer); err != nil {
		t.Fatalf("ResolveDispute() error = %v", err)
	}
	if err := s.ResolveDispute(d.ID, escrow.DecisionReleaseVendor); !escrowerr.Of(err, escrowerr.StateRace) {
		t.Errorf("ResolveDispute() (already resolved) error = %v, want StateRace", err)
	}

	afterResolve, err := s.GetOpenDispute(e.ID)
	if err != nil {
		t.Fatalf("GetOpenDispute() after resolve error = %v", err)
	}
	if afterResolve != nil {
		t.Errorf("GetOpenDispute() after resolve = %v, want nil", afterResolve)
	}
}

func TestListByRoleAndState(t *testing.T) {
	s := newTestStore(t)
	e1 := newTestEscrow()
	e1.BuyerID = "shared-buyer"
	e2 := newTestEscrow()
	e2.OrderID = "order-2"
	e2.VendorID = "shared-buyer"
	e2.State = escrow.Ready
	other := newTestEscrow()
	other.OrderID = "order-3"

	for _, e := range []*escrow.Escrow{e1, e2, other} {
		if err := s.CreateEscrow(e); err != nil {
			t.Fatalf("CreateEscrow() error = %v", err)
		}
	}

	got, err := s.ListByRoleAndState("shared-buyer", nil)
	if err != nil {
		t.Fatalf("ListByRoleAndState() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListByRoleAndState() returned %d escrows, want 2", len(got))
	}

	gotReady, err := s.ListByRoleAndState("shared-buyer", []escrow.State{escrow.Ready})
	if err != nil {
		t.Fatalf("ListByRoleAndState(Ready) error = %v", err)
	}
	if len(gotReady) != 1 || gotReady[0].ID != e2.ID {
		t.Errorf("ListByRoleAndState(Ready) = %v, want only %s", gotReady, e2.ID)
	}
}

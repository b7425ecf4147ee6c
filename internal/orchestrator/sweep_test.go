package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/multisig"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/txcoordinator"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/google/uuid"
)

func newSweepTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "escrowcore-sweep-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.Open(filepath.Join(tmpDir, "escrow.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mp := multisig.New(st, nil, nil, nil)
	coord := txcoordinator.New(st, mp, nil)
	sink := events.NewChannelSink(16)
	svc := New(Config{Store: st, Multisig: mp, Coordinator: coord, Sink: sink})
	return svc, st
}

func backdatedEscrow(t *testing.T, st *store.Store, state escrow.State, age time.Duration) *escrow.Escrow {
	t.Helper()
	e := &escrow.Escrow{
		ID:           uuid.NewString(),
		OrderID:      "order-1",
		BuyerID:      "buyer-1",
		VendorID:     "vendor-1",
		ArbiterID:    "arbiter-1",
		AmountAtomic: 1_000_000,
		State:        escrow.Init,
	}
	if err := st.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}
	if state != escrow.Init {
		if err := st.UpdateState(e.ID, escrow.Init, state); err != nil {
			t.Fatalf("UpdateState() error = %v", err)
		}
	}
	// Backdate updated_at directly; the sweep reads it straight from the
	// row, and CreateEscrow/UpdateState always stamp "now".
	if _, err := st.DB().Exec(`UPDATE escrows SET updated_at = ? WHERE id = ?`, time.Now().Add(-age).Unix(), e.ID); err != nil {
		t.Fatalf("backdate updated_at: %v", err)
	}
	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	return got
}

func TestSweepSetupTimeoutsFailsStalledEscrow(t *testing.T) {
	svc, st := newSweepTestService(t)
	e := backdatedEscrow(t, st, escrow.AwaitingPrepare, 49*time.Hour)

	w := NewSweepWorker(svc, SweepConfig{})
	w.sweepSetupTimeouts()

	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.Failed {
		t.Errorf("state = %s, want Failed", got.State)
	}
}

func TestSweepSetupTimeoutsLeavesFreshEscrowAlone(t *testing.T) {
	svc, st := newSweepTestService(t)
	e := backdatedEscrow(t, st, escrow.AwaitingPrepare, time.Minute)

	w := NewSweepWorker(svc, SweepConfig{})
	w.sweepSetupTimeouts()

	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.AwaitingPrepare {
		t.Errorf("state = %s, want unchanged AwaitingPrepare", got.State)
	}
}

func TestSweepFundedTimeoutsOpensDispute(t *testing.T) {
	svc, st := newSweepTestService(t)
	e := backdatedEscrow(t, st, escrow.Funded, 31*24*time.Hour)

	w := NewSweepWorker(svc, SweepConfig{})
	w.sweepFundedTimeouts()

	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.Disputed && got.State != escrow.Resolved {
		t.Errorf("state = %s, want Disputed or Resolved after auto-refund sweep", got.State)
	}
}

func TestStartStopSweepWorkerRunsCleanly(t *testing.T) {
	svc, _ := newSweepTestService(t)
	w := NewSweepWorker(svc, SweepConfig{SetupInterval: 10 * time.Millisecond, FundedInterval: 10 * time.Millisecond})
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}

package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/walletgateway"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/google/uuid"
)

type fakeGatewayProvider struct {
	gw *walletgateway.Gateway
}

func (f fakeGatewayProvider) Gateway(escrowID string, role escrow.PartyRole) (*walletgateway.Gateway, error) {
	return f.gw, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "escrowcore-monitor-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.Open(filepath.Join(tmpDir, "escrow.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// txHashSeq gives every fixture transaction its own tx_hash, since the
// store rejects a hash already used by another transaction.
var txHashSeq int

func newFundedTransaction(t *testing.T, st *store.Store, escrowID string, confirmations int64, broadcastAt time.Time) *escrow.Transaction {
	t.Helper()
	tx := &escrow.Transaction{
		ID:                 uuid.NewString(),
		EscrowID:           escrowID,
		Purpose:            escrow.PurposeRelease,
		DestinationAddress: "4VendorAddr",
		AmountAtomic:       1_000_000,
	}
	if err := st.CreateTransaction(tx, "unsigned-hex"); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	txHashSeq++
	txHash := fmt.Sprintf("%064x", txHashSeq)
	if err := st.MarkBroadcast(tx.ID, txHash); err != nil {
		t.Fatalf("MarkBroadcast() error = %v", err)
	}
	if err := st.UpdateConfirmations(tx.ID, confirmations); err != nil {
		t.Fatalf("UpdateConfirmations() error = %v", err)
	}
	got, err := st.GetTransaction(tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	got.TxHash = &txHash
	got.BroadcastAt = &broadcastAt
	return got
}

func newEscrow(t *testing.T, st *store.Store) *escrow.Escrow {
	t.Helper()
	e := &escrow.Escrow{
		ID:           uuid.NewString(),
		OrderID:      "order-1",
		BuyerID:      "buyer-1",
		VendorID:     "vendor-1",
		ArbiterID:    "arbiter-1",
		AmountAtomic: 1_000_000,
		State:        escrow.Shipped,
	}
	if err := st.CreateEscrow(e); err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}
	return e
}

func newMockWalletServer(t *testing.T, confirmations int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		result := map[string]any{
			"transfer": map[string]any{"confirmations": confirmations, "height": 100, "amount": 1_000_000},
		}
		payload, _ := json.Marshal(result)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, payload)
	}))
}

func newTestGateway(t *testing.T, endpoint string) *walletgateway.Gateway {
	t.Helper()
	gw, err := walletgateway.New(walletgateway.Config{
		EndpointURL:    endpoint,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("walletgateway.New() error = %v", err)
	}
	return gw
}

func TestCheckOneAdvancesConfirmationsAndEmitsTxConfirmed(t *testing.T) {
	st := newTestStore(t)
	e := newEscrow(t, st)
	tx := newFundedTransaction(t, st, e.ID, 2, time.Now())

	srv := newMockWalletServer(t, 5)
	defer srv.Close()

	sink := events.NewChannelSink(4)
	mon := New(Config{
		Store:    st,
		Gateways: fakeGatewayProvider{gw: newTestGateway(t, srv.URL)},
		Sink:     sink,
	})

	if err := mon.checkOne(tx); err != nil {
		t.Fatalf("checkOne() error = %v", err)
	}

	got, err := st.GetTransaction(tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Confirmations != 5 {
		t.Errorf("Confirmations = %d, want 5", got.Confirmations)
	}

	select {
	case evt := <-sink.Events():
		if evt.Type != events.TypeTxConfirmed {
			t.Errorf("event type = %s, want TxConfirmed", evt.Type)
		}
	default:
		t.Error("expected a TxConfirmed event to be published")
	}
}

func TestCheckOneSkipsRegressedConfirmationCount(t *testing.T) {
	st := newTestStore(t)
	e := newEscrow(t, st)
	tx := newFundedTransaction(t, st, e.ID, 5, time.Now())

	srv := newMockWalletServer(t, 3) // stale/lower than stored
	defer srv.Close()

	mon := New(Config{Store: st, Gateways: fakeGatewayProvider{gw: newTestGateway(t, srv.URL)}})

	if err := mon.checkOne(tx); err != nil {
		t.Fatalf("checkOne() error = %v", err)
	}
	got, err := st.GetTransaction(tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Confirmations != 5 {
		t.Errorf("Confirmations = %d, want unchanged 5", got.Confirmations)
	}
}

func TestCheckOneAlertsStuckTransactionOnce(t *testing.T) {
	st := newTestStore(t)
	e := newEscrow(t, st)
	staleBroadcast := time.Now().Add(-2 * time.Hour)
	tx := newFundedTransaction(t, st, e.ID, 0, staleBroadcast)

	sink := events.NewChannelSink(4)
	mon := New(Config{Store: st, Sink: sink})

	if err := mon.checkOne(tx); err != nil {
		t.Fatalf("checkOne() error = %v", err)
	}

	select {
	case evt := <-sink.Events():
		if evt.Type != events.TypeAlertStuck {
			t.Errorf("event type = %s, want AlertStuck", evt.Type)
		}
	default:
		t.Fatal("expected an AlertStuck event to be published")
	}

	pending, err := st.PendingTransactions(10, 100)
	if err != nil {
		t.Fatalf("PendingTransactions() error = %v", err)
	}
	for _, p := range pending {
		if p.ID == tx.ID {
			t.Error("alerted transaction must not reappear in PendingTransactions")
		}
	}
}

func TestPollOnceBatchesAboveBackPressureThreshold(t *testing.T) {
	st := newTestStore(t)
	e := newEscrow(t, st)

	n := backPressureThreshold + 5
	for i := 0; i < n; i++ {
		newFundedTransaction(t, st, e.ID, 1, time.Now())
	}

	srv := newMockWalletServer(t, 2)
	defer srv.Close()

	mon := New(Config{
		Store:    st,
		Gateways: fakeGatewayProvider{gw: newTestGateway(t, srv.URL)},
	})

	done := make(chan struct{})
	go func() {
		mon.pollOnce()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("pollOnce() did not complete in time")
	}

	pending, err := st.PendingTransactions(10, n+10)
	if err != nil {
		t.Fatalf("PendingTransactions() error = %v", err)
	}
	for _, p := range pending {
		if p.Confirmations != 2 {
			t.Errorf("transaction %s confirmations = %d, want 2", p.ID, p.Confirmations)
		}
	}
}

func TestStartStopRunsCleanly(t *testing.T) {
	st := newTestStore(t)
	srv := newMockWalletServer(t, 1)
	defer srv.Close()

	mon := New(Config{
		Store:    st,
		Gateways: fakeGatewayProvider{gw: newTestGateway(t, srv.URL)},
		Interval: 10 * time.Millisecond,
	})
	mon.Start()
	time.Sleep(30 * time.Millisecond)
	mon.Stop()
}

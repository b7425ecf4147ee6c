package multisig

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duskmarket/escrowcore/internal/cipher"
	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/walletgateway"
	"github.com/google/uuid"
)

// mockWallet is a fake monero-wallet-rpc endpoint good enough to drive
// the full six-round setup. Every wallet produces the same address from
// make_multisig so the protocol's equality check passes.
type mockWallet struct {
	role    string
	address string
}

func (m *mockWallet) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		var result any
		switch req.Method {
		case "prepare_multisig":
			result = map[string]string{"multisig_info": "MultisigV2Prepare" + m.role + strings.Repeat("A", 100)}
		case "make_multisig":
			result = map[string]string{"address": m.address, "multisig_info": "MultisigV2Sync1" + m.role + strings.Repeat("A", 100)}
		case "export_multisig_info":
			result = map[string]string{"info": "MultisigV2Sync2" + m.role + strings.Repeat("A", 100)}
		case "import_multisig_info":
			result = map[string]int{"n_outputs": 2}
		case "is_multisig":
			result = map[string]any{"multisig": true, "ready": true, "threshold": 2, "total": 3}
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"unknown method"}}`, req.ID)
			return
		}

		payload, _ := json.Marshal(result)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, payload)
	}
}

func newTestProtocol(t *testing.T) (*Protocol, *store.Store) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "escrowcore-multisig-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.Open(filepath.Join(tmpDir, "escrow.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key := make([]byte, cipher.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fc, err := cipher.New(key)
	if err != nil {
		t.Fatalf("cipher.New() error = %v", err)
	}

	return New(st, fc, nil, nil), st
}

func newTestEscrow(st *store.Store) *escrow.Escrow {
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
		panic(err)
	}
	return e
}

func startMockWallets(t *testing.T, address string) map[escrow.PartyRole]*walletgateway.Gateway {
	t.Helper()
	gateways := make(map[escrow.PartyRole]*walletgateway.Gateway, 3)
	for _, role := range []escrow.PartyRole{escrow.Buyer, escrow.Vendor, escrow.Arbiter} {
		mw := &mockWallet{role: string(role), address: address}
		srv := httptest.NewServer(mw.handler())
		t.Cleanup(srv.Close)

		gw, err := walletgateway.New(walletgateway.Config{
			EndpointURL:    srv.URL,
			ConnectTimeout: 2 * time.Second,
			RequestTimeout: 2 * time.Second,
		})
		if err != nil {
			t.Fatalf("walletgateway.New() error = %v", err)
		}
		gateways[role] = gw
	}
	return gateways
}

func TestFullSetupReachesReady(t *testing.T) {
	p, st := newTestProtocol(t)
	e := newTestEscrow(st)
	gateways := startMockWallets(t, "4SharedMultisigAddr")

	ctx := context.Background()
	for role, gw := range gateways {
		if err := p.RegisterWallet(ctx, e.ID, role, gw); err != nil {
			t.Fatalf("RegisterWallet(%s) error = %v", role, err)
		}
	}

	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.Ready {
		t.Fatalf("escrow state = %s, want Ready", got.State)
	}
	if got.MultisigAddress == nil || *got.MultisigAddress != "4SharedMultisigAddr" {
		t.Errorf("MultisigAddress = %v, want 4SharedMultisigAddr", got.MultisigAddress)
	}
}

func TestAddressMismatchFailsEscrow(t *testing.T) {
	p, st := newTestProtocol(t)
	e := newTestEscrow(st)

	gateways := make(map[escrow.PartyRole]*walletgateway.Gateway, 3)
	for _, role := range []escrow.PartyRole{escrow.Buyer, escrow.Vendor, escrow.Arbiter} {
		address := "4Addr-" + string(role) // deliberately distinct per wallet
		mw := &mockWallet{role: string(role), address: address}
		srv := httptest.NewServer(mw.handler())
		t.Cleanup(srv.Close)

		gw, err := walletgateway.New(walletgateway.Config{EndpointURL: srv.URL})
		if err != nil {
			t.Fatalf("walletgateway.New() error = %v", err)
		}
		gateways[role] = gw
	}

	ctx := context.Background()
	var lastErr error
	for role, gw := range gateways {
		if err := p.RegisterWallet(ctx, e.ID, role, gw); err != nil {
			lastErr = err
		}
	}
	if !escrowerr.Of(lastErr, escrowerr.AddressMismatch) {
		t.Fatalf("final RegisterWallet() error = %v, want AddressMismatch", lastErr)
	}

	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.Failed {
		t.Errorf("escrow state = %s, want Failed", got.State)
	}
}

func TestSubmitPayloadResubmissionIsIdempotent(t *testing.T) {
	p, st := newTestProtocol(t)
	e := newTestEscrow(st)
	payload := strings.Repeat("A", 100)

	ctx := context.Background()
	if err := p.SubmitPayload(ctx, e.ID, escrow.Buyer, escrow.RoundPrepare, payload); err != nil {
		t.Fatalf("SubmitPayload() error = %v", err)
	}
	// Resubmitting the identical payload is a no-op, not an error.
	if err := p.SubmitPayload(ctx, e.ID, escrow.Buyer, escrow.RoundPrepare, payload); err != nil {
		t.Errorf("SubmitPayload() (identical resubmission) error = %v, want nil", err)
	}

	stored, err := st.GetPayload(e.ID, escrow.Buyer, escrow.RoundPrepare)
	if err != nil {
		t.Fatalf("GetPayload() error = %v", err)
	}
	plaintext, err := p.fc.Decrypt(stored.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plaintext) != payload {
		t.Errorf("stored payload = %q, want %q unchanged", plaintext, payload)
	}
}

func TestSubmitPayloadResubmissionWithDifferentPayloadIsRejected(t *testing.T) {
	p, st := newTestProtocol(t)
	e := newTestEscrow(st)

	ctx := context.Background()
	if err := p.SubmitPayload(ctx, e.ID, escrow.Buyer, escrow.RoundPrepare, strings.Repeat("A", 100)); err != nil {
		t.Fatalf("SubmitPayload() error = %v", err)
	}
	err := p.SubmitPayload(ctx, e.ID, escrow.Buyer, escrow.RoundPrepare, strings.Repeat("B", 100))
	if !escrowerr.Of(err, escrowerr.PayloadReplaceForbidden) {
		t.Errorf("SubmitPayload() (different payload) error = %v, want PayloadReplaceForbidden", err)
	}
}

func TestRegisterWalletRequiresAllThree(t *testing.T) {
	p, st := newTestProtocol(t)
	e := newTestEscrow(st)
	gateways := startMockWallets(t, "4Addr")

	ctx := context.Background()
	if err := p.RegisterWallet(ctx, e.ID, escrow.Buyer, gateways[escrow.Buyer]); err != nil {
		t.Fatalf("RegisterWallet(Buyer) error = %v", err)
	}

	got, err := st.GetEscrow(e.ID)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.State != escrow.Init {
		t.Errorf("escrow state = %s, want Init (only one of three registered)", got.State)
	}
}

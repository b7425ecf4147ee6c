package walletgateway

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// payloadCharset is the character set ValidatePayload accepts: the
// base64 and base64url alphabets plus "=" padding. No version prefix is
// checked; a payload passes on length and charset alone.
var payloadCharset = regexp.MustCompile(`^[A-Za-z0-9+/=_-]+$`)

// ValidatePayload enforces the multisig payload invariant from §4.1: a
// payload must be within [PayloadMinLen, PayloadMaxLen] and contain only
// base64-alphabet characters. Callers pass the length bounds so this
// helper has no dependency on internal/escrow.
func ValidatePayload(payload string, minLen, maxLen int) error {
	if len(payload) < minLen || len(payload) > maxLen {
		return escrowerr.Newf(escrowerr.InvalidPayload, "payload length %d outside [%d, %d]", len(payload), minLen, maxLen)
	}
	if !payloadCharset.MatchString(payload) {
		return escrowerr.New(escrowerr.InvalidPayload, "payload contains non-base64 characters")
	}
	return nil
}

// PrepareMultisigResult is the response shape of prepare_multisig.
type PrepareMultisigResult struct {
	MultisigInfo string `json:"multisig_info"`
}

// PrepareMultisig starts round 1 of multisig setup on the remote wallet.
func (g *Gateway) PrepareMultisig(ctx context.Context) (*PrepareMultisigResult, error) {
	raw, err := g.call(ctx, "prepare_multisig", struct{}{})
	if err != nil {
		return nil, err
	}
	var out PrepareMultisigResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse prepare_multisig result", err)
	}
	return &out, nil
}

// MakeMultisigParams / MakeMultisigResult mirror make_multisig.
type MakeMultisigParams struct {
	MultisigInfo []string `json:"multisig_info"`
	Threshold    int      `json:"threshold"`
	Password     string   `json:"password"`
}

type MakeMultisigResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

// MakeMultisig completes round 2: combines the other two parties'
// prepare_multisig outputs into a 2-of-3 wallet.
func (g *Gateway) MakeMultisig(ctx context.Context, params MakeMultisigParams) (*MakeMultisigResult, error) {
	raw, err := g.call(ctx, "make_multisig", params)
	if err != nil {
		return nil, err
	}
	var out MakeMultisigResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse make_multisig result", err)
	}
	return &out, nil
}

// ExportMultisigInfoResult mirrors export_multisig_info.
type ExportMultisigInfoResult struct {
	Info string `json:"info"`
}

// ExportMultisigInfo exports this wallet's key-image sync payload for one
// of the two synchronization rounds.
func (g *Gateway) ExportMultisigInfo(ctx context.Context) (*ExportMultisigInfoResult, error) {
	raw, err := g.call(ctx, "export_multisig_info", struct{}{})
	if err != nil {
		return nil, err
	}
	var out ExportMultisigInfoResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse export_multisig_info result", err)
	}
	return &out, nil
}

// ImportMultisigInfoParams / ImportMultisigInfoResult mirror
// import_multisig_info.
type ImportMultisigInfoParams struct {
	Info []string `json:"info"`
}

type ImportMultisigInfoResult struct {
	NOutputs int `json:"n_outputs"`
}

// ImportMultisigInfo imports the other two parties' exported sync
// payloads into this wallet.
func (g *Gateway) ImportMultisigInfo(ctx context.Context, params ImportMultisigInfoParams) (*ImportMultisigInfoResult, error) {
	raw, err := g.call(ctx, "import_multisig_info", params)
	if err != nil {
		return nil, err
	}
	var out ImportMultisigInfoResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse import_multisig_info result", err)
	}
	return &out, nil
}

// IsMultisigResult mirrors is_multisig.
type IsMultisigResult struct {
	Multisig bool   `json:"multisig"`
	Ready    bool   `json:"ready"`
	Threshold int   `json:"threshold"`
	Total    int    `json:"total"`
}

// IsMultisig reports whether the wallet has completed multisig setup, used
// to confirm setup actually finished on each of the three endpoints before
// the escrow is marked Ready.
func (g *Gateway) IsMultisig(ctx context.Context) (*IsMultisigResult, error) {
	raw, err := g.call(ctx, "is_multisig", struct{}{})
	if err != nil {
		return nil, err
	}
	var out IsMultisigResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse is_multisig result", err)
	}
	return &out, nil
}

// TransferDestination is one output of a transfer call.
type TransferDestination struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// TransferParams / TransferResult mirror transfer (unsigned tx
// construction against a multisig wallet's own balance).
type TransferParams struct {
	Destinations []TransferDestination `json:"destinations"`
	Priority     int                   `json:"priority"`
	GetTxKey     bool                  `json:"get_tx_key"`
}

type TransferResult struct {
	TxDataHex    string `json:"tx_data_hex"`
	TxHashList   []string `json:"tx_hash_list"`
	MultisigTxset string `json:"multisig_txset"`
}

// Transfer constructs an unsigned (or partially-signed) transaction
// against the escrow's multisig balance. The result's TxDataHex is the
// opaque blob that callers thread through SignMultisig and
// SubmitMultisig; the gateway never inspects or reconstructs its
// contents.
func (g *Gateway) Transfer(ctx context.Context, params TransferParams) (*TransferResult, error) {
	raw, err := g.call(ctx, "transfer", params)
	if err != nil {
		return nil, err
	}
	var out TransferResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse transfer result", err)
	}
	return &out, nil
}

// SignMultisigParams / SignMultisigResult mirror sign_multisig.
type SignMultisigParams struct {
	TxDataHex string `json:"tx_data_hex"`
}

type SignMultisigResult struct {
	TxDataHex  string   `json:"tx_data_hex"`
	TxHashList []string `json:"tx_hash_list"`
}

// SignMultisig adds this wallet's signature to a partially-signed
// multisig transaction set.
func (g *Gateway) SignMultisig(ctx context.Context, params SignMultisigParams) (*SignMultisigResult, error) {
	raw, err := g.call(ctx, "sign_multisig", params)
	if err != nil {
		return nil, err
	}
	var out SignMultisigResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse sign_multisig result", err)
	}
	return &out, nil
}

// SubmitMultisigParams / SubmitMultisigResult mirror submit_multisig.
type SubmitMultisigParams struct {
	TxDataHex string `json:"tx_data_hex"`
}

type SubmitMultisigResult struct {
	TxHashList []string `json:"tx_hash_list"`
}

// SubmitMultisig broadcasts a fully-signed (threshold-reached) multisig
// transaction set to the network.
func (g *Gateway) SubmitMultisig(ctx context.Context, params SubmitMultisigParams) (*SubmitMultisigResult, error) {
	raw, err := g.call(ctx, "submit_multisig", params)
	if err != nil {
		return nil, err
	}
	var out SubmitMultisigResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse submit_multisig result", err)
	}
	return &out, nil
}

// GetTransferByTxidParams / GetTransferByTxidResult mirror
// get_transfer_by_txid, used by the confirmation monitor.
type GetTransferByTxidParams struct {
	TxID string `json:"txid"`
}

type GetTransferByTxidResult struct {
	Transfer struct {
		Confirmations int64  `json:"confirmations"`
		Height        int64  `json:"height"`
		Amount        uint64 `json:"amount"`
	} `json:"transfer"`
}

// GetTransferByTxid fetches the current confirmation count for a known
// transaction hash.
func (g *Gateway) GetTransferByTxid(ctx context.Context, params GetTransferByTxidParams) (*GetTransferByTxidResult, error) {
	raw, err := g.call(ctx, "get_transfer_by_txid", params)
	if err != nil {
		return nil, err
	}
	var out GetTransferByTxidResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, escrowerr.Wrap(escrowerr.RpcError, "parse get_transfer_by_txid result", err)
	}
	return &out, nil
}

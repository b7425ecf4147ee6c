// Package multisig implements MultisigProtocol (SPEC_FULL.md §4.5): the
// six-round 2-of-3 wallet setup dance (Prepare -> Make -> Sync1 ->
// Sync2 -> Ready) driven over three per-party WalletGateway bindings.
package multisig

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duskmarket/escrowcore/internal/cipher"
	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/walletgateway"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

// threshold is fixed at 2-of-3 for every escrow this protocol drives.
const threshold = 2

// roles is the canonical iteration order for the three parties.
var roles = [3]escrow.PartyRole{escrow.Buyer, escrow.Vendor, escrow.Arbiter}

// Protocol drives multisig setup for any number of escrows concurrently.
// Wallet bindings are in-memory only (§4.5: "not persisted;
// re-registration required after restart while pre-Ready").
type Protocol struct {
	st   *store.Store
	fc   *cipher.FieldCipher
	sink events.Sink
	log  *logging.Logger

	mu       sync.Mutex
	bindings map[string]map[escrow.PartyRole]*walletgateway.Gateway
}

// New constructs a Protocol over the given durable store and field
// cipher. sink may be nil; round advancement happens inside a single
// SubmitPayload call that can cascade through several rounds before
// returning, so this Protocol — not the orchestrator — is the one
// that emits each milestone event (WalletRegistered, PayloadReceived,
// AddressEstablished, EscrowReady) as it reaches it.
func New(st *store.Store, fc *cipher.FieldCipher, sink events.Sink, log *logging.Logger) *Protocol {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Protocol{
		st:       st,
		fc:       fc,
		sink:     sink,
		log:      log.Component("multisig"),
		bindings: make(map[string]map[escrow.PartyRole]*walletgateway.Gateway),
	}
}

func (p *Protocol) publish(escrowID string, t events.Type, data any) {
	if p.sink == nil {
		return
	}
	p.sink.Publish(events.Event{Type: t, EscrowID: escrowID, Timestamp: time.Now().Unix(), Data: data})
}

// RegisterWallet binds role's WalletGateway for escrowID. Once all three
// roles are bound, the escrow moves Init -> AwaitingPrepare and round 1
// begins automatically: prepare_multisig is invoked on all three wallets
// in parallel.
func (p *Protocol) RegisterWallet(ctx context.Context, escrowID string, role escrow.PartyRole, gw *walletgateway.Gateway) error {
	allBound, err := p.bind(escrowID, role, gw)
	if err != nil {
		return err
	}
	p.publish(escrowID, events.TypeWalletRegistered, events.WalletRegistered{Role: string(role)})
	if !allBound {
		return nil
	}

	if err := p.transition(escrowID, escrow.Init, escrow.AwaitingPrepare); err != nil {
		return err
	}
	return p.runPrepareRound(ctx, escrowID)
}

func (p *Protocol) bind(escrowID string, role escrow.PartyRole, gw *walletgateway.Gateway) (allBound bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byRole, ok := p.bindings[escrowID]
	if !ok {
		byRole = make(map[escrow.PartyRole]*walletgateway.Gateway, 3)
		p.bindings[escrowID] = byRole
	}
	byRole[role] = gw
	return len(byRole) == 3, nil
}

// Gateway returns the WalletGateway registered for (escrowID, role), for
// components downstream of setup (internal/txcoordinator) that need to
// keep calling the same party's wallet after Ready.
func (p *Protocol) Gateway(escrowID string, role escrow.PartyRole) (*walletgateway.Gateway, error) {
	return p.gateway(escrowID, role)
}

func (p *Protocol) gateway(escrowID string, role escrow.PartyRole) (*walletgateway.Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	gw, ok := p.bindings[escrowID][role]
	if !ok {
		return nil, escrowerr.Newf(escrowerr.NotAuthorized, "no wallet registered for escrow %s role %s", escrowID, role)
	}
	return gw, nil
}

// SubmitPayload persists a party's payload for one round (encrypted at
// rest) and, once all three parties have contributed, advances the
// round. store.SavePayload is immutable once written, so re-submission
// is checked here, where the field cipher lives: the existing ciphertext
// is decrypted and compared against the incoming plaintext. An identical
// resubmission is a no-op (§4.5/§8 "re-submission of the same payload is
// idempotent"); a differing one is rejected with PayloadReplaceForbidden
// without ever reaching the store.
func (p *Protocol) SubmitPayload(ctx context.Context, escrowID string, role escrow.PartyRole, round escrow.Round, payload string) error {
	if err := walletgateway.ValidatePayload(payload, escrow.PayloadMinLen, escrow.PayloadMaxLen); err != nil {
		return err
	}

	existing, err := p.st.GetPayload(escrowID, role, round)
	if err != nil {
		return err
	}
	if existing != nil {
		plaintext, err := p.fc.Decrypt(existing.Ciphertext)
		if err != nil {
			return err
		}
		if string(plaintext) == payload {
			return nil
		}
		return escrowerr.Newf(escrowerr.PayloadReplaceForbidden,
			"payload for escrow %s role %s round %s already submitted", escrowID, role, round)
	}

	ciphertext, err := p.fc.Encrypt([]byte(payload))
	if err != nil {
		return err
	}
	if err := p.st.SavePayload(&escrow.PartyPayload{EscrowID: escrowID, Role: role, Round: round, Ciphertext: ciphertext}); err != nil {
		return err
	}
	p.publish(escrowID, events.TypePayloadReceived, events.PayloadReceived{Role: string(role), Round: string(round)})

	complete, err := p.roundComplete(escrowID, round)
	if err != nil || !complete {
		return err
	}

	switch round {
	case escrow.RoundPrepare:
		return p.runMakeRound(ctx, escrowID)
	case escrow.RoundSync1:
		return p.runSync1ImportRound(ctx, escrowID)
	case escrow.RoundSync2:
		return p.runSync2ImportRound(ctx, escrowID)
	default:
		return escrowerr.Newf(escrowerr.Internal, "unknown round %s", round)
	}
}

func (p *Protocol) roundComplete(escrowID string, round escrow.Round) (bool, error) {
	payloads, err := p.st.PayloadsForRound(escrowID, round)
	if err != nil {
		return false, err
	}
	return len(payloads) == len(roles), nil
}

// payloadsByRole decrypts every payload submitted for round, keyed by
// role.
func (p *Protocol) payloadsByRole(escrowID string, round escrow.Round) (map[escrow.PartyRole]string, error) {
	payloads, err := p.st.PayloadsForRound(escrowID, round)
	if err != nil {
		return nil, err
	}
	out := make(map[escrow.PartyRole]string, len(payloads))
	for _, pl := range payloads {
		plaintext, err := p.fc.Decrypt(pl.Ciphertext)
		if err != nil {
			return nil, err
		}
		out[pl.Role] = string(plaintext)
	}
	return out, nil
}

// othersFor returns the two payload strings belonging to every role
// except self, in the canonical role order.
func othersFor(byRole map[escrow.PartyRole]string, self escrow.PartyRole) []string {
	others := make([]string, 0, 2)
	for _, r := range roles {
		if r == self {
			continue
		}
		others = append(others, byRole[r])
	}
	return others
}

func (p *Protocol) transition(escrowID string, from, to escrow.State) error {
	if _, err := escrow.Transition(from, eventFor(from, to)); err != nil {
		return err
	}
	return p.st.UpdateState(escrowID, from, to)
}

// eventFor recovers the event that drives from -> to for the fixed
// setup path this protocol walks; it never needs the general inverse
// mapping since setup only ever advances forward.
func eventFor(from, to escrow.State) escrow.Event {
	switch {
	case from == escrow.Init && to == escrow.AwaitingPrepare:
		return escrow.EventWalletsRegistered
	case from == escrow.AwaitingPrepare && to == escrow.AwaitingMake:
		return escrow.EventPrepareComplete
	case from == escrow.AwaitingMake && to == escrow.SyncRound1:
		return escrow.EventMakeSucceeded
	case from == escrow.SyncRound1 && to == escrow.SyncRound2:
		return escrow.EventSync1Complete
	case from == escrow.SyncRound2 && to == escrow.Ready:
		return escrow.EventSync2ReadyComplete
	default:
		return escrow.EventSetupError
	}
}

func (p *Protocol) fail(escrowID string, from escrow.State, cause error) error {
	_ = p.st.UpdateState(escrowID, from, escrow.Failed)
	p.publish(escrowID, events.TypeEscrowFailed, events.EscrowFailed{Reason: cause.Error()})
	p.log.Error("multisig setup failed", "escrow_id", escrowID, "from_state", from, "error", cause)
	return cause
}

// runPrepareRound invokes prepare_multisig on all three wallets in
// parallel and feeds each result through SubmitPayload.
func (p *Protocol) runPrepareRound(ctx context.Context, escrowID string) error {
	results := make(map[escrow.PartyRole]string, len(roles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		role := role
		g.Go(func() error {
			gw, err := p.gateway(escrowID, role)
			if err != nil {
				return err
			}
			res, err := gw.PrepareMultisig(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			results[role] = res.MultisigInfo
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(escrowID, escrow.AwaitingPrepare, err)
	}

	for _, role := range roles {
		if err := p.SubmitPayload(ctx, escrowID, role, escrow.RoundPrepare, results[role]); err != nil {
			return p.fail(escrowID, escrow.AwaitingPrepare, err)
		}
	}
	return nil
}

// runMakeRound is invoked once all three Prepare payloads are collected:
// it moves AwaitingPrepare -> AwaitingMake, then fans out make_multisig
// with each wallet's peers' payloads, requiring byte-equal addresses.
func (p *Protocol) runMakeRound(ctx context.Context, escrowID string) error {
	if err := p.transition(escrowID, escrow.AwaitingPrepare, escrow.AwaitingMake); err != nil {
		return err
	}

	byRole, err := p.payloadsByRole(escrowID, escrow.RoundPrepare)
	if err != nil {
		return p.fail(escrowID, escrow.AwaitingMake, err)
	}

	type makeOutcome struct {
		address      string
		multisigInfo string
	}
	results := make(map[escrow.PartyRole]makeOutcome, len(roles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		role := role
		g.Go(func() error {
			gw, err := p.gateway(escrowID, role)
			if err != nil {
				return err
			}
			res, err := gw.MakeMultisig(gctx, walletgateway.MakeMultisigParams{
				MultisigInfo: othersFor(byRole, role),
				Threshold:    threshold,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			results[role] = makeOutcome{address: res.Address, multisigInfo: res.MultisigInfo}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(escrowID, escrow.AwaitingMake, err)
	}

	var address string
	for i, role := range roles {
		out := results[role]
		if i == 0 {
			address = out.address
			continue
		}
		if out.address != address {
			return p.fail(escrowID, escrow.AwaitingMake,
				escrowerr.Newf(escrowerr.AddressMismatch, "wallet %s produced address %q, expected %q", role, out.address, address))
		}
	}

	if err := p.st.SetMultisigAddress(escrowID, address); err != nil {
		return p.fail(escrowID, escrow.AwaitingMake, err)
	}
	p.publish(escrowID, events.TypeAddressEstablished, events.AddressEstablished{Address: address})
	if err := p.transition(escrowID, escrow.AwaitingMake, escrow.SyncRound1); err != nil {
		return err
	}

	for _, role := range roles {
		if err := p.SubmitPayload(ctx, escrowID, role, escrow.RoundSync1, results[role].multisigInfo); err != nil {
			return p.fail(escrowID, escrow.SyncRound1, err)
		}
	}
	return nil
}

// runSync1ImportRound imports each wallet's peers' Sync1 payloads, then
// exports each wallet's own Sync2 payload.
func (p *Protocol) runSync1ImportRound(ctx context.Context, escrowID string) error {
	byRole, err := p.payloadsByRole(escrowID, escrow.RoundSync1)
	if err != nil {
		return p.fail(escrowID, escrow.SyncRound1, err)
	}

	exported := make(map[escrow.PartyRole]string, len(roles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		role := role
		g.Go(func() error {
			gw, err := p.gateway(escrowID, role)
			if err != nil {
				return err
			}
			if _, err := gw.ImportMultisigInfo(gctx, walletgateway.ImportMultisigInfoParams{Info: othersFor(byRole, role)}); err != nil {
				return err
			}
			res, err := gw.ExportMultisigInfo(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			exported[role] = res.Info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(escrowID, escrow.SyncRound1, err)
	}

	if err := p.transition(escrowID, escrow.SyncRound1, escrow.SyncRound2); err != nil {
		return err
	}

	for _, role := range roles {
		if err := p.SubmitPayload(ctx, escrowID, role, escrow.RoundSync2, exported[role]); err != nil {
			return p.fail(escrowID, escrow.SyncRound2, err)
		}
	}
	return nil
}

// runSync2ImportRound imports each wallet's peers' Sync2 payloads, then
// confirms is_multisig().ready on all three before moving to Ready.
func (p *Protocol) runSync2ImportRound(ctx context.Context, escrowID string) error {
	byRole, err := p.payloadsByRole(escrowID, escrow.RoundSync2)
	if err != nil {
		return p.fail(escrowID, escrow.SyncRound2, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		role := role
		g.Go(func() error {
			gw, err := p.gateway(escrowID, role)
			if err != nil {
				return err
			}
			if _, err := gw.ImportMultisigInfo(gctx, walletgateway.ImportMultisigInfoParams{Info: othersFor(byRole, role)}); err != nil {
				return err
			}
			status, err := gw.IsMultisig(gctx)
			if err != nil {
				return err
			}
			if !status.Ready {
				return escrowerr.Newf(escrowerr.Internal, "wallet %s reports multisig not ready after sync2", role)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(escrowID, escrow.SyncRound2, err)
	}

	if err := p.transition(escrowID, escrow.SyncRound2, escrow.Ready); err != nil {
		return err
	}
	p.publish(escrowID, events.TypeEscrowReady, events.EscrowReady{})
	return nil
}

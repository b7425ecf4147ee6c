package orchestrator

import (
	"context"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

// setupStates is every state a setup-in-progress escrow can be in
// before Ready (§4.7 "Setup state > 48h without progress -> Failed").
var setupStates = []escrow.State{
	escrow.Init, escrow.AwaitingPrepare, escrow.AwaitingMake, escrow.SyncRound1, escrow.SyncRound2,
}

// SweepConfig configures the background timeout sweep.
type SweepConfig struct {
	SetupInterval  time.Duration // how often to scan setup states, default 5m
	FundedInterval time.Duration // how often to scan Funded states, default 1h
	SetupTimeout   time.Duration // default 48h
	FundedTimeout  time.Duration // default 30 days
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.SetupInterval <= 0 {
		c.SetupInterval = 5 * time.Minute
	}
	if c.FundedInterval <= 0 {
		c.FundedInterval = time.Hour
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 48 * time.Hour
	}
	if c.FundedTimeout <= 0 {
		c.FundedTimeout = 30 * 24 * time.Hour
	}
	return c
}

// SweepWorker periodically fails stalled setups and auto-refunds
// abandoned Funded escrows (§4.7 "Timers and sweeps"). Two independent
// tickers, one per sweep, the teacher's dual-ticker retry/cleanup
// worker shape.
type SweepWorker struct {
	svc *Service
	cfg SweepConfig
	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepWorker constructs a SweepWorker over svc.
func NewSweepWorker(svc *Service, cfg SweepConfig) *SweepWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &SweepWorker{
		svc:    svc,
		cfg:    cfg.withDefaults(),
		log:    svc.log.Component("sweep"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (w *SweepWorker) Start() {
	go w.run()
	w.log.Info("timeout sweep started", "setup_interval", w.cfg.SetupInterval, "funded_interval", w.cfg.FundedInterval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (w *SweepWorker) Stop() {
	w.cancel()
	<-w.done
	w.log.Info("timeout sweep stopped")
}

func (w *SweepWorker) run() {
	defer close(w.done)
	setupTicker := time.NewTicker(w.cfg.SetupInterval)
	fundedTicker := time.NewTicker(w.cfg.FundedInterval)
	defer setupTicker.Stop()
	defer fundedTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-setupTicker.C:
			w.sweepSetupTimeouts()
		case <-fundedTicker.C:
			w.sweepFundedTimeouts()
		}
	}
}

// sweepSetupTimeouts fails any escrow that has sat in a pre-Ready state
// longer than SetupTimeout without progress.
func (w *SweepWorker) sweepSetupTimeouts() {
	escrows, err := w.svc.st.ListByStates(setupStates)
	if err != nil {
		w.log.Error("failed to list setup-state escrows", "error", err)
		return
	}
	cutoff := time.Now().Add(-w.cfg.SetupTimeout)
	for _, e := range escrows {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		w.failStalled(e)
	}
}

func (w *SweepWorker) failStalled(e *escrow.Escrow) {
	mu := w.svc.escrowLock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := w.svc.st.GetEscrow(e.ID)
	if err != nil {
		w.log.Error("failed to refetch escrow for setup timeout", "escrow_id", e.ID, "error", err)
		return
	}
	if fresh.State.IsTerminal() {
		return
	}
	if err := w.svc.st.UpdateState(e.ID, fresh.State, escrow.Failed); err != nil {
		if !escrowerr.Of(err, escrowerr.StateRace) {
			w.log.Error("failed to mark stalled escrow Failed", "escrow_id", e.ID, "error", err)
		}
		return
	}
	w.svc.publish(e.ID, events.TypeEscrowFailed, events.EscrowFailed{Reason: "setup timed out without progress"})
	w.log.Warn("escrow setup timed out", "escrow_id", e.ID, "state", fresh.State)
}

// sweepFundedTimeouts auto-opens a dispute (arbiter pre-decided
// RefundBuyer) on any escrow that has sat Funded with no shipment for
// longer than FundedTimeout, giving the buyer a unilateral refund path
// (§4.7 "buyer may unilaterally refund").
func (w *SweepWorker) sweepFundedTimeouts() {
	escrows, err := w.svc.st.ListByStates([]escrow.State{escrow.Funded})
	if err != nil {
		w.log.Error("failed to list funded escrows", "error", err)
		return
	}
	cutoff := time.Now().Add(-w.cfg.FundedTimeout)
	for _, e := range escrows {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		w.autoRefund(e)
	}
}

func (w *SweepWorker) autoRefund(e *escrow.Escrow) {
	if err := w.svc.OpenDispute(e.ID, e.BuyerID, "funded timeout: no shipment within the funded window"); err != nil {
		if !escrowerr.Of(err, escrowerr.IllegalTransition) && !escrowerr.Of(err, escrowerr.StateRace) {
			w.log.Error("failed to auto-open dispute for funded timeout", "escrow_id", e.ID, "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 60*time.Second)
	defer cancel()
	if err := w.svc.ResolveDispute(ctx, e.ID, e.ArbiterID, escrow.DecisionRefundBuyer, escrow.FeeDefault); err != nil {
		w.log.Error("auto-opened funded-timeout dispute left unresolved; needs manual attention", "escrow_id", e.ID, "error", err)
	}
}

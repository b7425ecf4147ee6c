// Package monitor implements ConfirmationMonitor (C8, SPEC_FULL.md
// §4.8): a ticker-driven background worker that polls the wallet RPC
// for confirmation counts on broadcast transactions, records them and
// publishes TxConfirmed, and flags stuck transfers. It never changes an
// escrow's state, and it publishes no completion event when a
// transaction reaches the confirmation threshold.
package monitor

import (
	"context"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/store"
	"github.com/duskmarket/escrowcore/internal/walletgateway"
	"github.com/duskmarket/escrowcore/pkg/events"
	"github.com/duskmarket/escrowcore/pkg/logging"
)

const (
	defaultInterval             = 30 * time.Second
	defaultConfirmationThreshold int64 = 10
	stuckAge                     = time.Hour
	backPressureThreshold         = 200
	batchSize                     = 25
	batchGap                      = time.Second
	rpcTimeout                    = 10 * time.Second
)

// GatewayProvider resolves the WalletGateway bound to a role on an
// escrow. internal/multisig.Protocol satisfies this.
type GatewayProvider interface {
	Gateway(escrowID string, role escrow.PartyRole) (*walletgateway.Gateway, error)
}

// Config configures a Monitor.
type Config struct {
	Store                 *store.Store
	Gateways              GatewayProvider
	Sink                  events.Sink
	Interval              time.Duration // default 30s
	ConfirmationThreshold int64         // default 10
	Log                   *logging.Logger
}

// Monitor polls pending transactions and updates their confirmation
// counts until they reach the configured threshold or are flagged
// stuck.
type Monitor struct {
	st          *store.Store
	gateways    GatewayProvider
	sink        events.Sink
	interval    time.Duration
	threshold   int64
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Monitor. Call Start to begin polling.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	threshold := cfg.ConfirmationThreshold
	if threshold == 0 {
		threshold = defaultConfirmationThreshold
	}
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		st:        cfg.Store,
		gateways:  cfg.Gateways,
		sink:      cfg.Sink,
		interval:  interval,
		threshold: threshold,
		log:       log.Component("monitor"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop in a background goroutine.
func (m *Monitor) Start() {
	go m.run()
	m.log.Info("confirmation monitor started", "interval", m.interval, "threshold", m.threshold)
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
	m.log.Info("confirmation monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

// pollOnce enumerates pending transactions and checks each one's
// confirmation count, batching above the back-pressure threshold
// (§4.8 "> 200 pending transactions → batches of 25 with 1s gaps").
func (m *Monitor) pollOnce() {
	pending, err := m.st.PendingTransactions(m.threshold, backPressureThreshold*4)
	if err != nil {
		m.log.Error("failed to list pending transactions", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	if len(pending) <= backPressureThreshold {
		m.checkBatch(pending)
		return
	}

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		m.checkBatch(pending[start:end])
		if end < len(pending) {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(batchGap):
			}
		}
	}
}

func (m *Monitor) checkBatch(txs []*escrow.Transaction) {
	for _, tx := range txs {
		if err := m.checkOne(tx); err != nil {
			m.log.Debug("error checking transaction confirmations", "tx_id", tx.ID, "error", err)
		}
	}
}

func (m *Monitor) checkOne(tx *escrow.Transaction) error {
	if tx.TxHash == nil {
		return nil
	}

	if tx.BroadcastAt != nil && tx.Confirmations == 0 && time.Since(*tx.BroadcastAt) > stuckAge {
		return m.alertStuck(tx)
	}

	ctx, cancel := context.WithTimeout(m.ctx, rpcTimeout)
	defer cancel()

	gw, err := m.gateways.Gateway(tx.EscrowID, escrow.Arbiter)
	if err != nil {
		return err
	}
	result, err := gw.GetTransferByTxid(ctx, walletgateway.GetTransferByTxidParams{TxID: *tx.TxHash})
	if err != nil {
		return err
	}

	if result.Transfer.Confirmations <= tx.Confirmations {
		return nil
	}
	if err := m.st.UpdateConfirmations(tx.ID, result.Transfer.Confirmations); err != nil {
		return err
	}
	m.publish(tx.EscrowID, events.TypeTxConfirmed, events.TxConfirmed{
		TxHash:        *tx.TxHash,
		Confirmations: result.Transfer.Confirmations,
	})
	return nil
}

// alertStuck flags a transaction that never left zero confirmations
// within an hour of broadcast. Fires once: MarkStuckAlerted removes
// the row from future polls (§4.8 "AlertStuck once; row not retried").
func (m *Monitor) alertStuck(tx *escrow.Transaction) error {
	if err := m.st.MarkStuckAlerted(tx.ID); err != nil {
		return err
	}
	age := int64(time.Since(*tx.BroadcastAt).Seconds())
	m.publish(tx.EscrowID, events.TypeAlertStuck, events.AlertStuck{
		TxHash:     *tx.TxHash,
		AgeSeconds: age,
	})
	m.log.Warn("transaction stuck at zero confirmations", "tx_id", tx.ID, "escrow_id", tx.EscrowID, "age_seconds", age)
	return nil
}

func (m *Monitor) publish(escrowID string, t events.Type, data any) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(events.Event{Type: t, EscrowID: escrowID, Timestamp: time.Now().Unix(), Data: data})
}

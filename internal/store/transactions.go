package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// CreateTransaction inserts a newly constructed (not yet broadcast)
// transaction row. unsignedTxDataHex is the wallet-produced blob from the
// transfer call that started it; it is kept only long enough for the
// remaining signers to consume it and is never returned on escrow.Transaction
// (the domain type stays free of raw wallet payloads).
func (s *Store) CreateTransaction(tx *escrow.Transaction, unsignedTxDataHex string) error {
	tx.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO transactions (id, escrow_id, purpose, destination_address, amount_atomic, unsigned_tx_data_hex, tx_hash, confirmations, created_at, broadcast_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL)`,
		tx.ID, tx.EscrowID, string(tx.Purpose), tx.DestinationAddress, tx.AmountAtomic, unsignedTxDataHex, nullableString(tx.TxHash), tx.CreatedAt.Unix(),
	)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "insert transaction", err)
	}
	return nil
}

// UnsignedTxDataHex returns the wallet-produced tx_data_hex that construction
// started from, so a retried release/refund/resolve call can resume
// signature collection without re-issuing transfer.
func (s *Store) UnsignedTxDataHex(txID string) (string, error) {
	var hex string
	err := s.db.QueryRow(`SELECT unsigned_tx_data_hex FROM transactions WHERE id = ?`, txID).Scan(&hex)
	if err == sql.ErrNoRows {
		return "", escrowerr.Newf(escrowerr.Internal, "transaction %s not found", txID)
	}
	if err != nil {
		return "", escrowerr.Wrap(escrowerr.Internal, "query unsigned tx data", err)
	}
	return hex, nil
}

// RecordBroadcastIntent claims the right to broadcast a transaction for
// (escrowID, purpose) exactly once. The PRIMARY KEY on (escrow_id,
// purpose) turns a second call into a unique-constraint violation, which
// is reported as escrowerr.AlreadyBroadcast (§4.6: "at-most-once
// broadcast guarantee").
func (s *Store) RecordBroadcastIntent(escrowID string, purpose escrow.TxPurpose, txID string) error {
	_, err := s.db.Exec(
		`INSERT INTO broadcast_intents (escrow_id, purpose, tx_id, created_at) VALUES (?, ?, ?, ?)`,
		escrowID, string(purpose), txID, time.Now().Unix(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return escrowerr.Newf(escrowerr.AlreadyBroadcast, "broadcast already claimed for escrow %s purpose %s", escrowID, purpose)
		}
		return escrowerr.Wrap(escrowerr.Internal, "record broadcast intent", err)
	}
	return nil
}

// MarkBroadcast sets tx_hash and broadcast_at once submit_multisig has
// actually returned a tx hash. tx_hash is UNIQUE (I9: "tx_hash is unique
// across all transactions globally"); a collision with another
// transaction's hash is an invariant violation, not a retry-able race.
func (s *Store) MarkBroadcast(txID, txHash string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE transactions SET tx_hash = ?, broadcast_at = ? WHERE id = ?`,
		txHash, now.Unix(), txID,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return escrowerr.Newf(escrowerr.Internal, "tx_hash %s already recorded on a different transaction", txHash)
		}
		return escrowerr.Wrap(escrowerr.Internal, "mark transaction broadcast", err)
	}
	return nil
}

// UpdateConfirmations sets the confirmation count observed for a
// transaction (monitor's write path, §4.8).
func (s *Store) UpdateConfirmations(txID string, confirmations int64) error {
	_, err := s.db.Exec(`UPDATE transactions SET confirmations = ? WHERE id = ?`, confirmations, txID)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "update confirmations", err)
	}
	return nil
}

// GetTransaction fetches one transaction by ID.
func (s *Store) GetTransaction(id string) (*escrow.Transaction, error) {
	row := s.db.QueryRow(
		`SELECT id, escrow_id, purpose, destination_address, amount_atomic, tx_hash, confirmations, created_at, broadcast_at
		 FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// PendingTransactions returns every broadcast transaction with a tx_hash
// that has not yet reached the confirmation threshold, for the monitor's
// poll loop (§4.8). A transaction already flagged via MarkStuckAlerted
// is excluded: once alerted it is never retried.
func (s *Store) PendingTransactions(threshold int64, limit int) ([]*escrow.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT id, escrow_id, purpose, destination_address, amount_atomic, tx_hash, confirmations, created_at, broadcast_at
		 FROM transactions WHERE tx_hash IS NOT NULL AND confirmations < ? AND alerted_at IS NULL ORDER BY created_at ASC LIMIT ?`,
		threshold, limit,
	)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "query pending transactions", err)
	}
	defer rows.Close()

	var out []*escrow.Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// MarkStuckAlerted records that AlertStuck has fired for txID, so the
// monitor's next poll excludes it from PendingTransactions (§4.8:
// "AlertStuck once; row not retried").
func (s *Store) MarkStuckAlerted(txID string) error {
	_, err := s.db.Exec(`UPDATE transactions SET alerted_at = ? WHERE id = ?`, time.Now().Unix(), txID)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "mark transaction stuck-alerted", err)
	}
	return nil
}

func scanTransaction(row *sql.Row) (*escrow.Transaction, error) {
	var tx escrow.Transaction
	var purpose string
	var txHash sql.NullString
	var createdAt int64
	var broadcastAt sql.NullInt64

	err := row.Scan(&tx.ID, &tx.EscrowID, &purpose, &tx.DestinationAddress, &tx.AmountAtomic,
		&txHash, &tx.Confirmations, &createdAt, &broadcastAt)
	if err == sql.ErrNoRows {
		return nil, escrowerr.New(escrowerr.Internal, "transaction not found")
	}
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan transaction", err)
	}
	tx.Purpose = escrow.TxPurpose(purpose)
	tx.CreatedAt = time.Unix(createdAt, 0).UTC()
	if txHash.Valid {
		tx.TxHash = &txHash.String
	}
	if broadcastAt.Valid {
		t := time.Unix(broadcastAt.Int64, 0).UTC()
		tx.BroadcastAt = &t
	}
	return &tx, nil
}

func scanTransactionRows(r rowScanner) (*escrow.Transaction, error) {
	var tx escrow.Transaction
	var purpose string
	var txHash sql.NullString
	var createdAt int64
	var broadcastAt sql.NullInt64

	err := r.Scan(&tx.ID, &tx.EscrowID, &purpose, &tx.DestinationAddress, &tx.AmountAtomic,
		&txHash, &tx.Confirmations, &createdAt, &broadcastAt)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan transaction row", err)
	}
	tx.Purpose = escrow.TxPurpose(purpose)
	tx.CreatedAt = time.Unix(createdAt, 0).UTC()
	if txHash.Valid {
		tx.TxHash = &txHash.String
	}
	if broadcastAt.Valid {
		t := time.Unix(broadcastAt.Int64, 0).UTC()
		tx.BroadcastAt = &t
	}
	return &tx, nil
}

// isUniqueConstraintErr reports whether err came from a sqlite UNIQUE or
// PRIMARY KEY constraint violation. go-sqlite3 returns a *sqlite3.Error
// whose message contains "UNIQUE constraint failed"; matching on the
// message avoids importing the driver's error type into this file.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY must be unique")
}

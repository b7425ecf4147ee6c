package store

import (
	"database/sql"
	"sort"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// GetPendingTransaction returns the not-yet-broadcast transaction for
// (escrowID, purpose), if construction has already started, so a retried
// release/refund/resolve call reuses the same unsigned tx instead of
// constructing a second one (§4.6 "signature collection may be retried").
func (s *Store) GetPendingTransaction(escrowID string, purpose escrow.TxPurpose) (*escrow.Transaction, error) {
	row := s.db.QueryRow(
		`SELECT id, escrow_id, purpose, destination_address, amount_atomic, tx_hash, confirmations, created_at, broadcast_at
		 FROM transactions WHERE escrow_id = ? AND purpose = ? AND tx_hash IS NULL`,
		escrowID, string(purpose),
	)
	tx, err := scanTransaction(row)
	if err != nil {
		if isNoRowsErr(err) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func isNoRowsErr(err error) bool {
	e, ok := err.(*escrowerr.Error)
	return ok && e.Kind == escrowerr.Internal && e.Message == "transaction not found"
}

// SaveSignature records one signature's resulting tx_data_hex at
// sig_index, idempotently: saving the same index twice with the same
// payload is a no-op, saving a different payload at an already-used
// index is rejected.
func (s *Store) SaveSignature(escrowID string, purpose escrow.TxPurpose, sigIndex int, txDataHex string) error {
	var existing sql.NullString
	err := s.db.QueryRow(
		`SELECT tx_data_hex FROM tx_signatures WHERE escrow_id = ? AND purpose = ? AND sig_index = ?`,
		escrowID, string(purpose), sigIndex,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return escrowerr.Wrap(escrowerr.Internal, "check existing signature", err)
	}
	if err == nil {
		if existing.String != txDataHex {
			return escrowerr.Newf(escrowerr.PayloadReplaceForbidden, "signature at index %d for escrow %s purpose %s already recorded with a different payload", sigIndex, escrowID, purpose)
		}
		return nil
	}

	_, err = s.db.Exec(
		`INSERT INTO tx_signatures (escrow_id, purpose, sig_index, tx_data_hex, created_at) VALUES (?, ?, ?, ?, ?)`,
		escrowID, string(purpose), sigIndex, txDataHex, time.Now().Unix(),
	)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "insert signature", err)
	}
	return nil
}

// Signatures returns every recorded tx_data_hex for (escrowID, purpose),
// ordered by sig_index.
func (s *Store) Signatures(escrowID string, purpose escrow.TxPurpose) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT sig_index, tx_data_hex FROM tx_signatures WHERE escrow_id = ? AND purpose = ?`,
		escrowID, string(purpose),
	)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "query signatures", err)
	}
	defer rows.Close()

	type indexed struct {
		index int
		hex   string
	}
	var collected []indexed
	for rows.Next() {
		var rec indexed
		if err := rows.Scan(&rec.index, &rec.hex); err != nil {
			return nil, escrowerr.Wrap(escrowerr.Internal, "scan signature", err)
		}
		collected = append(collected, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "iterate signatures", err)
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	out := make([]string, len(collected))
	for i, rec := range collected {
		out[i] = rec.hex
	}
	return out, nil
}

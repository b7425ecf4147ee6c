package store

import (
	"database/sql"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// OpenDispute inserts a new dispute row in escrow.DisputeOpen.
func (s *Store) OpenDispute(d *escrow.Dispute) error {
	d.OpenedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO disputes (id, escrow_id, opened_by, reason, status, decision, opened_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)`,
		d.ID, d.EscrowID, string(d.OpenedBy), d.Reason, string(escrow.DisputeOpen), d.OpenedAt.Unix(),
	)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "insert dispute", err)
	}
	return nil
}

// ResolveDispute records the arbiter's decision. It is a no-op error if
// the dispute is already resolved (I: a resolved dispute's decision is
// immutable).
func (s *Store) ResolveDispute(id string, decision escrow.Decision) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE disputes SET status = ?, decision = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(escrow.DisputeResolved), string(decision), now.Unix(), id, string(escrow.DisputeOpen),
	)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "resolve dispute", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "read rows affected", err)
	}
	if rows == 0 {
		return escrowerr.Newf(escrowerr.StateRace, "dispute %s is not open", id)
	}
	return nil
}

// GetOpenDispute returns the open dispute for an escrow, if any.
func (s *Store) GetOpenDispute(escrowID string) (*escrow.Dispute, error) {
	row := s.db.QueryRow(
		`SELECT id, escrow_id, opened_by, reason, status, decision, opened_at, resolved_at
		 FROM disputes WHERE escrow_id = ? AND status = ?`, escrowID, string(escrow.DisputeOpen),
	)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan dispute", err)
	}
	return d, nil
}

func scanDispute(row *sql.Row) (*escrow.Dispute, error) {
	var d escrow.Dispute
	var openedBy, status string
	var decision sql.NullString
	var openedAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(&d.ID, &d.EscrowID, &openedBy, &d.Reason, &status, &decision, &openedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.OpenedBy = escrow.PartyRole(openedBy)
	d.Status = escrow.DisputeStatus(status)
	d.OpenedAt = time.Unix(openedAt, 0).UTC()
	if decision.Valid {
		dec := escrow.Decision(decision.String)
		d.Decision = &dec
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		d.ResolvedAt = &t
	}
	return &d, nil
}

package store

import (
	"database/sql"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// SavePayload inserts a party's ciphertext for one round. A payload is
// immutable once written: replacing it is rejected with
// PayloadReplaceForbidden (§4.5 "a party may not overwrite its own
// already-submitted payload for the same round").
func (s *Store) SavePayload(p *escrow.PartyPayload) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM party_payloads WHERE escrow_id = ? AND role = ? AND round = ?`,
		p.EscrowID, string(p.Role), string(p.Round),
	).Scan(&exists)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "check existing payload", err)
	}
	if exists > 0 {
		return escrowerr.Newf(escrowerr.PayloadReplaceForbidden,
			"payload for escrow %s role %s round %s already submitted", p.EscrowID, p.Role, p.Round)
	}

	_, err = s.db.Exec(
		`INSERT INTO party_payloads (escrow_id, role, round, ciphertext, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.EscrowID, string(p.Role), string(p.Round), p.Ciphertext, time.Now().Unix(),
	)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "insert payload", err)
	}
	return nil
}

// GetPayload fetches one party's ciphertext for one round, if submitted.
func (s *Store) GetPayload(escrowID string, role escrow.PartyRole, round escrow.Round) (*escrow.PartyPayload, error) {
	row := s.db.QueryRow(
		`SELECT escrow_id, role, round, ciphertext FROM party_payloads WHERE escrow_id = ? AND role = ? AND round = ?`,
		escrowID, string(role), string(round),
	)
	var p escrow.PartyPayload
	var roleStr, roundStr string
	if err := row.Scan(&p.EscrowID, &roleStr, &roundStr, &p.Ciphertext); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan payload", err)
	}
	p.Role = escrow.PartyRole(roleStr)
	p.Round = escrow.Round(roundStr)
	return &p, nil
}

// PayloadsForRound returns every payload submitted so far for one round of
// one escrow, used to check whether all three parties have submitted.
func (s *Store) PayloadsForRound(escrowID string, round escrow.Round) ([]*escrow.PartyPayload, error) {
	rows, err := s.db.Query(
		`SELECT escrow_id, role, round, ciphertext FROM party_payloads WHERE escrow_id = ? AND round = ?`,
		escrowID, string(round),
	)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "query round payloads", err)
	}
	defer rows.Close()

	var out []*escrow.PartyPayload
	for rows.Next() {
		var p escrow.PartyPayload
		var roleStr, roundStr string
		if err := rows.Scan(&p.EscrowID, &roleStr, &roundStr, &p.Ciphertext); err != nil {
			return nil, escrowerr.Wrap(escrowerr.Internal, "scan round payload", err)
		}
		p.Role = escrow.PartyRole(roleStr)
		p.Round = escrow.Round(roundStr)
		out = append(out, &p)
	}
	return out, rows.Err()
}

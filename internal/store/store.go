// Package store is the durable backing store for escrow state (C3
// EscrowStore, SPEC_FULL.md §4.3). It owns the sqlite schema and every
// compare-and-set transition on an escrow's state column.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/duskmarket/escrowcore/internal/escrow"
	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// Store is the sqlite-backed EscrowStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema. WAL mode and a single-writer pool match sqlite's
// single-writer-process model (§4.3: "one writer at a time").
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, escrowerr.Wrap(escrowerr.Internal, "create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, escrowerr.Wrap(escrowerr.Internal, "ping database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for callers (migrations,
// diagnostics, tests) that need direct access beyond this package's
// typed methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS escrows (
	id               TEXT PRIMARY KEY,
	order_id         TEXT NOT NULL UNIQUE,
	buyer_id         TEXT NOT NULL,
	vendor_id        TEXT NOT NULL,
	arbiter_id       TEXT NOT NULL,
	amount_atomic    INTEGER NOT NULL,
	multisig_address TEXT,
	buyer_payout_address  TEXT,
	vendor_payout_address TEXT,
	state            TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_escrows_order ON escrows(order_id);
CREATE INDEX IF NOT EXISTS idx_escrows_state ON escrows(state);
CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_id);
CREATE INDEX IF NOT EXISTS idx_escrows_vendor ON escrows(vendor_id);
CREATE INDEX IF NOT EXISTS idx_escrows_arbiter ON escrows(arbiter_id);

CREATE TABLE IF NOT EXISTS party_payloads (
	escrow_id  TEXT NOT NULL,
	role       TEXT NOT NULL,
	round      TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (escrow_id, role, round),
	FOREIGN KEY (escrow_id) REFERENCES escrows(id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                   TEXT PRIMARY KEY,
	escrow_id            TEXT NOT NULL,
	purpose              TEXT NOT NULL,
	destination_address  TEXT NOT NULL,
	amount_atomic        INTEGER NOT NULL,
	unsigned_tx_data_hex TEXT NOT NULL,
	tx_hash              TEXT UNIQUE,
	confirmations        INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	broadcast_at         INTEGER,
	alerted_at           INTEGER,
	FOREIGN KEY (escrow_id) REFERENCES escrows(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_escrow ON transactions(escrow_id);
CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(tx_hash) WHERE confirmations IS NOT NULL;

CREATE TABLE IF NOT EXISTS broadcast_intents (
	escrow_id  TEXT NOT NULL,
	purpose    TEXT NOT NULL,
	tx_id      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (escrow_id, purpose),
	FOREIGN KEY (escrow_id) REFERENCES escrows(id)
);

CREATE TABLE IF NOT EXISTS tx_signatures (
	escrow_id  TEXT NOT NULL,
	purpose    TEXT NOT NULL,
	sig_index  INTEGER NOT NULL,
	tx_data_hex TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (escrow_id, purpose, sig_index),
	FOREIGN KEY (escrow_id) REFERENCES escrows(id)
);

CREATE TABLE IF NOT EXISTS disputes (
	id          TEXT PRIMARY KEY,
	escrow_id   TEXT NOT NULL,
	opened_by   TEXT NOT NULL,
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL,
	decision    TEXT,
	opened_at   INTEGER NOT NULL,
	resolved_at INTEGER,
	FOREIGN KEY (escrow_id) REFERENCES escrows(id)
);

CREATE INDEX IF NOT EXISTS idx_disputes_escrow ON disputes(escrow_id);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "apply schema", err)
	}
	return nil
}

// CreateEscrow inserts a new escrow row in escrow.Init. order_id is
// UNIQUE (I1: "exactly one escrow per order"); a second CreateEscrow for
// an already-bound order_id is rejected with AlreadyBound rather than
// silently creating a duplicate escrow for the same order (§4.3
// "create_escrow fails if order_id already bound").
func (s *Store) CreateEscrow(e *escrow.Escrow) error {
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO escrows (id, order_id, buyer_id, vendor_id, arbiter_id, amount_atomic, multisig_address, buyer_payout_address, vendor_payout_address, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.BuyerID, e.VendorID, e.ArbiterID, e.AmountAtomic,
		nullableString(e.MultisigAddress), nullableString(e.BuyerPayoutAddress), nullableString(e.VendorPayoutAddress),
		string(e.State), now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return escrowerr.Newf(escrowerr.AlreadyBound, "order_id %s is already bound to an escrow", e.OrderID)
		}
		return escrowerr.Wrap(escrowerr.Internal, "insert escrow", err)
	}
	return nil
}

// GetEscrow fetches an escrow by ID.
func (s *Store) GetEscrow(id string) (*escrow.Escrow, error) {
	row := s.db.QueryRow(
		`SELECT id, order_id, buyer_id, vendor_id, arbiter_id, amount_atomic, multisig_address, buyer_payout_address, vendor_payout_address, state, created_at, updated_at
		 FROM escrows WHERE id = ?`, id,
	)
	return scanEscrow(row)
}

// LoadByOrder fetches the escrow bound to orderID, if any. It returns a
// nil escrow and nil error when no escrow has claimed that order_id yet
// (§4.3 load_by_order), so callers can check for a bound order before
// attempting to create one.
func (s *Store) LoadByOrder(orderID string) (*escrow.Escrow, error) {
	row := s.db.QueryRow(
		`SELECT id, order_id, buyer_id, vendor_id, arbiter_id, amount_atomic, multisig_address, buyer_payout_address, vendor_payout_address, state, created_at, updated_at
		 FROM escrows WHERE order_id = ?`, orderID,
	)
	var e escrow.Escrow
	var multisigAddress, buyerPayout, vendorPayout sql.NullString
	var createdAt, updatedAt int64
	var state string

	err := row.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.ArbiterID, &e.AmountAtomic,
		&multisigAddress, &buyerPayout, &vendorPayout, &state, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan escrow", err)
	}
	e.State = escrow.State(state)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if multisigAddress.Valid {
		e.MultisigAddress = &multisigAddress.String
	}
	if buyerPayout.Valid {
		e.BuyerPayoutAddress = &buyerPayout.String
	}
	if vendorPayout.Valid {
		e.VendorPayoutAddress = &vendorPayout.String
	}
	return &e, nil
}

// SetPayoutAddress records the payout address a buyer or vendor wants
// their share of the escrow sent to, supplied alongside wallet
// registration (§4.9 enrichment: TransactionCoordinator needs a
// destination address and no wire method discovers one). Idempotent
// like SetMultisigAddress: fails closed on a conflicting second write.
func (s *Store) SetPayoutAddress(id string, role escrow.PartyRole, addr string) error {
	var column string
	switch role {
	case escrow.Buyer:
		column = "buyer_payout_address"
	case escrow.Vendor:
		column = "vendor_payout_address"
	default:
		return escrowerr.Newf(escrowerr.Internal, "role %s has no payout address", role)
	}

	existing, err := s.GetEscrow(id)
	if err != nil {
		return err
	}
	var current *string
	if role == escrow.Buyer {
		current = existing.BuyerPayoutAddress
	} else {
		current = existing.VendorPayoutAddress
	}
	if current != nil && *current != addr {
		return escrowerr.Newf(escrowerr.AlreadyBound, "escrow %s already has a different %s payout address on file", id, role)
	}

	_, err = s.db.Exec(`UPDATE escrows SET `+column+` = ?, updated_at = ? WHERE id = ?`, addr, time.Now().Unix(), id)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "set payout address", err)
	}
	return nil
}

// UpdateState performs a compare-and-set transition: it only applies when
// the row's current state matches expected. A RowsAffected of 0 means
// either the row doesn't exist or another writer already moved it
// (§4.3 "concurrent state writers race"), surfaced as escrowerr.StateRace
// so callers can retry with fresh state.
func (s *Store) UpdateState(id string, expected, next escrow.State) error {
	result, err := s.db.Exec(
		`UPDATE escrows SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(next), time.Now().Unix(), id, string(expected),
	)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "update escrow state", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "read rows affected", err)
	}
	if rows == 0 {
		return escrowerr.Newf(escrowerr.StateRace, "escrow %s is not in expected state %s", id, expected)
	}
	return nil
}

// SetMultisigAddress records the multisig address once all three parties
// have agreed on it (§4.5 MultisigProtocol completion). Idempotent: it
// fails closed if an address is already set and differs from addr (I: an
// escrow's multisig address never changes after first being set).
func (s *Store) SetMultisigAddress(id, addr string) error {
	existing, err := s.GetEscrow(id)
	if err != nil {
		return err
	}
	if existing.MultisigAddress != nil && *existing.MultisigAddress != addr {
		return escrowerr.Newf(escrowerr.AlreadyBound, "escrow %s already bound to a different multisig address", id)
	}
	_, err = s.db.Exec(`UPDATE escrows SET multisig_address = ?, updated_at = ? WHERE id = ?`,
		addr, time.Now().Unix(), id)
	if err != nil {
		return escrowerr.Wrap(escrowerr.Internal, "set multisig address", err)
	}
	return nil
}

// ListByRoleAndState returns escrows where userID holds any role and the
// state is in states (used by the orchestrator for authorization-scoped
// listings).
func (s *Store) ListByRoleAndState(userID string, states []escrow.State) ([]*escrow.Escrow, error) {
	args := []any{userID, userID, userID}
	query := `SELECT id, order_id, buyer_id, vendor_id, arbiter_id, amount_atomic, multisig_address, buyer_payout_address, vendor_payout_address, state, created_at, updated_at
		FROM escrows WHERE (buyer_id = ? OR vendor_id = ? OR arbiter_id = ?)`
	if len(states) > 0 {
		query += " AND state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "query escrows", err)
	}
	defer rows.Close()

	var out []*escrow.Escrow
	for rows.Next() {
		e, err := scanEscrowRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListByStates returns every escrow in any of states, regardless of
// party, for the sweep worker's timeout scans (§4.7 "Timers and
// sweeps"). Unlike ListByRoleAndState this is not authorization-scoped:
// callers are internal background workers, not principals.
func (s *Store) ListByStates(states []escrow.State) ([]*escrow.Escrow, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	query := `SELECT id, order_id, buyer_id, vendor_id, arbiter_id, amount_atomic, multisig_address, buyer_payout_address, vendor_payout_address, state, created_at, updated_at
		FROM escrows WHERE state IN (` + placeholders(len(states)) + `) ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "query escrows by state", err)
	}
	defer rows.Close()

	var out []*escrow.Escrow
	for rows.Next() {
		e, err := scanEscrowRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveEscrowCount returns the number of non-terminal escrows currently
// assigned to arbiterID (internal/arbiter's LoadCounter, §4.4).
func (s *Store) ActiveEscrowCount(arbiterID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM escrows WHERE arbiter_id = ? AND state NOT IN (?, ?, ?, ?)`,
		arbiterID, string(escrow.Released), string(escrow.Refunded), string(escrow.Resolved), string(escrow.Failed),
	).Scan(&count)
	if err != nil {
		return 0, escrowerr.Wrap(escrowerr.Internal, "count active escrows for arbiter", err)
	}
	return count, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}

func scanEscrow(row *sql.Row) (*escrow.Escrow, error) {
	var e escrow.Escrow
	var multisigAddress, buyerPayout, vendorPayout sql.NullString
	var createdAt, updatedAt int64
	var state string

	err := row.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.ArbiterID, &e.AmountAtomic,
		&multisigAddress, &buyerPayout, &vendorPayout, &state, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, escrowerr.Newf(escrowerr.Internal, "escrow not found")
	}
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan escrow", err)
	}
	e.State = escrow.State(state)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if multisigAddress.Valid {
		e.MultisigAddress = &multisigAddress.String
	}
	if buyerPayout.Valid {
		e.BuyerPayoutAddress = &buyerPayout.String
	}
	if vendorPayout.Valid {
		e.VendorPayoutAddress = &vendorPayout.String
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrowRows(r rowScanner) (*escrow.Escrow, error) {
	var e escrow.Escrow
	var multisigAddress, buyerPayout, vendorPayout sql.NullString
	var createdAt, updatedAt int64
	var state string

	err := r.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.ArbiterID, &e.AmountAtomic,
		&multisigAddress, &buyerPayout, &vendorPayout, &state, &createdAt, &updatedAt)
	if err != nil {
		return nil, escrowerr.Wrap(escrowerr.Internal, "scan escrow row", err)
	}
	e.State = escrow.State(state)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if multisigAddress.Valid {
		e.MultisigAddress = &multisigAddress.String
	}
	if buyerPayout.Valid {
		e.BuyerPayoutAddress = &buyerPayout.String
	}
	if vendorPayout.Valid {
		e.VendorPayoutAddress = &vendorPayout.String
	}
	return &e, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

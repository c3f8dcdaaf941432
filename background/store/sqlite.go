// Package store owns every byte of persisted key material: the durable
// SQLite store holding the encrypted vault records, and the volatile
// session store that lets an unlocked wallet survive a service restart.
package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sablewallet/sable/background/vault"
)

// Account kinds. Derived accounts are deterministic functions of the seed
// and an index; imported accounts wrap a standalone key and carry index -1.
const (
	AccountKindDerived  = "derived"
	AccountKindImported = "imported"
)

// ImportedAccountIndex is the sentinel derivation index of imported accounts.
const ImportedAccountIndex = -1

// Account is one visible wallet account with its display metadata.
type Account struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Index   int64  `json:"index"`
	Alias   string `json:"alias,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
}

// ApprovalRecord is a persisted pending-or-resolved user decision, keyed by
// its correlation id so a reopened popup can re-render it.
type ApprovalRecord struct {
	ID           string `json:"id"`
	Origin       string `json:"origin"`
	Favicon      string `json:"favicon,omitempty"`
	Kind         string `json:"kind"`
	Payload      []byte `json:"payload,omitempty"`
	Approved     *bool  `json:"approved"`
	ResponseDate *int64 `json:"responseDate"`
	CreatedAt    int64  `json:"createdAt"`
}

// DurableStore is the SQLite-backed durable key-value surface. Setting keys
// are namespaced through an HMAC of the deployment's storage key, so the
// raw database does not advertise what each row is.
type DurableStore struct {
	db    *sql.DB
	nsKey []byte

	mu sync.RWMutex
}

// OpenDurable opens (or creates) the durable store. Use ":memory:" in tests.
// storageKey is the static deployment secret used to namespace setting keys;
// it is not part of the vault encryption.
func OpenDurable(path, storageKey string) (*DurableStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// One connection keeps ":memory:" databases coherent across the pool;
	// the store serializes writes itself.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &DurableStore{
		db:    db,
		nsKey: []byte(storageKey),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *DurableStore) initSchema() error {
	schema := `
	-- Encrypted vault records; the ciphertext column is the sealed envelope.
	CREATE TABLE IF NOT EXISTS vault_records (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		ciphertext BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Account list with display metadata, keyed by address.
	CREATE TABLE IF NOT EXISTS account_meta (
		address TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('derived', 'imported')),
		deriv_index INTEGER NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Pending and resolved approval requests, keyed by correlation id.
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		favicon TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload BLOB,
		approved INTEGER,
		response_date INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approval_pending
		ON approval_requests(created_at) WHERE approved IS NULL;

	-- Namespaced settings (active vault id, auto-lock timeout, ...).
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// nsName obfuscates a setting key under the deployment storage key.
func (s *DurableStore) nsName(key string) string {
	h := hmac.New(sha256.New, s.nsKey)
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// ===============================
// Vault record operations
// ===============================

// Records returns all stored vault records in insertion order.
func (s *DurableStore) Records() ([]vault.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, version, ciphertext
		FROM vault_records
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault records: %w", err)
	}
	defer rows.Close()

	var records []vault.Record
	for rows.Next() {
		var idStr string
		var rec vault.Record
		if err := rows.Scan(&idStr, &rec.Version, &rec.Ciphertext); err != nil {
			return nil, fmt.Errorf("failed to scan vault record: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt vault record id %q: %w", idStr, err)
		}
		rec.ID = id
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertRecord appends a new vault record.
func (s *DurableStore) InsertRecord(rec *vault.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO vault_records (id, version, ciphertext, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID.String(), rec.Version, rec.Ciphertext, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert vault record: %w", err)
	}
	return nil
}

// UpdateRecord rewrites one record in place, used for version migration.
func (s *DurableStore) UpdateRecord(rec *vault.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE vault_records SET version = ?, ciphertext = ? WHERE id = ?
	`, rec.Version, rec.Ciphertext, rec.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update vault record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("vault record not found: %s", rec.ID)
	}
	return nil
}

// ReplaceRecords swaps the whole record set in one transaction. Either every
// record is rewritten or none is; a password change rides on this.
func (s *DurableStore) ReplaceRecords(records []vault.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Preserve each record's original position so ordering accessors agree
	// before and after the swap.
	type placed struct {
		createdAt int64
		found     bool
	}
	positions := make(map[string]placed, len(records))
	rows, err := tx.Query(`SELECT id, created_at FROM vault_records`)
	if err != nil {
		return fmt.Errorf("failed to read record positions: %w", err)
	}
	for rows.Next() {
		var id string
		var createdAt int64
		if err := rows.Scan(&id, &createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan record position: %w", err)
		}
		positions[id] = placed{createdAt: createdAt, found: true}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM vault_records`); err != nil {
		return fmt.Errorf("failed to clear vault records: %w", err)
	}

	now := time.Now().UnixNano()
	for _, rec := range records {
		createdAt := now
		if p := positions[rec.ID.String()]; p.found {
			createdAt = p.createdAt
		}
		if _, err := tx.Exec(`
			INSERT INTO vault_records (id, version, ciphertext, created_at)
			VALUES (?, ?, ?, ?)
		`, rec.ID.String(), rec.Version, rec.Ciphertext, createdAt); err != nil {
			return fmt.Errorf("failed to write vault record: %w", err)
		}
	}

	return tx.Commit()
}

// ===============================
// Settings
// ===============================

// Setting reads a namespaced setting. ok is false when the key is absent.
func (s *DurableStore) Setting(key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, s.nsName(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting: %w", err)
	}
	return value, true, nil
}

// SetSetting writes a namespaced setting.
func (s *DurableStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, s.nsName(key), value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a namespaced setting.
func (s *DurableStore) DeleteSetting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, s.nsName(key)); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

// ===============================
// Accounts
// ===============================

// PutAccount inserts a new account row.
func (s *DurableStore) PutAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO account_meta (address, kind, deriv_index, alias, avatar, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Address, a.Kind, a.Index, a.Alias, a.Avatar, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// Accounts lists every account in creation order.
func (s *DurableStore) Accounts() ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT address, kind, deriv_index, alias, avatar
		FROM account_meta
		ORDER BY created_at ASC, address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Address, &a.Kind, &a.Index, &a.Alias, &a.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DerivedAccountCount reports how many derived accounts exist; the next
// derivation index equals this count.
func (s *DurableStore) DerivedAccountCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM account_meta WHERE kind = ?
	`, AccountKindDerived).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count derived accounts: %w", err)
	}
	return count, nil
}

// SetAccountMeta updates an account's alias and avatar.
func (s *DurableStore) SetAccountMeta(address, alias, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE account_meta SET alias = ?, avatar = ? WHERE address = ?
	`, alias, avatar, address)
	if err != nil {
		return fmt.Errorf("failed to update account meta: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account not found: %s", address)
	}
	return nil
}

// ===============================
// Approval requests
// ===============================

// PutApprovalRequest persists a new pending approval.
func (s *DurableStore) PutApprovalRequest(r *ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO approval_requests (id, origin, favicon, kind, payload, approved, response_date, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?)
	`, r.ID, r.Origin, r.Favicon, r.Kind, r.Payload, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

// ResolveApprovalRequest records the final decision. It only touches a row
// that is still pending, so a duplicate decision is a no-op; the return
// value reports whether this call did the resolving.
func (s *DurableStore) ResolveApprovalRequest(id string, approved bool, responseDate int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE approval_requests
		SET approved = ?, response_date = ?
		WHERE id = ? AND approved IS NULL
	`, boolToInt(approved), responseDate, id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApprovalRequest fetches one request by id; nil when absent.
func (s *DurableStore) ApprovalRequest(id string) (*ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, origin, favicon, kind, payload, approved, response_date, created_at
		FROM approval_requests
		WHERE id = ?
	`, id)
	return scanApproval(row)
}

// PendingApprovalRequests lists unresolved requests in arrival order, so a
// reloaded popup can reconstruct its queue.
func (s *DurableStore) PendingApprovalRequests() ([]ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, origin, favicon, kind, payload, approved, response_date, created_at
		FROM approval_requests
		WHERE approved IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*ApprovalRecord, error) {
	var rec ApprovalRecord
	var approved sql.NullInt64
	var responseDate sql.NullInt64

	err := row.Scan(&rec.ID, &rec.Origin, &rec.Favicon, &rec.Kind, &rec.Payload,
		&approved, &responseDate, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}

	if approved.Valid {
		b := approved.Int64 == 1
		rec.Approved = &b
	}
	if responseDate.Valid {
		rec.ResponseDate = &responseDate.Int64
	}
	return &rec, nil
}

// ===============================
// Lifecycle
// ===============================

// Wipe removes everything: records, accounts, approvals, settings.
func (s *DurableStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin wipe: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"vault_records", "account_meta", "approval_requests", "settings"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to wipe table %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

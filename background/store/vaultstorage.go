package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/sablewallet/sable/background/vault"
)

// Setting and session keys. Session keys are opaque on purpose; the values
// they index are useless without the deployment storage key.
const (
	settingActiveVaultID = "activeVaultId"

	sessionEphemeralPassword = "ephemeralPassword"
	sessionEphemeralVault    = "ephemeralVault"
)

var (
	// ErrNotInitialized is returned when an operation needs at least one
	// stored vault record and none exists.
	ErrNotInitialized = errors.New("wallet is not initialized")

	// ErrAlreadyInitialized is returned by Create when records already exist.
	ErrAlreadyInitialized = errors.New("wallet is already initialized")

	// ErrLocked is returned when an operation needs the unlocked vault.
	ErrLocked = errors.New("wallet is locked")

	// ErrNoCachedPassword is returned when an operation needs the cached
	// password and none is held.
	ErrNoCachedPassword = errors.New("no cached password")

	// ErrNoActiveVault is returned when no active vault id is recorded.
	ErrNoActiveVault = errors.New("no active vault")

	// ErrSomeVaultsUndecryptable aborts a password change when at least one
	// stored record does not open under the old password.
	ErrSomeVaultsUndecryptable = errors.New("some vault records could not be decrypted")
)

// VaultStorage drives the wallet's lock state machine over a durable record
// store and a volatile session store. One mutex serializes every operation;
// the invariant is that the durable store only ever holds a complete,
// consistent record set.
type VaultStorage struct {
	durable *DurableStore
	session SessionStore

	// storageKey is the static deployment secret. It prefixes the ephemeral
	// one-time password, so neither the session store nor the binary alone
	// can open the mirrored record.
	storageKey string

	mu       sync.Mutex
	unlocked *vault.Vault
	password string
}

// NewVaultStorage wires the two stores together.
func NewVaultStorage(durable *DurableStore, session SessionStore, storageKey string) *VaultStorage {
	return &VaultStorage{
		durable:    durable,
		session:    session,
		storageKey: storageKey,
	}
}

// Create initializes the wallet with its first vault and unlocks it. entropy
// may be nil to generate a fresh 256-bit seed, or caller-supplied raw entropy
// for an import; Create takes ownership of the slice either way.
func (vs *VaultStorage) Create(password string, entropy []byte) (*vault.Record, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	records, err := vs.durable.Records()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return nil, ErrAlreadyInitialized
	}

	var v *vault.Vault
	if entropy == nil {
		v, err = vault.Generate(vault.Entropy256)
	} else {
		v, err = vault.New(entropy)
	}
	if err != nil {
		return nil, err
	}

	rec, err := v.Seal(password, uuid.Nil)
	if err != nil {
		v.Destroy()
		return nil, err
	}
	if err := vs.durable.InsertRecord(rec); err != nil {
		v.Destroy()
		return nil, err
	}
	if err := vs.durable.SetSetting(settingActiveVaultID, rec.ID.String()); err != nil {
		v.Destroy()
		return nil, err
	}

	vs.setUnlocked(v, password)
	if err := vs.writeSessionMirror(rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// AddVault seals a new vault under the cached password, stores it, and makes
// it active. entropy may be nil to generate, or an imported seed.
func (vs *VaultStorage) AddVault(entropy []byte) (*vault.Record, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	records, err := vs.durable.Records()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotInitialized
	}
	if vs.password == "" {
		return nil, ErrNoCachedPassword
	}

	// The cached password must still match the stored set before anything
	// new is sealed under it.
	if !vault.Check(vs.password, &records[0]) {
		return nil, vault.ErrDecryptionFailed
	}

	var v *vault.Vault
	if entropy == nil {
		v, err = vault.Generate(vault.Entropy256)
	} else {
		v, err = vault.New(entropy)
	}
	if err != nil {
		return nil, err
	}

	rec, err := v.Seal(vs.password, uuid.Nil)
	if err != nil {
		v.Destroy()
		return nil, err
	}
	if err := vs.durable.InsertRecord(rec); err != nil {
		v.Destroy()
		return nil, err
	}
	if err := vs.durable.SetSetting(settingActiveVaultID, rec.ID.String()); err != nil {
		v.Destroy()
		return nil, err
	}

	vs.setUnlocked(v, vs.password)
	if err := vs.writeSessionMirror(rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// Unlock opens the active vault record. An empty password means "use the
// cached one", which only works while this process still holds it.
func (vs *VaultStorage) Unlock(password string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if password == "" {
		if vs.password == "" {
			return ErrNoCachedPassword
		}
		password = vs.password
	}

	rec, err := vs.activeRecordLocked()
	if err != nil {
		return err
	}

	v, migrated, err := vault.Open(password, rec)
	if err != nil {
		return err
	}

	// Legacy records are rewritten at the current version the first time
	// they open successfully.
	if migrated {
		fresh, err := v.Seal(password, rec.ID)
		if err != nil {
			v.Destroy()
			return fmt.Errorf("failed to migrate vault record: %w", err)
		}
		if err := vs.durable.UpdateRecord(fresh); err != nil {
			v.Destroy()
			return err
		}
	}

	vs.setUnlocked(v, password)
	return vs.writeSessionMirror(rec.ID)
}

// Lock drops the unlocked vault, the cached password, and the session mirror.
// Stored records are untouched.
func (vs *VaultStorage) Lock() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.clearUnlockedLocked()
	return nil
}

// Relock drops the unlocked vault and session mirror but keeps the cached
// password, so the next Unlock("") succeeds without user input. The idle
// auto-lock uses this.
func (vs *VaultStorage) Relock() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.dropUnlockedLocked()
	return nil
}

// CheckPassword verifies a candidate password against the stored record set
// without mutating anything. The password is a property of the whole set, so
// the first record is authoritative.
func (vs *VaultStorage) CheckPassword(password string) (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	records, err := vs.durable.Records()
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, ErrNotInitialized
	}
	return vault.Check(password, &records[0]), nil
}

// ChangePassword re-seals every stored record under the new password. The
// durable store is only touched after every record has opened under the old
// password, and the rewrite is one transaction, so a failure anywhere leaves
// the old set intact.
func (vs *VaultStorage) ChangePassword(oldPassword, newPassword string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	records, err := vs.durable.Records()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrNotInitialized
	}

	opened := make([]*vault.Vault, 0, len(records))
	destroyAll := func() {
		for _, v := range opened {
			v.Destroy()
		}
	}
	for i := range records {
		v, _, err := vault.Open(oldPassword, &records[i])
		if err != nil {
			destroyAll()
			if errors.Is(err, vault.ErrDecryptionFailed) {
				return fmt.Errorf("%w: record %s", ErrSomeVaultsUndecryptable, records[i].ID)
			}
			return err
		}
		opened = append(opened, v)
	}

	resealed := make([]vault.Record, 0, len(records))
	for i, v := range opened {
		rec, err := v.Seal(newPassword, records[i].ID)
		if err != nil {
			destroyAll()
			return err
		}
		resealed = append(resealed, *rec)
	}
	destroyAll()

	if err := vs.durable.ReplaceRecords(resealed); err != nil {
		return err
	}

	vs.password = newPassword
	if vs.unlocked != nil {
		if id, err := vs.activeVaultIDLocked(); err == nil {
			if err := vs.writeSessionMirror(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Revive restores the unlocked state from the session mirror after a service
// restart. It reports false when no mirror exists; the wallet simply stays
// locked. The user password is not recoverable from the mirror, so the
// cached-password slot stays empty until the next explicit unlock.
func (vs *VaultStorage) Revive() (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	suffix, err := vs.session.Get(sessionEphemeralPassword)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	raw, err := vs.session.Get(sessionEphemeralVault)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}

	var rec vault.Record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("corrupt session mirror: %w", err)
	}

	v, _, err := vault.Open(vs.storageKey+string(suffix), &rec)
	if err != nil {
		return false, err
	}

	if vs.unlocked != nil {
		vs.unlocked.Destroy()
	}
	vs.unlocked = v
	return true, nil
}

// Clear wipes everything: stored records, accounts, approvals, settings, the
// session mirror, and all in-memory state.
func (vs *VaultStorage) Clear() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.clearUnlockedLocked()
	return vs.durable.Wipe()
}

// ActiveVault returns the unlocked vault, or ErrLocked.
func (vs *VaultStorage) ActiveVault() (*vault.Vault, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.unlocked == nil {
		return nil, ErrLocked
	}
	return vs.unlocked, nil
}

// ActiveVaultID returns the id of the currently selected vault record.
func (vs *VaultStorage) ActiveVaultID() (uuid.UUID, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.activeVaultIDLocked()
}

// SetActiveVaultID switches the selected vault. The id must name a stored
// record. Switching locks the wallet; the new vault needs its own unlock.
func (vs *VaultStorage) SetActiveVaultID(id uuid.UUID) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	records, err := vs.durable.Records()
	if err != nil {
		return err
	}
	found := false
	for i := range records {
		if records[i].ID == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown vault record: %s", id)
	}

	current, err := vs.activeVaultIDLocked()
	if err == nil && current == id {
		return nil
	}

	if err := vs.durable.SetSetting(settingActiveVaultID, id.String()); err != nil {
		return err
	}
	vs.dropUnlockedLocked()
	return nil
}

// Records exposes the stored record set.
func (vs *VaultStorage) Records() ([]vault.Record, error) {
	return vs.durable.Records()
}

// IsInitialized reports whether at least one vault record exists.
func (vs *VaultStorage) IsInitialized() (bool, error) {
	records, err := vs.durable.Records()
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// IsUnlocked reports whether an unlocked vault is held in memory.
func (vs *VaultStorage) IsUnlocked() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.unlocked != nil
}

// HasCachedPassword reports whether the user password is cached in memory.
func (vs *VaultStorage) HasCachedPassword() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.password != ""
}

// ===============================
// Internals (callers hold vs.mu)
// ===============================

func (vs *VaultStorage) activeVaultIDLocked() (uuid.UUID, error) {
	value, ok, err := vs.durable.Setting(settingActiveVaultID)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, ErrNoActiveVault
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt active vault id: %w", err)
	}
	return id, nil
}

func (vs *VaultStorage) activeRecordLocked() (*vault.Record, error) {
	records, err := vs.durable.Records()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotInitialized
	}

	id, err := vs.activeVaultIDLocked()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("active vault record missing: %s", id)
}

func (vs *VaultStorage) setUnlocked(v *vault.Vault, password string) {
	if vs.unlocked != nil {
		vs.unlocked.Destroy()
	}
	vs.unlocked = v
	vs.password = password
}

// writeSessionMirror re-seals the unlocked vault under a one-time password
// (deployment storage key plus fresh random hex) and stores the pair in the
// volatile store, so an unlocked wallet survives a background restart.
func (vs *VaultStorage) writeSessionMirror(id uuid.UUID) error {
	if vs.unlocked == nil {
		return ErrLocked
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("failed to generate ephemeral password: %w", err)
	}
	suffix := hex.EncodeToString(buf)

	rec, err := vs.unlocked.Seal(vs.storageKey+suffix, id)
	if err != nil {
		return fmt.Errorf("failed to seal session mirror: %w", err)
	}
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session mirror: %w", err)
	}

	if err := vs.session.Put(sessionEphemeralPassword, []byte(suffix)); err != nil {
		return err
	}
	return vs.session.Put(sessionEphemeralVault, raw)
}

func (vs *VaultStorage) clearUnlockedLocked() {
	vs.dropUnlockedLocked()
	vs.password = ""
}

func (vs *VaultStorage) dropUnlockedLocked() {
	if vs.unlocked != nil {
		vs.unlocked.Destroy()
		vs.unlocked = nil
	}
	vs.session.Delete(sessionEphemeralPassword)
	vs.session.Delete(sessionEphemeralVault)
}

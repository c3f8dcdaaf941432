// Package main implements the wallet background service. It owns the key
// material end to end: the encrypted vault store, the unlock state machine,
// the idle auto-lock, and the request dispatch for the page and popup sides.
//
// SECURITY: this is the only process that ever sees plaintext seeds. The
// bridge and page sides exchange opaque requests and replies only.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tyler-smith/go-bip39"

	"github.com/sablewallet/sable/background/store"
	"github.com/sablewallet/sable/background/vault"
)

// Setting keys owned by the keyring.
const (
	settingActiveAccount = "activeAccount"
	settingLockTimeout   = "autoLockTimeoutMinutes"
)

// WalletStatus is the externally visible lock state.
type WalletStatus struct {
	Initialized bool `json:"isInitialized"`
	Locked      bool `json:"isLocked"`
}

// AccountInfo is one account as reported to the UI.
type AccountInfo struct {
	store.Account
	Active bool `json:"active"`
}

// Keyring is the façade every request handler goes through. It composes the
// vault storage state machine, the durable account metadata, and the idle
// auto-lock, and fans lock-status changes out to subscribers.
type Keyring struct {
	storage  *store.VaultStorage
	durable  *store.DurableStore
	autolock *AutoLock
	log      zerolog.Logger

	// ready is closed once the startup revival attempt has finished, so
	// status queries never race it and report "locked" spuriously.
	ready      chan struct{}
	reviveOnce sync.Once

	subMu sync.Mutex
	subs  []func(WalletStatus)
}

// NewKeyring wires the keyring over its stores. The auto-lock is attached
// separately because it needs the keyring's relock callback.
func NewKeyring(storage *store.VaultStorage, durable *store.DurableStore, logger zerolog.Logger) *Keyring {
	return &Keyring{
		storage: storage,
		durable: durable,
		log:     logger.With().Str("component", "keyring").Logger(),
		ready:   make(chan struct{}),
	}
}

// SetAutoLock attaches the idle auto-lock.
func (k *Keyring) SetAutoLock(a *AutoLock) {
	k.autolock = a
}

// StartupRevive attempts to restore the unlocked state from the session
// mirror. It runs once, at service start; failures leave the wallet locked,
// which is always a safe place to land.
func (k *Keyring) StartupRevive() {
	var revived bool
	k.reviveOnce.Do(func() {
		defer close(k.ready)

		ok, err := k.storage.Revive()
		if err != nil {
			k.log.Warn().Err(err).Msg("Session revival failed, starting locked")
			return
		}
		if ok {
			k.log.Info().Msg("Unlocked state revived from session store")
			k.scheduleAutoLock()
			revived = true
		}
	})

	// A revival is an unlock like any other; subscribers hear about it.
	// Broadcasting here rather than inside the Do closure keeps Status
	// callable (it waits on the ready gate the closure closes).
	if revived {
		k.broadcastStatus()
	}
}

// Status reports the wallet's lock state. It waits for the startup revival
// to finish first.
func (k *Keyring) Status() (WalletStatus, error) {
	<-k.ready

	initialized, err := k.storage.IsInitialized()
	if err != nil {
		return WalletStatus{}, err
	}
	return WalletStatus{
		Initialized: initialized,
		Locked:      !k.storage.IsUnlocked(),
	}, nil
}

// CreateVault initializes the wallet with its first vault and account. An
// empty mnemonic generates a fresh seed; otherwise the phrase is imported.
func (k *Keyring) CreateVault(password, mnemonic string) (*AccountInfo, error) {
	entropy, err := entropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	rec, err := k.storage.Create(password, entropy)
	if err != nil {
		return nil, err
	}

	account, err := k.registerDerivedAccount(rec.ID)
	if err != nil {
		return nil, err
	}

	k.log.Info().Str("vault_id", rec.ID.String()).Msg("Wallet created")
	k.scheduleAutoLock()
	k.broadcastStatus()
	return account, nil
}

// AddVault adds another vault under the cached password and makes it active.
func (k *Keyring) AddVault(mnemonic string) (*AccountInfo, error) {
	entropy, err := entropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	rec, err := k.storage.AddVault(entropy)
	if err != nil {
		return nil, err
	}

	account, err := k.registerDerivedAccount(rec.ID)
	if err != nil {
		return nil, err
	}

	k.log.Info().Str("vault_id", rec.ID.String()).Msg("Vault added")
	k.scheduleAutoLock()
	return account, nil
}

// ImportAccount brings a standalone ed25519 key in as its own vault. The
// hex-encoded 32-byte seed is sealed like any other record; the account
// keeps the seed's own key instead of a derived one.
func (k *Keyring) ImportAccount(seedHex string) (*AccountInfo, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != vault.Entropy256 {
		return nil, errors.New("invalid key: expected 64 hex characters")
	}

	rec, err := k.storage.AddVault(seed)
	if err != nil {
		return nil, err
	}

	v, err := k.storage.ActiveVault()
	if err != nil {
		return nil, err
	}
	_, pub, err := v.ImportedKey()
	if err != nil {
		return nil, err
	}

	account := store.Account{
		Address: hex.EncodeToString(pub),
		Kind:    store.AccountKindImported,
		Index:   store.ImportedAccountIndex,
		Alias:   "Imported account",
	}
	if err := k.durable.PutAccount(&account); err != nil {
		return nil, err
	}
	if err := k.durable.SetSetting(settingActiveAccount, account.Address); err != nil {
		return nil, err
	}

	k.log.Info().Str("vault_id", rec.ID.String()).Msg("Account imported")
	k.scheduleAutoLock()
	return &AccountInfo{Account: account, Active: true}, nil
}

// Unlock opens the active vault. An empty password reuses the cached one.
func (k *Keyring) Unlock(password string) error {
	if err := k.storage.Unlock(password); err != nil {
		return err
	}
	k.log.Info().Msg("Wallet unlocked")
	k.scheduleAutoLock()
	k.broadcastStatus()
	return nil
}

// Lock discards the unlocked vault and cached password.
func (k *Keyring) Lock() error {
	if err := k.storage.Lock(); err != nil {
		return err
	}
	if k.autolock != nil {
		k.autolock.Clear()
	}
	k.log.Info().Msg("Wallet locked")
	k.broadcastStatus()
	return nil
}

// relock is the auto-lock callback. It keeps the cached password so the
// popup can offer a passwordless unlock within the session.
func (k *Keyring) relock() {
	if err := k.storage.Relock(); err != nil {
		k.log.Error().Err(err).Msg("Auto-lock failed")
		return
	}
	k.log.Info().Msg("Wallet auto-locked after idle timeout")
	k.broadcastStatus()
}

// CheckPassword verifies a candidate password without changing any state.
func (k *Keyring) CheckPassword(password string) (bool, error) {
	return k.storage.CheckPassword(password)
}

// ChangePassword re-encrypts every stored vault under the new password.
func (k *Keyring) ChangePassword(oldPassword, newPassword string) error {
	if err := k.storage.ChangePassword(oldPassword, newPassword); err != nil {
		return err
	}
	k.log.Info().Msg("Wallet password changed")
	return nil
}

// RevealMnemonic returns the active vault's recovery phrase after an
// explicit password check. The empty string with ok=false means the
// password was wrong; storage errors are reported separately.
func (k *Keyring) RevealMnemonic(password string) (string, bool, error) {
	id, err := k.storage.ActiveVaultID()
	if err != nil {
		return "", false, err
	}
	records, err := k.storage.Records()
	if err != nil {
		return "", false, err
	}
	for i := range records {
		if records[i].ID == id {
			mnemonic, ok := vault.RevealMnemonic(password, &records[i])
			return mnemonic, ok, nil
		}
	}
	return "", false, fmt.Errorf("active vault record missing: %s", id)
}

// Clear wipes the wallet entirely.
func (k *Keyring) Clear() error {
	if err := k.storage.Clear(); err != nil {
		return err
	}
	if k.autolock != nil {
		k.autolock.Clear()
	}
	k.log.Warn().Msg("Wallet cleared")
	k.broadcastStatus()
	return nil
}

// AllAccounts lists every account with the active one flagged.
func (k *Keyring) AllAccounts() ([]AccountInfo, error) {
	accounts, err := k.durable.Accounts()
	if err != nil {
		return nil, err
	}
	active, _, err := k.durable.Setting(settingActiveAccount)
	if err != nil {
		return nil, err
	}

	out := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountInfo{
			Account: a,
			Active:  a.Address == active,
		})
	}
	return out, nil
}

// SetActiveAccount switches the selected account and, when the account lives
// in a different vault, the active vault with it.
func (k *Keyring) SetActiveAccount(address string) error {
	accounts, err := k.durable.Accounts()
	if err != nil {
		return err
	}
	found := false
	for _, a := range accounts {
		if a.Address == address {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown account: %s", address)
	}
	return k.durable.SetSetting(settingActiveAccount, address)
}

// SetAccountMeta updates an account's alias and avatar.
func (k *Keyring) SetAccountMeta(address, alias, avatar string) error {
	return k.durable.SetAccountMeta(address, alias, avatar)
}

// Touch postpones the idle auto-lock. The UI calls this on user activity.
func (k *Keyring) Touch() {
	if k.autolock != nil {
		k.autolock.Postpone()
	}
}

// SetLockTimeout persists the idle timeout and applies it to a running
// timer. Values outside the accepted range are ignored.
func (k *Keyring) SetLockTimeout(minutes int) error {
	if minutes < MinLockTimeoutMinutes || minutes > MaxLockTimeoutMinutes {
		k.log.Warn().Int("minutes", minutes).Msg("Ignoring out-of-range lock timeout")
		return nil
	}
	if err := k.durable.SetSetting(settingLockTimeout, strconv.Itoa(minutes)); err != nil {
		return err
	}
	if k.autolock != nil {
		k.autolock.SetTimeout(time.Duration(minutes) * time.Minute)
		// A running alarm switches to the new interval right away; a
		// locked wallet stays unarmed.
		if k.storage.IsUnlocked() {
			k.autolock.Schedule()
		}
	}
	return nil
}

// LockTimeout reads the persisted idle timeout, falling back to the default.
func (k *Keyring) LockTimeout() time.Duration {
	value, ok, err := k.durable.Setting(settingLockTimeout)
	if err != nil || !ok {
		return DefaultLockTimeout
	}
	minutes, err := strconv.Atoi(value)
	if err != nil || minutes < MinLockTimeoutMinutes || minutes > MaxLockTimeoutMinutes {
		return DefaultLockTimeout
	}
	return time.Duration(minutes) * time.Minute
}

// Subscribe registers a lock-status listener. Listeners run on the calling
// goroutine of the state change and must not block.
func (k *Keyring) Subscribe(fn func(WalletStatus)) {
	k.subMu.Lock()
	defer k.subMu.Unlock()
	k.subs = append(k.subs, fn)
}

func (k *Keyring) broadcastStatus() {
	status, err := k.Status()
	if err != nil {
		k.log.Error().Err(err).Msg("Failed to read status for broadcast")
		return
	}

	k.subMu.Lock()
	subs := make([]func(WalletStatus), len(k.subs))
	copy(subs, k.subs)
	k.subMu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

func (k *Keyring) scheduleAutoLock() {
	if k.autolock != nil {
		k.autolock.SetTimeout(k.LockTimeout())
		k.autolock.Schedule()
	}
}

// registerDerivedAccount derives the account belonging to a freshly created
// vault and persists its metadata, so listing accounts never needs to
// decrypt anything.
func (k *Keyring) registerDerivedAccount(vaultID uuid.UUID) (*AccountInfo, error) {
	v, err := k.storage.ActiveVault()
	if err != nil {
		return nil, err
	}

	index, err := k.durable.DerivedAccountCount()
	if err != nil {
		return nil, err
	}

	_, pub, err := v.DeriveKey(uint32(index))
	if err != nil {
		return nil, err
	}

	account := store.Account{
		Address: hex.EncodeToString(pub),
		Kind:    store.AccountKindDerived,
		Index:   index,
		Alias:   fmt.Sprintf("Account %d", index+1),
	}
	if err := k.durable.PutAccount(&account); err != nil {
		return nil, err
	}
	if err := k.durable.SetSetting(settingActiveAccount, account.Address); err != nil {
		return nil, err
	}
	return &AccountInfo{Account: account, Active: true}, nil
}

// entropyFromMnemonic converts an optional recovery phrase to raw entropy.
// An empty phrase returns nil, which the storage layer treats as "generate".
func entropyFromMnemonic(mnemonic string) ([]byte, error) {
	if mnemonic == "" {
		return nil, nil
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.New("invalid recovery phrase")
	}
	return entropy, nil
}

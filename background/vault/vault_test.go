package vault

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/google/uuid"
	bip39 "github.com/tyler-smith/go-bip39"
)

func testEntropy(t *testing.T) []byte {
	t.Helper()
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		t.Fatalf("Failed to generate entropy: %v", err)
	}
	return entropy
}

func TestSealOpenRoundTrip(t *testing.T) {
	entropy := testEntropy(t)
	want := append([]byte(nil), entropy...)

	v, err := New(entropy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer v.Destroy()

	record, err := v.Seal("correct horse", uuid.Nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if record.ID == uuid.Nil {
		t.Error("Seal did not assign a fresh id")
	}
	if record.Version != RecordVersionCurrent {
		t.Errorf("Seal wrote version %d, want %d", record.Version, RecordVersionCurrent)
	}

	opened, migrated, err := Open("correct horse", record)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer opened.Destroy()
	if migrated {
		t.Error("Current-version record reported migration")
	}

	got, err := opened.Entropy()
	if err != nil {
		t.Fatalf("Entropy failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("Round-tripped entropy differs")
	}
}

func TestOpenWrongPasswordFails(t *testing.T) {
	v, err := New(testEntropy(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer v.Destroy()

	record, err := v.Seal("password-one", uuid.Nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, _, err := Open("password-two", record); err != ErrDecryptionFailed {
		t.Fatalf("Open with wrong password: got %v, want ErrDecryptionFailed", err)
	}
	if Check("password-two", record) {
		t.Error("Check accepted the wrong password")
	}
	if !Check("password-one", record) {
		t.Error("Check rejected the right password")
	}
}

func TestSealPreservesGivenID(t *testing.T) {
	v, err := New(testEntropy(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer v.Destroy()

	id := uuid.New()
	record, err := v.Seal("pw", id)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if record.ID != id {
		t.Errorf("Seal replaced the id: got %s want %s", record.ID, id)
	}
}

func TestOpenLegacyMnemonicRecordMigrates(t *testing.T) {
	entropy := testEntropy(t)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("NewMnemonic failed: %v", err)
	}

	legacy, err := sealPlaintext("pw", uuid.New(), RecordVersionMnemonic, []byte(mnemonic))
	if err != nil {
		t.Fatalf("sealPlaintext failed: %v", err)
	}

	v, migrated, err := Open("pw", legacy)
	if err != nil {
		t.Fatalf("Open legacy failed: %v", err)
	}
	defer v.Destroy()
	if !migrated {
		t.Error("Legacy record did not flag migration")
	}

	got, err := v.Entropy()
	if err != nil {
		t.Fatalf("Entropy failed: %v", err)
	}
	if !bytes.Equal(got, entropy) {
		t.Error("Legacy conversion produced different entropy")
	}
}

func TestOpenUnknownVersionFailsClosed(t *testing.T) {
	v, err := New(testEntropy(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer v.Destroy()

	record, err := v.Seal("pw", uuid.Nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	record.Version = 99

	if _, _, err := Open("pw", record); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Unknown version: got %v, want ErrUnknownFormat", err)
	}
}

func TestRevealMnemonicSoftFailure(t *testing.T) {
	entropy := testEntropy(t)
	want, _ := bip39.NewMnemonic(entropy)

	v, err := New(entropy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer v.Destroy()

	record, err := v.Seal("pw", uuid.Nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if got, ok := RevealMnemonic("pw", record); !ok || got != want {
		t.Errorf("RevealMnemonic with right password: ok=%v", ok)
	}
	if _, ok := RevealMnemonic("nope", record); ok {
		t.Error("RevealMnemonic with wrong password reported ok")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	entropy := testEntropy(t)

	v1, _ := New(append([]byte(nil), entropy...))
	defer v1.Destroy()
	v2, _ := New(append([]byte(nil), entropy...))
	defer v2.Destroy()

	priv1, pub1, err := v1.DeriveKey(0)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	_, pub2, err := v2.DeriveKey(0)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Error("Same entropy and index derived different keys")
	}

	_, pub3, err := v1.DeriveKey(1)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(pub1, pub3) {
		t.Error("Different indexes derived the same key")
	}

	// The derived key must actually sign.
	msg := []byte("payload")
	sig := ed25519.Sign(priv1, msg)
	if !ed25519.Verify(pub1, msg, sig) {
		t.Error("Derived keypair failed to sign/verify")
	}
}

func TestDestroyedVaultRefusesAccess(t *testing.T) {
	v, err := New(testEntropy(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v.Destroy()

	if _, err := v.Entropy(); err != ErrVaultDestroyed {
		t.Errorf("Entropy after Destroy: got %v, want ErrVaultDestroyed", err)
	}
	if _, err := v.Mnemonic(); err != ErrVaultDestroyed {
		t.Errorf("Mnemonic after Destroy: got %v, want ErrVaultDestroyed", err)
	}
}

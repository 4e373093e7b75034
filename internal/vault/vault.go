// Package vault implements a sealed credential store: a password-derived
// wrapping key protects a random data-encryption key (DEK), and every
// secret at rest is AEAD-encrypted under the DEK with a domain-separating
// AAD string. The envelope shape follows the nonce-prepended AEAD pattern
// common in this codebase's crypto helpers, built on XChaCha20-Poly1305
// with an Argon2id KDF.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// dekWrapAAD binds the wrapped DEK to its fixed context string so a
	// ciphertext from another field can never be substituted in its place.
	dekWrapAAD = "moltis-vault-dek-v1"

	encodingVersion byte = 1
	dekSize              = 32
	saltSize             = 16
)

var (
	// ErrSealed is returned by every decrypt/encrypt call while the vault
	// holds no DEK in memory.
	ErrSealed = errors.New("vault: sealed")
	// ErrAlreadyInitialized is returned by Initialize on an existing vault.
	ErrAlreadyInitialized = errors.New("vault: already initialized")
	// ErrNotInitialized is returned by Unseal before Initialize has run.
	ErrNotInitialized = errors.New("vault: not initialized")
	// ErrWrongPassword is returned when unsealing fails to authenticate.
	ErrWrongPassword = errors.New("vault: wrong password")
	// ErrCiphertextMalformed is returned by Decrypt on a corrupt envelope.
	ErrCiphertextMalformed = errors.New("vault: malformed ciphertext")
)

// KDFParams controls the Argon2id cost parameters used to derive the
// wrapping key from a password.
type KDFParams struct {
	TimeCost   uint32
	MemoryKiB  uint32
	Threads    uint8
}

// DefaultKDFParams returns the recommended Argon2id tuning for an
// interactive single-user unseal.
func DefaultKDFParams() KDFParams {
	return KDFParams{TimeCost: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// Metadata is the persisted singleton vault row.
type Metadata struct {
	Version             int
	KDFSalt             []byte
	KDFParams           KDFParams
	WrappedDEK          []byte
	RecoveryWrappedDEK  []byte
	RecoveryKeyHash     []byte
}

// MetadataStore persists the singleton Metadata row.
type MetadataStore interface {
	Load() (*Metadata, error)
	Save(*Metadata) error
}

// Vault is the encrypt-at-rest credential store. It is safe for
// concurrent use.
type Vault struct {
	mu    sync.Mutex
	store MetadataStore
	dek   []byte // nil when sealed
}

// New constructs a Vault backed by the given metadata store. The vault
// starts sealed; call Initialize or Unseal before using Encrypt/Decrypt.
func New(store MetadataStore) *Vault {
	return &Vault{store: store}
}

// State reports the vault's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSealed        State = "initialized-sealed"
	StateUnsealed       State = "unsealed"
)

// Status returns the vault's current lifecycle state.
func (v *Vault) Status() (State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	meta, err := v.store.Load()
	if err != nil {
		return "", err
	}
	if meta == nil {
		return StateUninitialized, nil
	}
	if v.dek != nil {
		return StateUnsealed, nil
	}
	return StateSealed, nil
}

// Initialize generates a fresh DEK, wraps it under a password-derived key,
// and persists the vault metadata. It leaves the vault unsealed (the DEK
// it just generated is held in memory) so the caller can immediately
// start encrypting.
func (v *Vault) Initialize(password string, params KDFParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, err := v.store.Load()
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyInitialized
	}

	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return fmt.Errorf("generate dek: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	wrappingKey := deriveKey(password, salt, params)
	wrapped, err := seal(wrappingKey, dek, []byte(dekWrapAAD))
	if err != nil {
		return fmt.Errorf("wrap dek: %w", err)
	}

	meta := &Metadata{
		Version:    1,
		KDFSalt:    salt,
		KDFParams:  params,
		WrappedDEK: wrapped,
	}
	if err := v.store.Save(meta); err != nil {
		return fmt.Errorf("persist vault metadata: %w", err)
	}

	v.dek = dek
	return nil
}

// Unseal rederives the wrapping key from password and attempts to decrypt
// the wrapped DEK. On success the DEK is held in memory until Seal is
// called or the process exits.
func (v *Vault) Unseal(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	meta, err := v.store.Load()
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrNotInitialized
	}

	wrappingKey := deriveKey(password, meta.KDFSalt, meta.KDFParams)
	dek, err := open(wrappingKey, meta.WrappedDEK, []byte(dekWrapAAD))
	if err != nil {
		return ErrWrongPassword
	}
	v.dek = dek
	return nil
}

// Seal zeroizes the in-memory DEK. Subsequent Encrypt/Decrypt calls fail
// with ErrSealed until a successful Unseal.
func (v *Vault) Seal() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.dek)
	v.dek = nil
}

// ChangePassword rewraps the current DEK under a newly-derived key.
func (v *Vault) ChangePassword(newPassword string, params KDFParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dek == nil {
		return ErrSealed
	}
	meta, err := v.store.Load()
	if err != nil {
		return err
	}
	if meta == nil {
		return ErrNotInitialized
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	wrappingKey := deriveKey(newPassword, salt, params)
	wrapped, err := seal(wrappingKey, v.dek, []byte(dekWrapAAD))
	if err != nil {
		return fmt.Errorf("wrap dek: %w", err)
	}

	meta.KDFSalt = salt
	meta.KDFParams = params
	meta.WrappedDEK = wrapped
	return v.store.Save(meta)
}

// RotateKey generates a brand new DEK, re-encrypts every ciphertext the
// caller hands it through reencrypt, and only commits the new wrapped DEK
// if every re-encryption succeeds. On failure the vault keeps the old DEK.
func (v *Vault) RotateKey(password string, params KDFParams, reencrypt func(reencryptOne func(ciphertext string, aad string) (string, error)) error) error {
	v.mu.Lock()
	oldDEK := v.dek
	if oldDEK == nil {
		v.mu.Unlock()
		return ErrSealed
	}
	meta, err := v.store.Load()
	if err != nil {
		v.mu.Unlock()
		return err
	}
	if meta == nil {
		v.mu.Unlock()
		return ErrNotInitialized
	}
	v.mu.Unlock()

	newDEK := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, newDEK); err != nil {
		return fmt.Errorf("generate dek: %w", err)
	}

	reencryptOne := func(ciphertext string, aad string) (string, error) {
		plain, err := decryptWith(oldDEK, ciphertext, aad)
		if err != nil {
			return "", err
		}
		return encryptWith(newDEK, plain, aad)
	}

	if err := reencrypt(reencryptOne); err != nil {
		return fmt.Errorf("rotate key: re-encryption failed, keeping old dek: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	wrappingKey := deriveKey(password, salt, params)
	wrapped, err := seal(wrappingKey, newDEK, []byte(dekWrapAAD))
	if err != nil {
		return fmt.Errorf("wrap new dek: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	meta.KDFSalt = salt
	meta.KDFParams = params
	meta.WrappedDEK = wrapped
	if err := v.store.Save(meta); err != nil {
		return fmt.Errorf("persist rotated vault metadata: %w", err)
	}
	zero(v.dek)
	v.dek = newDEK
	return nil
}

// EncryptString encrypts plaintext under the live DEK, binding it to aad.
func (v *Vault) EncryptString(plaintext, aad string) (string, error) {
	v.mu.Lock()
	dek := v.dek
	v.mu.Unlock()
	if dek == nil {
		return "", ErrSealed
	}
	return encryptWith(dek, plaintext, aad)
}

// DecryptString decrypts a ciphertext produced by EncryptString. Decryption
// fails if aad does not match what the ciphertext was encrypted with.
func (v *Vault) DecryptString(ciphertext, aad string) (string, error) {
	v.mu.Lock()
	dek := v.dek
	v.mu.Unlock()
	if dek == nil {
		return "", ErrSealed
	}
	return decryptWith(dek, ciphertext, aad)
}

func deriveKey(password string, salt []byte, params KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, params.TimeCost, params.MemoryKiB, params.Threads, chacha20poly1305.KeySize)
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, 1+len(nonce)+len(ct))
	out = append(out, encodingVersion)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func open(key, envelope, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < 1+aead.NonceSize() {
		return nil, ErrCiphertextMalformed
	}
	if envelope[0] != encodingVersion {
		return nil, ErrCiphertextMalformed
	}
	nonce := envelope[1 : 1+aead.NonceSize()]
	ct := envelope[1+aead.NonceSize():]
	return aead.Open(nil, nonce, ct, aad)
}

func encryptWith(dek []byte, plaintext, aad string) (string, error) {
	envelope, err := seal(dek, []byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(envelope), nil
}

func decryptWith(dek []byte, ciphertext, aad string) (string, error) {
	envelope, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCiphertextMalformed
	}
	plain, err := open(dek, envelope, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

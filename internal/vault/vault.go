package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

const (
	// keySize is the AES-256 key size in bytes.
	keySize = 32

	// saltSize is the per-encryption salt size in bytes.
	saltSize = 16

	// kdfIterations is the PBKDF2 iteration count.
	kdfIterations = 100_000
)

// File names inside the state directory.
const (
	credentialFileName  = "credential.enc"
	legacyCredFileName  = "credential.json"
	sessionMetaFileName = "session.json"
)

// ErrCryptoUnsupported is returned when the runtime fails the one-time
// cipher self-check.
var ErrCryptoUnsupported = errors.New("authenticated encryption unavailable on this runtime")

// ErrNoCredential is returned when no persisted credential exists.
var ErrNoCredential = errors.New("no persisted credential")

// EncryptedBlob is the at-rest form of the credential. Salt and IV travel
// with the ciphertext so decryption needs nothing beyond the device
// fingerprint.
type EncryptedBlob struct {
	// Ciphertext is the base64-encoded AES-GCM output (tag included).
	Ciphertext string `json:"ciphertext"`

	// IV is the base64-encoded GCM nonce used for this encryption.
	IV string `json:"iv"`

	// Salt is the base64-encoded KDF salt used for this encryption.
	Salt string `json:"salt"`

	// Timestamp records when the blob was produced.
	Timestamp time.Time `json:"timestamp"`
}

// SessionMeta is the plaintext session metadata kept beside the encrypted
// credential. It holds only non-sensitive fields needed by status displays
// and expiry checks that must not require a decrypt.
type SessionMeta struct {
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	Scope            string    `json:"scope,omitempty"`
	Issuer           string    `json:"issuer,omitempty"`
	Subject          string    `json:"subject,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Vault encrypts and persists the credential.
type Vault struct {
	mu            sync.Mutex
	stateDir      string
	fingerprinter Fingerprinter

	checkOnce sync.Once
	checkErr  error
}

// Config configures the vault.
type Config struct {
	// StateDir is the directory holding the credential files.
	StateDir string

	// Fingerprinter supplies the per-device key material. Defaults to
	// DeviceFingerprinter.
	Fingerprinter Fingerprinter
}

// New creates a vault rooted at the configured state directory.
func New(cfg Config) (*Vault, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("vault state directory is required")
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault state directory: %w", err)
	}

	fp := cfg.Fingerprinter
	if fp == nil {
		fp = DeviceFingerprinter{}
	}

	return &Vault{
		stateDir:      cfg.StateDir,
		fingerprinter: fp,
	}, nil
}

// Supported reports whether the runtime passes the cipher self-check.
// The check runs once and is cached.
func (v *Vault) Supported() error {
	v.checkOnce.Do(func() {
		v.checkErr = v.selfCheck()
	})
	return v.checkErr
}

// selfCheck verifies that key derivation and an AES-GCM round trip work.
func (v *Vault) selfCheck() error {
	if _, err := v.fingerprinter.Fingerprint(); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoUnsupported, err)
	}

	probe := []byte("procflow-crypto-probe")
	blob, err := v.Encrypt(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoUnsupported, err)
	}
	out, err := v.Decrypt(blob)
	if err != nil || string(out) != string(probe) {
		return fmt.Errorf("%w: round trip failed", ErrCryptoUnsupported)
	}
	return nil
}

// Encrypt seals plaintext into a self-contained blob. Salt and nonce are
// freshly random per call, so identical plaintexts yield distinct blobs.
func (v *Vault) Encrypt(plaintext []byte) (*EncryptedBlob, error) {
	fingerprint, err := v.fingerprinter.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to derive device fingerprint: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(fingerprint), salt, kdfIterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &EncryptedBlob{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Timestamp:  time.Now(),
	}, nil
}

// Decrypt opens a blob. Any tampering with ciphertext, nonce, or salt
// fails GCM tag verification and surfaces as an error, never as corrupted
// plaintext.
func (v *Vault) Decrypt(blob *EncryptedBlob) ([]byte, error) {
	if blob == nil {
		return nil, errors.New("nil blob")
	}

	fingerprint, err := v.fingerprinter.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to derive device fingerprint: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return nil, fmt.Errorf("malformed iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}

	key := pbkdf2.Key([]byte(fingerprint), salt, kdfIterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("malformed iv: wrong length")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential decryption failed: %w", err)
	}

	return plaintext, nil
}

// StoreCredential encrypts and persists the credential, and writes the
// plaintext session metadata beside it.
// SECURITY: Token values are never logged; only expiry and scope appear in
// the audit trail.
func (v *Vault) StoreCredential(token *oauth.Token, meta SessionMeta) error {
	if token == nil {
		return errors.New("nil token")
	}
	if err := v.Supported(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	serialized, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}

	blob, err := v.Encrypt(serialized)
	if err != nil {
		logging.Audit("credential_store_failed", slog.String("error", err.Error()))
		return err
	}

	if err := v.writeJSON(credentialFileName, blob); err != nil {
		logging.Audit("credential_store_failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	meta.UpdatedAt = time.Now()
	if meta.ExpiresAt.IsZero() {
		meta.ExpiresAt = token.ExpiresAt
	}
	if meta.Scope == "" {
		meta.Scope = token.Scope
	}
	if meta.Subject == "" {
		// Refresh responses rarely carry identity claims; keep the
		// subject from the previous session metadata.
		var prev SessionMeta
		if err := v.readJSON(sessionMetaFileName, &prev); err == nil {
			meta.Subject = prev.Subject
		}
	}
	if err := v.writeJSON(sessionMetaFileName, &meta); err != nil {
		return fmt.Errorf("failed to persist session metadata: %w", err)
	}

	logging.Audit("credential_stored",
		slog.String("expiry", logging.Timestamp(token.ExpiresAt)),
		slog.Bool("has_refresh_token", token.RefreshToken != ""),
	)
	return nil
}

// LoadCredential decrypts and returns the persisted credential. A legacy
// plaintext credential file is migrated to the encrypted form on first
// load, then removed.
func (v *Vault) LoadCredential() (*oauth.Token, error) {
	if err := v.Supported(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.migrateLegacyLocked(); err != nil {
		logging.Warn("vault", "Legacy credential migration failed: %v", err)
	}

	var blob EncryptedBlob
	if err := v.readJSON(credentialFileName, &blob); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredential
		}
		return nil, err
	}

	plaintext, err := v.Decrypt(&blob)
	if err != nil {
		return nil, err
	}

	var token oauth.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return nil, fmt.Errorf("failed to deserialize credential: %w", err)
	}

	return &token, nil
}

// LoadSessionMeta returns the plaintext session metadata without touching
// the encrypted credential.
func (v *Vault) LoadSessionMeta() (*SessionMeta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var meta SessionMeta
	if err := v.readJSON(sessionMetaFileName, &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredential
		}
		return nil, err
	}
	return &meta, nil
}

// UpdateSubject records the server-validated subject in the session
// metadata without touching the encrypted credential.
func (v *Vault) UpdateSubject(subject string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var meta SessionMeta
	if err := v.readJSON(sessionMetaFileName, &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoCredential
		}
		return err
	}
	if meta.Subject == subject {
		return nil
	}

	meta.Subject = subject
	meta.UpdatedAt = time.Now()
	return v.writeJSON(sessionMetaFileName, &meta)
}

// Clear removes the persisted credential and session metadata.
// SECURITY: Logged for the audit trail.
func (v *Vault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr error
	for _, name := range []string{credentialFileName, sessionMetaFileName, legacyCredFileName} {
		err := os.Remove(filepath.Join(v.stateDir, name))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		logging.Audit("credential_clear_failed", slog.String("error", firstErr.Error()))
		return firstErr
	}

	logging.Audit("credential_cleared")
	return nil
}

// migrateLegacyLocked encrypts a plaintext legacy credential file in place
// and removes the plaintext. Runs at most once per legacy file.
// REQUIRES: v.mu held.
func (v *Vault) migrateLegacyLocked() error {
	legacyPath := filepath.Join(v.stateDir, legacyCredFileName)
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var token oauth.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("legacy credential unreadable: %w", err)
	}

	blob, err := v.Encrypt(data)
	if err != nil {
		return err
	}
	if err := v.writeJSON(credentialFileName, blob); err != nil {
		return err
	}

	if err := os.Remove(legacyPath); err != nil {
		return fmt.Errorf("failed to remove plaintext credential after migration: %w", err)
	}

	logging.Audit("credential_migrated",
		slog.String("expiry", logging.Timestamp(token.ExpiresAt)),
	)
	return nil
}

func (v *Vault) writeJSON(name string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	// Owner read/write only
	return os.WriteFile(filepath.Join(v.stateDir, name), data, 0600)
}

func (v *Vault) readJSON(name string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(v.stateDir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

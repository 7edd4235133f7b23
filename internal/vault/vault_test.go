package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"procflow/pkg/oauth"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(Config{
		StateDir:      t.TempDir(),
		Fingerprinter: StaticFingerprinter("test-device-fingerprint"),
	})
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	plaintexts := [][]byte{
		[]byte("short"),
		[]byte(""),
		[]byte(`{"refresh_token":"rt-very-long-credential-value-0123456789"}`),
	}

	for _, plaintext := range plaintexts {
		blob, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		out, err := v.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if string(out) != string(plaintext) {
			t.Errorf("round trip mismatch: got %q, want %q", out, plaintext)
		}
	}
}

func TestEncryptFreshness(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte("identical input")

	first, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Fresh salt and nonce per encryption: ciphertexts must differ
	if first.Ciphertext == second.Ciphertext {
		t.Error("identical plaintext produced identical ciphertext")
	}
	if first.Salt == second.Salt {
		t.Error("salt reused across encryptions")
	}
	if first.IV == second.IV {
		t.Error("nonce reused across encryptions")
	}
}

func TestTamperDetection(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt([]byte("sensitive credential"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	// Flip one byte at every position, including the GCM tag at the end
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		tampered := *blob
		tampered.Ciphertext = base64.StdEncoding.EncodeToString(mutated)

		if _, err := v.Decrypt(&tampered); err == nil {
			t.Fatalf("tampered byte %d not detected", i)
		}
	}
}

func TestDecryptWithWrongFingerprint(t *testing.T) {
	dir := t.TempDir()
	v1, err := New(Config{StateDir: dir, Fingerprinter: StaticFingerprinter("device-a")})
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	blob, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	v2, err := New(Config{StateDir: dir, Fingerprinter: StaticFingerprinter("device-b")})
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	if _, err := v2.Decrypt(blob); err == nil {
		t.Error("blob decrypted under wrong device fingerprint")
	}
}

func TestStoreAndLoadCredential(t *testing.T) {
	v := newTestVault(t)

	token := &oauth.Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(15 * time.Minute).Truncate(time.Second),
		Scope:        "openid profile",
	}

	if err := v.StoreCredential(token, SessionMeta{Issuer: "https://idp.example.com"}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	loaded, err := v.LoadCredential()
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if loaded.AccessToken != token.AccessToken || loaded.RefreshToken != token.RefreshToken {
		t.Error("loaded credential differs from stored credential")
	}

	meta, err := v.LoadSessionMeta()
	if err != nil {
		t.Fatalf("LoadSessionMeta failed: %v", err)
	}
	if meta.Issuer != "https://idp.example.com" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.Scope != "openid profile" {
		t.Errorf("scope not derived from token: %q", meta.Scope)
	}
}

func TestLoadCredentialMissing(t *testing.T) {
	v := newTestVault(t)

	_, err := v.LoadCredential()
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestClear(t *testing.T) {
	v := newTestVault(t)

	token := &oauth.Token{AccessToken: "at", RefreshToken: "rt"}
	if err := v.StoreCredential(token, SessionMeta{}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	if err := v.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, err := v.LoadCredential(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential after Clear, got %v", err)
	}
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	v, err := New(Config{StateDir: dir, Fingerprinter: StaticFingerprinter("fp")})
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	legacy := &oauth.Token{AccessToken: "at-legacy", RefreshToken: "rt-legacy"}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	legacyPath := filepath.Join(dir, "credential.json")
	if err := os.WriteFile(legacyPath, data, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	loaded, err := v.LoadCredential()
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if loaded.RefreshToken != "rt-legacy" {
		t.Errorf("migrated credential mismatch: %q", loaded.RefreshToken)
	}

	// Plaintext must be gone after migration
	if _, err := os.Stat(legacyPath); !os.IsNotExist(err) {
		t.Error("plaintext legacy credential still present after migration")
	}

	// Encrypted blob must exist
	if _, err := os.Stat(filepath.Join(dir, "credential.enc")); err != nil {
		t.Errorf("encrypted credential missing after migration: %v", err)
	}
}

func TestSupportedCheckCached(t *testing.T) {
	v := newTestVault(t)
	if err := v.Supported(); err != nil {
		t.Fatalf("self-check failed: %v", err)
	}
	// Second call exercises the cached path
	if err := v.Supported(); err != nil {
		t.Fatalf("cached self-check failed: %v", err)
	}
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	v, err := New(Config{StateDir: dir, Fingerprinter: StaticFingerprinter("fp")})
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	if err := v.StoreCredential(&oauth.Token{AccessToken: "at"}, SessionMeta{}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "credential.enc"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("credential file permissions = %o, want 0600", perm)
	}
}

func TestSubjectSurvivesCredentialRotation(t *testing.T) {
	v := newTestVault(t)

	first := &oauth.Token{AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := v.StoreCredential(first, SessionMeta{Subject: "operator-42"}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	// A refresh rotates the credential without carrying identity claims
	rotated := &oauth.Token{AccessToken: "at-2", ExpiresAt: time.Now().Add(time.Hour)}
	if err := v.StoreCredential(rotated, SessionMeta{}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	meta, err := v.LoadSessionMeta()
	if err != nil {
		t.Fatalf("LoadSessionMeta failed: %v", err)
	}
	if meta.Subject != "operator-42" {
		t.Errorf("subject = %q, want operator-42", meta.Subject)
	}
}

func TestUpdateSubject(t *testing.T) {
	v := newTestVault(t)

	if err := v.UpdateSubject("operator-42"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential without stored metadata, got %v", err)
	}

	token := &oauth.Token{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}
	if err := v.StoreCredential(token, SessionMeta{}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}
	if err := v.UpdateSubject("operator-42"); err != nil {
		t.Fatalf("UpdateSubject failed: %v", err)
	}

	meta, err := v.LoadSessionMeta()
	if err != nil {
		t.Fatalf("LoadSessionMeta failed: %v", err)
	}
	if meta.Subject != "operator-42" {
		t.Errorf("subject = %q, want operator-42", meta.Subject)
	}
}

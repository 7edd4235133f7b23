// Package vault provides at-rest encryption for the long-lived credential.
//
// The credential is serialized and sealed with AES-256-GCM under a key
// derived via PBKDF2-SHA256 from a per-device fingerprint. The fingerprint
// is computed from stable machine signals and is never stored or
// transmitted; each encryption uses a freshly random salt and nonce, so
// encrypting the same plaintext twice never yields the same blob. The blob
// carries its own salt and nonce, so decryption depends on nothing beyond
// the fingerprint.
//
// GCM's authentication tag turns any tampering with the stored blob into a
// decrypt failure rather than silently corrupted plaintext.
//
// The vault also owns the credential files in the state directory: the
// encrypted blob, the plaintext (non-sensitive) session metadata used by
// status displays, and a one-time migration of legacy plaintext credential
// files left behind by earlier releases.
package vault

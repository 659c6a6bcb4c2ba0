// Package keystore provides platform-backed secret storage for the owner
// credential, per-session private keys, remote-signer credentials, and
// feature flags.
//
// A real mobile build backs this with the OS keychain (iOS Keychain /
// Android Keystore) through PlatformBridge, which the mobile shell — out
// of scope for this core — is responsible for implementing.
// This package ships two concrete Stores usable without that bridge:
// MemoryStore for tests/dev, and PostgresStore for a durable backing store
// when running this core outside a real device (e.g. cmd/devhost).
package keystore

import (
	"context"
	"fmt"
)

// Namespace prefixes for persisted keys. The version suffix is part of
// the key; migrations write a new suffix and leave old data for rollback.
const (
	NSOwner        = "starkclaw.wallet.v1"
	NSSessionIndex = "starkclaw.session_keys.v1"
	NSSessionPKFmt = "starkclaw.session_pk.%s" // %s = session public key
	NSFeatureFlags = "starkclaw.feature_flags.v1"
	NSActivity     = "starkclaw.activity.v1"
	NSRemoteSigner = "starkclaw.remote_signer.v1"
	// NSPolicyWindow holds the daily rolling spend window the policy
	// evaluator accounts against — the same kind of small, process-wide
	// accounting blob as the feature-flags and session-index entries
	// above, so it lives in the same namespace.
	NSPolicyWindow = "starkclaw.policy_window.v1"
)

// SessionPKKey returns the namespaced key for a session's private key.
func SessionPKKey(publicKey string) string {
	return fmt.Sprintf(NSSessionPKFmt, publicKey)
}

// Store is the secure keystore contract. Get MUST NOT error on a missing
// key — it returns (nil, nil) — so callers can distinguish "not set" from
// a genuine I/O failure.
type Store interface {
	Get(ctx context.Context, key string) (*string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys returns all stored keys sharing the given namespace prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Reset wipes every namespaced key. Best-effort: individual failures
	// are swallowed once in-memory state has already been cleared.
	Reset(ctx context.Context) error
}

// PlatformBridge is the seam a mobile shell implements to back Store with
// the real OS keychain. No concrete implementation ships in this core —
// see the package doc comment.
type PlatformBridge interface {
	KeychainGet(service, account string) (string, bool, error)
	KeychainSet(service, account, value string) error
	KeychainDelete(service, account string) error
}

// Package sessionregistry manages the lifecycle of session-key credentials:
// local minting, on-chain registration/revocation, and the fail-closed
// on-chain validity check a preparer consults before ever handing a
// transaction to a session signer. Credentials are indexed in the keystore
// (internal/keystore) alongside their private keys, which are stored
// separately under a namespaced key so a credential listing never carries
// key material.
package sessionregistry

import (
	"time"

	"github.com/starkclaw/session-core/internal/felt"
)

// MaxAllowedTargets is the largest allowedContracts list a credential may
// carry locally. The on-chain account contract has no equivalent concept —
// see RegisterOnchain.
const MaxAllowedTargets = 4

// MinValidForSeconds is the shortest lifetime createLocal will mint.
const MinValidForSeconds = 60

// SessionCredential is the full local record of one session key. It carries
// no private key: that is fetched separately, on demand, from its own
// namespaced keystore entry (Registry.PrivateKeyFor).
type SessionCredential struct {
	PublicKey              felt.Felt   `json:"publicKey"`
	TokenSymbol            string      `json:"tokenSymbol"`
	TokenAddress           felt.Felt   `json:"tokenAddress"`
	SpendingLimitBaseUnits string      `json:"spendingLimitBaseUnits"`
	ValidAfter             int64       `json:"validAfter"`
	ValidUntil             int64       `json:"validUntil"`
	AllowedContracts       []felt.Felt `json:"allowedContracts"`
	CreatedAt              int64       `json:"createdAt"`
	RegisteredAt           *int64      `json:"registeredAt,omitempty"`
	RevokedAt              *int64      `json:"revokedAt,omitempty"`
	LastTxHash             *felt.Felt  `json:"lastTxHash,omitempty"`
}

// IsUsable reports whether the credential is locally usable right now —
// not revoked and within its local validity window. It does NOT consult
// the chain; callers that need the on-chain guarantee must call
// Registry.IsValidOnchain as well.
func (c SessionCredential) IsUsable(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	ts := now.Unix()
	return ts >= c.ValidAfter && ts < c.ValidUntil
}

// CreateLocalRequest is the input to Registry.CreateLocal.
type CreateLocalRequest struct {
	TokenSymbol            string
	TokenAddress           felt.Felt
	SpendingLimitBaseUnits string
	ValidForSeconds        int64
	AllowedContracts       []felt.Felt
}

// entrypointNames is the fixed selector set accepted by
// add_or_update_session_key.
var entrypointNames = []string{"transfer", "transferFrom", "swap", "execute"}

// Package signer implements the two signing variants the session authority
// core supports: a local curve signer holding a private key in process
// memory, and a remote keyring-proxy signer that delegates the scalar
// multiplication to an HMAC-authenticated enclave. Both conform to the
// shapes the on-chain account contract expects: owner transactions carry a
// 2-felt [r, s] signature, session-key __execute__ calls carry the 4-felt
// [session_pubkey, r, s, valid_until] signature, and session typed-data
// (registration/administration) carries the 5-felt
// [session_pubkey, r, s, mode, spec_version] signature. These are kept as
// distinct Go types on purpose — see OwnerSignature, SessionExecutionSignature,
// and SessionTypedDataSignature — so no call site can accidentally hand one
// shape to a consumer expecting the other.
//
// There is no production STARK-curve signing library in this module's
// dependency set; the local signers stand their cryptography up on
// github.com/ethereum/go-ethereum/crypto's secp256k1 implementation,
// re-skinned to felt-shaped inputs and outputs. See DESIGN.md for the
// rationale — this is a deliberate choice to reuse real, audited
// elliptic-curve code rather than author a bespoke implementation, not an
// endorsement that secp256k1 and the STARK curve are interchangeable in
// production.
package signer

import (
	"context"

	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/typeddata"
)

// signatureModeV2 and specVersion2 are the fixed trailing felts of every
// session typed-data signature under the strict v2 binding.
var (
	signatureModeV2 = felt.FromUint64(2)
	specVersion2    = felt.FromUint64(2)
)

// OwnerSignature is the 2-felt [r, s] signature the owner key produces over
// a transaction hash or a typed-data message hash.
type OwnerSignature struct {
	R felt.Felt
	S felt.Felt
}

// Felts returns the signature as the ordered felt array the account
// contract's __validate__ expects for owner-signed calls.
func (s OwnerSignature) Felts() []felt.Felt {
	return []felt.Felt{s.R, s.S}
}

// SessionExecutionSignature is the 4-felt signature presented on
// session-key __execute__ calls.
type SessionExecutionSignature struct {
	SessionPublicKey felt.Felt
	R                felt.Felt
	S                felt.Felt
	ValidUntil       felt.Felt
}

func (s SessionExecutionSignature) Felts() []felt.Felt {
	return []felt.Felt{s.SessionPublicKey, s.R, s.S, s.ValidUntil}
}

// SessionTypedDataSignature is the 5-felt signature presented alongside
// session typed-data (registration, revocation, emergency-revoke-all).
type SessionTypedDataSignature struct {
	SessionPublicKey felt.Felt
	R                felt.Felt
	S                felt.Felt
}

func (s SessionTypedDataSignature) Felts() []felt.Felt {
	return []felt.Felt{s.SessionPublicKey, s.R, s.S, signatureModeV2, specVersion2}
}

// OwnerSigner signs owner-authenticated operations: deploy-account,
// declare, and session administration (register/revoke/emergency-revoke).
// Deploy-account and declare transactions always route here, never to a
// SessionSigner.
type OwnerSigner interface {
	SignTransactionHash(ctx context.Context, hash felt.Felt) (OwnerSignature, error)
	SignTypedData(ctx context.Context, payload *typeddata.Payload) (OwnerSignature, error)
}

// ExecutionRequest describes one session-key __execute__ call awaiting a
// signature — the fields a signer (local or remote) needs to bind the
// signature to a specific nonce and expiry.
type ExecutionRequest struct {
	AccountAddress felt.Felt
	ChainID        felt.Felt
	Nonce          felt.Felt
	ValidUntil     felt.Felt
	Calls          []Call
	Context        RequestContext
}

// Call is a single contract call within a multicall execute transaction.
type Call struct {
	ContractAddress felt.Felt
	Entrypoint      string
	Calldata        []felt.Felt
}

// RequestContext carries request provenance forwarded to a remote signer
// for audit purposes; it is never used for authorization decisions.
type RequestContext struct {
	Requester      string
	Tool           string
	Reason         string
	ClientID       string
	MobileActionID string
}

// SessionSigner signs session-key transactions and their accompanying
// typed-data, strict v2 only: every typed-data signature includes the mode
// and spec-version felts; execution signatures end in valid_until instead.
type SessionSigner interface {
	SignExecution(ctx context.Context, req ExecutionRequest) (SessionExecutionSignature, error)
	SignTypedData(ctx context.Context, payload *typeddata.Payload, validUntil felt.Felt) (SessionTypedDataSignature, error)
}

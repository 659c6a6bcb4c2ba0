// Package typeddata builds SNIP-12 v2 typed-data payloads for session-key
// registration, revocation, and emergency revocation.
//
// Determinism is load-bearing here: the same logical input must byte-for-byte
// serialize identically every time, and changing only accountAddress must
// change the serialized payload.
// We get this by never serializing through a Go map — map iteration order
// is randomized and would silently reorder the "types" object across runs.
// Every piece of this payload is a struct with explicit, declared field
// order, which encoding/json always emits in declaration order regardless
// of field name.
//
// Strict v2 only: domain.version is always the literal "2". There is no
// code path, flag, or fallback that can produce "1" — the v1 construction
// logic this was ported from has been deleted, not gated.
package typeddata

import (
	"encoding/json"
	"fmt"

	"github.com/starkclaw/session-core/internal/felt"
)

const domainName = "Starkclaw"
const domainVersion = "2"

// MaxAllowedTargets is the number of allowed-contract slots in
// RegisterSessionKey; unused slots are filled with the canonical zero felt.
const MaxAllowedTargets = 4

// TypeField describes one field of a SNIP-12 type declaration.
type TypeField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Domain is the fixed SNIP-12 domain separator for this application.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainId           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// NewDomain builds the domain separator. verifyingContract is always the
// account address whose signature will be verified on-chain.
func NewDomain(chainID, verifyingContract felt.Felt) Domain {
	return Domain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           chainID.Hex(),
		VerifyingContract: verifyingContract.Hex(),
	}
}

// These field lists are declared once, in field order,
// and reused by every RegisterSessionKey payload — so two payloads that
// differ only in message content still share byte-identical type
// declarations.
var starknetDomainFields = []TypeField{
	{Name: "name", Type: "shortstring"},
	{Name: "version", Type: "shortstring"},
	{Name: "chainId", Type: "shortstring"},
	{Name: "verifyingContract", Type: "ContractAddress"},
}

var registerSessionKeyFields = []TypeField{
	{Name: "session_key", Type: "felt"},
	{Name: "valid_after", Type: "felt"},
	{Name: "valid_until", Type: "felt"},
	{Name: "spending_limit_low", Type: "felt"},
	{Name: "spending_limit_high", Type: "felt"},
	{Name: "spending_token", Type: "felt"},
	{Name: "allowed_contract_0", Type: "felt"},
	{Name: "allowed_contract_1", Type: "felt"},
	{Name: "allowed_contract_2", Type: "felt"},
	{Name: "allowed_contract_3", Type: "felt"},
}

var revokeSessionKeyFields = []TypeField{
	{Name: "session_key", Type: "felt"},
}

var emergencyRevokeAllFields = []TypeField{
	{Name: "nonce", Type: "felt"},
	{Name: "timestamp", Type: "felt"},
}

// RegisterSessionKeyTypes is the ordered "types" object for the
// RegisterSessionKey primary type.
type RegisterSessionKeyTypes struct {
	StarknetDomain     []TypeField `json:"StarknetDomain"`
	RegisterSessionKey []TypeField `json:"RegisterSessionKey"`
}

type RevokeSessionKeyTypes struct {
	StarknetDomain    []TypeField `json:"StarknetDomain"`
	RevokeSessionKey  []TypeField `json:"RevokeSessionKey"`
}

type EmergencyRevokeAllTypes struct {
	StarknetDomain     []TypeField `json:"StarknetDomain"`
	EmergencyRevokeAll []TypeField `json:"EmergencyRevokeAll"`
}

// RegisterSessionKeyMessage is the message body, fields in the exact order
// the on-chain verifier hashes them.
type RegisterSessionKeyMessage struct {
	SessionKey         string `json:"session_key"`
	ValidAfter         string `json:"valid_after"`
	ValidUntil         string `json:"valid_until"`
	SpendingLimitLow   string `json:"spending_limit_low"`
	SpendingLimitHigh  string `json:"spending_limit_high"`
	SpendingToken      string `json:"spending_token"`
	AllowedContract0   string `json:"allowed_contract_0"`
	AllowedContract1   string `json:"allowed_contract_1"`
	AllowedContract2   string `json:"allowed_contract_2"`
	AllowedContract3   string `json:"allowed_contract_3"`
}

type RevokeSessionKeyMessage struct {
	SessionKey string `json:"session_key"`
}

type EmergencyRevokeAllMessage struct {
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
}

// Payload is the full SNIP-12 envelope: types, primaryType, domain, message.
// Types and Message are kept as already-built structs (never maps) so
// json.Marshal emits fields in declaration order every time.
type Payload struct {
	Types       interface{} `json:"types"`
	PrimaryType string      `json:"primaryType"`
	Domain      Domain      `json:"domain"`
	Message     interface{} `json:"message"`
}

// RegisterSessionKeyInput is the caller-facing input to BuildRegisterSessionKey.
type RegisterSessionKeyInput struct {
	ChainID           felt.Felt
	AccountAddress    felt.Felt
	SessionKey        felt.Felt
	ValidAfter        int64
	ValidUntil        int64
	SpendingLimit     felt.U256
	SpendingToken     felt.Felt
	AllowedContracts  []felt.Felt // up to MaxAllowedTargets; empty = wildcard
}

// BuildRegisterSessionKey constructs the deterministic RegisterSessionKey
// typed-data payload. Unused contract slots are the canonical zero felt.
func BuildRegisterSessionKey(in RegisterSessionKeyInput) (*Payload, error) {
	if len(in.AllowedContracts) > MaxAllowedTargets {
		return nil, fmt.Errorf("typeddata: at most %d allowed contracts, got %d", MaxAllowedTargets, len(in.AllowedContracts))
	}

	slots := make([]felt.Felt, MaxAllowedTargets)
	for i := range slots {
		slots[i] = felt.Zero
	}
	for i, c := range in.AllowedContracts {
		slots[i] = c
	}

	msg := RegisterSessionKeyMessage{
		SessionKey:        in.SessionKey.Hex(),
		ValidAfter:        felt.FromUint64(uint64(in.ValidAfter)).Hex(),
		ValidUntil:        felt.FromUint64(uint64(in.ValidUntil)).Hex(),
		SpendingLimitLow:  in.SpendingLimit.Low.Hex(),
		SpendingLimitHigh: in.SpendingLimit.High.Hex(),
		SpendingToken:     in.SpendingToken.Hex(),
		AllowedContract0:  slots[0].Hex(),
		AllowedContract1:  slots[1].Hex(),
		AllowedContract2:  slots[2].Hex(),
		AllowedContract3:  slots[3].Hex(),
	}

	return &Payload{
		Types: RegisterSessionKeyTypes{
			StarknetDomain:     starknetDomainFields,
			RegisterSessionKey: registerSessionKeyFields,
		},
		PrimaryType: "RegisterSessionKey",
		Domain:      NewDomain(in.ChainID, in.AccountAddress),
		Message:     msg,
	}, nil
}

// BuildRevokeSessionKey constructs the RevokeSessionKey typed-data payload.
func BuildRevokeSessionKey(chainID, accountAddress, sessionKey felt.Felt) *Payload {
	return &Payload{
		Types: RevokeSessionKeyTypes{
			StarknetDomain:   starknetDomainFields,
			RevokeSessionKey: revokeSessionKeyFields,
		},
		PrimaryType: "RevokeSessionKey",
		Domain:      NewDomain(chainID, accountAddress),
		Message:     RevokeSessionKeyMessage{SessionKey: sessionKey.Hex()},
	}
}

// BuildEmergencyRevokeAll constructs the EmergencyRevokeAll typed-data payload.
func BuildEmergencyRevokeAll(chainID, accountAddress felt.Felt, nonce felt.Felt, timestamp int64) *Payload {
	return &Payload{
		Types: EmergencyRevokeAllTypes{
			StarknetDomain:     starknetDomainFields,
			EmergencyRevokeAll: emergencyRevokeAllFields,
		},
		PrimaryType: "EmergencyRevokeAll",
		Domain:      NewDomain(chainID, accountAddress),
		Message: EmergencyRevokeAllMessage{
			Nonce:     nonce.Hex(),
			Timestamp: felt.FromUint64(uint64(timestamp)).Hex(),
		},
	}
}

// Marshal serializes the payload to its canonical JSON bytes. Byte-equal
// across invocations for the same input — see package doc.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

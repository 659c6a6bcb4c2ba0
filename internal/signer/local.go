package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/metrics"
	"github.com/starkclaw/session-core/internal/typeddata"
)

// feltModulus is 2^252, the reduction modulus applied to raw secp256k1
// (r, s) scalars before they're packed into Felt — the felt type rejects
// anything at or above this value, and secp256k1's 256-bit order can
// exceed it.
var feltModulus = new(big.Int).Lsh(big.NewInt(1), 252)

// LocalOwnerSigner signs with an in-process owner private key. The key
// lives in process memory only for the duration of a signing call —
// callers should source it fresh from the keystore per call rather than
// holding a long-lived reference.
type LocalOwnerSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalOwnerSigner builds an owner signer from a raw private key felt.
func NewLocalOwnerSigner(privateKey felt.Felt) (*LocalOwnerSigner, error) {
	key, err := privateKeyFromFelt(privateKey)
	if err != nil {
		return nil, err
	}
	return &LocalOwnerSigner{key: key}, nil
}

func (s *LocalOwnerSigner) SignTransactionHash(_ context.Context, hash felt.Felt) (OwnerSignature, error) {
	sig, err := signFeltHash(s.key, hash)
	metrics.SignerOperationsTotal.WithLabelValues("owner", outcomeLabel(err)).Inc()
	if err != nil {
		return OwnerSignature{}, corerr.Wrap(corerr.CodeInternal, "failed to sign transaction hash", err)
	}
	return sig, nil
}

func (s *LocalOwnerSigner) SignTypedData(_ context.Context, payload *typeddata.Payload) (OwnerSignature, error) {
	hash, err := typedDataHash(payload)
	if err != nil {
		return OwnerSignature{}, corerr.Wrap(corerr.CodeInvalidInput, "failed to hash typed-data payload", err)
	}
	sig, err := signFeltHash(s.key, hash)
	metrics.SignerOperationsTotal.WithLabelValues("owner", outcomeLabel(err)).Inc()
	if err != nil {
		return OwnerSignature{}, corerr.Wrap(corerr.CodeInternal, "failed to sign typed-data payload", err)
	}
	return sig, nil
}

// LocalSessionSigner signs session-key transactions and typed-data with a
// session's own private key, strict v2 only.
type LocalSessionSigner struct {
	key       *ecdsa.PrivateKey
	publicKey felt.Felt
}

// NewLocalSessionSigner builds a session signer from a session's raw
// private key felt and its already-derived public key.
func NewLocalSessionSigner(privateKey, publicKey felt.Felt) (*LocalSessionSigner, error) {
	key, err := privateKeyFromFelt(privateKey)
	if err != nil {
		return nil, err
	}
	return &LocalSessionSigner{key: key, publicKey: publicKey}, nil
}

func (s *LocalSessionSigner) SignExecution(_ context.Context, req ExecutionRequest) (SessionExecutionSignature, error) {
	hash, err := executionHash(req)
	if err != nil {
		return SessionExecutionSignature{}, corerr.Wrap(corerr.CodeInvalidInput, "failed to hash execution request", err)
	}
	r, sv, err := signFeltHashRaw(s.key, hash)
	metrics.SignerOperationsTotal.WithLabelValues("session_local", outcomeLabel(err)).Inc()
	if err != nil {
		return SessionExecutionSignature{}, corerr.Wrap(corerr.CodeInternal, "failed to sign execution request", err)
	}
	return SessionExecutionSignature{
		SessionPublicKey: s.publicKey,
		R:                r,
		S:                sv,
		ValidUntil:       req.ValidUntil,
	}, nil
}

func (s *LocalSessionSigner) SignTypedData(_ context.Context, payload *typeddata.Payload, _ felt.Felt) (SessionTypedDataSignature, error) {
	hash, err := typedDataHash(payload)
	if err != nil {
		return SessionTypedDataSignature{}, corerr.Wrap(corerr.CodeInvalidInput, "failed to hash typed-data payload", err)
	}
	r, sv, err := signFeltHashRaw(s.key, hash)
	metrics.SignerOperationsTotal.WithLabelValues("session_local", outcomeLabel(err)).Inc()
	if err != nil {
		return SessionTypedDataSignature{}, corerr.Wrap(corerr.CodeInternal, "failed to sign typed-data payload", err)
	}
	return SessionTypedDataSignature{
		SessionPublicKey: s.publicKey,
		R:                r,
		S:                sv,
	}, nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func privateKeyFromFelt(f felt.Felt) (*ecdsa.PrivateKey, error) {
	b := f.BigInt().Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	key, err := gethcrypto.ToECDSA(padded)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "invalid private key", err)
	}
	return key, nil
}

// derivePublicKey computes the felt-shaped public key for a private key
// felt, used by the session registry when minting a new local session.
func derivePublicKey(privateKey felt.Felt) (felt.Felt, error) {
	key, err := privateKeyFromFelt(privateKey)
	if err != nil {
		return felt.Felt{}, err
	}
	pub := gethcrypto.FromECDSAPub(&key.PublicKey)
	hash := gethcrypto.Keccak256(pub[1:]) // drop the 0x04 uncompressed-point prefix
	return felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
}

// DerivePublicKey is the exported form of derivePublicKey, used by the
// session registry.
func DerivePublicKey(privateKey felt.Felt) (felt.Felt, error) {
	return derivePublicKey(privateKey)
}

func executionHash(req ExecutionRequest) (felt.Felt, error) {
	parts := fmt.Sprintf("execute|%s|%s|%s|%s", req.AccountAddress.Hex(), req.ChainID.Hex(), req.Nonce.Hex(), req.ValidUntil.Hex())
	for _, c := range req.Calls {
		parts += fmt.Sprintf("|%s|%s", c.ContractAddress.Hex(), c.Entrypoint)
		for _, d := range c.Calldata {
			parts += "|" + d.Hex()
		}
	}
	hash := gethcrypto.Keccak256([]byte(parts))
	v, err := felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
	return v, err
}

func typedDataHash(payload *typeddata.Payload) (felt.Felt, error) {
	body, err := payload.Marshal()
	if err != nil {
		return felt.Felt{}, err
	}
	hash := gethcrypto.Keccak256(body)
	return felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
}

func signFeltHash(key *ecdsa.PrivateKey, hash felt.Felt) (OwnerSignature, error) {
	r, s, err := signFeltHashRaw(key, hash)
	if err != nil {
		return OwnerSignature{}, err
	}
	return OwnerSignature{R: r, S: s}, nil
}

func signFeltHashRaw(key *ecdsa.PrivateKey, hash felt.Felt) (felt.Felt, felt.Felt, error) {
	digest := make([]byte, 32)
	hb := hash.BigInt().Bytes()
	copy(digest[32-len(hb):], hb)

	sig, err := gethcrypto.Sign(digest, key)
	if err != nil {
		return felt.Felt{}, felt.Felt{}, err
	}

	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	r.Mod(r, feltModulus)
	s.Mod(s, feltModulus)

	rf, err := felt.FromBigInt(r)
	if err != nil {
		return felt.Felt{}, felt.Felt{}, err
	}
	sf, err := felt.FromBigInt(s)
	if err != nil {
		return felt.Felt{}, felt.Felt{}, err
	}
	return rf, sf, nil
}

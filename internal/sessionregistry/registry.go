package sessionregistry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/metrics"
	"github.com/starkclaw/session-core/internal/signer"
)

// feltModulus mirrors internal/signer's secp256k1-as-stand-in reduction —
// entry-point selectors and freshly minted session private keys both need
// to land inside the felt range.
var feltModulus = new(big.Int).Lsh(big.NewInt(1), 252)

// OnchainClient is the subset of the account contract's session-key API the
// registry drives. A concrete implementation (internal/starkrpc) builds the
// invoke transaction, obtains the owner's signature over it, and submits it;
// the registry only ever sees the resulting transaction hash or a final
// on-chain answer.
type OnchainClient interface {
	AddOrUpdateSessionKey(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, sessionPublicKey, validUntil, maxCalls felt.Felt, allowedEntrypoints []felt.Felt) (felt.Felt, error)
	RevokeSessionKey(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, sessionPublicKey felt.Felt) (felt.Felt, error)
	EmergencyRevokeAll(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner) (felt.Felt, error)
	GetSessionData(ctx context.Context, accountAddress, sessionPublicKey felt.Felt) (validUntil, maxCalls, callsUsed felt.Felt, err error)
	// WaitForAcceptance blocks until txHash is accepted on-chain or the
	// confirmation window (60 attempts × 3s in the concrete client) runs
	// out. The registry persists the tx hash before calling this, so a
	// confirmation failure leaves a submitted-but-unconfirmed credential
	// rather than losing the hash.
	WaitForAcceptance(ctx context.Context, txHash felt.Felt) error
}

// Registry mints, registers, revokes, and validates session-key credentials.
// It is safe for concurrent use; a single mutex serializes index mutations
// since the keystore itself has no transaction support.
type Registry struct {
	mu      sync.Mutex
	store   keystore.Store
	onchain OnchainClient
}

// New builds a Registry backed by store for persistence and onchain for
// on-chain registration/revocation/validity calls.
func New(store keystore.Store, onchain OnchainClient) *Registry {
	return &Registry{store: store, onchain: onchain}
}

// ListSessionKeys returns every locally known credential, newest first.
func (r *Registry) ListSessionKeys(ctx context.Context) ([]SessionCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadIndex(ctx)
}

// CreateLocal mints a new session key entirely locally: a fresh private
// key, its derived public key, and an index entry. Nothing is registered
// on-chain by this call.
func (r *Registry) CreateLocal(ctx context.Context, req CreateLocalRequest) (SessionCredential, error) {
	if req.ValidForSeconds < MinValidForSeconds {
		return SessionCredential{}, corerr.New(corerr.CodeInvalidInput, "validForSeconds must be at least 60")
	}
	if len(req.AllowedContracts) > MaxAllowedTargets {
		return SessionCredential{}, corerr.New(corerr.CodeInvalidInput, "at most 4 allowed contracts")
	}
	limit, ok := new(big.Int).SetString(req.SpendingLimitBaseUnits, 10)
	if !ok || limit.Sign() < 0 {
		return SessionCredential{}, corerr.New(corerr.CodeInvalidInput, "spendingLimitBaseUnits must be a non-negative integer")
	}

	privateKey, err := randomSessionPrivateKey()
	if err != nil {
		return SessionCredential{}, corerr.Wrap(corerr.CodeInternal, "failed to generate session private key", err)
	}
	publicKey, err := signer.DerivePublicKey(privateKey)
	if err != nil {
		return SessionCredential{}, corerr.Wrap(corerr.CodeInternal, "failed to derive session public key", err)
	}

	now := time.Now()
	cred := SessionCredential{
		PublicKey:              publicKey,
		TokenSymbol:            req.TokenSymbol,
		TokenAddress:           req.TokenAddress,
		SpendingLimitBaseUnits: req.SpendingLimitBaseUnits,
		ValidAfter:             now.Unix(),
		ValidUntil:             now.Unix() + req.ValidForSeconds,
		AllowedContracts:       req.AllowedContracts,
		CreatedAt:              now.Unix(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	index, err := r.loadIndex(ctx)
	if err != nil {
		return SessionCredential{}, err
	}

	if err := r.store.Set(ctx, keystore.SessionPKKey(publicKey.Hex()), privateKey.Hex()); err != nil {
		return SessionCredential{}, corerr.Wrap(corerr.CodeInternal, "failed to persist session private key", err)
	}
	index = append(index, cred)
	if err := r.saveIndex(ctx, index); err != nil {
		_ = r.store.Delete(ctx, keystore.SessionPKKey(publicKey.Hex()))
		return SessionCredential{}, err
	}

	metrics.ActiveSessionKeys.Inc()
	return cred, nil
}

// RegisterOnchain registers an already-minted local credential with the
// account contract. A non-empty allowedContracts list is
// rejected here: the on-chain API has no per-contract restriction concept,
// so accepting one would silently under-enforce what the caller asked for.
func (r *Registry) RegisterOnchain(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, publicKey felt.Felt) (SessionCredential, error) {
	r.mu.Lock()
	index, err := r.loadIndex(ctx)
	if err != nil {
		r.mu.Unlock()
		return SessionCredential{}, err
	}
	_, cred, err := findByPublicKey(index, publicKey)
	r.mu.Unlock()
	if err != nil {
		return SessionCredential{}, err
	}
	if len(cred.AllowedContracts) > 0 {
		return SessionCredential{}, corerr.New(corerr.CodeOnchainInvalid,
			"the on-chain session-key API does not enforce per-contract restrictions; allowedContracts is local-only and must be empty to register").
			WithHint("clear allowedContracts, or filter targets client-side during intent preparation")
	}

	allowedEntrypoints := make([]felt.Felt, len(entrypointNames))
	for i, name := range entrypointNames {
		allowedEntrypoints[i] = entrypointSelector(name)
	}
	maxCalls := felt.FromUint64(1 << 32) // unbounded in practice; chain enforces validUntil

	// The index mutex is NOT held across the submit or the confirmation
	// wait — serializing concurrent owner-signed writes is the caller's
	// job, and reads must stay cheap while a registration confirms.
	txHash, err := r.onchain.AddOrUpdateSessionKey(ctx, accountAddress, owner, publicKey, felt.FromUint64(uint64(cred.ValidUntil)), maxCalls, allowedEntrypoints)
	if err != nil {
		return SessionCredential{}, corerr.Wrap(corerr.CodeRPCError, "failed to register session key on-chain", err)
	}

	// Tx-hash persistence happens before awaiting confirmation: a crash
	// or confirmation failure must not lose the hash.
	cred, err = r.mutateCredential(ctx, publicKey, func(c *SessionCredential) {
		c.LastTxHash = &txHash
	})
	if err != nil {
		return SessionCredential{}, err
	}

	if err := r.onchain.WaitForAcceptance(ctx, txHash); err != nil {
		return cred, corerr.Wrap(corerr.CodeRPCError, "session key registration was submitted but is not yet confirmed", err).
			WithHint("the transaction may still confirm; check its status in the activity log")
	}

	now := time.Now().Unix()
	return r.mutateCredential(ctx, publicKey, func(c *SessionCredential) {
		c.RegisteredAt = &now
	})
}

// RevokeOnchain revokes a single session key on-chain and, on confirmation
// of submission, deletes its private key and marks it revoked locally.
func (r *Registry) RevokeOnchain(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, publicKey felt.Felt) (SessionCredential, error) {
	r.mu.Lock()
	index, err := r.loadIndex(ctx)
	if err != nil {
		r.mu.Unlock()
		return SessionCredential{}, err
	}
	_, _, err = findByPublicKey(index, publicKey)
	r.mu.Unlock()
	if err != nil {
		return SessionCredential{}, err
	}

	txHash, err := r.onchain.RevokeSessionKey(ctx, accountAddress, owner, publicKey)
	if err != nil {
		return SessionCredential{}, corerr.Wrap(corerr.CodeRPCError, "failed to revoke session key on-chain", err)
	}

	// Persist the hash first; the credential only flips to revoked (and
	// its private key is only wiped) once the chain confirms. Until then
	// it is submitted-but-unconfirmed.
	cred, err := r.mutateCredential(ctx, publicKey, func(c *SessionCredential) {
		c.LastTxHash = &txHash
	})
	if err != nil {
		return SessionCredential{}, err
	}

	if err := r.onchain.WaitForAcceptance(ctx, txHash); err != nil {
		return cred, corerr.Wrap(corerr.CodeRPCError, "session key revocation was submitted but is not yet confirmed", err).
			WithHint("the transaction may still confirm; check its status in the activity log")
	}

	now := time.Now().Unix()
	cred, err = r.mutateCredential(ctx, publicKey, func(c *SessionCredential) {
		c.RevokedAt = &now
	})
	if err != nil {
		return SessionCredential{}, err
	}
	if err := r.store.Delete(ctx, keystore.SessionPKKey(publicKey.Hex())); err != nil {
		return SessionCredential{}, corerr.Wrap(corerr.CodeInternal, "session revoked on-chain but failed to wipe local private key", err)
	}
	metrics.ActiveSessionKeys.Dec()
	return cred, nil
}

// EmergencyRevokeAllOnchain revokes every session key in a single
// emergency_revoke_all call and, on confirmation, marks all credentials
// revoked and wipes every stored private key.
func (r *Registry) EmergencyRevokeAllOnchain(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner) ([]SessionCredential, error) {
	txHash, err := r.onchain.EmergencyRevokeAll(ctx, accountAddress, owner)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeRPCError, "failed to emergency-revoke all session keys on-chain", err)
	}

	index, err := r.mutateAll(ctx, func(c *SessionCredential) {
		if c.RevokedAt == nil {
			c.LastTxHash = &txHash
		}
	})
	if err != nil {
		return nil, err
	}

	if err := r.onchain.WaitForAcceptance(ctx, txHash); err != nil {
		return index, corerr.Wrap(corerr.CodeRPCError, "emergency revocation was submitted but is not yet confirmed", err).
			WithHint("the transaction may still confirm; check its status in the activity log")
	}

	now := time.Now().Unix()
	index, err = r.mutateAll(ctx, func(c *SessionCredential) {
		if c.RevokedAt == nil {
			c.RevokedAt = &now
			_ = r.store.Delete(ctx, keystore.SessionPKKey(c.PublicKey.Hex()))
			metrics.ActiveSessionKeys.Dec()
		}
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}

// mutateCredential applies fn to the credential with publicKey under the
// index mutex and persists the result, returning the updated credential.
func (r *Registry) mutateCredential(ctx context.Context, publicKey felt.Felt, fn func(*SessionCredential)) (SessionCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, err := r.loadIndex(ctx)
	if err != nil {
		return SessionCredential{}, err
	}
	idx, cred, err := findByPublicKey(index, publicKey)
	if err != nil {
		return SessionCredential{}, err
	}
	fn(&cred)
	index[idx] = cred
	if err := r.saveIndex(ctx, index); err != nil {
		return SessionCredential{}, err
	}
	return cred, nil
}

// mutateAll applies fn to every credential under the index mutex and
// persists the result, returning the updated index.
func (r *Registry) mutateAll(ctx context.Context, fn func(*SessionCredential)) ([]SessionCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	for i := range index {
		fn(&index[i])
	}
	if err := r.saveIndex(ctx, index); err != nil {
		return nil, err
	}
	return index, nil
}

// IsValidOnchain reports whether a session key is currently usable per the
// chain's own bookkeeping. Any RPC failure yields false: this check is
// fail-closed by design.
func (r *Registry) IsValidOnchain(ctx context.Context, accountAddress, publicKey felt.Felt) bool {
	validUntil, maxCalls, callsUsed, err := r.onchain.GetSessionData(ctx, accountAddress, publicKey)
	if err != nil {
		return false
	}
	now := felt.FromUint64(uint64(time.Now().Unix()))
	return validUntil.Cmp(now) > 0 && callsUsed.Cmp(maxCalls) < 0
}

// PrivateKeyFor fetches a session's private key from its namespaced
// keystore entry. Returns corerr.CodeSessionNotFound if it has been wiped
// (revoked or never minted locally).
func (r *Registry) PrivateKeyFor(ctx context.Context, publicKey felt.Felt) (felt.Felt, error) {
	raw, err := r.store.Get(ctx, keystore.SessionPKKey(publicKey.Hex()))
	if err != nil {
		return felt.Felt{}, corerr.Wrap(corerr.CodeInternal, "failed to read session private key", err)
	}
	if raw == nil {
		return felt.Felt{}, corerr.New(corerr.CodeSessionNotFound, "no private key stored for this session public key")
	}
	return felt.FromHex(*raw)
}

func (r *Registry) loadIndex(ctx context.Context) ([]SessionCredential, error) {
	raw, err := r.store.Get(ctx, keystore.NSSessionIndex)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to read session key index", err)
	}
	if raw == nil {
		return nil, nil
	}
	var index []SessionCredential
	if err := json.Unmarshal([]byte(*raw), &index); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "session key index is corrupt", err)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].CreatedAt > index[j].CreatedAt })
	return index, nil
}

func (r *Registry) saveIndex(ctx context.Context, index []SessionCredential) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to encode session key index", err)
	}
	if err := r.store.Set(ctx, keystore.NSSessionIndex, string(raw)); err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to persist session key index", err)
	}
	return nil
}

func findByPublicKey(index []SessionCredential, publicKey felt.Felt) (int, SessionCredential, error) {
	for i, c := range index {
		if c.PublicKey.Cmp(publicKey) == 0 {
			return i, c, nil
		}
	}
	return -1, SessionCredential{}, corerr.New(corerr.CodeSessionNotFound, "no session credential with that public key")
}

func randomSessionPrivateKey() (felt.Felt, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return felt.Felt{}, err
	}
	v := new(big.Int).Mod(new(big.Int).SetBytes(b), feltModulus)
	if v.Sign() == 0 {
		v = big.NewInt(1)
	}
	return felt.FromBigInt(v)
}

// entrypointSelector hashes an entrypoint name to its stand-in selector
// felt, mirroring internal/signer's secp256k1-Keccak reuse since no
// Starknet-native selector hash is available in this module's dependency
// set (see DESIGN.md).
func entrypointSelector(name string) felt.Felt {
	hash := gethcrypto.Keccak256([]byte(name))
	v, _ := felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
	return v
}

// Package wallet manages the device's owner credential: the single
// account whose key authorizes session administration (register, revoke,
// emergency-revoke) and owner-signed transactions. Created once per
// device, persisted in the secure keystore, destroyed only by explicit
// reset.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/signer"
	"github.com/starkclaw/session-core/internal/token"
)

var feltModulus = new(big.Int).Lsh(big.NewInt(1), 252)

// OwnerCredential is the device's owner account record.
// PrivateKey is secret; callers that only display account information
// should use the Public view.
type OwnerCredential struct {
	PrivateKey     felt.Felt       `json:"privateKey"`
	PublicKey      felt.Felt       `json:"publicKey"`
	AccountAddress felt.Felt       `json:"accountAddress"`
	ClassHash      felt.Felt       `json:"classHash"`
	NetworkID      token.NetworkID `json:"networkId"`
}

// Public is the owner credential with the private key stripped, safe to
// hand to a UI surface.
type Public struct {
	PublicKey      felt.Felt       `json:"publicKey"`
	AccountAddress felt.Felt       `json:"accountAddress"`
	ClassHash      felt.Felt       `json:"classHash"`
	NetworkID      token.NetworkID `json:"networkId"`
}

// Public returns the shareable view of the credential.
func (c OwnerCredential) Public() Public {
	return Public{
		PublicKey:      c.PublicKey,
		AccountAddress: c.AccountAddress,
		ClassHash:      c.ClassHash,
		NetworkID:      c.NetworkID,
	}
}

// Manager loads and persists the owner credential through the keystore.
type Manager struct {
	store keystore.Store
}

// NewManager builds a Manager backed by store.
func NewManager(store keystore.Store) *Manager {
	return &Manager{store: store}
}

// Load returns the stored owner credential, or (nil, nil) if the device
// has not been onboarded yet.
func (m *Manager) Load(ctx context.Context) (*OwnerCredential, error) {
	raw, err := m.store.Get(ctx, keystore.NSOwner)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to read owner credential", err)
	}
	if raw == nil {
		return nil, nil
	}
	var cred OwnerCredential
	if err := json.Unmarshal([]byte(*raw), &cred); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "owner credential is corrupt", err)
	}
	return &cred, nil
}

// CreateOnce generates and persists a fresh owner credential if none
// exists yet, and returns the stored one otherwise. accountAddress and
// classHash come from the account deployment flow, which is driven by the
// mobile shell; this core only records them.
func (m *Manager) CreateOnce(ctx context.Context, accountAddress, classHash felt.Felt, network token.NetworkID) (*OwnerCredential, error) {
	existing, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	privateKey, err := randomPrivateKey()
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to generate owner private key", err)
	}
	publicKey, err := signer.DerivePublicKey(privateKey)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to derive owner public key", err)
	}

	cred := OwnerCredential{
		PrivateKey:     privateKey,
		PublicKey:      publicKey,
		AccountAddress: accountAddress,
		ClassHash:      classHash,
		NetworkID:      network,
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to encode owner credential", err)
	}
	if err := m.store.Set(ctx, keystore.NSOwner, string(raw)); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to persist owner credential", err)
	}
	return &cred, nil
}

// Signer returns an owner signer over the stored credential. Fails if the
// device has no owner credential yet.
func (m *Manager) Signer(ctx context.Context) (signer.OwnerSigner, error) {
	cred, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, corerr.New(corerr.CodeSessionNotFound, "this device has no owner credential yet").
			WithHint("complete onboarding before signing owner transactions")
	}
	return signer.NewLocalOwnerSigner(cred.PrivateKey)
}

// Reset destroys the owner credential. Explicit reset is the only path
// that removes it.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.store.Delete(ctx, keystore.NSOwner); err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to delete owner credential", err)
	}
	return nil
}

func randomPrivateKey() (felt.Felt, error) {
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

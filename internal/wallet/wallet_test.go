package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/token"
)

func TestCreateOnce_GeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemoryStore()
	m := NewManager(store)

	cred, err := m.CreateOnce(ctx, felt.MustFromHex("0xabc"), felt.MustFromHex("0xdef"), token.Sepolia)
	require.NoError(t, err)
	require.False(t, cred.PrivateKey.IsZero())
	require.False(t, cred.PublicKey.IsZero())
	require.Equal(t, token.Sepolia, cred.NetworkID)

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, 0, loaded.PrivateKey.Cmp(cred.PrivateKey))
}

func TestCreateOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(keystore.NewMemoryStore())

	first, err := m.CreateOnce(ctx, felt.MustFromHex("0xabc"), felt.MustFromHex("0xdef"), token.Sepolia)
	require.NoError(t, err)

	second, err := m.CreateOnce(ctx, felt.MustFromHex("0x999"), felt.MustFromHex("0x888"), token.Mainnet)
	require.NoError(t, err)

	// The second call must return the existing credential, not mint a new one.
	require.Equal(t, 0, second.PrivateKey.Cmp(first.PrivateKey))
	require.Equal(t, token.Sepolia, second.NetworkID)
}

func TestLoad_MissingReturnsNil(t *testing.T) {
	m := NewManager(keystore.NewMemoryStore())
	cred, err := m.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, cred)
}

func TestSigner_RequiresCredential(t *testing.T) {
	m := NewManager(keystore.NewMemoryStore())
	_, err := m.Signer(context.Background())
	require.Error(t, err)
}

func TestReset_RemovesCredential(t *testing.T) {
	ctx := context.Background()
	m := NewManager(keystore.NewMemoryStore())

	_, err := m.CreateOnce(ctx, felt.MustFromHex("0xabc"), felt.MustFromHex("0xdef"), token.Sepolia)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))

	cred, err := m.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, cred)
}

func TestPublic_StripsPrivateKey(t *testing.T) {
	cred := OwnerCredential{
		PrivateKey:     felt.MustFromHex("0x1"),
		PublicKey:      felt.MustFromHex("0x2"),
		AccountAddress: felt.MustFromHex("0x3"),
		ClassHash:      felt.MustFromHex("0x4"),
		NetworkID:      token.Sepolia,
	}
	pub := cred.Public()
	require.Equal(t, 0, pub.PublicKey.Cmp(cred.PublicKey))
	require.Equal(t, 0, pub.AccountAddress.Cmp(cred.AccountAddress))
}

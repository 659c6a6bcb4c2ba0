package sessionregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/signer"
)

type fakeOnchainClient struct {
	registerCalls int
	revokeCalls   int
	emergencyCalls int
	waitCalls     int
	waitErr       error
	sessionData   map[string]struct {
		validUntil, maxCalls, callsUsed felt.Felt
	}
	nextTxHash felt.Felt
}

func newFakeOnchainClient() *fakeOnchainClient {
	return &fakeOnchainClient{
		sessionData: make(map[string]struct {
			validUntil, maxCalls, callsUsed felt.Felt
		}),
		nextTxHash: felt.FromUint64(1),
	}
}

func (f *fakeOnchainClient) AddOrUpdateSessionKey(_ context.Context, _ felt.Felt, _ signer.OwnerSigner, sessionPublicKey, validUntil, maxCalls felt.Felt, _ []felt.Felt) (felt.Felt, error) {
	f.registerCalls++
	f.sessionData[sessionPublicKey.Hex()] = struct {
		validUntil, maxCalls, callsUsed felt.Felt
	}{validUntil: validUntil, maxCalls: maxCalls, callsUsed: felt.Zero}
	return f.nextTxHash, nil
}

func (f *fakeOnchainClient) RevokeSessionKey(_ context.Context, _ felt.Felt, _ signer.OwnerSigner, sessionPublicKey felt.Felt) (felt.Felt, error) {
	f.revokeCalls++
	delete(f.sessionData, sessionPublicKey.Hex())
	return f.nextTxHash, nil
}

func (f *fakeOnchainClient) EmergencyRevokeAll(_ context.Context, _ felt.Felt, _ signer.OwnerSigner) (felt.Felt, error) {
	f.emergencyCalls++
	f.sessionData = make(map[string]struct {
		validUntil, maxCalls, callsUsed felt.Felt
	})
	return f.nextTxHash, nil
}

func (f *fakeOnchainClient) WaitForAcceptance(_ context.Context, _ felt.Felt) error {
	f.waitCalls++
	return f.waitErr
}

func (f *fakeOnchainClient) GetSessionData(_ context.Context, _, sessionPublicKey felt.Felt) (felt.Felt, felt.Felt, felt.Felt, error) {
	d, ok := f.sessionData[sessionPublicKey.Hex()]
	if !ok {
		return felt.Felt{}, felt.Felt{}, felt.Felt{}, corerr.New(corerr.CodeOnchainInvalid, "unknown session public key")
	}
	return d.validUntil, d.maxCalls, d.callsUsed, nil
}

func newTestRegistry() (*Registry, *fakeOnchainClient) {
	onchain := newFakeOnchainClient()
	return New(keystore.NewMemoryStore(), onchain), onchain
}

func TestCreateLocal_PersistsIndexAndPrivateKey(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	cred, err := reg.CreateLocal(ctx, CreateLocalRequest{
		TokenSymbol:            "USDC",
		SpendingLimitBaseUnits: "1000000",
		ValidForSeconds:        3600,
	})
	require.NoError(t, err)
	assert.False(t, cred.PublicKey.IsZero())

	list, err := reg.ListSessionKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].PublicKey.Cmp(cred.PublicKey))

	priv, err := reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
	assert.False(t, priv.IsZero())
}

func TestCreateLocal_RejectsShortValidity(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.CreateLocal(context.Background(), CreateLocalRequest{
		SpendingLimitBaseUnits: "0",
		ValidForSeconds:        59,
	})
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeInvalidInput, coreErr.Code)
}

func TestCreateLocal_RejectsNegativeSpendingLimit(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.CreateLocal(context.Background(), CreateLocalRequest{
		SpendingLimitBaseUnits: "-5",
		ValidForSeconds:        120,
	})
	require.Error(t, err)
}

func TestCreateLocal_RevokedKeysNeverBlockCreation(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	// Revoked credentials stay in the index for history; minting must
	// keep working no matter how many lifetime creations preceded it.
	owner, err := signer.NewLocalOwnerSigner(felt.FromUint64(0x1234))
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		cred, err := reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
		require.NoError(t, err)
		_, err = reg.RevokeOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
		require.NoError(t, err)
	}

	_, err = reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
	require.NoError(t, err)
}

func TestRegisterOnchain_RejectsNonEmptyAllowedContracts(t *testing.T) {
	reg, onchain := newTestRegistry()
	ctx := context.Background()

	cred, err := reg.CreateLocal(ctx, CreateLocalRequest{
		SpendingLimitBaseUnits: "0",
		ValidForSeconds:        120,
		AllowedContracts:       []felt.Felt{felt.FromUint64(99)},
	})
	require.NoError(t, err)

	priv, err := reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
	owner, err := signer.NewLocalOwnerSigner(priv)
	require.NoError(t, err)

	_, err = reg.RegisterOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeOnchainInvalid, coreErr.Code)
	assert.Equal(t, 0, onchain.registerCalls, "the on-chain call must never fire when rejected locally")
}

func TestRegisterOnchain_SucceedsWithEmptyAllowedContracts(t *testing.T) {
	reg, onchain := newTestRegistry()
	ctx := context.Background()

	cred, err := reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
	require.NoError(t, err)

	priv, err := reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
	owner, err := signer.NewLocalOwnerSigner(priv)
	require.NoError(t, err)

	updated, err := reg.RegisterOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
	require.NoError(t, err)
	assert.NotNil(t, updated.RegisteredAt)
	assert.Equal(t, 1, onchain.registerCalls)

	assert.True(t, reg.IsValidOnchain(ctx, felt.FromUint64(1), cred.PublicKey))
}

func TestIsValidOnchain_FailsClosedOnRPCError(t *testing.T) {
	reg, _ := newTestRegistry()
	ok := reg.IsValidOnchain(context.Background(), felt.FromUint64(1), felt.FromUint64(0xdead))
	assert.False(t, ok, "an unknown/failed on-chain lookup must fail closed")
}

func TestRevokeOnchain_WipesPrivateKey(t *testing.T) {
	reg, onchain := newTestRegistry()
	ctx := context.Background()

	cred, err := reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
	require.NoError(t, err)
	priv, err := reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
	owner, err := signer.NewLocalOwnerSigner(priv)
	require.NoError(t, err)

	_, err = reg.RegisterOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
	require.NoError(t, err)

	revoked, err := reg.RevokeOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, 1, onchain.revokeCalls)

	_, err = reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSessionNotFound, coreErr.Code)
}

func TestRevokeOnchain_UnconfirmedLeavesCredentialUsable(t *testing.T) {
	reg, onchain := newTestRegistry()
	ctx := context.Background()

	cred, err := reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
	require.NoError(t, err)
	priv, err := reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
	owner, err := signer.NewLocalOwnerSigner(priv)
	require.NoError(t, err)

	onchain.waitErr = corerr.New(corerr.CodeTransportTimeout, "transaction was not confirmed within the wait window")

	_, err = reg.RevokeOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
	require.Error(t, err)

	// Submitted-but-unconfirmed: the tx hash is persisted, but the
	// credential is not marked revoked and the private key survives.
	list, err := reg.ListSessionKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].LastTxHash)
	assert.Nil(t, list[0].RevokedAt)

	_, err = reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
}

func TestRegisterOnchain_PersistsTxHashBeforeConfirmation(t *testing.T) {
	reg, onchain := newTestRegistry()
	ctx := context.Background()

	cred, err := reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
	require.NoError(t, err)
	priv, err := reg.PrivateKeyFor(ctx, cred.PublicKey)
	require.NoError(t, err)
	owner, err := signer.NewLocalOwnerSigner(priv)
	require.NoError(t, err)

	onchain.waitErr = corerr.New(corerr.CodeTransportTimeout, "transaction was not confirmed within the wait window")

	_, err = reg.RegisterOnchain(ctx, felt.FromUint64(1), owner, cred.PublicKey)
	require.Error(t, err)
	assert.Equal(t, 1, onchain.waitCalls)

	list, err := reg.ListSessionKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].LastTxHash, "tx hash must persist even when confirmation fails")
	assert.Nil(t, list[0].RegisteredAt, "unconfirmed registration must not be marked registered")
}

func TestEmergencyRevokeAllOnchain_RevokesEverySessionAndWipesKeys(t *testing.T) {
	reg, onchain := newTestRegistry()
	ctx := context.Background()

	var creds []SessionCredential
	for i := 0; i < 3; i++ {
		c, err := reg.CreateLocal(ctx, CreateLocalRequest{SpendingLimitBaseUnits: "0", ValidForSeconds: 120})
		require.NoError(t, err)
		creds = append(creds, c)
	}
	priv, err := reg.PrivateKeyFor(ctx, creds[0].PublicKey)
	require.NoError(t, err)
	owner, err := signer.NewLocalOwnerSigner(priv)
	require.NoError(t, err)

	revoked, err := reg.EmergencyRevokeAllOnchain(ctx, felt.FromUint64(1), owner)
	require.NoError(t, err)
	require.Len(t, revoked, 3)
	assert.Equal(t, 1, onchain.emergencyCalls)

	for _, c := range creds {
		assert.NotNil(t, c)
		_, err := reg.PrivateKeyFor(ctx, c.PublicKey)
		require.Error(t, err)
	}
}

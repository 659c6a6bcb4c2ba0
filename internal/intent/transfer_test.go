package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/policyeval"
	"github.com/starkclaw/session-core/internal/sessionregistry"
	"github.com/starkclaw/session-core/internal/signer"
	"github.com/starkclaw/session-core/internal/starkrpc"
	"github.com/starkclaw/session-core/internal/token"
)

// fakeRegistry serves a fixed credential list.
type fakeRegistry struct {
	creds []sessionregistry.SessionCredential
	err   error
}

func (f *fakeRegistry) ListSessionKeys(_ context.Context) ([]sessionregistry.SessionCredential, error) {
	return f.creds, f.err
}

// fakeRPC answers balance reads and records submissions.
type fakeRPC struct {
	balance   felt.U256
	callErr   error
	submitted []starkrpc.Call
	signature []felt.Felt
	txHash    felt.Felt
}

func (f *fakeRPC) Call(_ context.Context, _ felt.Felt, entrypoint string, _ []felt.Felt) ([]felt.Felt, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if entrypoint != "balanceOf" {
		return nil, errors.New("unexpected entrypoint " + entrypoint)
	}
	return []felt.Felt{f.balance.Low, f.balance.High}, nil
}

func (f *fakeRPC) ChainID(_ context.Context) (felt.Felt, error) {
	return felt.MustFromHex("0x534e5f5345504f4c4941"), nil
}

func (f *fakeRPC) GetNonce(_ context.Context, _ felt.Felt) (felt.Felt, error) {
	return felt.FromUint64(7), nil
}

func (f *fakeRPC) SubmitSessionExecution(_ context.Context, _ felt.Felt, calls []starkrpc.Call, _ felt.Felt, signature []felt.Felt) (felt.Felt, error) {
	f.submitted = calls
	f.signature = signature
	if f.txHash.IsZero() {
		f.txHash = felt.MustFromHex("0xfeed")
	}
	return f.txHash, nil
}

func usableSession(t *testing.T, tokenSymbol, limit string) (sessionregistry.SessionCredential, felt.Felt) {
	t.Helper()
	privateKey := felt.MustFromHex("0x1234abcd")
	publicKey, err := signer.DerivePublicKey(privateKey)
	require.NoError(t, err)

	now := time.Now().Unix()
	return sessionregistry.SessionCredential{
		PublicKey:              publicKey,
		TokenSymbol:            tokenSymbol,
		TokenAddress:           felt.MustFromHex("0x053c91253bc9682c04929ca02ed00b3e423f6710d2ee7e0d5ebb06f3ecf368a8"),
		SpendingLimitBaseUnits: limit,
		ValidAfter:             now - 10,
		ValidUntil:             now + 3600,
		CreatedAt:              now - 10,
	}, privateKey
}

func newTestPreparer(reg *fakeRegistry, rpc *fakeRPC) (*Preparer, *activity.Log) {
	store := keystore.NewMemoryStore()
	log := activity.New(store)
	return New(reg, policyeval.New(store), rpc, log), log
}

func openPolicy() policyeval.Policy {
	return policyeval.Policy{ContractAllowlistMode: policyeval.ModeOpen}
}

func TestPrepareTransfer_Success(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000") // 10 USDC
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	rpc := &fakeRPC{balance: felt.U256{Low: felt.MustFromHex("0x5f5e100"), High: felt.Zero}} // 100 USDC
	p, _ := newTestPreparer(reg, rpc)

	action, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "1",
		To:          felt.MustFromHex("0x0123cdef"),
		AmountUSD:   1,
		Policy:      openPolicy(),
	})
	require.NoError(t, err)

	require.Equal(t, KindERC20Transfer, action.Kind)
	require.Equal(t, "1000000", action.AmountBaseUnits)
	require.Len(t, action.Calldata, 3)
	require.Equal(t, "0x123cdef", action.Calldata[0].Hex())
	require.Equal(t, "0xf4240", action.Calldata[1].Hex())
	require.Equal(t, "0x0", action.Calldata[2].Hex())
	require.Equal(t, 0, action.SessionPublicKey.Cmp(cred.PublicKey))
	require.Equal(t, "10000000", action.Policy.SpendingLimitBaseUnits)
	require.Empty(t, action.Warnings)
}

func TestPrepareTransfer_SpendLimitDenied(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000")
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	rpc := &fakeRPC{balance: felt.U256{Low: felt.MustFromHex("0x5f5e100"), High: felt.Zero}}
	p, _ := newTestPreparer(reg, rpc)

	_, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "15",
		To:          felt.MustFromHex("0x0123cdef"),
		AmountUSD:   15,
		Policy:      openPolicy(),
	})
	require.Error(t, err)

	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodePolicyDenied, ce.Code)
	require.Contains(t, ce.Message, "spend limit")
}

func TestPrepareTransfer_EmergencyLockdown(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000")
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	// No balance configured: lockdown must deny before any RPC call.
	rpc := &fakeRPC{callErr: errors.New("rpc must not be reached")}
	p, _ := newTestPreparer(reg, rpc)

	policy := openPolicy()
	policy.EmergencyLockdown = true

	_, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "1",
		To:          felt.MustFromHex("0x0123cdef"),
		AmountUSD:   1,
		Policy:      policy,
	})
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodeEmergencyLockdown, ce.Code)
}

func TestPrepareTransfer_InsufficientBalanceWarns(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000")
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	rpc := &fakeRPC{balance: felt.U256{Low: felt.FromUint64(500), High: felt.Zero}}
	p, _ := newTestPreparer(reg, rpc)

	action, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "1",
		To:          felt.MustFromHex("0x0123cdef"),
		AmountUSD:   1,
		Policy:      openPolicy(),
	})
	require.NoError(t, err, "a short balance warns, it does not fail")
	require.NotEmpty(t, action.Warnings)
}

func TestPrepareTransfer_MalformedAmount(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000")
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	p, _ := newTestPreparer(reg, &fakeRPC{})

	for _, bad := range []string{"", ".", "1e6", "1.2.3", "-1", "1.1234567"} {
		_, err := p.PrepareTransfer(context.Background(), TransferRequest{
			Network:     token.Sepolia,
			TokenSymbol: "USDC",
			AmountText:  bad,
			To:          felt.MustFromHex("0x0123cdef"),
			Policy:      openPolicy(),
		})
		var ce *corerr.CoreError
		require.ErrorAs(t, err, &ce, "amount %q", bad)
		require.Equal(t, corerr.CodeInvalidInput, ce.Code, "amount %q", bad)
	}
}

func TestPrepareTransfer_NoUsableSession(t *testing.T) {
	reg := &fakeRegistry{}
	p, _ := newTestPreparer(reg, &fakeRPC{})

	_, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "1",
		To:          felt.MustFromHex("0x0123cdef"),
		Policy:      openPolicy(),
	})
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodeSessionNotFound, ce.Code)
}

func TestPrepareTransfer_RequestedSessionRevoked(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000")
	revokedAt := time.Now().Unix() - 5
	cred.RevokedAt = &revokedAt
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	p, _ := newTestPreparer(reg, &fakeRPC{})

	pk := cred.PublicKey
	_, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:          token.Sepolia,
		TokenSymbol:      "USDC",
		AmountText:       "1",
		To:               felt.MustFromHex("0x0123cdef"),
		SessionPublicKey: &pk,
		Policy:           openPolicy(),
	})
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodeSessionExpired, ce.Code)
}

func TestPrepareTransfer_AllowedContractsFilter(t *testing.T) {
	cred, _ := usableSession(t, "USDC", "10000000")
	cred.AllowedContracts = []felt.Felt{felt.MustFromHex("0x0444")}
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	rpc := &fakeRPC{balance: felt.U256{Low: felt.MustFromHex("0x5f5e100"), High: felt.Zero}}
	p, _ := newTestPreparer(reg, rpc)

	_, err := p.PrepareTransfer(context.Background(), TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "1",
		To:          felt.MustFromHex("0x0123cdef"),
		AmountUSD:   1,
		Policy:      openPolicy(),
	})
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodePolicyDenied, ce.Code)
}

func TestExecuteTransfer_SubmitsAndRecords(t *testing.T) {
	cred, privateKey := usableSession(t, "USDC", "10000000")
	reg := &fakeRegistry{creds: []sessionregistry.SessionCredential{cred}}
	rpc := &fakeRPC{balance: felt.U256{Low: felt.MustFromHex("0x5f5e100"), High: felt.Zero}}
	p, log := newTestPreparer(reg, rpc)
	ctx := context.Background()

	action, err := p.PrepareTransfer(ctx, TransferRequest{
		Network:     token.Sepolia,
		TokenSymbol: "USDC",
		AmountText:  "1",
		To:          felt.MustFromHex("0x0123cdef"),
		AmountUSD:   1,
		Policy:      openPolicy(),
	})
	require.NoError(t, err)

	sessionSigner, err := signer.NewLocalSessionSigner(privateKey, cred.PublicKey)
	require.NoError(t, err)

	result, err := p.ExecuteTransfer(ctx, ExecuteRequest{
		Action:         action,
		AccountAddress: felt.MustFromHex("0x0aaa"),
		SignerMode:     SignerModeLocal,
		Signer:         sessionSigner,
		MobileActionID: "mact_test",
	})
	require.NoError(t, err)
	require.False(t, result.TxHash.IsZero())
	require.Equal(t, SignerModeLocal, result.SignerMode)
	require.Empty(t, result.SignerRequestID, "local mode carries no signer request id")
	require.Equal(t, "mact_test", result.MobileActionID)

	// The signature is the 4-felt execution shape with the session
	// public key first.
	require.Len(t, rpc.signature, 4)
	require.Equal(t, 0, rpc.signature[0].Cmp(cred.PublicKey))

	// Submission was persisted pending, keyed by the tx hash, before any
	// confirmation wait.
	records, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, activity.KindTransferSubmitted, records[0].Kind)
	require.Equal(t, activity.StatusPending, records[0].Status)
	require.NotNil(t, records[0].TxHash)
	require.Equal(t, 0, records[0].TxHash.Cmp(result.TxHash))
}

func TestExecuteTransfer_ExpiredSession(t *testing.T) {
	p, _ := newTestPreparer(&fakeRegistry{}, &fakeRPC{})

	action := &PreparedAction{
		Kind:   KindERC20Transfer,
		Policy: PolicySnapshot{ValidUntil: time.Now().Unix() - 10},
	}
	_, err := p.ExecuteTransfer(context.Background(), ExecuteRequest{
		Action:         action,
		AccountAddress: felt.MustFromHex("0x0aaa"),
	})
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodeSessionExpired, ce.Code)
}

func TestExecuteTransfer_NilAction(t *testing.T) {
	p, _ := newTestPreparer(&fakeRegistry{}, &fakeRPC{})
	_, err := p.ExecuteTransfer(context.Background(), ExecuteRequest{})
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, corerr.CodeInvalidInput, ce.Code)
}

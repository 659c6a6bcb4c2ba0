package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
)

const testHMACSecret = "test-keyring-secret"

func newTestRemoteSigner(t *testing.T, handler http.HandlerFunc) (*RemoteSigner, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	s := NewRemoteSigner(RemoteConfig{
		ProxyURL:   srv.URL,
		ClientID:   "client-1",
		HMACSecret: testHMACSecret,
		Timeout:    2 * time.Second,
	})
	return s, srv.Close
}

func validSignatureHandler(pubkey felt.Felt) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signSessionTransactionRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		resp := signSessionTransactionResponse{
			Signature: []string{
				pubkey.Hex(),
				felt.FromUint64(0xaaaa).Hex(),
				felt.FromUint64(0xbbbb).Hex(),
				req.ValidUntil,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func baseExecutionRequest() ExecutionRequest {
	return ExecutionRequest{
		AccountAddress: felt.FromUint64(1),
		ChainID:        felt.FromUint64(2),
		Nonce:          felt.FromUint64(3),
		ValidUntil:     felt.FromUint64(uint64(time.Now().Add(time.Hour).Unix())),
		Calls: []Call{
			{ContractAddress: felt.FromUint64(10), Entrypoint: "transfer", Calldata: []felt.Felt{felt.FromUint64(1)}},
		},
	}
}

func TestRemoteSigner_SignExecution_Success(t *testing.T) {
	pubkey := felt.FromUint64(777)
	s, closeFn := newTestRemoteSigner(t, validSignatureHandler(pubkey))
	defer closeFn()

	sig, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, sig.SessionPublicKey.Cmp(pubkey))
	assert.Len(t, sig.Felts(), 4)
}

func TestRemoteSigner_ValidatesHMACHeaders(t *testing.T) {
	pubkey := felt.FromUint64(42)
	var gotSignature, gotTimestamp, gotNonce, gotClientID string

	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("x-keyring-signature")
		gotTimestamp = r.Header.Get("x-keyring-timestamp")
		gotNonce = r.Header.Get("x-keyring-nonce")
		gotClientID = r.Header.Get("x-keyring-client-id")

		body, _ := io.ReadAll(r.Body)
		bodyHash := sha256.Sum256(body)
		canonical := gotTimestamp + "." + gotNonce + "." + http.MethodPost + "." + remoteSignPath + "." + hex.EncodeToString(bodyHash[:])
		mac := hmac.New(sha256.New, []byte(testHMACSecret))
		mac.Write([]byte(canonical))
		expected := hex.EncodeToString(mac.Sum(nil))
		assert.Equal(t, expected, gotSignature)

		validSignatureHandler(pubkey)(w, r)
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.NoError(t, err)
	assert.Equal(t, "client-1", gotClientID)
	assert.NotEmpty(t, gotNonce)
	_, err = strconv.ParseInt(gotTimestamp, 10, 64)
	assert.NoError(t, err)
}

func TestRemoteSigner_RejectsExpiredValidUntilWithoutCallingServer(t *testing.T) {
	called := false
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer closeFn()

	req := baseExecutionRequest()
	req.ValidUntil = felt.FromUint64(1) // far in the past

	_, err := s.SignExecution(newCtx(), req)
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerValidityExpired, coreErr.Code)
	assert.False(t, called, "expired validUntil must be rejected before any network call")
}

func TestRemoteSigner_MalformedSignatureArrayLength(t *testing.T) {
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(signSessionTransactionResponse{
			Signature: []string{"0x1", "0x2"}, // only 2, not 4
		})
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerMalformedResp, coreErr.Code)
}

func TestRemoteSigner_ValidUntilMismatchIsRejected(t *testing.T) {
	pubkey := felt.FromUint64(55)
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(signSessionTransactionResponse{
			Signature: []string{pubkey.Hex(), "0x1", "0x2", felt.FromUint64(999999).Hex()},
		})
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerMalformedResp, coreErr.Code)
}

func TestRemoteSigner_RejectsSilentPubkeyRotation(t *testing.T) {
	first := felt.FromUint64(1)
	second := felt.FromUint64(2)
	calls := 0

	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		pk := first
		if calls > 1 {
			pk = second
		}
		validSignatureHandler(pk)(w, r)
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.NoError(t, err)

	_, err = s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerPubkeyChanged, coreErr.Code)
}

func TestRemoteSigner_AuthFailureMapsToAuthErrorCode(t *testing.T) {
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad signature"}`))
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerAuthError, coreErr.Code)
}

func TestRemoteSigner_ReplayNonceMapsToReplayCode(t *testing.T) {
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"nonce already used"}`))
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerReplayNonce, coreErr.Code)
}

func TestRemoteSigner_PolicyDenialMapsToPolicyDeniedCode(t *testing.T) {
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"amount exceeds session cap"}`))
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	var coreErr *corerr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, corerr.CodeSignerPolicyDenied, coreErr.Code)
}

func TestRemoteSigner_RedactsSecretsFromUpstreamErrorBody(t *testing.T) {
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"hmac secret mismatch: sk_live_abc123"}`))
	})
	defer closeFn()

	_, err := s.SignExecution(newCtx(), baseExecutionRequest())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sk_live_abc123")
}

func TestRemoteSigner_SignTypedDataUnsupported(t *testing.T) {
	s, closeFn := newTestRemoteSigner(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("remote signer must not call the keyring proxy for typed-data")
	})
	defer closeFn()

	_, err := s.SignTypedData(newCtx(), nil, felt.FromUint64(1))
	require.Error(t, err)
}

func newCtx() context.Context { return context.Background() }

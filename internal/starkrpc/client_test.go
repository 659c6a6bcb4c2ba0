package starkrpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/felt"
)

func newTestServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		paramsRaw, _ := json.Marshal(req.Params)

		result, rpcErr := handler(req.Method, paramsRaw)
		resp := rpcResponse{Error: rpcErr}
		if rpcErr == nil {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientChainID(t *testing.T) {
	srv := newTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "starknet_chainId", method)
		return "0x534e5f5345504f4c4941", nil
	})
	c := NewClient(srv.URL, time.Second, time.Second)

	chainID, err := c.ChainID(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "0x534e5f5345504f4c4941", chainID.Hex())
}

func TestClientCallReturnsFelts(t *testing.T) {
	srv := newTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "starknet_call", method)
		return []string{"0x1", "0x2"}, nil
	})
	c := NewClient(srv.URL, time.Second, time.Second)

	result, err := c.Call(t.Context(), felt.MustFromHex("0xabc"), "balanceOf", []felt.Felt{felt.MustFromHex("0xdef")})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "0x1", result[0].Hex())
}

func TestClientRPCErrorSurfaces(t *testing.T) {
	srv := newTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: 24, Message: "contract not found"}
	})
	c := NewClient(srv.URL, time.Second, time.Second)

	_, err := c.ClassHashAt(t.Context(), felt.MustFromHex("0xabc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract not found")
}

func TestClientHTTPServerErrorIsRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`"0x534e5f5345504f4c4941"`)})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, 2*time.Second, 2*time.Second)
	chainID, err := c.ChainID(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.False(t, chainID.IsZero())
}

func TestGetTransactionReceiptMapsFields(t *testing.T) {
	srv := newTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "starknet_getTransactionReceipt", method)
		return receiptResult{
			TransactionHash: "0x123",
			ExecutionStatus: "REVERTED",
			FinalityStatus:  "ACCEPTED_ON_L2",
			RevertReason:    "insufficient balance",
		}, nil
	})
	c := NewClient(srv.URL, time.Second, time.Second)

	receipt, err := c.GetTransactionReceipt(t.Context(), felt.MustFromHex("0x123"))
	require.NoError(t, err)
	assert.Equal(t, "REVERTED", receipt.ExecutionStatus)
	assert.Equal(t, "insufficient balance", receipt.RevertReason)
}

func TestEntrypointSelectorIsDeterministic(t *testing.T) {
	a := EntrypointSelector("transfer")
	b := EntrypointSelector("transfer")
	assert.Equal(t, a.Hex(), b.Hex())
	assert.NotEqual(t, a.Hex(), EntrypointSelector("swap").Hex())
}

func TestInvokeHashChangesWithNonce(t *testing.T) {
	chainID := felt.MustFromHex("0x1")
	sender := felt.MustFromHex("0x2")
	call := Call{ContractAddress: felt.MustFromHex("0x3"), Entrypoint: "transfer", Calldata: []felt.Felt{felt.MustFromHex("0x4")}}

	h1, err := InvokeHash(chainID, sender, felt.FromUint64(1), call)
	require.NoError(t, err)
	h2, err := InvokeHash(chainID, sender, felt.FromUint64(2), call)
	require.NoError(t, err)
	assert.NotEqual(t, h1.Hex(), h2.Hex())
}

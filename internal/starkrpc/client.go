// Package starkrpc is the JSON-RPC v2 client for the Starknet node the
// core talks to, plus the self-rescheduling status poller that watches
// submitted transactions to completion.
//
// The wire protocol is a single-method POST with a fixed request id
// (clients don't multiplex), mirroring
// internal/signer's RemoteSigner HTTP round trip rather than pulling in a
// dedicated Starknet client library — there is no such library in this
// module's dependency set (see DESIGN.md), and the protocol is exactly
// the shape a hand-rolled JSON-RPC POST produces.
package starkrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/starkclaw/session-core/internal/circuitbreaker"
	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/retry"
	"github.com/starkclaw/session-core/internal/traces"
)

// Default timeouts: 15s for state-changing calls, 10s for reads.
const (
	DefaultCallTimeout = 15 * time.Second
	DefaultReadTimeout = 10 * time.Second
)

// feltModulus mirrors internal/signer's and internal/sessionregistry's
// reduction modulus — selectors and transaction hashes computed in this
// package must land inside the felt range the same way those do.
var feltModulus = new(big.Int).Lsh(big.NewInt(1), 252)

// fixedRequestID is the JSON-RPC request id every call uses: requests
// are never multiplexed over one connection, so the id never varies.
const fixedRequestID = 1

// Client is a single-method JSON-RPC v2 client over a Starknet node: one
// small HTTP-backed type that every higher-level operation goes through,
// with retry and a circuit breaker around the transport.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	readClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient builds a Client against rpcURL. callTimeout bounds
// transaction-submission calls; readTimeout bounds everything else.
func NewClient(rpcURL string, callTimeout, readTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: callTimeout},
		readClient: &http.Client{Timeout: readTimeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. HTTP non-2xx and JSON-level
// errors are both failures. read selects the transport-specific
// client (call vs. read timeout): it is false for calls that
// submit state-changing transactions, which use the longer timeout.
func (c *Client) call(ctx context.Context, read bool, method string, params any, out any) error {
	ctx, span := traces.StartSpan(ctx, "starkrpc."+method)
	defer span.End()

	if !c.breaker.Allow(c.rpcURL) {
		return corerr.New(corerr.CodeUnavailable, "starknet RPC circuit is open")
	}

	httpClient := c.httpClient
	if read {
		httpClient = c.readClient
	}

	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: fixedRequestID, Method: method, Params: params})
	if err != nil {
		return corerr.Wrap(corerr.CodeInvalidInput, "failed to encode RPC request", err)
	}

	var resp rpcResponse
	err = retry.Do(ctx, 3, 150*time.Millisecond, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
		if err != nil {
			return retry.Permanent(corerr.Wrap(corerr.CodeTransportError, "failed to build RPC request", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(corerr.New(corerr.CodeTransportTimeout, "starknet RPC request timed out"))
			}
			return corerr.Wrap(corerr.CodeTransportError, "starknet RPC request failed", err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return retry.Permanent(corerr.Wrap(corerr.CodeTransportError, "failed to read RPC response", err))
		}

		if httpResp.StatusCode >= 500 {
			return corerr.New(corerr.CodeRPCError, fmt.Sprintf("starknet RPC returned HTTP %d: %s", httpResp.StatusCode, snippet(body)))
		}
		if httpResp.StatusCode != http.StatusOK {
			return retry.Permanent(corerr.New(corerr.CodeRPCError, fmt.Sprintf("starknet RPC returned HTTP %d: %s", httpResp.StatusCode, snippet(body))))
		}

		var parsed rpcResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return retry.Permanent(corerr.Wrap(corerr.CodeRPCError, "starknet RPC response was not valid JSON", err))
		}
		resp = parsed
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure(c.rpcURL)
		return err
	}

	if resp.Error != nil {
		c.breaker.RecordFailure(c.rpcURL)
		return corerr.New(corerr.CodeRPCError, fmt.Sprintf("starknet RPC error %d: %s", resp.Error.Code, resp.Error.Message))
	}
	c.breaker.RecordSuccess(c.rpcURL)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return corerr.Wrap(corerr.CodeRPCError, "starknet RPC result did not match the expected shape", err)
	}
	return nil
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

// ChainID calls starknet_chainId.
func (c *Client) ChainID(ctx context.Context) (felt.Felt, error) {
	var result string
	if err := c.call(ctx, true, "starknet_chainId", []any{}, &result); err != nil {
		return felt.Felt{}, err
	}
	return felt.FromHex(result)
}

// ClassHashAt calls starknet_getClassHashAt against the latest block.
func (c *Client) ClassHashAt(ctx context.Context, contractAddress felt.Felt) (felt.Felt, error) {
	var result string
	params := []any{"latest", contractAddress.Hex()}
	if err := c.call(ctx, true, "starknet_getClassHashAt", params, &result); err != nil {
		return felt.Felt{}, err
	}
	return felt.FromHex(result)
}

type functionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

// Call invokes a read-only view function via starknet_call and returns its
// result as felts.
func (c *Client) Call(ctx context.Context, contractAddress felt.Felt, entrypoint string, calldata []felt.Felt) ([]felt.Felt, error) {
	fc := functionCall{
		ContractAddress:    contractAddress.Hex(),
		EntryPointSelector: EntrypointSelector(entrypoint).Hex(),
		Calldata:           hexAll(calldata),
	}
	var result []string
	if err := c.call(ctx, true, "starknet_call", []any{fc, "latest"}, &result); err != nil {
		return nil, err
	}
	out := make([]felt.Felt, len(result))
	for i, r := range result {
		f, err := felt.FromHex(r)
		if err != nil {
			return nil, corerr.Wrap(corerr.CodeRPCError, "starknet_call returned a non-felt result element", err)
		}
		out[i] = f
	}
	return out, nil
}

// GetNonce calls starknet_getNonce. Building any owner-signed invoke
// transaction requires it.
func (c *Client) GetNonce(ctx context.Context, accountAddress felt.Felt) (felt.Felt, error) {
	var result string
	if err := c.call(ctx, true, "starknet_getNonce", []any{"latest", accountAddress.Hex()}, &result); err != nil {
		return felt.Felt{}, err
	}
	return felt.FromHex(result)
}

type invokeTransactionParams struct {
	Type          string   `json:"type"`
	SenderAddress string   `json:"sender_address"`
	Calldata      []string `json:"calldata"`
	Signature     []string `json:"signature"`
	Nonce         string   `json:"nonce"`
	Version       string   `json:"version"`
}

type addInvokeTransactionResult struct {
	TransactionHash string `json:"transaction_hash"`
}

// submitInvoke submits a single-call invoke transaction signed with
// signature, and returns the resulting transaction hash.
func (c *Client) submitInvoke(ctx context.Context, senderAddress felt.Felt, call Call, nonce felt.Felt, signature []felt.Felt) (felt.Felt, error) {
	return c.submitMulticall(ctx, senderAddress, []Call{call}, nonce, signature)
}

// SubmitSessionExecution submits a multicall invoke transaction already
// signed by a session signer (internal/signer.SessionSigner.SignExecution),
// returning the resulting transaction hash. The preparer is responsible for
// fetching nonce and building the signature beforehand, since the hash a
// session key signs is computed from internal/signer's own ExecutionRequest
// shape, not from this package's Call type.
func (c *Client) SubmitSessionExecution(ctx context.Context, accountAddress felt.Felt, calls []Call, nonce felt.Felt, signature []felt.Felt) (felt.Felt, error) {
	return c.submitMulticall(ctx, accountAddress, calls, nonce, signature)
}

// submitMulticall encodes calls in Starknet's __execute__ calldata
// convention (call count, then per-call [address, selector, calldata_len,
// ...calldata]) and submits the resulting invoke transaction.
func (c *Client) submitMulticall(ctx context.Context, senderAddress felt.Felt, calls []Call, nonce felt.Felt, signature []felt.Felt) (felt.Felt, error) {
	calldata := []string{fmt.Sprintf("0x%x", len(calls))}
	for _, call := range calls {
		calldata = append(calldata, call.ContractAddress.Hex(), EntrypointSelector(call.Entrypoint).Hex(), fmt.Sprintf("0x%x", len(call.Calldata)))
		calldata = append(calldata, hexAll(call.Calldata)...)
	}

	params := invokeTransactionParams{
		Type:          "INVOKE",
		SenderAddress: senderAddress.Hex(),
		Calldata:      calldata,
		Signature:     hexAll(signature),
		Nonce:         nonce.Hex(),
		Version:       "0x1",
	}

	var result addInvokeTransactionResult
	if err := c.call(ctx, false, "starknet_addInvokeTransaction", []any{params}, &result); err != nil {
		return felt.Felt{}, err
	}
	return felt.FromHex(result.TransactionHash)
}

// Call is a single contract call within a transaction this client submits.
type Call struct {
	ContractAddress felt.Felt
	Entrypoint      string
	Calldata        []felt.Felt
}

// InvokeHash computes the deterministic stand-in hash an owner signs
// before a Call is submitted. Like internal/signer's executionHash/
// typedDataHash, this is a documented, non-cryptographic-equivalence
// substitute for Starknet's Pedersen/Poseidon transaction hash — there is
// no STARK-curve-native hash implementation in this module's dependency
// set (see DESIGN.md), so the core's owner-signing stand-in (Keccak256
// over a canonical string, reduced mod 2^252) is reused here too, to stay
// consistent across every place this module computes a "hash to sign".
func InvokeHash(chainID, senderAddress, nonce felt.Felt, call Call) (felt.Felt, error) {
	parts := fmt.Sprintf("invoke|%s|%s|%s|%s|%s", chainID.Hex(), senderAddress.Hex(), nonce.Hex(), call.ContractAddress.Hex(), call.Entrypoint)
	for _, d := range call.Calldata {
		parts += "|" + d.Hex()
	}
	hash := gethcrypto.Keccak256([]byte(parts))
	return felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
}

// EntrypointSelector hashes an entrypoint name to its stand-in selector
// felt, the same way internal/sessionregistry's entrypointSelector does —
// duplicated rather than imported so that starkrpc does not depend on
// sessionregistry, since the dependency should run the other way.
func EntrypointSelector(name string) felt.Felt {
	hash := gethcrypto.Keccak256([]byte(name))
	v, _ := felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
	return v
}

func hexAll(fs []felt.Felt) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Hex()
	}
	return out
}

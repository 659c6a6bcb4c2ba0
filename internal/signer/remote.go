package signer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/starkclaw/session-core/internal/circuitbreaker"
	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/metrics"
	"github.com/starkclaw/session-core/internal/retry"
	"github.com/starkclaw/session-core/internal/typeddata"
)

// remoteSignPath is the fixed endpoint path used both to build the request
// and as an input to the HMAC canonical payload.
const remoteSignPath = "/v1/sign/session-transaction"

// RemoteConfig is the subset of the validated runtime configuration a
// RemoteSigner needs; callers fill it from a remotesignercfg.Config.
type RemoteConfig struct {
	ProxyURL  string // normalized, trailing slash
	ClientID  string
	HMACSecret string
	Timeout   time.Duration
}

// RemoteSigner delegates session-key signing to a keyring-proxy enclave
// over HTTP, authenticating every request with an HMAC-SHA256 signature
// and validating every response before trusting it.
type RemoteSigner struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker

	mu         sync.Mutex
	lastPubkey *felt.Felt // first observed session pubkey; nil until first successful call
}

// NewRemoteSigner builds a remote signer against an already-validated
// config; remotesignercfg.Load produces the Config its fields come from.
func NewRemoteSigner(cfg RemoteConfig) *RemoteSigner {
	return &RemoteSigner{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

type signSessionTransactionRequest struct {
	AccountAddress string                   `json:"accountAddress"`
	KeyID          string                   `json:"keyId,omitempty"`
	ChainID        string                   `json:"chainId"`
	Nonce          string                   `json:"nonce"`
	ValidUntil     string                   `json:"validUntil"`
	Calls          []remoteCall             `json:"calls"`
	Context        remoteRequestContext     `json:"context"`
}

type remoteCall struct {
	ContractAddress string   `json:"contractAddress"`
	Entrypoint      string   `json:"entrypoint"`
	Calldata        []string `json:"calldata"`
}

type remoteRequestContext struct {
	Requester      string `json:"requester"`
	Tool           string `json:"tool"`
	Reason         string `json:"reason"`
	ClientID       string `json:"client_id"`
	MobileActionID string `json:"mobile_action_id"`
}

type signSessionTransactionResponse struct {
	Signature        []string `json:"signature"`
	SessionPublicKey string   `json:"sessionPublicKey,omitempty"`
}

// SignExecution implements SessionSigner by delegating to the keyring
// proxy. It never falls back to a different signer variant on failure.
func (s *RemoteSigner) SignExecution(ctx context.Context, req ExecutionRequest) (SessionExecutionSignature, error) {
	start := time.Now()
	sig, err := s.signExecution(ctx, req)
	metrics.SignerOperationDuration.WithLabelValues("session_remote").Observe(time.Since(start).Seconds())
	metrics.SignerOperationsTotal.WithLabelValues("session_remote", outcomeLabel(err)).Inc()
	return sig, err
}

func (s *RemoteSigner) signExecution(ctx context.Context, req ExecutionRequest) (SessionExecutionSignature, error) {
	now := time.Now().Unix()
	if req.ValidUntil.BigInt().Int64() <= now {
		return SessionExecutionSignature{}, corerr.New(corerr.CodeSignerValidityExpired, "requested validUntil has already passed")
	}

	if !s.breaker.Allow(s.cfg.ProxyURL) {
		return SessionExecutionSignature{}, corerr.New(corerr.CodeUnavailable, "remote signer circuit is open")
	}

	calls := make([]remoteCall, len(req.Calls))
	for i, c := range req.Calls {
		calldata := make([]string, len(c.Calldata))
		for j, d := range c.Calldata {
			calldata[j] = d.Hex()
		}
		calls[i] = remoteCall{ContractAddress: c.ContractAddress.Hex(), Entrypoint: c.Entrypoint, Calldata: calldata}
	}

	body := signSessionTransactionRequest{
		AccountAddress: req.AccountAddress.Hex(),
		ChainID:        req.ChainID.Hex(),
		Nonce:          req.Nonce.Hex(),
		ValidUntil:     req.ValidUntil.Hex(),
		Calls:          calls,
		Context: remoteRequestContext{
			Requester:      req.Context.Requester,
			Tool:           req.Context.Tool,
			Reason:         req.Context.Reason,
			ClientID:       req.Context.ClientID,
			MobileActionID: req.Context.MobileActionID,
		},
	}

	resp, err := s.doSignedRequest(ctx, body)
	if err != nil {
		s.breaker.RecordFailure(s.cfg.ProxyURL)
		return SessionExecutionSignature{}, err
	}
	s.breaker.RecordSuccess(s.cfg.ProxyURL)

	sig, err := s.validateResponse(resp, req.ValidUntil)
	if err != nil {
		return SessionExecutionSignature{}, err
	}
	return SessionExecutionSignature{
		SessionPublicKey: sig[0],
		R:                sig[1],
		S:                sig[2],
		ValidUntil:       sig[3],
	}, nil
}

// SignTypedData is not reachable through the contract the keyring proxy
// exposes — that contract only covers session-transaction signing.
// Session typed-data administration always goes through the local
// session signer.
func (s *RemoteSigner) SignTypedData(_ context.Context, _ *typeddata.Payload, _ felt.Felt) (SessionTypedDataSignature, error) {
	return SessionTypedDataSignature{}, corerr.New(corerr.CodeInvalidInput, "remote signer does not support typed-data signing")
}

func (s *RemoteSigner) doSignedRequest(ctx context.Context, payload signSessionTransactionRequest) (*signSessionTransactionResponse, error) {
	rawBody, err := json.Marshal(payload)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "failed to encode signer request", err)
	}

	url := strings.TrimSuffix(s.cfg.ProxyURL, "/") + remoteSignPath
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to generate request nonce", err)
	}
	nonceHex := hex.EncodeToString(nonce)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	bodyHash := sha256.Sum256(rawBody)
	canonical := timestamp + "." + nonceHex + "." + http.MethodPost + "." + remoteSignPath + "." + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, []byte(s.cfg.HMACSecret))
	mac.Write([]byte(canonical))
	signature := hex.EncodeToString(mac.Sum(nil))

	var response *signSessionTransactionResponse
	err = retry.Do(ctx, 2, 200*time.Millisecond, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rawBody))
		if err != nil {
			return retry.Permanent(corerr.Wrap(corerr.CodeTransportError, "failed to build signer request", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-keyring-client-id", s.cfg.ClientID)
		httpReq.Header.Set("x-keyring-timestamp", timestamp)
		httpReq.Header.Set("x-keyring-nonce", nonceHex)
		httpReq.Header.Set("x-keyring-signature", signature)

		httpResp, err := s.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(corerr.New(corerr.CodeTransportTimeout, "remote signer request timed out"))
			}
			return corerr.Wrap(corerr.CodeTransportError, "remote signer request failed", err)
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return retry.Permanent(corerr.Wrap(corerr.CodeTransportError, "failed to read signer response", err))
		}

		if httpResp.StatusCode == http.StatusUnauthorized {
			return retry.Permanent(classifyAuthFailure(respBody))
		}
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
			return retry.Permanent(corerr.New(corerr.CodeSignerPolicyDenied, "signer denied the request: "+redact(snippet(respBody))))
		}
		if httpResp.StatusCode >= 500 {
			return corerr.New(corerr.CodeTransportError, "signer returned a server error")
		}

		var parsed signSessionTransactionResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return retry.Permanent(corerr.New(corerr.CodeSignerMalformedResp, "signer response was not valid JSON: expected pubkey, r, s, valid_until"))
		}
		response = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

func classifyAuthFailure(body []byte) *corerr.CoreError {
	if bytes.Contains(bytes.ToLower(body), []byte("nonce")) {
		return corerr.New(corerr.CodeSignerReplayNonce, "signer rejected the request nonce as already used")
	}
	return corerr.New(corerr.CodeSignerAuthError, "signer rejected request authentication")
}

// validateResponse enforces every mandatory response check and
// returns the four signature felts in [pubkey, r, s, valid_until] order.
func (s *RemoteSigner) validateResponse(resp *signSessionTransactionResponse, validUntil felt.Felt) ([4]felt.Felt, error) {
	if len(resp.Signature) != 4 {
		return [4]felt.Felt{}, corerr.New(corerr.CodeSignerMalformedResp,
			fmt.Sprintf("signer response must contain exactly 4 felts (pubkey, r, s, valid_until), got %d", len(resp.Signature)))
	}

	parsed := [4]felt.Felt{}
	for i, hexVal := range resp.Signature {
		f, err := felt.FromHex(hexVal)
		if err != nil {
			return [4]felt.Felt{}, corerr.Wrap(corerr.CodeSignerMalformedResp, "signature element is not a valid felt (expected pubkey, r, s, valid_until)", err)
		}
		parsed[i] = f
	}

	if resp.SessionPublicKey != "" {
		claimed, err := felt.FromHex(resp.SessionPublicKey)
		if err != nil {
			return [4]felt.Felt{}, corerr.Wrap(corerr.CodeSignerMalformedResp, "sessionPublicKey is not a valid felt", err)
		}
		if claimed.Cmp(parsed[0]) != 0 {
			return [4]felt.Felt{}, corerr.New(corerr.CodeSignerMalformedResp, "sessionPublicKey does not match the signature's first felt")
		}
	}

	if parsed[3].Cmp(validUntil) != 0 {
		return [4]felt.Felt{}, corerr.New(corerr.CodeSignerMalformedResp, "signature's valid_until does not match the request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPubkey == nil {
		cp := parsed[0]
		s.lastPubkey = &cp
	} else if s.lastPubkey.Cmp(parsed[0]) != 0 {
		return [4]felt.Felt{}, corerr.New(corerr.CodeSignerPubkeyChanged, "signer returned a different session public key than a prior call")
	}

	return parsed, nil
}

// redactedSubstrings are patterns that must never appear verbatim in a
// surfaced upstream error body.
var redactedSubstrings = []string{"hmac", "secret", "api_key", "apikey", "private_key"}

func redact(s string) string {
	lower := strings.ToLower(s)
	for _, needle := range redactedSubstrings {
		if strings.Contains(lower, needle) {
			return "[redacted upstream error]"
		}
	}
	return s
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

package devhost

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/idgen"
	"github.com/starkclaw/session-core/internal/intent"
	"github.com/starkclaw/session-core/internal/logging"
	"github.com/starkclaw/session-core/internal/policyeval"
	"github.com/starkclaw/session-core/internal/realtime"
	"github.com/starkclaw/session-core/internal/remotesignercfg"
	"github.com/starkclaw/session-core/internal/sessionregistry"
	"github.com/starkclaw/session-core/internal/signer"
	"github.com/starkclaw/session-core/internal/token"
)

func logFromGin(c *gin.Context) *slog.Logger {
	return logging.L(c.Request.Context())
}

func newBigInt(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// respondError maps a core error to an HTTP response carrying the machine
// code, the single-line human reason, and the optional next-step hint.
func respondError(c *gin.Context, err error) {
	var ce *corerr.CoreError
	if !errors.As(err, &ce) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(corerr.CodeInternal),
			"message": "An unexpected error occurred",
		})
		return
	}

	body := gin.H{
		"error":   string(ce.Code),
		"message": ce.Message,
	}
	if ce.Hint != "" {
		body["hint"] = ce.Hint
	}
	c.JSON(statusForCode(ce.Code), body)
}

func statusForCode(code corerr.Code) int {
	switch code {
	case corerr.CodeInvalidInput, corerr.CodeInsufficientBalance:
		return http.StatusBadRequest
	case corerr.CodePolicyDenied, corerr.CodeEmergencyLockdown, corerr.CodeSignerPolicyDenied:
		return http.StatusForbidden
	case corerr.CodeSessionNotFound:
		return http.StatusNotFound
	case corerr.CodeSessionExpired, corerr.CodeSignerValidityExpired:
		return http.StatusGone
	case corerr.CodeOnchainInvalid:
		return http.StatusConflict
	case corerr.CodeSignerAuthError, corerr.CodeSignerReplayNonce:
		return http.StatusUnauthorized
	case corerr.CodeTransportTimeout:
		return http.StatusGatewayTimeout
	case corerr.CodeTransportError, corerr.CodeRPCError, corerr.CodeSignerMalformedResp, corerr.CodeSignerPubkeyChanged:
		return http.StatusBadGateway
	case corerr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"network": s.cfg.Network,
		"poller":  s.poller.Running(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Onboarding & wallet
// -----------------------------------------------------------------------------

type onboardRequest struct {
	AccountAddress string `json:"accountAddress" binding:"required"`
	ClassHash      string `json:"classHash" binding:"required"`
	Network        string `json:"network"`
}

func (s *Server) onboardHandler(c *gin.Context) {
	var req onboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	accountAddress, err := felt.FromHex(req.AccountAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "accountAddress is not a valid felt"})
		return
	}
	classHash, err := felt.FromHex(req.ClassHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "classHash is not a valid felt"})
		return
	}
	network := token.NetworkID(req.Network)
	if network == "" {
		network = token.NetworkID(s.cfg.Network)
	}
	if _, ok := token.Networks[network]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown network"})
		return
	}

	ctx := c.Request.Context()
	cred, err := s.wallet.CreateOnce(ctx, accountAddress, classHash, network)
	if err != nil {
		respondError(c, err)
		return
	}

	rec, err := s.activity.Append(ctx, activity.Record{
		Kind:  activity.KindOnboarding,
		Title: "Wallet ready",
	})
	if err == nil {
		s.hub.BroadcastActivity(rec)
	}

	c.JSON(http.StatusCreated, cred.Public())
}

func (s *Server) walletHandler(c *gin.Context) {
	cred, err := s.wallet.Load(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if cred == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "This device has not been onboarded yet"})
		return
	}
	c.JSON(http.StatusOK, cred.Public())
}

func (s *Server) resetHandler(c *gin.Context) {
	if err := s.store.Reset(c.Request.Context()); err != nil {
		// Best-effort: in-memory state is already gone.
		logFromGin(c).Warn("keystore reset partially failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// -----------------------------------------------------------------------------
// Session keys
// -----------------------------------------------------------------------------

type sessionResponse struct {
	sessionregistry.SessionCredential
	Status string `json:"status"`
}

func sessionStatus(cred sessionregistry.SessionCredential, now time.Time) string {
	switch {
	case cred.RevokedAt != nil:
		return "revoked"
	case !cred.IsUsable(now):
		return "expired"
	case cred.RegisteredAt != nil:
		return "registered"
	default:
		return "local"
	}
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	creds, err := s.registry.ListSessionKeys(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	now := time.Now()
	response := make([]sessionResponse, len(creds))
	for i, cred := range creds {
		response[i] = sessionResponse{SessionCredential: cred, Status: sessionStatus(cred, now)}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": response, "count": len(response)})
}

type createSessionRequest struct {
	TokenSymbol            string   `json:"tokenSymbol" binding:"required"`
	SpendingLimitBaseUnits string   `json:"spendingLimitBaseUnits" binding:"required"`
	ValidForSeconds        int64    `json:"validForSeconds" binding:"required"`
	AllowedContracts       []string `json:"allowedContracts"`
}

func (s *Server) createSessionHandler(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	desc, err := token.Resolve(req.TokenSymbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unsupported token"})
		return
	}
	addrHex, err := desc.AddressOn(token.NetworkID(s.cfg.Network))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "token is not available on this network"})
		return
	}
	tokenAddress, err := felt.FromHex(addrHex)
	if err != nil {
		respondError(c, corerr.Wrap(corerr.CodeInternal, "token address is malformed", err))
		return
	}

	allowed := make([]felt.Felt, 0, len(req.AllowedContracts))
	for _, hex := range req.AllowedContracts {
		f, err := felt.FromHex(hex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "allowedContracts contains a non-felt entry"})
			return
		}
		allowed = append(allowed, f)
	}

	cred, err := s.registry.CreateLocal(c.Request.Context(), sessionregistry.CreateLocalRequest{
		TokenSymbol:            req.TokenSymbol,
		TokenAddress:           tokenAddress,
		SpendingLimitBaseUnits: req.SpendingLimitBaseUnits,
		ValidForSeconds:        req.ValidForSeconds,
		AllowedContracts:       allowed,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	s.hub.BroadcastSessionKey("created", cred.PublicKey.Hex())
	c.JSON(http.StatusCreated, sessionResponse{SessionCredential: cred, Status: "local"})
}

// ownerContext resolves the pieces every owner-authenticated session
// operation needs: the account address and an owner signer over its key.
func (s *Server) ownerContext(c *gin.Context) (felt.Felt, signer.OwnerSigner, bool) {
	ctx := c.Request.Context()
	cred, err := s.wallet.Load(ctx)
	if err != nil {
		respondError(c, err)
		return felt.Felt{}, nil, false
	}
	if cred == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "not_onboarded", "message": "Onboard this device before owner operations"})
		return felt.Felt{}, nil, false
	}
	owner, err := s.wallet.Signer(ctx)
	if err != nil {
		respondError(c, err)
		return felt.Felt{}, nil, false
	}
	return cred.AccountAddress, owner, true
}

func (s *Server) registerSessionHandler(c *gin.Context) {
	publicKey, err := felt.FromHex(c.Param("publicKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "publicKey is not a valid felt"})
		return
	}
	accountAddress, owner, ok := s.ownerContext(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	unlock, err := s.ownerLocks.LockContext(ctx, accountAddress.Hex())
	if err != nil {
		respondError(c, corerr.Wrap(corerr.CodeUnavailable, "request cancelled while waiting for a pending owner operation", err))
		return
	}
	defer unlock()

	cred, err := s.registry.RegisterOnchain(ctx, accountAddress, owner, publicKey)
	if err != nil {
		respondError(c, err)
		return
	}

	s.recordAdminTx(c, activity.Kind("session_registered"), "Session key registered", cred.LastTxHash)
	s.hub.BroadcastSessionKey("registered", cred.PublicKey.Hex())
	c.JSON(http.StatusOK, sessionResponse{SessionCredential: cred, Status: sessionStatus(cred, time.Now())})
}

func (s *Server) revokeSessionHandler(c *gin.Context) {
	publicKey, err := felt.FromHex(c.Param("publicKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "publicKey is not a valid felt"})
		return
	}
	accountAddress, owner, ok := s.ownerContext(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	unlock, err := s.ownerLocks.LockContext(ctx, accountAddress.Hex())
	if err != nil {
		respondError(c, corerr.Wrap(corerr.CodeUnavailable, "request cancelled while waiting for a pending owner operation", err))
		return
	}
	defer unlock()

	cred, err := s.registry.RevokeOnchain(ctx, accountAddress, owner, publicKey)
	if err != nil {
		respondError(c, err)
		return
	}

	s.recordAdminTx(c, activity.Kind("session_revoked"), "Session key revoked", cred.LastTxHash)
	s.hub.BroadcastSessionKey("revoked", cred.PublicKey.Hex())
	c.JSON(http.StatusOK, sessionResponse{SessionCredential: cred, Status: sessionStatus(cred, time.Now())})
}

func (s *Server) emergencyRevokeHandler(c *gin.Context) {
	accountAddress, owner, ok := s.ownerContext(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	unlock, err := s.ownerLocks.LockContext(ctx, accountAddress.Hex())
	if err != nil {
		respondError(c, corerr.Wrap(corerr.CodeUnavailable, "request cancelled while waiting for a pending owner operation", err))
		return
	}
	defer unlock()

	revoked, err := s.registry.EmergencyRevokeAllOnchain(ctx, accountAddress, owner)
	if err != nil {
		respondError(c, err)
		return
	}

	var txHash *felt.Felt
	if len(revoked) > 0 {
		txHash = revoked[0].LastTxHash
	}
	s.recordAdminTx(c, activity.Kind("emergency_revoke"), "All session keys revoked", txHash)
	for _, cred := range revoked {
		s.hub.BroadcastSessionKey("emergency_revoked", cred.PublicKey.Hex())
	}
	c.JSON(http.StatusOK, gin.H{"revoked": len(revoked)})
}

func (s *Server) sessionValidityHandler(c *gin.Context) {
	publicKey, err := felt.FromHex(c.Param("publicKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "publicKey is not a valid felt"})
		return
	}
	ctx := c.Request.Context()
	cred, err := s.wallet.Load(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if cred == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "not_onboarded", "message": "Onboard this device first"})
		return
	}
	valid := s.registry.IsValidOnchain(ctx, cred.AccountAddress, publicKey)
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// recordAdminTx persists the administrative transaction to the activity
// log before any confirmation wait, so the status poller tracks it like
// any other submission.
func (s *Server) recordAdminTx(c *gin.Context, kind activity.Kind, title string, txHash *felt.Felt) {
	rec, err := s.activity.Append(c.Request.Context(), activity.Record{
		Kind:   kind,
		Title:  title,
		TxHash: txHash,
		Status: activity.StatusPending,
	})
	if err != nil {
		logFromGin(c).Warn("failed to record administrative transaction", "error", err)
		return
	}
	s.hub.BroadcastActivity(rec)
}

// -----------------------------------------------------------------------------
// Transfers & swaps
// -----------------------------------------------------------------------------

type prepareTransferRequest struct {
	TokenSymbol      string  `json:"tokenSymbol" binding:"required"`
	AmountText       string  `json:"amount" binding:"required"`
	To               string  `json:"to" binding:"required"`
	SessionPublicKey string  `json:"sessionPublicKey"`
	AmountUSD        float64 `json:"amountUsd"`
}

type preparedActionResponse struct {
	ActionID         string      `json:"actionId"`
	Kind             string      `json:"kind"`
	TokenSymbol      string      `json:"tokenSymbol"`
	TokenAddress     felt.Felt   `json:"tokenAddress"`
	To               felt.Felt   `json:"to"`
	Amount           string      `json:"amount"`
	AmountBaseUnits  string      `json:"amountBaseUnits"`
	BalanceBaseUnits string      `json:"balanceBaseUnits"`
	Calldata         []felt.Felt `json:"calldata"`
	SessionPublicKey felt.Felt   `json:"sessionPublicKey"`
	Policy           gin.H       `json:"policy"`
	Warnings         []string    `json:"warnings"`
}

func (s *Server) prepareTransferHandler(c *gin.Context) {
	var req prepareTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	to, err := felt.FromHex(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to is not a valid felt"})
		return
	}
	var sessionPK *felt.Felt
	if req.SessionPublicKey != "" {
		pk, err := felt.FromHex(req.SessionPublicKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionPublicKey is not a valid felt"})
			return
		}
		sessionPK = &pk
	}

	action, err := s.preparer.PrepareTransfer(c.Request.Context(), intent.TransferRequest{
		Network:          token.NetworkID(s.cfg.Network),
		TokenSymbol:      req.TokenSymbol,
		AmountText:       req.AmountText,
		To:               to,
		SessionPublicKey: sessionPK,
		AmountUSD:        req.AmountUSD,
		Policy:           s.currentPolicy(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	actionID := idgen.WithPrefix("mact_")
	action.MobileActionID = actionID
	s.storePrepared(actionID, &preparedEntry{kind: preparedTransfer, transfer: action, createdAt: time.Now()})

	warnings := action.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	c.JSON(http.StatusOK, preparedActionResponse{
		ActionID:         actionID,
		Kind:             string(action.Kind),
		TokenSymbol:      action.TokenSymbol,
		TokenAddress:     action.TokenAddress,
		To:               action.To,
		Amount:           action.Amount,
		AmountBaseUnits:  action.AmountBaseUnits,
		BalanceBaseUnits: action.BalanceBaseUnits,
		Calldata:         action.Calldata,
		SessionPublicKey: action.SessionPublicKey,
		Policy: gin.H{
			"spendingLimitBaseUnits": action.Policy.SpendingLimitBaseUnits,
			"validUntil":             action.Policy.ValidUntil,
		},
		Warnings: warnings,
	})
}

type prepareSwapRequest struct {
	SellTokenSymbol  string  `json:"sellTokenSymbol" binding:"required"`
	BuyTokenSymbol   string  `json:"buyTokenSymbol" binding:"required"`
	AmountText       string  `json:"amount" binding:"required"`
	SessionPublicKey string  `json:"sessionPublicKey"`
	AmountUSD        float64 `json:"amountUsd"`
	Preset           string  `json:"preset"`

	// Quote fields: the aggregator is an external collaborator, so the
	// dev host accepts a quote the caller already obtained and validates
	// it against the bounded preset exactly as the core requires.
	AggregatorAddress  string   `json:"aggregatorAddress" binding:"required"`
	BuyAmountBaseUnits string   `json:"buyAmountBaseUnits"`
	RouteSummary       string   `json:"routeSummary"`
	SwapCalldata       []string `json:"swapCalldata"`
}

func (s *Server) prepareSwapHandler(c *gin.Context) {
	var req prepareSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	aggAddress, err := felt.FromHex(req.AggregatorAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "aggregatorAddress is not a valid felt"})
		return
	}
	var sessionPK *felt.Felt
	if req.SessionPublicKey != "" {
		pk, err := felt.FromHex(req.SessionPublicKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionPublicKey is not a valid felt"})
			return
		}
		sessionPK = &pk
	}
	swapCalldata := make([]felt.Felt, 0, len(req.SwapCalldata))
	for _, hex := range req.SwapCalldata {
		f, err := felt.FromHex(hex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "swapCalldata contains a non-felt entry"})
			return
		}
		swapCalldata = append(swapCalldata, f)
	}

	agg := &staticAggregator{quote: intent.Quote{
		AggregatorAddress: aggAddress,
		RouteSummary:      req.RouteSummary,
		SwapCalldata:      swapCalldata,
	}}
	if req.BuyAmountBaseUnits != "" {
		buy, ok := newBigInt(req.BuyAmountBaseUnits)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyAmountBaseUnits must be a decimal integer"})
			return
		}
		agg.quote.BuyAmountBaseUnits = buy
	}

	action, err := s.preparer.PrepareSwap(c.Request.Context(), agg, intent.SwapRequest{
		Network:          token.NetworkID(s.cfg.Network),
		SellTokenSymbol:  req.SellTokenSymbol,
		BuyTokenSymbol:   req.BuyTokenSymbol,
		AmountText:       req.AmountText,
		SessionPublicKey: sessionPK,
		AmountUSD:        req.AmountUSD,
		Preset:           req.Preset,
		Policy:           s.currentPolicy(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	actionID := idgen.WithPrefix("mact_")
	s.storePrepared(actionID, &preparedEntry{kind: preparedSwap, swap: action, createdAt: time.Now()})

	warnings := action.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"actionId":                actionID,
		"sellTokenSymbol":         action.SellTokenSymbol,
		"buyTokenSymbol":          action.BuyTokenSymbol,
		"sellAmount":              action.SellAmount,
		"sellAmountBaseUnits":     action.SellAmountBaseUnits,
		"buyAmountBaseUnits":      action.BuyAmountBaseUnits,
		"approvalAmountBaseUnits": action.ApprovalAmountBaseUnits,
		"aggregatorAddress":       action.AggregatorAddress,
		"routeSummary":            action.RouteSummary,
		"sessionPublicKey":        action.SessionPublicKey,
		"warnings":                warnings,
	})
}

type executeRequest struct {
	ActionID   string `json:"actionId" binding:"required"`
	SignerMode string `json:"signerMode"`
	Tool       string `json:"tool"`
	Reason     string `json:"reason"`
}

func (s *Server) executeHandler(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	entry, ok := s.takePrepared(req.ActionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No prepared action with that id (it may have expired)"})
		return
	}

	ctx := c.Request.Context()
	cred, err := s.wallet.Load(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if cred == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "not_onboarded", "message": "Onboard this device first"})
		return
	}

	var mode intent.SignerMode
	switch req.SignerMode {
	case "":
		if s.cfg.RemoteSignerURL != "" {
			mode = intent.SignerModeRemote
		} else {
			mode = intent.SignerModeLocal
		}
	case string(intent.SignerModeLocal), string(intent.SignerModeRemote):
		mode = intent.SignerMode(req.SignerMode)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "signerMode must be local or remote"})
		return
	}

	var sessionPK felt.Felt
	if entry.kind == preparedTransfer {
		sessionPK = entry.transfer.SessionPublicKey
	} else {
		sessionPK = entry.swap.SessionPublicKey
	}

	sessionSigner, clientID, err := s.sessionSigner(c, mode, sessionPK)
	if err != nil {
		respondError(c, err)
		return
	}

	execReq := intent.ExecuteRequest{
		AccountAddress: cred.AccountAddress,
		SignerMode:     mode,
		Signer:         sessionSigner,
		MobileActionID: req.ActionID,
		RequestContext: signer.RequestContext{
			Requester:      "devhost",
			Tool:           req.Tool,
			Reason:         req.Reason,
			ClientID:       clientID,
			MobileActionID: req.ActionID,
		},
	}

	var result *intent.ExecuteResult
	if entry.kind == preparedTransfer {
		execReq.Action = entry.transfer
		result, err = s.preparer.ExecuteTransfer(ctx, execReq)
	} else {
		result, err = s.preparer.ExecuteSwap(ctx, entry.swap, execReq)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	s.hub.BroadcastTxStatus(result.TxHash.Hex(), string(activity.StatusPending), "", "")
	c.JSON(http.StatusOK, gin.H{
		"txHash":          result.TxHash,
		"signerMode":      result.SignerMode,
		"signerRequestId": result.SignerRequestID,
		"mobileActionId":  result.MobileActionID,
	})
}

// sessionSigner builds the session signer for mode. A failure here is
// returned as-is: there is no fallback from remote to local.
func (s *Server) sessionSigner(c *gin.Context, mode intent.SignerMode, sessionPK felt.Felt) (signer.SessionSigner, string, error) {
	ctx := c.Request.Context()
	switch mode {
	case intent.SignerModeRemote:
		rcfg, err := remotesignercfg.Load(ctx, remotesignercfg.Input{
			Mode:             remotesignercfg.ModeRemote,
			ProxyURL:         s.cfg.RemoteSignerURL,
			RequestTimeoutMs: s.cfg.RemoteSignerTimeout.Milliseconds(),
			Requester:        "devhost",
			MTLSRequired:     s.cfg.IsProduction(),
			IsProduction:     s.cfg.IsProduction(),
		}, s.store)
		if err != nil {
			return nil, "", err
		}
		remote := signer.NewRemoteSigner(signer.RemoteConfig{
			ProxyURL:   rcfg.ProxyURL(),
			ClientID:   rcfg.ClientID(),
			HMACSecret: rcfg.HMACSecret(),
			Timeout:    time.Duration(rcfg.RequestTimeoutMs()) * time.Millisecond,
		})
		return remote, rcfg.ClientID(), nil

	default:
		privateKey, err := s.registry.PrivateKeyFor(ctx, sessionPK)
		if err != nil {
			return nil, "", err
		}
		local, err := signer.NewLocalSessionSigner(privateKey, sessionPK)
		if err != nil {
			return nil, "", err
		}
		return local, "", nil
	}
}

// staticAggregator satisfies intent.Aggregator with a quote the caller
// already fetched out-of-band.
type staticAggregator struct {
	quote intent.Quote
}

func (a *staticAggregator) Quote(_ context.Context, _ intent.QuoteRequest) (intent.Quote, error) {
	return a.quote, nil
}

// -----------------------------------------------------------------------------
// Activity
// -----------------------------------------------------------------------------

func (s *Server) listActivityHandler(c *gin.Context) {
	records, err := s.activity.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []activity.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": records, "count": len(records)})
}

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

type policyResponse struct {
	DailySpendCapUsd      float64  `json:"dailySpendCapUsd"`
	PerTxCapUsd           float64  `json:"perTxCapUsd"`
	AllowlistedRecipients []string `json:"allowlistedRecipients"`
	ContractAllowlistMode string   `json:"contractAllowlistMode"`
	AllowedTargets        []string `json:"allowedTargets"`
	AllowedTargetsPreset  string   `json:"allowedTargetsPreset"`
	EmergencyLockdown     bool     `json:"emergencyLockdown"`
}

func (s *Server) getPolicyHandler(c *gin.Context) {
	p := s.currentPolicy()
	c.JSON(http.StatusOK, policyToResponse(p))
}

func policyToResponse(p policyeval.Policy) policyResponse {
	recipients := make([]string, 0, len(p.AllowlistedRecipients))
	for r := range p.AllowlistedRecipients {
		recipients = append(recipients, r)
	}
	targets := make([]string, 0, len(p.AllowedTargets))
	for _, t := range p.AllowedTargets {
		targets = append(targets, t.Hex())
	}
	return policyResponse{
		DailySpendCapUsd:      p.DailySpendCapUsd,
		PerTxCapUsd:           p.PerTxCapUsd,
		AllowlistedRecipients: recipients,
		ContractAllowlistMode: string(p.ContractAllowlistMode),
		AllowedTargets:        targets,
		AllowedTargetsPreset:  p.AllowedTargetsPreset,
		EmergencyLockdown:     p.EmergencyLockdown,
	}
}

func (s *Server) updatePolicyHandler(c *gin.Context) {
	var req policyResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	mode := policyeval.ContractAllowlistMode(req.ContractAllowlistMode)
	switch mode {
	case policyeval.ModeTrustedOnly, policyeval.ModeWarn, policyeval.ModeOpen:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "contractAllowlistMode must be trusted-only, warn, or open"})
		return
	}

	recipients := make(map[string]struct{}, len(req.AllowlistedRecipients))
	for _, hex := range req.AllowlistedRecipients {
		f, err := felt.FromHex(hex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "allowlistedRecipients contains a non-felt entry"})
			return
		}
		recipients[f.Hex()] = struct{}{}
	}
	targets := make([]felt.Felt, 0, len(req.AllowedTargets))
	for _, hex := range req.AllowedTargets {
		f, err := felt.FromHex(hex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "allowedTargets contains a non-felt entry"})
			return
		}
		targets = append(targets, f)
	}

	s.policyMu.Lock()
	s.policySettings = policyeval.Policy{
		DailySpendCapUsd:      req.DailySpendCapUsd,
		PerTxCapUsd:           req.PerTxCapUsd,
		AllowlistedRecipients: recipients,
		ContractAllowlistMode: mode,
		AllowedTargets:        targets,
		AllowedTargetsPreset:  req.AllowedTargetsPreset,
		EmergencyLockdown:     req.EmergencyLockdown,
	}
	updated := s.policySettings
	s.policyMu.Unlock()

	rec, err := s.activity.Append(c.Request.Context(), activity.Record{
		Kind:  activity.KindPolicyUpdated,
		Title: "Policy updated",
	})
	if err == nil {
		s.hub.BroadcastActivity(rec)
	}
	s.hub.Broadcast(&realtime.Event{Type: realtime.EventPolicy, Timestamp: time.Now(), Data: policyToResponse(updated)})

	c.JSON(http.StatusOK, policyToResponse(updated))
}

// -----------------------------------------------------------------------------
// Feature flags
// -----------------------------------------------------------------------------

func (s *Server) getFlagHandler(c *gin.Context) {
	name := c.Param("name")
	enabled, err := s.flags.IsEnabled(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "enabled": enabled})
}

type setFlagRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setFlagHandler(c *gin.Context) {
	name := c.Param("name")
	var req setFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := s.flags.SetFlag(c.Request.Context(), name, *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	// Read back: session_signer_v2 coerces writes of false to true.
	enabled, err := s.flags.IsEnabled(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "enabled": enabled})
}

// -----------------------------------------------------------------------------
// Poller lifecycle
// -----------------------------------------------------------------------------

func (s *Server) pausePollerHandler(c *gin.Context) {
	s.foreground.Store(false)
	s.poller.Pause()
	c.JSON(http.StatusOK, gin.H{"polling": false})
}

func (s *Server) resumePollerHandler(c *gin.Context) {
	s.foreground.Store(true)
	s.poller.Resume()
	c.JSON(http.StatusOK, gin.H{"polling": true})
}

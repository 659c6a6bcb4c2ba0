package intent

import (
	"context"
	"math/big"
	"time"

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/idgen"
	"github.com/starkclaw/session-core/internal/policyeval"
	"github.com/starkclaw/session-core/internal/sessionregistry"
	"github.com/starkclaw/session-core/internal/signer"
	"github.com/starkclaw/session-core/internal/starkrpc"
	"github.com/starkclaw/session-core/internal/token"
	"github.com/starkclaw/session-core/internal/traces"
)

const transferEntrypoint = "transfer"

// TransferRequest is the input to PrepareTransfer.
type TransferRequest struct {
	Network          token.NetworkID
	TokenSymbol      string
	AmountText       string
	To               felt.Felt
	SessionPublicKey *felt.Felt // optional; most-recent usable session used if nil

	// AmountUSD is the transfer's value in USD, as computed by the caller
	// (price conversion is a UI/agent concern, out of scope for this
	// core) — required so the per-tx and daily USD caps can run.
	AmountUSD float64

	Policy policyeval.Policy
}

// PrepareTransfer validates an ERC-20 transfer intent end to end: resolve
// the token, parse the amount, read balance (warn, don't fail, on
// insufficiency), resolve a usable session, build calldata, and run the
// policy checklist. The returned PreparedAction is immutable.
func (p *Preparer) PrepareTransfer(ctx context.Context, req TransferRequest) (*PreparedAction, error) {
	ctx, span := traces.StartSpan(ctx, "intent.PrepareTransfer", traces.Amount(req.AmountText))
	defer span.End()

	// 1. Resolve token descriptor; reject cross-network mismatch.
	desc, err := token.Resolve(req.TokenSymbol)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "unsupported token", err)
	}
	tokenAddrHex, err := desc.AddressOn(req.Network)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "token is not available on this network", err)
	}
	tokenAddress, err := felt.FromHex(tokenAddrHex)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "token address is malformed", err)
	}

	// 2. Parse amountText -> amountBaseUnits, using arbitrary
	// precision arithmetic only.
	amountBaseUnits, err := felt.ParseUnits(req.AmountText, desc.Decimals)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "malformed amount", err)
	}

	// Emergency lockdown overrides everything else;
	// short-circuit before any session lookup or RPC round trip.
	if req.Policy.EmergencyLockdown {
		return nil, corerr.New(corerr.CodeEmergencyLockdown, "Emergency lockdown is enabled")
	}

	// 4. Resolve a usable session credential before spending an RPC round
	// trip on the balance check that only matters if one exists.
	cred, err := p.resolveSession(ctx, req.TokenSymbol, req.SessionPublicKey)
	if err != nil {
		return nil, err
	}

	// 3. Read current on-chain balance; warn (not fail) when amount > balance.
	var warnings []string
	balance, err := p.balanceOf(ctx, tokenAddress, cred.PublicKey)
	if err != nil {
		return nil, err
	}
	if amountBaseUnits.Cmp(balance) > 0 {
		warnings = append(warnings, "this amount exceeds the session's current on-chain token balance")
	}

	// 5. Encode ERC-20 transfer(to, amount) calldata as [to, amount.low, amount.high].
	amountU256, err := felt.U256FromBigInt(amountBaseUnits)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "amount does not fit in a u256", err)
	}
	calldata := []felt.Felt{req.To, amountU256.Low, amountU256.High}

	// 6. Apply the policy checklist; carry warnings forward without
	// erasing them.
	decision, err := p.Policy.Evaluate(ctx, policyeval.Request{
		TokenSymbol:     req.TokenSymbol,
		AmountBaseUnits: amountBaseUnits,
		AmountUSD:       req.AmountUSD,
		Recipient:       req.To,
		Session:         cred,
		Policy:          req.Policy,
	})
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, decision.Warnings...)

	// 7. Return the immutable PreparedAction plus metadata.
	return &PreparedAction{
		Kind:             KindERC20Transfer,
		TokenSymbol:      req.TokenSymbol,
		TokenAddress:     tokenAddress,
		To:               req.To,
		Amount:           req.AmountText,
		AmountBaseUnits:  amountBaseUnits.String(),
		BalanceBaseUnits: balance.String(),
		Calldata:         calldata,
		SessionPublicKey: cred.PublicKey,
		Policy: PolicySnapshot{
			SpendingLimitBaseUnits: cred.SpendingLimitBaseUnits,
			ValidUntil:             cred.ValidUntil,
		},
		Warnings: warnings,
	}, nil
}

// resolveSession picks the session credential Execute will sign with:
// the caller-supplied public key if given, else the most-recent usable
// credential for tokenSymbol. Fails with CodeSessionNotFound if none
// qualifies.
func (p *Preparer) resolveSession(ctx context.Context, tokenSymbol string, requested *felt.Felt) (sessionregistry.SessionCredential, error) {
	creds, err := p.Registry.ListSessionKeys(ctx)
	if err != nil {
		return sessionregistry.SessionCredential{}, corerr.Wrap(corerr.CodeInternal, "failed to list session keys", err)
	}

	now := time.Now()
	if requested != nil {
		for _, c := range creds {
			if c.PublicKey.Cmp(*requested) == 0 {
				if !c.IsUsable(now) {
					return sessionregistry.SessionCredential{}, corerr.New(corerr.CodeSessionExpired, "the requested session key is expired or revoked")
				}
				return c, nil
			}
		}
		return sessionregistry.SessionCredential{}, corerr.New(corerr.CodeSessionNotFound, "no session credential with that public key")
	}

	// ListSessionKeys returns newest-first; take the first
	// usable one scoped to this token.
	for _, c := range creds {
		if c.TokenSymbol == tokenSymbol && c.IsUsable(now) {
			return c, nil
		}
	}
	return sessionregistry.SessionCredential{}, corerr.New(corerr.CodeSessionNotFound, "no usable session key for this token").
		WithHint("create a session key for this token before preparing a transfer")
}

// balanceOf calls the token contract's balanceOf(owner) view function and
// reconstitutes the u256 result. A malformed response (wrong arity) is
// reported as an RPC error, not a policy concern.
func (p *Preparer) balanceOf(ctx context.Context, tokenAddress, owner felt.Felt) (*big.Int, error) {
	result, err := p.RPC.Call(ctx, tokenAddress, "balanceOf", []felt.Felt{owner})
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, corerr.New(corerr.CodeRPCError, "balanceOf returned fewer than 2 felts")
	}
	return felt.U256{Low: result[0], High: result[1]}.BigInt(), nil
}

// ExecuteRequest is the input to ExecuteTransfer.
type ExecuteRequest struct {
	Action         *PreparedAction
	AccountAddress felt.Felt
	SignerMode     SignerMode
	Signer         signer.SessionSigner
	RequestContext signer.RequestContext
	MobileActionID string
}

// ExecuteResult is what Core→UI's execute surface returns.
type ExecuteResult struct {
	TxHash          felt.Felt
	SignerMode      SignerMode
	SignerRequestID string
	MobileActionID  string
}

// ExecuteTransfer signs and submits a previously prepared transfer. The
// submission is persisted to the activity log immediately
// (status=pending) once a tx hash exists, keyed by that tx hash; the
// status poller takes it from there. signerMode, signerRequestId and
// mobileActionId are returned in ExecuteResult only; the activity record
// does not store them.
func (p *Preparer) ExecuteTransfer(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	ctx, span := traces.StartSpan(ctx, "intent.ExecuteTransfer", traces.SignerMode(string(req.SignerMode)))
	defer span.End()

	if req.Action == nil {
		return nil, corerr.New(corerr.CodeInvalidInput, "no prepared action to execute")
	}
	now := time.Now().Unix()
	if req.Action.Policy.ValidUntil <= now {
		return nil, corerr.New(corerr.CodeSessionExpired, "the session key backing this action has expired")
	}

	chainID, err := p.RPC.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := p.RPC.GetNonce(ctx, req.AccountAddress)
	if err != nil {
		return nil, err
	}
	validUntil := felt.FromUint64(uint64(req.Action.Policy.ValidUntil))

	execReq := signer.ExecutionRequest{
		AccountAddress: req.AccountAddress,
		ChainID:        chainID,
		Nonce:          nonce,
		ValidUntil:     validUntil,
		Calls: []signer.Call{{
			ContractAddress: req.Action.TokenAddress,
			Entrypoint:      transferEntrypoint,
			Calldata:        cloneFelts(req.Action.Calldata),
		}},
		Context: req.RequestContext,
	}

	sig, err := req.Signer.SignExecution(ctx, execReq)
	if err != nil {
		// Signer errors never degrade to a different signer variant —
		// propagate exactly as returned.
		return nil, err
	}

	signerRequestID := ""
	if req.SignerMode == SignerModeRemote {
		signerRequestID = idgen.WithPrefix("sreq_")
	}

	calls := []starkrpc.Call{{
		ContractAddress: req.Action.TokenAddress,
		Entrypoint:      transferEntrypoint,
		Calldata:        cloneFelts(req.Action.Calldata),
	}}
	txHash, err := p.RPC.SubmitSessionExecution(ctx, req.AccountAddress, calls, nonce, sig.Felts())
	if err != nil {
		return nil, err
	}

	title := "Sent " + req.Action.Amount + " " + req.Action.TokenSymbol
	if _, err := p.Activity.Append(ctx, activity.Record{
		Kind:   activity.KindTransferSubmitted,
		Title:  title,
		TxHash: &txHash,
		Status: activity.StatusPending,
	}); err != nil {
		return nil, err
	}
	return &ExecuteResult{
		TxHash:          txHash,
		SignerMode:      req.SignerMode,
		SignerRequestID: signerRequestID,
		MobileActionID:  req.MobileActionID,
	}, nil
}

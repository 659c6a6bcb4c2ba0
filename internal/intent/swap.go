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
	"github.com/starkclaw/session-core/internal/signer"
	"github.com/starkclaw/session-core/internal/starkrpc"
	"github.com/starkclaw/session-core/internal/token"
	"github.com/starkclaw/session-core/internal/traces"
)

const (
	approveEntrypoint = "approve"
	swapEntrypoint    = "swap"
)

// AggregatorPresets is the closed preset-id -> allowed-aggregator-address
// list bounding which aggregators a swap may route through. A quote whose
// AggregatorAddress isn't in the named preset is rejected before it ever
// reaches policy evaluation — an unbounded aggregator address is a
// delegation escape no session-level spend cap would catch.
var AggregatorPresets = map[string][]felt.Felt{
	"default": {
		felt.MustFromHex("0x0203f7e598de3c1aa9dcdb5c7d4e5ccc7c4a7e4f4a7d2e1c0b9a8978675645"),
	},
}

// QuoteRequest is what PrepareSwap asks an Aggregator for.
type QuoteRequest struct {
	Network             token.NetworkID
	SellToken           felt.Felt
	BuyToken            felt.Felt
	SellAmountBaseUnits *big.Int
}

// Quote is an external aggregator's proposed route for a swap. This core
// never trusts a quote's AggregatorAddress without checking it against
// AggregatorPresets first.
type Quote struct {
	AggregatorAddress  felt.Felt
	BuyAmountBaseUnits *big.Int
	RouteSummary       string
	SwapCalldata       []felt.Felt
}

// Aggregator is the external swap-quote collaborator — this core only
// consumes the interface it exposes.
type Aggregator interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// SwapRequest is the input to PrepareSwap.
type SwapRequest struct {
	Network          token.NetworkID
	SellTokenSymbol  string
	BuyTokenSymbol   string
	AmountText       string // sell amount, human-readable
	SessionPublicKey *felt.Felt
	AmountUSD        float64
	Preset           string // key into AggregatorPresets; defaults to "default"
	Policy           policyeval.Policy
}

// SwapPreparedAction is PrepareSwap's immutable output: an approve call
// (bounded to the exact sell amount, never MAX uint) plus
// the swap call itself.
type SwapPreparedAction struct {
	SellTokenSymbol         string
	SellTokenAddress        felt.Felt
	BuyTokenSymbol          string
	BuyTokenAddress         felt.Felt
	SellAmount              string
	SellAmountBaseUnits     string
	BuyAmountBaseUnits      string
	AggregatorAddress       felt.Felt
	ApprovalAmountBaseUnits string // always equals SellAmountBaseUnits
	ApprovalCalldata        []felt.Felt
	SwapCalldata            []felt.Felt
	RouteSummary            string
	SessionPublicKey        felt.Felt
	Policy                  PolicySnapshot
	Warnings                []string
}

// PrepareSwap extends PrepareTransfer's flow: resolve both tokens, parse
// the sell amount, resolve a session, obtain a quote, verify the quote's
// aggregator is in the bounded preset, run the policy checklist against
// the sell leg, and emit a bounded (never-MAX) approval hint alongside
// the swap call.
func (p *Preparer) PrepareSwap(ctx context.Context, agg Aggregator, req SwapRequest) (*SwapPreparedAction, error) {
	ctx, span := traces.StartSpan(ctx, "intent.PrepareSwap", traces.Amount(req.AmountText))
	defer span.End()

	sellDesc, err := token.Resolve(req.SellTokenSymbol)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "unsupported sell token", err)
	}
	buyDesc, err := token.Resolve(req.BuyTokenSymbol)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "unsupported buy token", err)
	}
	sellAddrHex, err := sellDesc.AddressOn(req.Network)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "sell token is not available on this network", err)
	}
	buyAddrHex, err := buyDesc.AddressOn(req.Network)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "buy token is not available on this network", err)
	}
	sellAddress, err := felt.FromHex(sellAddrHex)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "sell token address is malformed", err)
	}
	buyAddress, err := felt.FromHex(buyAddrHex)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "buy token address is malformed", err)
	}

	sellAmount, err := felt.ParseUnits(req.AmountText, sellDesc.Decimals)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "malformed amount", err)
	}

	// Lockdown short-circuits before the session lookup and the external
	// quote, mirroring PrepareTransfer.
	if req.Policy.EmergencyLockdown {
		return nil, corerr.New(corerr.CodeEmergencyLockdown, "Emergency lockdown is enabled")
	}

	cred, err := p.resolveSession(ctx, req.SellTokenSymbol, req.SessionPublicKey)
	if err != nil {
		return nil, err
	}

	preset := req.Preset
	if preset == "" {
		preset = "default"
	}
	allowed, ok := AggregatorPresets[preset]
	if !ok {
		return nil, corerr.New(corerr.CodeInvalidInput, "unknown aggregator preset: "+preset)
	}

	quote, err := agg.Quote(ctx, QuoteRequest{
		Network:             req.Network,
		SellToken:           sellAddress,
		BuyToken:            buyAddress,
		SellAmountBaseUnits: sellAmount,
	})
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeRPCError, "failed to obtain a swap quote", err)
	}
	if !presetContains(allowed, quote.AggregatorAddress) {
		return nil, corerr.New(corerr.CodePolicyDenied, "quoted aggregator is not in the allowed preset").
			WithHint("choose a different route or update the aggregator preset")
	}

	decision, err := p.Policy.Evaluate(ctx, policyeval.Request{
		TokenSymbol:     req.SellTokenSymbol,
		AmountBaseUnits: sellAmount,
		AmountUSD:       req.AmountUSD,
		Recipient:       quote.AggregatorAddress,
		Session:         cred,
		Policy:          req.Policy,
	})
	if err != nil {
		return nil, err
	}

	// Bounded approval: the approve() call always carries the exact sell
	// amount, never MAX uint — an unbounded approval would outlive this
	// one swap and widen the session's effective spending authority.
	sellU256, err := felt.U256FromBigInt(sellAmount)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidInput, "amount does not fit in a u256", err)
	}

	buyAmount := quote.BuyAmountBaseUnits
	if buyAmount == nil {
		buyAmount = big.NewInt(0)
	}

	return &SwapPreparedAction{
		SellTokenSymbol:         req.SellTokenSymbol,
		SellTokenAddress:        sellAddress,
		BuyTokenSymbol:          req.BuyTokenSymbol,
		BuyTokenAddress:         buyAddress,
		SellAmount:              req.AmountText,
		SellAmountBaseUnits:     sellAmount.String(),
		BuyAmountBaseUnits:      buyAmount.String(),
		AggregatorAddress:       quote.AggregatorAddress,
		ApprovalAmountBaseUnits: sellAmount.String(),
		ApprovalCalldata:        []felt.Felt{quote.AggregatorAddress, sellU256.Low, sellU256.High},
		SwapCalldata:            cloneFelts(quote.SwapCalldata),
		RouteSummary:            quote.RouteSummary,
		SessionPublicKey:        cred.PublicKey,
		Policy: PolicySnapshot{
			SpendingLimitBaseUnits: cred.SpendingLimitBaseUnits,
			ValidUntil:             cred.ValidUntil,
		},
		Warnings: decision.Warnings,
	}, nil
}

func presetContains(list []felt.Felt, target felt.Felt) bool {
	for _, f := range list {
		if f.Cmp(target) == 0 {
			return true
		}
	}
	return false
}

// ExecuteSwap signs and submits a previously prepared swap as a single
// multicall: the bounded approve() followed by the swap() call, the same
// pattern internal/starkrpc.submitMulticall encodes for any multi-call
// execute transaction.
func (p *Preparer) ExecuteSwap(ctx context.Context, action *SwapPreparedAction, req ExecuteRequest) (*ExecuteResult, error) {
	ctx, span := traces.StartSpan(ctx, "intent.ExecuteSwap", traces.SignerMode(string(req.SignerMode)))
	defer span.End()

	if action == nil {
		return nil, corerr.New(corerr.CodeInvalidInput, "no prepared swap to execute")
	}
	now := time.Now().Unix()
	if action.Policy.ValidUntil <= now {
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
	validUntil := felt.FromUint64(uint64(action.Policy.ValidUntil))

	execReq := signer.ExecutionRequest{
		AccountAddress: req.AccountAddress,
		ChainID:        chainID,
		Nonce:          nonce,
		ValidUntil:     validUntil,
		Calls: []signer.Call{
			{
				ContractAddress: action.SellTokenAddress,
				Entrypoint:      approveEntrypoint,
				Calldata:        cloneFelts(action.ApprovalCalldata),
			},
			{
				ContractAddress: action.AggregatorAddress,
				Entrypoint:      swapEntrypoint,
				Calldata:        cloneFelts(action.SwapCalldata),
			},
		},
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

	calls := []starkrpc.Call{
		{
			ContractAddress: action.SellTokenAddress,
			Entrypoint:      approveEntrypoint,
			Calldata:        cloneFelts(action.ApprovalCalldata),
		},
		{
			ContractAddress: action.AggregatorAddress,
			Entrypoint:      swapEntrypoint,
			Calldata:        cloneFelts(action.SwapCalldata),
		},
	}
	txHash, err := p.RPC.SubmitSessionExecution(ctx, req.AccountAddress, calls, nonce, sig.Felts())
	if err != nil {
		return nil, err
	}

	title := "Swapped " + action.SellAmount + " " + action.SellTokenSymbol + " for " + action.BuyTokenSymbol
	if _, err := p.Activity.Append(ctx, activity.Record{
		Kind:   activity.KindSwapSubmitted,
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

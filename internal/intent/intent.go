// Package intent implements the intent preparer: it turns a raw
// transfer or swap request from the UI or an agent tool into a validated,
// immutable PreparedAction, applying the policy checklist before the
// action is ever handed to a signer (internal/signer). Nothing in this
// package signs or submits a transaction itself — Execute* methods
// delegate signing to a caller-supplied signer.SessionSigner and
// submission to an RPCClient, then record the outcome through
// internal/activity.
package intent

import (
	"context"

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/policyeval"
	"github.com/starkclaw/session-core/internal/sessionregistry"
	"github.com/starkclaw/session-core/internal/starkrpc"
)

// Kind distinguishes the shape of a PreparedAction.
type Kind string

const (
	KindERC20Transfer Kind = "erc20_transfer"
	KindSwap          Kind = "swap"
)

// SignerMode names which signer variant executed an action, carried into
// the activity record and the Core→UI execute response.
type SignerMode string

const (
	SignerModeLocal  SignerMode = "local"
	SignerModeRemote SignerMode = "remote"
)

// PolicySnapshot is the subset of a PreparedAction's binding to its
// session that execution re-checks: the session's own spend limit and expiry,
// frozen at preparation time so a later session mutation can't silently
// change what was already prepared.
type PolicySnapshot struct {
	SpendingLimitBaseUnits string
	ValidUntil             int64
}

// PreparedAction is the immutable output of PrepareTransfer.
// Callers must not mutate its slice fields after preparation; every
// constructor in this package returns freshly allocated slices for this
// reason.
type PreparedAction struct {
	Kind             Kind
	TokenSymbol      string
	TokenAddress     felt.Felt
	To               felt.Felt
	Amount           string // decimal, as supplied
	AmountBaseUnits  string // decimal, smallest units
	BalanceBaseUnits string // decimal, smallest units, at preparation time
	Calldata         []felt.Felt
	SessionPublicKey felt.Felt
	Policy           PolicySnapshot
	Warnings         []string
	MobileActionID   string
}

// Registry is the subset of sessionregistry.Registry the preparer needs
// to resolve a usable session credential.
type Registry interface {
	ListSessionKeys(ctx context.Context) ([]sessionregistry.SessionCredential, error)
}

// PolicyEvaluator is the subset of policyeval.Evaluator the preparer
// drives before ever returning a PreparedAction.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policyeval.Request) (policyeval.Decision, error)
}

// BalanceReader is the subset of starkrpc.Client the preparer needs to
// read an ERC-20 balance via starknet_call.
type BalanceReader interface {
	Call(ctx context.Context, contractAddress felt.Felt, entrypoint string, calldata []felt.Felt) ([]felt.Felt, error)
}

// RPCClient is the subset of starkrpc.Client Execute needs: chain id and
// nonce lookups, plus submission of an already-signed session execution.
type RPCClient interface {
	BalanceReader
	ChainID(ctx context.Context) (felt.Felt, error)
	GetNonce(ctx context.Context, accountAddress felt.Felt) (felt.Felt, error)
	SubmitSessionExecution(ctx context.Context, accountAddress felt.Felt, calls []starkrpc.Call, nonce felt.Felt, signature []felt.Felt) (felt.Felt, error)
}

// ActivityRecorder is the subset of activity.Log the preparer writes
// submission records through.
type ActivityRecorder interface {
	Append(ctx context.Context, rec activity.Record) (activity.Record, error)
}

// Preparer binds an intent request to a session, validates it against
// policy, and — on Execute — signs and submits it. It holds no mutable
// state of its own; every method is safe for concurrent use so long as
// its dependencies are.
type Preparer struct {
	Registry Registry
	Policy   PolicyEvaluator
	RPC      RPCClient
	Activity ActivityRecorder
}

// New builds a Preparer from its four collaborators.
func New(registry Registry, policy PolicyEvaluator, rpc RPCClient, log ActivityRecorder) *Preparer {
	return &Preparer{Registry: registry, Policy: policy, RPC: rpc, Activity: log}
}

func cloneFelts(fs []felt.Felt) []felt.Felt {
	out := make([]felt.Felt, len(fs))
	copy(out, fs)
	return out
}

// Package policyeval implements the local pre-flight policy check applied
// to every PreparedAction before it is ever handed to a signer. It never
// talks to the chain — the registry's fail-closed on-chain validity check
// and this local policy check are deliberately separate layers, so a bug
// in one cannot silently widen the other.
package policyeval

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/metrics"
	"github.com/starkclaw/session-core/internal/sessionregistry"
	"github.com/starkclaw/session-core/internal/token"
	"github.com/starkclaw/session-core/internal/traces"
)

// ContractAllowlistMode selects how Policy.AllowlistedRecipients is
// enforced against a transfer's recipient.
type ContractAllowlistMode string

const (
	ModeTrustedOnly ContractAllowlistMode = "trusted-only"
	ModeWarn        ContractAllowlistMode = "warn"
	ModeOpen        ContractAllowlistMode = "open"
)

// Policy is the process-wide policy settings record.
// Mutating it requires owner authentication — enforced by the caller
// (the owner-signed admin path), not by this package.
type Policy struct {
	DailySpendCapUsd      float64
	PerTxCapUsd           float64
	AllowlistedRecipients map[string]struct{} // lowercase canonical felt hex
	ContractAllowlistMode ContractAllowlistMode
	AllowedTargets        []felt.Felt
	AllowedTargetsPreset  string
	EmergencyLockdown     bool
}

// IsAllowlistedRecipient reports whether recipient appears in
// AllowlistedRecipients, by numeric felt equality.
func (p Policy) IsAllowlistedRecipient(recipient felt.Felt) bool {
	_, ok := p.AllowlistedRecipients[recipient.Hex()]
	return ok
}

// Request is one transfer (or transfer-shaped swap leg) awaiting a policy
// decision.
type Request struct {
	TokenSymbol     string
	AmountBaseUnits *big.Int
	AmountUSD       float64
	Recipient       felt.Felt
	Session         sessionregistry.SessionCredential
	Policy          Policy
}

// Decision is the outcome of Evaluate: Allow is always accompanied by zero
// or more non-fatal Warnings (allow-list "warn" mode); a denial is
// returned as an error instead, so callers can't forget to check it.
type Decision struct {
	Warnings []string
}

// windowEntry is one (amount-cents, timestamp) pair in the daily rolling
// spend window.
type windowEntry struct {
	Cents     int64 `json:"cents"`
	Timestamp int64 `json:"timestamp"`
}

// Evaluator runs the pre-flight checklist and maintains the daily rolling
// spend window it depends on, persisted through a keystore.Store so the
// window survives process restarts.
type Evaluator struct {
	store keystore.Store
}

// New builds an Evaluator backed by store.
func New(store keystore.Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate runs every check in a fixed order and returns either an Allow
// Decision (with any accumulated warnings) or a *corerr.CoreError denial.
// A successful Allow also records the request's USD amount into the daily
// rolling window.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	ctx, span := traces.StartSpan(ctx, "policyeval.Evaluate", traces.SessionPublicKey(req.Session.PublicKey.Hex()))
	defer span.End()

	decision, err := e.evaluate(ctx, req)
	if err != nil {
		span.SetAttributes(traces.PolicyDecision("deny"))
		if ce, ok := err.(*corerr.CoreError); ok {
			metrics.PolicyDecisionsTotal.WithLabelValues("deny", string(ce.Code)).Inc()
		}
		return Decision{}, err
	}
	span.SetAttributes(traces.PolicyDecision("allow"))
	metrics.PolicyDecisionsTotal.WithLabelValues("allow", "").Inc()
	return decision, nil
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) (Decision, error) {
	// 1. Emergency lockdown overrides everything else.
	if req.Policy.EmergencyLockdown {
		return Decision{}, corerr.New(corerr.CodeEmergencyLockdown, "Emergency lockdown is enabled")
	}

	// 2. Token must be one of the supported symbols.
	if !token.IsKnown(req.TokenSymbol) {
		return Decision{}, corerr.New(corerr.CodeInvalidInput, "unsupported token: "+req.TokenSymbol)
	}

	// 3. Amount must be positive.
	if req.AmountBaseUnits == nil || req.AmountBaseUnits.Sign() <= 0 {
		return Decision{}, corerr.New(corerr.CodeInvalidInput, "amount must be greater than zero")
	}

	// 4. Amount must not exceed the session's own spending limit.
	limit, ok := new(big.Int).SetString(req.Session.SpendingLimitBaseUnits, 10)
	if !ok {
		return Decision{}, corerr.New(corerr.CodeInternal, "session spending limit is malformed")
	}
	if req.AmountBaseUnits.Cmp(limit) > 0 {
		return Decision{}, corerr.New(corerr.CodePolicyDenied, "amount exceeds this session's spend limit").
			WithHint("reduce the amount or create a session key with a higher limit")
	}

	// 5. Per-transaction USD cap.
	if req.Policy.PerTxCapUsd > 0 && req.AmountUSD > req.Policy.PerTxCapUsd {
		return Decision{}, corerr.New(corerr.CodePolicyDenied,
			formatCapDenial(req.AmountUSD, req.Policy.PerTxCapUsd))
	}

	// 5b. Daily rolling spend cap, sharing the per-tx USD cap's unit.
	if req.Policy.DailySpendCapUsd > 0 {
		spentToday, err := e.dailySpendUsd(ctx)
		if err != nil {
			return Decision{}, err
		}
		if spentToday+req.AmountUSD > req.Policy.DailySpendCapUsd {
			return Decision{}, corerr.New(corerr.CodePolicyDenied,
				"this transfer would exceed the daily spend cap").
				WithHint("wait for the rolling 24h window to clear, or raise the daily cap")
		}
	}

	var warnings []string

	// 6. Contract allow-list mode, evaluated against the recipient.
	switch req.Policy.ContractAllowlistMode {
	case ModeTrustedOnly:
		if !req.Policy.IsAllowlistedRecipient(req.Recipient) {
			return Decision{}, corerr.New(corerr.CodePolicyDenied,
				"recipient is not on the trusted allow-list")
		}
	case ModeWarn:
		if !req.Policy.IsAllowlistedRecipient(req.Recipient) {
			warnings = append(warnings, "recipient is not on the trusted allow-list")
		}
	case ModeOpen, "":
		// allow silently
	}

	// 7. Session-level allowedContracts. The on-chain API has no
	// per-contract restriction concept, so this check exists purely
	// client-side.
	if len(req.Session.AllowedContracts) > 0 {
		allowed := false
		for _, c := range req.Session.AllowedContracts {
			if c.Cmp(req.Recipient) == 0 {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{}, corerr.New(corerr.CodePolicyDenied,
				"target is not in this session's allowed contract list")
		}
	}

	if err := e.recordSpend(ctx, req.AmountUSD); err != nil {
		return Decision{}, err
	}

	return Decision{Warnings: warnings}, nil
}

func formatCapDenial(amountUSD, capUSD float64) string {
	return "amount $" + trimFloat(amountUSD) + " exceeds the per-transaction cap of $" + trimFloat(capUSD)
}

func trimFloat(v float64) string {
	s := big.NewFloat(v).Text('f', 2)
	return s
}

// dailySpendUsd sums the window's still-live (< 24h old) entries.
func (e *Evaluator) dailySpendUsd(ctx context.Context) (float64, error) {
	entries, err := e.loadWindow(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	var totalCents int64
	for _, entry := range entries {
		if entry.Timestamp >= cutoff {
			totalCents += entry.Cents
		}
	}
	return float64(totalCents) / 100, nil
}

// recordSpend evicts entries older than 24h and appends the new one.
func (e *Evaluator) recordSpend(ctx context.Context, amountUSD float64) error {
	entries, err := e.loadWindow(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	live := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp >= cutoff {
			live = append(live, entry)
		}
	}
	live = append(live, windowEntry{Cents: int64(amountUSD * 100), Timestamp: time.Now().Unix()})
	return e.saveWindow(ctx, live)
}

func (e *Evaluator) loadWindow(ctx context.Context) ([]windowEntry, error) {
	raw, err := e.store.Get(ctx, keystore.NSPolicyWindow)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to read policy spend window", err)
	}
	if raw == nil {
		return nil, nil
	}
	var entries []windowEntry
	if err := json.Unmarshal([]byte(*raw), &entries); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "policy spend window is corrupt", err)
	}
	return entries, nil
}

func (e *Evaluator) saveWindow(ctx context.Context, entries []windowEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to encode policy spend window", err)
	}
	if err := e.store.Set(ctx, keystore.NSPolicyWindow, string(raw)); err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to persist policy spend window", err)
	}
	return nil
}

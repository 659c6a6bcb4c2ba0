package starkrpc

import (
	"context"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/signer"
)

// Entrypoint names on the account contract's session-key API.
const (
	entrypointAddOrUpdateSessionKey = "add_or_update_session_key"
	entrypointRevokeSessionKey      = "revoke_session_key"
	entrypointEmergencyRevokeAll    = "emergency_revoke_all"
	entrypointGetSessionData        = "get_session_data"
)

// AddOrUpdateSessionKey implements sessionregistry.OnchainClient. It
// builds the add_or_update_session_key invoke call, has owner sign its
// hash, submits it, and returns the resulting transaction hash.
func (c *Client) AddOrUpdateSessionKey(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, sessionPublicKey, validUntil, maxCalls felt.Felt, allowedEntrypoints []felt.Felt) (felt.Felt, error) {
	calldata := append([]felt.Felt{sessionPublicKey, validUntil, maxCalls, felt.FromUint64(uint64(len(allowedEntrypoints)))}, allowedEntrypoints...)
	call := Call{ContractAddress: accountAddress, Entrypoint: entrypointAddOrUpdateSessionKey, Calldata: calldata}
	return c.signAndSubmit(ctx, accountAddress, owner, call)
}

// RevokeSessionKey implements sessionregistry.OnchainClient.
func (c *Client) RevokeSessionKey(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, sessionPublicKey felt.Felt) (felt.Felt, error) {
	call := Call{ContractAddress: accountAddress, Entrypoint: entrypointRevokeSessionKey, Calldata: []felt.Felt{sessionPublicKey}}
	return c.signAndSubmit(ctx, accountAddress, owner, call)
}

// EmergencyRevokeAll implements sessionregistry.OnchainClient.
func (c *Client) EmergencyRevokeAll(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner) (felt.Felt, error) {
	call := Call{ContractAddress: accountAddress, Entrypoint: entrypointEmergencyRevokeAll}
	return c.signAndSubmit(ctx, accountAddress, owner, call)
}

// GetSessionData implements sessionregistry.OnchainClient by calling the
// account contract's get_session_data view function.
func (c *Client) GetSessionData(ctx context.Context, accountAddress, sessionPublicKey felt.Felt) (validUntil, maxCalls, callsUsed felt.Felt, err error) {
	result, err := c.Call(ctx, accountAddress, entrypointGetSessionData, []felt.Felt{sessionPublicKey})
	if err != nil {
		return felt.Felt{}, felt.Felt{}, felt.Felt{}, err
	}
	if len(result) < 3 {
		return felt.Felt{}, felt.Felt{}, felt.Felt{}, corerr.New(corerr.CodeRPCError, "get_session_data returned fewer than 3 felts")
	}
	return result[0], result[1], result[2], nil
}

// signAndSubmit fetches the account's current nonce, computes the
// deterministic invoke hash, obtains the owner's signature over it, and
// submits the resulting invoke transaction.
func (c *Client) signAndSubmit(ctx context.Context, accountAddress felt.Felt, owner signer.OwnerSigner, call Call) (felt.Felt, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return felt.Felt{}, err
	}
	nonce, err := c.GetNonce(ctx, accountAddress)
	if err != nil {
		return felt.Felt{}, err
	}
	hash, err := InvokeHash(chainID, accountAddress, nonce, call)
	if err != nil {
		return felt.Felt{}, corerr.Wrap(corerr.CodeInternal, "failed to hash invoke transaction", err)
	}
	sig, err := owner.SignTransactionHash(ctx, hash)
	if err != nil {
		return felt.Felt{}, err
	}
	return c.submitInvoke(ctx, accountAddress, call, nonce, sig.Felts())
}

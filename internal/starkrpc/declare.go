package starkrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/signer"
)

// ClassIsDeclared reports whether classHash is already declared on the
// target chain, via starknet_getClass. A class-hash-not-found answer from
// the node is (false, nil); transport and RPC failures are returned so the
// caller can distinguish "not declared" from "couldn't ask".
func (c *Client) ClassIsDeclared(ctx context.Context, classHash felt.Felt) (bool, error) {
	var result json.RawMessage
	err := c.call(ctx, true, "starknet_getClass", []any{"latest", classHash.Hex()}, &result)
	if err == nil {
		return true, nil
	}

	var ce *corerr.CoreError
	if errors.As(err, &ce) && ce.Code == corerr.CodeRPCError {
		// Starknet error 28 is CLASS_HASH_NOT_FOUND; match the code and
		// the phrase so either node wording is recognized.
		msg := strings.ToLower(ce.Message)
		if strings.Contains(ce.Message, "RPC error 28") || strings.Contains(msg, "class hash not found") {
			return false, nil
		}
	}
	return false, err
}

// Confirmation wait: 60 attempts, 3s apart, per the registry's
// confirmation contract.
const (
	ConfirmAttempts = 60
	ConfirmInterval = 3 * time.Second
)

// WaitForAcceptance polls the transaction's receipt until it reaches an
// accepted execution or finality status, for up to ConfirmAttempts ×
// ConfirmInterval. A still-pending transaction after the full window is an
// error; the transaction may well confirm later, the caller just stops
// waiting synchronously.
func (c *Client) WaitForAcceptance(ctx context.Context, txHash felt.Felt) error {
	var lastErr error
	for i := 0; i < ConfirmAttempts; i++ {
		receipt, err := c.GetTransactionReceipt(ctx, txHash)
		if err != nil {
			lastErr = err
		} else {
			switch {
			case receipt.ExecutionStatus == "REVERTED" || receipt.ExecutionStatus == "FAILED":
				return corerr.New(corerr.CodeRPCError, "transaction reverted: "+receipt.RevertReason)
			case receipt.ExecutionStatus == "SUCCEEDED",
				receipt.FinalityStatus == "ACCEPTED_ON_L2",
				receipt.FinalityStatus == "ACCEPTED_ON_L1":
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ConfirmInterval):
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return corerr.New(corerr.CodeTransportTimeout, "transaction was not confirmed within the wait window")
}

type declareTransactionParams struct {
	Type          string          `json:"type"`
	SenderAddress string          `json:"sender_address"`
	ContractClass json.RawMessage `json:"contract_class"`
	Signature     []string        `json:"signature"`
	Nonce         string          `json:"nonce"`
	Version       string          `json:"version"`
}

type addDeclareTransactionResult struct {
	TransactionHash string `json:"transaction_hash"`
	ClassHash       string `json:"class_hash"`
}

// DeclareHash computes the deterministic stand-in hash the deployer signs
// over a declare transaction, consistent with InvokeHash's scheme.
func DeclareHash(chainID, senderAddress, nonce, classHash felt.Felt) (felt.Felt, error) {
	parts := fmt.Sprintf("declare|%s|%s|%s|%s", chainID.Hex(), senderAddress.Hex(), nonce.Hex(), classHash.Hex())
	hash := gethcrypto.Keccak256([]byte(parts))
	return felt.FromBigInt(new(big.Int).Mod(new(big.Int).SetBytes(hash), feltModulus))
}

// DeclareClass submits a DECLARE transaction for contractClass, signed by
// the deployer's owner signer — declare transactions always route to an
// owner signer, never a session signer, per the signer routing rules.
// Returns the resulting transaction hash.
func (c *Client) DeclareClass(ctx context.Context, senderAddress felt.Felt, owner signer.OwnerSigner, contractClass json.RawMessage, classHash felt.Felt) (felt.Felt, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return felt.Felt{}, err
	}
	nonce, err := c.GetNonce(ctx, senderAddress)
	if err != nil {
		return felt.Felt{}, err
	}
	hash, err := DeclareHash(chainID, senderAddress, nonce, classHash)
	if err != nil {
		return felt.Felt{}, corerr.Wrap(corerr.CodeInternal, "failed to hash declare transaction", err)
	}
	sig, err := owner.SignTransactionHash(ctx, hash)
	if err != nil {
		return felt.Felt{}, err
	}

	params := declareTransactionParams{
		Type:          "DECLARE",
		SenderAddress: senderAddress.Hex(),
		ContractClass: contractClass,
		Signature:     hexAll(sig.Felts()),
		Nonce:         nonce.Hex(),
		Version:       "0x2",
	}
	var result addDeclareTransactionResult
	if err := c.call(ctx, false, "starknet_addDeclareTransaction", []any{params}, &result); err != nil {
		return felt.Felt{}, err
	}
	return felt.FromHex(result.TransactionHash)
}

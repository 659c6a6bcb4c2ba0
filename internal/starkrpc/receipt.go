package starkrpc

import (
	"context"

	"github.com/starkclaw/session-core/internal/felt"
)

// TransactionReceipt is the subset of starknet_getTransactionReceipt's
// response this core acts on.
type TransactionReceipt struct {
	TransactionHash felt.Felt
	ExecutionStatus string // "SUCCEEDED", "REVERTED", "FAILED", or "" if not found/pending
	FinalityStatus  string // "ACCEPTED_ON_L2", "ACCEPTED_ON_L1", or ""
	RevertReason    string
}

type receiptResult struct {
	TransactionHash string `json:"transaction_hash"`
	ExecutionStatus string `json:"execution_status"`
	FinalityStatus  string `json:"finality_status"`
	RevertReason    string `json:"revert_reason"`
}

// GetTransactionReceipt calls starknet_getTransactionReceipt. A
// not-found or still-pending transaction is not an error: the caller
// (the status poller) leaves the tracked record's status unchanged in
// that case.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash felt.Felt) (*TransactionReceipt, error) {
	var result receiptResult
	if err := c.call(ctx, true, "starknet_getTransactionReceipt", []any{txHash.Hex()}, &result); err != nil {
		return nil, err
	}

	hash := txHash
	if result.TransactionHash != "" {
		if parsed, parseErr := felt.FromHex(result.TransactionHash); parseErr == nil {
			hash = parsed
		}
	}

	return &TransactionReceipt{
		TransactionHash: hash,
		ExecutionStatus: result.ExecutionStatus,
		FinalityStatus:  result.FinalityStatus,
		RevertReason:    result.RevertReason,
	}, nil
}

package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/keystore"
)

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	log := New(keystore.NewMemoryStore())

	r1, err := log.Append(ctx, Record{Kind: KindOnboarding, Title: "Wallet created"})
	require.NoError(t, err)
	r2, err := log.Append(ctx, Record{Kind: KindTransferSubmitted, Title: "Sent 1 USDC"})
	require.NoError(t, err)

	records, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, r1.ID, records[0].ID, "append order preserved")
	assert.Equal(t, r2.ID, records[1].ID)
}

func TestAppendCapsAt50(t *testing.T) {
	ctx := context.Background()
	log := New(keystore.NewMemoryStore())

	for i := 0; i < 60; i++ {
		_, err := log.Append(ctx, Record{Kind: KindTransferSubmitted, Title: "tx"})
		require.NoError(t, err)
	}

	records, err := log.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, MaxRecords)
}

func TestUpdateByTxHashIdempotent(t *testing.T) {
	ctx := context.Background()
	log := New(keystore.NewMemoryStore())

	tx := felt.MustFromHex("0xabc")
	_, err := log.Append(ctx, Record{Kind: KindTransferSubmitted, TxHash: &tx, Status: StatusPending})
	require.NoError(t, err)

	require.NoError(t, log.UpdateByTxHash(ctx, tx, Update{Status: StatusSucceeded, ExecutionStatus: "SUCCEEDED"}))

	records, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusSucceeded, records[0].Status)

	before := records[0]
	require.NoError(t, log.UpdateByTxHash(ctx, tx, Update{Status: StatusSucceeded, ExecutionStatus: "SUCCEEDED"}))

	records, err = log.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, records[0], "applying the same terminal status twice is a no-op")
}

func TestUpdateByTxHashUnknownHashIsNotError(t *testing.T) {
	ctx := context.Background()
	log := New(keystore.NewMemoryStore())

	unknown := felt.MustFromHex("0xdead")
	err := log.UpdateByTxHash(ctx, unknown, Update{Status: StatusSucceeded})
	assert.NoError(t, err)
}

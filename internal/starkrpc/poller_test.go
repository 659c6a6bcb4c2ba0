package starkrpc

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/felt"
)

type fakeReceiptFetcher struct {
	mu        sync.Mutex
	receipts  map[string]*TransactionReceipt
	callCount int
}

func (f *fakeReceiptFetcher) GetTransactionReceipt(_ context.Context, txHash felt.Felt) (*TransactionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if r, ok := f.receipts[txHash.Hex()]; ok {
		return r, nil
	}
	return &TransactionReceipt{TransactionHash: txHash}, nil
}

type fakeActivityStore struct {
	mu      sync.Mutex
	records []activity.Record
}

func (s *fakeActivityStore) List(_ context.Context) ([]activity.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activity.Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *fakeActivityStore) UpdateByTxHash(_ context.Context, txHash felt.Felt, upd activity.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].TxHash != nil && s.records[i].TxHash.Cmp(txHash) == 0 {
			if upd.Status != "" {
				s.records[i].Status = upd.Status
			}
			if upd.ExecutionStatus != "" {
				s.records[i].ExecutionStatus = upd.ExecutionStatus
			}
			if upd.RevertReason != "" {
				s.records[i].RevertReason = upd.RevertReason
			}
		}
	}
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollerResolvesSucceededReceipt(t *testing.T) {
	tx := felt.MustFromHex("0xabc")
	store := &fakeActivityStore{records: []activity.Record{
		{ID: "1", CreatedAt: time.Now().Unix(), Status: activity.StatusPending, TxHash: &tx},
	}}
	fetcher := &fakeReceiptFetcher{receipts: map[string]*TransactionReceipt{
		tx.Hex(): {TransactionHash: tx, ExecutionStatus: "SUCCEEDED"},
	}}

	p := NewPoller(fetcher, store, silentLogger(), time.Hour, time.Hour, 3)
	p.runCycle(t.Context())

	records, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, activity.StatusSucceeded, records[0].Status)
}

func TestPollerResolvesAcceptedFinalityWithoutExecutionStatus(t *testing.T) {
	tx := felt.MustFromHex("0xabc")
	store := &fakeActivityStore{records: []activity.Record{
		{ID: "1", CreatedAt: time.Now().Unix(), Status: activity.StatusPending, TxHash: &tx},
	}}
	fetcher := &fakeReceiptFetcher{receipts: map[string]*TransactionReceipt{
		tx.Hex(): {TransactionHash: tx, FinalityStatus: "ACCEPTED_ON_L2"},
	}}

	p := NewPoller(fetcher, store, silentLogger(), time.Hour, time.Hour, 3)
	p.runCycle(t.Context())

	records, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, activity.StatusSucceeded, records[0].Status)
}

func TestPollerLeavesStillPendingReceiptAlone(t *testing.T) {
	tx := felt.MustFromHex("0xabc")
	store := &fakeActivityStore{records: []activity.Record{
		{ID: "1", CreatedAt: time.Now().Unix(), Status: activity.StatusPending, TxHash: &tx},
	}}
	fetcher := &fakeReceiptFetcher{receipts: map[string]*TransactionReceipt{}}

	p := NewPoller(fetcher, store, silentLogger(), time.Hour, time.Hour, 3)
	p.runCycle(t.Context())

	records, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, activity.StatusPending, records[0].Status)
}

func TestPollerMarksStaleRecordsUnknown(t *testing.T) {
	tx := felt.MustFromHex("0xabc")
	old := time.Now().Add(-time.Hour).Unix()
	store := &fakeActivityStore{records: []activity.Record{
		{ID: "1", CreatedAt: old, Status: activity.StatusPending, TxHash: &tx},
	}}
	fetcher := &fakeReceiptFetcher{receipts: map[string]*TransactionReceipt{}}

	p := NewPoller(fetcher, store, silentLogger(), time.Hour, 30*time.Minute, 3)
	p.runCycle(t.Context())

	records, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, activity.StatusUnknown, records[0].Status)
	assert.Equal(t, 0, fetcher.callCount, "a stale record should never reach the RPC client")
}

func TestPollerInFlightGuardBlocksConcurrentCycles(t *testing.T) {
	tx := felt.MustFromHex("0xabc")
	store := &fakeActivityStore{records: []activity.Record{
		{ID: "1", CreatedAt: time.Now().Unix(), Status: activity.StatusPending, TxHash: &tx},
	}}
	fetcher := &fakeReceiptFetcher{receipts: map[string]*TransactionReceipt{}}
	p := NewPoller(fetcher, store, silentLogger(), time.Hour, time.Hour, 3)

	p.inFlight.Store(true)
	p.runCycle(t.Context())
	assert.Equal(t, 0, fetcher.callCount, "runCycle must no-op while a cycle is already in flight")
}

func TestPollerShouldRunGatesCycles(t *testing.T) {
	tx := felt.MustFromHex("0xabc")
	store := &fakeActivityStore{records: []activity.Record{
		{ID: "1", CreatedAt: time.Now().Unix(), Status: activity.StatusPending, TxHash: &tx},
	}}
	fetcher := &fakeReceiptFetcher{receipts: map[string]*TransactionReceipt{
		tx.Hex(): {TransactionHash: tx, ExecutionStatus: "SUCCEEDED"},
	}}
	p := NewPoller(fetcher, store, silentLogger(), 10*time.Millisecond, time.Hour, 3, WithShouldRun(func() bool { return false }))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Millisecond)
	defer cancel()
	p.Start(ctx)

	records, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, activity.StatusPending, records[0].Status, "poller must not run a cycle when shouldRun returns false")
}

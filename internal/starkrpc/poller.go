package starkrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/metrics"
	"github.com/starkclaw/session-core/internal/traces"
)

// ReceiptFetcher is the subset of Client the poller needs, kept as an
// interface so tests can substitute a fake node.
type ReceiptFetcher interface {
	GetTransactionReceipt(ctx context.Context, txHash felt.Felt) (*TransactionReceipt, error)
}

// ActivityStore is the subset of internal/activity.Log the poller reads
// and mutates.
type ActivityStore interface {
	List(ctx context.Context) ([]activity.Record, error)
	UpdateByTxHash(ctx context.Context, txHash felt.Felt, upd activity.Update) error
}

// Poller is the self-rescheduling, bounded-concurrency status poller: a
// ticker-driven loop with a stop channel and an atomic.Bool running flag,
// guarded against concurrent cycle execution by an in-flight CAS.
type Poller struct {
	client         ReceiptFetcher
	log            ActivityStore
	logger         *slog.Logger
	interval       time.Duration
	staleCutoff    time.Duration
	maxConcurrency int
	shouldRun      func() bool

	stop     chan struct{}
	running  atomic.Bool
	paused   atomic.Bool
	inFlight atomic.Bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithShouldRun sets the predicate gating whether a cycle runs at all:
// cycles only run while the app is foreground and the system is in live
// (non-demo) mode. The default predicate always returns true.
func WithShouldRun(fn func() bool) PollerOption {
	return func(p *Poller) { p.shouldRun = fn }
}

// NewPoller builds a Poller. interval defaults to 15s, staleCutoff to
// 30m, and maxConcurrency to 3 when zero values are passed.
func NewPoller(client ReceiptFetcher, log ActivityStore, logger *slog.Logger, interval, staleCutoff time.Duration, maxConcurrency int, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if staleCutoff <= 0 {
		staleCutoff = 30 * time.Minute
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	p := &Poller{
		client:         client,
		log:            log,
		logger:         logger,
		interval:       interval,
		staleCutoff:    staleCutoff,
		maxConcurrency: maxConcurrency,
		shouldRun:      func() bool { return true },
		stop:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool { return p.running.Load() }

// Pause suspends new cycles from starting; an in-progress cycle still
// completes.
func (p *Poller) Pause() { p.paused.Store(true) }

// Resume allows new cycles to start again.
func (p *Poller) Resume() { p.paused.Store(false) }

// Start runs the self-rescheduling poll loop until ctx is done or Stop is
// called.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if p.paused.Load() || !p.shouldRun() {
				continue
			}
			p.safeRunCycle(ctx)
		}
	}
}

// Stop signals the loop to exit. The signal is buffered, so one sent while
// a cycle is running is not lost: the loop receives it at a later select.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeRunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in status poller cycle", "panic", fmt.Sprint(r))
		}
	}()
	p.runCycle(ctx)
}

// runCycle enumerates pending, tx-hash-bearing records and resolves each
// one independently through a bounded-concurrency pool. An in-flight
// guard blocks a second concurrent invocation.
func (p *Poller) runCycle(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	defer func() { metrics.PollCycleDuration.Observe(time.Since(start).Seconds()) }()

	records, err := p.log.List(ctx)
	if err != nil {
		p.logger.Error("status poller: failed to list activity records", "error", err)
		return
	}

	now := time.Now()
	var pending []activity.Record
	for _, rec := range records {
		if rec.Status != activity.StatusPending || rec.TxHash == nil {
			continue
		}
		age := now.Sub(time.Unix(rec.CreatedAt, 0))
		if age > p.staleCutoff {
			if err := p.log.UpdateByTxHash(ctx, *rec.TxHash, activity.Update{
				Status:       activity.StatusUnknown,
				RevertReason: fmt.Sprintf("polling stopped after %s without a terminal receipt", p.staleCutoff),
			}); err != nil {
				p.logger.Error("status poller: failed to mark record unknown", "txHash", rec.TxHash.Hex(), "error", err)
			}
			continue
		}
		pending = append(pending, rec)
	}

	if len(pending) == 0 {
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.maxConcurrency)
	for _, rec := range pending {
		rec := rec
		group.Go(func() error {
			p.resolveOne(groupCtx, rec)
			return nil // failures are logged inside, never aborting the cycle
		})
	}
	_ = group.Wait() // every goroutine returns nil, so Wait only waits for them to finish
}

func (p *Poller) resolveOne(ctx context.Context, rec activity.Record) {
	metrics.PollInFlight.Inc()
	defer metrics.PollInFlight.Dec()

	ctx, span := traces.StartSpan(ctx, "starkrpc.poller.resolveOne", traces.TxHash(rec.TxHash.Hex()))
	defer span.End()

	receipt, err := p.client.GetTransactionReceipt(ctx, *rec.TxHash)
	if err != nil {
		p.logger.Warn("status poller: receipt fetch failed", "txHash", rec.TxHash.Hex(), "error", err)
		return
	}

	upd, ok := mapReceipt(*receipt)
	if !ok {
		return // not found / still pending: leave the record alone
	}
	if err := p.log.UpdateByTxHash(ctx, *rec.TxHash, upd); err != nil {
		p.logger.Error("status poller: failed to apply receipt update", "txHash", rec.TxHash.Hex(), "error", err)
	}
}

// mapReceipt maps a receipt to a record update. ok is false when the
// receipt carries no terminal information yet.
func mapReceipt(r TransactionReceipt) (activity.Update, bool) {
	switch r.ExecutionStatus {
	case "REVERTED", "FAILED":
		return activity.Update{
			Status:          activity.StatusReverted,
			ExecutionStatus: r.ExecutionStatus,
			RevertReason:    r.RevertReason,
		}, true
	case "SUCCEEDED":
		return activity.Update{
			Status:          activity.StatusSucceeded,
			ExecutionStatus: r.ExecutionStatus,
		}, true
	default:
		// Any accepted finality also counts as success, even when the
		// node omits the execution status — the same acceptance rule
		// WaitForAcceptance applies.
		if r.FinalityStatus == "ACCEPTED_ON_L2" || r.FinalityStatus == "ACCEPTED_ON_L1" {
			return activity.Update{
				Status:          activity.StatusSucceeded,
				ExecutionStatus: r.ExecutionStatus,
			}, true
		}
		return activity.Update{}, false
	}
}

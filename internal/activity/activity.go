// Package activity implements the append-only, persisted record of every
// policy-relevant event the core takes, correlated by transaction hash.
// Entries are stored as a single JSON blob in the keystore
// under the namespaced activity key, capped at the most recent 50 — the
// same index-as-a-blob shape internal/sessionregistry uses for its session
// index, since both are small, infrequently-read collections the mobile
// shell fetches in full rather than pages through.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/idgen"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/metrics"
)

// MaxRecords is the durable retention cap.
const MaxRecords = 50

// Kind enumerates the well-known activity event types. Additional
// kinds may be appended by callers as strings; this is not a closed set
// the way corerr.Code is, since UI-facing activity kinds are expected to
// grow independently of the machine error taxonomy.
type Kind string

const (
	KindOnboarding        Kind = "onboarding"
	KindPolicyUpdated     Kind = "policy_updated"
	KindTransferSubmitted Kind = "transfer_submitted"
	KindTransferSucceeded Kind = "transfer_succeeded"
	KindTransferReverted  Kind = "transfer_reverted"
	KindSwapSubmitted     Kind = "swap_submitted"
	KindSwapSucceeded     Kind = "swap_succeeded"
	KindSwapReverted      Kind = "swap_reverted"
)

// Status is the lifecycle state of a record that tracks an on-chain
// transaction. Only Pending is a non-terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusReverted  Status = "reverted"
	StatusUnknown   Status = "unknown"
)

func (s Status) Terminal() bool { return s != StatusPending }

// Record is one append-only activity entry.
type Record struct {
	ID              string     `json:"id"`
	CreatedAt       int64      `json:"createdAt"`
	Kind            Kind       `json:"kind"`
	Title           string     `json:"title"`
	Subtitle        string     `json:"subtitle,omitempty"`
	TxHash          *felt.Felt `json:"txHash,omitempty"`
	Status          Status     `json:"status,omitempty"`
	ExecutionStatus string     `json:"executionStatus,omitempty"`
	RevertReason    string     `json:"revertReason,omitempty"`
}

// Update describes a mutation applied by UpdateByTxHash. Zero-value fields
// are left unchanged except Status, which is always applied when non-empty.
type Update struct {
	Status          Status
	ExecutionStatus string
	RevertReason    string
}

// Log is the append-only activity log, backed by a keystore.Store.
type Log struct {
	store keystore.Store
}

// New builds a Log backed by store.
func New(store keystore.Store) *Log {
	return &Log{store: store}
}

// Append adds a new record, assigning it an ID and CreatedAt if unset, and
// evicts the oldest record(s) beyond MaxRecords.
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("act_")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	records, err := l.load(ctx)
	if err != nil {
		return Record{}, err
	}
	records = append(records, rec)
	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}
	if err := l.save(ctx, records); err != nil {
		return Record{}, err
	}
	metrics.ActivityLogSize.Set(float64(len(records)))
	return rec, nil
}

// List returns every retained record, oldest first (append order
// preserved).
func (l *Log) List(ctx context.Context) ([]Record, error) {
	return l.load(ctx)
}

// UpdateByTxHash applies status (and, when present, executionStatus/
// revertReason) to every record carrying txHash. It is idempotent:
// applying the same terminal status twice to a record that already holds
// it is a no-op. Unknown tx hashes are not an
// error — the poller may be racing a record that hasn't been appended
// yet, or has already aged out of the retained window.
func (l *Log) UpdateByTxHash(ctx context.Context, txHash felt.Felt, upd Update) error {
	records, err := l.load(ctx)
	if err != nil {
		return err
	}

	changed := false
	for i := range records {
		if records[i].TxHash == nil || records[i].TxHash.Cmp(txHash) != 0 {
			continue
		}
		r := &records[i]
		recordChanged := false
		if upd.Status != "" && r.Status != upd.Status {
			r.Status = upd.Status
			recordChanged = true
		}
		if upd.ExecutionStatus != "" && r.ExecutionStatus != upd.ExecutionStatus {
			r.ExecutionStatus = upd.ExecutionStatus
			recordChanged = true
		}
		if upd.RevertReason != "" && r.RevertReason != upd.RevertReason {
			r.RevertReason = upd.RevertReason
			recordChanged = true
		}
		if recordChanged {
			changed = true
			metrics.PollTransitionsTotal.WithLabelValues(string(r.Status)).Inc()
		}
	}
	if !changed {
		return nil
	}
	return l.save(ctx, records)
}

func (l *Log) load(ctx context.Context) ([]Record, error) {
	raw, err := l.store.Get(ctx, keystore.NSActivity)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to read activity log", err)
	}
	if raw == nil {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal([]byte(*raw), &records); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "activity log is corrupt", err)
	}
	return records, nil
}

func (l *Log) save(ctx context.Context, records []Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to encode activity log", err)
	}
	if err := l.store.Set(ctx, keystore.NSActivity, string(raw)); err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to persist activity log", err)
	}
	return nil
}

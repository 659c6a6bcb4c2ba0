// Package featureflags persists simple boolean toggles in the keystore.
// "session_signer_v2" is hard-enforced: it always reads
// true, and any attempt to disable it is silently coerced back to true
// rather than rejected — a flag regression here would be a silent security
// downgrade, not a cosmetic bug, so there is no escape hatch.
package featureflags

import (
	"context"
	"encoding/json"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/keystore"
)

// SessionSignerV2 is the one hard-enforced flag.
const SessionSignerV2 = "session_signer_v2"

// defaults holds the value returned for a flag that has never been set.
var defaults = map[string]bool{
	SessionSignerV2: true,
}

// Flags reads and writes persisted feature flags through a keystore.Store.
type Flags struct {
	store keystore.Store
}

// New builds a Flags backed by store.
func New(store keystore.Store) *Flags {
	return &Flags{store: store}
}

// IsEnabled reports whether name is enabled. session_signer_v2 always
// returns true regardless of persisted state.
func (f *Flags) IsEnabled(ctx context.Context, name string) (bool, error) {
	if name == SessionSignerV2 {
		return true, nil
	}

	all, err := f.load(ctx)
	if err != nil {
		return false, err
	}
	if v, ok := all[name]; ok {
		return v, nil
	}
	return defaults[name], nil
}

// SetFlag persists a flag value. Setting session_signer_v2 to false is
// silently coerced to true: it is never actually written as false.
func (f *Flags) SetFlag(ctx context.Context, name string, value bool) error {
	if name == SessionSignerV2 {
		value = true
	}

	all, err := f.load(ctx)
	if err != nil {
		return err
	}
	if all == nil {
		all = make(map[string]bool)
	}
	all[name] = value
	return f.save(ctx, all)
}

func (f *Flags) load(ctx context.Context) (map[string]bool, error) {
	raw, err := f.store.Get(ctx, keystore.NSFeatureFlags)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to read feature flags", err)
	}
	if raw == nil {
		return nil, nil
	}
	var all map[string]bool
	if err := json.Unmarshal([]byte(*raw), &all); err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "feature flags are corrupt", err)
	}
	return all, nil
}

func (f *Flags) save(ctx context.Context, all map[string]bool) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to encode feature flags", err)
	}
	if err := f.store.Set(ctx, keystore.NSFeatureFlags, string(raw)); err != nil {
		return corerr.Wrap(corerr.CodeInternal, "failed to persist feature flags", err)
	}
	return nil
}

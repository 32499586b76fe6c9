// Per-subject string flags, used to mark users for administrator attention
// (for example, when the ledger disagrees with local enforcement state).
package flagstore

import (
	"context"
)

type FlagStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	// does not error if flags are not in the set
	Remove(ctx context.Context, key string, flags []string) error
}

// Flags applied by the moderation engine.
const (
	FlagLedgerBlockedDivergence  = "ledger-blocked-divergence"
	FlagLedgerRegistrationFailed = "ledger-registration-failed"
)

package engine

import (
	"context"

	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"
)

// Interface for a type that can handle sending notifications
type Notifier interface {
	SendBlocked(ctx context.Context, u *store.User, v *scoring.Verdict) error
	SendUnblockRequest(ctx context.Context, u *store.User) error
	SendDivergence(ctx context.Context, u *store.User, ledgerBlocked bool) error
}

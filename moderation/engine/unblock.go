package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/store"
)

type UnblockRequestResult struct {
	User           *store.User `json:"user"`
	LedgerMirrored bool        `json:"ledger_mirrored"`
	LedgerWarning  string      `json:"ledger_warning,omitempty"`
}

// Files an unblock request for a blocked user. Fails with enforce.ErrNotBlocked
// or enforce.ErrAlreadyPending, without any state change, otherwise.
func (eng *Engine) RequestUnblock(ctx context.Context, identity string) (res *UnblockRequestResult, err error) {
	defer eng.recoverOp("request-unblock", &err)
	start := time.Now()
	defer func() { eng.observe("request-unblock", start, err) }()
	ctx, span := tracer.Start(ctx, "RequestUnblock")
	defer span.End()

	u, err := eng.lookupUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	now := eng.now()
	updated, err := eng.transition(ctx, u, func(s enforce.State) (enforce.State, error) {
		return enforce.RequestUnblock(s, now)
	})
	if err != nil {
		return nil, err
	}
	eng.logger().Info("unblock requested", "identity", updated.Identity)
	eng.notify(func(n Notifier) error { return n.SendUnblockRequest(ctx, updated) })

	res = &UnblockRequestResult{User: updated}
	if eng.Ledger == nil {
		return res, nil
	}
	if err := eng.Ledger.MirrorUnblockRequest(ctx, updated.Identity); err != nil {
		res.LedgerWarning = eng.ledgerDegraded(ctx, "unblock-request", updated.Identity, err)
		return res, nil
	}
	res.LedgerMirrored = true
	return res, nil
}

type AdminUnblockResult struct {
	User *store.User `json:"user"`
	// number of posts removed by the purge directive
	Purged         int    `json:"purged"`
	LedgerMirrored bool   `json:"ledger_mirrored"`
	LedgerWarning  string `json:"ledger_warning,omitempty"`
}

// Administrative unblock: resets the user's enforcement state and purges
// their high-risk posts (records and media). Unblocking a user who is not
// blocked is allowed, and still runs the purge.
//
// The ledger is updated first, on a best-effort basis.
func (eng *Engine) AdminUnblock(ctx context.Context, identity string) (res *AdminUnblockResult, err error) {
	defer eng.recoverOp("admin-unblock", &err)
	start := time.Now()
	defer func() { eng.observe("admin-unblock", start, err) }()
	ctx, span := tracer.Start(ctx, "AdminUnblock")
	defer span.End()

	u, err := eng.lookupUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	res = &AdminUnblockResult{}
	if eng.Ledger != nil {
		if err := eng.Ledger.MirrorAdminUnblock(ctx, u.Identity); err != nil {
			res.LedgerWarning = eng.ledgerDegraded(ctx, "admin-unblock", u.Identity, err)
		} else {
			res.LedgerMirrored = true
		}
	}

	unlock := eng.Locker.Lock(u.Identity)
	defer unlock()

	var directive enforce.PurgeDirective
	updated, err := eng.Store.UpdateEnforcement(ctx, u.ID, func(s enforce.State) (enforce.State, error) {
		next, d := enforce.Unblock(s)
		directive = d
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("unblocking user: %w", err)
	}
	res.User = updated

	purged, err := eng.Store.PurgePosts(ctx, updated.ID, directive.MinScore)
	if err != nil {
		return nil, err
	}
	for _, p := range purged {
		if err := eng.Media.Delete(p.MediaKey); err != nil {
			eng.logger().Error("failed to delete purged media", "post", p.ID, "key", p.MediaKey, "err", err)
		}
	}
	res.Purged = len(purged)
	purgedPostCount.Add(float64(len(purged)))

	if err := eng.Flags.Remove(ctx, updated.Identity, []string{flagstore.FlagLedgerBlockedDivergence}); err != nil {
		eng.logger().Error("failed to clear flag", "identity", updated.Identity, "err", err)
	}
	eng.logger().Info("user unblocked", "identity", updated.Identity, "purged", len(purged), "wasBlocked", u.IsBlocked)
	return res, nil
}

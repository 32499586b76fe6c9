package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/ledger"
)

type ReconcileReport struct {
	Registered     int `json:"registered"`
	RegisterFailed int `json:"register_failed"`
	Mirrored       int `json:"mirrored"`
	MirrorFailed   int `json:"mirror_failed"`
	Checked        int `json:"checked"`
	Divergent      int `json:"divergent"`
}

// Where the next pass resumes in each retry queue. Each pass takes the next
// limit rows and wraps around at the end, so rows that keep failing can't
// hold back the ones behind them.
type reconcileCursors struct {
	mu    sync.Mutex
	users uint64
	posts uint64
}

func (c *reconcileCursors) get(p *uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *p
}

func (c *reconcileCursors) set(p *uint64, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*p = v
}

// Catches the ledger up with local state: retries registration mirrors and
// post mirrors that failed earlier (at most limit of each), then compares
// block status for every user and flags disagreements for administrator
// review.
//
// Local enforcement state is never rewritten from the ledger. Registration
// already recorded on the ledger is adopted locally.
func (eng *Engine) Reconcile(ctx context.Context, limit int) (res *ReconcileReport, err error) {
	defer eng.recoverOp("reconcile", &err)
	start := time.Now()
	defer func() { eng.observe("reconcile", start, err) }()
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()

	if eng.Ledger == nil {
		return nil, ErrLedgerDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	res = &ReconcileReport{}

	if err := eng.reconcileRegistrations(ctx, limit, res); err != nil {
		return res, err
	}
	if err := eng.reconcilePosts(ctx, limit, res); err != nil {
		return res, err
	}
	if err := eng.reconcileBlocks(ctx, limit, res); err != nil {
		return res, err
	}
	eng.logger().Info("ledger reconciliation complete", "registered", res.Registered, "registerFailed", res.RegisterFailed, "mirrored", res.Mirrored, "mirrorFailed", res.MirrorFailed, "checked", res.Checked, "divergent", res.Divergent)
	return res, nil
}

func (eng *Engine) reconcileRegistrations(ctx context.Context, limit int, res *ReconcileReport) error {
	after := eng.cursors.get(&eng.cursors.users)
	users, err := eng.Store.UnregisteredUsers(ctx, after, limit)
	if err != nil {
		return err
	}
	if len(users) == 0 && after > 0 {
		after = 0
		if users, err = eng.Store.UnregisteredUsers(ctx, 0, limit); err != nil {
			return err
		}
	}
	next := after
	defer func() {
		if len(users) < limit && len(users) > 0 && next == users[len(users)-1].ID {
			// end of the queue; start over next pass
			next = 0
		}
		eng.cursors.set(&eng.cursors.users, next)
	}()
	for _, u := range users {
		if err := eng.Ledger.EnsureRegistered(ctx, u.Identity); err != nil {
			res.RegisterFailed++
			eng.logger().Warn("ledger registration retry failed", "identity", u.Identity, "err", err)
			if errors.Is(err, ledger.ErrLedgerUnreachable) {
				// no point hammering an unreachable ledger; resume here
				return nil
			}
			next = u.ID
			continue
		}
		next = u.ID
		if err := eng.Store.MarkUserRegistered(ctx, u.ID); err != nil {
			return err
		}
		if err := eng.Flags.Remove(ctx, u.Identity, []string{flagstore.FlagLedgerRegistrationFailed}); err != nil {
			eng.logger().Error("failed to clear flag", "identity", u.Identity, "err", err)
		}
		res.Registered++
	}
	return nil
}

func (eng *Engine) reconcilePosts(ctx context.Context, limit int, res *ReconcileReport) error {
	after := eng.cursors.get(&eng.cursors.posts)
	posts, err := eng.Store.UnmirroredPosts(ctx, after, limit)
	if err != nil {
		return err
	}
	if len(posts) == 0 && after > 0 {
		after = 0
		if posts, err = eng.Store.UnmirroredPosts(ctx, 0, limit); err != nil {
			return err
		}
	}
	next := after
	defer func() {
		if len(posts) < limit && len(posts) > 0 && next == posts[len(posts)-1].ID {
			next = 0
		}
		eng.cursors.set(&eng.cursors.posts, next)
	}()
	for _, p := range posts {
		u, err := eng.Store.GetUser(ctx, p.UserID)
		if err != nil {
			return err
		}
		receipt, err := eng.Ledger.MirrorPost(ctx, u.Identity, p.ContentHash, p.VulgarityScore)
		if err != nil {
			res.MirrorFailed++
			eng.logger().Warn("ledger post mirror retry failed", "post", p.ID, "identity", u.Identity, "err", err)
			if errors.Is(err, ledger.ErrLedgerUnreachable) {
				return nil
			}
			next = p.ID
			continue
		}
		next = p.ID
		if err := eng.Store.MarkPostMirrored(ctx, p.ID, receipt.PostID); err != nil {
			return err
		}
		res.Mirrored++
	}
	return nil
}

func (eng *Engine) reconcileBlocks(ctx context.Context, pageSize int, res *ReconcileReport) error {
	var cursor uint64
	for {
		users, err := eng.Store.ListUsers(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}
		for i := range users {
			u := &users[i]
			cursor = u.ID
			st, err := eng.Ledger.Status(ctx, u.Identity)
			if err != nil {
				if errors.Is(err, ledger.ErrLedgerUnreachable) {
					eng.logger().Warn("ledger unreachable, stopping block status check", "err", err)
					return nil
				}
				return err
			}
			if st == nil {
				// nothing recorded on the ledger to compare against
				continue
			}
			res.Checked++
			if st.Blocked == u.IsBlocked {
				if err := eng.Flags.Remove(ctx, u.Identity, []string{flagstore.FlagLedgerBlockedDivergence}); err != nil {
					return err
				}
				continue
			}
			res.Divergent++
			divergenceCount.Inc()
			existing, err := eng.Flags.Get(ctx, u.Identity)
			if err != nil {
				return err
			}
			if hasFlag(existing, flagstore.FlagLedgerBlockedDivergence) {
				continue
			}
			eng.logger().Warn("ledger block status diverges from local state", "identity", u.Identity, "local", u.IsBlocked, "ledger", st.Blocked)
			if err := eng.Flags.Add(ctx, u.Identity, []string{flagstore.FlagLedgerBlockedDivergence}); err != nil {
				return err
			}
			eng.notify(func(n Notifier) error { return n.SendDivergence(ctx, u, st.Blocked) })
		}
	}
}

func hasFlag(flags []string, f string) bool {
	for _, v := range flags {
		if v == f {
			return true
		}
	}
	return false
}

package engine

import (
	"context"
	"errors"

	"github.com/mediaguard/mediaguard/moderation/countstore"
	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/store"
)

type UserStatus struct {
	User       *store.User   `json:"user"`
	State      enforce.State `json:"state"`
	Phase      enforce.Phase `json:"phase"`
	Flags      []string      `json:"flags"`
	Violations int           `json:"violations_total"`
	// nil when the ledger is disabled, unreachable, or has no record
	Ledger        *ledger.IdentityStatus `json:"ledger,omitempty"`
	LedgerWarning string                 `json:"ledger_warning,omitempty"`
}

func (eng *Engine) Status(ctx context.Context, identity string) (res *UserStatus, err error) {
	defer eng.recoverOp("status", &err)

	u, err := eng.lookupUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	flags, err := eng.Flags.Get(ctx, u.Identity)
	if err != nil {
		return nil, err
	}
	// all-time, including violations since reset by an unblock
	total, err := eng.Counters.GetCount(ctx, CounterViolation, u.Identity, countstore.PeriodTotal)
	if err != nil {
		return nil, err
	}
	st := u.EnforcementState()
	res = &UserStatus{
		User:       u,
		State:      st,
		Phase:      st.Phase(),
		Flags:      flags,
		Violations: total,
	}
	if eng.Ledger != nil {
		ls, err := eng.Ledger.Status(ctx, u.Identity)
		if err != nil {
			res.LedgerWarning = err.Error()
		} else {
			res.Ledger = ls
		}
	}
	return res, nil
}

type PostView struct {
	*store.Post
	// ledger copy of the post, when mirrored and the ledger is reachable
	LedgerPost *ledger.Post `json:"ledger_post,omitempty"`
}

func (eng *Engine) GetPost(ctx context.Context, id uint64) (res *PostView, err error) {
	defer eng.recoverOp("get-post", &err)

	p, err := eng.Store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	res = &PostView{Post: p}
	if eng.Ledger != nil && p.LedgerPostID != nil {
		lp, err := eng.Ledger.GetPost(ctx, *p.LedgerPostID)
		if err != nil && !errors.Is(err, ledger.ErrPostNotFound) {
			eng.logger().Warn("failed to fetch ledger post", "post", p.ID, "err", err)
		}
		res.LedgerPost = lp
	}
	return res, nil
}

func (eng *Engine) BlockedUsers(ctx context.Context) ([]store.User, error) {
	return eng.Store.ListBlockedUsers(ctx)
}

func (eng *Engine) UnblockRequests(ctx context.Context) ([]store.User, error) {
	return eng.Store.ListUnblockRequests(ctx)
}

type StatsReport struct {
	*store.Stats
	ViolatorsToday int `json:"violators_today"`
	ViolatorsTotal int `json:"violators_total"`
	// distinct identities that hit degraded ledger mode, by operation
	LedgerDegradedIdentities map[string]int `json:"ledger_degraded_identities"`
}

func (eng *Engine) Stats(ctx context.Context) (res *StatsReport, err error) {
	defer eng.recoverOp("stats", &err)

	st, err := eng.Store.Stats(ctx, 10)
	if err != nil {
		return nil, err
	}
	res = &StatsReport{
		Stats:                    st,
		LedgerDegradedIdentities: make(map[string]int, len(ledgerOps)),
	}
	if res.ViolatorsToday, err = eng.Counters.GetCountDistinct(ctx, CounterViolators, "all", countstore.PeriodDay); err != nil {
		return nil, err
	}
	if res.ViolatorsTotal, err = eng.Counters.GetCountDistinct(ctx, CounterViolators, "all", countstore.PeriodTotal); err != nil {
		return nil, err
	}
	for _, op := range ledgerOps {
		n, err := eng.Counters.GetCountDistinct(ctx, CounterLedgerDegraded, op, countstore.PeriodTotal)
		if err != nil {
			return nil, err
		}
		res.LedgerDegradedIdentities[op] = n
	}
	return res, nil
}

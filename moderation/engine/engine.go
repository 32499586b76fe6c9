// Orchestration of the moderation pipeline: user registration, media
// submission (analysis, enforcement, storage, ledger mirroring), unblock
// requests and administrative unblocks, and ledger reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaguard/mediaguard/moderation/countstore"
	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"
)

var (
	ErrUnknownUser     = errors.New("unknown user")
	ErrUserBlocked     = errors.New("user is blocked")
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrLedgerDisabled  = errors.New("ledger mirroring is not configured")
	errPanic           = errors.New("internal error")
)

// Counter names
const (
	CounterVerdict        = "verdict"
	CounterViolation      = "violation"
	CounterLedgerDegraded = "ledger-degraded"
	// distinct identities, single bucket
	CounterViolators = "violators"
)

// Operations that can fall back to degraded ledger mode.
var ledgerOps = []string{"register", "post", "unblock-request", "admin-unblock"}

type MediaAnalyzer interface {
	Analyze(ctx context.Context, asset scoring.MediaAsset) (*scoring.Verdict, error)
}

type MediaStore interface {
	Put(data []byte, filename string) (string, error)
	Get(key string) ([]byte, error)
	Delete(key string) error
}

var _ MediaAnalyzer = (*scoring.Analyzer)(nil)
var _ MediaStore = (*store.DiskMediaStore)(nil)

// Runtime for processing submissions and enforcement actions.
//
// Analyzer, Store, Media, Locker, Counters and Flags must be set. Ledger and
// Notifier are optional.
type Engine struct {
	Logger   *slog.Logger
	Analyzer MediaAnalyzer
	Store    *store.Store
	Media    MediaStore
	// nil disables ledger mirroring and the registration gate on
	// accepted content
	Ledger   *ledger.Synchronizer
	Locker   *enforce.Locker
	Counters countstore.CountStore
	Flags    flagstore.FlagStore
	Notifier Notifier
	// defaults to time.Now
	Clock func() time.Time

	cursors reconcileCursors
}

func (eng *Engine) logger() *slog.Logger {
	if eng.Logger != nil {
		return eng.Logger
	}
	return slog.Default()
}

func (eng *Engine) now() time.Time {
	if eng.Clock != nil {
		return eng.Clock()
	}
	return time.Now().UTC()
}

// Like an HTTP server, entry points recover panics and report them as errors.
func (eng *Engine) recoverOp(op string, errp *error) {
	if r := recover(); r != nil {
		eng.logger().Error("moderation engine exception", "op", op, "err", r)
		opErrorCount.WithLabelValues(op).Inc()
		*errp = fmt.Errorf("%w: %s: %v", errPanic, op, r)
	}
}

func (eng *Engine) observe(op string, start time.Time, err error) {
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		opErrorCount.WithLabelValues(op).Inc()
	}
}

func normalizeIdentity(identity string) (string, error) {
	norm, err := ledger.NormalizeIdentity(identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return norm, nil
}

func (eng *Engine) lookupUser(ctx context.Context, identity string) (*store.User, error) {
	norm, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	u, err := eng.Store.GetUserByIdentity(ctx, norm)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, norm)
	}
	return u, err
}

// Serialized enforcement transition for one user.
func (eng *Engine) transition(ctx context.Context, u *store.User, fn func(enforce.State) (enforce.State, error)) (*store.User, error) {
	unlock := eng.Locker.Lock(u.Identity)
	defer unlock()
	return eng.Store.UpdateEnforcement(ctx, u.ID, fn)
}

// Records a failed ledger mirror. The user-facing operation continues.
func (eng *Engine) ledgerDegraded(ctx context.Context, op, identity string, err error) string {
	eng.logger().Warn("ledger mirror failed, continuing in degraded mode", "op", op, "identity", identity, "err", err)
	ledgerDegradedCount.WithLabelValues(op).Inc()
	if cerr := eng.Counters.Increment(ctx, CounterLedgerDegraded, op); cerr != nil {
		eng.logger().Error("failed to increment counter", "name", CounterLedgerDegraded, "err", cerr)
	}
	if cerr := eng.Counters.IncrementDistinct(ctx, CounterLedgerDegraded, op, identity); cerr != nil {
		eng.logger().Error("failed to increment distinct counter", "name", CounterLedgerDegraded, "err", cerr)
	}
	return fmt.Sprintf("ledger mirror failed: %v", err)
}

func (eng *Engine) notify(fn func(Notifier) error) {
	if eng.Notifier == nil {
		return
	}
	if err := fn(eng.Notifier); err != nil {
		eng.logger().Error("failed to send notification", "err", err)
	}
}

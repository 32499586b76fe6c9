package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaguard/mediaguard/moderation/cachestore"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const statusCacheName = "ledger-status"

// Best-effort mirroring of local enforcement facts onto a Ledger.
//
// Every call runs under its own timeout, so a slow ledger can only delay the
// submission that is waiting on it. Registration and unblock mirroring
// query remote status first and short-circuit when the fact is already
// recorded, so retries never double-submit transactions.
type Synchronizer struct {
	Ledger Ledger
	// optional; caches Status lookups, purged after every write
	Cache   cachestore.CacheStore
	Timeout time.Duration
	// gas units reserved when checking identity balances
	GasLimit int64
	Logger   *slog.Logger
}

func NewSynchronizer(l Ledger, cache cachestore.CacheStore, timeout time.Duration) *Synchronizer {
	return &Synchronizer{
		Ledger:   l,
		Cache:    cache,
		Timeout:  timeout,
		GasLimit: DefaultGasLimit,
		Logger:   slog.Default().With("component", "ledger-sync"),
	}
}

func (s *Synchronizer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Synchronizer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Timeout)
}

func (s *Synchronizer) record(op string, err error) {
	switch {
	case err == nil:
		mirrorCount.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, ErrLedgerUnreachable):
		mirrorCount.WithLabelValues(op, "unreachable").Inc()
	case errors.Is(err, ErrLedgerRejected):
		mirrorCount.WithLabelValues(op, "rejected").Inc()
	default:
		mirrorCount.WithLabelValues(op, "error").Inc()
	}
}

// Remote status of an identity; nil if the ledger has never seen it.
func (s *Synchronizer) Status(ctx context.Context, identity string) (*IdentityStatus, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if s.Cache != nil {
		cached, err := s.Cache.Get(ctx, statusCacheName, identity)
		if err != nil {
			s.logger().Warn("ledger status cache read failed", "identity", identity, "err", err)
		} else if cached != "" {
			var st *IdentityStatus
			if err := json.Unmarshal([]byte(cached), &st); err == nil {
				statusCacheCount.WithLabelValues("hit").Inc()
				return st, nil
			}
		}
		statusCacheCount.WithLabelValues("miss").Inc()
	}

	st, err := s.Ledger.Status(ctx, identity)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		b, err := json.Marshal(st)
		if err == nil {
			if err := s.Cache.Set(ctx, statusCacheName, identity, string(b)); err != nil {
				s.logger().Warn("ledger status cache write failed", "identity", identity, "err", err)
			}
		}
	}
	return st, nil
}

func (s *Synchronizer) purgeStatus(ctx context.Context, identity string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Purge(ctx, statusCacheName, identity); err != nil {
		s.logger().Warn("ledger status cache purge failed", "identity", identity, "err", err)
	}
}

// The ledger's answer when reachable; otherwise localFallback. Errors other
// than unreachability are returned.
func (s *Synchronizer) IsRegistered(ctx context.Context, identity string, localFallback bool) (bool, error) {
	st, err := s.Status(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrLedgerUnreachable) {
			s.logger().Warn("ledger unreachable, using local registration state", "identity", identity, "local", localFallback, "err", err)
			return localFallback, nil
		}
		return false, err
	}
	return st != nil && (st.Registered || st.Blocked), nil
}

func (s *Synchronizer) checkFunds(ctx context.Context, identity string) error {
	price, err := s.Ledger.FeeEstimate(ctx)
	if err != nil {
		return err
	}
	bal, err := s.Ledger.Balance(ctx, identity)
	if err != nil {
		return err
	}
	gas := s.GasLimit
	if gas <= 0 {
		gas = DefaultGasLimit
	}
	need := price.Mul(decimal.NewFromInt(gas))
	if bal.LessThan(need) {
		return fmt.Errorf("%w: balance %s below expected fee %s", ErrInsufficientFunds, bal.String(), need.String())
	}
	return nil
}

// Registers the identity unless the ledger already knows it.
func (s *Synchronizer) EnsureRegistered(ctx context.Context, identity string) (err error) {
	ctx, span := tracer.Start(ctx, "EnsureRegistered")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer func() { s.record("register", err) }()

	st, err := s.Status(ctx, identity)
	if err != nil {
		return err
	}
	if st != nil && (st.Registered || st.Blocked) {
		span.SetAttributes(attribute.Bool("short_circuit", true))
		return nil
	}
	if err := s.checkFunds(ctx, identity); err != nil {
		return err
	}
	r, err := s.Ledger.Register(ctx, identity)
	s.purgeStatus(ctx, identity)
	if err != nil {
		return err
	}
	if err := checkReceipt(r, "register"); err != nil {
		return err
	}
	s.logger().Info("identity registered on ledger", "identity", identity, "tx", r.TxHash)
	return nil
}

// Records an accepted post. The score is scaled to an integer percentage.
func (s *Synchronizer) MirrorPost(ctx context.Context, identity, contentHash string, score float64) (_ *Receipt, err error) {
	ctx, span := tracer.Start(ctx, "MirrorPost")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer func() { s.record("post", err) }()

	st, err := s.Status(ctx, identity)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotRegistered
	}
	if err := s.checkFunds(ctx, identity); err != nil {
		return nil, err
	}
	scaled := ScaleScore(score)
	span.SetAttributes(attribute.Int64("score", scaled))
	r, err := s.Ledger.SubmitPost(ctx, identity, contentHash, scaled)
	s.purgeStatus(ctx, identity)
	if err != nil {
		return nil, err
	}
	if err := checkReceipt(r, "submit-post"); err != nil {
		return nil, err
	}
	return r, nil
}

// Records an unblock request. Already-pending requests short-circuit; an
// identity the ledger does not consider blocked is rejected without a
// transaction.
func (s *Synchronizer) MirrorUnblockRequest(ctx context.Context, identity string) (err error) {
	ctx, span := tracer.Start(ctx, "MirrorUnblockRequest")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer func() { s.record("unblock-request", err) }()

	st, err := s.Status(ctx, identity)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrNotRegistered
	}
	if st.UnblockRequested {
		span.SetAttributes(attribute.Bool("short_circuit", true))
		return nil
	}
	if !st.Blocked {
		return fmt.Errorf("%w: identity is not blocked on ledger", ErrLedgerRejected)
	}
	if err := s.checkFunds(ctx, identity); err != nil {
		return err
	}
	r, err := s.Ledger.RequestUnblock(ctx, identity)
	s.purgeStatus(ctx, identity)
	if err != nil {
		return err
	}
	return checkReceipt(r, "request-unblock")
}

// Administrative unblock. Short-circuits when the ledger shows the identity
// neither blocked nor waiting on a request. Fees are paid by the operator
// account, so there is no balance check.
func (s *Synchronizer) MirrorAdminUnblock(ctx context.Context, identity string) (err error) {
	ctx, span := tracer.Start(ctx, "MirrorAdminUnblock")
	defer span.End()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer func() { s.record("admin-unblock", err) }()

	st, err := s.Status(ctx, identity)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrNotRegistered
	}
	if !st.Blocked && !st.UnblockRequested {
		span.SetAttributes(attribute.Bool("short_circuit", true))
		return nil
	}
	r, err := s.Ledger.AdminUnblock(ctx, identity)
	s.purgeStatus(ctx, identity)
	if err != nil {
		return err
	}
	return checkReceipt(r, "admin-unblock")
}

func (s *Synchronizer) GetPost(ctx context.Context, postID int64) (*Post, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.Ledger.GetPost(ctx, postID)
}

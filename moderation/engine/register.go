package engine

import (
	"context"
	"time"

	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/store"

	"go.opentelemetry.io/otel/attribute"
)

type RegisterResult struct {
	User    *store.User `json:"user"`
	Created bool        `json:"created"`
	// registration is recorded on the ledger (now or previously)
	LedgerRegistered bool `json:"ledger_registered"`
	// set when the ledger mirror failed; the local registration still stands
	LedgerWarning string `json:"ledger_warning,omitempty"`
}

// Creates a user with zero enforcement counters (idempotent), then mirrors
// the registration to the ledger.
func (eng *Engine) RegisterUser(ctx context.Context, identity, username string) (res *RegisterResult, err error) {
	defer eng.recoverOp("register", &err)
	start := time.Now()
	defer func() { eng.observe("register", start, err) }()
	ctx, span := tracer.Start(ctx, "RegisterUser")
	defer span.End()

	norm, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("identity", norm))

	u, created, err := eng.Store.CreateUser(ctx, norm, username)
	if err != nil {
		return nil, err
	}
	res = &RegisterResult{User: u, Created: created, LedgerRegistered: u.LedgerRegistered}
	if created {
		eng.logger().Info("user registered", "identity", norm, "username", username)
	}

	if eng.Ledger == nil || u.LedgerRegistered {
		return res, nil
	}
	if err := eng.Ledger.EnsureRegistered(ctx, norm); err != nil {
		res.LedgerWarning = eng.ledgerDegraded(ctx, "register", norm, err)
		if ferr := eng.Flags.Add(ctx, norm, []string{flagstore.FlagLedgerRegistrationFailed}); ferr != nil {
			eng.logger().Error("failed to add flag", "identity", norm, "err", ferr)
		}
		return res, nil
	}
	if err := eng.Store.MarkUserRegistered(ctx, u.ID); err != nil {
		return nil, err
	}
	u.LedgerRegistered = true
	res.LedgerRegistered = true
	return res, nil
}

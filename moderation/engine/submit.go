package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"

	"go.opentelemetry.io/otel/attribute"
)

type Submission struct {
	Identity string
	Caption  string
	Filename string
	Data     []byte
	// inferred from Filename when empty
	Kind scoring.MediaKind
}

type SubmitResult struct {
	Verdict  *scoring.Verdict `json:"verdict"`
	Accepted bool             `json:"accepted"`
	// stored post, for accepted submissions
	Post *store.Post `json:"post,omitempty"`
	// enforcement state after the submission
	State enforce.State `json:"state"`
	// the submission caused the account to become blocked
	Blocked        bool   `json:"blocked"`
	LedgerMirrored bool   `json:"ledger_mirrored"`
	LedgerWarning  string `json:"ledger_warning,omitempty"`
}

// Analyzes a submission and applies enforcement.
//
// Content scoring above the enforcement threshold is discarded and counts as
// a violation; this returns a result with Accepted=false and no error.
// Accepted content is stored and mirrored to the ledger. Unreadable media is
// an error (wrapping frames.ErrMediaUnreadable) and has no enforcement effect.
func (eng *Engine) Submit(ctx context.Context, sub Submission) (res *SubmitResult, err error) {
	defer eng.recoverOp("submit", &err)
	start := time.Now()
	defer func() { eng.observe("submit", start, err) }()
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()

	u, err := eng.lookupUser(ctx, sub.Identity)
	if err != nil {
		return nil, err
	}
	if u.IsBlocked {
		submissionCount.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUserBlocked, u.Identity)
	}
	logger := eng.logger().With("identity", u.Identity)

	kind := sub.Kind
	if kind == "" {
		kind = scoring.KindFromFilename(sub.Filename)
	}
	span.SetAttributes(attribute.String("identity", u.Identity), attribute.String("kind", string(kind)))

	verdict, err := eng.Analyzer.Analyze(ctx, scoring.MediaAsset{Kind: kind, Data: sub.Data, Filename: sub.Filename})
	if err != nil {
		submissionCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("analyzing submission: %w", err)
	}
	logger.Info("submission analyzed", "kind", kind, "score", verdict.Score, "category", verdict.Category, "assessed", verdict.Assessed, "frames", verdict.FramesSampled, "caption", sub.Caption)
	if err := eng.Counters.Increment(ctx, CounterVerdict, verdict.Category); err != nil {
		logger.Error("failed to increment counter", "name", CounterVerdict, "err", err)
	}

	if !verdict.Accepted {
		return eng.rejectSubmission(ctx, u, verdict)
	}
	return eng.acceptSubmission(ctx, u, sub, kind, verdict)
}

func (eng *Engine) rejectSubmission(ctx context.Context, u *store.User, verdict *scoring.Verdict) (*SubmitResult, error) {
	submissionCount.WithLabelValues("rejected").Inc()
	now := eng.now()
	updated, err := eng.transition(ctx, u, func(s enforce.State) (enforce.State, error) {
		return enforce.RecordViolation(s, now), nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording violation: %w", err)
	}
	violationCount.Inc()
	if err := eng.Counters.Increment(ctx, CounterViolation, updated.Identity); err != nil {
		eng.logger().Error("failed to increment counter", "name", CounterViolation, "err", err)
	}
	if err := eng.Counters.IncrementDistinct(ctx, CounterViolators, "all", updated.Identity); err != nil {
		eng.logger().Error("failed to increment distinct counter", "name", CounterViolators, "err", err)
	}

	res := &SubmitResult{
		Verdict: verdict,
		State:   updated.EnforcementState(),
	}
	// only the transition crossing the threshold notifies
	if updated.IsBlocked && !u.IsBlocked && updated.ViolationCount == enforce.BlockThreshold {
		res.Blocked = true
		blockCount.Inc()
		eng.logger().Warn("account blocked", "identity", updated.Identity, "violations", updated.ViolationCount)
		eng.notify(func(n Notifier) error { return n.SendBlocked(ctx, updated, verdict) })
	}
	eng.logger().Info("submission rejected", "identity", updated.Identity, "score", verdict.Score, "violations", updated.ViolationCount)
	return res, nil
}

func (eng *Engine) acceptSubmission(ctx context.Context, u *store.User, sub Submission, kind scoring.MediaKind, verdict *scoring.Verdict) (*SubmitResult, error) {
	// content is only accepted from identities registered on the ledger;
	// local state stands in while the ledger is unreachable
	if eng.Ledger != nil {
		ok, err := eng.Ledger.IsRegistered(ctx, u.Identity, u.LedgerRegistered)
		if err != nil {
			submissionCount.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("checking ledger registration: %w", err)
		}
		if !ok {
			submissionCount.WithLabelValues("unregistered").Inc()
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotRegistered, u.Identity)
		}
	}

	key, err := eng.Media.Put(sub.Data, sub.Filename)
	if err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}
	post := &store.Post{
		UserID:          u.ID,
		MediaKey:        key,
		Caption:         sub.Caption,
		IsVideo:         kind == scoring.KindVideo,
		VulgarityScore:  verdict.Score,
		ContentCategory: verdict.Category,
		Assessed:        verdict.Assessed,
		ContentHash:     ledger.ContentHash(sub.Data),
		FramesSampled:   verdict.FramesSampled,
		Categories:      categoryRows(verdict.Categories),
	}
	if err := eng.Store.CreatePost(ctx, post); err != nil {
		if derr := eng.Media.Delete(key); derr != nil {
			eng.logger().Error("failed to remove orphaned media", "key", key, "err", derr)
		}
		return nil, err
	}
	submissionCount.WithLabelValues("accepted").Inc()

	res := &SubmitResult{
		Verdict:  verdict,
		Accepted: true,
		Post:     post,
		State:    u.EnforcementState(),
	}
	if eng.Ledger == nil {
		return res, nil
	}
	receipt, err := eng.Ledger.MirrorPost(ctx, u.Identity, post.ContentHash, verdict.Score)
	if err != nil {
		// left unmirrored; Reconcile retries it
		res.LedgerWarning = eng.ledgerDegraded(ctx, "post", u.Identity, err)
		return res, nil
	}
	if err := eng.Store.MarkPostMirrored(ctx, post.ID, receipt.PostID); err != nil {
		eng.logger().Error("failed to mark post mirrored", "post", post.ID, "err", err)
	} else {
		post.LedgerMirrored = true
		post.LedgerPostID = receipt.PostID
	}
	res.LedgerMirrored = true
	return res, nil
}

func categoryRows(dist map[string]float64) []store.PostCategoryScore {
	if len(dist) == 0 {
		return nil
	}
	out := make([]store.PostCategoryScore, 0, len(dist))
	for name, score := range dist {
		out = append(out, store.PostCategoryScore{Category: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

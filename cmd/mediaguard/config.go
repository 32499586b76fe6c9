package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaguard/mediaguard/moderation/cachestore"
	"github.com/mediaguard/mediaguard/moderation/countstore"
	"github.com/mediaguard/mediaguard/moderation/embedding"
	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/engine"
	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/frames"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"
	"github.com/mediaguard/mediaguard/util/cliutil"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
)

// Builds the analysis pipeline. A missing or unhealthy embedding service is
// not fatal: the analyzer then produces unassessed verdicts.
func configAnalyzer(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (*scoring.Analyzer, error) {
	set := scoring.DefaultPromptSet()
	if p := cctx.String("prompts-file"); p != "" {
		loaded, err := scoring.LoadPromptSet(p)
		if err != nil {
			return nil, fmt.Errorf("loading prompt set: %w", err)
		}
		set = loaded
		logger.Info("loaded prompt set", "path", p, "categories", len(set.Categories))
	}

	analyzer := &scoring.Analyzer{
		MaxFrames:   cctx.Int("max-frames"),
		Concurrency: cctx.Int("frame-concurrency"),
		Logger:      logger,
	}

	emb, err := embedding.NewHTTPEmbedder(ctx, cctx.String("embedding-host"), cctx.String("embedding-api-token"))
	if err != nil {
		if !errors.Is(err, embedding.ErrModelUnavailable) {
			return nil, err
		}
		logger.Warn("embedding model unavailable, all media will be accepted unassessed", "err", err)
	} else {
		scorer, err := scoring.NewScorer(ctx, emb, set)
		if err != nil {
			if !errors.Is(err, embedding.ErrModelUnavailable) {
				return nil, err
			}
			logger.Warn("failed to embed prompt set, all media will be accepted unassessed", "err", err)
		} else {
			logger.Info("embedding model loaded", "dimensions", scorer.Dimensions(), "categories", len(scorer.CategoryNames()))
			analyzer.Scorer = scorer
		}
	}

	sampler, err := frames.NewFFmpegSampler()
	if err != nil {
		// videos are then rejected as unreadable
		logger.Warn("video frame sampling unavailable", "err", err)
	} else {
		sampler.Logger = logger.With("component", "frames")
		analyzer.Sampler = sampler
	}
	return analyzer, nil
}

func configEngine(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (*engine.Engine, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(db)
	if err != nil {
		return nil, err
	}
	media, err := store.NewDiskMediaStore(cctx.String("media-dir"))
	if err != nil {
		return nil, err
	}

	var counters countstore.CountStore
	var cache cachestore.CacheStore
	var flags flagstore.FlagStore
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb := redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		counters = countstore.NewRedisCountStore(rdb)
		cache = cachestore.NewRedisCacheStore(rdb, 5*time.Minute)
		flags = flagstore.NewRedisFlagStore(rdb)
	} else {
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(5_000, 5*time.Minute)
		flags = flagstore.NewMemFlagStore()
	}

	analyzer, err := configAnalyzer(ctx, cctx, logger)
	if err != nil {
		return nil, err
	}

	eng := &engine.Engine{
		Logger:   logger,
		Analyzer: analyzer,
		Store:    st,
		Media:    media,
		Locker:   enforce.NewLocker(),
		Counters: counters,
		Flags:    flags,
	}

	if host := cctx.String("ledger-host"); host != "" {
		hl := ledger.NewHTTPLedger(host, cctx.String("ledger-api-token"), cctx.Float64("ledger-rate-limit"))
		hl.Logger = logger.With("component", "ledger")
		syncer := ledger.NewSynchronizer(hl, cache, cctx.Duration("ledger-timeout"))
		syncer.Logger = logger.With("component", "ledger-sync")
		eng.Ledger = syncer
	} else {
		logger.Warn("no ledger host configured, ledger mirroring disabled")
	}

	if url := cctx.String("slack-webhook-url"); url != "" {
		eng.Notifier = &engine.SlackNotifier{SlackWebhookURL: url}
	}
	return eng, nil
}

func engineSubmission(identity, caption, filename string, data []byte) engine.Submission {
	return engine.Submission{
		Identity: identity,
		Caption:  caption,
		Filename: filename,
		Data:     data,
	}
}

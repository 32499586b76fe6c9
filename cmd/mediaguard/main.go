package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "mediaguard",
		Usage:   "media content moderation and enforcement daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"MEDIAGUARD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text, json)",
			EnvVars: []string{"MEDIAGUARD_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite://... or postgres://...)",
			Value:   "sqlite://data/mediaguard/mediaguard.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MEDIAGUARD_MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for counters, caches and flags; in-process stores when not set",
			EnvVars: []string{"MEDIAGUARD_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "media-dir",
			Usage:   "directory for accepted media blobs",
			Value:   "data/mediaguard/media",
			EnvVars: []string{"MEDIAGUARD_MEDIA_DIR"},
		},
		&cli.StringFlag{
			Name:    "embedding-host",
			Usage:   "method, hostname, and port of the image/text embedding service",
			EnvVars: []string{"MEDIAGUARD_EMBEDDING_HOST"},
		},
		&cli.StringFlag{
			Name:    "embedding-api-token",
			Usage:   "API token for the embedding service",
			EnvVars: []string{"MEDIAGUARD_EMBEDDING_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "prompts-file",
			Usage:   "TOML file with moderation prompts; built-in prompt set when not set",
			EnvVars: []string{"MEDIAGUARD_PROMPTS_FILE"},
		},
		&cli.IntFlag{
			Name:    "max-frames",
			Usage:   "frames sampled per video",
			Value:   10,
			EnvVars: []string{"MEDIAGUARD_MAX_FRAMES"},
		},
		&cli.IntFlag{
			Name:    "frame-concurrency",
			Usage:   "parallel frame scoring requests per video",
			Value:   4,
			EnvVars: []string{"MEDIAGUARD_FRAME_CONCURRENCY"},
		},
		&cli.StringFlag{
			Name:    "ledger-host",
			Usage:   "method, hostname, and port of the ledger gateway; mirroring disabled when not set",
			EnvVars: []string{"MEDIAGUARD_LEDGER_HOST"},
		},
		&cli.StringFlag{
			Name:    "ledger-api-token",
			Usage:   "API token for the ledger gateway",
			EnvVars: []string{"MEDIAGUARD_LEDGER_API_TOKEN"},
		},
		&cli.DurationFlag{
			Name:    "ledger-timeout",
			Usage:   "deadline for each ledger operation, including receipt confirmation",
			Value:   30 * time.Second,
			EnvVars: []string{"MEDIAGUARD_LEDGER_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "ledger-rate-limit",
			Usage:   "max ledger transactions per second (0 for unlimited)",
			Value:   5,
			EnvVars: []string{"MEDIAGUARD_LEDGER_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for block and unblock request notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		analyzeCmd,
		registerCmd,
		submitCmd,
		statusCmd,
		unblockCmd,
		reconcileCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3990",
			EnvVars: []string{"MEDIAGUARD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"MEDIAGUARD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for admin API endpoints; admin API disabled when not set",
			EnvVars: []string{"MEDIAGUARD_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "reconcile-schedule",
			Usage:   "cron schedule for ledger reconciliation; empty disables it",
			Value:   "@every 10m",
			EnvVars: []string{"MEDIAGUARD_RECONCILE_SCHEDULE"},
		},
		&cli.IntFlag{
			Name:    "reconcile-batch",
			Usage:   "max registrations and posts retried per reconciliation pass",
			Value:   100,
			EnvVars: []string{"MEDIAGUARD_RECONCILE_BATCH"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}

		shutdownOTEL, err := configOTEL(ctx, "mediaguard")
		if err != nil {
			return err
		}
		defer shutdownOTEL()

		eng, err := configEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}

		srv, err := NewServer(eng, Config{
			Logger:     logger,
			Bind:       cctx.String("bind"),
			AdminToken: cctx.String("admin-token"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "err", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if eng.Ledger != nil && cctx.String("reconcile-schedule") != "" {
			rec, err := NewReconciler(eng, cctx.String("reconcile-schedule"), cctx.Int("reconcile-batch"), logger)
			if err != nil {
				return err
			}
			rec.Start()
			defer rec.Stop()
		}

		return srv.RunAPI()
	},
}

var analyzeCmd = &cli.Command{
	Name:      "analyze",
	Usage:     "score a local image or video file and print the verdict",
	ArgsUsage: "<file>",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single file path argument")
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		p := cctx.Args().First()
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		analyzer, err := configAnalyzer(ctx, cctx, logger)
		if err != nil {
			return err
		}
		v, err := analyzer.Analyze(ctx, scoring.MediaAsset{
			Kind:     scoring.KindFromFilename(p),
			Data:     data,
			Filename: filepath.Base(p),
		})
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var registerCmd = &cli.Command{
	Name:      "register",
	Usage:     "register a user identity (idempotent)",
	ArgsUsage: "<identity> [<username>]",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() < 1 {
			return fmt.Errorf("expected an identity argument")
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		eng, err := configEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}
		res, err := eng.RegisterUser(ctx, cctx.Args().Get(0), cctx.Args().Get(1))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var submitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "submit a local media file on behalf of a registered user",
	ArgsUsage: "<identity> <file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "caption",
			Usage: "post caption",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("expected identity and file path arguments")
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		p := cctx.Args().Get(1)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		eng, err := configEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}
		res, err := eng.Submit(ctx, engineSubmission(cctx.Args().Get(0), cctx.String("caption"), filepath.Base(p), data))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "show enforcement and ledger status for a user",
	ArgsUsage: "<identity>",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected an identity argument")
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		eng, err := configEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}
		res, err := eng.Status(ctx, cctx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var unblockCmd = &cli.Command{
	Name:      "unblock",
	Usage:     "administrative unblock: reset enforcement state and purge high-risk posts",
	ArgsUsage: "<identity>",
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected an identity argument")
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		eng, err := configEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}
		res, err := eng.AdminUnblock(ctx, cctx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var reconcileCmd = &cli.Command{
	Name:  "reconcile",
	Usage: "run a single ledger reconciliation pass",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "max registrations and posts retried",
			Value: 100,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		eng, err := configEngine(ctx, cctx, logger)
		if err != nil {
			return err
		}
		res, err := eng.Reconcile(ctx, cctx.Int("limit"))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/intake"
	"github.com/animus-labs/snippet-marshal/internal/pipeline"
	"github.com/animus-labs/snippet-marshal/internal/platform/auth"
	"github.com/animus-labs/snippet-marshal/internal/platform/env"
	"github.com/animus-labs/snippet-marshal/internal/platform/httpserver"
	platformstore "github.com/animus-labs/snippet-marshal/internal/platform/objectstore"
	"github.com/animus-labs/snippet-marshal/internal/platform/postgres"
	"github.com/animus-labs/snippet-marshal/internal/repo"
	"github.com/animus-labs/snippet-marshal/internal/repo/memory"
	pgrepo "github.com/animus-labs/snippet-marshal/internal/repo/postgres"
	"github.com/animus-labs/snippet-marshal/internal/sandbox"
	"github.com/animus-labs/snippet-marshal/internal/storage/objectstore"
	"github.com/animus-labs/snippet-marshal/internal/verifier"
)

// configError marks failures that exit with status 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func invalid(what string, err error) error {
	return configError{fmt.Errorf("%s: %w", what, err)}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid configuration", "error", err)
			os.Exit(2)
		}
		logger.Error("marshal failed", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.String("MARSHAL_LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(ctx context.Context, logger *slog.Logger) error {
	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		return invalid("http config", err)
	}

	workers, err := env.Int("SANDBOX_WORKERS_PER_ENGINE", 2)
	if err != nil {
		return invalid("SANDBOX_WORKERS_PER_ENGINE", err)
	}
	engines, err := loadEngines(env.String("MARSHAL_ENGINES_FILE", ""), workers)
	if err != nil {
		return invalid("engine catalog", err)
	}

	w := wiring{Engines: engines, Logger: logger}

	store, closeStore, checks, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	w.Store = store
	w.Readiness = append(w.Readiness, checks...)

	if err := openContent(ctx, &w); err != nil {
		return err
	}

	if w.Sandbox, err = sandbox.ConfigFromEnv(); err != nil {
		return invalid("sandbox config", err)
	}
	if w.Runner, err = sandbox.NewRunner(w.Sandbox); err != nil {
		return invalid("sandbox runner", err)
	}
	if w.Intake, err = intake.ConfigFromEnv(); err != nil {
		return invalid("intake config", err)
	}
	if w.Pipeline, err = pipeline.ConfigFromEnv(); err != nil {
		return invalid("pipeline config", err)
	}

	if w.Specs, err = verifier.DefaultCatalog(); err != nil {
		return err
	}
	if dir := env.String("MARSHAL_SPECS_DIR", ""); dir != "" {
		n, err := w.Specs.LoadDir(dir)
		if err != nil {
			return invalid("spec dir", err)
		}
		logger.Info("specs loaded", "dir", dir, "count", n)
		if err := w.Specs.Watch(ctx, dir, logger); err != nil {
			logger.Warn("spec hot reload disabled", "dir", dir, "error", err)
		}
	}
	if w.RequireSpec, err = env.Bool("MARSHAL_REQUIRE_SPEC", false); err != nil {
		return invalid("MARSHAL_REQUIRE_SPEC", err)
	}
	w.SnapshotDir = env.String("MARSHAL_SNAPSHOT_DIR", "")

	exportCfg, err := audit.ExportConfigFromEnv()
	if err != nil {
		return invalid("audit export", err)
	}
	exporter, closeExporter, err := audit.OpenExporter(exportCfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeExporter() }()
	w.Exporter = exporter

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return invalid("auth config", err)
	}
	if w.Authenticator, err = auth.New(ctx, authCfg); err != nil {
		return fmt.Errorf("auth provider: %w", err)
	}
	if w.Authenticator == nil {
		logger.Warn("authentication disabled", "auth_mode", string(authCfg.Mode))
	}

	a, err := build(ctx, w)
	if err != nil {
		return err
	}
	if n, err := a.pipeline.Resume(ctx); err != nil {
		logger.Warn("resume staged attempts", "queued", n, "error", err)
	} else if n > 0 {
		logger.Info("resumed staged attempts", "queued", n)
	}
	logger.Info("marshal starting",
		"engines", len(engines.List()),
		"sandbox", w.Runner.Name(),
		"require_spec", w.RequireSpec,
		"snapshots", w.SnapshotDir != "",
	)

	serveErr := httpserver.Run(ctx, logger, httpCfg, a.handler)

	closeCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()
	if err := a.pipeline.Close(closeCtx); err != nil {
		logger.Warn("pipeline shutdown incomplete", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func loadEngines(path string, workers int) (*engine.Catalog, error) {
	if path == "" {
		return engine.DefaultCatalog(workers)
	}
	return engine.LoadCatalogFile(path, workers)
}

func openStore(ctx context.Context, logger *slog.Logger) (repo.Store, func(), []httpserver.ReadinessCheck, error) {
	switch mode := strings.ToLower(env.String("MARSHAL_STORE", "memory")); mode {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil, nil
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, nil, nil, invalid("database config", err)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database unavailable: %w", err)
		}
		if dbCfg.Migrate {
			if err := pgrepo.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		check := httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, dbCfg.PingTimeout)
			},
		}
		return pgrepo.NewStore(db), func() { _ = db.Close() }, []httpserver.ReadinessCheck{check}, nil
	default:
		return nil, nil, nil, invalid("MARSHAL_STORE", fmt.Errorf("must be memory or postgres, got %q", mode))
	}
}

func openContent(ctx context.Context, w *wiring) error {
	switch mode := strings.ToLower(env.String("MARSHAL_CONTENT_STORE", "memory")); mode {
	case "memory":
		w.Objects = objectstore.NewMemoryStore()
		w.Bucket = "snippets"
		return nil
	case "minio":
		cfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			return invalid("object store config", err)
		}
		client, err := platformstore.NewMinIOClient(cfg)
		if err != nil {
			return invalid("object store client", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := platformstore.EnsureBucket(startupCtx, client, cfg); err != nil {
			return fmt.Errorf("object store unavailable: %w", err)
		}
		store, err := objectstore.NewMinioStore(client)
		if err != nil {
			return err
		}
		w.Objects = store
		w.Bucket = cfg.BucketContent
		w.Prefix = cfg.Prefix
		w.Readiness = append(w.Readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				return platformstore.CheckBucket(ctx, client, cfg)
			},
		})
		return nil
	default:
		return invalid("MARSHAL_CONTENT_STORE", fmt.Errorf("must be memory or minio, got %q", mode))
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/contentstore"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/intake"
	"github.com/animus-labs/snippet-marshal/internal/pipeline"
	"github.com/animus-labs/snippet-marshal/internal/platform/auth"
	"github.com/animus-labs/snippet-marshal/internal/platform/httpserver"
	"github.com/animus-labs/snippet-marshal/internal/platform/openapi"
	"github.com/animus-labs/snippet-marshal/internal/promotion"
	"github.com/animus-labs/snippet-marshal/internal/repo"
	"github.com/animus-labs/snippet-marshal/internal/sandbox"
	"github.com/animus-labs/snippet-marshal/internal/snapshot"
	"github.com/animus-labs/snippet-marshal/internal/storage/objectstore"
	"github.com/animus-labs/snippet-marshal/internal/verifier"
)

const serviceName = "marshal"

// wiring is everything the service needs that main reads from the
// environment or opens against external systems.
type wiring struct {
	Engines       *engine.Catalog
	Store         repo.Store
	Objects       objectstore.Store
	Bucket        string
	Prefix        string
	Runner        sandbox.Runner
	Sandbox       sandbox.Config
	Intake        intake.Config
	Pipeline      pipeline.Config
	Specs         *verifier.Catalog
	RequireSpec   bool
	SnapshotDir   string
	Exporter      audit.Exporter
	Authenticator auth.Authenticator
	Readiness     []httpserver.ReadinessCheck
	Logger        *slog.Logger
}

type app struct {
	api      *marshalAPI
	pipeline *pipeline.Pipeline
	coord    *promotion.Coordinator
	pool     *sandbox.Pool
	handler  http.Handler
}

func build(ctx context.Context, w wiring) (*app, error) {
	if w.Engines == nil || w.Store == nil || w.Objects == nil || w.Runner == nil || w.Specs == nil {
		return nil, errors.New("incomplete wiring")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storeOpts := []contentstore.Option{contentstore.WithPrefix(w.Prefix)}
	if w.Intake.MaxSourceBytes > 0 {
		// Tab expansion can grow a snippet during normalization.
		storeOpts = append(storeOpts, contentstore.WithMaxSize(w.Intake.MaxSourceBytes*8))
	}
	content, err := contentstore.New(w.Objects, w.Bucket, storeOpts...)
	if err != nil {
		return nil, err
	}

	auditOpts := []audit.Option{audit.WithLogger(logger)}
	if w.Exporter != nil {
		auditOpts = append(auditOpts, audit.WithExporter(w.Exporter))
	}
	log := audit.New(w.Store.Audit(), auditOpts...)

	pool, err := sandbox.NewPool(w.Runner, w.Sandbox, logger)
	if err != nil {
		return nil, err
	}

	coord := promotion.NewCoordinator(w.Engines, w.Store.Staging(), w.Store.Slots(), log, logger)
	if w.SnapshotDir != "" {
		writer, err := snapshot.NewWriter(w.SnapshotDir, w.Engines, content)
		if err != nil {
			return nil, err
		}
		coord.AddObserver(writer)
	}

	intakeSvc := intake.NewService(w.Intake, w.Engines, content, w.Store.Staging(), log, logger)
	ver := verifier.New(w.Store.Staging(), w.Specs, log, verifier.Options{RequireSpec: w.RequireSpec, Logger: logger})
	pipe, err := pipeline.New(w.Pipeline, pipeline.Deps{
		Engines:  w.Engines,
		Staging:  w.Store.Staging(),
		Content:  content,
		Executor: pool,
		Verifier: ver,
		Promoter: coord,
		Stager:   intakeSvc,
		Audit:    log,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	intakeSvc.SetDispatcher(pipe)

	if _, err := coord.DeclareSlots(ctx); err != nil {
		return nil, err
	}

	doc, err := openapi.Load(ctx)
	if err != nil {
		return nil, err
	}

	api := &marshalAPI{
		logger:      logger,
		engines:     w.Engines,
		staging:     w.Store.Staging(),
		content:     content,
		audit:       log,
		intake:      intakeSvc,
		coordinator: coord,
		pipeline:    pipe,
		sandbox:     pool,
	}

	a := &app{api: api, pipeline: pipe, coord: coord, pool: pool}
	a.handler = newHandler(logger, api, doc, w.Authenticator, append([]httpserver.ReadinessCheck{{
		Name: "store",
		Check: func(ctx context.Context) error {
			return w.Store.Ping(ctx)
		},
	}}, w.Readiness...))
	return a, nil
}

func newHandler(logger *slog.Logger, api *marshalAPI, doc *openapi3.T, authn auth.Authenticator, checks []httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, 750*time.Millisecond, checks...))
	mux.HandleFunc("GET /openapi.json", openapi.Handler(doc))
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/openapi.json"},
	}.Wrap(mux)
	return httpserver.Wrap(logger, handler)
}

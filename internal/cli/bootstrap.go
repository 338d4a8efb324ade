package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"

	"github.com/MrCodeEU/FaceGate/internal/audit"
	"github.com/MrCodeEU/FaceGate/internal/auth"
	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/embedding"
	"github.com/MrCodeEU/FaceGate/internal/identity"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
	"github.com/MrCodeEU/FaceGate/internal/metrics"
	"github.com/MrCodeEU/FaceGate/pkg/models"
)

// App is the assembled service graph
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Engine    *auth.Engine
	Inference *models.InferenceClient
	Registry  *prometheus.Registry

	closers *closers
}

// Close releases every resource opened while building the graph, newest first
func (a *App) Close() error {
	return a.closers.close()
}

type closers struct {
	fns []func() error
}

func (c *closers) add(fn func() error) { c.fns = append(c.fns, fn) }

func (c *closers) close() error {
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		errs = append(errs, c.fns[i]())
	}
	c.fns = nil
	return errors.Join(errs...)
}

// Bootstrap wires the engine and its collaborators from cfg
func Bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	cl := &closers{}
	c := dig.New()

	providers := []interface{}{
		func() context.Context { return ctx },
		func() *config.Config { return cfg },
		func() *logrus.Logger { return logger },
		func() *closers { return cl },
		newRegistry,
		func(reg *prometheus.Registry) *metrics.Metrics { return metrics.New(reg) },
		newInferenceClient,
		newPool,
		newExtractor,
		newIndex,
		newChallengeStore,
		func(cfg *config.Config, store liveness.ChallengeStore) *liveness.Issuer {
			return liveness.NewIssuer(cfg.Challenge, store)
		},
		newVerifier,
		newAuditSink,
		newEngine,
	}
	for _, p := range providers {
		if err := c.Provide(p); err != nil {
			return nil, fmt.Errorf("failed to register provider: %w", err)
		}
	}

	app := &App{Config: cfg, Logger: logger, closers: cl}
	err := c.Invoke(func(e *auth.Engine, client *models.InferenceClient, reg *prometheus.Registry) {
		app.Engine = e
		app.Inference = client
		app.Registry = reg
	})
	if err != nil {
		_ = cl.close()
		return nil, dig.RootCause(err)
	}
	return app, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// newInferenceClient returns nil when no sidecar is configured
func newInferenceClient(cfg *config.Config, cl *closers, logger *logrus.Logger) (*models.InferenceClient, error) {
	if cfg.Inference.Address == "" {
		logger.Info("No inference service configured")
		return nil, nil
	}

	client, err := models.NewInferenceClient(cfg.Inference.Address, time.Duration(cfg.Inference.Timeout)*time.Second)
	if err != nil {
		return nil, err
	}
	cl.add(client.Close)
	return client, nil
}

// newPool returns nil when no PostgreSQL DSN is configured
func newPool(ctx context.Context, cfg *config.Config, cl *closers) (*pgxpool.Pool, error) {
	if cfg.Storage.PostgresDSN == "" {
		return nil, nil
	}

	pool, err := identity.NewPool(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns)
	if err != nil {
		return nil, err
	}
	cl.add(func() error {
		pool.Close()
		return nil
	})
	return pool, nil
}

func newExtractor(ctx context.Context, cfg *config.Config, client *models.InferenceClient, logger *logrus.Logger) embedding.Extractor {
	return embedding.NewExtractor(ctx, cfg, client, logger)
}

type indexParams struct {
	dig.In

	Ctx     context.Context
	Config  *config.Config
	Pool    *pgxpool.Pool
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
	Closers *closers
}

func newIndex(p indexParams) (*identity.Index, error) {
	ctx, cfg, logger := p.Ctx, p.Config, p.Logger

	var store identity.RowStore
	switch cfg.Storage.Scan {
	case "memory":
		store = identity.NewMemoryStore()
	case "postgres":
		pg := identity.NewPostgresStore(p.Pool)
		if cfg.Storage.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		store = pg
	default:
		sqlite, err := identity.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding store: %w", err)
		}
		store = sqlite
	}

	var native identity.NativeBackend
	switch cfg.Storage.Native {
	case "pgvector":
		pgv := identity.NewPgvectorBackend(p.Pool)
		if cfg.Storage.AutoMigrate {
			// A missing extension is reported by the probe; the scan path still works
			if err := pgv.EnsureSchema(ctx); err != nil {
				logger.Warnf("pgvector schema unavailable: %v", err)
			}
		}
		native = pgv
	case "milvus":
		mv, err := identity.NewMilvusBackend(ctx, identity.MilvusOptions{
			Address:    cfg.Storage.MilvusAddress,
			Database:   cfg.Storage.MilvusDatabase,
			Collection: cfg.Storage.MilvusCollection,
		})
		if err != nil {
			logger.Warnf("Milvus unavailable, using %s scan: %v", store.Name(), err)
			break
		}
		if cfg.Storage.AutoMigrate {
			if err := mv.EnsureSchema(ctx); err != nil {
				logger.Warnf("Milvus schema unavailable: %v", err)
			}
		}
		native = mv
	}

	idx := identity.NewIndex(native, identity.NewScanBackend(store), cfg.ProbeTTL(), p.Metrics, logger)
	p.Closers.add(idx.Close)
	return idx, nil
}

func newChallengeStore(cfg *config.Config, cl *closers, logger *logrus.Logger) liveness.ChallengeStore {
	if cfg.Challenge.RedisAddress == "" {
		return liveness.NewMemoryChallengeStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Challenge.RedisAddress,
		Password: cfg.Challenge.RedisPassword,
		DB:       cfg.Challenge.RedisDB,
	})
	store := liveness.NewRedisChallengeStore(client)
	cl.add(store.Close)
	logger.Infof("Challenge bindings stored in redis at %s", cfg.Challenge.RedisAddress)
	return store
}

func newVerifier(cfg *config.Config, client *models.InferenceClient, m *metrics.Metrics, logger *logrus.Logger) *liveness.Verifier {
	// Keep the interface nil rather than holding a nil pointer
	var source liveness.LandmarkSource
	if client != nil {
		source = client
	}
	return liveness.NewVerifier(source, cfg.Liveness, m, logger)
}

type auditParams struct {
	dig.In

	Ctx     context.Context
	Config  *config.Config
	Pool    *pgxpool.Pool
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
	Closers *closers
}

func newAuditSink(p auditParams) (audit.Sink, error) {
	cfg := p.Config.Audit

	var sinks []audit.Sink
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(p.Logger))
		case "sqlite":
			s, err := audit.NewSQLiteSink(cfg.DatabasePath)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case "postgres":
			s := audit.NewPgSink(p.Pool)
			if p.Config.Storage.AutoMigrate {
				if err := s.EnsureSchema(p.Ctx); err != nil {
					return nil, err
				}
			}
			sinks = append(sinks, s)
		case "kafka":
			s, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		}
	}

	multi := audit.NewMultiSink(p.Metrics, sinks...)
	p.Closers.add(multi.Close)
	return multi, nil
}

type engineParams struct {
	dig.In

	Config    *config.Config
	Logger    *logrus.Logger
	Extractor embedding.Extractor
	Index     *identity.Index
	Verifier  *liveness.Verifier
	Issuer    *liveness.Issuer
	Audit     audit.Sink
	Metrics   *metrics.Metrics
}

func newEngine(p engineParams) (*auth.Engine, error) {
	return auth.NewEngine(p.Config, auth.Components{
		Extractor: p.Extractor,
		Index:     p.Index,
		Liveness:  p.Verifier,
		Issuer:    p.Issuer,
		Audit:     p.Audit,
		Metrics:   p.Metrics,
	}, p.Logger)
}

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/metrics"
	"github.com/dmitrijs2005/gophsync/internal/retry"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/reports"
	"github.com/dmitrijs2005/gophsync/internal/server/verification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Core holds the stores and services shared by the HTTP server and the
// migrate tool.
type Core struct {
	DB         *sql.DB
	Mongo      *mongo.Client
	Repos      repomanager.RepositoryManager
	Identities *identity.Provider
	Profiles   *profiles.MongoRepository
	Reports    *reports.MongoStore
	Verifier   *verification.Service
	Checker    *consistency.Checker
	Reconciler *reconcile.Reconciler
	Runner     *migration.Runner
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics

	// Stores retries profile and identity calls behind the "stores"
	// breaker. Mail sends use the verifier's own executor.
	Stores *retry.Executor

	kafka  *kafka.Writer
	logger logging.Logger
}

// OpenCore connects to PostgreSQL and MongoDB, applies schema migrations
// and builds the reconciliation services.
func OpenCore(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Core, error) {
	c := &Core{
		Repos:    repomanager.NewPostgresRepositoryManager(),
		Registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	c.Metrics = metrics.New(c.Registry)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	c.DB = db
	if err := c.Repos.RunMigrations(ctx, db); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("db migrations error: %w", err)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("mongo init error: %w", err)
	}
	c.Mongo = client
	mdb := client.Database(cfg.MongoDatabase)

	c.Profiles = profiles.NewMongoRepository(mdb, profiles.DefaultCollection)
	if err := c.Profiles.EnsureIndexes(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}
	c.Reports = reports.NewMongoStore(mdb)

	var mailer identity.Mailer = identity.NewLogMailer(logger)
	if len(cfg.KafkaBrokers) > 0 {
		c.kafka = identity.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		mailer = identity.NewKafkaMailer(c.kafka)
	}
	c.Identities = identity.NewProvider(db, c.Repos, mailer, identity.WithLogger(logger))

	vcfg := verification.DefaultConfig()
	execs := newExecutors(vcfg.Resend, retry.WithLogger(logger), retry.WithObserver(c.Metrics))
	c.Stores = execs.stores

	c.Verifier = verification.NewService(vcfg, c.Identities, c.Profiles,
		verification.WithLogger(logger),
		verification.WithRecorder(c.Metrics),
		verification.WithExecutor(execs.mailer),
	)
	c.Checker = consistency.NewChecker(c.Profiles, c.Identities,
		consistency.WithExecutor(execs.stores),
		consistency.WithLogger(logger),
		consistency.WithRecorder(c.Metrics),
	)
	c.Reconciler = reconcile.New(c.Profiles, c.Identities,
		reconcile.WithExecutor(execs.stores),
		reconcile.WithLogger(logger),
		reconcile.WithRecorder(c.Metrics),
	)

	runnerOpts := []migration.Option{
		migration.WithExecutor(execs.stores),
		migration.WithResender(c.Verifier),
		migration.WithLogger(logger),
		migration.WithRecorder(c.Metrics),
	}
	if cfg.S3Bucket != "" {
		archive, err := reports.NewS3Archive(ctx, reports.S3Config{
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3RootUser,
			SecretKey:    cfg.S3RootPassword,
			BaseEndpoint: cfg.S3BaseEndpoint,
			Bucket:       cfg.S3Bucket,
		})
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		runnerOpts = append(runnerOpts, migration.WithArchiver(archive))
	}
	c.Runner = migration.New(c.Checker, c.Reconciler, c.Profiles, c.Identities, c.Reports, runnerOpts...)

	return c, nil
}

type executors struct {
	stores *retry.Executor
	mailer *retry.Executor
}

// newExecutors builds one executor per remote dependency so that a mail
// outage cannot open the breaker guarding the stores. The mailer follows
// the resend policy.
func newExecutors(resend retry.Policy, opts ...retry.Option) executors {
	with := func(o retry.Option) []retry.Option {
		return append(append([]retry.Option{}, opts...), o)
	}
	return executors{
		stores: retry.New(retry.DefaultPolicy(), with(retry.WithBreaker("stores", 5, 30*time.Second))...),
		mailer: retry.New(resend, with(retry.WithBreaker("mailer", 5, 30*time.Second))...),
	}
}

// Close releases every connection OpenCore made. It is safe on a partially
// opened Core.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	if c.kafka != nil {
		errs = append(errs, c.kafka.Close())
	}
	if c.Mongo != nil {
		errs = append(errs, c.Mongo.Disconnect(ctx))
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

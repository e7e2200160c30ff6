package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/auditlog"
	"github.com/cleared-dev/marketledger/internal/checkout"
	"github.com/cleared-dev/marketledger/internal/config"
	"github.com/cleared-dev/marketledger/internal/gitops"
	"github.com/cleared-dev/marketledger/internal/ledger"
	"github.com/cleared-dev/marketledger/internal/lock"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/metrics"
	"github.com/cleared-dev/marketledger/internal/quota"
	"github.com/cleared-dev/marketledger/internal/store"
	"github.com/cleared-dev/marketledger/internal/store/csvstore"
	"github.com/cleared-dev/marketledger/internal/store/postgres"
	"github.com/cleared-dev/marketledger/internal/store/resilient"
)

// dirLockWait bounds how long a command waits for another process to release
// a CSV data directory.
const dirLockWait = 30 * time.Second

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	dir         string
	metricsFile string
	actor       string
}

// application is one opened project: config, store and engines.
type application struct {
	dir      string
	cfg      *config.Config
	opts     *globalOptions
	log      *logging.Logger
	registry *prometheus.Registry
	store    store.Store
	quota    *quota.Engine
	ledger   *ledger.Engine
	checkout *checkout.Orchestrator
	closers  []func() error
	now      func() time.Time
}

func openApp(ctx context.Context, opts *globalOptions) (*application, error) {
	dir, err := filepath.Abs(opts.dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s is not a marketledger project (run init first): %w", dir, err)
		}
		return nil, err
	}

	log, err := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logging.SetGlobal(log)

	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector("marketledger")
	if err := collector.Register(registry); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	a := &application{
		dir:      dir,
		cfg:      cfg,
		opts:     opts,
		log:      log,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}

	backend, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = resilient.New(backend, resilient.Config{
		Name:             cfg.Store.Backend,
		Timeout:          cfg.Store.Timeout,
		MaxRetries:       cfg.Store.Retries,
		Backoff:          cfg.Store.Backoff,
		MaxBackoff:       cfg.Store.MaxBackoff,
		MaxRequests:      1,
		Interval:         cfg.Store.Breaker.Interval,
		OpenTimeout:      cfg.Store.Breaker.OpenTimeout,
		FailureThreshold: cfg.Store.Breaker.FailureThreshold,
	}, resilient.Options{Logger: log, Metrics: collector})

	locker := a.openLocker()
	a.quota = quota.NewEngine(a.store, quota.Options{
		Locker:       locker,
		PurchaseMode: cfg.PurchaseMode(),
		Logger:       log,
		Metrics:      collector,
	})
	a.ledger = ledger.NewEngine(a.store, ledger.Options{
		Locker:              locker,
		Plans:               a.quota,
		Overdraft:           cfg.Overdraft(),
		CheckFundsOnRequest: cfg.Ledger.CheckFundsOnRequest,
		ReferencePrefix:     cfg.Ledger.ReferencePrefix,
		Logger:              log,
		Metrics:             collector,
	})
	a.checkout = checkout.New(a.store, a.ledger, a.quota, checkout.Options{
		Logger:  log,
		Metrics: collector,
	})
	return a, nil
}

func (a *application) dataDir() string {
	if filepath.IsAbs(a.cfg.Store.DataDir) {
		return a.cfg.Store.DataDir
	}
	return filepath.Join(a.dir, a.cfg.Store.DataDir)
}

func (a *application) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.Store.Backend == config.BackendPostgres {
		pg, err := postgres.Open(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	}
	lctx, cancel := context.WithTimeout(ctx, dirLockWait)
	defer cancel()
	release, err := csvstore.LockDir(lctx, a.dataDir())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, release)
	return csvstore.New(a.dataDir()), nil
}

func (a *application) openLocker() lock.Locker {
	if a.cfg.Lock.Backend == config.LockRedis {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Lock.RedisAddr})
		a.closers = append(a.closers, client.Close)
		return lock.NewRedisLocker(client, lock.RedisOptions{
			Prefix: a.cfg.Lock.Prefix,
			TTL:    a.cfg.Lock.TTL,
			Logger: a.log,
		})
	}
	return lock.NewKeyedMutex()
}

// finish commits the project and appends entries to the audit log, stamped
// with the commit hash. Both are best effort: the data change already happened.
func (a *application) finish(ctx context.Context, message string, entries []auditlog.Entry) {
	var hash string
	if a.cfg.Git.AutoCommit && gitops.IsRepo(a.dir) {
		author := gitops.Author{Name: a.cfg.Git.AuthorName, Email: a.cfg.Git.AuthorEmail}
		h, err := gitops.Commit(ctx, a.dir, message, author)
		switch {
		case errors.Is(err, gitops.ErrNothingToCommit):
		case err != nil:
			a.log.Warn("auto-commit failed", zap.Error(err))
		default:
			hash = h
		}
	}
	for i := range entries {
		entries[i].CommitHash = hash
	}
	if err := auditlog.Append(a.dir, entries); err != nil {
		a.log.Warn("writing audit log", zap.Error(err))
	}
}

// entry builds an audit entry for a single subject.
func (a *application) entry(action, subject, details string) auditlog.Entry {
	return auditlog.Entry{
		Timestamp: a.now(),
		Actor:     a.opts.actor,
		Action:    action,
		Subject:   subject,
		Details:   details,
	}
}

func (a *application) close() {
	if a.opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(a.opts.metricsFile, a.registry); err != nil {
			a.log.Warn("writing metrics", zap.String("path", a.opts.metricsFile), zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closing", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// withApp opens the project for the duration of fn.
func withApp(opts *globalOptions, fn func(ctx context.Context, a *application, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a, cmd, args)
	}
}

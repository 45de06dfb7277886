package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jordigilh/wrenchbot/internal/config"
	"github.com/jordigilh/wrenchbot/pkg/observability"
	"github.com/jordigilh/wrenchbot/pkg/repocache"
	"github.com/jordigilh/wrenchbot/pkg/shared/logging"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/tokenbroker"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "wrenchbot",
		Short:         "Autonomous bug-fixing orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "wrenchbot.yaml", "path to the YAML configuration file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newEnqueueCommand())
	root.AddCommand(newTaskCommand())
	root.AddCommand(newQueueCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// deps is every live connection a subcommand might need. Subcommands build
// only the slice of it they actually use and always call close() before
// returning.
type deps struct {
	cfg      *config.Config
	log      *logrus.Logger
	storeDB  *sqlx.DB
	eventsDB *sqlx.DB
	rdb      *redis.Client
	store    *taskstore.Store
	events   *observability.Log
	tokens   *tokenbroker.Broker
	repos    *repocache.Manager
}

func (d *deps) close() {
	if d.storeDB != nil {
		d.storeDB.Close()
	}
	if d.eventsDB != nil && d.eventsDB != d.storeDB {
		d.eventsDB.Close()
	}
	if d.rdb != nil {
		d.rdb.Close()
	}
}

// loadConfig reads and validates the configuration at configPath, wrapping
// failure as a usage error since a bad or missing config file is the
// operator's mistake.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, newUsageError(fmt.Errorf("loading config: %w", err))
	}
	return cfg, nil
}

// connectStore opens the Postgres connection backing the task store and
// event log; both live in the same database, so the single *sqlx.DB it
// returns serves both.
func connectStore(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", cfg.Store.DSN)
	if err != nil {
		return nil, newUnavailableError(fmt.Errorf("connecting to task store: %w", err))
	}
	return db, nil
}

func connectRedis(cfg *config.Config, dsn string) (*redis.Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, newUsageError(fmt.Errorf("parsing redis DSN: %w", err))
	}
	return redis.NewClient(opts), nil
}

// bootstrapCore loads config, a logger and the task store + event log +
// token broker + repo cache every command past "migrate" needs.
func bootstrapCore() (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, newUsageError(err)
	}

	storeDB, err := connectStore(cfg)
	if err != nil {
		return nil, err
	}

	store := taskstore.New(storeDB, log)
	events := observability.New(storeDB)

	tokens := tokenbroker.New(envTokenSources())

	repos, err := repocache.New(repocache.Config{
		Root:       cfg.RepoCache.Root,
		CloneDepth: cfg.RepoCache.CloneDepth,
	}, tokens, log)
	if err != nil {
		storeDB.Close()
		return nil, newUnavailableError(fmt.Errorf("initializing repository cache: %w", err))
	}

	return &deps{
		cfg:      cfg,
		log:      log,
		storeDB:  storeDB,
		eventsDB: storeDB,
		store:    store,
		events:   events,
		tokens:   tokens,
		repos:    repos,
	}, nil
}

// pingDB is a cheap connectivity check used by commands that only need the
// database, not the full core bootstrap (migrate).
func pingDB(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return newUnavailableError(fmt.Errorf("pinging database: %w", err))
	}
	return nil
}

// recordTransition appends a transition to the event log for a task this
// binary mutated directly (enqueue, task cancel), mirroring what the
// webhook dispatcher records for the equivalent state change.
func (d *deps) recordTransition(ctx context.Context, taskID string, result statemachine.Result, event statemachine.Event) {
	if d.events == nil {
		return
	}
	if err := d.events.RecordTransition(ctx, taskID, result.From, result.To, event, result.Effects); err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Warn("recording transition history")
	}
}

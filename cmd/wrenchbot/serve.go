package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/wrenchbot/pkg/agent"
	"github.com/jordigilh/wrenchbot/pkg/clock"
	"github.com/jordigilh/wrenchbot/pkg/logchannel"
	"github.com/jordigilh/wrenchbot/pkg/metrics"
	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/readapi"
	"github.com/jordigilh/wrenchbot/pkg/types"
	"github.com/jordigilh/wrenchbot/pkg/webhook"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook dispatcher, read API, metrics server and worker pool together",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the agent worker pool only, with no HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	d, err := bootstrapCore()
	if err != nil {
		return err
	}
	defer d.close()

	queueRDB, err := connectRedis(d.cfg, d.cfg.Queue.DSN)
	if err != nil {
		return err
	}
	defer queueRDB.Close()
	logRDB, err := connectRedis(d.cfg, d.cfg.Log.DSN)
	if err != nil {
		return err
	}
	defer logRDB.Close()

	q := queue.New(queueRDB, queue.Config{
		Visibility:  d.cfg.Queue.ClaimVisibility,
		MaxAttempts: d.cfg.Agent.MaxAttempts,
	})
	logs := logchannel.New(logRDB, logchannel.Config{
		Retention:       d.cfg.Log.RetentionPeriod,
		MaxLinesPerTask: d.cfg.Log.MaxLinesPerTask,
	})

	registry := webhook.NewRegistry()
	dispatcher := webhook.NewDispatcher(registry, d.store, q, clock.RealClock{}, d.log, webhook.Config{
		Secrets:       webhookSecrets(registry),
		BotIdentities: botIdentitySet(d.cfg.BotIdentities),
		HighWater:     int64(d.cfg.Queue.HighWater),
		Events:        d.events,
	})

	api := readapi.New(d.store, d.events, logs, readapi.Config{
		Agents: []readapi.AgentDescriptor{
			{Name: d.cfg.Agent.Provider, Provider: d.cfg.Agent.Provider, Stages: []string{"planning", "execution"}},
		},
	}, d.log)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", dispatcher)
	mux.Handle("/api/", http.StripPrefix("/api", api))
	webhookServer := &http.Server{Addr: listenAddr(d.cfg.Server.WebhookPort), Handler: mux}

	metricsServer := metrics.NewServer(d.cfg.Server.MetricsPort, d.log)
	metricsServer.StartAsync()

	pool := newPool(d, q, logs)

	g, gctx := errgroup.WithContext(signalContext(ctx))
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		d.log.WithField("addr", webhookServer.Addr).Info("webhook and read API server listening")
		if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := webhookServer.Shutdown(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("webhook server did not shut down cleanly")
		}
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("metrics server did not shut down cleanly")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return newUnavailableError(err)
	}
	return nil
}

func runWorker(ctx context.Context) error {
	d, err := bootstrapCore()
	if err != nil {
		return err
	}
	defer d.close()

	queueRDB, err := connectRedis(d.cfg, d.cfg.Queue.DSN)
	if err != nil {
		return err
	}
	defer queueRDB.Close()
	logRDB, err := connectRedis(d.cfg, d.cfg.Log.DSN)
	if err != nil {
		return err
	}
	defer logRDB.Close()

	q := queue.New(queueRDB, queue.Config{
		Visibility:  d.cfg.Queue.ClaimVisibility,
		MaxAttempts: d.cfg.Agent.MaxAttempts,
	})
	logs := logchannel.New(logRDB, logchannel.Config{
		Retention:       d.cfg.Log.RetentionPeriod,
		MaxLinesPerTask: d.cfg.Log.MaxLinesPerTask,
	})

	pool := newPool(d, q, logs)
	if err := pool.Run(signalContext(ctx)); err != nil {
		return newUnavailableError(err)
	}
	return nil
}

// newPool wires an agent.Pool using this process's configured worker
// count, giving the plan queue half of it (at least one) and the execute
// queue the rest. Worker.DryRun is not consulted: every runner claims,
// processes and invokes the configured subprocess whether or not it is set.
func newPool(d *deps, q *queue.Queue, logs *logchannel.Channel) *agent.Pool {
	half := d.cfg.Worker.Count / 2
	if half == 0 {
		half = 1
	}
	return agent.NewPool(agent.PoolConfig{
		PlanWorkers:    half,
		ExecuteWorkers: d.cfg.Worker.Count - half,
	}, func(queueName types.QueueName, workerID string) *agent.Runner {
		return agent.NewRunner(
			queueName,
			workerID,
			agent.Config{
				Command:        d.cfg.Agent.Command,
				PlanTimeout:    d.cfg.Agent.PlanTimeout,
				ExecuteTimeout: d.cfg.Agent.ExecuteTimeout,
				MaxOutputLines: d.cfg.Agent.MaxOutputLines,
			},
			d.store,
			q,
			logs,
			d.tokens,
			d.repos,
			nil,
			d.events,
			d.log,
		)
	})
}

func botIdentitySet(identities []string) map[string]bool {
	set := make(map[string]bool, len(identities))
	for _, id := range identities {
		set[id] = true
	}
	return set
}

func listenAddr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// signalContext derives a context cancelled on SIGINT/SIGTERM from parent.
func signalContext(parent context.Context) context.Context {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx
}

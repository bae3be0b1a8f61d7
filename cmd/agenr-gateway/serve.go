package main

import (
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenr-ai/agenr/pkg/audit"
	"github.com/agenr-ai/agenr/pkg/business"
	"github.com/agenr-ai/agenr/pkg/config"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/gateway"
	"github.com/agenr-ai/agenr/pkg/jobs"
	"github.com/agenr-ai/agenr/pkg/kms"
	"github.com/agenr-ai/agenr/pkg/log"
	"github.com/agenr-ai/agenr/pkg/oauth"
	"github.com/agenr-ai/agenr/pkg/registry"
	"github.com/agenr-ai/agenr/pkg/server"
	"github.com/agenr-ai/agenr/pkg/telemetry"
	"github.com/agenr-ai/agenr/pkg/vault"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}
}

func serve(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	dao, err := db.New(db.WithDatabaseFile(cfg.DatabaseFile))
	if err != nil {
		return err
	}
	defer dao.Close()

	var kmsClient kms.Client
	if cfg.KMSKeyID != "" {
		kmsClient, err = kms.NewManaged(ctx, cfg.KMSKeyID)
		if err != nil {
			return err
		}
	} else {
		kmsClient = kms.NewMock(cfg.KMSSecret)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return err
	}
	defer func() {
		if err := metrics.Shutdown(ctx); err != nil {
			log.Logf("telemetry shutdown: %v", err)
		}
	}()

	auditLog := audit.NewLogger(dao)
	v := vault.New(dao, kmsClient, auditLog)
	refresher := oauth.NewRefresher(v, auditLog, &http.Client{Timeout: 30 * time.Second})
	businesses := business.NewStore(dao)

	if err := os.MkdirAll(cfg.RuntimeAdaptersDir, 0o755); err != nil {
		return err
	}
	reg := registry.New(dao, cfg.BundledAdaptersDir, cfg.RuntimeAdaptersDir)
	reg.OnHotLoad(metrics.RecordHotLoad)

	// Startup order matters: restore database sources to disk, reconcile
	// bundled versions, load everything, then pick up strays.
	if err := reg.RestoreFromDB(ctx); err != nil {
		return err
	}
	if err := reg.SeedBundled(ctx); err != nil {
		return err
	}
	if err := reg.SyncFromDB(ctx); err != nil {
		return err
	}
	if err := reg.LoadDynamicDir(ctx); err != nil {
		return err
	}
	reg.StartSync(ctx, cfg.DBSyncInterval)

	queue := jobs.NewQueue(dao)
	if n, err := queue.RecoverStale(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Logf("recovered %d stale generation jobs", n)
	}

	worker := jobs.NewWorker(queue, reg, dao, generator(cfg), cfg.WorkerInterval)
	worker.OnComplete(metrics.RecordJobFinished)
	worker.Start(ctx)
	defer worker.Stop()

	svc := gateway.NewService(dao, reg, v, refresher, auditLog, businesses,
		cfg.AdapterTimeout, &http.Client{}, metrics)

	srv := server.New(server.Deps{
		Config:     cfg,
		DAO:        dao,
		Registry:   reg,
		Vault:      v,
		Refresher:  refresher,
		AuditLog:   auditLog,
		Businesses: businesses,
		Gateway:    svc,
		Queue:      queue,
		Metrics:    metrics,
		Version:    version,
	})

	return srv.Run(ctx)
}

// checkpointCommand truncates the WAL so a file-level backup of the database
// is consistent.
func checkpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Truncate the WAL before taking a database backup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dao, err := db.New(db.WithDatabaseFile(os.Getenv("AGENR_DATABASE_FILE")))
			if err != nil {
				return err
			}
			defer dao.Close()
			return dao.Checkpoint(cmd.Context())
		},
	}
}

// generator picks the generation pipeline implementation. The LLM pipeline is
// external; without one the worker fails jobs with a clear message instead of
// hanging them.
func generator(cfg *config.Config) jobs.Generator {
	return &jobs.StaticGenerator{
		Err: errNoPipeline{provider: cfg.GeneratorProvider},
	}
}

type errNoPipeline struct {
	provider string
}

func (e errNoPipeline) Error() string {
	return "no generation pipeline configured for provider " + e.provider
}

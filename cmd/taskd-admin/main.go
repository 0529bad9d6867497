// Command taskd-admin provides operational tooling for a taskd deployment:
// migrations, queue statistics, stale-job recovery and development seeding.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/clipforge/taskd/config"
	"github.com/clipforge/taskd/internal/bootstrap"
	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const defaultMigrationTimeout = 5 * time.Minute

func main() {
	logger := bootstrap.InitLogger(false)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"stats": {
			name:        "stats",
			description: "Print per-state job counts for every tenant",
			run:         runStats,
		},
		"requeue-stale": {
			name:        "requeue-stale",
			description: "Run one reaper sweep: requeue stale assigned jobs, fail expired pending jobs",
			run:         runRequeueStale,
		},
		"seed": {
			name:        "seed",
			description: "Create a tenant and a worker, printing the worker's API key",
			run:         runSeed,
		},
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, "Usage: taskd-admin <command> [flags]\n\n")
	fmt.Fprintf(os.Stdout, "Available commands:\n")
	for _, c := range commands() {
		fmt.Fprintf(os.Stdout, "  %-16s %s\n", c.name, c.description)
	}
}

func connect(ctx *commandContext) (*sql.DB, error) {
	return bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: ctx.Config.Postgres,
		Logger:   ctx.Logger,
	})
}

func closeDB(ctx *commandContext, db *sql.DB) {
	bootstrap.CloseQuietly(ctx.Logger, "database", db.Close)
}

func runMigrate(ctx *commandContext, _ []string) error {
	db, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	migrateCtx, cancel := context.WithTimeout(ctx.Ctx, defaultMigrationTimeout)
	defer cancel()
	return bootstrap.RunMigrations(migrateCtx, db, ctx.Logger)
}

func runStats(ctx *commandContext, _ []string) error {
	db, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	repoCfg := data.RepoConfig{Logger: ctx.Logger}
	tenants := data.NewTenantRepo(db, repoCfg)
	jobs := data.NewJobRepo(db, repoCfg)

	all, err := tenants.List(ctx.Ctx, 1000, 0)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tNAME\tPENDING\tASSIGNED\tRUNNING\tCOMPLETED\tFAILED")
	for _, tenant := range all {
		stats, statsErr := jobs.Stats(ctx.Ctx, tenant.ID)
		if statsErr != nil {
			return fmt.Errorf("stats for tenant %s: %w", tenant.ID, statsErr)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			tenant.ID, tenant.Name,
			stats.Pending, stats.Assigned, stats.Running, stats.Completed, stats.Failed,
		)
	}
	return w.Flush()
}

func runRequeueStale(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("requeue-stale", flag.ContinueOnError)
	assignedMaxAge := fs.Duration("assigned-max-age", ctx.Config.Reaper.AssignedMaxAge,
		"age past which assigned jobs return to pending")
	pendingMaxAge := fs.Duration("pending-max-age", ctx.Config.Reaper.PendingMaxAge,
		"age past which unclaimed pending jobs fail")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	reaperCfg := ctx.Config.Reaper
	reaperCfg.AssignedMaxAge = *assignedMaxAge
	reaperCfg.PendingMaxAge = *pendingMaxAge

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:   data.NewJobRepo(db, data.RepoConfig{Logger: ctx.Logger}),
		Config: reaperCfg,
		Logger: ctx.Logger,
	})
	if err != nil {
		return err
	}
	return reaper.Sweep(ctx.Ctx)
}

func runSeed(ctx *commandContext, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	tenantName := fs.String("tenant", "dev", "tenant name to create or reuse")
	workerName := fs.String("worker", "dev-worker", "worker name to create")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	repoCfg := data.RepoConfig{Logger: ctx.Logger}
	auth, err := service.NewAuthService(service.AuthServiceOptions{
		Workers: data.NewWorkerRepo(db, repoCfg),
		Tenants: data.NewTenantRepo(db, repoCfg),
		Logger:  ctx.Logger,
	})
	if err != nil {
		return err
	}

	tenant, err := auth.CreateTenant(ctx.Ctx, *tenantName)
	if err != nil {
		if !errors.Is(err, data.ErrDuplicateName) {
			return err
		}
		tenant, err = findTenantByName(ctx.Ctx, data.NewTenantRepo(db, repoCfg), *tenantName)
		if err != nil {
			return err
		}
	}
	worker, err := auth.CreateWorker(ctx.Ctx, &model.CreateWorkerRequest{
		TenantID: tenant.ID,
		Name:     *workerName,
	})
	if err != nil {
		return err
	}

	return printSeedResult(os.Stdout, tenant, worker)
}

func findTenantByName(ctx context.Context, tenants *data.TenantRepo, name string) (*model.Tenant, error) {
	all, err := tenants.List(ctx, 1000, 0)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range all {
		if tenant.Name == name {
			return tenant, nil
		}
	}
	return nil, fmt.Errorf("tenant %q exists but was not found in listing", name)
}

// printSeedResult prints the seeded identities. The API key appears exactly
// once, here; it is never readable again.
func printSeedResult(out io.Writer, tenant *model.Tenant, worker *model.Worker) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tNAME\tAPI_KEY")
	fmt.Fprintf(w, "tenant\t%s\t%s\t\n", tenant.ID, tenant.Name)
	fmt.Fprintf(w, "worker\t%s\t%s\t%s\n", worker.ID, worker.Name, worker.APIKey)
	return w.Flush()
}

// Package appctx wires the coordinator's components into one struct:
// store, mail bus, event bus, process supervisor, allocator, watchdog,
// merger, and the command RPC server. It replaces a scatter of
// process-wide mutable statics with one explicit, constructor-built
// context threaded through cmd/serve.go.
package appctx

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln/internal/allocator"
	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/log"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/merger"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/supervisor"
	"github.com/kilnhq/kiln/internal/watchdog"
)

// App holds every long-lived component the coordinator daemon runs.
type App struct {
	Config     config.Config
	Store      *store.Store
	MailBus    *mail.Bus
	EventBus   *events.Bus
	Supervisor supervisor.Supervisor
	Allocator  *allocator.Allocator
	Watchdog   *watchdog.Watchdog
	Merger     *merger.Merger
	Command    *command.Server

	socketPath string
}

// New builds an App for cfg: opens the embedded database at the
// project's resolved state directory, and constructs every component
// over it. The caller must call Close when done.
func New(cfg config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("appctx: invalid config: %w", err)
	}

	dbPath := paths.DBPath(cfg.ProjectDir)
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("appctx: opening store: %w", err)
	}

	if err := seedConfig(st, cfg); err != nil {
		return nil, fmt.Errorf("appctx: seeding config table: %w", err)
	}

	mailBus := mail.New(st)
	eventBus := events.New()
	sup := supervisor.NewProcessSupervisor()

	alloc := allocator.New(st, mailBus, eventBus, sup, allocator.Config{
		Interval: time.Duration(cfg.AllocatorIntervalMS) * time.Millisecond,
	})

	heartbeatTimeout := time.Duration(cfg.HeartbeatTimeoutS) * time.Second
	wd := watchdog.New(st, mailBus, eventBus, sup, watchdog.Config{
		Interval:              time.Duration(cfg.WatchdogIntervalMS) * time.Millisecond,
		WarnAfter:             heartbeatTimeout,
		NudgeAfter:            heartbeatTimeout * 3 / 2,
		TriageAfter:           heartbeatTimeout * 2,
		TerminateAfter:        heartbeatTimeout * 3,
		ActivityRetentionDays: cfg.ActivityLogRetentionDays,
	})

	gitExec := git.NewRealExecutor(cfg.ProjectDir, "gh", "origin")
	mg := merger.New(st, mailBus, eventBus, gitExec, merger.Config{
		RequireValidation: cfg.MergeValidation,
	})

	cmdServer := command.New(st, mailBus, eventBus)

	return &App{
		Config:     cfg,
		Store:      st,
		MailBus:    mailBus,
		EventBus:   eventBus,
		Supervisor: sup,
		Allocator:  alloc,
		Watchdog:   wd,
		Merger:     mg,
		Command:    cmdServer,
	}, nil
}

// seedConfig mirrors the bootstrap YAML config into the store's config
// table, so the values that actually govern this run are queryable from
// the same place as every other piece of durable state, rather than
// living only in the process's in-memory config.Config. Re-seeding on
// every start keeps the table in sync with whatever config file was
// loaded this time.
func seedConfig(st *store.Store, cfg config.Config) error {
	values := map[string]string{
		"max_workers":                 fmt.Sprintf("%d", cfg.MaxWorkers),
		"heartbeat_timeout_s":         fmt.Sprintf("%d", cfg.HeartbeatTimeoutS),
		"watchdog_interval_ms":        fmt.Sprintf("%d", cfg.WatchdogIntervalMS),
		"allocator_interval_ms":       fmt.Sprintf("%d", cfg.AllocatorIntervalMS),
		"merge_validation":            fmt.Sprintf("%t", cfg.MergeValidation),
		"project_dir":                 cfg.ProjectDir,
		"coordinator_version":         cfg.CoordinatorVersion,
		"activity_log_retention_days": fmt.Sprintf("%d", cfg.ActivityLogRetentionDays),
	}
	for key, value := range values {
		if err := st.SetConfig(key, value); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

// ReloadConfig re-seeds the config table from a freshly re-read config
// file (the caller wires this to its config library's file-watch
// callback). Tunables a component only reads at construction time, such
// as the allocator and watchdog tick intervals, still require a restart
// to take effect; anything a component reads back live from the store,
// such as the watchdog's activity log retention window, picks up the
// new value on its next pass.
func (a *App) ReloadConfig(cfg config.Config) error {
	a.Config = cfg
	return seedConfig(a.Store, cfg)
}

// Listen binds the command socket at the project's resolved state
// directory and records a path-hint file for out-of-tree CLIs.
func (a *App) Listen() error {
	a.socketPath = paths.ResolveStateDir(a.Config.ProjectDir) + "/command.sock"

	if err := a.Command.Listen(a.socketPath); err != nil {
		return err
	}
	return paths.WritePathHint(a.Config.ProjectDir, a.socketPath)
}

// Run starts the allocator, watchdog, merger, and command server loops
// under one errgroup: if any of them exits with an error, ctx is
// cancelled and Run waits for the others to stop before returning it.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Allocator.Run(gctx) })
	g.Go(func() error { return a.Watchdog.Run(gctx) })
	g.Go(func() error { return a.Merger.Run(gctx) })
	g.Go(func() error { return a.Command.Serve(gctx) })

	log.Info(log.CatCommand, "coordinator running", "socket", a.socketPath)
	return g.Wait()
}

// Close releases the App's resources: the command listener and the
// database handle.
func (a *App) Close() error {
	cmdErr := a.Command.Close()
	storeErr := a.Store.Close()
	if cmdErr != nil {
		return cmdErr
	}
	return storeErr
}

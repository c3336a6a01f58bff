package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/kilnhq/kiln/internal/appctx"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/log"
	"github.com/kilnhq/kiln/internal/paths"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long: `serve starts the coordinator daemon: it opens the embedded state
store, binds the command socket, and runs the allocator, watchdog, and
merger loops until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	debug := os.Getenv("KILN_DEBUG") != "" || debugFlag
	if debug {
		logPath := os.Getenv("KILN_LOG")
		if logPath == "" {
			logPath = "kiln-debug.log"
		}
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.SetMinLevel(log.LevelDebug)
	}

	if cfg.ProjectDir == "" {
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		cfg.ProjectDir = workDir
	}

	// A single instance per project: a second `kiln serve` invocation
	// against the same state directory fails fast rather than opening a
	// second command socket and racing the first over the database.
	lockPath := filepath.Join(paths.ResolveStateDir(cfg.ProjectDir), "serve.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another kiln serve instance already holds %s", lockPath)
	}
	defer fileLock.Unlock() //nolint:errcheck

	shutdownTracing, err := initTracing(debug)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTracing()

	app, err := appctx.New(cfg)
	if err != nil {
		return fmt.Errorf("building app context: %w", err)
	}
	defer app.Close() //nolint:errcheck

	if err := app.Listen(); err != nil {
		return fmt.Errorf("binding command socket: %w", err)
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		var reloaded config.Config
		if err := viper.Unmarshal(&reloaded); err != nil {
			log.ErrorErr(log.CatConfig, "failed to parse changed config", err, "path", e.Name)
			return
		}
		if err := app.ReloadConfig(reloaded); err != nil {
			log.ErrorErr(log.CatConfig, "failed to apply changed config", err, "path", e.Name)
			return
		}
		log.Info(log.CatConfig, "config reloaded", "path", e.Name)
	})
	viper.WatchConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := app.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("coordinator exited: %w", runErr)
	}
	return nil
}

// initTracing wires a stdout span exporter over every command invocation
// and the store's spanned transactions (task assignment, fix-request
// creation) when debug mode is on, so a slow tick or a stuck command can
// be traced without attaching a debugger.
func initTracing(debug bool) (func(), error) {
	if !debug {
		return func() {}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/termux-extensions/te-framework/internal/config"
	"github.com/termux-extensions/te-framework/internal/fwshell"
	"github.com/termux-extensions/te-framework/internal/httpapi"
	"github.com/termux-extensions/te-framework/internal/jobs"
	"github.com/termux-extensions/te-framework/internal/logger"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
	"github.com/termux-extensions/te-framework/internal/ptyshell"
	"github.com/termux-extensions/te-framework/internal/statestore"
	"github.com/termux-extensions/te-framework/internal/supervisor"
)

// defaultPort is not part of §6's environment variable table — operators
// who need a different port set --port, since the spec leaves the HTTP
// port itself unspecified (only the bind host is env-controlled).
const defaultPort = 8765

func serveCmd() *cobra.Command {
	var port int
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and HTTP API until shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return run(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", defaultPort, "HTTP listen port")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "additionally append logs to this file")
	return cmd
}

func run(port int) error {
	log := logger.Log

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home: %w", err)
	}
	sandbox := pathsafe.New(home)

	statePath, err := config.StateStorePath()
	if err != nil {
		return err
	}
	state, err := statestore.Open(statePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	jobsPath, err := config.JobsJournalPath()
	if err != nil {
		return err
	}
	jobMgr, err := jobs.NewManager(jobsPath, jobs.DefaultWorkers, log)
	if err != nil {
		return fmt.Errorf("open job registry: %w", err)
	}
	jobs.RegisterBuiltins(jobMgr, sandbox)

	// fwMgr/ptyMgr must be constructed with this process's actual run ID so
	// they stamp new records correctly, but supervisor.New is the thing
	// that normally mints that ID and needs the managers already built.
	// Resolve it here and pin it via the same env override supervisor.New
	// reads, so both sides agree on one identity without restructuring the
	// supervisor constructor.
	runID := os.Getenv(supervisor.RunIDEnvOverride)
	if runID == "" {
		runID = generateRunID()
		os.Setenv(supervisor.RunIDEnvOverride, runID)
	}

	fwMgr, err := fwshell.NewManager(cfg.FrameworkDir, runID, cfg.ShellMax, sandbox, log)
	if err != nil {
		return fmt.Errorf("open framework shell manager: %w", err)
	}
	ptyMgr, err := ptyshell.NewManager(cfg.FrameworkDir, runID, cfg.ShellMax, sandbox, log, nil)
	if err != nil {
		return fmt.Errorf("open terminal manager: %w", err)
	}

	sup, err := supervisor.New(cfg.FrameworkDir, log, fwMgr, ptyMgr, jobMgr)
	if err != nil {
		return fmt.Errorf("init supervisor: %w", err)
	}
	sup.Autostart()

	api := httpapi.New(fwMgr, ptyMgr, jobMgr, state, sup, sandbox, cfg.ShellToken, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.SetShutdownFunc(cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.ListenAndServe(ctx, cfg.BindHost(), port)
	}()

	log.Info("te-framework: started", "dir", cfg.FrameworkDir, "run_id", sup.RunID(), "bind", cfg.BindHost())

	select {
	case sig := <-sigCh:
		log.Info("te-framework: received signal, shutting down", "signal", sig.String())
		cancel()
		sup.Shutdown()
	case err := <-errCh:
		sup.Shutdown()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	return nil
}

// generateRunID mirrors supervisor's own ID format (run_<unix_ms>_<8hex>,
// §6) so a run ID minted here is indistinguishable from one supervisor.New
// would have generated itself.
func generateRunID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("run_%d_%s", time.Now().UnixMilli(), hex)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/host"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	maxPending  int
	metricsAddr string
	runTimeout  time.Duration
	runOnce     bool

	// Global variables
	rootLog  *logger.Logger
	shutdown *host.ShutdownManager
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portmux",
	Short: "portmux - message port multiplexer for sandboxed scripts",
	Long: `portmux hosts JavaScript execution contexts and connects them with
message channels. Each script runs in its own context; contexts in the same
process group share a single thread, and groups talk through an in-process
broker.`,
	Version:       host.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run owner[@group]=script.js ...",
	Short: "Load scripts and run their process groups",
	Long: `Load every script into its own execution context and run the process
groups until interrupted. Scripts reach each other with
ports.connect(owner, name) and accept channels in ports.onConnect.`,
	Example: `  portmux run ext-b@worker=server.js ext-a=client.js
  portmux run --once --log-level debug ext-a=selftest.js`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScripts,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "portmux version %s\n", host.DefaultVersion)
	},
}

// runScripts bootstraps the host and runs it until a signal, the timeout or
// idleness in --once mode
func runScripts(cmd *cobra.Command, args []string) error {
	scripts := make([]host.ScriptSpec, 0, len(args))
	for _, arg := range args {
		spec, err := host.ParseScriptSpec(arg)
		if err != nil {
			return err
		}
		scripts = append(scripts, spec)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog.Info("Starting portmux", "version", host.DefaultVersion, "scripts", len(scripts))

	result, err := host.Bootstrap(cmd.Context(), host.BootstrapConfig{
		Config:  *cfg,
		Logger:  rootLog,
		Version: host.DefaultVersion,
		Scripts: scripts,
	})
	if err != nil {
		rootLog.Error("Failed to bootstrap host", "error", err)
		return err
	}
	h := result.Host

	if runOnce {
		ran := h.RunUntilIdle()
		rootLog.Info("Process groups idle", "tasks", ran)
		return h.Close()
	}

	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           h.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rootLog.Error("Metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		rootLog.Info("Serving metrics", "addr", metricsAddr)
	}

	reloader := watchConfig(cfg)
	defer reloader.Stop()

	shutdown = host.NewShutdownManager(h, host.DefaultShutdownTimeout, rootLog)
	shutdown.Start()
	defer shutdown.Stop()

	if runTimeout > 0 {
		timer := time.AfterFunc(runTimeout, func() {
			_ = shutdown.Shutdown(context.Background(), "run timeout reached")
		})
		defer timer.Stop()
	}

	rootLog.Info("portmux is running. Press Ctrl+C to stop.")
	runErr := shutdown.Run()
	if !shutdown.IsShuttingDown() {
		_ = shutdown.Shutdown(context.Background(), "process groups stopped")
	}
	waitCtx, cancelWait := context.WithTimeout(context.Background(), host.DefaultShutdownTimeout)
	defer cancelWait()
	if err := shutdown.WaitCompletion(waitCtx); err != nil {
		return err
	}

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}

	rootLog.Info("portmux shutdown complete", "reason", shutdown.ShutdownReason())
	return runErr
}

// initLogger initializes the global logger from the loaded config
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// overrideOptions collects the CLI flags that override the config file
func overrideOptions() config.OverrideOptions {
	opts := config.OverrideOptions{
		LogLevel:           logLevel,
		LogFormat:          logFormat,
		LogOutput:          logOutput,
		MaxPendingMessages: maxPending,
	}
	if metricsAddr != "" {
		enabled := true
		opts.MetricsEnabled = &enabled
	}
	return opts
}

// loadConfig loads the config file, environment variables and CLI overrides
func loadConfig() (*config.Config, error) {
	return config.LoadWithOverrides(cfgFile, overrideOptions())
}

// watchConfig applies log level changes on SIGHUP
func watchConfig(cfg *config.Config) *config.Reloader {
	reloader := config.NewReloader(cfgFile, overrideOptions(), cfg)
	reloader.AddCallback(func(ctx context.Context, newCfg *config.Config) error {
		level, err := logger.ParseLevel(newCfg.Logging.Level)
		if err != nil {
			return err
		}
		rootLog.SetLevel(level)
		rootLog.Info("Log level reloaded", "level", level)
		return nil
	})
	reloader.Start()
	return reloader
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.OrDefault(rootLog).Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/portmux/config.yaml if present)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	runCmd.Flags().IntVar(&maxPending, "max-pending", 0,
		"Maximum messages queued on an unbound port (default: from config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address, e.g. :9090")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"Shut down after this duration (default: run until interrupted)")
	runCmd.Flags().BoolVar(&runOnce, "once", false,
		"Run until every process group is idle, then exit")

	rootCmd.AddCommand(runCmd, versionCmd)
}

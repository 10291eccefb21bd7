package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rfrp/internal/cli"
	"rfrp/internal/client"
	"rfrp/internal/config"
	"rfrp/internal/logging"
)

const role = "client"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	sub := "start"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "start":
		return runStart(args)
	case "stop":
		fs := flag.NewFlagSet("stop", flag.ExitOnError)
		pidFile := fs.String("pid-file", "", "Path to the pid file written by daemon")
		_ = fs.Parse(args)
		if err := cli.Stop(*pidFile); err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
			return 1
		}
		return 0
	case "daemon":
		fs := flag.NewFlagSet("daemon", flag.ExitOnError)
		pidFile := fs.String("pid-file", "", "Path to write the daemon pid to")
		logDir := fs.String("log-dir", ".", "Directory for the daemon log file")
		_ = fs.Parse(args)
		if err := cli.Daemonize(role, *pidFile, *logDir, fs.Args()); err != nil {
			fmt.Fprintln(os.Stderr, "daemon:", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected start|stop|daemon)\n", sub)
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to client config file")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolved, err := config.ResolveConfigPath(role, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve config:", err)
		return 1
	}
	if created, err := config.EnsureConfigFile(role, resolved.Path); err != nil {
		fmt.Fprintln(os.Stderr, "ensure config:", err)
		return 1
	} else if created {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", resolved.Path)
	}

	provider := config.NewClientFileProvider(resolved.Path)
	cm := config.NewManager[config.ClientConfig](provider, config.ManagerOptions{})
	cfg, err := cm.LoadInitial(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	// The client always keeps the log ring so the 'l' stream message has
	// something to serve (spec default: last 1000 entries).
	cfg.Logging.AdminBuffer.Enabled = true
	if cfg.Logging.AdminBuffer.Size <= 0 {
		cfg.Logging.AdminBuffer.Size = cfg.LogBufferSize
	}

	logrt, err := logging.NewRuntime(role, cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logging:", err)
		return 1
	}
	defer logrt.Close()
	slog.SetDefault(logrt.Logger())
	logger := logrt.Logger()

	if cfg.Reload.Enabled {
		cm.Subscribe(func(_, newCfg *config.ClientConfig) {
			if logrt.NeedsRestart(newCfg.Logging) {
				logger.Warn("client: logging change requires restart, keeping current settings")
				return
			}
			if err := logrt.Apply(newCfg.Logging); err != nil {
				logger.Warn("client: apply logging config failed", "err", err)
			}
		})
		cm.Start(ctx)
	}

	app := client.NewApp(client.AppOptions{
		Config: cfg,
		Logs:   logrt.Store(),
		Logger: logger,
	})

	logger.Info("client: starting", "config", resolved.Path, "controller", cfg.ControllerAddr)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client: exited with error", "err", err)
		return 1
	}
	logger.Info("client: shut down cleanly")
	return 0
}

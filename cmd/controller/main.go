package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"rfrp/internal/cli"
	"rfrp/internal/config"
	"rfrp/internal/controller"
	"rfrp/internal/logging"
	"rfrp/internal/model"
	"rfrp/internal/tunnel"
)

const role = "controller"

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
	case "update":
		fmt.Fprintln(os.Stderr, "update: not supported in this build")
		return 1
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected start|stop|daemon|update)\n", sub)
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to controller config file")
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

	provider := config.NewControllerFileProvider(resolved.Path)
	cm := config.NewManager[config.ControllerConfig](provider, config.ManagerOptions{})
	cfg, err := cm.LoadInitial(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
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
		cm.Subscribe(func(_, newCfg *config.ControllerConfig) {
			if logrt.NeedsRestart(newCfg.Logging) {
				logger.Warn("controller: logging change requires restart, keeping current settings")
				return
			}
			if err := logrt.Apply(newCfg.Logging); err != nil {
				logger.Warn("controller: apply logging config failed", "err", err)
			}
		})
		cm.Start(ctx)
	}

	store := controller.NewMemStore()
	if err := seedStore(store, cfg.DataDir, logger); err != nil {
		fmt.Fprintln(os.Stderr, "seed store:", err)
		return 1
	}

	srv := controller.NewServer(controller.ServerOptions{
		NodeListenAddr:   cfg.NodeListenAddr,
		ClientListenAddr: cfg.ClientListenAddr,
		QUIC: tunnel.ListenOptions{QUIC: tunnel.QUICOptions{
			CertFile: cfg.QUIC.CertFile,
			KeyFile:  cfg.QUIC.KeyFile,
		}},
		Store:  store,
		Logger: logger,
	})

	logger.Info("controller: starting", "config", resolved.Path, "source", resolved.Source)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("controller: exited with error", "err", err)
		return 1
	}
	logger.Info("controller: shut down cleanly")
	return 0
}

// bootstrapFile is the on-disk seed for the in-memory store: the admin
// HTTP/JSON API that would normally populate a database is out of core
// scope, so a deployment describes its nodes, clients, users, and proxy
// rules here instead.
type bootstrapFile struct {
	Nodes   []model.Node   `json:"nodes"`
	Clients []model.Client `json:"clients"`
	Users   []model.User   `json:"users"`
	Proxies []model.Proxy  `json:"proxies"`

	// Secrets are kept out of the model's JSON shape; bind them here.
	NodeSecrets  map[string]string `json:"node_secrets"`   // node name -> secret
	ClientTokens map[string]int64  `json:"client_tokens"`  // token -> client id
}

func seedStore(store *controller.MemStore, dataDir string, logger *slog.Logger) error {
	path := filepath.Join(dataDir, "bootstrap.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("controller: no bootstrap file, starting with empty store", "path", path)
			return nil
		}
		return err
	}

	var bf bootstrapFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range bf.Nodes {
		if secret, ok := bf.NodeSecrets[bf.Nodes[i].Name]; ok {
			bf.Nodes[i].Secret = secret
		}
	}
	store.Seed(bf.Nodes, bf.Clients, bf.Users, bf.Proxies, bf.ClientTokens)
	logger.Info("controller: store seeded",
		"nodes", len(bf.Nodes), "clients", len(bf.Clients),
		"users", len(bf.Users), "proxies", len(bf.Proxies))
	return nil
}

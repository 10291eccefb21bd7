package client

import (
	"context"
	"log/slog"

	"rfrp/internal/config"
	"rfrp/internal/logging"
	"rfrp/internal/tunnel"
)

// AppOptions configures a Client role instance. Logs is the in-memory line
// ring served over the 'l' stream message; the cmd wiring passes the
// logging runtime's store so served entries are the process's real log
// output.
type AppOptions struct {
	Config *config.ClientConfig
	Logs   *logging.LineStore
	Logger *slog.Logger
}

// App wires the Client role together: the control client to the Controller
// and the ConnectionManager that runs one tunnel session per assigned Node.
type App struct {
	cfg     *config.ClientConfig
	logger  *slog.Logger
	manager *ConnectionManager
	control *ControlClient
}

func NewApp(opts AppOptions) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager := NewConnectionManager(opts.Config.Token, opts.Logs, logger)
	return &App{
		cfg:     opts.Config,
		logger:  logger,
		manager: manager,
		control: NewControlClient(ControlClientOptions{
			ControllerAddr: opts.Config.ControllerAddr,
			Token:          opts.Config.Token,
			QUIC:           tunnel.QUICDialOptions{InsecureSkipVerify: true},
			Manager:        manager,
			Logger:         logger,
		}),
	}
}

// Manager exposes the connection manager, for tests.
func (a *App) Manager() *ConnectionManager { return a.manager }

// Run blocks until ctx is done, then tears down every node session.
func (a *App) Run(ctx context.Context) error {
	defer a.manager.Shutdown()
	return a.control.Run(ctx)
}

package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tutu-network/corerun/internal/auth"
	"github.com/tutu-network/corerun/internal/connpool"
	"github.com/tutu-network/corerun/internal/corelog"
	"github.com/tutu-network/corerun/internal/model"
	"github.com/tutu-network/corerun/internal/protocol"
	"github.com/tutu-network/corerun/internal/queue"
	"github.com/tutu-network/corerun/internal/registry"
	"github.com/tutu-network/corerun/internal/resources"
	"github.com/tutu-network/corerun/internal/server"
	"github.com/tutu-network/corerun/internal/store"
	"github.com/tutu-network/corerun/internal/swap"
	"github.com/tutu-network/corerun/internal/telemetry"
	"github.com/tutu-network/corerun/internal/worker"
)

var serveLog = corelog.For("cli.serve")

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inference runtime daemon in the foreground",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	token := authToken()
	if token == "" {
		return withExitCode(ExitConfigError, fmt.Errorf("CORERUN_AUTH_TOKEN is not set"))
	}

	db, err := store.Open(cfg.StoreDir)
	if err != nil {
		return withExitCode(ExitConfigError, fmt.Errorf("open store: %w", err))
	}
	defer db.Close()

	reg := registry.New()
	router := registry.NewRouter()
	flight := registry.NewFlightTracker()
	gov := resources.NewGovernor(resources.Limits{
		MaxMemoryPerCall: cfg.MaxMemoryPerCall,
		MaxTotalMemory:   cfg.MaxTotalMemory,
		MaxConcurrent:    cfg.MaxConcurrent,
	})
	q := queue.New(queue.Config{MaxPending: cfg.MaxQueueDepth, MaxContextTokens: cfg.MaxContextTokens}, nil)
	authMgr := auth.NewManager(token, cfg.SessionTimeout, nil)
	pool := connpool.New(cfg.MaxConnections)
	rec := telemetry.New()

	loader := func(m swap.Manifest) (registry.Model, error) {
		return model.NewMock(cfg.MaxMemoryPerCall / 4), nil
	}
	swapCoord := swap.New(router, reg, flight, loader, nil)

	w := worker.New("w0", q, gov, reg, router, flight, nil)
	stop := make(chan struct{})
	go w.Run(stop)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return withExitCode(ExitConnectionErr, fmt.Errorf("listen %s: %w", cfg.ListenAddress, err))
	}

	srv := server.New(listener, pool, authMgr, q, swapCoord, rec, w, protocol.FrameLimit(cfg.IPCFrameLimit), nil)

	debugMux := server.NewDebugMux(srv)
	debugSrv := &http.Server{Addr: cfg.DebugAddress, Handler: debugMux.Handler()}
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveLog.WithField("error", err).Error("debug http server exited")
		}
	}()

	serveLog.WithField("listen", cfg.ListenAddress).WithField("debug", cfg.DebugAddress).Info("corerun serving")

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		serveLog.WithField("signal", sig).Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			serveLog.WithField("error", err).Error("accept loop exited")
		}
	}

	close(stop)
	if err := srv.Close(); err != nil {
		serveLog.WithField("error", err).Warn("error closing server")
	}
	return debugSrv.Close()
}

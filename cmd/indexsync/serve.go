package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/alfredjeanlab/indexsync/internal/config"
	"github.com/alfredjeanlab/indexsync/internal/server"
	"github.com/alfredjeanlab/indexsync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run an event processor agent for every tenant and serve the admin API",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		inMemory, _ := cmd.Flags().GetBool("memory")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, inMemory, newLogger())
	},
}

func init() {
	serveCmd.Flags().Bool("memory", false, "keep outbox and agents in process memory instead of postgres")
}

// serve runs until ctx is done and then shuts down in order: agents leave
// first so the remaining ones rebalance, then the listeners close, then the
// backend, publisher and stores.
func serve(ctx context.Context, cfg *config.Config, inMemory bool, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "indexsync",
		AgentName:   cfg.AgentName,
		Insecure:    true,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("error shutting down tracing", "err", err)
		}
	}()

	upstream, conn, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer upstream.Close()

	srv := server.New(nil, logger)
	publisher := srv.Publisher(upstream)

	backend, err := newBackend(ctx, cfg, conn, logger)
	if err != nil {
		return fmt.Errorf("index backend: %w", err)
	}
	defer backend.Close()
	logger.Info("index backend ready", "backend", cfg.Backend)

	agentCtx, cancelAgents := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAgents()

	var agents []*tenantAgent
	defer func() {
		for _, a := range agents {
			if err := a.store.Close(); err != nil {
				logger.Error("error closing store", "tenant", a.id, "err", err)
			}
		}
	}()
	for _, t := range cfg.TenantList() {
		s, err := openStore(t, inMemory)
		if err != nil {
			stopAgents(agents, logger)
			return err
		}
		a, err := newTenantAgent(cfg, t, s, backend, publisher, logger)
		if err != nil {
			s.Close()
			stopAgents(agents, logger)
			return err
		}
		agents = append(agents, a)
		srv.AddTenant(a.tenant())
		a.start(agentCtx)
		logger.Info("tenant agent started", "tenant", t.ID, "agent", a.coord.Reference(), "enabled", t.IsEnabled())
	}

	grpcServer, hs := server.NewGRPCServer(cfg.AuthToken, logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		stopAgents(agents, logger)
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.NewHTTPHandler(cfg.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		srv.RunHealthSync(gctx, hs, cfg.PulseInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		stopAgents(agents, logger)

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")
		return nil
	})

	logger.Info("indexsync server started",
		"tenants", len(agents),
		"grpc_addr", cfg.GRPCAddr,
		"http_addr", cfg.HTTPAddr,
	)
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func stopAgents(agents []*tenantAgent, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, a := range agents {
		if err := a.stop(ctx); err != nil {
			logger.Error("error stopping agent", "tenant", a.id, "err", err)
		}
	}
	logger.Info("agents stopped", "count", len(agents))
}

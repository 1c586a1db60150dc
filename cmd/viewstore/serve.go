package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/nainya/viewstore/internal/server"
)

const maxMessageSize = 100 * 1024 * 1024

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync every view and serve health, metrics and profiling",
		Long: `Opens the store, syncs every view, then keeps them fresh every
--sync-interval. View health is published through the standard gRPC health
service as viewstore.view.<name>; /metrics, /health and /ready are served
over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	a.log.LogServerStart(cfg.Server.GRPCPort, cfg.DataDir)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := server.NewServer(a.coord, server.Config{
		Logger:         a.log,
		Metrics:        a.metrics,
		MaxMessageSize: maxMessageSize,
	})
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, a.registry, a.coord, a.log)

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(func(context.Context) error {
		return srv.Serve(lis)
	})
	p.Go(func(context.Context) error {
		return obs.Start()
	})
	p.Go(func(ctx context.Context) error {
		a.metrics.RunUptime(ctx, 15*time.Second)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		a.keepSynced(ctx)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		a.log.LogServerShutdown()
		srv.GracefulStop()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return obs.Shutdown(sctx)
	})
	return p.Wait()
}

// keepSynced runs the initial sync and then resyncs on the configured
// interval until ctx ends
func (a *app) keepSynced(ctx context.Context) {
	syncAll := func() {
		if _, err := a.coord.SyncAll(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("view sync failed").Err(err).Send()
		}
	}

	syncAll()
	a.log.LogServerReady(a.cfg.Server.GRPCPort, a.views.Len())

	if a.cfg.Sync.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Sync.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncAll()
		}
	}
}

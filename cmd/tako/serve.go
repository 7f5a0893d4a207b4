package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/api/ws"
	"github.com/gosuda/tako/internal/config"
	"github.com/gosuda/tako/internal/server"
	redisstore "github.com/gosuda/tako/internal/store/redis"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	d, err := openDeps(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	// Redis fan-out is optional.
	var (
		publisher  agent.PubSubPublisher
		subscriber ws.Subscriber
	)
	if cfg.Redis.Addr != "" {
		pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer pubsub.Close()
		publisher, subscriber = pubsub, pubsub
	} else {
		log.Warn().Msg("TAKO_REDIS_ADDR is empty; live thread events are disabled")
	}

	orchestrator := agent.NewOrchestrator(d.store, d.turns, publisher)
	srv := server.New(ctx, cfg, orchestrator, d.engineFor, subscriber)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/castletracker/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard and JSON API",
		Long: `Start the HTTP server. It serves the dashboard, the progress endpoints
(polling and server-sent events) and the commands that scan, start, stop
and reset transfers.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:5000). Use --listen to override.`,
		Example: `  castletracker serve
  castletracker serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalSupervisor == nil {
		return fmt.Errorf("transfer supervisor not initialized")
	}
	if err := globalCfg.Validate(); err != nil {
		log.Warn("remote settings incomplete, scans and transfers will fail", "error", err)
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir, "version", version)

	srv := server.NewServer(globalSupervisor, globalStore, globalCfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !quiet {
			fmt.Printf("Starting server on %s...\n", listen)
		}
		return srv.Start(listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// a transfer must not outlive the process that supervises it
		if err := globalSupervisor.Close(shutdownCtx); err != nil {
			log.Error("failed to stop transfer", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if !quiet {
		fmt.Println("Server stopped gracefully")
	}
	return nil
}

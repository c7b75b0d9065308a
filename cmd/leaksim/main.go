package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/charmlog"
	"github.com/benjamonnguyen/leakwatch/sim"
)

func main() {
	confDir, _ := os.UserConfigDir()
	conf, err := leakwatch.LoadConfig(path.Join(confDir, "leakwatch", "leaksim.env"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// the simulator owns no terminal UI, so it logs to stdout
	logger := charmlog.NewLogger(charmlog.Options{Level: conf.LogLevel, Prefix: "leaksim"})

	events := sim.NewEventLogger(logger, sim.DefaultQueueLen)
	device := sim.NewDevice(events)
	simulator := sim.NewSimulator(device, sim.SimulatorOptions{
		PacketInterval:    time.Second,
		LeakChance:        0.02,
		BadChecksumChance: 0.01,
		DropChance:        0.01,
	})
	srv := sim.NewServer(device, events, sim.ServerOptions{
		System:        conf.System,
		APIVersion:    conf.APIVersion,
		Logger:        logger,
		EventEnvelope: conf.EventEnvelope,
	})

	server := &http.Server{
		Addr:              conf.SimAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting simulated backend", "addr", conf.SimAddr, "system", conf.System, "version", conf.APIVersion)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := simulator.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("simulated backend stopped", "error", err)
	}
	logger.Info("server stopped gracefully")
}

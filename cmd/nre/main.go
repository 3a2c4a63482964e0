package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/dataspace"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/server"
	"github.com/Nils-TUD/NRE-sub002/internal/logging"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Boot file (.toml, .yaml)")
	benchOnly := flag.Bool("bench-only", false, "Exit after the benchmark")
	flag.Parse()

	if err := run(*configPath, *benchOnly); err != nil {
		fmt.Fprintf(os.Stderr, "nre: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, benchOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := boot.Init(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	reg := service.NewRegistry(rt.Env)
	regSvc, err := reg.Serve()
	if err != nil {
		return err
	}
	defer regSvc.Close()

	dsm, err := dataspace.NewManager(rt.Env, cfg.Dataspace.Regions)
	if err != nil {
		return err
	}
	defer dsm.Close()
	dsSvc, err := dsm.Serve()
	if err != nil {
		return err
	}
	defer dsSvc.Close()
	if err := reg.Add(dsSvc); err != nil {
		return err
	}

	echo, err := portal.NewService(rt.Env, "echo", echoMux().Serve)
	if err != nil {
		return err
	}
	defer echo.Close()
	if err := reg.Add(echo); err != nil {
		return err
	}
	echoClient, err := reg.Client("echo")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	if cfg.Debug.Enabled && !benchOnly {
		srv := server.NewServer(rt, dsm, reg, logger)
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error {
		res, err := benchmark(rt, echoClient, cfg.Bench)
		if err != nil {
			return err
		}
		logger.Component("bench", -1).Info("Ping benchmark finished",
			zap.Int("calls", res.Calls),
			zap.Int("clients", res.Clients),
			zap.Float64("mean_us", res.Mean),
			zap.Float64("stddev_us", res.StdDev),
			zap.Float64("p99_us", res.P99),
			zap.Float64("calls_per_sec", res.Rate))
		if benchOnly || !cfg.Debug.Enabled {
			cancel()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Runtime exiting", zap.Error(err))
	return err
}

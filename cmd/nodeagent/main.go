// Package main is the entry point for the CIRCLE node agent.
//
// The agent serves the vm, net and storage task queues of one host over
// gRPC and advertises them in etcd for the control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/circlecloud/circle/internal/agent"
	"github.com/circlecloud/circle/internal/config"
	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/repository/etcd"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	hostname := cfg.Agent.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			logger.Fatal("Failed to resolve hostname", zap.Error(err))
		}
	}

	logger.Info("Starting CIRCLE node agent",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("hostname", hostname),
		zap.Strings("drivers", cfg.Agent.Drivers),
	)

	driver, err := agent.NewLibvirtDriver(cfg.Agent.LibvirtURI, cfg.Agent.StoragePool, cfg.Agent.PollInterval, logger)
	if err != nil {
		logger.Fatal("Failed to connect to libvirt", zap.Error(err))
	}
	defer driver.Close()

	var (
		vm      agent.VMDriver
		net     agent.NetDriver
		storage agent.StorageDriver
	)
	if slices.Contains(cfg.Agent.Drivers, dispatcher.DriverVM) {
		vm = driver
	}
	if slices.Contains(cfg.Agent.Drivers, dispatcher.DriverNet) {
		net = driver
	}
	if slices.Contains(cfg.Agent.Drivers, dispatcher.DriverStorage) {
		storage = driver
	}
	tasks := agent.NewTaskServer(hostname, vm, net, storage, logger)

	client, err := etcd.NewClient(cfg.Etcd, int(cfg.Agent.LeaseTTL), logger)
	if err != nil {
		logger.Fatal("Failed to connect to etcd", zap.Error(err))
	}
	defer client.Close()

	a := agent.New(tasks, etcd.NewQueueRegistry(client, logger), cfg.Agent.ListenAddress,
		cfg.Agent.AdvertiseAddr, client.SessionDone(), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrLeaseLost) {
			// A supervisor restarts the agent with a fresh lease.
			logger.Error("Registry lease lost, exiting", zap.Error(err))
			os.Exit(2)
		}
		logger.Fatal("Agent error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger.With(zap.String("component", "nodeagent"))
}

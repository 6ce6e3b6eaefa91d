// Block manager - payout engine for a Monero mining pool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/monero-pool/block-manager/internal/api"
	"github.com/monero-pool/block-manager/internal/config"
	"github.com/monero-pool/block-manager/internal/ledger"
	apm "github.com/monero-pool/block-manager/internal/newrelic"
	"github.com/monero-pool/block-manager/internal/notify"
	"github.com/monero-pool/block-manager/internal/payout"
	"github.com/monero-pool/block-manager/internal/rpc"
	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Block Manager v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("Block Manager v%s starting", version)

	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	store, err := storage.NewSQLStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		util.Fatalf("Failed to connect to balance store: %v", err)
	}
	defer store.Close()

	shares, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		util.Fatalf("Failed to open share ledger: %v", err)
	}
	defer shares.Close()

	daemon := rpc.NewDaemonClient(cfg.Daemon.URL, cfg.Daemon.Timeout)
	alerter := notify.NewNotifier(cfg.Notify, cfg.Pool.Name)

	agent := apm.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}
	defer agent.Stop()

	writer := payout.NewBalanceWriter(store)
	defer writer.Close()

	unlocker := payout.NewUnlocker(cfg, store, redis, shares, writer, daemon, alerter, agent)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, store, unlocker)
		unlocker.SetCycleHook(func(cycle *storage.PayoutCycle) {
			apiServer.Hub().Broadcast(cycle)
		})
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Unlocker.Enabled {
		go unlocker.Run(ctx)
	} else {
		util.Warn("Block unlocker disabled by configuration")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Block manager started. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	cancel()
	if apiServer != nil {
		apiServer.Stop()
	}

	util.Info("Block manager stopped")
}

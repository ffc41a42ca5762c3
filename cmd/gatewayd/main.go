package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/internal/gwclient"
	"github.com/relaymesh/relaymesh/internal/store"
	"go.uber.org/zap"
)

func main() {
	managerURL := flag.String("manager", "http://localhost:8080/api/v1/gateway", "manager gateway endpoint base URL (scheme + host + port + /api/v1/gateway)")
	realm := flag.String("realm", "", "realm this gateway belongs to")
	clientID := flag.String("client-id", "", "client id issued when the gateway was created")
	clientSecret := flag.String("client-secret", "", "client secret issued when the gateway was created")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	dbPath := flag.String("db", "gatewayd.db", "path to the local asset store database")
	simulate := flag.Bool("simulate", false, "run against a built-in simulated sensor tree instead of a local store")
	simRooms := flag.Int("sim-rooms", 5, "number of simulated rooms when -simulate is set")
	simTick := flag.Duration("sim-tick", 5*time.Second, "perturbation interval when -simulate is set")
	flag.Parse()

	if *realm == "" || *clientID == "" || *clientSecret == "" {
		fmt.Fprintln(os.Stderr, "gatewayd: -realm, -client-id, and -client-secret are required")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := gwclient.DefaultConfig()
	cfg.ManagerURL = *managerURL
	cfg.Realm = *realm
	cfg.ClientID = *clientID
	cfg.ClientSecret = *clientSecret
	cfg.Insecure = *insecure

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var source gwclient.DataSource
	if *simulate {
		sim := gwclient.NewSimulator(*simRooms, *simTick, time.Now().UnixNano())
		go sim.Run(ctx)
		source = sim
		logger.Info("running against simulated sensor tree", zap.Int("rooms", *simRooms))
	} else {
		db, err := store.New(*dbPath)
		if err != nil {
			logger.Fatal("failed to open local database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx, "gatewayd", assetstore.Migrations()); err != nil {
			logger.Fatal("failed to migrate local database", zap.Error(err))
		}
		source = gwclient.NewStoreDataSource(assetstore.New(db.DB()))
		logger.Info("running against local asset store", zap.String("path", *dbPath))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	client := gwclient.NewClient(cfg, source, logger.Named("gwclient"))
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("gateway client error", zap.Error(err))
	}

	logger.Info("gatewayd stopped")
}

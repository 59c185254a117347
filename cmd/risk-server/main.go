package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/albatross-trade/albatross/internal/config"
	"github.com/albatross-trade/albatross/internal/marketdata"
	"github.com/albatross-trade/albatross/internal/portfolio"
	"github.com/albatross-trade/albatross/internal/risk"
	"github.com/albatross-trade/albatross/pkg/bus"
	"github.com/albatross-trade/albatross/pkg/secrets"
	"github.com/albatross-trade/albatross/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.WithField("component", "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.NewStore(ctx, store.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatalf("failed to connect to store: %v", err)
	}
	defer st.Close()

	eventBus, err := bus.Connect(bus.Config{
		URL:      cfg.NATS.URL,
		ClientID: cfg.NATS.ClientID,
	})
	if err != nil {
		logger.Fatalf("failed to connect to bus: %v", err)
	}
	defer eventBus.Close()

	var adminKeys risk.AdminKeySource
	if cfg.Vault.Enabled {
		vault, err := secrets.NewClient(secrets.Config{
			Address: cfg.Vault.Address,
			Token:   cfg.Vault.Token,
		})
		if err != nil {
			logger.Fatalf("failed to connect to vault: %v", err)
		}
		adminKeys = vault
	}

	pm := portfolio.NewManager(st, decimal.NewFromFloat(cfg.Portfolio.InitialCashBalance))
	if err := pm.Load(ctx); err != nil {
		logger.Warnf("failed to load positions: %v", err)
	}

	engine := risk.NewEngine(cfg, pm, st, eventBus, adminKeys)
	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("failed to start risk engine: %v", err)
	}
	defer engine.Stop()

	if cfg.Feed.Enabled {
		feed := marketdata.NewFeed(cfg.Feed, eventBus)
		if err := feed.Start(); err != nil {
			logger.Fatalf("failed to start market data feed: %v", err)
		}
		defer feed.Stop()
	}

	logger.Info("risk server running")
	<-ctx.Done()
	logger.Info("risk server stopped")
}

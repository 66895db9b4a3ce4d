package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/db"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/handlers"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/ledger"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/signer"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/store"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to MongoDB
	client, err := db.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(closeCtx); err != nil {
			logger.Error("mongo disconnect failed", "err", err)
		}
	}()
	logger.Info("connected to MongoDB", "database", cfg.MongoDB)

	paymentStore, err := store.NewMongoStore(ctx, client.Database(cfg.MongoDB))
	if err != nil {
		log.Fatalf("Failed to initialize payment store: %v", err)
	}

	keypair, err := signer.NewKeypairSigner(cfg.FacilitatorPrivateKey)
	if err != nil {
		log.Fatalf("Failed to load facilitator key: %v", err)
	}
	logger.Info("facilitator wallet loaded", "address", keypair.Address())

	gateways := make(map[string]ledger.Gateway, len(cfg.Networks))
	for name, nc := range cfg.Networks {
		gateways[name] = ledger.NewSolanaGateway(nc.RPCURL, name, logger)
		logger.Info("ledger gateway ready", "network", name, "rpc", nc.RPCURL)
	}

	engine := services.NewSettlementEngine(cfg, paymentStore, gateways, keypair, logger)
	defer engine.Close()
	go engine.Run(ctx)

	gate := services.NewTokenGate(cfg, gateways, logger)

	router := handlers.NewRouter(cfg, engine, gate, logger)
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server running", "port", cfg.Port, "network", cfg.DefaultNetwork)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "err", err)
	}
}

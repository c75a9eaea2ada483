package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"exchange/params"
	"exchange/pkg/api"
	"exchange/pkg/engine"
	"exchange/pkg/ledger"
	"exchange/pkg/user"
	"exchange/pkg/util"

	"go.uber.org/zap"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (console, plus a file when LOG_FILE is set)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// ---- Ledger ----
	store, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Ledger.DBPath, "err", err)
	}
	defer store.Close()
	sugar.Infow("ledger_opened", "path", cfg.Ledger.DBPath)

	// ---- Users ----
	users := user.NewRegistry(store, sugar)
	if err := users.Bootstrap(cfg.Exchange.AdminName); err != nil {
		sugar.Fatalw("admin_bootstrap_failed", "err", err)
	}

	// ---- Engine ----
	// Restores books for every instrument from the open-order index.
	eng, err := engine.New(store, sugar, cfg.Exchange.CashTicker)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	sugar.Infow("engine_ready", "cash_ticker", cfg.Exchange.CashTicker)

	// ---- API Server ----
	server := api.NewServer(eng, store, users, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(cfg.Server.HTTPAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
}

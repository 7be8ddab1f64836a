package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/smohantty/hyperliquid-trading-bot/internal/audit"
	"github.com/smohantty/hyperliquid-trading-bot/internal/broadcast"
	"github.com/smohantty/hyperliquid-trading-bot/internal/config"
	"github.com/smohantty/hyperliquid-trading-bot/internal/engine"
	"github.com/smohantty/hyperliquid-trading-bot/internal/exchange"
	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
	"github.com/smohantty/hyperliquid-trading-bot/internal/persistence"
	"github.com/smohantty/hyperliquid-trading-bot/internal/reporter"
	"github.com/smohantty/hyperliquid-trading-bot/internal/strategy"
)

// Exit codes: 0 normal shutdown, 2 config/validation failure, 3 fatal
// pre-flight (insufficient balance), 4 unrecoverable exchange error.
const (
	exitOK          = 0
	exitConfig      = 2
	exitPreflight   = 3
	exitExchange    = 4
	exitUnspecified = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	// A default logger so .env and config loading can already log.
	logger.InitLogger(logger.Config{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("No .env file found; reading credentials from the environment.")
	} else {
		logger.S().Info("Loaded credentials from .env.")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Errorf("Configuration error: %v", err)
		return exitConfig
	}

	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		logger.S().Errorf("Configuration error: %v", err)
		return exitConfig
	}

	ex, err := exchange.NewHyperliquid(cfg.Exchange)
	if err != nil {
		logger.S().Errorf("Exchange setup failed: %v", err)
		return exitExchange
	}
	defer ex.Close()
	logger.S().Infof("Trading on %s as %s.", cfg.Exchange.Network, ex.Address())

	// One run id tags the audit trail, broadcast info, and persisted
	// state so all three can be correlated after the fact.
	runID := audit.NewRunID()
	logger.S().Infof("Run id: %s", runID)

	broadcaster := broadcast.NewBroadcaster()
	// Error-level log lines double as "error" events for dashboards.
	logger.SetErrorSink(func(message string) {
		broadcaster.Send(broadcast.EventError, message)
	})
	defer logger.SetErrorSink(nil)
	if cfg.Broadcast.Enabled {
		server := broadcast.NewServer(broadcaster, cfg.Broadcast.Host, cfg.Broadcast.Port)
		defer server.Close()
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.S().Errorf("Broadcast server failed: %v", err)
			}
		}()
	}

	var auditLog engine.AuditLogger
	if cfg.Audit.Enabled {
		l, err := audit.NewLogger(cfg.Audit.Dir, runID)
		if err != nil {
			logger.S().Errorf("Audit log setup failed: %v", err)
			return exitUnspecified
		}
		defer l.Close()
		auditLog = l
		logger.S().Infof("Order audit log enabled (%s/trades.csv).", cfg.Audit.Dir)
	}

	var repo persistence.Repository
	if cfg.DBPath != "" {
		r, err := persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			logger.S().Warnf("Run-state database unavailable (%v); continuing without persistence.", err)
		} else {
			defer r.Close()
			repo = r
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reporter.New(broadcaster).Run(ctx)

	eng := engine.New(cfg, ex, strat, broadcaster, auditLog, repo, runID)
	if err := eng.Run(ctx); err != nil {
		switch {
		case errors.Is(err, strategy.ErrPreflight):
			logger.S().Errorf("Pre-flight failure: %v", err)
			return exitPreflight
		case errors.Is(err, exchange.ErrUnrecoverable):
			logger.S().Errorf("Unrecoverable exchange error: %v", err)
			return exitExchange
		default:
			logger.S().Errorf("Engine stopped with error: %v", err)
			return exitUnspecified
		}
	}

	logger.S().Info("Bot stopped cleanly.")
	return exitOK
}

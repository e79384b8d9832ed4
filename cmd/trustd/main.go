package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"trustmesh/config"
	"trustmesh/events"
	"trustmesh/native/trust"
	"trustmesh/observability/logging"
	"trustmesh/observability/metrics"
	"trustmesh/rpc"
	"trustmesh/state"
	"trustmesh/storage"
)

type fixedPrice struct {
	cost *big.Int
}

func (p fixedPrice) CostPerByte() *big.Int { return new(big.Int).Set(p.cost) }

// refundMeter counts excess-deposit refunds off the event stream.
type refundMeter struct{}

func (refundMeter) Emit(evt events.Event) {
	if _, ok := evt.Attributes["refund"]; ok {
		metrics.Trust().Refunds.Inc()
	}
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "trust.bolt"))
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "trust"))
	}
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./trustd.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("trustd", cfg.Env, slog.LevelInfo)

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("failed to open storage", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	byteCost, err := cfg.ByteCost()
	if err != nil {
		logger.Error("invalid storage byte cost", "error", err)
		os.Exit(1)
	}
	reserved, err := cfg.Reserved()
	if err != nil {
		logger.Error("invalid reserved overhead", "error", err)
		os.Exit(1)
	}

	treasury := newVault(logger)
	engine := trust.NewEngine(state.NewManager(db))
	engine.SetPriceOracle(fixedPrice{cost: byteCost})
	engine.SetTreasury(treasury)
	engine.SetOperator(cfg.OperatorAccount)
	engine.SetReservedOverhead(reserved)
	engine.SetLogger(logger)
	engine.SetEmitter(events.Multi(events.SlogEmitter{Logger: logger}, refundMeter{}))

	metrics.RegisterEngineGauges(
		func() float64 {
			total, err := engine.TotalDeposits()
			if err != nil {
				return 0
			}
			value, _ := new(big.Float).SetInt(total).Float64()
			return value
		},
		func() float64 {
			ids, err := engine.ListUserIDs()
			if err != nil {
				return 0
			}
			return float64(len(ids))
		},
	)

	limiter := rpc.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           rpc.NewServer(engine, treasury, logger, limiter).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("trustd listening", "address", cfg.ListenAddress, "backend", cfg.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"qftrade.com/internal/api"
	"qftrade.com/internal/config"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/engine"
	"qftrade.com/internal/gateway"
	"qftrade.com/internal/infra"
	"qftrade.com/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := infra.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer log.Sync()

	var db *gorm.DB
	if cfg.Database.Enabled {
		db, err = infra.NewDatabase(cfg.Database.DatabaseConfig, log)
		if err != nil {
			return err
		}
	} else {
		log.Info("database disabled, persistence off")
	}

	gw, err := buildGateway(cfg.Gateway, log)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg.Engine, gw, db, log)
	if err != nil {
		return err
	}
	if err := strategy.RegisterBuiltins(eng.StrategyManager()); err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		client, err := infra.NewRedis(cfg.Redis.RedisConfig, log)
		if err != nil {
			return err
		}
		defer client.Close()
		forwarder := infra.NewForwarder(eng.Bus(), client, nil, log)
		defer forwarder.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	var srv *api.Server
	apiErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = api.NewServer(eng, log)
		go func() { apiErr <- srv.Listen(cfg.Server.Addr) }()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	case err := <-apiErr:
		if err != nil {
			log.Error("api server failed", zap.Error(err))
		}
	}

	if srv != nil {
		if err := srv.Shutdown(); err != nil {
			log.Warn("api shutdown", zap.Error(err))
		}
	}
	return nil
}

func buildGateway(cfg config.GatewayConfig, log *zap.Logger) (domain.Gateway, error) {
	switch cfg.Mode {
	case "sim", "":
		return gateway.NewSim(cfg.Sim, log), nil
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
	}
}

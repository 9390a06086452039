package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskengine/internal/api"
	"riskengine/internal/bot"
	"riskengine/internal/config"
	"riskengine/internal/exchange"
	"riskengine/internal/repository"
	"riskengine/internal/websocket"
	"riskengine/pkg/crypto"
	"riskengine/pkg/ratelimit"
	"riskengine/pkg/utils"
)

func main() {
	hashToken := flag.Bool("hash-token", false, "read an ops token from stdin, print its bcrypt hash for OPS_TOKEN_HASH and exit")
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	if *hashToken {
		if err := printTokenHash(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// .env необязателен: в проде переменные задаются окружением
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer logger.Sync()

	if err := run(cfg, logger.Logger); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("engine exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exchanges, err := buildExchanges(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for name, ex := range exchanges {
			if err := ex.Close(); err != nil {
				logger.Warn("close exchange", utils.Exchange(name), zap.Error(err))
			}
		}
	}()

	var (
		audit *repository.AuditRepository
		sink  bot.AuditSink
	)
	if cfg.Audit.Enabled {
		db, err := openAuditDB(ctx, cfg.Audit)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("audit database connected", zap.String("dsn", cfg.Audit.DSNWithoutPassword()))

		audit = repository.NewAuditRepository(db)
		if err := audit.EnsureSchema(ctx); err != nil {
			return err
		}
		sink = audit
	}

	hub := websocket.NewHub(logger, cfg.Server.AllowedOrigins)

	engine, err := bot.NewEngine(cfg.EngineConfig(), exchanges, hub, sink, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.Server.Enabled {
		deps := &api.Dependencies{
			Portfolio:      engine.Tracker(),
			Risk:           engine.Monitor(),
			Balances:       engine,
			Liquidity:      engine.Liquidity(),
			Stream:         hub.ServeWS,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger,
		}
		if audit != nil {
			deps.Notifications = audit
		}
		if cfg.Server.TokenHash != "" {
			verifier, err := crypto.NewTokenVerifier(cfg.Server.TokenHash)
			if err != nil {
				return fmt.Errorf("ops token: %w", err)
			}
			deps.Verifier = verifier
		}

		server := api.NewServer(cfg.Server.APIConfig(), api.SetupRoutes(deps), logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	logger.Info("engine started",
		zap.Int("exchanges", len(exchanges)),
		zap.Strings("pairs", cfg.Strategy.Pairs),
		zap.Bool("audit", cfg.Audit.Enabled),
		zap.Bool("ops_server", cfg.Server.Enabled),
	)

	err = g.Wait()
	logger.Info("shutdown complete",
		zap.Int("open_positions", engine.Tracker().Count()),
		zap.Bool("critical", engine.Monitor().HasCritical()),
	)
	return err
}

// buildExchanges создаёт адаптеры и оборачивает каждый rate limit,
// retry и circuit breaker.
func buildExchanges(cfg *config.Config, logger *zap.Logger) (map[string]exchange.Exchange, error) {
	guard := cfg.GuardConfig()
	out := make(map[string]exchange.Exchange, len(cfg.Exchanges))

	for _, ec := range cfg.Exchanges {
		inner, err := exchange.New(ec.Options(), logger)
		if err != nil {
			for _, ex := range out {
				ex.Close()
			}
			return nil, fmt.Errorf("exchange %s: %w", ec.Name, err)
		}

		calls, burst := ec.Limits(cfg.RateLimit)
		guarded := exchange.NewGuarded(inner, ratelimit.New(calls, time.Second, burst), guard, logger)
		guarded.OnCall(bot.RecordExchangeCall)
		out[ec.Name] = guarded
	}
	return out, nil
}

func openAuditDB(ctx context.Context, cfg config.AuditConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return db, nil
}

func printTokenHash() error {
	token, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && token == "" {
		return fmt.Errorf("read token: %w", err)
	}
	hash, err := crypto.HashToken(strings.TrimSpace(token), crypto.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

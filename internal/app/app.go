// Package app assembles the payment engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vanshika/paybridge/backend/internal/chain"
	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/config"
	"github.com/vanshika/paybridge/backend/internal/graph"
	"github.com/vanshika/paybridge/backend/internal/keylock"
	"github.com/vanshika/paybridge/backend/internal/mobilemoney"
	"github.com/vanshika/paybridge/backend/internal/payments"
	"github.com/vanshika/paybridge/backend/internal/rates"
	"github.com/vanshika/paybridge/backend/internal/repository"
	"github.com/vanshika/paybridge/backend/internal/server"
	"github.com/vanshika/paybridge/backend/internal/storage/postgres"
	"github.com/vanshika/paybridge/backend/internal/store"
	"github.com/vanshika/paybridge/backend/migrations"
)

// KESPerUSD is the quote the default rate source is pegged to when neither
// a rate URL nor a static rate is configured.
var KESPerUSD = decimal.RequireFromString("143.50")

// App is a wired payment engine plus the resources it holds open.
type App struct {
	Orchestrator *payments.Orchestrator
	Rates        *rates.Cache
	Store        store.Store
	Redis        *redis.Client
	Health       server.HealthChecks

	// Sandbox collaborators, set only in sandbox modes.
	MobileSandbox *mobilemoney.SandboxTransport
	ChainSandbox  *chain.SandboxClient

	closers []func(context.Context) error
	logger  *slog.Logger
}

// Build wires every component selected by cfg. Close releases what it opened.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Health: server.HealthChecks{}, logger: logger}
	clk := clock.NewSystem()

	if err := a.buildStore(ctx, cfg); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if cfg.NeedsRedis() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.Health["redis"] = server.RedisHealthService{Client: a.Redis}
	}

	var locks keylock.Locker = keylock.NewLocal()
	if cfg.Locks.Backend == config.LocksRedis {
		locks = keylock.NewRedis(a.Redis, keylock.RedisOptions{TTL: cfg.Locks.TTL, Logger: logger})
	}

	httpClient := &http.Client{}
	a.Rates = rates.NewCache(rateSource(cfg.Rates, httpClient), rates.Options{
		TTL:          cfg.Rates.TTL,
		FetchTimeout: cfg.Rates.FetchTimeout,
		FallbackRate: cfg.Rates.FallbackRate,
		Clock:        clk,
		Logger:       logger,
	})

	var transport mobilemoney.Transport
	switch cfg.MobileMoney.Mode {
	case config.ModeDaraja:
		daraja, err := mobilemoney.NewDarajaTransport(mobilemoney.DarajaConfig{
			BaseURL:           cfg.MobileMoney.BaseURL,
			ConsumerKey:       cfg.MobileMoney.ConsumerKey,
			ConsumerSecret:    cfg.MobileMoney.ConsumerSecret,
			BusinessShortCode: cfg.MobileMoney.BusinessShortCode,
			Passkey:           cfg.MobileMoney.Passkey,
			CallbackURL:       cfg.MobileMoney.CallbackURL,
		}, httpClient, clk)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("build daraja transport: %w", err)
		}
		transport = daraja
	default:
		a.MobileSandbox = mobilemoney.NewSandboxTransport(clk, 0)
		transport = a.MobileSandbox
	}
	gateway := mobilemoney.NewGateway(transport, mobilemoney.Options{
		CallTimeout: cfg.MobileMoney.CallTimeout,
		Clock:       clk,
		Logger:      logger,
	})

	var chainClient chain.Client
	switch cfg.Chain.Mode {
	case config.ModeRelay:
		relay, err := chain.NewRelayClient(cfg.Chain.RelayURL, cfg.Chain.RelayAPIKey, httpClient)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("build chain relay client: %w", err)
		}
		chainClient = relay
	default:
		a.ChainSandbox = chain.NewSandboxClient(clk, cfg.Chain.ApproverAddress)
		chainClient = a.ChainSandbox
	}
	ledger := chain.NewLedger(chainClient, chain.Options{CallTimeout: cfg.Chain.CallTimeout, Logger: logger})

	orch, err := payments.NewOrchestrator(payments.Dependencies{
		Rates:   a.Rates,
		Gateway: gateway,
		Ledger:  ledger,
		Store:   a.Store,
		Locks:   locks,
		Clock:   clk,
		Logger:  logger,
	}, payments.Options{
		ApproverAddress: cfg.Chain.ApproverAddress,
		PersistTimeout:  cfg.Payments.PersistTimeout,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Store.Backend {
	case config.StoreGraph:
		client, err := graph.NewNeo4jClient(ctx, graph.Options{
			URI:            cfg.Graph.URI,
			Database:       cfg.Graph.Database,
			Username:       cfg.Graph.Username,
			Password:       cfg.Graph.Password,
			MaxConnections: cfg.Graph.MaxConnections,
			TxTimeout:      cfg.Graph.TxTimeout,
		})
		if err != nil {
			return fmt.Errorf("create graph client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		repo := repository.New(client)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store = repo
		a.Health["graph"] = server.GraphHealthService{Client: client}

	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		}
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Postgres.ConnectTimeout)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
		if err != nil {
			return fmt.Errorf("open postgres pool: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		if err := pool.Ping(connectCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Postgres.AutoMigrate {
			if err := migrations.Apply(ctx, pool); err != nil {
				return err
			}
		}
		pg := postgres.NewStore(pool)
		a.Store = pg
		a.Health["postgres"] = server.PingHealthService{Target: pg}

	default:
		a.Store = store.NewMemory()
	}
	a.logger.Info("store ready", "backend", cfg.Store.Backend)
	return nil
}

func rateSource(cfg config.RatesConfig, client *http.Client) rates.Source {
	switch {
	case cfg.SourceURL != "":
		return rates.HTTPSource{URL: cfg.SourceURL, Client: client}
	case cfg.StaticRate.IsPositive():
		return rates.StaticSource{Rate: cfg.StaticRate}
	default:
		return rates.PegSource{KESPerUSD: KESPerUSD}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

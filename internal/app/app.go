// Package app wires one process worth of components from a config: the
// database, the escrow provider chosen by escrow.provider and, for chain
// settlement, the indexer that reconciles it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/chain"
	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/escrow"
	"fieldproof/internal/indexer"
	"fieldproof/internal/lock"
	"fieldproof/internal/logging"
	"fieldproof/internal/metrics"
	"fieldproof/internal/migrate"
)

type Options struct {
	Workspace string
	Config    *config.Config
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Log      *logrus.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Escrow   escrow.Provider
	Indexer  *indexer.Indexer
	Engine   engine.Engine

	closers []func() error
}

// Build opens and migrates the workspace database and constructs every
// component. Close releases what Build opened.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	if opts.LogOutput != nil {
		a.Log = logging.NewWithOutput(cfg.Log, opts.LogOutput)
	} else {
		a.Log = logging.New(cfg.Log)
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	deps := escrow.NewDeps(conn, a.Metrics, a.Log)
	switch cfg.Escrow.Provider {
	case domain.ProviderChain:
		if err := a.buildChain(ctx, deps); err != nil {
			a.Close()
			return nil, err
		}
	default:
		a.Escrow = escrow.NewLedger(deps, cfg.Platform.FeeBps)
	}
	a.Engine = engine.New(conn, cfg, a.Escrow, a.Metrics, a.Log)
	a.Log.WithFields(logrus.Fields{"provider": a.Escrow.Name(), "workspace": opts.Workspace}).Debug("app built")
	return a, nil
}

func (a *App) buildChain(ctx context.Context, deps escrow.Deps) error {
	cfg := a.Config
	contract, err := chain.NewContract(cfg.Chain.ContractAddress, cfg.Chain.ChainID)
	if err != nil {
		return err
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { client.Close(); return nil })

	a.Indexer = indexer.New(a.DB, client, contract, cfg.Chain, a.Metrics, a.Log)
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rc.Close)
		a.Indexer.Locker = lock.NewRedis(rc, cfg.Redis.LockKey, cfg.Redis.LockTTL)
	}

	operator, err := a.operator(client, contract)
	if err != nil {
		return err
	}
	a.Escrow = escrow.NewChain(deps, contract, operator, a.Indexer, cfg.Chain.ConfirmTimeout)
	return nil
}

// operator returns nil without an operator key; the provider then refuses
// to settle but escrows can still be created and indexed.
func (a *App) operator(client *ethclient.Client, contract *chain.Contract) (chain.Transactor, error) {
	op, err := chain.NewOperator(client, contract, a.Config.Chain.OperatorKey, a.Config.Chain.GasLimit)
	if errors.Is(err, domain.ErrOperatorUnavailable) {
		a.Log.Warn("chain.operator_key not set; settlement calls will fail until it is")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Log.WithField("operator", op.Address().Hex()).Info("chain operator loaded")
	return op, nil
}

// Close stops the indexer and releases connections in reverse order.
func (a *App) Close() error {
	if a.Indexer != nil {
		a.Indexer.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package daemon builds the staking service from configuration and runs
// its HTTP API.
package daemon

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/usdstake/internal/api"
	"github.com/moltbunker/usdstake/internal/chain"
	"github.com/moltbunker/usdstake/internal/config"
	"github.com/moltbunker/usdstake/internal/events"
	"github.com/moltbunker/usdstake/internal/idempotency"
	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
	"github.com/moltbunker/usdstake/internal/metrics"
	"github.com/moltbunker/usdstake/internal/migration"
	"github.com/moltbunker/usdstake/internal/oracle"
	"github.com/moltbunker/usdstake/internal/store"
	"github.com/moltbunker/usdstake/internal/util"
)

// shutdownTimeout bounds how long Run waits for in-flight requests.
const shutdownTimeout = 15 * time.Second

// Daemon owns every long-lived component of the service.
type Daemon struct {
	cfg *config.Config

	store   store.Store
	client  *chain.Client
	token   *chain.RewardToken
	vault   *chain.Vault
	oracle  *oracle.Oracle
	ledger  *ledger.Ledger
	feed    *events.Feed
	sinks   *events.Multi
	journal *events.Journal
	guard   idempotency.Guard
	metrics *metrics.PrometheusCollector
	server  *api.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds the daemon. On error everything already opened is closed.
func New(ctx context.Context, cfg *config.Config) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	lcfg, err := cfg.LedgerConfig()
	if err != nil {
		return nil, err
	}
	units := migration.Units{CollateralDecimals: lcfg.CollateralDecimals, RewardDecimals: lcfg.RewardDecimals}
	if err := migration.Prepare(cfg.Daemon.DataDir, units); err != nil {
		return nil, err
	}

	d = &Daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	d.metrics = metrics.NewPrometheusCollector(metrics.NewCollector())

	if d.store, err = store.Open(cfg.Store.Backend, cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err = d.setupChain(ctx); err != nil {
		return nil, err
	}

	if d.ledger, err = ledger.New(lcfg, d.store, d.oracle, d.token, d.vault); err != nil {
		return nil, err
	}
	d.ledger.SetRecorder(d.metrics)
	d.vault.SetAccounted(d.ledger.TotalLocked())

	if err = d.setupEvents(); err != nil {
		return nil, err
	}
	if err = d.setupGuard(ctx); err != nil {
		return nil, err
	}

	d.server = api.NewServer(api.FromConfig(cfg.API), d.ledger)
	d.server.SetTokenInfo(d.token)
	d.server.SetFeedInfo(d.oracle)
	d.server.SetEventFeed(d.feed)
	d.server.SetIdempotencyGuard(d.guard)
	d.server.SetDeposits(d.vault, d.store)
	d.server.SetMetrics(d.metrics)
	if d.journal != nil {
		d.server.SetJournal(d.journal)
	}

	return d, nil
}

// loadSigner prefers the keyring when one is configured.
func loadSigner(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.Chain.SignerKeyring == "" {
		return chain.LoadSignerKey(cfg.Chain.SignerKeyFile)
	}
	ring, backend, err := chain.OpenKeyring(cfg.SignerKeyringConfig())
	if err != nil {
		return nil, err
	}
	key, err := chain.LoadSignerKeyFromKeyring(ring)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", backend, err)
	}
	logging.Info("signer key loaded from keyring",
		"backend", backend,
		logging.Component("daemon"))
	return key, nil
}

func (d *Daemon) setupChain(ctx context.Context) error {
	cfg := d.cfg
	ocfg := oracle.Config{
		CallTimeout:  cfg.OracleTimeout(),
		MaxStaleness: cfg.OracleMaxStaleness(),
		Retry:        util.DefaultRetryConfig(),
	}
	ocfg.Retry.Attempts = cfg.Oracle.Retries + 1

	if cfg.Chain.Mock {
		logging.Warn("running against in-memory token, vault and price feed",
			logging.Component("daemon"))
		d.token = chain.NewMockRewardToken()
		d.vault = chain.NewMockVault()
		feed := oracle.NewMockAggregator(cfg.Oracle.MockDecimals, big.NewInt(cfg.Oracle.MockPrice))
		// the mock round never advances
		ocfg.MaxStaleness = 0
		d.oracle = oracle.New(feed, ocfg)
		d.oracle.SetObserver(d.metrics)
		return nil
	}

	key, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	ccfg := chain.DefaultClientConfig()
	ccfg.RPCURL = cfg.Chain.RPCURL
	ccfg.ChainID = cfg.Chain.ChainID
	ccfg.BlockConfirmations = int(cfg.Chain.BlockConfirmations)
	if cfg.Chain.GasLimitMultiplier > 0 {
		ccfg.GasLimitMultiplier = cfg.Chain.GasLimitMultiplier
	}

	d.client = chain.NewClient(ccfg, key)
	if err := d.client.Connect(ctx); err != nil {
		return err
	}

	if d.token, err = chain.NewRewardToken(d.client, common.HexToAddress(cfg.Token.Address)); err != nil {
		return err
	}
	if decimals, err := d.token.Decimals(ctx); err != nil {
		return fmt.Errorf("failed to read token decimals: %w", err)
	} else if decimals != cfg.Token.Decimals {
		return fmt.Errorf("token.decimals is %d but the contract reports %d", cfg.Token.Decimals, decimals)
	}

	if d.vault, err = chain.NewVault(d.client, common.HexToAddress(cfg.Vault.Address)); err != nil {
		return err
	}

	source, err := oracle.NewAggregatorSource(d.client, common.HexToAddress(cfg.Oracle.FeedAddress))
	if err != nil {
		return err
	}
	d.oracle = oracle.New(source, ocfg)
	d.oracle.SetObserver(d.metrics)
	return nil
}

func (d *Daemon) setupEvents() error {
	cfg := d.cfg.Events
	d.feed = events.NewFeed(d.cfg.API.EventBuffer)
	sinks := []events.Sink{d.feed}

	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		sinks = append(sinks, k)
	}
	if cfg.AMQPURL != "" {
		a, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			d.sinks = events.NewMulti(sinks...)
			return err
		}
		sinks = append(sinks, a)
	}
	if cfg.MySQLDSN != "" {
		j, err := events.OpenJournal(cfg.MySQLDSN)
		if err != nil {
			d.sinks = events.NewMulti(sinks...)
			return err
		}
		d.journal = j
		sinks = append(sinks, j)
	}

	d.sinks = events.NewMulti(sinks...)
	d.ledger.SetEventSink(newTimeoutSink(d.sinks, d.cfg.PublishTimeout()))
	logging.Info("event sinks configured",
		"sinks", d.sinks.Len(),
		logging.Component("daemon"))
	return nil
}

func (d *Daemon) setupGuard(ctx context.Context) error {
	cfg := d.cfg.Idempotency
	ttl := d.cfg.IdempotencyTTL()
	if cfg.Backend == "redis" {
		r, err := idempotency.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, ttl)
		if err != nil {
			return err
		}
		d.guard = r
		return nil
	}
	d.guard = idempotency.NewMemory(ttl)
	return nil
}

// Ledger returns the staking ledger.
func (d *Daemon) Ledger() *ledger.Ledger {
	return d.ledger
}

// Addr returns the API listen address once started.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Start starts the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.server.Start(ctx); err != nil {
		return err
	}
	logging.Info("usdstake daemon started",
		"addr", d.server.Addr(),
		"mock_chain", d.cfg.Chain.Mock,
		"stakers", d.ledger.Stakers(),
		logging.Component("daemon"))
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts
// down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logging.Info("shutting down", logging.Component("daemon"))
	return d.Close()
}

// Close stops the server and releases every resource. It is safe to call
// more than once.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			errs = append(errs, d.server.Stop(ctx))
			cancel()
		}
		if d.sinks != nil {
			errs = append(errs, d.sinks.Close())
		}
		if d.guard != nil {
			errs = append(errs, d.guard.Close())
		}
		if d.store != nil {
			errs = append(errs, d.store.Close())
		}
		if d.client != nil {
			d.client.Close()
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

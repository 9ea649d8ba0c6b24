// Package oracle reads the ETH/USD price from a Chainlink aggregator and
// validates each answer before the ledger may use it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
	"github.com/moltbunker/usdstake/internal/util"
)

// Reasons an aggregator answer is rejected.
var (
	ErrNonPositiveAnswer = errors.New("non-positive answer")
	ErrIncompleteRound   = errors.New("round not complete")
	ErrStaleRound        = errors.New("answer from a previous round")
	ErrStalePrice        = errors.New("price is stale")
)

// Config controls how the aggregator is read.
type Config struct {
	// CallTimeout bounds each attempt.
	CallTimeout time.Duration
	// MaxStaleness rejects answers older than this. Zero disables the check.
	MaxStaleness time.Duration
	Retry        util.RetryConfig
}

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  3 * time.Second,
		MaxStaleness: time.Hour,
		Retry:        util.DefaultRetryConfig(),
	}
}

// Observer receives the latency and outcome of each price read.
type Observer interface {
	ObserveOracleCall(outcome string, d time.Duration)
}

// FeedInfo describes the configured feed.
type FeedInfo struct {
	Address     common.Address
	Description string
	Decimals    uint8
}

// Oracle implements ledger.PriceOracle on top of an aggregator Source.
type Oracle struct {
	source Source
	cfg    Config

	mu       sync.RWMutex
	decimals *uint8
	observer Observer
	now      func() time.Time
}

// New creates an oracle reading from source.
func New(source Source, cfg Config) *Oracle {
	return &Oracle{source: source, cfg: cfg, now: time.Now}
}

// SetObserver sets the latency observer.
func (o *Oracle) SetObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = obs
}

// SetClock replaces the clock used for the staleness check.
func (o *Oracle) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// LatestPrice returns the latest validated price. Any failure wraps
// ledger.ErrOracleUnavailable.
func (o *Oracle) LatestPrice(ctx context.Context) (ledger.Price, error) {
	started := time.Now()
	price, err := o.latestPrice(ctx)

	o.mu.RLock()
	obs := o.observer
	o.mu.RUnlock()
	if obs != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		obs.ObserveOracleCall(outcome, time.Since(started))
	}

	if err != nil {
		logging.WarnContext(ctx, "price read failed",
			"feed", o.source.Address().Hex(),
			logging.Err(err),
			logging.Component("oracle"))
		return ledger.Price{}, fmt.Errorf("%w: %w", ledger.ErrOracleUnavailable, err)
	}
	return price, nil
}

func (o *Oracle) latestPrice(ctx context.Context) (ledger.Price, error) {
	decimals, err := o.Decimals(ctx)
	if err != nil {
		return ledger.Price{}, err
	}

	return util.RetryWithValue(ctx, o.cfg.Retry, "latestRoundData", func() (ledger.Price, error) {
		callCtx, cancel := o.callContext(ctx)
		defer cancel()

		round, err := o.source.LatestRoundData(callCtx)
		if err != nil {
			return ledger.Price{}, err
		}
		price, err := o.validate(round, decimals)
		if err != nil {
			// validation failures are not retried
			return ledger.Price{}, util.Permanent(err)
		}
		return price, nil
	})
}

func (o *Oracle) validate(round RoundData, decimals uint8) (ledger.Price, error) {
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return ledger.Price{}, ErrNonPositiveAnswer
	}
	if round.UpdatedAt == nil || round.UpdatedAt.Sign() == 0 {
		return ledger.Price{}, ErrIncompleteRound
	}
	if round.RoundID != nil && round.AnsweredInRound != nil && round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return ledger.Price{}, ErrStaleRound
	}

	updatedAt := time.Unix(round.UpdatedAt.Int64(), 0).UTC()
	if o.cfg.MaxStaleness > 0 {
		o.mu.RLock()
		now := o.now()
		o.mu.RUnlock()
		if age := now.Sub(updatedAt); age > o.cfg.MaxStaleness {
			return ledger.Price{}, fmt.Errorf("%w: updated %s ago", ErrStalePrice, age.Truncate(time.Second))
		}
	}

	answer, overflow := uint256.FromBig(round.Answer)
	if overflow {
		return ledger.Price{}, fmt.Errorf("answer overflows uint256")
	}
	return ledger.Price{
		Answer:    answer,
		Decimals:  decimals,
		RoundID:   round.RoundID,
		UpdatedAt: updatedAt,
	}, nil
}

// Decimals returns the feed decimals. The value is read once and cached.
func (o *Oracle) Decimals(ctx context.Context) (uint8, error) {
	o.mu.RLock()
	cached := o.decimals
	o.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	d, err := util.RetryWithValue(ctx, o.cfg.Retry, "decimals", func() (uint8, error) {
		callCtx, cancel := o.callContext(ctx)
		defer cancel()
		return o.source.Decimals(callCtx)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read feed decimals: %w", err)
	}

	o.mu.Lock()
	o.decimals = &d
	o.mu.Unlock()
	return d, nil
}

// Info returns the feed address, description and decimals.
func (o *Oracle) Info(ctx context.Context) (FeedInfo, error) {
	decimals, err := o.Decimals(ctx)
	if err != nil {
		return FeedInfo{}, fmt.Errorf("%w: %w", ledger.ErrOracleUnavailable, err)
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	desc, err := o.source.Description(callCtx)
	if err != nil {
		return FeedInfo{}, fmt.Errorf("%w: %w", ledger.ErrOracleUnavailable, err)
	}
	return FeedInfo{Address: o.source.Address(), Description: desc, Decimals: decimals}, nil
}

// Address returns the feed address.
func (o *Oracle) Address() common.Address {
	return o.source.Address()
}

func (o *Oracle) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

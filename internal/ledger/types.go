package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LockPolicy selects how the lock period of a stake is chosen.
type LockPolicy string

const (
	// LockPolicyFixed applies MinLockPeriod to every stake and ignores the
	// requested period.
	LockPolicyFixed LockPolicy = "fixed"
	// LockPolicyCaller uses the requested period, which must be at least
	// MinLockPeriod.
	LockPolicyCaller LockPolicy = "caller"
)

// IsValid reports whether p is a known lock policy.
func (p LockPolicy) IsValid() bool {
	return p == LockPolicyFixed || p == LockPolicyCaller
}

// WithdrawalMode selects withdrawal granularity.
type WithdrawalMode string

const (
	// WithdrawalFull releases the whole position at once.
	WithdrawalFull WithdrawalMode = "full"
	// WithdrawalPartial allows releasing any amount up to the locked total,
	// burning a proportional share of the minted reward.
	WithdrawalPartial WithdrawalMode = "partial"
)

// IsValid reports whether m is a known withdrawal mode.
func (m WithdrawalMode) IsValid() bool {
	return m == WithdrawalFull || m == WithdrawalPartial
}

// Config holds the ledger policy. It is set once at construction.
type Config struct {
	LockPolicy         LockPolicy
	MinLockPeriod      time.Duration
	WithdrawalMode     WithdrawalMode
	CollateralDecimals uint8
	RewardDecimals     uint8

	// CallTimeout bounds each issuer and vault call. Those calls never see
	// the caller's cancellation. Zero means no bound.
	CallTimeout time.Duration
}

// DefaultConfig mirrors the reference deployment: a fixed 180 day lock,
// all-or-nothing withdrawal, ETH collateral and an 18 decimal reward token.
func DefaultConfig() Config {
	return Config{
		LockPolicy:         LockPolicyFixed,
		MinLockPeriod:      180 * 24 * time.Hour,
		WithdrawalMode:     WithdrawalFull,
		CollateralDecimals: 18,
		RewardDecimals:     18,
		CallTimeout:        5 * time.Minute,
	}
}

// Validate checks the policy for consistency.
func (c Config) Validate() error {
	if !c.LockPolicy.IsValid() {
		return fmt.Errorf("invalid lock policy: %q", c.LockPolicy)
	}
	if !c.WithdrawalMode.IsValid() {
		return fmt.Errorf("invalid withdrawal mode: %q", c.WithdrawalMode)
	}
	if c.MinLockPeriod < 0 {
		return fmt.Errorf("min lock period must not be negative")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative")
	}
	if c.MinLockPeriod%time.Second != 0 {
		return fmt.Errorf("min lock period must be whole seconds, got %s", c.MinLockPeriod)
	}
	if c.CollateralDecimals > maxDecimals || c.RewardDecimals > maxDecimals {
		return fmt.Errorf("decimals must not exceed %d", maxDecimals)
	}
	return nil
}

// StakeRecord is the live position of one account. uint256.Int is an array
// type, so copying a record copies its amounts.
type StakeRecord struct {
	Locked     uint256.Int   // wei currently held for the account
	Minted     uint256.Int   // reward units issued against the current stake
	LockPeriod time.Duration // period chosen at the latest deposit
	StartTime  time.Time     // time of the latest deposit, second precision
}

// IsZero reports whether the record holds no collateral.
func (r StakeRecord) IsZero() bool {
	return r.Locked.IsZero()
}

// UnlockTime returns the earliest time a withdrawal is allowed.
func (r StakeRecord) UnlockTime() time.Time {
	return r.StartTime.Add(r.LockPeriod)
}

// Price is an oracle answer: Answer / 10^Decimals USD per unit of collateral.
type Price struct {
	Answer    *uint256.Int
	Decimals  uint8
	RoundID   *big.Int
	UpdatedAt time.Time
}

// Event types published after a successful mutation.
const (
	EventStaked    = "Staked"
	EventWithdrawn = "Withdrawn"
)

// Event describes a committed ledger mutation.
type Event struct {
	Type          string
	Account       common.Address
	Deposit       uint256.Int // Staked only
	Minted        uint256.Int // Staked only
	LockPeriod    time.Duration
	Price         uint256.Int // Staked only
	PriceDecimals uint8
	Returned      uint256.Int // Withdrawn only
	Burned        uint256.Int // Withdrawn only
	Timestamp     time.Time
}

// StakeResult is returned by a successful Stake.
type StakeResult struct {
	Minted uint256.Int
	Record StakeRecord
	Event  Event
}

// WithdrawResult is returned by a successful withdrawal.
type WithdrawResult struct {
	Returned uint256.Int
	Burned   uint256.Int
	Record   StakeRecord // remaining position, zero after a full withdrawal
	Event    Event
}

// ReconcileReport compares vault custody with the ledger's locked total.
type ReconcileReport struct {
	Custody uint256.Int
	Locked  uint256.Int
	Surplus uint256.Int
}

// PriceOracle provides the collateral price in USD.
type PriceOracle interface {
	LatestPrice(ctx context.Context) (Price, error)
}

// RewardIssuer mints and burns the reward token. Both calls either complete
// or return an error. An error wrapping ErrSettlementPending, or a context
// error, means the call may still take effect.
type RewardIssuer interface {
	Mint(ctx context.Context, account common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, account common.Address, amount *uint256.Int) error
}

// CollateralVault holds the staked collateral.
type CollateralVault interface {
	// Receive takes custody of collateral attached to a stake. It moves no
	// funds, so any error is rolled back.
	Receive(ctx context.Context, account common.Address, amount *uint256.Int) error
	// Release returns collateral to the account. Errors follow the
	// RewardIssuer rules.
	Release(ctx context.Context, account common.Address, amount *uint256.Int) error
	// Balance reports the collateral currently in custody.
	Balance(ctx context.Context) (*uint256.Int, error)
}

// Store persists one StakeRecord per account.
type Store interface {
	Get(account common.Address) (StakeRecord, bool, error)
	Put(account common.Address, rec StakeRecord) error
	Delete(account common.Address) error
	ForEach(fn func(account common.Address, rec StakeRecord) error) error
}

// EventSink receives committed events.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// Recorder receives operational measurements.
type Recorder interface {
	RecordOperation(op, outcome string, d time.Duration)
	RecordTotals(locked, minted *uint256.Int, stakers int)
	RecordPrice(p Price)
	RecordEventFailure(eventType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string, time.Duration) {}
func (nopRecorder) RecordTotals(*uint256.Int, *uint256.Int, int)  {}
func (nopRecorder) RecordPrice(Price)                             {}
func (nopRecorder) RecordEventFailure(string)                     {}

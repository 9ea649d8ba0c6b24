package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StakeOf returns the position of account. Unknown accounts yield a zero
// record. Queries observe committed state only.
func (l *Ledger) StakeOf(account common.Address) (StakeRecord, error) {
	rec, ok, err := l.store.Get(account)
	if err != nil {
		return StakeRecord{}, fmt.Errorf("failed to read stake record: %w", err)
	}
	if !ok {
		return StakeRecord{}, nil
	}
	return rec, nil
}

// LockedAmount returns the collateral locked for account.
func (l *Ledger) LockedAmount(account common.Address) (*uint256.Int, error) {
	rec, err := l.StakeOf(account)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&rec.Locked), nil
}

// MintedReward returns the reward minted against the current stake of account.
func (l *Ledger) MintedReward(account common.Address) (*uint256.Int, error) {
	rec, err := l.StakeOf(account)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&rec.Minted), nil
}

// RemainingLock returns how long until account may withdraw. It is zero for
// unknown accounts and for positions already unlocked.
func (l *Ledger) RemainingLock(account common.Address) (time.Duration, error) {
	rec, err := l.StakeOf(account)
	if err != nil {
		return 0, err
	}
	if rec.IsZero() {
		return 0, nil
	}
	remaining := rec.UnlockTime().Sub(l.timestamp())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// CurrentPrice returns the latest oracle price.
func (l *Ledger) CurrentPrice(ctx context.Context) (Price, error) {
	p, err := l.oracle.LatestPrice(ctx)
	if err != nil {
		if !errors.Is(err, ErrOracleUnavailable) {
			err = fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
		}
		return Price{}, err
	}
	l.recorder.RecordPrice(p)
	return p, nil
}

// TotalLocked returns the collateral locked across all accounts.
func (l *Ledger) TotalLocked() *uint256.Int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return new(uint256.Int).Set(&l.totalLocked)
}

// TotalMinted returns the outstanding reward across all accounts.
func (l *Ledger) TotalMinted() *uint256.Int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return new(uint256.Int).Set(&l.totalMinted)
}

// Stakers returns the number of accounts with an active position.
func (l *Ledger) Stakers() int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.stakers
}

// Policy returns the ledger configuration.
func (l *Ledger) Policy() Config {
	return l.cfg
}

// MinimumLockPeriod returns the configured minimum lock period.
func (l *Ledger) MinimumLockPeriod() time.Duration {
	return l.cfg.MinLockPeriod
}

// Reconcile compares the vault's custody balance with the locked total.
// Custody below the total is reported as ErrCustodyMismatch; a surplus
// (collateral sent without a stake) is allowed and reported.
func (l *Ledger) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	custody, err := l.vault.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault balance: %w", err)
	}

	report := &ReconcileReport{Custody: *custody, Locked: *l.TotalLocked()}
	if report.Custody.Lt(&report.Locked) {
		return report, fmt.Errorf("%w: custody %s, locked %s", ErrCustodyMismatch, report.Custody.Dec(), report.Locked.Dec())
	}
	report.Surplus.Sub(&report.Custody, &report.Locked)
	return report, nil
}

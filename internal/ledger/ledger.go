package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/logging"
)

// opKey marks a context that is already inside a mutating ledger operation.
type opKey struct{}

// Ledger tracks collateral positions and the reward minted against them.
//
// Stake and Withdraw run one at a time: the operation slot is held for the
// whole operation, external calls included. Capabilities receive a context
// that carries a marker for this ledger; a nested mutating call made with
// that context fails with ErrReentrantCall. A caller whose context can never
// be cancelled is refused with ErrReentrantCall while the slot holder is
// inside a capability call, because that caller may be the capability
// calling back. Other callers wait for the slot until their context is done.
// Queries take only stateMu and never wait behind an in-flight operation's
// external calls.
//
// Issuer and vault calls run on a context detached from the caller and
// bounded by Config.CallTimeout. Once a reward or collateral movement may
// have been sent, a failure with an unknown outcome is never compensated:
// the operation returns ErrSettlementPending and keeps its record changes.
type Ledger struct {
	cfg    Config
	store  Store
	oracle PriceOracle
	issuer RewardIssuer
	vault  CollateralVault

	sink     EventSink
	recorder Recorder
	now      func() time.Time

	// opSem is the operation slot; inCall is set while its holder is
	// inside a capability call.
	opSem  chan struct{}
	inCall atomic.Bool

	// stateMu guards the totals, the clock and the sink.
	stateMu     sync.RWMutex
	totalLocked uint256.Int
	totalMinted uint256.Int
	stakers     int
}

// New creates a ledger over the given capabilities. Totals are rebuilt from
// the records already in store.
func New(cfg Config, store Store, oracle PriceOracle, issuer RewardIssuer, vault CollateralVault) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger config: %w", err)
	}
	if store == nil || oracle == nil || issuer == nil || vault == nil {
		return nil, errors.New("ledger requires store, oracle, issuer and vault")
	}

	l := &Ledger{
		cfg:      cfg,
		store:    store,
		oracle:   oracle,
		issuer:   issuer,
		vault:    vault,
		recorder: nopRecorder{},
		now:      time.Now,
		opSem:    make(chan struct{}, 1),
	}

	err := store.ForEach(func(_ common.Address, rec StakeRecord) error {
		if rec.IsZero() {
			return nil
		}
		if _, overflow := l.totalLocked.AddOverflow(&l.totalLocked, &rec.Locked); overflow {
			return fmt.Errorf("%w: locked total", ErrArithmeticOverflow)
		}
		if _, overflow := l.totalMinted.AddOverflow(&l.totalMinted, &rec.Minted); overflow {
			return fmt.Errorf("%w: minted total", ErrArithmeticOverflow)
		}
		l.stakers++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load stake records: %w", err)
	}

	logging.Info("ledger initialized",
		"lock_policy", string(cfg.LockPolicy),
		"min_lock_period", cfg.MinLockPeriod.String(),
		"withdrawal_mode", string(cfg.WithdrawalMode),
		"stakers", l.stakers,
		"total_locked", l.totalLocked.Dec(),
		logging.Component("ledger"))

	return l, nil
}

// SetEventSink sets where committed events are published.
func (l *Ledger) SetEventSink(sink EventSink) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.sink = sink
}

// SetRecorder sets the metrics recorder.
func (l *Ledger) SetRecorder(r Recorder) {
	l.opSem <- struct{}{}
	defer l.release()
	if r == nil {
		r = nopRecorder{}
	}
	l.recorder = r
	l.stateMu.RLock()
	r.RecordTotals(&l.totalLocked, &l.totalMinted, l.stakers)
	l.stateMu.RUnlock()
}

// SetClock replaces the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.now = now
}

// Stake locks deposit for account and mints reward at the current price.
// A repeat stake adds to the existing position and restarts its lock from
// now with the newly chosen period.
func (l *Ledger) Stake(ctx context.Context, account common.Address, deposit *uint256.Int, lockPeriod time.Duration) (*StakeResult, error) {
	started := time.Now()
	res, err := l.stake(ctx, account, deposit, lockPeriod)
	l.finish(ctx, "stake", account, started, err)
	if err != nil {
		return nil, err
	}
	l.publish(ctx, res.Event)
	return res, nil
}

// Withdraw releases the whole position of account and burns everything
// minted against it.
func (l *Ledger) Withdraw(ctx context.Context, account common.Address) (*WithdrawResult, error) {
	started := time.Now()
	res, err := l.withdraw(ctx, account, nil)
	l.finish(ctx, "withdraw", account, started, err)
	if err != nil {
		return nil, err
	}
	l.publish(ctx, res.Event)
	return res, nil
}

// WithdrawAmount releases part of the position of account. It is only
// available in partial withdrawal mode.
func (l *Ledger) WithdrawAmount(ctx context.Context, account common.Address, amount *uint256.Int) (*WithdrawResult, error) {
	started := time.Now()
	var (
		res *WithdrawResult
		err error
	)
	switch {
	case l.cfg.WithdrawalMode != WithdrawalPartial:
		err = ErrWithdrawalModeMismatch
	case amount == nil || amount.IsZero():
		err = fmt.Errorf("%w: zero withdrawal", ErrInsufficientFunds)
	default:
		res, err = l.withdraw(ctx, account, amount)
	}
	l.finish(ctx, "withdraw", account, started, err)
	if err != nil {
		return nil, err
	}
	l.publish(ctx, res.Event)
	return res, nil
}

func (l *Ledger) stake(ctx context.Context, account common.Address, deposit *uint256.Int, requested time.Duration) (*StakeResult, error) {
	opCtx, err := l.enter(ctx)
	if err != nil {
		return nil, err
	}

	if deposit == nil || deposit.IsZero() {
		return nil, fmt.Errorf("%w: zero deposit", ErrInsufficientFunds)
	}
	period, err := l.lockPeriodFor(requested)
	if err != nil {
		return nil, err
	}

	if err := l.acquire(opCtx); err != nil {
		return nil, err
	}
	defer l.release()

	l.inCall.Store(true)
	price, err := l.oracle.LatestPrice(opCtx)
	l.inCall.Store(false)
	if err != nil {
		if !errors.Is(err, ErrOracleUnavailable) {
			err = fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
		}
		return nil, err
	}
	l.recorder.RecordPrice(price)

	minted, err := RewardFor(deposit, price, l.cfg.CollateralDecimals, l.cfg.RewardDecimals)
	if err != nil {
		return nil, err
	}

	prev, existed, err := l.store.Get(account)
	if err != nil {
		return nil, fmt.Errorf("failed to read stake record: %w", err)
	}

	next := prev
	if _, overflow := next.Locked.AddOverflow(&prev.Locked, deposit); overflow {
		return nil, fmt.Errorf("%w: locked amount", ErrArithmeticOverflow)
	}
	if _, overflow := next.Minted.AddOverflow(&prev.Minted, minted); overflow {
		return nil, fmt.Errorf("%w: minted amount", ErrArithmeticOverflow)
	}
	next.LockPeriod = period
	next.StartTime = l.timestamp()

	before := l.snapshotTotals()
	after := before
	if _, overflow := after.locked.AddOverflow(&before.locked, deposit); overflow {
		return nil, fmt.Errorf("%w: total locked", ErrArithmeticOverflow)
	}
	if _, overflow := after.minted.AddOverflow(&before.minted, minted); overflow {
		return nil, fmt.Errorf("%w: total minted", ErrArithmeticOverflow)
	}
	if !existed || prev.IsZero() {
		after.stakers++
	}

	// Effects first.
	if err := l.store.Put(account, next); err != nil {
		return nil, fmt.Errorf("failed to write stake record: %w", err)
	}
	l.setTotals(after)

	restore := func() error {
		l.setTotals(before)
		if existed {
			return l.store.Put(account, prev)
		}
		return l.store.Delete(account)
	}

	err = l.call(opCtx, func(ctx context.Context) error {
		return l.vault.Receive(ctx, account, deposit)
	})
	if err != nil {
		if rerr := restore(); rerr != nil {
			return nil, l.compensationFailed("stake", account, err, rerr)
		}
		l.auditRollback("stake", account, "vault receive failed", err)
		return nil, fmt.Errorf("failed to receive collateral: %w", err)
	}

	err = l.call(opCtx, func(ctx context.Context) error {
		return l.issuer.Mint(ctx, account, minted)
	})
	if err != nil {
		if outcomeUnknown(err) {
			// the deposit stays credited; the mint may still land
			return nil, l.settlementPending("stake", account, "mint", err)
		}
		refundErr := l.call(opCtx, func(ctx context.Context) error {
			return l.vault.Release(ctx, account, deposit)
		})
		rerr := restore()
		if refundErr != nil || rerr != nil {
			return nil, l.compensationFailed("stake", account, err, errors.Join(refundErr, rerr))
		}
		l.auditRollback("stake", account, "mint failed", err)
		return nil, fmt.Errorf("failed to mint reward: %w", err)
	}

	ev := Event{
		Type:          EventStaked,
		Account:       account,
		Deposit:       *deposit,
		Minted:        *minted,
		LockPeriod:    period,
		Price:         *price.Answer,
		PriceDecimals: price.Decimals,
		Timestamp:     next.StartTime,
	}
	return &StakeResult{Minted: *minted, Record: next, Event: ev}, nil
}

// withdraw releases amount, or the whole position when amount is nil.
func (l *Ledger) withdraw(ctx context.Context, account common.Address, amount *uint256.Int) (*WithdrawResult, error) {
	opCtx, err := l.enter(ctx)
	if err != nil {
		return nil, err
	}

	if err := l.acquire(opCtx); err != nil {
		return nil, err
	}
	defer l.release()

	rec, ok, err := l.store.Get(account)
	if err != nil {
		return nil, fmt.Errorf("failed to read stake record: %w", err)
	}
	if !ok || rec.IsZero() {
		return nil, ErrNoActiveStake
	}

	now := l.timestamp()
	if now.Sub(rec.StartTime) < rec.LockPeriod {
		return nil, fmt.Errorf("%w: unlocks at %s", ErrLockPeriodNotElapsed, rec.UnlockTime().UTC().Format(time.RFC3339))
	}

	if amount == nil {
		amount = new(uint256.Int).Set(&rec.Locked)
	}
	if amount.Gt(&rec.Locked) {
		return nil, fmt.Errorf("%w: requested %s, locked %s", ErrExcessiveWithdrawal, amount.Dec(), rec.Locked.Dec())
	}
	burn, err := ProportionalBurn(&rec.Minted, &rec.Locked, amount)
	if err != nil {
		return nil, err
	}

	next := rec
	next.Locked.Sub(&rec.Locked, amount)
	next.Minted.Sub(&rec.Minted, burn)
	closing := next.Locked.IsZero()
	if closing {
		next = StakeRecord{}
	}

	before := l.snapshotTotals()
	after := before
	after.locked.Sub(&before.locked, amount)
	after.minted.Sub(&before.minted, burn)
	if closing {
		after.stakers--
	}

	// Effects first: the record is gone before any external call.
	if closing {
		err = l.store.Delete(account)
	} else {
		err = l.store.Put(account, next)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write stake record: %w", err)
	}
	l.setTotals(after)

	restore := func() error {
		l.setTotals(before)
		return l.store.Put(account, rec)
	}

	if !burn.IsZero() {
		err := l.call(opCtx, func(ctx context.Context) error {
			return l.issuer.Burn(ctx, account, burn)
		})
		if err != nil {
			if outcomeUnknown(err) {
				return nil, l.settlementPending("withdraw", account, "burn", err)
			}
			if rerr := restore(); rerr != nil {
				return nil, l.compensationFailed("withdraw", account, err, rerr)
			}
			l.auditRollback("withdraw", account, "burn failed", err)
			return nil, fmt.Errorf("failed to burn reward: %w", err)
		}
	}

	err = l.call(opCtx, func(ctx context.Context) error {
		return l.vault.Release(ctx, account, amount)
	})
	if err != nil {
		if outcomeUnknown(err) {
			// the release may be mined; restoring the record would let the
			// same collateral be withdrawn twice
			return nil, l.settlementPending("withdraw", account, "release", err)
		}
		var remintErr error
		if !burn.IsZero() {
			remintErr = l.call(opCtx, func(ctx context.Context) error {
				return l.issuer.Mint(ctx, account, burn)
			})
		}
		rerr := restore()
		if remintErr != nil || rerr != nil {
			return nil, l.compensationFailed("withdraw", account, err, errors.Join(remintErr, rerr))
		}
		l.auditRollback("withdraw", account, "vault release failed", err)
		return nil, fmt.Errorf("failed to release collateral: %w", err)
	}

	ev := Event{
		Type:      EventWithdrawn,
		Account:   account,
		Returned:  *amount,
		Burned:    *burn,
		Timestamp: now,
	}
	return &WithdrawResult{Returned: *amount, Burned: *burn, Record: next, Event: ev}, nil
}

func (l *Ledger) enter(ctx context.Context) (context.Context, error) {
	if owner, _ := ctx.Value(opKey{}).(*Ledger); owner == l {
		return nil, ErrReentrantCall
	}
	return context.WithValue(ctx, opKey{}, l), nil
}

// acquire takes the operation slot.
func (l *Ledger) acquire(ctx context.Context) error {
	select {
	case l.opSem <- struct{}{}:
		return nil
	default:
	}
	if ctx.Done() == nil && l.inCall.Load() {
		return ErrReentrantCall
	}
	select {
	case l.opSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight operation: %w", ctx.Err())
	}
}

func (l *Ledger) release() {
	<-l.opSem
}

// call runs fn on a context that keeps the values of ctx but not its
// cancellation, bounded by CallTimeout.
func (l *Ledger) call(ctx context.Context, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if l.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
	}
	l.inCall.Store(true)
	defer l.inCall.Store(false)
	return fn(ctx)
}

// outcomeUnknown reports whether a failed call may still take effect.
func outcomeUnknown(err error) bool {
	return errors.Is(err, ErrSettlementPending) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (l *Ledger) lockPeriodFor(requested time.Duration) (time.Duration, error) {
	if l.cfg.LockPolicy == LockPolicyFixed {
		return l.cfg.MinLockPeriod, nil
	}
	if requested < l.cfg.MinLockPeriod {
		return 0, fmt.Errorf("%w: requested %s, minimum %s", ErrStakingPeriodTooShort, requested, l.cfg.MinLockPeriod)
	}
	return requested.Truncate(time.Second), nil
}

func (l *Ledger) timestamp() time.Time {
	l.stateMu.RLock()
	now := l.now
	l.stateMu.RUnlock()
	return time.Unix(now().Unix(), 0).UTC()
}

type totals struct {
	locked  uint256.Int
	minted  uint256.Int
	stakers int
}

func (l *Ledger) snapshotTotals() totals {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return totals{locked: l.totalLocked, minted: l.totalMinted, stakers: l.stakers}
}

func (l *Ledger) setTotals(t totals) {
	l.stateMu.Lock()
	l.totalLocked = t.locked
	l.totalMinted = t.minted
	l.stakers = t.stakers
	l.stateMu.Unlock()
}

func (l *Ledger) finish(ctx context.Context, op string, account common.Address, started time.Time, err error) {
	outcome := ErrorCode(err)
	l.recorder.RecordOperation(op, outcome, time.Since(started))

	if err != nil {
		logging.WarnContext(ctx, op+" rejected",
			logging.Account(account.Hex()),
			"outcome", outcome,
			logging.Err(err))
		return
	}

	t := l.snapshotTotals()
	l.recorder.RecordTotals(&t.locked, &t.minted, t.stakers)
}

// publish runs after the operation slot is released. Sink failures never undo a committed
// mutation.
func (l *Ledger) publish(ctx context.Context, ev Event) {
	var details string
	switch ev.Type {
	case EventStaked:
		details = fmt.Sprintf("deposit=%s minted=%s lock=%s", ev.Deposit.Dec(), ev.Minted.Dec(), ev.LockPeriod)
	case EventWithdrawn:
		details = fmt.Sprintf("returned=%s burned=%s", ev.Returned.Dec(), ev.Burned.Dec())
	}
	logging.Audit(logging.AuditEvent{
		Operation: auditOperation(ev.Type),
		Actor:     ev.Account.Hex(),
		Target:    ev.Account.Hex(),
		Result:    "success",
		Details:   details,
	})

	l.stateMu.RLock()
	sink := l.sink
	l.stateMu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, ev); err != nil {
		l.recorder.RecordEventFailure(ev.Type)
		logging.ErrorContext(ctx, "failed to publish ledger event",
			"event", ev.Type,
			logging.Account(ev.Account.Hex()),
			logging.Err(err))
	}
}

func auditOperation(eventType string) string {
	if eventType == EventWithdrawn {
		return logging.AuditWithdraw
	}
	return logging.AuditStake
}

func (l *Ledger) auditRollback(op string, account common.Address, reason string, cause error) {
	logging.Audit(logging.AuditEvent{
		Operation: logging.AuditRollback,
		Actor:     account.Hex(),
		Target:    op,
		Result:    "rolled_back",
		Details:   reason + ": " + cause.Error(),
	})
}

func (l *Ledger) settlementPending(op string, account common.Address, step string, cause error) error {
	logging.Audit(logging.AuditEvent{
		Operation: logging.AuditCompensate,
		Actor:     account.Hex(),
		Target:    op,
		Result:    "pending",
		Details:   step + " outcome unknown, record kept: " + cause.Error(),
	})
	if errors.Is(cause, ErrSettlementPending) {
		return fmt.Errorf("%s: %w", step, cause)
	}
	return fmt.Errorf("%w: %s: %w", ErrSettlementPending, step, cause)
}

func (l *Ledger) compensationFailed(op string, account common.Address, cause, compErr error) error {
	logging.Audit(logging.AuditEvent{
		Operation: logging.AuditCompensate,
		Actor:     account.Hex(),
		Target:    op,
		Result:    "failure",
		Details:   fmt.Sprintf("cause: %v; compensation: %v", cause, compErr),
	})
	return fmt.Errorf("%w: %s: %v (compensation: %v)", ErrCompensationFailed, op, cause, compErr)
}

package ledger

import "errors"

// Caller-visible ledger errors. Every failed operation leaves the store and
// the ledger totals exactly as they were before the call, except one that
// returns ErrSettlementPending.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrStakingPeriodTooShort = errors.New("staking period too short")
	ErrNoActiveStake         = errors.New("no active stake")
	ErrLockPeriodNotElapsed  = errors.New("lock period not elapsed")
	ErrOracleUnavailable     = errors.New("oracle unavailable")
	ErrExcessiveWithdrawal   = errors.New("withdrawal exceeds locked amount")
	ErrArithmeticOverflow    = errors.New("arithmetic overflow")

	ErrReentrantCall          = errors.New("re-entrant ledger call")
	ErrWithdrawalModeMismatch = errors.New("operation not allowed in this withdrawal mode")
	ErrCompensationFailed     = errors.New("compensation failed")
	ErrCustodyMismatch        = errors.New("custody balance below locked collateral")
	ErrDepositUsed            = errors.New("deposit already credited")

	// ErrSettlementPending means an issuer or vault call was sent but its
	// outcome is unknown. The operation's effects on the record are kept and
	// nothing is compensated; the outcome must be resolved from the chain.
	ErrSettlementPending = errors.New("settlement pending")
)

// ErrorCode returns a stable identifier for a ledger error, suitable for
// API responses and metric labels. Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, ErrSettlementPending):
		return "settlement_pending"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrStakingPeriodTooShort):
		return "staking_period_too_short"
	case errors.Is(err, ErrNoActiveStake):
		return "no_active_stake"
	case errors.Is(err, ErrLockPeriodNotElapsed):
		return "lock_period_not_elapsed"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrExcessiveWithdrawal):
		return "excessive_withdrawal"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, ErrWithdrawalModeMismatch):
		return "withdrawal_mode_mismatch"
	case errors.Is(err, ErrCustodyMismatch):
		return "custody_mismatch"
	case errors.Is(err, ErrDepositUsed):
		return "deposit_already_used"
	default:
		return "internal"
	}
}

package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// 10^77 is the largest power of ten that fits in 256 bits.
const maxDecimals = 77

// RewardFor converts a collateral deposit into reward units at the given
// price:
//
//	minted = deposit * answer * 10^rewardDecimals / 10^(priceDecimals + collateralDecimals)
//
// The result is floored. It returns ErrArithmeticOverflow when an
// intermediate exceeds 256 bits and ErrInsufficientFunds when the result
// floors to zero.
func RewardFor(deposit *uint256.Int, price Price, collateralDecimals, rewardDecimals uint8) (*uint256.Int, error) {
	if deposit == nil || deposit.IsZero() {
		return nil, ErrInsufficientFunds
	}
	if price.Answer == nil || price.Answer.IsZero() {
		return nil, fmt.Errorf("%w: non-positive price", ErrOracleUnavailable)
	}

	out, overflow := new(uint256.Int).MulOverflow(deposit, price.Answer)
	if overflow {
		return nil, fmt.Errorf("%w: deposit %s times price %s", ErrArithmeticOverflow, deposit.Dec(), price.Answer.Dec())
	}

	shift := int(rewardDecimals) - int(collateralDecimals) - int(price.Decimals)
	switch {
	case shift > 0:
		if shift > maxDecimals {
			return nil, fmt.Errorf("%w: scale 10^%d", ErrArithmeticOverflow, shift)
		}
		if _, overflow = out.MulOverflow(out, pow10(shift)); overflow {
			return nil, fmt.Errorf("%w: scaling by 10^%d", ErrArithmeticOverflow, shift)
		}
	case shift < 0:
		if -shift > maxDecimals {
			out.Clear()
		} else {
			out.Div(out, pow10(-shift))
		}
	}

	if out.IsZero() {
		return nil, fmt.Errorf("%w: deposit %s converts to zero reward", ErrInsufficientFunds, deposit.Dec())
	}
	return out, nil
}

// ProportionalBurn returns the share of minted that corresponds to
// withdrawing amount out of locked, floored. Withdrawing the whole position
// burns the whole minted balance.
func ProportionalBurn(minted, locked, amount *uint256.Int) (*uint256.Int, error) {
	if amount.Eq(locked) {
		return new(uint256.Int).Set(minted), nil
	}
	if locked.IsZero() {
		return nil, ErrNoActiveStake
	}
	burn, overflow := new(uint256.Int).MulDivOverflow(minted, amount, locked)
	if overflow {
		return nil, fmt.Errorf("%w: burn share", ErrArithmeticOverflow)
	}
	return burn, nil
}

func pow10(n int) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

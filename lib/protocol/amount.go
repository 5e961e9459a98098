package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("protocol: amount is not a decimal number")
	ErrNegativeAmount = errors.New("protocol: amount is negative")
)

// ParseAmount parses a decimal token amount such as "0.50". Only plain
// decimal notation is accepted: no exponents, no NaN or Inf, no sign other
// than an optional leading minus (which is then rejected as negative).
func ParseAmount(amount string) (decimal.Decimal, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" || strings.ContainsAny(amount, "eE") {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNegativeAmount, amount)
	}

	return d, nil
}

// ToBaseUnits converts a decimal token amount to the token's smallest unit:
// round(amount * 10^decimals). Rounding is half away from zero, matching the
// arithmetic Math.round the wallets use when building the transfer.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	return d.Shift(decimals).Round(0).BigInt(), nil
}

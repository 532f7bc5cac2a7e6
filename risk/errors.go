package risk

import "errors"

var (
	ErrFeeTooHigh     = errors.New("priority fee above ceiling")
	ErrAmountTooSmall = errors.New("execution amount too small")
)

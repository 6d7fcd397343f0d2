package models

import "github.com/pkg/errors"

var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidState          = errors.New("invalid state")
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrMarketHalted is returned by a market stopped after an internal inconsistency
	ErrMarketHalted = errors.Wrap(ErrInternalInconsistency, "market halted")
)

package market

import "errors"

var (
	// ErrBreakerOpen is returned when the circuit breaker blocks a fetch
	// and no cached value exists to serve instead.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrInsufficientData is returned when bootstrap cannot collect even
	// the minimum viable history for a symbol.
	ErrInsufficientData = errors.New("insufficient candle history")
)

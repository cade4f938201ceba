package engine

import "errors"

var (
	// ErrMarketNotFound rejects an order targeting an unknown market.
	// Fatal to the request, never to the engine.
	ErrMarketNotFound = errors.New("market not found")
	// ErrOrderNotFound rejects a cancel for an order not resting in the book.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnsupportedMessage rejects message kinds the engine does not process.
	ErrUnsupportedMessage = errors.New("unsupported message type")
)

package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest market price per option
// series. The engine only reads from it; the quote feed writes.
type PriceCache interface {
	SetPrice(ctx context.Context, seriesCode string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, seriesCode string) (decimal.Decimal, time.Time, error)
}

// LockManager serializes mutations per position. Acquire returns ErrLockHeld
// when another holder owns the key; AcquireWait blocks (polling) until the
// lock is obtained or ctx is cancelled.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	AcquireWait(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for position lifecycle events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

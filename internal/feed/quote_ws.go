// Package feed keeps the price cache current from an external market-data
// websocket. The engine itself never talks to the market; it only reads the
// cached quote when valuing open quantity.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
)

// reconnectDelay is how long the feed waits before re-dialing after a
// disconnect.
const reconnectDelay = 2 * time.Second

// quoteMessage is the wire format of one quote from the market-data endpoint.
// Prices arrive as decimal strings.
type quoteMessage struct {
	Series string `json:"series"`
	Price  string `json:"price"`
	TsMs   int64  `json:"ts"`
}

// subscribeMessage requests quotes for a set of option series.
type subscribeMessage struct {
	Action string   `json:"action"`
	Series []string `json:"series"`
}

// QuoteFeed connects to a market-data websocket, subscribes to the given
// option series, and writes every quote into the price cache. It reconnects
// on disconnect and runs until the context is cancelled.
type QuoteFeed struct {
	wsURL  string
	series []string
	prices domain.PriceCache
	logger *slog.Logger
}

// NewQuoteFeed creates a feed that subscribes to the given series codes.
func NewQuoteFeed(wsURL string, series []string, prices domain.PriceCache, logger *slog.Logger) *QuoteFeed {
	return &QuoteFeed{
		wsURL:  wsURL,
		series: series,
		prices: prices,
		logger: logger.With(slog.String("component", "quote_feed")),
	}
}

// Run connects and consumes quotes until ctx is cancelled.
func (f *QuoteFeed) Run(ctx context.Context) error {
	if len(f.series) == 0 {
		f.logger.Info("no series to subscribe, exiting")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("quote feed disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *QuoteFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	// Close the connection when the context is cancelled so ReadMessage
	// unblocks.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	sub := subscribeMessage{Action: "subscribe", Series: f.series}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("quote feed subscribed", slog.Int("series", len(f.series)))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, data)
	}
}

func (f *QuoteFeed) handleMessage(ctx context.Context, data []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("malformed quote message", slog.String("error", err.Error()))
		return
	}
	if msg.Series == "" || msg.Price == "" {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		f.logger.Warn("unparseable quote price",
			slog.String("series", msg.Series),
			slog.String("price", msg.Price),
		)
		return
	}

	ts := time.UnixMilli(msg.TsMs)
	if msg.TsMs == 0 {
		ts = time.Now().UTC()
	}

	if err := f.prices.SetPrice(ctx, msg.Series, price, ts); err != nil {
		f.logger.Warn("price cache write failed",
			slog.String("series", msg.Series),
			slog.String("error", err.Error()),
		)
	}
}

// Package events publishes listing events for downstream consumers such as
// the notification layer.
package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PriceDrop is emitted when a tracked listing's price falls.
type PriceDrop struct {
	ListingID  int64     `json:"listing_id"`
	Source     string    `json:"source"`
	URL        string    `json:"url"`
	OldPrice   int64     `json:"old_price"`
	NewPrice   int64     `json:"new_price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Percent returns the relative drop, e.g. 0.1 for a 10% drop.
func (p PriceDrop) Percent() float64 {
	if p.OldPrice <= 0 {
		return 0
	}
	return float64(p.OldPrice-p.NewPrice) / float64(p.OldPrice)
}

// Publisher delivers price-drop events.
type Publisher interface {
	PublishPriceDrop(ctx context.Context, e PriceDrop) error
}

// RedisPublisher appends events to a Redis stream.
type RedisPublisher struct {
	redis  redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisPublisher writes to stream, trimming it to roughly maxLen entries
// when maxLen is positive.
func NewRedisPublisher(rdb redis.Cmdable, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{redis: rdb, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) PublishPriceDrop(ctx context.Context, e PriceDrop) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type":        "price_drop",
			"listing_id":  strconv.FormatInt(e.ListingID, 10),
			"source":      e.Source,
			"url":         e.URL,
			"old_price":   strconv.FormatInt(e.OldPrice, 10),
			"new_price":   strconv.FormatInt(e.NewPrice, 10),
			"recorded_at": e.RecordedAt.UTC().Format(time.RFC3339),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.redis.XAdd(ctx, args).Err()
}

// LogPublisher only logs events. It is used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishPriceDrop(_ context.Context, e PriceDrop) error {
	p.logger.Info("price drop",
		slog.Int64("listing_id", e.ListingID),
		slog.String("source", e.Source),
		slog.Int64("old_price", e.OldPrice),
		slog.Int64("new_price", e.NewPrice),
		slog.Float64("drop_pct", e.Percent()*100),
	)
	return nil
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const traceStreamPrefix = "maestro:trace:"

// traceStreamMaxLen caps each user's stream; older entries are trimmed.
const traceStreamMaxLen = 1000

// TraceBus publishes orchestration traces to per-user Redis Streams so
// dashboards and offline analysis can follow routing decisions.
type TraceBus struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewTraceBus creates a bus on an existing client.
func NewTraceBus(rdb redis.UniversalClient, logger *zap.Logger) *TraceBus {
	return &TraceBus{rdb: rdb, logger: logger}
}

// Publish appends trace to its user's stream.
func (b *TraceBus) Publish(ctx context.Context, trace *Trace) error {
	data, err := json.Marshal(trace)
	if err != nil {
		return err
	}
	stream := traceStreamPrefix + trace.UserID
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: traceStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published trace",
		zap.String("request", trace.RequestID),
		zap.String("user", trace.UserID))
	return nil
}

// Recent returns up to n of the user's latest traces, newest first.
func (b *TraceBus) Recent(ctx context.Context, userID string, n int64) ([]*Trace, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, traceStreamPrefix+userID, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read traces for %s: %w", userID, err)
	}
	out := make([]*Trace, 0, len(msgs))
	for _, msg := range msgs {
		if t := decodeTrace(msg); t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// Subscribe streams traces published for userID after the call.
// Cancel the context to stop.
func (b *TraceBus) Subscribe(ctx context.Context, userID string) <-chan *Trace {
	ch := make(chan *Trace, 16)
	stream := traceStreamPrefix + userID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Debug("trace read failed", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					t := decodeTrace(msg)
					if t == nil {
						continue
					}
					select {
					case ch <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func decodeTrace(msg redis.XMessage) *Trace {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil
	}
	var t Trace
	if json.Unmarshal([]byte(data), &t) != nil {
		return nil
	}
	return &t
}

// Close shuts down the Redis connection.
func (b *TraceBus) Close() error {
	return b.rdb.Close()
}

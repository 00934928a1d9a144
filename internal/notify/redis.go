// Package notify republishes session events on a Redis pub/sub channel.
package notify

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"posecapture/internal/events"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes JSON-encoded events to a channel.
type Redis struct {
	client  publisher
	closer  io.Closer
	channel string
	log     *slog.Logger
}

// NewRedis connects to addr. A failed ping is logged, not fatal; publishing
// retries the connection on every event.
func NewRedis(addr, password string, db int, channel string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Error("failed to connect to redis", "addr", addr, "error", err)
	} else {
		logger.Info("connected to redis", "addr", addr, "channel", channel)
	}

	return &Redis{client: client, closer: client, channel: channel, log: logger}
}

// Publish sends one event.
func (r *Redis) Publish(ctx context.Context, e events.Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Run publishes events from ch until it closes or ctx ends. Per-tick verdicts
// are only forwarded when they differ from the session's previous one.
func (r *Redis) Run(ctx context.Context, ch <-chan events.Event) {
	last := make(map[string]events.Event)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type == events.TypeVerdict {
				if prev, seen := last[e.Session]; seen && prev.Verdict != nil && e.Verdict != nil && prev.Verdict.Equal(*e.Verdict) {
					continue
				}
				last[e.Session] = e
			}
			if e.Type == events.TypeSessionClosed {
				delete(last, e.Session)
			}
			if err := r.Publish(ctx, e); err != nil {
				r.log.Warn("redis publish failed", "session", e.Session, "type", e.Type, "error", err)
			}
		}
	}
}

// Close releases the client connection.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

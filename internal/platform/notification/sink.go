package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSink publishes each notification as JSON on a pub/sub channel. A
// delivery worker outside this service subscribes and fans out to email, SMS
// or push.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects using a redis:// URL.
func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts), channel: channel}, nil
}

func (s *RedisSink) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// LogSink writes notifications to the service log. It is the fallback when
// no Redis URL is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSink) Send(_ context.Context, n *Notification) error {
	s.logger.Info().
		Str("notification_id", n.ID).
		Str("recipient", n.Recipient).
		Str("body", n.Body).
		Msg("notification")
	return nil
}

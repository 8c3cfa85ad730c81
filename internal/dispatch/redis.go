package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "calfeed:events"

const redisPublishTimeout = 3 * time.Second

// Message is the JSON envelope published on the Redis channel.
type Message struct {
	Type    string              `json:"type"`
	Batch   *model.Batch        `json:"batch,omitempty"`
	Failure *model.FetchFailure `json:"failure,omitempty"`
}

const (
	MessageBatch   = "batch"
	MessageFailure = "failure"
)

// Redis publishes every batch and failure as a Message on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to the server described by rawURL
// (redis://[:password@]host:port/db) and verifies it with PING.
func NewRedis(ctx context.Context, rawURL, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	appLog.Info("redis dispatcher connected", "addr", opts.Addr, "channel", channelOrDefault(channel))
	return NewRedisWithClient(client, channel), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channelOrDefault(channel)}
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return DefaultRedisChannel
	}
	return channel
}

func (r *Redis) Emit(ctx context.Context, b model.Batch) {
	r.publish(ctx, b.SourceID, Message{Type: MessageBatch, Batch: &b})
}

func (r *Redis) EmitError(ctx context.Context, f model.FetchFailure) {
	r.publish(ctx, f.SourceID, Message{Type: MessageFailure, Failure: &f})
}

func (r *Redis) publish(ctx context.Context, sourceID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		appLog.Error("redis dispatch marshal failed", err, "id", sourceID, "type", msg.Type)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		appLog.Error("redis dispatch publish failed", err, "id", sourceID, "type", msg.Type, "channel", r.channel)
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/retry"
)

// ConsumerConfig configures a StreamConsumer.
type ConsumerConfig struct {
	Stream string
	// Group and Consumer enable XREADGROUP mode. Without a group the consumer tails the stream
	// from StartID with XREAD.
	Group    string
	Consumer string
	// StartID is only used without a group. Default "$" (new entries only).
	StartID string

	Count int64
	Block time.Duration

	// Backoff paces reconnects after read errors; only the delay fields are used.
	Backoff retry.Config

	Logger *zap.Logger
}

// Handler processes one stream entry. A nil return acknowledges it in group mode; an error leaves
// it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Message is one stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// StreamConsumer reads a stream until its context is cancelled, reconnecting with backoff.
type StreamConsumer struct {
	client *Client
	config ConsumerConfig
	logger *zap.Logger
}

func NewStreamConsumer(client *Client, config ConsumerConfig) (*StreamConsumer, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case config.Stream == "":
		return nil, errors.New("stream name is required")
	case config.Group != "" && config.Consumer == "":
		return nil, errors.New("consumer name is required when using consumer groups")
	}
	if config.StartID == "" {
		config.StartID = "$"
	}
	if config.Count <= 0 {
		config.Count = 100
	}
	if config.Block <= 0 {
		config.Block = 5 * time.Second
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff = retry.Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, JitterEnabled: true}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{
		client: client,
		config: config,
		logger: logger.With(zap.String("stream", config.Stream), zap.String("group", config.Group)),
	}, nil
}

// Run consumes entries and calls handler for each. It returns ctx.Err() on shutdown.
func (sc *StreamConsumer) Run(ctx context.Context, handler Handler) error {
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
			return fmt.Errorf("create consumer group: %w", err)
		}
		sc.logger.Info("Consumer group ready", zap.String("consumer", sc.config.Consumer))
		// redeliver whatever this consumer left pending before a restart
		if err := sc.drain(ctx, handler, "0"); err != nil {
			return err
		}
	}

	lastID := sc.config.StartID
	attempt := 1
	for {
		if ctx.Err() != nil {
			sc.logger.Info("Stream consumer shutting down")
			return ctx.Err()
		}

		messages, err := sc.read(ctx, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			wait := retry.Backoff(sc.config.Backoff, attempt)
			attempt++
			sc.logger.Warn("Stream read failed, will retry", zap.Error(err), zap.Duration("retryIn", wait))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		attempt = 1

		for _, msg := range messages {
			sc.process(ctx, handler, msg)
			if sc.config.Group == "" {
				lastID = msg.ID
			}
		}
	}
}

// drain replays entries already delivered to this consumer but never acknowledged.
func (sc *StreamConsumer) drain(ctx context.Context, handler Handler, from string) error {
	for {
		streams, err := sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, sc.config.Stream, from, sc.config.Count, 0)
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read pending entries: %w", err)
		}
		messages := flatten(streams)
		if len(messages) == 0 {
			return nil
		}
		for _, msg := range messages {
			sc.process(ctx, handler, msg)
		}
		from = messages[len(messages)-1].ID
	}
}

func (sc *StreamConsumer) read(ctx context.Context, lastID string) ([]Message, error) {
	var (
		streams []redis.XStream
		err     error
	)
	if sc.config.Group != "" {
		streams, err = sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, sc.config.Stream, ">", sc.config.Count, sc.config.Block)
	} else {
		streams, err = sc.client.XRead(ctx, sc.config.Stream, lastID, sc.config.Count, sc.config.Block)
	}
	if err != nil {
		return nil, err
	}
	return flatten(streams), nil
}

func flatten(streams []redis.XStream) []Message {
	var messages []Message
	for _, stream := range streams {
		for _, x := range stream.Messages {
			messages = append(messages, Message{ID: x.ID, Stream: stream.Stream, Values: x.Values})
		}
	}
	return messages
}

func (sc *StreamConsumer) process(ctx context.Context, handler Handler, msg Message) {
	if err := handler(ctx, msg); err != nil {
		sc.logger.Error("Error processing stream entry", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if sc.config.Group == "" {
		return
	}
	if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); err != nil {
		sc.logger.Warn("Failed to acknowledge entry", zap.String("id", msg.ID), zap.Error(err))
	}
}

// GetData returns the "data" field, or nil when absent.
func (m *Message) GetData() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}

// Decode unmarshals the "data" field into v.
func (m *Message) Decode(v any) error {
	data := m.GetData()
	if data == nil {
		return fmt.Errorf("stream entry %s has no data field", m.ID)
	}
	return json.Unmarshal(data, v)
}

// EntryUUID derives a stable id from the stream name and entry id, so every redelivery of an
// entry maps to the same id.
func (m *Message) EntryUUID() uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("redis-stream:"+m.Stream+"/"+m.ID))
}

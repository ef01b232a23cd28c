package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultStream = "orders-sync:messages"
	DefaultGroup  = "orders-sync"
)

// RedisConfig holds Redis Streams queue configuration.
type RedisConfig struct {
	Stream      string
	Group       string
	Consumer    string
	Concurrency int
	// Pending entries idle longer than ClaimIdle are claimed by this consumer.
	ClaimIdle     time.Duration
	ClaimInterval time.Duration
	Block         time.Duration
}

// RedisQueue is a durable at-least-once queue on a Redis stream with a consumer group.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

func NewRedisQueue(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisQueue {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimIdle == 0 {
		cfg.ClaimIdle = 2 * time.Minute
	}
	if cfg.ClaimInterval == 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	return &RedisQueue{client: client, cfg: cfg, logger: logger}
}

// Enqueue appends all tasks in one pipeline.
func (q *RedisQueue) Enqueue(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}

	pipe := q.client.Pipeline()
	for _, task := range tasks {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Stream,
			ID:     "*",
			Values: map[string]interface{}{"data": string(data)},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.cfg.Stream, err)
	}
	return nil
}

func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	q.logger.Info().
		Str("stream", q.cfg.Stream).
		Str("group", q.cfg.Group).
		Str("consumer", q.cfg.Consumer).
		Int("concurrency", q.cfg.Concurrency).
		Msg("starting stream consumer")

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx, handler)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.claimLoop(ctx, handler)
	}()

	wg.Wait()
	return nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) consume(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Error().Err(err).Msg("error reading from stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handle(ctx, handler, msg)
			}
		}
	}
}

// claimLoop re-delivers entries whose consumer died or never acknowledged them.
func (q *RedisQueue) claimLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.claimPending(ctx, handler)
		}
	}
}

func (q *RedisQueue) claimPending(ctx context.Context, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    start,
			Count:    50,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("error claiming pending entries")
			}
			return
		}

		for _, msg := range msgs {
			q.logger.Info().Str("id", msg.ID).Msg("claimed pending entry")
			q.handle(ctx, handler, msg)
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// handle acknowledges after the handler settles the task. Malformed entries are
// acknowledged and dropped; unsettled ones stay pending for a later claim.
func (q *RedisQueue) handle(ctx context.Context, handler Handler, msg redis.XMessage) {
	task, err := decodeTask(msg)
	if err != nil {
		q.logger.Error().Err(err).Str("id", msg.ID).Msg("dropping malformed entry")
		q.ack(msg.ID)
		return
	}

	if err := handler(context.WithoutCancel(ctx), task); err != nil {
		q.logger.Error().Err(err).
			Str("id", msg.ID).
			Str("job_id", task.JobID).
			Str("message_id", task.MessageID).
			Msg("task not settled, leaving pending")
		return
	}

	q.ack(msg.ID)
}

func (q *RedisQueue) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		q.logger.Error().Err(err).Str("id", id).Msg("error acknowledging entry")
	}
}

func decodeTask(msg redis.XMessage) (Task, error) {
	data, ok := msg.Values["data"]
	if !ok {
		return Task{}, fmt.Errorf("invalid message format: missing data field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return Task{}, fmt.Errorf("invalid message format: data is not a string")
	}

	var task Task
	if err := json.Unmarshal([]byte(dataStr), &task); err != nil {
		return Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.JobID == "" || task.AccountID == "" || task.MessageID == "" {
		return Task{}, fmt.Errorf("incomplete task %q", dataStr)
	}
	return task, nil
}

package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/leaflet/internal/fault"
)

// RedisClient implements Client over Redis Streams via go-redis v9.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient connects to Redis and verifies connectivity with a ping.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fault.Wrap(fault.Transient, err, "redis ping (%s)", addr)
	}

	slog.Info("redis broker connected", "addr", addr, "db", db)
	return &RedisClient{rdb: rdb}, nil
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

func (c *RedisClient) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", classify(ctx, err, "XADD %s", stream)
	}
	return id, nil
}

func (c *RedisClient) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		// Group already exists.
		return nil
	}
	if err != nil {
		return classify(ctx, err, "XGROUP CREATE %s %s", stream, group)
	}
	return nil
}

func (c *RedisClient) ReadGroup(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]StreamBatch, error) {
	// XREADGROUP takes stream names followed by a position per stream;
	// ">" asks for entries never delivered to this group.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    nonBlockingIfZero(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // block timeout, nothing new
	}
	if err != nil {
		return nil, classify(ctx, err, "XREADGROUP %s", group)
	}
	return fromXStreams(res), nil
}

func (c *RedisClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return classify(ctx, err, "XACK %s %s", stream, group)
	}
	return nil
}

func (c *RedisClient) ReadTail(ctx context.Context, streams []string, positions []string, count int64, block time.Duration) ([]StreamBatch, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	args = append(args, positions...)

	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: args,
		Count:   count,
		Block:   nonBlockingIfZero(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(ctx, err, "XREAD")
	}
	return fromXStreams(res), nil
}

func (c *RedisClient) LastID(ctx context.Context, stream string) (string, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", classify(ctx, err, "XREVRANGE %s", stream)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

func (c *RedisClient) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	removed, err := c.rdb.XTrimMinID(ctx, stream, minID).Result()
	if err != nil {
		return 0, classify(ctx, err, "XTRIM %s MINID %s", stream, minID)
	}
	return removed, nil
}

func (c *RedisClient) Length(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, classify(ctx, err, "XLEN %s", stream)
	}
	return n, nil
}

// nonBlockingIfZero maps our "zero means don't block" contract onto
// go-redis, where a zero Block means block forever and a negative one means
// no blocking at all.
func nonBlockingIfZero(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

func fromXStreams(res []redis.XStream) []StreamBatch {
	batches := make([]StreamBatch, 0, len(res))
	for _, xs := range res {
		if len(xs.Messages) == 0 {
			continue
		}
		msgs := make([]Message, len(xs.Messages))
		for i, xm := range xs.Messages {
			fields := make(map[string]string, len(xm.Values))
			for k, v := range xm.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			msgs[i] = Message{ID: xm.ID, Fields: fields}
		}
		batches = append(batches, StreamBatch{Stream: xs.Stream, Messages: msgs})
	}
	return batches
}

// classify maps driver errors onto the fault taxonomy. Cancellation wins over
// whatever the driver reported.
func classify(ctx context.Context, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.ShuttingDown, ctx.Err(), format, args...)
	}
	return fault.Wrap(fault.Transient, err, format, args...)
}

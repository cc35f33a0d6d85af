// internal/outbox/redis.go
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list lobby events are pushed to.
const DefaultQueueName = "cambia_lobby_events"

// DefaultPollTimeout bounds each BLPOP so the consumer notices cancellation.
const DefaultPollTimeout = 3 * time.Second

// ConnectRedis returns a client for addr after a successful PING.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisOutbox keeps JSON-encoded events in a Redis list.
type RedisOutbox struct {
	rdb         *redis.Client
	queue       string
	pollTimeout time.Duration
	log         logrus.FieldLogger
}

type RedisOption func(*RedisOutbox)

func WithQueueName(name string) RedisOption { return func(o *RedisOutbox) { o.queue = name } }

// WithPollTimeout sets the BLPOP timeout. Redis counts it in whole seconds.
func WithPollTimeout(d time.Duration) RedisOption { return func(o *RedisOutbox) { o.pollTimeout = d } }

func WithRedisLogger(l logrus.FieldLogger) RedisOption { return func(o *RedisOutbox) { o.log = l } }

func NewRedisOutbox(rdb *redis.Client, opts ...RedisOption) *RedisOutbox {
	o := &RedisOutbox{
		rdb:         rdb,
		queue:       DefaultQueueName,
		pollTimeout: DefaultPollTimeout,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Publish appends ev to the tail of the list.
func (o *RedisOutbox) Publish(ctx context.Context, ev LobbyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal LobbyEvent: %w", err)
	}
	if err := o.rdb.RPush(ctx, o.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", o.queue, err)
	}
	return nil
}

// Requeue pushes ev back onto the head of the list.
func (o *RedisOutbox) Requeue(ctx context.Context, ev LobbyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal LobbyEvent: %w", err)
	}
	if err := o.rdb.LPush(ctx, o.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to LPush to Redis list '%s': %w", o.queue, err)
	}
	return nil
}

// Next pops the head of the list, waiting for one to arrive. Payloads that
// do not decode are logged and discarded.
func (o *RedisOutbox) Next(ctx context.Context) (*LobbyEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := o.rdb.BLPop(ctx, o.pollTimeout, o.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("BLPop %s: %w", o.queue, err)
		}
		if len(res) < 2 {
			continue
		}

		// res[0] is the list name and res[1] the payload.
		var ev LobbyEvent
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			o.log.WithField("queue", o.queue).WithError(err).Error("discarding invalid lobby event")
			continue
		}
		return &ev, nil
	}
}

// Len returns the number of queued events.
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.rdb.LLen(ctx, o.queue).Result()
}

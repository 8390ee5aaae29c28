package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "roster:entity:"
	redisChannel   = "roster:changes"
	upsertRetries  = 3
)

var errOlderRecord = errors.New("record older than stored")

// RedisBackend keeps the latest record per entity in redis and announces
// every accepted write on a pub/sub channel so other instances can follow.
type RedisBackend struct {
	client *redis.Client
	origin string
}

func NewRedisBackend(client *redis.Client, origin string) *RedisBackend {
	return &RedisBackend{client: client, origin: origin}
}

func (b *RedisBackend) key(id string) string { return redisKeyPrefix + id }

func (b *RedisBackend) Upsert(ctx context.Context, rec Record) error {
	if rec.Origin == "" {
		rec.Origin = b.origin
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode roster record: %w", err)
	}
	key := b.key(rec.EntityID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored Record
			if json.Unmarshal(raw, &stored) == nil && rec.LastSeen.Before(stored.LastSeen) {
				return errOlderRecord
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < upsertRetries; i++ {
		err = b.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			if err := b.client.Publish(ctx, redisChannel, payload).Err(); err != nil {
				return fmt.Errorf("publish roster record: %w", err)
			}
			return nil
		case errors.Is(err, errOlderRecord):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("store roster record: %w", err)
		}
	}
	return fmt.Errorf("store roster record: %w", err)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Load scans every stored record.
func (b *RedisBackend) Load(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := b.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch delivers records announced by other instances until ctx is done.
func (b *RedisBackend) Watch(ctx context.Context, fn func(Record)) error {
	pubsub := b.client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rec Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				continue
			}
			if b.origin != "" && rec.Origin == b.origin {
				continue
			}
			fn(rec)
		}
	}
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/use-agent/fusion/models"
)

// DefaultChannel is the pub/sub channel carrying written keys.
const DefaultChannel = "fusion:transport:writes"

const purgeBatch = 100

// RedisStore is a Store backed by Redis, letting page contexts run in
// separate processes from the aggregator. Writes use SET NX with a TTL, then
// publish the key; Take uses GETDEL.
type RedisStore struct {
	client  goredis.UniversalClient
	channel string
	ttl     time.Duration
}

// NewRedisStore wraps client. The store takes ownership and closes it.
func NewRedisStore(client goredis.UniversalClient, channel string, ttl time.Duration) *RedisStore {
	if channel == "" {
		channel = DefaultChannel
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, channel: channel, ttl: ttl}
}

// OpenRedis connects to the Redis server at url (redis://...) and pings it.
func OpenRedis(ctx context.Context, url, channel string, ttl time.Duration) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("transport: parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: ping redis: %w", err)
	}
	return NewRedisStore(client, channel, ttl), nil
}

func (r *RedisStore) Put(ctx context.Context, key string, recs []models.Record) error {
	payload, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("transport: marshal records: %w", err)
	}
	ok, err := r.client.SetNX(ctx, key, payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("transport: set %s: %w", key, err)
	}
	if !ok {
		return ErrAlreadyWritten
	}
	if err := r.client.Publish(ctx, r.channel, key).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrNotNotified, key, err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context, key string) ([]models.Record, error) {
	data, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transport: getdel %s: %w", key, err)
	}
	var recs []models.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("transport: decode %s: %w", key, err)
	}
	return recs, nil
}

func (r *RedisStore) Watch(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", r.channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("transport: redis subscription closed", "channel", r.channel)
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) Purge(ctx context.Context, prefix string) (int, error) {
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", purgeBatch).Iterator()
	var (
		batch []string
		n     int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deleted, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("transport: purge %s: %w", prefix, err)
		}
		n += int(deleted)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= purgeBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("transport: scan %s: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

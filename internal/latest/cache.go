// Package latest keeps the most recent normalized telemetry per unit name in
// redis so the hook endpoints can answer without touching the database.
package latest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"solartracker/solarsync/internal/model"
)

const (
	keyPrefix = "solarsync:latest:"

	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// ErrMiss is returned by Get when no entry exists for the name.
var ErrMiss = errors.New("latest: no entry")

// Entry is one cached telemetry record.
type Entry struct {
	Name       string          `json:"name"`
	UnitID     string          `json:"unit_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Telemetry  model.Telemetry `json:"telemetry"`
}

type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Cache stores entries with a fixed TTL.
type Cache struct {
	kv     kv
	closer func() error
	ttl    time.Duration
}

// Dial connects to redis at addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, ttl time.Duration) (*Cache, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("latest: redis addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &Cache{kv: client, closer: client.Close, ttl: ttl}, nil
}

func newCache(store kv, ttl time.Duration) *Cache {
	return &Cache{kv: store, ttl: ttl}
}

// Close releases the redis connection pool.
func (c *Cache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Put stores e under its name, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return errors.New("latest: entry has no name")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode latest entry: %w", err)
	}
	if err := c.kv.Set(ctx, keyPrefix+name, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}
	return nil
}

// Get returns the entry for name, or ErrMiss.
func (c *Cache) Get(ctx context.Context, name string) (Entry, error) {
	raw, err := c.kv.Get(ctx, keyPrefix+strings.TrimSpace(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: %w", name, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode latest entry: %w", err)
	}
	return e, nil
}

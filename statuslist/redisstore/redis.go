package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ggoodman/lockmaster-go/statuslist"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "lock:status:"

// Config for the Redis backed Store. The environment variables match the
// redis section of the agent configuration.
type Config struct {
	// Addr like "localhost:6379". ENV: LOCK_REDIS_ADDR
	Addr string `env:"LOCK_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: LOCK_REDIS_KEY_PREFIX
	KeyPrefix string `env:"LOCK_REDIS_KEY_PREFIX,default=lock:status:"`
}

var _ statuslist.Store = (*Store)(nil)

type Store struct {
	client    *redis.Client
	keyPrefix string
}

// record is the stored form of an entry.
type record struct {
	Status   byte     `cbor:"1,keyasint"`
	TokenIDs []string `cbor:"2,keyasint,omitempty"`
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// ConfigFromEnv reads Config from LOCK_REDIS_* variables, falling back to
// the defaults in the struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("redisstore: environment: %w", err)
	}
	return cfg, nil
}

// NewFromEnv builds a Store from ConfigFromEnv.
func NewFromEnv(ctx context.Context) (*Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) entryKey(id string) string { return s.keyPrefix + "entry:" + id }
func (s *Store) indexKey() string          { return s.keyPrefix + "index" }

func (s *Store) Save(ctx context.Context, id string, e statuslist.Entry) error {
	b, err := cbor.Marshal(record{Status: e.Status(), TokenIDs: e.TokenIDs()})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.entryKey(id), b, 0)
		p.SAdd(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %q: %w", id, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (map[string]statuslist.Entry, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index: %w", err)
	}
	out := make(map[string]statuslist.Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load: %w", err)
	}

	for i, v := range vals {
		var raw []byte
		switch v := v.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			// indexed but missing; skip
			continue
		}
		var rec record
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode entry %q: %w", ids[i], err)
		}
		out[ids[i]] = statuslist.NewEntry(rec.Status, rec.TokenIDs)
	}
	return out, nil
}

// Package cache is a write-through JSON cache over Redis. Every operation is
// bounded by a hard 100 ms timeout; on timeout or any Redis error the caller
// falls through to the source of truth, never an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"kilo/internal/config"
)

const (
	opTimeout = 100 * time.Millisecond

	// DefaultTTL is the safety-net expiry for cached values; explicit
	// invalidation is the primary freshness mechanism.
	DefaultTTL = time.Hour
	// PricingTTL is the longer expiry for the model pricing catalog.
	PricingTTL = 24 * time.Hour
)

// Service wraps a Redis client with the write-through contract.
type Service struct {
	client *redis.Client
}

// New connects to Redis. A nil service (redis disabled) is safe to use:
// every read misses and every write is a no-op.
func New(cfg config.RedisConfig) (*Service, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Service{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Service) Close() {
	if s != nil && s.client != nil {
		_ = s.client.Close()
	}
}

// Key helpers. A bot owns exactly three cache keys; invalidation always
// covers all of them.

func BotConfigKey(botID string) string  { return "bot:" + botID + ":config" }
func BotSkillsKey(botID string) string  { return "bot:" + botID + ":skills" }
func BotSchemasKey(botID string) string { return "bot:" + botID + ":schemas" }
func PricingKey() string                { return "pricing:models" }

// Get reads a JSON value into dest. Returns false on miss, timeout, decode
// failure, or any Redis error.
func (s *Service) Get(ctx context.Context, key string, dest any) bool {
	if s == nil || s.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("cache_read_error")
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_decode_error")
		return false
	}
	return true
}

// GetRaw reads a JSON value into a generic map/slice tree, reviving
// ISO-8601-looking strings into time.Time values.
func (s *Service) GetRaw(ctx context.Context, key string) (any, bool) {
	var tree any
	if !s.Get(ctx, key, &tree) {
		return nil, false
	}
	return reviveTimestamps(tree), true
}

// Set writes a JSON value with the given TTL. Errors are logged and
// swallowed; the write-through contract treats the cache as best-effort.
func (s *Service) Set(ctx context.Context, key string, val any, ttl time.Duration) {
	if s == nil || s.client == nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(val)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_encode_error")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_write_error")
	}
}

// Invalidate deletes the given keys in one round trip so readers never see a
// partially invalidated set.
func (s *Service) Invalidate(ctx context.Context, keys ...string) {
	if s == nil || s.client == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Strs("keys", keys).Msg("cache_invalidate_error")
	}
}

// InvalidateBot drops the bot's config, skills, and schemas entries.
func (s *Service) InvalidateBot(ctx context.Context, botID string) {
	s.Invalidate(ctx, BotConfigKey(botID), BotSkillsKey(botID), BotSchemasKey(botID))
}

var isoTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// reviveTimestamps walks a decoded JSON tree converting ISO-8601 strings to
// time.Time values.
func reviveTimestamps(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = reviveTimestamps(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = reviveTimestamps(child)
		}
		return t
	case string:
		if isoTimestamp.MatchString(t) {
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts
			}
		}
		return t
	default:
		return v
	}
}

// Redis hot mirror of trailing-stop state. PostgreSQL remains the source of
// truth for restart recovery; the mirror exists so operational tooling and a
// standby container can observe live ratchet progress without hitting the
// database. When Redis is unavailable the mirror degrades to an in-memory
// map so trading continues without interruption.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// TrailingKeyPrefix is the prefix for trailing state keys.
	// Format: trailing:state:{exchange}:{symbol}
	TrailingKeyPrefix = "trailing:state"

	// TrailingStateTTL bounds how long stale mirror entries survive.
	// Positions typically close within hours; the TTL is a safety net
	// against rows orphaned by a crash between close and delete.
	TrailingStateTTL = 7 * 24 * time.Hour
)

// RedisStateMirror mirrors trailing-stop state into Redis with an in-memory
// fallback cache.
type RedisStateMirror struct {
	client    *redis.Client
	logger    zerolog.Logger
	cache     map[string]*TrailingStopState
	cacheMu   sync.RWMutex
	available atomic.Bool
}

// NewRedisStateMirror creates the mirror. A nil client means memory-only
// mode.
func NewRedisStateMirror(client *redis.Client, logger zerolog.Logger) *RedisStateMirror {
	m := &RedisStateMirror{
		client: client,
		logger: logger,
		cache:  make(map[string]*TrailingStopState),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable at startup, mirroring in memory only")
			m.available.Store(false)
		} else {
			logger.Info().Msg("redis state mirror connected")
			m.available.Store(true)
		}
	} else {
		logger.Info().Msg("no redis client provided, mirroring in memory only")
		m.available.Store(false)
	}

	return m
}

func (m *RedisStateMirror) key(symbol, exchange string) string {
	return fmt.Sprintf("%s:%s:%s", TrailingKeyPrefix, exchange, symbol)
}

// Save writes the state to Redis, falling back to the in-memory cache.
func (m *RedisStateMirror) Save(ctx context.Context, s *TrailingStopState) error {
	if s == nil {
		return fmt.Errorf("cannot mirror nil trailing state")
	}

	m.cacheMu.Lock()
	m.cache[m.key(s.Symbol, s.Exchange)] = s
	m.cacheMu.Unlock()

	if m.client == nil {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal trailing state: %w", err)
	}

	if err := m.client.Set(ctx, m.key(s.Symbol, s.Exchange), data, TrailingStateTTL).Err(); err != nil {
		if m.available.Swap(false) {
			m.logger.Warn().Err(err).Str("symbol", s.Symbol).Msg("redis mirror write failed, degrading to memory")
		}
		return nil // mirror failure is not a trading failure
	}
	m.available.Store(true)
	return nil
}

// Get reads a mirrored state, preferring Redis, falling back to memory.
// Returns nil when nothing is mirrored for the pair.
func (m *RedisStateMirror) Get(ctx context.Context, symbol, exchange string) (*TrailingStopState, error) {
	if m.client != nil && m.available.Load() {
		data, err := m.client.Get(ctx, m.key(symbol, exchange)).Bytes()
		if err == nil {
			s := &TrailingStopState{}
			if jerr := json.Unmarshal(data, s); jerr == nil {
				return s, nil
			}
		} else if err != redis.Nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("redis mirror read failed")
		}
	}

	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if s, ok := m.cache[m.key(symbol, exchange)]; ok {
		return s, nil
	}
	return nil, nil
}

// Delete removes the mirrored state on position close.
func (m *RedisStateMirror) Delete(ctx context.Context, symbol, exchange string) {
	m.cacheMu.Lock()
	delete(m.cache, m.key(symbol, exchange))
	m.cacheMu.Unlock()

	if m.client == nil {
		return
	}
	if err := m.client.Del(ctx, m.key(symbol, exchange)).Err(); err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("redis mirror delete failed")
	}
}

// IsHealthy reports whether Redis is currently reachable.
func (m *RedisStateMirror) IsHealthy() bool {
	return m.available.Load()
}

// Package rediscache puts a Redis read-through cache in front of the client
// registry. Cache failures are logged and never fail a lookup.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/storage"
)

const keyPrefix = "creditdesk:client:"

// Store decorates a storage.Store, caching client lookups.
type Store struct {
	storage.Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Wrap returns next with a cached registry.
func Wrap(next storage.Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{Store: next, rdb: rdb, ttl: ttl, logger: logger}
}

func key(cpf string) string { return keyPrefix + cpf }

func (s *Store) LookupClient(ctx context.Context, cpf string) (*domain.Client, error) {
	raw, err := s.rdb.Get(ctx, key(cpf)).Bytes()
	switch {
	case err == nil:
		var c domain.Client
		if jerr := json.Unmarshal(raw, &c); jerr == nil {
			return &c, nil
		}
		s.logger.Warn("discarding corrupt cached client", "cpf", cpf)
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("client cache read failed", "error", err)
	}

	c, err := s.Store.LookupClient(ctx, cpf)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(c); err == nil {
		if err := s.rdb.Set(ctx, key(cpf), raw, s.ttl).Err(); err != nil {
			s.logger.Warn("client cache write failed", "error", err)
		}
	}
	return c, nil
}

func (s *Store) AppendClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	out, err := s.Store.AppendClient(ctx, c)
	if err == nil {
		s.invalidate(ctx, c.CPF)
	}
	return out, err
}

func (s *Store) UpdateClient(ctx context.Context, cpf string, c domain.Client) error {
	err := s.Store.UpdateClient(ctx, cpf, c)
	if err == nil {
		s.invalidate(ctx, cpf, c.CPF)
	}
	return err
}

// Close closes the wrapped store and the Redis client.
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.rdb.Close())
}

func (s *Store) invalidate(ctx context.Context, cpfs ...string) {
	keys := make([]string, len(cpfs))
	for i, c := range cpfs {
		keys[i] = key(c)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("client cache invalidation failed", "error", err)
	}
}

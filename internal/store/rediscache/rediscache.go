// Package rediscache is a read-through redis cache in front of a
// model.ResourceStore. Only persisted records are cached, cache failures are
// logged and never fail a lookup.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Radar/internal/metrics"
	"github.com/CZERTAINLY/Radar/internal/model"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "radar:resource"
	DefaultTTL    = time.Hour
)

type Store struct {
	next   model.ResourceStore
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New returns a caching decorator of next. Zero prefix and ttl are replaced
// by defaults.
func New(next model.ResourceStore, client redis.UniversalClient, prefix string, ttl time.Duration) (*Store, error) {
	if next == nil {
		return nil, errors.New("resource store is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{next: next, client: client, prefix: prefix, ttl: ttl}, nil
}

// NewClient connects to redis configured by cfg.
func NewClient(ctx context.Context, cfg model.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", model.ErrStoreUnavailable, cfg.Addr, err)
	}
	return client, nil
}

// envelope is the cached form of a resource.
type envelope struct {
	Kind      model.ResourceKind `json:"kind"`
	IPAddress *model.IPAddress   `json:"ip_address,omitempty"`
	Port      *model.Port        `json:"port,omitempty"`
	OpenPort  *model.OpenPort    `json:"open_port,omitempty"`
}

func (e envelope) resource() (model.Resource, error) {
	switch {
	case e.Kind == model.ResourceIPAddress && e.IPAddress != nil:
		return e.IPAddress, nil
	case e.Kind == model.ResourcePort && e.Port != nil:
		return e.Port, nil
	case e.Kind == model.ResourceOpenPort && e.OpenPort != nil && e.OpenPort.Port != nil:
		return e.OpenPort, nil
	default:
		return nil, fmt.Errorf("malformed cache entry of kind %q", e.Kind)
	}
}

func wrapResource(r model.Resource) (envelope, bool) {
	e := envelope{Kind: r.ResourceKind()}
	switch x := r.(type) {
	case *model.IPAddress:
		e.IPAddress = x
	case *model.Port:
		e.Port = x
	case *model.OpenPort:
		e.OpenPort = x
	default:
		return e, false
	}
	return e, true
}

func (s *Store) key(k model.ResourceKey) string {
	return s.prefix + ":" + k.String()
}

func (s *Store) FindOrCreate(ctx context.Context, key model.ResourceKey) (model.Resource, bool, error) {
	if r, ok := s.get(ctx, key); ok {
		return r, false, nil
	}
	r, created, err := s.next.FindOrCreate(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.set(ctx, r)
	}
	return r, created, nil
}

func (s *Store) Commit(ctx context.Context, r model.Resource) error {
	if err := s.next.Commit(ctx, r); err != nil {
		return err
	}
	s.set(ctx, r)
	return nil
}

func (s *Store) get(ctx context.Context, key model.ResourceKey) (model.Resource, bool) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	case err != nil:
		metrics.CacheRequests.WithLabelValues("error").Inc()
		slog.WarnContext(ctx, "resource cache get failed", "key", key.String(), "err", err)
		return nil, false
	}
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		slog.WarnContext(ctx, "resource cache entry unreadable", "key", key.String(), "err", err)
		return nil, false
	}
	r, err := e.resource()
	if err != nil || r.Key() != key {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		slog.WarnContext(ctx, "resource cache entry does not match", "key", key.String(), "err", err)
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return r, true
}

func (s *Store) set(ctx context.Context, r model.Resource) {
	e, ok := wrapResource(r)
	if !ok {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.WarnContext(ctx, "resource cache marshal failed", "key", r.Key().String(), "err", err)
		return
	}
	if err := s.client.Set(ctx, s.key(r.Key()), data, s.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "resource cache set failed", "key", r.Key().String(), "err", err)
	}
}

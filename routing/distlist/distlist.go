// Package distlist keeps distribution lists in Redis and exposes them as a
// dynamic routing rule.
//
// Each message type owns a set at "<prefix>:<type name>" whose members are
// route strings as accepted by routing.ParseRoute.
package distlist

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/bjaus/sagabus/internal/config"
	"github.com/bjaus/sagabus/message"
	"github.com/bjaus/sagabus/routing"
)

const defaultPrefix = "sagabus:routes"

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	SAdd(context.Context, string, ...any) *redis.IntCmd
	SRem(context.Context, string, ...any) *redis.IntCmd
	SMembers(context.Context, string) *redis.StringSliceCmd
	Pipelined(context.Context, func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

var errNotInitialized = errors.New("redis client not initialized")

// Lists reads and maintains distribution lists.
type Lists struct {
	store  cmdable
	raw    *redis.Client
	prefix string
}

// Open connects to Redis with pooling and timeouts and verifies
// connectivity.
func Open(ctx context.Context, cfg config.RedisConfig) (*Lists, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Lists{store: raw, raw: raw, prefix: keyPrefix(cfg.KeyPrefix)}, nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Lists {
	return &Lists{store: client, raw: client, prefix: keyPrefix(prefix)}
}

func keyPrefix(p string) string {
	if p == "" {
		return defaultPrefix
	}
	return p
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Key returns the set key holding the list for t.
func (l *Lists) Key(t message.Type) string {
	return l.prefix + ":" + t.Name()
}

// Add puts route on the list for t. Adding a present route is a no-op.
func (l *Lists) Add(ctx context.Context, t message.Type, route routing.Route) error {
	if l.store == nil {
		return errNotInitialized
	}
	if route.IsZero() {
		return errors.New("distlist: zero route")
	}
	return l.store.SAdd(ctx, l.Key(t), route.String()).Err()
}

// Remove takes route off the list for t.
func (l *Lists) Remove(ctx context.Context, t message.Type, route routing.Route) error {
	if l.store == nil {
		return errNotInitialized
	}
	return l.store.SRem(ctx, l.Key(t), route.String()).Err()
}

// Routes returns the destinations listed for the batch, one set read per
// type in a single round trip. Members of each set are ordered by their
// string form; types keep batch order.
func (l *Lists) Routes(ctx context.Context, types []message.Type) ([]routing.Route, error) {
	if l.store == nil {
		return nil, errNotInitialized
	}
	if len(types) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringSliceCmd, len(types))
	_, err := l.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, t := range types {
			cmds[i] = pipe.SMembers(ctx, l.Key(t))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("distlist: read lists: %w", err)
	}

	var routes []routing.Route
	for i, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("distlist: read %s: %w", l.Key(types[i]), err)
		}
		slices.Sort(members)
		for _, m := range members {
			route, err := routing.ParseRoute(m)
			if err != nil {
				return nil, fmt.Errorf("distlist: %s: %w", l.Key(types[i]), err)
			}
			routes = append(routes, route)
		}
	}
	return routes, nil
}

// Rule exposes the lists as a dynamic routing rule.
func (l *Lists) Rule() routing.DynamicRule {
	return l.Routes
}

// Ping verifies the connection.
func (l *Lists) Ping(ctx context.Context) error {
	if l.store == nil {
		return errNotInitialized
	}
	return l.store.Ping(ctx).Err()
}

// Close shuts down the underlying client if available.
func (l *Lists) Close() error {
	if l.raw == nil {
		return nil
	}
	return l.raw.Close()
}

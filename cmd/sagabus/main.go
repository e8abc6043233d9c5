// Command sagabus runs the order workflow over newline-delimited JSON
// envelopes read from stdin. Outgoing messages are routed through the
// configured static routes and Redis distribution lists and published to
// Pub/Sub when a project is configured.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/bjaus/sagabus"
	"github.com/bjaus/sagabus/internal/config"
	"github.com/bjaus/sagabus/internal/logger"
	"github.com/bjaus/sagabus/internal/metrics"
	"github.com/bjaus/sagabus/message"
	"github.com/bjaus/sagabus/routing"
	"github.com/bjaus/sagabus/routing/distlist"
	"github.com/bjaus/sagabus/saga"
	"github.com/bjaus/sagabus/sagastore"
	"github.com/bjaus/sagabus/transport/pubsub"
)

const maxLineSize = 1 << 20

func main() {
	logg := logger.New(logger.Options{ServiceName: "sagabus"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: cfg.App.ServiceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logg, prometheus.DefaultRegisterer, os.Stdin)
	stop()
	if err != nil {
		logg.Error(context.Background(), "sagabus stopped", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "sagabus stopped")
}

// run wires the bus and processes envelopes from in until EOF or ctx is
// done. Messages that fail are logged and do not stop the loop.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer, in io.Reader) (err error) {
	m := metrics.NewBusMetrics(reg)

	store, err := sagastore.Open(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("bootstrap saga store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	table := routing.New(
		routing.WithOnResolved(func(ctx context.Context, types []message.Type, routes []routing.Route, d time.Duration) {
			m.ObserveResolve(len(routes), d)
		}),
		routing.WithOnUnrouted(func(ctx context.Context, types []message.Type) {
			m.IncUnrouted()
		}),
		routing.WithOnRuleError(func(ctx context.Context, types []message.Type, err error) {
			m.IncRuleError()
			logg.Error(ctx, "dynamic routing rule failed", err)
		}),
	)

	transport, closeTransport, err := newTransport(ctx, cfg.PubSub, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeTransport())
	}()

	b := sagabus.New(
		sagabus.WithPersister(store),
		sagabus.WithRoutes(table),
		sagabus.WithTransport(transport),
		sagabus.WithResolveTimeout(cfg.Routing.ResolveTimeout),
		sagabus.WithOnParse(func(ctx context.Context, source, key string) context.Context {
			return logg.WithFields(logg.WithMessageKey(ctx, key), map[string]any{"source": source})
		}),
		sagabus.WithOnSuccess(func(ctx context.Context, source, key string, d time.Duration) {
			m.IncSuccess(key)
			logg.Debug(logg.WithField(ctx, "duration_ms", d.Milliseconds()), "message handled")
		}),
		sagabus.WithOnFailure(func(ctx context.Context, source, key string, err error, d time.Duration) {
			m.IncFailure(key)
			logg.Error(logg.WithField(ctx, "duration_ms", d.Milliseconds()), "message failed", err)
		}),
		sagabus.WithOnNoHandler(func(ctx context.Context, source, key string) error {
			logg.Warn(ctx, "no handler for message, skipping")
			return nil
		}),
		sagabus.WithOnSagaNotFound(func(ctx context.Context, sagaName, key string) error {
			m.IncSagaNotFound(sagaName)
			logg.Warn(logg.WithSaga(ctx, sagaName), "saga instance not found, skipping")
			return nil
		}),
		sagabus.WithOnUnroutable(func(ctx context.Context, key string, types []message.Type) error {
			logg.Warn(logg.WithFields(ctx, map[string]any{
				"outgoing_key":   key,
				"outgoing_types": message.Names(types),
			}), "no route for outgoing message")
			return fmt.Errorf("%w: %s", sagabus.ErrNoRoutes, key)
		}),
	)
	b.AddSource(sagabus.EnvelopeSource())
	registerOrderMessages(b)

	mds, err := saga.BuildAll([]saga.Type{orderSaga(b)})
	if err != nil {
		return fmt.Errorf("build sagas: %w", err)
	}
	store.Register(mds...)
	b.AddSaga(mds...)

	if err := addStaticRoutes(table, b, cfg.Routing); err != nil {
		return err
	}

	if cfg.Redis.Enabled() {
		var lists *distlist.Lists
		lists, err = distlist.Open(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap distribution lists: %w", err)
		}
		defer func() {
			err = multierr.Append(err, lists.Close())
		}()
		table.AddDynamic(lists.Rule())
	}

	logg.Info(logg.WithField(ctx, "sagas", len(mds)), "sagabus ready")
	return consume(ctx, b, logg, in)
}

// addStaticRoutes binds the configured key=destination pairs.
func addStaticRoutes(table *routing.Table, b *sagabus.Bus, cfg config.RoutingConfig) error {
	routes, err := cfg.StaticRoutes()
	if err != nil {
		return err
	}
	var errs error
	for _, sr := range routes {
		mt, ok := b.MessageType(sr.Key)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("static route for unknown key %q", sr.Key))
			continue
		}
		route, err := routing.ParseRoute(sr.Destination)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("static route for %s: %w", sr.Key, err))
			continue
		}
		table.AddStatic(mt, route)
	}
	return errs
}

// newTransport returns the Pub/Sub transport when configured, otherwise a
// transport that only logs deliveries.
func newTransport(ctx context.Context, cfg config.PubSubConfig, logg *logger.Logger) (sagabus.Transport, func() error, error) {
	if !cfg.Enabled() {
		logg.Warn(ctx, "pubsub not configured, outgoing messages are logged only")
		return sagabus.TransportFunc(func(ctx context.Context, route routing.Route, env sagabus.Envelope) error {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"route":        route.String(),
				"outgoing_key": env.Key,
				"outgoing_id":  env.ID,
			}), "message delivered")
			return nil
		}), func() error { return nil }, nil
	}

	t, err := pubsub.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap pubsub: %w", err)
	}
	return t, t.Close, nil
}

func consume(ctx context.Context, b *sagabus.Bus, logg *logger.Logger, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := b.Process(ctx, line); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "process message", err)
		}
	}
	return scanner.Err()
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/sagabus"
	"github.com/bjaus/sagabus/internal/config"
	"github.com/bjaus/sagabus/internal/logger"
	"github.com/bjaus/sagabus/message"
	"github.com/bjaus/sagabus/routing"
)

func testConfig(static ...string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: config.AppEnvDev, ServiceName: "sagabus-test"},
		DB: config.DBConfig{
			Driver:       config.DriverSQLite,
			DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
			MaxOpenConns: 1,
			AutoMigrate:  true,
		},
		Routing: config.RoutingConfig{Static: static, ResolveTimeout: time.Second},
	}
}

func line(t *testing.T, key string, payload any) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(sagabus.Envelope{ID: uuid.NewString(), Key: key, Payload: body})
	require.NoError(t, err)
	return string(raw)
}

// logEntries decodes every JSON log line written to buf.
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), scanner.Text())
		entries = append(entries, entry)
	}
	return entries
}

func withMessage(entries []map[string]any, msg string) []map[string]any {
	var out []map[string]any
	for _, e := range entries {
		if e["message"] == msg {
			out = append(out, e)
		}
	}
	return out
}

func TestRun_OrderWorkflow(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: buf, Format: "json"})
	reg := prometheus.NewRegistry()

	input := strings.Join([]string{
		line(t, KeyOrderPlaced, OrderPlaced{OrderID: "o-1", CustomerID: "c-1", Total: 100}),
		line(t, KeyPaymentReceived, PaymentReceived{OrderID: "o-1", Amount: 100}),
		line(t, KeyOrderShipped, OrderShipped{OrderID: "o-1", Carrier: "ups"}),
		line(t, KeyOrderShipped, OrderShipped{OrderID: "o-2"}),
		line(t, KeyOrderPlaced, OrderPlaced{OrderID: "o-3"}),
		line(t, KeyBillingRequested, BillingRequested{OrderID: "o-1"}),
		"",
		"not json",
	}, "\n")

	err := run(context.Background(), testConfig("billing.requested=Billing"), logg, reg, strings.NewReader(input))
	require.NoError(t, err)

	entries := logEntries(t, buf)

	delivered := withMessage(entries, "message delivered")
	require.Len(t, delivered, 1)
	assert.Equal(t, "endpoint:Billing", delivered[0]["route"])
	assert.Equal(t, KeyBillingRequested, delivered[0]["outgoing_key"])
	assert.Equal(t, KeyOrderPlaced, delivered[0]["message_key"])

	notFound := withMessage(entries, "saga instance not found, skipping")
	require.Len(t, notFound, 1)
	assert.Equal(t, "Order", notFound[0]["saga"])
	assert.Equal(t, KeyOrderShipped, notFound[0]["message_key"])

	assert.Len(t, withMessage(entries, "no handler for message, skipping"), 1)

	failed := withMessage(entries, "process message")
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0]["error"], "total must be positive")
	assert.Contains(t, failed[1]["error"], "no source matched message")

	assert.Equal(t, 3, testutil.CollectAndCount(reg, "sagabus_dispatch_success_total"))
}

func TestRun_UnroutableFailsMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{Output: buf, Format: "json"})

	input := line(t, KeyOrderPlaced, OrderPlaced{OrderID: "o-1", Total: 10})
	err := run(context.Background(), testConfig(), logg, prometheus.NewRegistry(), strings.NewReader(input))
	require.NoError(t, err)

	entries := logEntries(t, buf)
	unroutable := withMessage(entries, "no route for outgoing message")
	require.Len(t, unroutable, 1)
	assert.Equal(t, KeyBillingRequested, unroutable[0]["outgoing_key"])

	failed := withMessage(entries, "message failed")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0]["error"], sagabus.ErrNoRoutes.Error())
}

func TestRun_BootstrapErrors(t *testing.T) {
	logg := logger.New(logger.Options{Output: &bytes.Buffer{}, Format: "json"})

	t.Run("unsupported driver", func(t *testing.T) {
		cfg := testConfig()
		cfg.DB.Driver = "mysql"
		err := run(context.Background(), cfg, logg, nil, strings.NewReader(""))
		assert.ErrorContains(t, err, "unsupported database driver")
	})

	t.Run("bad static route", func(t *testing.T) {
		err := run(context.Background(), testConfig("order.unknown=Sales"), logg, nil, strings.NewReader(""))
		assert.ErrorContains(t, err, `static route for unknown key "order.unknown"`)
	})
}

func TestAddStaticRoutes(t *testing.T) {
	b := sagabus.New()
	registerOrderMessages(b)

	t.Run("binds routes to message types", func(t *testing.T) {
		table := routing.New()
		err := addStaticRoutes(table, b, config.RoutingConfig{Static: []string{
			"billing.requested=Billing",
			"billing.requested=address:billing-legacy",
			"order.placed=instance:Sales/eu-1",
		}})
		require.NoError(t, err)

		routes, err := table.Resolve(context.Background(), []message.Type{message.TypeOf[BillingRequested]()})
		require.NoError(t, err)
		assert.Equal(t, []routing.Route{routing.ToEndpoint("Billing"), routing.ToAddress("billing-legacy")}, routes)
	})

	t.Run("reports every bad route", func(t *testing.T) {
		err := addStaticRoutes(routing.New(), b, config.RoutingConfig{Static: []string{
			"order.unknown=Sales",
			"order.placed=endpoint:",
		}})
		assert.ErrorContains(t, err, "unknown key")
		assert.ErrorContains(t, err, "missing endpoint name")
	})

	t.Run("malformed pair", func(t *testing.T) {
		err := addStaticRoutes(routing.New(), b, config.RoutingConfig{Static: []string{"Sales"}})
		assert.Error(t, err)
	})
}

func TestConsume_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	b := sagabus.New()
	b.AddSource(sagabus.EnvelopeSource())
	sagabus.HandleFunc(b, "ping", func(ctx context.Context, p struct{}) error {
		calls++
		return nil
	})

	err := consume(ctx, b, logger.New(logger.Options{Output: &bytes.Buffer{}}), strings.NewReader(`{"key": "ping", "payload": {}}`))
	require.NoError(t, err)
	assert.Zero(t, calls)
}

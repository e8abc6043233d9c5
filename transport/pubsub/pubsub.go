// Package pubsub delivers outgoing envelopes to Google Cloud Pub/Sub topics.
//
// Each route maps to one topic:
//
//   - endpoint:Sales publishes to the topic <prefix>Sales
//   - instance:Sales/eu-1 publishes to <prefix>Sales with an "instance"
//     attribute of eu-1, for subscriptions that filter on it
//   - address:orders-legacy publishes to the topic orders-legacy as named;
//     full resource names (projects/p/topics/t) are used unchanged
//
// The message data is the JSON envelope, so consumers parse it with
// sagabus.EnvelopeSource.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/bjaus/sagabus"
	"github.com/bjaus/sagabus/internal/config"
	"github.com/bjaus/sagabus/routing"
)

// Message attributes set on every publish. Envelope headers are copied as
// attributes too.
const (
	AttrMessageID   = "message_id"
	AttrMessageKey  = "message_key"
	AttrMessageType = "message_types"
	AttrRoute       = "route"
	AttrInstance    = "instance"
)

const defaultPublishTimeout = 15 * time.Second

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errClosed            = errors.New("pubsub transport closed")
)

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	Stop()
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

// Transport implements sagabus.Transport on Pub/Sub. Publishers are created
// per topic on first use and reused.
type Transport struct {
	client         *gcppubsub.Client
	projectID      string
	prefix         string
	publishTimeout time.Duration
	factory        publisherFactory

	mu         sync.Mutex
	publishers map[string]publisher
	closed     bool
}

var _ sagabus.Transport = (*Transport)(nil)

// New creates a Pub/Sub client for cfg.ProjectID.
func New(ctx context.Context, cfg config.PubSubConfig) (*Transport, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errProjectIDRequired
	}

	client, err := gcppubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	t := newTransport(cfg, func(topic string) publisher {
		return newGCPPublisher(client.Publisher(topic))
	})
	t.client = client
	return t, nil
}

func newTransport(cfg config.PubSubConfig, factory publisherFactory) *Transport {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Transport{
		projectID:      strings.TrimSpace(cfg.ProjectID),
		prefix:         cfg.TopicPrefix,
		publishTimeout: timeout,
		factory:        factory,
		publishers:     make(map[string]publisher),
	}
}

// Deliver publishes env to the topic route maps to and waits for the server
// to acknowledge it.
func (t *Transport) Deliver(ctx context.Context, route routing.Route, env sagabus.Envelope) error {
	topic, attrs, err := t.target(route)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	msg := &gcppubsub.Message{
		Data:       data,
		Attributes: make(map[string]string, len(env.Headers)+len(attrs)+4),
	}
	for k, v := range env.Headers {
		msg.Attributes[k] = v
	}
	for k, v := range attrs {
		msg.Attributes[k] = v
	}
	msg.Attributes[AttrMessageID] = env.ID
	msg.Attributes[AttrMessageKey] = env.Key
	msg.Attributes[AttrRoute] = route.String()
	if len(env.Types) > 0 {
		msg.Attributes[AttrMessageType] = strings.Join(env.Types, ",")
	}

	pub, err := t.publisher(topic)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, t.publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return fmt.Errorf("publisher returned nil for topic %s", topic)
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close stops every publisher, flushing pending messages, and closes the
// client.
func (t *Transport) Close() error {
	t.mu.Lock()
	pubs := t.publishers
	t.publishers = nil
	t.closed = true
	t.mu.Unlock()

	for _, p := range pubs {
		p.Stop()
	}
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

// target returns the topic resource name and extra attributes for route.
func (t *Transport) target(route routing.Route) (string, map[string]string, error) {
	var (
		name  string
		attrs map[string]string
	)
	switch route.Kind() {
	case routing.KindEndpoint:
		name = t.prefix + route.Endpoint()
	case routing.KindInstance:
		inst, _ := route.Instance()
		name = t.prefix + inst.Endpoint
		if inst.Discriminator != "" {
			attrs = map[string]string{AttrInstance: inst.Discriminator}
		}
	case routing.KindAddress:
		name, _ = route.Address()
	default:
		return "", nil, fmt.Errorf("unsupported route %s", route)
	}

	topic := t.topicResourceName(name)
	if topic == "" {
		return "", nil, fmt.Errorf("no topic for route %s", route)
	}
	return topic, attrs, nil
}

func (t *Transport) topicResourceName(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	if t.projectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", t.projectID, n)
}

func (t *Transport) publisher(topic string) (publisher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errClosed
	}
	if p, ok := t.publishers[topic]; ok {
		return p, nil
	}
	p := t.factory(topic)
	if p == nil {
		return nil, fmt.Errorf("publisher not configured for topic %s", topic)
	}
	t.publishers[topic] = p
	return p, nil
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

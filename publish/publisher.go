// Package publish sends catalog change events to the broker as part of the
// ambient transaction that made the change.
package publish

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catlock"
	"catlock/event"
	"catlock/metrics"
	"catlock/tracing"
	"catlock/txn"
)

// Publisher hands events to a broker session bound to the caller's ambient
// transaction. Events become visible to read-committed consumers only when
// that transaction commits, and are discarded when it rolls back.
type Publisher struct {
	factory  ProducerFactory
	registry *Registry
	topics   event.Topics
	config   Config
	logger   *zap.Logger
	metrics  metrics.Metrics
	tracer   tracing.Tracer
	closed   atomic.Bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithConfig sets the publisher configuration.
func WithConfig(cfg Config) PublisherOption {
	return func(p *Publisher) {
		p.config = cfg
	}
}

// WithTopics sets the category to topic mapping used by SendFor.
func WithTopics(t event.Topics) PublisherOption {
	return func(p *Publisher) {
		p.topics = t
	}
}

// WithRegistry sets the session registry.
func WithRegistry(r *Registry) PublisherOption {
	return func(p *Publisher) {
		p.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracing.Tracer) PublisherOption {
	return func(p *Publisher) {
		p.tracer = t
	}
}

// NewPublisher creates a publisher opening broker sessions through factory.
func NewPublisher(factory ProducerFactory, opts ...PublisherOption) (*Publisher, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: producer factory is required", ErrInvalidConfig)
	}
	p := &Publisher{
		factory:  factory,
		registry: NewRegistry(),
		topics:   event.DefaultTopics("catalog."),
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		metrics:  &metrics.NoopMetrics{},
		tracer:   &tracing.NoopTracer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.config.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// SessionKey returns the broker session key of an ambient transaction.
func (p *Publisher) SessionKey(txID string) string {
	return p.config.TransactionalIDPrefix + "-" + txID
}

// Send encodes e and adds it to the broker transaction of the ambient
// transaction carried by ctx, opening and enlisting a session on first use.
//
// Delivery is best effort once the ambient transaction commits: a failed
// broker commit is reported by the transaction's commit, not here.
func (p *Publisher) Send(ctx context.Context, topic string, e *event.Event) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return ErrNoAmbientTx
	}
	payload, err := event.Marshal(e)
	if err != nil {
		p.metrics.EventSendFailed(topic)
		return err
	}

	key := p.SessionKey(tx.ID())
	ctx, span := p.tracer.StartPublish(ctx, key, topic, e.ID)
	defer span.End()

	b, err := p.session(ctx, tx, key)
	if err != nil {
		p.metrics.EventSendFailed(topic)
		span.SetError(err)
		return err
	}
	if err := b.send(newMessage(topic, e, payload), e.ID); err != nil {
		span.SetError(err)
		p.logger.Warn("event rejected by broker session",
			zap.String("session", key), zap.String("event_id", e.ID), zap.Error(err))
		return err
	}
	p.logger.Debug("event sent",
		zap.String("session", key), zap.String("topic", topic), zap.String("event_id", e.ID))
	return nil
}

// SendFor sends e to the topic carrying documents of type tt.
func (p *Publisher) SendFor(ctx context.Context, tt catlock.TargetType, e *event.Event) error {
	topic, err := p.topics.TopicFor(tt)
	if err != nil {
		return err
	}
	return p.Send(ctx, topic, e)
}

// session returns the bridge of tx, creating and enlisting it if needed.
func (p *Publisher) session(ctx context.Context, tx *txn.Tx, key string) (*Bridge, error) {
	b, created, err := p.registry.GetOrCreate(key, func() (*Bridge, error) {
		producer, err := p.factory(key)
		if err != nil {
			return nil, &PublishError{Phase: PhaseOpen, SessionKey: key, Err: err}
		}
		b := newBridge(key, producer, p)
		if err := tx.Enlist(ctx, b); err != nil {
			if closeErr := producer.Close(); closeErr != nil {
				p.logger.Warn("closing unused producer", zap.String("session", key), zap.Error(closeErr))
			}
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		p.metrics.OpenSessions(p.registry.Len())
		p.logger.Info("broker session opened", zap.String("session", key), zap.String("tx_id", tx.ID()))
	}
	return b, nil
}

// OpenSessions returns the number of broker sessions not yet completed.
func (p *Publisher) OpenSessions() int {
	return p.registry.Len()
}

// Close rejects further sends and aborts every session still open,
// closing the producers concurrently.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	bridges := p.registry.drain()
	p.metrics.OpenSessions(p.registry.Len())
	if len(bridges) == 0 {
		return nil
	}
	p.logger.Warn("closing publisher with open broker sessions", zap.Int("sessions", len(bridges)))

	var g errgroup.Group
	for _, b := range bridges {
		g.Go(func() error {
			return b.abandon(ctx)
		})
	}
	return g.Wait()
}

func newMessage(topic string, e *event.Event, payload []byte) *sarama.ProducerMessage {
	key := e.ID
	if len(e.Objects) > 0 {
		key = e.Objects[0].ID
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(e.ID)},
			{Key: []byte("action"), Value: []byte(e.Action)},
		},
	}
}

package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"catlock/metrics"
	"catlock/tracing"
	"catlock/txn"
)

// Bridge ties one broker session to one ambient transaction. It is enlisted
// with the transaction as a txn.Resource: Start opens the broker
// transaction, Prepare always votes yes, Commit and Rollback commit or abort
// it.
//
// The broker has no prepare phase, so the protocol is best effort: if the
// process dies between the ambient commit decision and the broker commit,
// the buffered notifications are lost, and a retried broker commit may
// deliver them twice. Consumers must tolerate both.
type Bridge struct {
	key      string
	producer Producer
	registry *Registry
	config   Config
	logger   *zap.Logger
	metrics  metrics.Metrics
	tracer   tracing.Tracer

	mu        sync.Mutex
	txID      string
	state     BridgeState
	startedAt time.Time
	sent      map[string]int
	closing   atomic.Bool
}

var _ txn.LastResource = (*Bridge)(nil)

func newBridge(key string, producer Producer, p *Publisher) *Bridge {
	return &Bridge{
		key:      key,
		producer: producer,
		registry: p.registry,
		config:   p.config,
		logger:   p.logger,
		metrics:  p.metrics,
		tracer:   p.tracer,
		state:    BridgeNotStarted,
		sent:     make(map[string]int),
	}
}

// LastResource marks the bridge to commit after the database resources of
// its transaction, and only if they committed.
func (b *Bridge) LastResource() {}

// Key returns the session key.
func (b *Bridge) Key() string {
	return b.key
}

// State returns the current state.
func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) checkTransition(to BridgeState) error {
	if !ValidateBridgeTransition(b.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidBridgeState, b.state, to)
	}
	return nil
}

// Start begins the broker transaction.
func (b *Bridge) Start(ctx context.Context, txID string) error {
	_, span := b.tracer.StartBridgePhase(ctx, b.key, "start")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransition(BridgeActive); err != nil {
		return err
	}
	if err := b.producer.BeginTxn(); err != nil {
		span.SetError(err)
		return &PublishError{Phase: PhaseOpen, SessionKey: b.key, Err: err}
	}
	b.txID = txID
	b.state = BridgeActive
	b.startedAt = time.Now()
	b.metrics.SessionOpened()
	b.logger.Debug("broker session started", zap.String("session", b.key), zap.String("tx_id", txID))
	return nil
}

// Prepare votes yes. Events already sent are buffered by the broker until
// Commit.
func (b *Bridge) Prepare(ctx context.Context) error {
	_, span := b.tracer.StartBridgePhase(ctx, b.key, "prepare")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTransition(BridgePrepared); err != nil {
		span.SetError(err)
		return err
	}
	b.state = BridgePrepared
	return nil
}

// Commit commits the broker transaction. The ambient transaction has
// already committed at this point, so a failure cannot be undone; it is
// logged and counted for alerting and returned as a PublishError.
func (b *Bridge) Commit(ctx context.Context) error {
	ctx, span := b.tracer.StartBridgePhase(ctx, b.key, "commit")
	defer span.End()

	b.mu.Lock()
	if err := b.checkTransition(BridgeCommitted); err != nil {
		b.mu.Unlock()
		b.commitFailed(err)
		span.SetError(err)
		return &PublishError{Phase: PhaseCommit, SessionKey: b.key, Err: err}
	}
	if err := b.producer.CommitTxn(); err != nil {
		if abortErr := b.producer.AbortTxn(); abortErr != nil {
			b.logger.Warn("abort after failed broker commit", zap.String("session", b.key), zap.Error(abortErr))
		}
		b.state = BridgeRolledBack
		b.mu.Unlock()
		b.commitFailed(err)
		span.SetError(err)
		b.release(ctx)
		return &PublishError{Phase: PhaseCommit, SessionKey: b.key, Err: err}
	}
	b.state = BridgeCommitted
	elapsed := time.Since(b.startedAt)
	sent := b.sent
	b.sent = make(map[string]int)
	b.mu.Unlock()

	b.metrics.SessionCommitted(elapsed)
	total := 0
	for topic, n := range sent {
		for i := 0; i < n; i++ {
			b.metrics.EventDelivered(topic)
		}
		total += n
	}
	span.SetAttributes(attribute.Int("session.events", total))
	b.logger.Info("broker session committed",
		zap.String("session", b.key), zap.String("tx_id", b.txID),
		zap.Int("events", total), zap.Duration("elapsed", elapsed))
	b.release(ctx)
	return nil
}

func (b *Bridge) commitFailed(err error) {
	b.metrics.SessionCommitFailed()
	b.logger.Error("broker commit failed after ambient commit, notifications lost",
		zap.String("session", b.key), zap.String("tx_id", b.txID), zap.Error(err))
}

// Rollback aborts the broker transaction and discards buffered events.
// Rolling back an already rolled back bridge is a no-op.
func (b *Bridge) Rollback(ctx context.Context) error {
	ctx, span := b.tracer.StartBridgePhase(ctx, b.key, "rollback")
	defer span.End()

	b.mu.Lock()
	if b.state == BridgeRolledBack {
		b.mu.Unlock()
		return nil
	}
	if err := b.checkTransition(BridgeRolledBack); err != nil {
		b.mu.Unlock()
		span.SetError(err)
		return err
	}
	abortErr := b.producer.AbortTxn()
	b.state = BridgeRolledBack
	b.sent = make(map[string]int)
	b.mu.Unlock()

	b.metrics.SessionRolledBack()
	b.release(ctx)
	if abortErr != nil {
		span.SetError(abortErr)
		b.logger.Warn("broker abort failed", zap.String("session", b.key), zap.Error(abortErr))
		return &PublishError{Phase: PhaseRollback, SessionKey: b.key, Err: abortErr}
	}
	b.logger.Debug("broker session rolled back", zap.String("session", b.key), zap.String("tx_id", b.txID))
	return nil
}

// send hands one encoded event to the open broker transaction without
// waiting for the broker.
func (b *Bridge) send(msg *sarama.ProducerMessage, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BridgeActive {
		b.metrics.EventSendFailed(msg.Topic)
		return &PublishError{
			Phase:      PhaseSend,
			SessionKey: b.key,
			EventID:    eventID,
			Err:        fmt.Errorf("%w: session is %s", ErrInvalidBridgeState, b.state),
		}
	}
	if err := b.producer.Send(msg); err != nil {
		b.metrics.EventSendFailed(msg.Topic)
		return &PublishError{Phase: PhaseSend, SessionKey: b.key, EventID: eventID, Err: err}
	}
	b.sent[msg.Topic]++
	b.metrics.EventSent(msg.Topic)
	return nil
}

// abandon aborts a session that never reached a terminal state. It is used
// when the publisher shuts down under an unfinished transaction.
func (b *Bridge) abandon(ctx context.Context) error {
	b.mu.Lock()
	if IsBridgeTerminal(b.state) {
		b.mu.Unlock()
		return nil
	}
	var abortErr error
	if b.state != BridgeNotStarted {
		abortErr = b.producer.AbortTxn()
	}
	b.state = BridgeRolledBack
	b.mu.Unlock()

	b.metrics.SessionRolledBack()
	b.logger.Warn("broker session abandoned on shutdown", zap.String("session", b.key), zap.String("tx_id", b.txID))
	closeErr := b.closeProducer(ctx)
	if abortErr != nil {
		return &PublishError{Phase: PhaseRollback, SessionKey: b.key, Err: abortErr}
	}
	return closeErr
}

// release removes the session from the registry and closes its producer.
func (b *Bridge) release(ctx context.Context) {
	b.registry.Remove(b.key, b)
	b.metrics.OpenSessions(b.registry.Len())
	if err := b.closeProducer(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("closing broker session", zap.String("session", b.key), zap.Error(err))
	}
}

// closeProducer closes the producer once; later calls return nil.
func (b *Bridge) closeProducer(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- b.producer.Close()
	}()

	timer := time.NewTimer(b.config.CloseTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return &PublishError{Phase: PhaseClose, SessionKey: b.key, Err: err}
		}
		return nil
	case <-timer.C:
		return &PublishError{Phase: PhaseClose, SessionKey: b.key,
			Err: fmt.Errorf("producer did not close within %s", b.config.CloseTimeout)}
	case <-ctx.Done():
		return &PublishError{Phase: PhaseClose, SessionKey: b.key, Err: ctx.Err()}
	}
}

package publish

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ErrNotInTransaction indicates a send on a producer with no open broker
// transaction.
var ErrNotInTransaction = errors.New("producer has no open broker transaction")

// Producer is the transactional producer a broker session needs. Send hands
// a message over without waiting for the broker; delivery failures surface
// when the transaction commits.
type Producer interface {
	BeginTxn() error
	CommitTxn() error
	AbortTxn() error
	Send(msg *sarama.ProducerMessage) error
	Close() error
}

// ProducerFactory opens a producer for one broker session. The session key
// is used as transactional id.
type ProducerFactory func(sessionKey string) (Producer, error)

// KafkaProducerFactory returns a factory opening one transactional sarama
// async producer per session against brokers.
func KafkaProducerFactory(brokers []string, cfg Config, logger *zap.Logger) ProducerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(sessionKey string) (Producer, error) {
		p, err := sarama.NewAsyncProducer(brokers, cfg.SaramaConfig(sessionKey))
		if err != nil {
			return nil, fmt.Errorf("open transactional producer %s: %w", sessionKey, err)
		}
		return NewAsyncProducer(p, sessionKey, logger), nil
	}
}

// AsyncProducer adapts a transactional sarama.AsyncProducer. Delivery
// reports are drained in the background and logged.
type AsyncProducer struct {
	producer sarama.AsyncProducer
	key      string
	logger   *zap.Logger
	drained  chan struct{}
}

var _ Producer = (*AsyncProducer)(nil)

// NewAsyncProducer wraps p and starts draining its delivery reports.
func NewAsyncProducer(p sarama.AsyncProducer, sessionKey string, logger *zap.Logger) *AsyncProducer {
	a := &AsyncProducer{
		producer: p,
		key:      sessionKey,
		logger:   logger,
		drained:  make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *AsyncProducer) drain() {
	defer close(a.drained)
	successes, failures := a.producer.Successes(), a.producer.Errors()
	for successes != nil || failures != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			a.logger.Debug("event delivered",
				zap.String("session", a.key), zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
		case perr, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			topic := ""
			if perr.Msg != nil {
				topic = perr.Msg.Topic
			}
			a.logger.Warn("event delivery failed",
				zap.String("session", a.key), zap.String("topic", topic), zap.Error(perr.Err))
		}
	}
}

// BeginTxn opens a broker transaction.
func (a *AsyncProducer) BeginTxn() error {
	return a.producer.BeginTxn()
}

// CommitTxn flushes the pending messages and commits.
func (a *AsyncProducer) CommitTxn() error {
	return a.producer.CommitTxn()
}

// AbortTxn discards the pending messages.
func (a *AsyncProducer) AbortTxn() error {
	return a.producer.AbortTxn()
}

// Send enqueues msg. Only a send outside a broker transaction is rejected
// here.
func (a *AsyncProducer) Send(msg *sarama.ProducerMessage) error {
	if a.producer.TxnStatus()&sarama.ProducerTxnFlagInTransaction == 0 {
		return ErrNotInTransaction
	}
	a.producer.Input() <- msg
	return nil
}

// Close shuts the producer down and waits for the delivery reports to drain.
func (a *AsyncProducer) Close() error {
	err := a.producer.Close()
	<-a.drained
	return err
}

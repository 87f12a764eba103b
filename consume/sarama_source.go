package consume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// SaramaConfig returns the consumer configuration: read-committed
// isolation and manual offset commits.
func SaramaConfig(clientID string, version sarama.KafkaVersion) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = clientID
	sc.Version = version
	sc.Consumer.IsolationLevel = sarama.ReadCommitted
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	return sc
}

type partitionKey struct {
	topic     string
	partition int32
}

// SaramaSource reads every partition of a set of topics and commits
// positions to a consumer group through the offset manager.
type SaramaSource struct {
	client    sarama.Client
	consumer  sarama.Consumer
	offsets   sarama.OffsetManager
	logger    *zap.Logger
	batchSize int

	messages   chan *sarama.ConsumerMessage
	done       chan struct{}
	partitions map[partitionKey]sarama.PartitionOffsetManager
	consumers  []sarama.PartitionConsumer
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

var _ Source = (*SaramaSource)(nil)

// SaramaSourceConfig configures NewSaramaSource.
type SaramaSourceConfig struct {
	Brokers   []string
	Group     string
	Topics    []string
	Start     StartOffset
	BatchSize int
	Sarama    *sarama.Config
	Logger    *zap.Logger
}

// NewSaramaSource connects to the brokers and starts one partition consumer
// per partition of every topic.
func NewSaramaSource(cfg SaramaSourceConfig) (*SaramaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Group == "" || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("%w: brokers, group and topics are required", ErrInvalidConfig)
	}
	if cfg.Sarama == nil {
		cfg.Sarama = SaramaConfig("catlock", sarama.V2_8_0_0)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	client, err := sarama.NewClient(cfg.Brokers, cfg.Sarama)
	if err != nil {
		return nil, fmt.Errorf("connect to brokers: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		closeQuietly(cfg.Logger, "kafka client", client)
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	offsets, err := sarama.NewOffsetManagerFromClient(cfg.Group, client)
	if err != nil {
		closeQuietly(cfg.Logger, "kafka consumer", consumer)
		closeQuietly(cfg.Logger, "kafka client", client)
		return nil, fmt.Errorf("create offset manager: %w", err)
	}

	s := &SaramaSource{
		client:     client,
		consumer:   consumer,
		offsets:    offsets,
		logger:     cfg.Logger,
		batchSize:  cfg.BatchSize,
		messages:   make(chan *sarama.ConsumerMessage, cfg.BatchSize),
		done:       make(chan struct{}),
		partitions: make(map[partitionKey]sarama.PartitionOffsetManager),
	}
	for _, topic := range cfg.Topics {
		if err := s.consumeTopic(topic, cfg.Start); err != nil {
			closeQuietly(cfg.Logger, "kafka source", s)
			return nil, err
		}
	}
	return s, nil
}

// closeQuietly closes c on a cleanup path where the original error wins.
func closeQuietly(logger *zap.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Debug("close after failed setup", zap.String("component", what), zap.Error(err))
	}
}

func (s *SaramaSource) consumeTopic(topic string, start StartOffset) error {
	partitions, err := s.client.Partitions(topic)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", topic, err)
	}
	for _, p := range partitions {
		pom, err := s.offsets.ManagePartition(topic, p)
		if err != nil {
			return fmt.Errorf("manage offsets of %s/%d: %w", topic, p, err)
		}
		s.partitions[partitionKey{topic, p}] = pom

		committed, _ := pom.NextOffset()
		offset := resolveOffset(start, committed)
		pc, err := s.consumer.ConsumePartition(topic, p, offset)
		if err != nil {
			return fmt.Errorf("consume %s/%d from %d: %w", topic, p, offset, err)
		}
		s.consumers = append(s.consumers, pc)
		s.logger.Info("consuming partition",
			zap.String("topic", topic), zap.Int32("partition", p),
			zap.String("policy", start.Policy.String()), zap.Int64("offset", offset))

		s.wg.Add(1)
		go s.forward(pc)
		go s.logErrors(pc.Errors(), pom.Errors())
	}
	return nil
}

func (s *SaramaSource) forward(pc sarama.PartitionConsumer) {
	defer s.wg.Done()
	for m := range pc.Messages() {
		select {
		case s.messages <- m:
		case <-s.done:
			return
		}
	}
}

func (s *SaramaSource) logErrors(consumerErrs <-chan *sarama.ConsumerError, offsetErrs <-chan *sarama.ConsumerError) {
	for consumerErrs != nil || offsetErrs != nil {
		select {
		case err, ok := <-consumerErrs:
			if !ok {
				consumerErrs = nil
				continue
			}
			s.logger.Warn("partition consumer error", zap.Error(err))
		case err, ok := <-offsetErrs:
			if !ok {
				offsetErrs = nil
				continue
			}
			s.logger.Warn("offset manager error", zap.Error(err))
		}
	}
}

// Poll waits up to timeout for the first record and then returns it with
// whatever else is already buffered, up to the batch size.
func (s *SaramaSource) Poll(ctx context.Context, timeout time.Duration) ([]*Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first *sarama.ConsumerMessage
	select {
	case first = <-s.messages:
	case <-timer.C:
		return nil, nil
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	records := []*Record{toRecord(first)}
	for len(records) < s.batchSize {
		select {
		case m := <-s.messages:
			records = append(records, toRecord(m))
		default:
			return records, nil
		}
	}
	return records, nil
}

// Commit marks the offset after r and flushes it to the group coordinator.
func (s *SaramaSource) Commit(_ context.Context, r *Record) error {
	pom, ok := s.partitions[partitionKey{r.Topic, r.Partition}]
	if !ok {
		return fmt.Errorf("commit %s: partition not consumed by this source", r)
	}
	pom.MarkOffset(r.Offset+1, "")
	s.offsets.Commit()
	return nil
}

// Close stops every partition consumer and releases the connection.
func (s *SaramaSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		var errs []error
		for _, pc := range s.consumers {
			if err := pc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, pom := range s.partitions {
			if err := pom.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.offsets.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.consumer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
		s.wg.Wait()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func toRecord(m *sarama.ConsumerMessage) *Record {
	r := &Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if len(m.Headers) > 0 {
		r.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			if h != nil {
				r.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	return r
}

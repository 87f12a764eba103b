// Package consume reads catalog events from the broker and hands them to a
// handler, committing each record's offset once its processing finished.
package consume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"catlock"
	"catlock/event"
	"catlock/idempotency"
	"catlock/metrics"
)

// Config holds the consumer loop settings.
type Config struct {
	// PollInterval bounds one poll; shutdown is noticed at least this often.
	PollInterval time.Duration
	// CommitTimeout bounds storing one offset.
	CommitTimeout time.Duration
	// JobTimeout bounds recording one failed import job.
	JobTimeout time.Duration
	// DedupTTL is how long a handled event id is remembered when
	// deduplication is enabled.
	DedupTTL time.Duration
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		CommitTimeout: 10 * time.Second,
		JobTimeout:    10 * time.Second,
		DedupTTL:      24 * time.Hour,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: PollInterval must be positive", ErrInvalidConfig)
	}
	if c.CommitTimeout <= 0 {
		return fmt.Errorf("%w: CommitTimeout must be positive", ErrInvalidConfig)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("%w: JobTimeout must be positive", ErrInvalidConfig)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("%w: DedupTTL must be positive", ErrInvalidConfig)
	}
	return nil
}

// Consumer polls a Source and dispatches decoded events to a handler.
// Every record's offset is committed after processing, failed or not, so a
// poison record is reported once instead of blocking its partition.
type Consumer struct {
	source  Source
	handler event.Handler
	jobs    JobRecorder
	seen    idempotency.Checker
	config  Config
	logger  *zap.Logger
	metrics metrics.Metrics

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	polled         int64
	processed      int64
	failed         int64
	duplicates     int64
	commitFailures int64
	statsMu        sync.RWMutex
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithJobRecorder sets where failed import jobs are recorded.
func WithJobRecorder(r JobRecorder) Option {
	return func(c *Consumer) {
		c.jobs = r
	}
}

// WithDeduplication skips events whose id seen reports as handled. Events
// are marked after their handler succeeds; a failed check is logged and the
// event processed anyway.
func WithDeduplication(seen idempotency.Checker) Option {
	return func(c *Consumer) {
		c.seen = seen
	}
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Option {
	return func(c *Consumer) {
		c.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Consumer) {
		c.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer creates a consumer reading source and calling handler.
func NewConsumer(source Source, handler event.Handler, opts ...Option) (*Consumer, error) {
	if source == nil || handler == nil {
		return nil, fmt.Errorf("%w: source and handler are required", ErrInvalidConfig)
	}
	c := &Consumer{
		source:  source,
		handler: handler,
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		metrics: &metrics.NoopMetrics{},
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start runs the poll loop in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info("consumer started", zap.Duration("poll_interval", c.config.PollInterval))
	return nil
}

// Stop signals the loop and waits for the record in flight to finish. The
// loop notices the signal within one poll interval.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("consumer stopped")
}

// IsRunning returns true if the loop is running.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Warn("poll failed", zap.Error(err))
			select {
			case <-time.After(c.config.PollInterval):
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// PollOnce polls once and processes what it received. It returns the number
// of records handled. Processing failures are recorded, not returned.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	records, err := c.source.Poll(ctx, c.config.PollInterval)
	if err != nil {
		return 0, err
	}
	c.addStat(&c.polled, int64(len(records)))

	for _, r := range records {
		select {
		case <-c.stopCh:
			// Unprocessed records stay uncommitted and are read again.
			return 0, nil
		default:
		}
		c.handle(ctx, r)
	}
	return len(records), nil
}

func (c *Consumer) handle(ctx context.Context, r *Record) {
	e, err := c.process(ctx, r)
	switch {
	case errors.Is(err, errDuplicate):
		c.addStat(&c.duplicates, 1)
		c.logger.Debug("duplicate event skipped", zap.String("record", r.String()), zap.String("event_id", e.ID))
	case err != nil:
		c.addStat(&c.failed, 1)
		c.metrics.RecordProcessed(r.Topic, false)
		c.logger.Error("record processing failed", zap.String("record", r.String()), zap.Error(err))
		c.recordFailure(ctx, e, err)
	default:
		c.addStat(&c.processed, 1)
		c.metrics.RecordProcessed(r.Topic, true)
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()
	if err := c.source.Commit(commitCtx, r); err != nil {
		c.addStat(&c.commitFailures, 1)
		c.metrics.OffsetCommitFailed(r.Topic)
		c.logger.Warn("offset commit failed, record may be redelivered",
			zap.String("record", r.String()), zap.Error(err))
	}
}

func (c *Consumer) process(ctx context.Context, r *Record) (*event.Event, error) {
	e, err := event.Unmarshal(r.Value)
	if err != nil {
		return nil, &ProcessingError{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Err: err}
	}
	if c.isDuplicate(ctx, e) {
		return e, errDuplicate
	}
	if err := c.handler(ctx, e); err != nil {
		return e, &ProcessingError{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, EventID: e.ID, Err: err}
	}
	if c.seen != nil {
		if err := c.seen.Mark(ctx, e.ID, c.config.DedupTTL); err != nil {
			c.logger.Warn("failed to mark event handled", zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	return e, nil
}

var errDuplicate = errors.New("duplicate event")

func (c *Consumer) isDuplicate(ctx context.Context, e *event.Event) bool {
	if c.seen == nil || e.ID == "" {
		return false
	}
	seen, err := c.seen.Check(ctx, e.ID)
	if err != nil {
		c.logger.Warn("deduplication check failed, processing event", zap.String("event_id", e.ID), zap.Error(err))
		return false
	}
	return seen
}

// recordFailure marks every import job carried by e as failed.
func (c *Consumer) recordFailure(ctx context.Context, e *event.Event, cause error) {
	if c.jobs == nil || e == nil {
		return
	}
	for _, o := range e.Objects {
		if o.Type != string(catlock.TargetImportJob) {
			continue
		}
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.JobTimeout)
		err := c.jobs.MarkFailed(jobCtx, o.ID, cause.Error())
		cancel()
		if err != nil {
			c.logger.Error("failed to record import job failure",
				zap.String("job_id", o.ID), zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		c.logger.Info("import job marked failed", zap.String("job_id", o.ID), zap.String("event_id", e.ID))
	}
}

func (c *Consumer) addStat(field *int64, n int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	*field += n
}

// Stats holds consumer counters.
type Stats struct {
	Polled         int64
	Processed      int64
	Failed         int64
	Duplicates     int64
	CommitFailures int64
	IsRunning      bool
}

// Stats returns the current counters.
func (c *Consumer) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return Stats{
		Polled:         c.polled,
		Processed:      c.processed,
		Failed:         c.failed,
		Duplicates:     c.duplicates,
		CommitFailures: c.commitFailures,
		IsRunning:      c.IsRunning(),
	}
}

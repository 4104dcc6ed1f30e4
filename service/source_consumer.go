package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/lechuhuuha/table_forge/internal/metrics"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
	"github.com/lechuhuuha/table_forge/util"
)

const (
	sourceRetryMinBackoff = 200 * time.Millisecond
	sourceRetryMaxBackoff = 5 * time.Second
	sourceDownLogInterval = 10 * time.Second
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func defaultKafkaReaderFactory(cfg kafka.ReaderConfig) kafkaReader {
	return kafka.NewReader(cfg)
}

// SourceConfig configures the source topics read by a SourceConsumer.
type SourceConfig struct {
	Brokers  []string
	Topics   []string
	GroupID  string
	MinBytes int
	MaxBytes int
	// Buffer is the capacity of the Records channel.
	Buffer int
}

// SourceConsumer reads source topics in a background goroutine and hands the
// records to the driver. Offsets are only committed through Commit, after the
// records were appended to the table.
type SourceConsumer struct {
	readerCfg     kafka.ReaderConfig
	readerFactory func(kafka.ReaderConfig) kafkaReader
	buffer        int

	mu     sync.Mutex
	reader kafkaReader
	out    chan model.SinkRecord
	cancel context.CancelFunc
	done   chan struct{}

	sourceDown    atomic.Bool
	lastDownLogNs atomic.Int64
	logger        loggerpkg.Logger
}

func NewSourceConsumer(cfg SourceConfig, logr loggerpkg.Logger) (*SourceConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("source brokers must be provided")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("source topics must be provided")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("source group id must be provided")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if logr == nil {
		logr = loggerpkg.NewNop()
	}
	return &SourceConsumer{
		readerCfg: kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupTopics: cfg.Topics,
			GroupID:     cfg.GroupID,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			// Offsets are committed explicitly once the table append succeeded.
			CommitInterval: 0,
		},
		readerFactory: defaultKafkaReaderFactory,
		buffer:        cfg.Buffer,
		logger:        logr.With(loggerpkg.F("group", cfg.GroupID)),
	}, nil
}

// Start launches the fetch goroutine.
func (s *SourceConsumer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		return errors.New("source consumer already started")
	}
	s.reader = s.readerFactory(s.readerCfg)
	s.out = make(chan model.SinkRecord, s.buffer)
	s.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.logger.Info("starting source consumer", loggerpkg.F("topics", s.readerCfg.GroupTopics))
	go s.consume(runCtx, s.reader, s.out, s.done)
	return nil
}

// Records delivers fetched records. It is closed when the consumer stops.
func (s *SourceConsumer) Records() <-chan model.SinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

func (s *SourceConsumer) consume(ctx context.Context, reader kafkaReader, out chan<- model.SinkRecord, done chan struct{}) {
	defer func() {
		close(out)
		close(done)
		s.logger.Info("source consumer stopped")
	}()
	retryDelay := sourceRetryMinBackoff
	retryRand := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return
			}
			s.markSourceDown(err)
			if !util.WaitForRetry(ctx, util.JitterRetryDelay(retryDelay, retryRand)) {
				return
			}
			retryDelay = util.NextRetryDelay(retryDelay, sourceRetryMinBackoff, sourceRetryMaxBackoff)
			continue
		}
		retryDelay = sourceRetryMinBackoff
		s.markSourceUp(msg.Partition, msg.Offset)

		rec := model.SinkRecord{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Timestamp: msg.Time,
		}
		select {
		case out <- rec:
			metrics.AddSourceRecords(1)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SourceConsumer) markSourceDown(err error) {
	now := time.Now().UTC().UnixNano()
	if !s.sourceDown.Swap(true) {
		s.lastDownLogNs.Store(now)
		s.logger.Warn("source fetch failed, retrying", loggerpkg.Err(err))
		return
	}
	last := s.lastDownLogNs.Load()
	if now-last >= int64(sourceDownLogInterval) && s.lastDownLogNs.CompareAndSwap(last, now) {
		s.logger.Warn("source still unavailable", loggerpkg.Err(err))
	}
}

func (s *SourceConsumer) markSourceUp(partition int, offset int64) {
	if s.sourceDown.Swap(false) {
		s.logger.Info("source fetch recovered",
			loggerpkg.F("partition", partition),
			loggerpkg.F("offset", offset),
		)
	}
}

// Healthy reports whether the last fetch succeeded.
func (s *SourceConsumer) Healthy() bool { return !s.sourceDown.Load() }

// Commit stores next-offsets for the source consumer group.
func (s *SourceConsumer) Commit(ctx context.Context, offsets map[model.TopicPartition]int64) error {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return errors.New("source consumer not started")
	}
	if len(offsets) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(offsets))
	for tp, next := range offsets {
		// the reader commits message offset+1
		msgs = append(msgs, kafka.Message{Topic: tp.Topic, Partition: tp.Partition, Offset: next - 1})
	}
	if err := reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit source offsets: %w", err)
	}
	return nil
}

// Close stops the fetch goroutine and closes the reader.
func (s *SourceConsumer) Close() error {
	s.mu.Lock()
	reader, cancel, done := s.reader, s.cancel, s.done
	s.mu.Unlock()
	if reader == nil {
		return nil
	}
	cancel()
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	s.reader = nil
	return reader.Close()
}

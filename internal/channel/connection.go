package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	loggerpkg "github.com/lechuhuuha/table_forge/logger"
)

type kafkaProducer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaFetcher interface {
	Fetch(ctx context.Context, req *kafka.FetchRequest) (*kafka.FetchResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
}

type kafkaAdmin interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	OffsetFetch(ctx context.Context, req *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error)
	OffsetCommit(ctx context.Context, req *kafka.OffsetCommitRequest) (*kafka.OffsetCommitResponse, error)
}

// clientFactories builds the three broker handles. Tests swap in fakes.
type clientFactories struct {
	producer func(topic string, s kafkaSettings) kafkaProducer
	consumer func(readerGroupID string, s kafkaSettings) (kafkaFetcher, func() error)
	admin    func(s kafkaSettings) (kafkaAdmin, func() error)
}

func kafkaClientFactories() clientFactories {
	return clientFactories{
		producer: func(topic string, s kafkaSettings) kafkaProducer {
			return &kafka.Writer{
				Addr:         kafka.TCP(s.Brokers...),
				Topic:        topic,
				Balancer:     &kafka.Hash{},
				RequiredAcks: s.RequiredAcks,
				Compression:  s.Compression,
				WriteTimeout: s.RequestTimeout,
				// WriteMessages returns once the single-message batch is acknowledged.
				BatchSize:    1,
				BatchTimeout: time.Millisecond,
				Transport:    &kafka.Transport{ClientID: s.ClientID},
			}
		},
		consumer: func(readerGroupID string, s kafkaSettings) (kafkaFetcher, func() error) {
			transport := &kafka.Transport{ClientID: readerGroupID}
			client := &kafka.Client{Addr: kafka.TCP(s.Brokers...), Timeout: s.RequestTimeout, Transport: transport}
			return client, closeIdle(transport)
		},
		admin: func(s kafkaSettings) (kafkaAdmin, func() error) {
			transport := &kafka.Transport{ClientID: s.ClientID + "-admin"}
			client := &kafka.Client{Addr: kafka.TCP(s.Brokers...), Timeout: s.RequestTimeout, Transport: transport}
			return client, closeIdle(transport)
		},
	}
}

func closeIdle(t *kafka.Transport) func() error {
	return func() error {
		t.CloseIdleConnections()
		return nil
	}
}

// LogConnection owns the producer, consumer and admin handles for the coordination topic.
type LogConnection struct {
	topic         string
	commitGroupID string
	readerGroupID string

	producer     kafkaProducer
	consumer     *logConsumer
	admin        kafkaAdmin
	releaseAdmin func() error

	partitions []int
	released   bool
	logger     loggerpkg.Logger
}

func newLogConnection(topic, commitGroupID, readerGroupID string, s kafkaSettings, f clientFactories, logr loggerpkg.Logger) *LogConnection {
	fetcher, releaseConsumer := f.consumer(readerGroupID, s)
	admin, releaseAdmin := f.admin(s)
	return &LogConnection{
		topic:         topic,
		commitGroupID: commitGroupID,
		readerGroupID: readerGroupID,
		producer:      f.producer(topic, s),
		consumer:      newLogConsumer(topic, fetcher, releaseConsumer, s, logr),
		admin:         admin,
		releaseAdmin:  releaseAdmin,
		logger:        logr,
	}
}

// start assigns the consumer to every partition of the coordination topic.
func (c *LogConnection) start(ctx context.Context) error {
	partitions, err := c.describePartitions(ctx)
	if err != nil {
		return err
	}
	if err := c.consumer.assign(ctx, partitions); err != nil {
		return err
	}
	c.partitions = partitions
	c.logger.Info("coordination topic assigned",
		loggerpkg.F("topic", c.topic),
		loggerpkg.F("partitions", len(partitions)),
	)
	return nil
}

func (c *LogConnection) describePartitions(ctx context.Context) ([]int, error) {
	resp, err := c.admin.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{c.topic}})
	if err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", c.topic, err)
	}
	for _, t := range resp.Topics {
		if t.Name != c.topic {
			continue
		}
		if t.Error != nil {
			return nil, fmt.Errorf("describe topic %s: %w", c.topic, t.Error)
		}
		partitions := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
		if len(partitions) == 0 {
			return nil, fmt.Errorf("topic %s has no partitions", c.topic)
		}
		sort.Ints(partitions)
		return partitions, nil
	}
	return nil, fmt.Errorf("topic %s not found", c.topic)
}

func (c *LogConnection) publish(ctx context.Context, key, value []byte) error {
	return c.producer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

// committedOffsets returns the durable commit group's offsets for the coordination
// topic, skipping partitions that have nothing committed.
func (c *LogConnection) committedOffsets(ctx context.Context) (map[int]int64, error) {
	resp, err := c.admin.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: c.commitGroupID,
		Topics:  map[string][]int{c.topic: c.partitions},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch offsets of group %s: %w", c.commitGroupID, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("fetch offsets of group %s: %w", c.commitGroupID, resp.Error)
	}
	out := make(map[int]int64)
	for topic, partitions := range resp.Topics {
		if topic != c.topic {
			continue
		}
		for _, p := range partitions {
			if p.Error != nil {
				return nil, fmt.Errorf("fetch offset %s/%d: %w", topic, p.Partition, p.Error)
			}
			if p.CommittedOffset < 0 {
				continue
			}
			out[p.Partition] = p.CommittedOffset
		}
	}
	return out, nil
}

// commitOffsets stores offsets under the durable commit group as a simple
// (non-member) commit.
func (c *LogConnection) commitOffsets(ctx context.Context, offsets map[int]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	partitions := make([]int, 0, len(offsets))
	for p := range offsets {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)
	commits := make([]kafka.OffsetCommit, 0, len(partitions))
	for _, p := range partitions {
		commits = append(commits, kafka.OffsetCommit{Partition: p, Offset: offsets[p]})
	}
	resp, err := c.admin.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      c.commitGroupID,
		GenerationID: -1,
		Topics:       map[string][]kafka.OffsetCommit{c.topic: commits},
	})
	if err != nil {
		return fmt.Errorf("commit offsets of group %s: %w", c.commitGroupID, err)
	}
	var errs error
	for topic, results := range resp.Topics {
		for _, r := range results {
			if r.Error != nil {
				errs = multierr.Append(errs, fmt.Errorf("commit offset %s/%d: %w", topic, r.Partition, r.Error))
			}
		}
	}
	return errs
}

// stop releases producer, consumer and admin. Every release is attempted even
// when an earlier one fails; all failures are returned together.
func (c *LogConnection) stop() error {
	if c.released {
		return nil
	}
	c.released = true
	var errs error
	release := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = multierr.Append(errs, fmt.Errorf("release %s: panic: %v", name, r))
			}
		}()
		if fn == nil {
			return
		}
		if err := fn(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", name, err))
		}
	}
	release("producer", c.producer.Close)
	release("consumer", c.consumer.close)
	release("admin", c.releaseAdmin)
	if errs != nil {
		c.logger.Warn("coordination connection released with errors", loggerpkg.Err(errs))
	}
	return errs
}

var errNoPartitions = errors.New("consumer has no assigned partitions")

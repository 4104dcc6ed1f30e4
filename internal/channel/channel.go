package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lechuhuuha/table_forge/config"
	"github.com/lechuhuuha/table_forge/internal/message"
	"github.com/lechuhuuha/table_forge/internal/metrics"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
)

const readerGroupPrefix = "cg-table-forge-"

var (
	// ErrNotStarted is returned by operations that need an assigned consumer.
	ErrNotStarted = errors.New("channel not started")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("channel closed")
)

// Receiver handles messages drained from the coordination topic.
type Receiver interface {
	Receive(ctx context.Context, m message.Message) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, m message.Message) error

func (f ReceiverFunc) Receive(ctx context.Context, m message.Message) error { return f(ctx, m) }

// OffsetCheckpoint maps each coordination partition to the next offset to read.
type OffsetCheckpoint map[model.TopicPartition]int64

func (o OffsetCheckpoint) clone() OffsetCheckpoint {
	out := make(OffsetCheckpoint, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

type state int

const (
	stateNew state = iota
	stateStarted
	stateClosed
)

// Option customizes a Channel.
type Option func(*Channel)

// WithIdentitySource overrides how reader identities are generated.
func WithIdentitySource(next func() string) Option {
	return func(c *Channel) {
		if next != nil {
			c.nextID = next
		}
	}
}

func withClientFactories(f clientFactories) Option {
	return func(c *Channel) { c.factories = f }
}

// NewReaderIdentity returns a fresh ephemeral reader identity.
func NewReaderIdentity() string {
	return readerGroupPrefix + uuid.NewString()
}

// Channel is the commit coordination channel. Process, Send and the checkpoint
// operations are meant to be driven from a single goroutine; only Stop may race them.
type Channel struct {
	topic         string
	commitGroupID string
	readerGroupID string

	conn       *LogConnection
	receiver   Receiver
	checkpoint OffsetCheckpoint

	factories clientFactories
	nextID    func() string

	mu     sync.Mutex
	state  state
	logger loggerpkg.Logger
}

// New builds a channel from props. The connection is created here but the
// coordination topic is not assigned until Start.
func New(props config.Properties, receiver Receiver, logr loggerpkg.Logger, opts ...Option) (*Channel, error) {
	if logr == nil {
		logr = loggerpkg.NewNop()
	}
	if receiver == nil {
		return nil, errors.New("channel: receiver is required")
	}
	if err := props.Require(config.PropCoordinatorTopic, config.PropCommitGroupID); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	settings, err := parseKafkaSettings(props.WithPrefix(config.PropKafkaPrefix), logr)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}

	c := &Channel{
		topic:         props.Get(config.PropCoordinatorTopic),
		commitGroupID: props.Get(config.PropCommitGroupID),
		receiver:      receiver,
		checkpoint:    make(OffsetCheckpoint),
		factories:     kafkaClientFactories(),
		nextID:        NewReaderIdentity,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.readerGroupID = c.nextID()
	c.logger = logr.With(
		loggerpkg.F("topic", c.topic),
		loggerpkg.F("readerGroup", c.readerGroupID),
	)
	c.conn = newLogConnection(c.topic, c.commitGroupID, c.readerGroupID, settings, c.factories, c.logger)
	return c, nil
}

// Start assigns the consumer to every partition of the coordination topic.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return ErrClosed
	case stateStarted:
		return nil
	}
	if err := c.conn.start(ctx); err != nil {
		metrics.IncChannelErrors("start")
		return fmt.Errorf("start channel: %w", err)
	}
	c.state = stateStarted
	return nil
}

func (c *Channel) ensureStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// Send publishes m and returns once the broker has acknowledged it.
func (c *Channel) Send(ctx context.Context, m message.Message) error {
	if err := c.ensureStarted(); err != nil {
		return err
	}
	m = m.WithProducer(c.readerGroupID)
	data, err := message.Encode(m)
	if err != nil {
		metrics.IncChannelErrors("send")
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	if err := c.conn.publish(ctx, []byte(c.readerGroupID), data); err != nil {
		metrics.IncChannelErrors("send")
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	metrics.IncMessagesSent(string(m.Type))
	c.logger.Debug("coordination message sent",
		loggerpkg.F("type", m.Type),
		loggerpkg.F("id", m.ID),
		loggerpkg.F("commitID", m.CommitID),
	)
	return nil
}

// Process drains everything currently available on the coordination topic and
// hands each message to the receiver in log order. It returns the number of
// messages dispatched.
func (c *Channel) Process(ctx context.Context) (int, error) {
	if err := c.ensureStarted(); err != nil {
		return 0, err
	}
	return c.consumeAvailable(ctx)
}

func (c *Channel) consumeAvailable(ctx context.Context) (int, error) {
	dispatched := 0
	for {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		records, err := c.conn.consumer.poll(ctx)
		if err != nil {
			metrics.IncChannelErrors("poll")
			return dispatched, fmt.Errorf("poll coordination topic: %w", err)
		}
		if len(records) == 0 {
			return dispatched, nil
		}
		for _, rec := range records {
			m, err := message.Decode(rec.Value)
			if err != nil {
				metrics.IncChannelErrors("receive")
				return dispatched, fmt.Errorf("record %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
			}
			if err := c.receiver.Receive(ctx, m); err != nil {
				metrics.IncChannelErrors("receive")
				return dispatched, fmt.Errorf("receive %s at %s/%d@%d: %w", m.Type, rec.Topic, rec.Partition, rec.Offset, err)
			}
			c.advance(model.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}, rec.Offset+1)
			metrics.IncMessagesReceived(string(m.Type))
			dispatched++
		}
	}
}

func (c *Channel) advance(tp model.TopicPartition, next int64) {
	if cur, ok := c.checkpoint[tp]; ok && cur >= next {
		return
	}
	c.checkpoint[tp] = next
}

// LastCheckpoint returns the offsets last committed by the durable commit group.
// Partitions with nothing committed are absent.
func (c *Channel) LastCheckpoint(ctx context.Context) (OffsetCheckpoint, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	committed, err := c.conn.committedOffsets(ctx)
	if err != nil {
		metrics.IncChannelErrors("resume")
		return nil, err
	}
	out := make(OffsetCheckpoint, len(committed))
	for p, off := range committed {
		out[model.TopicPartition{Topic: c.topic, Partition: p}] = off
	}
	return out, nil
}

// ResumeFromLastCheckpoint repositions the reader to the durable commit group's
// offsets. Partitions without a committed offset keep their current position.
func (c *Channel) ResumeFromLastCheckpoint(ctx context.Context) error {
	last, err := c.LastCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("resume from checkpoint: %w", err)
	}
	for tp, off := range last {
		if err := c.conn.consumer.seek(tp.Partition, off); err != nil {
			metrics.IncChannelErrors("resume")
			return fmt.Errorf("resume from checkpoint: %w", err)
		}
	}
	metrics.IncCheckpointResumes()
	c.logger.Info("resumed from durable checkpoint",
		loggerpkg.F("commitGroup", c.commitGroupID),
		loggerpkg.F("partitions", len(last)),
	)
	return nil
}

// CommitCheckpoint stores the in-memory checkpoint under the durable commit group.
func (c *Channel) CommitCheckpoint(ctx context.Context) error {
	if err := c.ensureStarted(); err != nil {
		return err
	}
	if len(c.checkpoint) == 0 {
		return nil
	}
	offsets := make(map[int]int64, len(c.checkpoint))
	for tp, off := range c.checkpoint {
		if tp.Topic == c.topic {
			offsets[tp.Partition] = off
		}
	}
	if err := c.conn.commitOffsets(ctx, offsets); err != nil {
		metrics.IncChannelErrors("checkpoint")
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	metrics.IncCheckpointCommits()
	c.logger.Debug("checkpoint committed", loggerpkg.F("partitions", len(offsets)))
	return nil
}

// Offsets returns a copy of the in-memory checkpoint.
func (c *Channel) Offsets() OffsetCheckpoint {
	return c.checkpoint.clone()
}

func (c *Channel) ReaderGroupID() string { return c.readerGroupID }

func (c *Channel) CommitGroupID() string { return c.commitGroupID }

func (c *Channel) Topic() string { return c.topic }

// Stop releases every broker handle. Later calls are no-ops.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	if err := c.conn.stop(); err != nil {
		metrics.IncChannelErrors("stop")
		return fmt.Errorf("stop channel: %w", err)
	}
	c.logger.Info("coordination channel stopped")
	return nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	kafka "github.com/segmentio/kafka-go"

	loggerpkg "github.com/lechuhuuha/table_forge/logger"
)

// Record is one raw entry read from the coordination topic.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// logConsumer reads the coordination topic from explicitly assigned partitions and
// tracks its own read positions. Nothing is committed on its behalf.
type logConsumer struct {
	topic    string
	client   kafkaFetcher
	release  func() error
	maxBytes int64
	maxWait  time.Duration

	partitions []int
	positions  map[int]int64
	logger     loggerpkg.Logger
}

// pollMaxWait bounds how long the broker may hold an empty fetch. kafka-go
// replaces a zero MaxWait with its own 500ms default.
const pollMaxWait = time.Millisecond

func newLogConsumer(topic string, client kafkaFetcher, release func() error, s kafkaSettings, logr loggerpkg.Logger) *logConsumer {
	maxWait := s.FetchMaxWait
	if maxWait <= 0 {
		maxWait = pollMaxWait
	}
	return &logConsumer{
		topic:     topic,
		client:    client,
		release:   release,
		maxBytes:  s.FetchMaxBytes,
		maxWait:   maxWait,
		positions: make(map[int]int64),
		logger:    logr,
	}
}

// assign takes ownership of partitions, positioning each at the current end of the log.
func (c *logConsumer) assign(ctx context.Context, partitions []int) error {
	latest, err := c.latestOffsets(ctx, partitions)
	if err != nil {
		return err
	}
	c.partitions = append([]int(nil), partitions...)
	sort.Ints(c.partitions)
	c.positions = latest
	return nil
}

func (c *logConsumer) latestOffsets(ctx context.Context, partitions []int) (map[int]int64, error) {
	reqs := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		reqs = append(reqs, kafka.LastOffsetOf(p))
	}
	resp, err := c.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{c.topic: reqs},
	})
	if err != nil {
		return nil, fmt.Errorf("list offsets of %s: %w", c.topic, err)
	}
	out := make(map[int]int64, len(partitions))
	for _, po := range resp.Topics[c.topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("list offset %s/%d: %w", c.topic, po.Partition, po.Error)
		}
		out[po.Partition] = po.LastOffset
	}
	for _, p := range partitions {
		if _, ok := out[p]; !ok {
			return nil, fmt.Errorf("list offsets of %s: partition %d missing from response", c.topic, p)
		}
	}
	return out, nil
}

// seek moves the read position of an assigned partition.
func (c *logConsumer) seek(partition int, offset int64) error {
	if _, ok := c.positions[partition]; !ok {
		return fmt.Errorf("seek %s/%d: partition not assigned", c.topic, partition)
	}
	c.positions[partition] = offset
	return nil
}

func (c *logConsumer) position(partition int) (int64, bool) {
	off, ok := c.positions[partition]
	return off, ok
}

// poll fetches whatever is currently available on each assigned partition, in
// partition order, and advances the positions past the returned records.
func (c *logConsumer) poll(ctx context.Context) ([]Record, error) {
	if len(c.partitions) == 0 {
		return nil, errNoPartitions
	}
	var out []Record
	for _, p := range c.partitions {
		records, err := c.fetch(ctx, p)
		if err != nil {
			return out, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (c *logConsumer) fetch(ctx context.Context, partition int) ([]Record, error) {
	pos := c.positions[partition]
	resp, err := c.client.Fetch(ctx, &kafka.FetchRequest{
		Topic:     c.topic,
		Partition: partition,
		Offset:    pos,
		MinBytes:  0,
		MaxBytes:  c.maxBytes,
		MaxWait:   c.maxWait,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%d@%d: %w", c.topic, partition, pos, err)
	}
	if resp.Error != nil {
		if errors.Is(resp.Error, kafka.OffsetOutOfRange) {
			return nil, c.resetToLatest(ctx, partition, pos)
		}
		return nil, fmt.Errorf("fetch %s/%d@%d: %w", c.topic, partition, pos, resp.Error)
	}
	if resp.Records == nil {
		return nil, nil
	}

	var out []Record
	for {
		rec, err := resp.Records.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s/%d@%d: %w", c.topic, partition, pos, err)
		}
		// Batches may start before the requested offset.
		if rec.Offset < pos {
			continue
		}
		key, err := readBytes(rec.Key)
		if err != nil {
			return nil, fmt.Errorf("read key %s/%d@%d: %w", c.topic, partition, rec.Offset, err)
		}
		value, err := readBytes(rec.Value)
		if err != nil {
			return nil, fmt.Errorf("read value %s/%d@%d: %w", c.topic, partition, rec.Offset, err)
		}
		out = append(out, Record{
			Topic:     c.topic,
			Partition: partition,
			Offset:    rec.Offset,
			Key:       key,
			Value:     value,
			Time:      rec.Time,
		})
	}
	if len(out) > 0 {
		c.positions[partition] = out[len(out)-1].Offset + 1
	}
	return out, nil
}

// resetToLatest applies the "latest" reset policy after an out-of-range position.
func (c *logConsumer) resetToLatest(ctx context.Context, partition int, from int64) error {
	latest, err := c.latestOffsets(ctx, []int{partition})
	if err != nil {
		return err
	}
	c.positions[partition] = latest[partition]
	c.logger.Warn("coordination offset out of range, reset to latest",
		loggerpkg.F("partition", partition),
		loggerpkg.F("from", from),
		loggerpkg.F("to", latest[partition]),
	)
	return nil
}

func (c *logConsumer) close() error {
	if c.release == nil {
		return nil
	}
	return c.release()
}

func readBytes(b kafka.Bytes) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	defer b.Close()
	return io.ReadAll(b)
}

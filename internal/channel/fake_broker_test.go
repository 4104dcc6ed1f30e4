package channel

import (
	"context"
	"errors"
	"sync"
	"testing"

	kafka "github.com/segmentio/kafka-go"

	"github.com/lechuhuuha/table_forge/config"
	"github.com/lechuhuuha/table_forge/internal/message"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
)

const (
	testTopic       = "control-table"
	testCommitGroup = "cg-control-sink"
)

type fakeEntry struct {
	key   []byte
	value []byte
}

// fakeBroker keeps an in-memory log per partition of a single topic plus the
// committed offsets of consumer groups.
type fakeBroker struct {
	mu         sync.Mutex
	topic      string
	partitions int
	logs       map[int][]fakeEntry
	committed  map[string]map[int]int64

	produceTo     int
	writeErr      error
	metadataErr   error
	fetchFromZero bool

	readerIDs  []string
	released   []string
	releaseErr map[string]error
}

func newFakeBroker(partitions int) *fakeBroker {
	return &fakeBroker{
		topic:      testTopic,
		partitions: partitions,
		logs:       make(map[int][]fakeEntry),
		committed:  make(map[string]map[int]int64),
		releaseErr: make(map[string]error),
	}
}

func (b *fakeBroker) append(partition int, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[partition] = append(b.logs[partition], fakeEntry{value: value})
}

func (b *fakeBroker) appendMessage(t *testing.T, partition int, m message.Message) {
	t.Helper()
	data, err := message.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.append(partition, data)
}

func (b *fakeBroker) commit(group string, partition int, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed[group] == nil {
		b.committed[group] = make(map[int]int64)
	}
	b.committed[group][partition] = offset
}

func (b *fakeBroker) release(name string) func() error {
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.released = append(b.released, name)
		return b.releaseErr[name]
	}
}

func (b *fakeBroker) factories() clientFactories {
	return clientFactories{
		producer: func(_ string, _ kafkaSettings) kafkaProducer {
			return &fakeProducer{broker: b}
		},
		consumer: func(readerGroupID string, _ kafkaSettings) (kafkaFetcher, func() error) {
			b.mu.Lock()
			b.readerIDs = append(b.readerIDs, readerGroupID)
			b.mu.Unlock()
			return b, b.release("consumer")
		},
		admin: func(_ kafkaSettings) (kafkaAdmin, func() error) {
			return b, b.release("admin")
		},
	}
}

type fakeProducer struct {
	broker *fakeBroker
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	b := p.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	for _, m := range msgs {
		b.logs[b.produceTo] = append(b.logs[b.produceTo], fakeEntry{key: m.Key, value: m.Value})
	}
	return nil
}

func (p *fakeProducer) Close() error {
	return p.broker.release("producer")()
}

func (b *fakeBroker) Fetch(_ context.Context, req *kafka.FetchRequest) (*kafka.FetchResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.logs[req.Partition]
	resp := &kafka.FetchResponse{Topic: req.Topic, Partition: req.Partition, HighWatermark: int64(len(log))}
	if req.Offset < 0 || req.Offset > int64(len(log)) {
		resp.Error = kafka.OffsetOutOfRange
		return resp, nil
	}
	start := req.Offset
	if b.fetchFromZero {
		start = 0
	}
	records := make([]kafka.Record, 0, int64(len(log))-start)
	for off := start; off < int64(len(log)); off++ {
		e := log[off]
		rec := kafka.Record{Offset: off, Value: kafka.NewBytes(e.value)}
		if e.key != nil {
			rec.Key = kafka.NewBytes(e.key)
		}
		records = append(records, rec)
	}
	resp.Records = kafka.NewRecordReader(records...)
	return resp, nil
}

func (b *fakeBroker) ListOffsets(_ context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp := &kafka.ListOffsetsResponse{Topics: make(map[string][]kafka.PartitionOffsets)}
	for topic, reqs := range req.Topics {
		for _, r := range reqs {
			resp.Topics[topic] = append(resp.Topics[topic], kafka.PartitionOffsets{
				Partition:  r.Partition,
				LastOffset: int64(len(b.logs[r.Partition])),
			})
		}
	}
	return resp, nil
}

func (b *fakeBroker) Metadata(_ context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.metadataErr != nil {
		return nil, b.metadataErr
	}
	resp := &kafka.MetadataResponse{}
	for _, name := range req.Topics {
		if name != b.topic {
			continue
		}
		topic := kafka.Topic{Name: name}
		// Reverse order so callers cannot rely on broker ordering.
		for p := b.partitions - 1; p >= 0; p-- {
			topic.Partitions = append(topic.Partitions, kafka.Partition{Topic: name, ID: p})
		}
		resp.Topics = append(resp.Topics, topic)
	}
	return resp, nil
}

func (b *fakeBroker) OffsetFetch(_ context.Context, req *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp := &kafka.OffsetFetchResponse{Topics: make(map[string][]kafka.OffsetFetchPartition)}
	group := b.committed[req.GroupID]
	for topic, partitions := range req.Topics {
		for _, p := range partitions {
			off, ok := group[p]
			if !ok {
				off = -1
			}
			resp.Topics[topic] = append(resp.Topics[topic], kafka.OffsetFetchPartition{Partition: p, CommittedOffset: off})
		}
	}
	return resp, nil
}

func (b *fakeBroker) OffsetCommit(_ context.Context, req *kafka.OffsetCommitRequest) (*kafka.OffsetCommitResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.GenerationID != -1 || req.MemberID != "" {
		return nil, errors.New("unexpected group membership on simple commit")
	}
	if b.committed[req.GroupID] == nil {
		b.committed[req.GroupID] = make(map[int]int64)
	}
	resp := &kafka.OffsetCommitResponse{Topics: make(map[string][]kafka.OffsetCommitPartition)}
	for topic, commits := range req.Topics {
		for _, c := range commits {
			b.committed[req.GroupID][c.Partition] = c.Offset
			resp.Topics[topic] = append(resp.Topics[topic], kafka.OffsetCommitPartition{Partition: c.Partition})
		}
	}
	return resp, nil
}

func testProps() config.Properties {
	return config.Properties{
		config.PropCoordinatorTopic:                    testTopic,
		config.PropCommitGroupID:                       testCommitGroup,
		config.PropKafkaPrefix + kafkaBootstrapServers: "localhost:9092",
	}
}

type recordingReceiver struct {
	got    []message.Message
	failOn int
	err    error
}

func (r *recordingReceiver) Receive(_ context.Context, m message.Message) error {
	if r.err != nil && len(r.got) == r.failOn {
		return r.err
	}
	r.got = append(r.got, m)
	return nil
}

func newTestChannel(t *testing.T, b *fakeBroker, recv Receiver, opts ...Option) *Channel {
	t.Helper()
	opts = append([]Option{withClientFactories(b.factories())}, opts...)
	ch, err := New(testProps(), recv, loggerpkg.NewNop(), opts...)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Stop() })
	return ch
}

func mustCommitRequest(t *testing.T, commitID string) message.Message {
	t.Helper()
	m, err := message.NewCommitRequest(commitID)
	if err != nil {
		t.Fatalf("new commit request: %v", err)
	}
	return m
}

package channel

import (
	"testing"

	"github.com/lechuhuuha/table_forge/config"
	"github.com/lechuhuuha/table_forge/internal/message"
)

// Hooks for tests in package channel_test.

type FakeBroker = fakeBroker

const FakeCommitGroup = testCommitGroup

func NewFakeBroker(partitions int) *FakeBroker { return newFakeBroker(partitions) }

func FakeProps() config.Properties { return testProps() }

func WithFakeBroker(b *FakeBroker) Option { return withClientFactories(b.factories()) }

func (b *fakeBroker) AppendMessage(t *testing.T, partition int, m message.Message) {
	b.appendMessage(t, partition, m)
}

func (b *fakeBroker) Committed(group string, partition int) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.committed[group][partition]
	return off, ok
}

func (b *fakeBroker) LogSize(partition int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs[partition])
}

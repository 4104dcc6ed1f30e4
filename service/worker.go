package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lechuhuuha/table_forge/internal/channel"
	"github.com/lechuhuuha/table_forge/internal/message"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
)

// Coordinator is the part of the coordination channel a Worker talks to.
type Coordinator interface {
	Send(ctx context.Context, m message.Message) error
	CommitCheckpoint(ctx context.Context) error
	Offsets() channel.OffsetCheckpoint
	ReaderGroupID() string
}

// OffsetCommitter stores source offsets once they are covered by a snapshot.
type OffsetCommitter interface {
	Commit(ctx context.Context, offsets map[model.TopicPartition]int64) error
}

// WorkerStatus is a point-in-time view of a Worker for status reporting.
type WorkerStatus struct {
	ReaderGroup      string           `json:"readerGroup"`
	Table            string           `json:"table"`
	Commits          int64            `json:"commits"`
	LastSnapshotID   int64            `json:"lastSnapshotId,omitempty"`
	LastCommitAt     time.Time        `json:"lastCommitAt,omitempty"`
	LastCommitID     string           `json:"lastCommitId,omitempty"`
	PeerCommits      int64            `json:"peerCommits"`
	PeerReports      int64            `json:"peerReports"`
	LastPeerSnapshot int64            `json:"lastPeerSnapshotId,omitempty"`
	ValidThroughMs   int64            `json:"validThroughMs,omitempty"`
	Checkpoint       map[string]int64 `json:"checkpoint,omitempty"`
}

// Worker is the receive side of the coordination channel. It commits the
// table on request and announces every snapshot. The channel checkpoint and
// the source offsets of a commit are stored later by Settle, once the drain
// that carried the request has advanced past it.
type Worker struct {
	writer     *TableWriter
	dispatcher *message.Dispatcher
	coord      Coordinator
	source     OffsetCommitter

	activeCommitID string
	// pending is set while a table commit or an acknowledged request still has
	// to be covered by a durable checkpoint; see Settle.
	pending        bool
	pendingOffsets map[model.TopicPartition]int64

	mu     sync.RWMutex
	status WorkerStatus
	logger loggerpkg.Logger
}

func NewWorker(writer *TableWriter, logr loggerpkg.Logger) *Worker {
	if logr == nil {
		logr = loggerpkg.NewNop()
	}
	w := &Worker{
		writer: writer,
		logger: logr,
		status: WorkerStatus{Table: writer.Table().String()},
	}
	w.dispatcher = message.NewDispatcher().
		Handle(message.TypeCommitRequest, w.handleCommitRequest).
		Handle(message.TypeCommitComplete, w.handleCommitComplete).
		Handle(message.TypeDataWritten, w.handleDataReport).
		Handle(message.TypeDataComplete, w.handleDataReport)
	writer.addListener(w.onCommit)
	return w
}

// Attach binds the worker to its channel and, optionally, to the source
// consumer whose offsets follow each commit.
func (w *Worker) Attach(coord Coordinator, source OffsetCommitter) {
	w.coord = coord
	w.source = source
	w.mu.Lock()
	w.status.ReaderGroup = coord.ReaderGroupID()
	w.mu.Unlock()
}

// Receive implements channel.Receiver. Messages sent by this worker are skipped.
func (w *Worker) Receive(ctx context.Context, m message.Message) error {
	if w.coord == nil {
		return errors.New("worker is not attached to a channel")
	}
	if m.Producer != "" && m.Producer == w.coord.ReaderGroupID() {
		return nil
	}
	return w.dispatcher.Receive(ctx, m)
}

func (w *Worker) handleCommitRequest(ctx context.Context, m message.Message) error {
	req, err := m.CommitRequest()
	if err != nil {
		return err
	}
	if !req.Covers(w.writer.Table().String()) {
		return nil
	}
	w.activeCommitID = m.CommitID
	defer func() { w.activeCommitID = "" }()

	res, err := w.writer.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit %s: %w", m.CommitID, err)
	}
	if res != nil {
		return nil
	}
	// nothing buffered: acknowledge so the requester does not wait on us
	ack, err := message.NewDataComplete(m.CommitID, message.DataComplete{})
	if err != nil {
		return err
	}
	if err := w.coord.Send(ctx, ack); err != nil {
		return err
	}
	w.pending = true
	return nil
}

func (w *Worker) handleCommitComplete(_ context.Context, m message.Message) error {
	p, err := m.CommitComplete()
	if err != nil {
		return err
	}
	if p.Table != w.writer.Table().String() {
		return nil
	}
	w.mu.Lock()
	w.status.PeerCommits++
	w.status.LastPeerSnapshot = p.SnapshotID
	if p.ValidThroughMs > w.status.ValidThroughMs {
		w.status.ValidThroughMs = p.ValidThroughMs
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) handleDataReport(_ context.Context, m message.Message) error {
	w.mu.Lock()
	w.status.PeerReports++
	w.mu.Unlock()
	w.logger.Debug("peer data report",
		loggerpkg.F("type", m.Type),
		loggerpkg.F("producer", m.Producer),
		loggerpkg.F("commitID", m.CommitID),
	)
	return nil
}

// onCommit publishes the commit. It runs on the driver goroutine from within
// TableWriter.Commit, possibly while the channel is still dispatching the
// request that caused it.
func (w *Worker) onCommit(ctx context.Context, res CommitResult) error {
	if w.coord == nil {
		return errors.New("worker is not attached to a channel")
	}
	commitID := w.activeCommitID
	if commitID == "" {
		commitID = uuid.NewString()
	}
	tableName := res.Table.String()

	files := make([]message.FileRef, 0, len(res.DataFiles))
	for _, f := range res.DataFiles {
		files = append(files, message.FileRef{Path: f.Path, RecordCount: f.RecordCount, SizeBytes: f.SizeBytes})
	}
	assignments := make([]message.PartitionOffset, 0, len(res.Offsets))
	for tp, off := range res.Offsets {
		assignments = append(assignments, message.PartitionOffset{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
	}
	var validThrough int64
	if !res.MaxTimestamp.IsZero() {
		validThrough = res.MaxTimestamp.UnixMilli()
	}

	written, err := message.NewDataWritten(commitID, message.DataWritten{Table: tableName, SnapshotID: res.Snapshot.ID, Files: files})
	if err != nil {
		return err
	}
	completed, err := message.NewDataComplete(commitID, message.DataComplete{Assignments: assignments})
	if err != nil {
		return err
	}
	announced, err := message.NewCommitComplete(commitID, message.CommitComplete{
		Table:          tableName,
		SnapshotID:     res.Snapshot.ID,
		ValidThroughMs: validThrough,
	})
	if err != nil {
		return err
	}
	for _, m := range []message.Message{written, completed, announced} {
		if err := w.coord.Send(ctx, m); err != nil {
			return err
		}
	}
	w.pending = true
	if w.pendingOffsets == nil {
		w.pendingOffsets = make(map[model.TopicPartition]int64, len(res.Offsets))
	}
	for tp, off := range res.Offsets {
		if off > w.pendingOffsets[tp] {
			w.pendingOffsets[tp] = off
		}
	}

	w.mu.Lock()
	w.status.Commits++
	w.status.LastSnapshotID = res.Snapshot.ID
	w.status.LastCommitAt = time.UnixMilli(res.Snapshot.TimestampMs).UTC()
	w.status.LastCommitID = commitID
	if validThrough > w.status.ValidThroughMs {
		w.status.ValidThroughMs = validThrough
	}
	w.mu.Unlock()
	return nil
}

// Settle stores the channel checkpoint under the durable commit group, then
// commits the source offsets covered by the announced snapshots. Call it from
// the driver goroutine after Process has returned, so the checkpoint includes
// every request handled so far. Nothing is cleared when a step fails.
func (w *Worker) Settle(ctx context.Context) error {
	if !w.pending {
		return nil
	}
	if w.coord == nil {
		return errors.New("worker is not attached to a channel")
	}
	if err := w.coord.CommitCheckpoint(ctx); err != nil {
		return err
	}
	if w.source != nil && len(w.pendingOffsets) > 0 {
		if err := w.source.Commit(ctx, w.pendingOffsets); err != nil {
			return err
		}
	}
	w.pending = false
	w.pendingOffsets = nil
	return nil
}

// RecordCheckpoint copies the channel checkpoint into the status view. Call it
// from the goroutine driving the channel.
func (w *Worker) RecordCheckpoint() {
	if w.coord == nil {
		return
	}
	offsets := w.coord.Offsets()
	cp := make(map[string]int64, len(offsets))
	for tp, off := range offsets {
		cp[tp.String()] = off
	}
	w.mu.Lock()
	w.status.Checkpoint = cp
	w.mu.Unlock()
}

// Status returns a copy of the current status. Safe for concurrent use.
func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := w.status
	if w.status.Checkpoint != nil {
		out.Checkpoint = make(map[string]int64, len(w.status.Checkpoint))
		for k, v := range w.status.Checkpoint {
			out.Checkpoint[k] = v
		}
	}
	return out
}

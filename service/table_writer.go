package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lechuhuuha/table_forge/internal/metrics"
	"github.com/lechuhuuha/table_forge/internal/table"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
)

// TableLoader loads the current state of a table.
type TableLoader interface {
	LoadTable(ctx context.Context, id table.Identifier) (*table.Table, error)
}

// TableWriterConfig configures a TableWriter.
type TableWriterConfig struct {
	Table          table.Identifier
	CommitInterval time.Duration
	Writer         table.WriterOptions
}

// CommitResult describes one table append made by the writer.
type CommitResult struct {
	Table     table.Identifier
	Snapshot  table.Snapshot
	DataFiles []table.DataFile
	// Offsets holds the next source offset per partition covered by the snapshot.
	Offsets      map[model.TopicPartition]int64
	MaxTimestamp time.Time
	Records      int64
}

// CommitListener is notified after every successful append.
type CommitListener func(ctx context.Context, res CommitResult) error

// TableWriterOption customizes a TableWriter.
type TableWriterOption func(*TableWriter)

// WithClock overrides the clock used for commit windows.
func WithClock(now func() time.Time) TableWriterOption {
	return func(w *TableWriter) {
		if now != nil {
			w.now = now
		}
	}
}

// WithCommitListener registers fn to run after each commit.
func WithCommitListener(fn CommitListener) TableWriterOption {
	return func(w *TableWriter) {
		if fn != nil {
			w.listeners = append(w.listeners, fn)
		}
	}
}

type writeSession struct {
	table     *table.Table
	writer    *table.TaskWriter
	startedAt time.Time
	offsets   map[model.TopicPartition]int64
	maxTs     time.Time
}

// TableWriter buffers converted records into data files and appends them to the
// table once per commit window. It is driven by a single goroutine.
type TableWriter struct {
	loader    TableLoader
	converter RecordConverter
	cfg       TableWriterConfig
	now       func() time.Time
	listeners []CommitListener
	logger    loggerpkg.Logger

	session *writeSession
}

func NewTableWriter(loader TableLoader, converter RecordConverter, cfg TableWriterConfig, logr loggerpkg.Logger, opts ...TableWriterOption) (*TableWriter, error) {
	if loader == nil || converter == nil {
		return nil, errors.New("table writer needs a table loader and a record converter")
	}
	if cfg.CommitInterval <= 0 {
		return nil, errors.New("commit interval must be positive")
	}
	if logr == nil {
		logr = loggerpkg.NewNop()
	}
	w := &TableWriter{
		loader:    loader,
		converter: converter,
		cfg:       cfg,
		now:       time.Now,
		logger:    logr.With(loggerpkg.F("table", cfg.Table.String())),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *TableWriter) addListener(fn CommitListener) {
	w.listeners = append(w.listeners, fn)
}

// Table returns the identifier of the target table.
func (w *TableWriter) Table() table.Identifier { return w.cfg.Table }

// Write converts and buffers records, then commits if the window has elapsed.
// An empty batch does nothing.
func (w *TableWriter) Write(ctx context.Context, records []model.SinkRecord) error {
	if len(records) == 0 {
		return nil
	}
	if w.session == nil {
		if err := w.openSession(ctx); err != nil {
			return err
		}
	}
	s := w.session
	for _, rec := range records {
		row, err := w.converter.Convert(rec)
		if err != nil {
			return fmt.Errorf("convert record %s@%d: %w", rec.TopicPartition(), rec.Offset, err)
		}
		if err := s.writer.Write(ctx, row); err != nil {
			return fmt.Errorf("write record %s@%d: %w", rec.TopicPartition(), rec.Offset, err)
		}
		tp := rec.TopicPartition()
		if next := rec.Offset + 1; next > s.offsets[tp] {
			s.offsets[tp] = next
		}
		if rec.Timestamp.After(s.maxTs) {
			s.maxTs = rec.Timestamp
		}
	}
	metrics.AddRecordsWritten(len(records))
	_, err := w.CommitIfNeeded(ctx)
	return err
}

func (w *TableWriter) openSession(ctx context.Context) error {
	t, err := w.loader.LoadTable(ctx, w.cfg.Table)
	if err != nil {
		return fmt.Errorf("load table %s: %w", w.cfg.Table, err)
	}
	w.session = &writeSession{
		table:     t,
		writer:    t.NewTaskWriter(w.cfg.Writer),
		startedAt: w.now(),
		offsets:   make(map[model.TopicPartition]int64),
	}
	w.logger.Debug("table write session opened")
	return nil
}

// CommitIfNeeded commits when a session is open and its window has elapsed.
// It returns nil when nothing was committed.
func (w *TableWriter) CommitIfNeeded(ctx context.Context) (*CommitResult, error) {
	if w.session == nil || w.now().Sub(w.session.startedAt) < w.cfg.CommitInterval {
		return nil, nil
	}
	return w.commit(ctx)
}

// Commit commits the open session regardless of the window. It returns nil
// when there is nothing to commit.
func (w *TableWriter) Commit(ctx context.Context) (*CommitResult, error) {
	if w.session == nil {
		return nil, nil
	}
	return w.commit(ctx)
}

func (w *TableWriter) commit(ctx context.Context) (*CommitResult, error) {
	s := w.session
	w.session = nil
	start := time.Now()

	files, err := s.writer.Complete(ctx)
	if err != nil {
		metrics.IncTableCommitErrors()
		return nil, fmt.Errorf("complete data files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	appendOp := s.table.NewAppend()
	var records int64
	for _, f := range files {
		appendOp.AppendFile(f)
		records += f.RecordCount
	}
	for tp, off := range s.offsets {
		appendOp.Set(table.SummaryOffsetPrefix+tp.String(), strconv.FormatInt(off, 10))
	}
	snap, err := appendOp.Commit(ctx)
	if err != nil {
		metrics.IncTableCommitErrors()
		w.logger.Error("table commit failed",
			loggerpkg.F("files", len(files)),
			loggerpkg.Err(err),
		)
		return nil, err
	}
	metrics.ObserveTableCommit(len(files), time.Since(start))

	res := CommitResult{
		Table:        w.cfg.Table,
		Snapshot:     snap,
		DataFiles:    files,
		Offsets:      s.offsets,
		MaxTimestamp: s.maxTs,
		Records:      records,
	}
	w.logger.Info("table commit complete",
		loggerpkg.F("snapshot", snap.ID),
		loggerpkg.F("files", len(files)),
		loggerpkg.F("records", records),
	)
	for _, fn := range w.listeners {
		if err := fn(ctx, res); err != nil {
			return &res, fmt.Errorf("commit listener: %w", err)
		}
	}
	return &res, nil
}

// HasSession reports whether rows are buffered for the next commit.
func (w *TableWriter) HasSession() bool { return w.session != nil }

// PendingRecords returns the rows written since the last commit.
func (w *TableWriter) PendingRecords() int64 {
	if w.session == nil {
		return 0
	}
	return w.session.writer.RecordCount()
}

// Close discards the open session and deletes the data files it wrote.
func (w *TableWriter) Close(ctx context.Context) error {
	if w.session == nil {
		return nil
	}
	s := w.session
	w.session = nil
	metrics.IncSessionsAborted()
	if err := s.writer.Abort(ctx); err != nil {
		return fmt.Errorf("abort table write session: %w", err)
	}
	w.logger.Info("table write session discarded", loggerpkg.F("records", s.writer.RecordCount()))
	return nil
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lechuhuuha/table_forge/internal/storage"
	"github.com/lechuhuuha/table_forge/internal/table"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/model"
	"github.com/lechuhuuha/table_forge/repo"
)

var testTable = table.Identifier{Namespace: "db", Name: "events"}

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type writerFixture struct {
	writer  *TableWriter
	catalog *table.Catalog
	objects *repo.FileRepo
	clock   *fakeClock
}

func testTableSchema(t *testing.T) table.Schema {
	t.Helper()
	schema, err := table.NewSchema(
		table.Field{Name: "id", Type: table.TypeLong, Required: true},
		table.Field{Name: "msg", Type: table.TypeString},
	)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return schema
}

func newWriterFixture(t *testing.T, interval time.Duration, createTable bool, opts ...TableWriterOption) *writerFixture {
	t.Helper()
	store, err := storage.Open(storage.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	objects := repo.NewFileRepo(t.TempDir())
	clock := newFakeClock()
	catalog := table.NewCatalog(store, objects, loggerpkg.NewNop(), table.WithClock(clock.Now))
	schema := testTableSchema(t)
	if createTable {
		if _, err := catalog.CreateTable(context.Background(), testTable, schema, ""); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	cfg := TableWriterConfig{
		Table:          testTable,
		CommitInterval: interval,
		Writer:         table.WriterOptions{TargetFileRecords: 1},
	}
	opts = append([]TableWriterOption{WithClock(clock.Now)}, opts...)
	w, err := NewTableWriter(catalog, NewJSONConverter(schema), cfg, loggerpkg.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewTableWriter returned error: %v", err)
	}
	return &writerFixture{writer: w, catalog: catalog, objects: objects, clock: clock}
}

func (f *writerFixture) snapshots(t *testing.T) []table.Snapshot {
	t.Helper()
	tbl, err := f.catalog.LoadTable(context.Background(), testTable)
	if err != nil {
		t.Fatalf("load table: %v", err)
	}
	return tbl.Snapshots()
}

func (f *writerFixture) dataObjects(t *testing.T) []string {
	t.Helper()
	infos, err := f.objects.ListObjects(context.Background(), "db/events/data")
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}

func sinkRecord(partition int, offset int64, value string) model.SinkRecord {
	return model.SinkRecord{
		Topic:     "events",
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.UnixMilli(1700000000000 + offset).UTC(),
	}
}

func TestTableWriter_CommitWindow(t *testing.T) {
	ctx := context.Background()
	f := newWriterFixture(t, time.Second, true)

	if err := f.writer.Write(ctx, []model.SinkRecord{sinkRecord(0, 0, `{"id":1,"msg":"a"}`)}); err != nil {
		t.Fatalf("first write returned error: %v", err)
	}
	if !f.writer.HasSession() {
		t.Fatal("expected an open session after the first write")
	}
	if got := len(f.snapshots(t)); got != 0 {
		t.Fatalf("unexpected snapshots before the window elapsed: got=%d want=0", got)
	}

	f.clock.Advance(1200 * time.Millisecond)
	second := []model.SinkRecord{
		sinkRecord(0, 1, `{"id":2,"msg":"b"}`),
		sinkRecord(1, 5, `{"id":3}`),
	}
	if err := f.writer.Write(ctx, second); err != nil {
		t.Fatalf("second write returned error: %v", err)
	}
	if f.writer.HasSession() {
		t.Fatal("expected no session after the commit")
	}

	snaps := f.snapshots(t)
	if len(snaps) != 1 {
		t.Fatalf("unexpected snapshot count: got=%d want=1", len(snaps))
	}
	snap := snaps[0]
	if got := snap.SummaryInt(table.SummaryAddedFiles); got != 3 {
		t.Fatalf("unexpected added files: got=%d want=3", got)
	}
	if got := snap.SummaryInt(table.SummaryAddedRecords); got != 3 {
		t.Fatalf("unexpected added records: got=%d want=3", got)
	}
	wantOffsets := map[string]string{
		table.SummaryOffsetPrefix + "events-0": "2",
		table.SummaryOffsetPrefix + "events-1": "6",
	}
	for k, want := range wantOffsets {
		if got := snap.Summary[k]; got != want {
			t.Fatalf("unexpected summary %s: got=%q want=%q", k, got, want)
		}
	}

	tbl, err := f.catalog.LoadTable(ctx, testTable)
	if err != nil {
		t.Fatalf("load table: %v", err)
	}
	files, err := tbl.DataFiles(ctx)
	if err != nil {
		t.Fatalf("DataFiles returned error: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("unexpected data files: got=%d want=3", len(files))
	}
	rows, err := table.ReadDataFile(ctx, f.objects, files[0])
	if err != nil {
		t.Fatalf("ReadDataFile returned error: %v", err)
	}
	if len(rows) != 1 || rows[0]["msg"] != "a" {
		t.Fatalf("unexpected first file rows: %v", rows)
	}
}

func TestTableWriter_Behaviour(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T, f *writerFixture)
	}{
		{
			name: "empty batch opens no session",
			run: func(t *testing.T, f *writerFixture) {
				if err := f.writer.Write(context.Background(), nil); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				if f.writer.HasSession() {
					t.Fatal("expected no session")
				}
				f.clock.Advance(time.Hour)
				res, err := f.writer.CommitIfNeeded(context.Background())
				if err != nil || res != nil {
					t.Fatalf("unexpected commit: res=%v err=%v", res, err)
				}
				if got := len(f.snapshots(t)); got != 0 {
					t.Fatalf("unexpected snapshots: got=%d want=0", got)
				}
			},
		},
		{
			name: "window not elapsed keeps session",
			run: func(t *testing.T, f *writerFixture) {
				ctx := context.Background()
				if err := f.writer.Write(ctx, []model.SinkRecord{sinkRecord(0, 0, `{"id":1}`)}); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				f.clock.Advance(999 * time.Millisecond)
				res, err := f.writer.CommitIfNeeded(ctx)
				if err != nil || res != nil {
					t.Fatalf("unexpected commit: res=%v err=%v", res, err)
				}
				if !f.writer.HasSession() || f.writer.PendingRecords() != 1 {
					t.Fatalf("unexpected session state: has=%v pending=%d", f.writer.HasSession(), f.writer.PendingRecords())
				}
			},
		},
		{
			name: "close discards the session",
			run: func(t *testing.T, f *writerFixture) {
				ctx := context.Background()
				if err := f.writer.Write(ctx, []model.SinkRecord{
					sinkRecord(0, 0, `{"id":1}`),
					sinkRecord(0, 1, `{"id":2}`),
				}); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				if got := len(f.dataObjects(t)); got != 2 {
					t.Fatalf("unexpected data files before close: got=%d want=2", got)
				}
				if err := f.writer.Close(ctx); err != nil {
					t.Fatalf("Close returned error: %v", err)
				}
				if f.writer.HasSession() {
					t.Fatal("expected no session after close")
				}
				if got := len(f.snapshots(t)); got != 0 {
					t.Fatalf("unexpected snapshots: got=%d want=0", got)
				}
				if got := f.dataObjects(t); len(got) != 0 {
					t.Fatalf("expected data files to be deleted, got=%v", got)
				}
				if err := f.writer.Close(ctx); err != nil {
					t.Fatalf("second Close returned error: %v", err)
				}
			},
		},
		{
			name: "forced commit ignores the window",
			run: func(t *testing.T, f *writerFixture) {
				ctx := context.Background()
				if err := f.writer.Write(ctx, []model.SinkRecord{sinkRecord(2, 9, `{"id":1}`)}); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				res, err := f.writer.Commit(ctx)
				if err != nil {
					t.Fatalf("Commit returned error: %v", err)
				}
				if res == nil || res.Snapshot.ID != 1 || res.Records != 1 || len(res.DataFiles) != 1 {
					t.Fatalf("unexpected commit result: %+v", res)
				}
				tp := model.TopicPartition{Topic: "events", Partition: 2}
				if res.Offsets[tp] != 10 {
					t.Fatalf("unexpected offset: got=%d want=10", res.Offsets[tp])
				}
				if res.MaxTimestamp.UnixMilli() != 1700000000009 {
					t.Fatalf("unexpected max timestamp: %v", res.MaxTimestamp)
				}
				again, err := f.writer.Commit(ctx)
				if err != nil || again != nil {
					t.Fatalf("expected no-op commit, got res=%v err=%v", again, err)
				}
			},
		},
		{
			name: "conversion failure aborts the call",
			run: func(t *testing.T, f *writerFixture) {
				err := f.writer.Write(context.Background(), []model.SinkRecord{
					sinkRecord(0, 0, `{"id":1}`),
					sinkRecord(0, 1, `{"msg":"no id"}`),
				})
				if err == nil || !strings.Contains(err.Error(), "events-0@1") {
					t.Fatalf("expected conversion error for second record, got %v", err)
				}
				if f.writer.PendingRecords() != 1 {
					t.Fatalf("unexpected pending records: got=%d want=1", f.writer.PendingRecords())
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newWriterFixture(t, time.Second, true))
		})
	}
}

func TestTableWriter_MissingTable(t *testing.T) {
	f := newWriterFixture(t, time.Second, false)
	err := f.writer.Write(context.Background(), []model.SinkRecord{sinkRecord(0, 0, `{"id":1}`)})
	if !errors.Is(err, table.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	if f.writer.HasSession() {
		t.Fatal("expected no session when the table cannot be loaded")
	}
}

func TestTableWriter_Listeners(t *testing.T) {
	ctx := context.Background()
	var got []CommitResult
	errListener := errors.New("listener failed")
	fail := false
	f := newWriterFixture(t, time.Second, true,
		WithCommitListener(func(_ context.Context, res CommitResult) error {
			got = append(got, res)
			if fail {
				return errListener
			}
			return nil
		}),
	)

	if err := f.writer.Write(ctx, []model.SinkRecord{sinkRecord(0, 0, `{"id":1}`)}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := f.writer.Commit(ctx); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if len(got) != 1 || got[0].Snapshot.ID != 1 {
		t.Fatalf("unexpected listener calls: %+v", got)
	}

	fail = true
	if err := f.writer.Write(ctx, []model.SinkRecord{sinkRecord(0, 1, `{"id":2}`)}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	res, err := f.writer.Commit(ctx)
	if !errors.Is(err, errListener) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if res == nil || res.Snapshot.ID != 2 {
		t.Fatalf("expected the committed result alongside the error, got %+v", res)
	}
}

func TestNewTableWriter_Validation(t *testing.T) {
	schema := testTableSchema(t)
	cases := []struct {
		name      string
		loader    TableLoader
		converter RecordConverter
		interval  time.Duration
	}{
		{name: "zero interval", loader: &table.Catalog{}, converter: NewJSONConverter(schema), interval: 0},
		{name: "missing loader", converter: NewJSONConverter(schema), interval: time.Second},
		{name: "missing converter", loader: &table.Catalog{}, interval: time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTableWriter(tc.loader, tc.converter, TableWriterConfig{Table: testTable, CommitInterval: tc.interval}, nil)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

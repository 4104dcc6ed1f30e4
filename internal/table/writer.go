package table

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/lechuhuuha/table_forge/model"
	"github.com/lechuhuuha/table_forge/repo"
	"github.com/lechuhuuha/table_forge/util"
)

// ErrWriterClosed is returned by writes after Complete or Abort.
var ErrWriterClosed = errors.New("task writer closed")

// Codec compresses data file blocks.
type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
)

// ParseCodec maps a configured name to a Codec; empty selects zstd.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd", "zstandard":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return "", fmt.Errorf("unsupported data file codec %q", s)
	}
}

func (c Codec) format() string { return "ndjson+" + string(c) }

func (c Codec) ext() string {
	if c == CodecSnappy {
		return ".ndjson.sz"
	}
	return ".ndjson.zst"
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(fmt.Sprintf("table: zstd encoder: %v", err))
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(fmt.Sprintf("table: zstd decoder: %v", err))
	}
}

func (c Codec) encode(src []byte) []byte {
	if c == CodecSnappy {
		return snappy.Encode(nil, src)
	}
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src)/2))
}

func decodeBlock(format string, src []byte) ([]byte, error) {
	switch format {
	case CodecZstd.format():
		return zstdDecoder.DecodeAll(src, nil)
	case CodecSnappy.format():
		return snappy.Decode(nil, src)
	default:
		return nil, fmt.Errorf("unsupported data file format %q", format)
	}
}

// WriterOptions tunes a TaskWriter.
type WriterOptions struct {
	// TargetFileRecords rolls to a new data file once this many rows were written.
	TargetFileRecords int
	Codec             Codec
}

// TaskWriter turns rows into immutable data files. Rows are buffered in memory
// and flushed to the object store whenever the target size is reached.
type TaskWriter struct {
	objects repo.ObjectStore
	meta    *Metadata
	target  int
	codec   Codec
	now     func() time.Time
	writeID string

	buf     bytes.Buffer
	pending int64
	written int64
	files   []DataFile
	closed  bool
}

func newTaskWriter(objects repo.ObjectStore, meta *Metadata, opts WriterOptions, now func() time.Time) *TaskWriter {
	if opts.TargetFileRecords <= 0 {
		opts.TargetFileRecords = 100000
	}
	if opts.Codec == "" {
		opts.Codec = CodecZstd
	}
	return &TaskWriter{
		objects: objects,
		meta:    meta,
		target:  opts.TargetFileRecords,
		codec:   opts.Codec,
		now:     now,
		writeID: uuid.NewString(),
	}
}

// Write appends one row. Required schema fields must be present and non-nil.
func (w *TaskWriter) Write(ctx context.Context, row model.Row) error {
	if w.closed {
		return ErrWriterClosed
	}
	for _, f := range w.meta.Schema.Fields {
		if v, ok := row[f.Name]; f.Required && (!ok || v == nil) {
			return fmt.Errorf("row is missing required field %q", f.Name)
		}
	}
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	w.buf.Write(line)
	w.buf.WriteByte('\n')
	w.pending++
	w.written++
	if w.pending >= int64(w.target) {
		return w.flush(ctx)
	}
	return nil
}

// RecordCount returns the rows written so far, flushed or not.
func (w *TaskWriter) RecordCount() int64 { return w.written }

// Complete flushes buffered rows and returns every data file produced.
func (w *TaskWriter) Complete(ctx context.Context) ([]DataFile, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	if w.pending > 0 {
		if err := w.flush(ctx); err != nil {
			return nil, err
		}
	}
	w.closed = true
	return append([]DataFile(nil), w.files...), nil
}

// Abort discards buffered rows and deletes the data files already written.
func (w *TaskWriter) Abort(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.buf.Reset()
	w.pending = 0
	var errs error
	for _, f := range w.files {
		if err := w.objects.DeleteObject(ctx, f.Path); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	w.files = nil
	return errs
}

func (w *TaskWriter) flush(ctx context.Context) error {
	data := w.codec.encode(w.buf.Bytes())
	key := w.meta.dataPath(
		w.now().UTC().Format(util.DateLayout),
		fmt.Sprintf("%s-%05d%s", w.writeID, len(w.files), w.codec.ext()),
	)
	if err := w.objects.PutObject(ctx, key, data); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	w.files = append(w.files, DataFile{
		Path:        key,
		Format:      w.codec.format(),
		RecordCount: w.pending,
		SizeBytes:   int64(len(data)),
	})
	w.buf.Reset()
	w.pending = 0
	return nil
}

// ReadDataFile decodes the rows of f. Numbers are returned as json.Number.
func ReadDataFile(ctx context.Context, objects repo.ObjectStore, f DataFile) ([]model.Row, error) {
	raw, err := objects.GetObject(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	data, err := decodeBlock(f.Format, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []model.Row
	for dec.More() {
		var row model.Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode row of %s: %w", f.Path, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

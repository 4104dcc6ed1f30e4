package table

import (
	"context"
	"encoding/json"
	"fmt"
)

// Table is a loaded view of a catalog table. It is not safe for concurrent use.
type Table struct {
	catalog *Catalog
	meta    *Metadata
}

func newTable(c *Catalog, meta *Metadata) *Table {
	return &Table{catalog: c, meta: meta}
}

func (t *Table) Identifier() Identifier { return t.meta.Identifier }

func (t *Table) Schema() Schema { return t.meta.Schema }

func (t *Table) Location() string { return t.meta.Location }

// Metadata returns a copy of the loaded metadata.
func (t *Table) Metadata() Metadata { return *t.meta.clone() }

// CurrentSnapshot returns nil when nothing was committed yet.
func (t *Table) CurrentSnapshot() *Snapshot { return t.meta.CurrentSnapshot() }

// Snapshots returns every snapshot in commit order.
func (t *Table) Snapshots() []Snapshot {
	return append([]Snapshot(nil), t.meta.Snapshots...)
}

// Refresh reloads the metadata from the catalog.
func (t *Table) Refresh(ctx context.Context) error {
	meta, err := t.catalog.loadMetadata(t.meta.Identifier)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.meta = meta
	return nil
}

// NewAppend starts an append of new data files.
func (t *Table) NewAppend() *AppendFiles {
	return &AppendFiles{table: t, summary: make(map[string]string)}
}

// NewTaskWriter opens a writer producing data files under the table location.
func (t *Table) NewTaskWriter(opts WriterOptions) *TaskWriter {
	return newTaskWriter(t.catalog.objects, t.meta, opts, t.catalog.now)
}

// Manifest reads the manifest of snapshot s.
func (t *Table) Manifest(ctx context.Context, s Snapshot) (Manifest, error) {
	data, err := t.catalog.objects.GetObject(ctx, s.ManifestPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest of snapshot %d: %w", s.ID, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest of snapshot %d: %w", s.ID, err)
	}
	return m, nil
}

// DataFiles returns every live data file as of the current snapshot.
func (t *Table) DataFiles(ctx context.Context) ([]DataFile, error) {
	var out []DataFile
	for _, s := range t.meta.Snapshots {
		m, err := t.Manifest(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Files...)
		if s.ID == t.meta.CurrentSnapshotID {
			break
		}
	}
	return out, nil
}

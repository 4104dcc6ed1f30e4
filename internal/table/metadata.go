package table

import (
	"path"
	"strconv"
)

const (
	formatVersion = 1

	OperationAppend = "append"
)

// Snapshot summary keys.
const (
	SummaryAddedFiles   = "added-data-files"
	SummaryAddedRecords = "added-records"
	SummaryTotalFiles   = "total-data-files"
	SummaryTotalRecords = "total-records"
	// SummaryOffsetPrefix prefixes "<topic>-<partition>" keys holding the next source offset.
	SummaryOffsetPrefix = "source-offset."
)

// DataFile is an immutable file of rows referenced by a snapshot.
type DataFile struct {
	Path        string `json:"path"`
	Format      string `json:"format"`
	RecordCount int64  `json:"recordCount"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Manifest lists the data files added by one snapshot.
type Manifest struct {
	SnapshotID int64      `json:"snapshotId"`
	Files      []DataFile `json:"files"`
}

// Snapshot is one committed version of the table.
type Snapshot struct {
	ID             int64             `json:"snapshotId"`
	ParentID       int64             `json:"parentSnapshotId,omitempty"`
	SequenceNumber int64             `json:"sequenceNumber"`
	TimestampMs    int64             `json:"timestampMs"`
	Operation      string            `json:"operation"`
	ManifestPath   string            `json:"manifest"`
	Summary        map[string]string `json:"summary,omitempty"`
}

// SummaryInt reads an integer summary value, returning 0 when absent.
func (s Snapshot) SummaryInt(key string) int64 {
	n, _ := strconv.ParseInt(s.Summary[key], 10, 64)
	return n
}

// Metadata is the catalog entry of a table. Version increases by one per commit
// and is the optimistic concurrency token.
type Metadata struct {
	FormatVersion     int        `json:"formatVersion"`
	UUID              string     `json:"tableUuid"`
	Identifier        Identifier `json:"identifier"`
	Location          string     `json:"location"`
	Version           int64      `json:"version"`
	LastUpdatedMs     int64      `json:"lastUpdatedMs"`
	Schema            Schema     `json:"schema"`
	CurrentSnapshotID int64      `json:"currentSnapshotId,omitempty"`
	Snapshots         []Snapshot `json:"snapshots,omitempty"`
}

// CurrentSnapshot returns nil for a table without commits.
func (m *Metadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == 0 {
		return nil
	}
	for i := range m.Snapshots {
		if m.Snapshots[i].ID == m.CurrentSnapshotID {
			s := m.Snapshots[i]
			return &s
		}
	}
	return nil
}

func (m *Metadata) clone() *Metadata {
	out := *m
	out.Snapshots = append([]Snapshot(nil), m.Snapshots...)
	out.Schema.Fields = append([]Field(nil), m.Schema.Fields...)
	return &out
}

func (m *Metadata) dataPath(parts ...string) string {
	return path.Join(append([]string{m.Location, "data"}, parts...)...)
}

func (m *Metadata) metadataPath(name string) string {
	return path.Join(m.Location, "metadata", name)
}

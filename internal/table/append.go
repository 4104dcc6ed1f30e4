package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/util"
)

const (
	commitAttempts   = 4
	commitMinBackoff = 50 * time.Millisecond
	commitMaxBackoff = time.Second
)

// AppendFiles adds data files to a table as one atomic snapshot.
type AppendFiles struct {
	table   *Table
	files   []DataFile
	summary map[string]string
}

func (a *AppendFiles) AppendFile(f DataFile) *AppendFiles {
	a.files = append(a.files, f)
	return a
}

// Set stores a custom snapshot summary property.
func (a *AppendFiles) Set(key, value string) *AppendFiles {
	a.summary[key] = value
	return a
}

// Commit writes the manifest and swaps the table metadata. Concurrent commits
// are retried against refreshed metadata a bounded number of times.
func (a *AppendFiles) Commit(ctx context.Context) (Snapshot, error) {
	var committed Snapshot
	err := util.Retry(ctx, commitAttempts, commitMinBackoff, commitMaxBackoff,
		func(err error) bool { return errors.Is(err, ErrCommitConflict) },
		func() error {
			s, err := a.attempt(ctx)
			if err != nil {
				if errors.Is(err, ErrCommitConflict) {
					a.table.catalog.logger.Warn("table commit conflict, retrying",
						loggerpkg.F("table", a.table.meta.Identifier.String()),
						loggerpkg.Err(err),
					)
					if rerr := a.table.Refresh(ctx); rerr != nil {
						return rerr
					}
				}
				return err
			}
			committed = s
			return nil
		})
	if err != nil {
		return Snapshot{}, fmt.Errorf("append to %s: %w", a.table.meta.Identifier, err)
	}
	return committed, nil
}

func (a *AppendFiles) attempt(ctx context.Context) (Snapshot, error) {
	base := a.table.meta
	cat := a.table.catalog
	parent := base.CurrentSnapshot()

	seq := int64(1)
	if n := len(base.Snapshots); n > 0 {
		seq = base.Snapshots[n-1].SequenceNumber + 1
	}
	snap := Snapshot{
		ID:             seq,
		SequenceNumber: seq,
		TimestampMs:    cat.now().UnixMilli(),
		Operation:      OperationAppend,
		ManifestPath:   base.metadataPath(fmt.Sprintf("snap-%d-%s.json", seq, uuid.NewString())),
		Summary:        a.buildSummary(parent),
	}
	if parent != nil {
		snap.ParentID = parent.ID
	}

	manifest, err := json.Marshal(Manifest{SnapshotID: snap.ID, Files: a.files})
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := cat.objects.PutObject(ctx, snap.ManifestPath, manifest); err != nil {
		return Snapshot{}, fmt.Errorf("write manifest: %w", err)
	}

	updated := base.clone()
	updated.Snapshots = append(updated.Snapshots, snap)
	updated.CurrentSnapshotID = snap.ID
	updated.LastUpdatedMs = snap.TimestampMs
	if err := cat.commit(ctx, base, updated); err != nil {
		if derr := cat.objects.DeleteObject(context.Background(), snap.ManifestPath); derr != nil {
			cat.logger.Warn("failed to delete orphaned manifest",
				loggerpkg.F("manifest", snap.ManifestPath),
				loggerpkg.Err(derr),
			)
		}
		return Snapshot{}, err
	}
	a.table.meta = updated
	return snap, nil
}

func (a *AppendFiles) buildSummary(parent *Snapshot) map[string]string {
	var records int64
	for _, f := range a.files {
		records += f.RecordCount
	}
	out := make(map[string]string, len(a.summary)+4)
	for k, v := range a.summary {
		out[k] = v
	}
	var totalFiles, totalRecords int64
	if parent != nil {
		totalFiles = parent.SummaryInt(SummaryTotalFiles)
		totalRecords = parent.SummaryInt(SummaryTotalRecords)
	}
	out[SummaryAddedFiles] = strconv.Itoa(len(a.files))
	out[SummaryAddedRecords] = strconv.FormatInt(records, 10)
	out[SummaryTotalFiles] = strconv.FormatInt(totalFiles+int64(len(a.files)), 10)
	out[SummaryTotalRecords] = strconv.FormatInt(totalRecords+records, 10)
	return out
}

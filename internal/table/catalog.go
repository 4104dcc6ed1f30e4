package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lechuhuuha/table_forge/internal/storage"
	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/repo"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	// ErrCommitConflict is returned when the table changed since the metadata a
	// commit was based on.
	ErrCommitConflict = errors.New("commit conflict: table metadata changed")
)

const tableKeyPrefix = "table/"

// Catalog keeps table metadata in pebble and table files in an object store.
type Catalog struct {
	store   *storage.Store
	objects repo.ObjectStore
	now     func() time.Time
	logger  loggerpkg.Logger

	// mu serializes the read-compare-write of commits.
	mu sync.Mutex
}

// CatalogOption customizes a Catalog.
type CatalogOption func(*Catalog)

// WithClock overrides the time source used for commit timestamps.
func WithClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCatalog(store *storage.Store, objects repo.ObjectStore, logr loggerpkg.Logger, opts ...CatalogOption) *Catalog {
	if logr == nil {
		logr = loggerpkg.NewNop()
	}
	c := &Catalog{
		store:   store,
		objects: objects,
		now:     time.Now,
		logger:  logr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTable registers a new, empty table. An empty location defaults to
// "<namespace path>/<name>".
func (c *Catalog) CreateTable(ctx context.Context, id Identifier, schema Schema, location string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(schema.Fields) == 0 {
		return nil, fmt.Errorf("create table %s: empty schema", id)
	}
	location = strings.Trim(strings.TrimSpace(location), "/")
	if location == "" {
		location = path.Join(strings.ReplaceAll(id.Namespace, ".", "/"), id.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.loadMetadata(id); err == nil {
		return nil, fmt.Errorf("create table %s: %w", id, ErrTableExists)
	} else if !errors.Is(err, ErrTableNotFound) {
		return nil, err
	}

	meta := &Metadata{
		FormatVersion: formatVersion,
		UUID:          uuid.NewString(),
		Identifier:    id,
		Location:      location,
		Version:       1,
		LastUpdatedMs: c.now().UnixMilli(),
		Schema:        schema,
	}
	if err := c.storeMetadata(meta); err != nil {
		return nil, fmt.Errorf("create table %s: %w", id, err)
	}
	c.logger.Info("table created",
		loggerpkg.F("table", id.String()),
		loggerpkg.F("location", location),
	)
	return newTable(c, meta), nil
}

// LoadTable returns the current state of id.
func (c *Catalog) LoadTable(ctx context.Context, id Identifier) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta, err := c.loadMetadata(id)
	if err != nil {
		return nil, err
	}
	return newTable(c, meta), nil
}

// LoadOrCreateTable loads id, creating it with schema when it does not exist.
func (c *Catalog) LoadOrCreateTable(ctx context.Context, id Identifier, schema Schema, location string) (*Table, error) {
	t, err := c.LoadTable(ctx, id)
	if err == nil || !errors.Is(err, ErrTableNotFound) {
		return t, err
	}
	t, err = c.CreateTable(ctx, id, schema, location)
	if errors.Is(err, ErrTableExists) {
		return c.LoadTable(ctx, id)
	}
	return t, err
}

// ListTables returns the tables of namespace in name order.
func (c *Catalog) ListTables(ctx context.Context, namespace string) ([]Identifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Identifier
	prefix := []byte(tableKeyPrefix + namespace + "/")
	err := c.store.Scan(prefix, func(key, _ []byte) error {
		name := strings.TrimPrefix(string(key), string(prefix))
		if name != "" && !strings.Contains(name, "/") {
			out = append(out, Identifier{Namespace: namespace, Name: name})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", namespace, err)
	}
	return out, nil
}

// commit replaces base with updated if nobody committed in between.
func (c *Catalog) commit(ctx context.Context, base, updated *Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.loadMetadata(base.Identifier)
	if err != nil {
		return err
	}
	if current.Version != base.Version || current.UUID != base.UUID {
		return fmt.Errorf("%w: %s at version %d, based on %d", ErrCommitConflict, base.Identifier, current.Version, base.Version)
	}
	updated.Version = base.Version + 1
	return c.storeMetadata(updated)
}

func (c *Catalog) loadMetadata(id Identifier) (*Metadata, error) {
	data, err := c.store.Get(tableKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
		}
		return nil, fmt.Errorf("load table %s: %w", id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	return &meta, nil
}

func (c *Catalog) storeMetadata(meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", meta.Identifier, err)
	}
	if err := c.store.Set(tableKey(meta.Identifier), data); err != nil {
		return fmt.Errorf("store metadata of %s: %w", meta.Identifier, err)
	}
	return nil
}

func tableKey(id Identifier) []byte {
	return []byte(tableKeyPrefix + id.Namespace + "/" + id.Name)
}

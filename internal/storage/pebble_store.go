package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Options configures the pebble store.
type Options struct {
	// Dir is the database directory. Required.
	Dir string
	// Sync forces a WAL fsync on every write.
	Sync bool
	// PebbleOptions allows tuning. Defaults are used when nil.
	PebbleOptions *pebble.Options
}

// Store wraps a pebble database with copy-out reads and a fixed write policy.
type Store struct {
	inner     *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open creates or opens the database at opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage: Options.Dir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	inner, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.Dir, err)
	}
	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}
	return &Store{inner: inner, writeOpts: writeOpts}, nil
}

// Get copies the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	val, closer, err := s.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) Set(key, value []byte) error {
	return s.inner.Set(key, value, s.writeOpts)
}

func (s *Store) Delete(key []byte) error {
	return s.inner.Delete(key, s.writeOpts)
}

// Apply stages writes through fn and commits them atomically.
func (s *Store) Apply(fn func(b *pebble.Batch) error) error {
	b := s.inner.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(s.writeOpts)
}

// Scan calls fn for every key with the given prefix, in key order. The slices
// passed to fn are only valid for the duration of the call.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return err
	}
	return it.Close()
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Close()
}

// prefixEnd returns the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

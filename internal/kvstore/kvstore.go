// Package kvstore is a Pebble-backed cursor.Store.
//
// Keys are "cursor/" + stream + 0x00 + big-endian originator id, values are
// big-endian sequence ids, so a prefix scan of one stream yields its
// originators in order. Streams must not contain a 0x00 byte.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/roach88/mlscore/internal/cursor"
)

const keyPrefix = "cursor/"

// Store keeps cursors in a Pebble database.
type Store struct {
	db *pebble.DB
	// mu serializes compare-and-set; Pebble has no read-modify-write.
	mu sync.Mutex
}

// Open opens or creates a database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, fmt.Errorf("create cursor db dir: %w", err)
	}
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a database that lives in memory. Used by tests and
// dry runs.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CompareAndSet moves the (stream, originator) cursor from old to next. A
// missing key counts as position 0.
func (s *Store) CompareAndSet(_ context.Context, stream string, originator uint32, old, next uint64) error {
	if strings.IndexByte(stream, 0) >= 0 {
		return fmt.Errorf("cursor %q: stream contains a NUL byte", stream)
	}
	if next < old {
		return fmt.Errorf("cursor %s/%d: cannot move from %d back to %d", stream, originator, old, next)
	}
	if next == old {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey(stream, originator)
	current, err := s.get(key)
	if err != nil {
		return fmt.Errorf("cursor %s/%d: %w", stream, originator, err)
	}
	if current != old {
		return fmt.Errorf("cursor %s/%d: expected %d: %w", stream, originator, old, cursor.ErrConflict)
	}
	if err := s.db.Set(key, binary.BigEndian.AppendUint64(nil, next), pebble.Sync); err != nil {
		return fmt.Errorf("cursor %s/%d: %w", stream, originator, err)
	}
	return nil
}

// GlobalCursor returns the stored cursor of a stream, empty if none.
func (s *Store) GlobalCursor(_ context.Context, stream string) (cursor.GlobalCursor, error) {
	prefix := streamPrefix(stream)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("scan cursor %s: %w", stream, err)
	}
	defer iter.Close()

	g := cursor.GlobalCursor{}
	for iter.First(); iter.Valid(); iter.Next() {
		k, v := iter.Key(), iter.Value()
		if len(k) != len(prefix)+4 || len(v) != 8 {
			return nil, fmt.Errorf("scan cursor %s: malformed entry %q", stream, k)
		}
		g[binary.BigEndian.Uint32(k[len(prefix):])] = binary.BigEndian.Uint64(v)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan cursor %s: %w", stream, err)
	}
	return g, nil
}

// Streams returns every stream with a stored cursor, sorted.
func (s *Store) Streams(_ context.Context) ([]string, error) {
	lower := []byte(keyPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, fmt.Errorf("scan streams: %w", err)
	}
	defer iter.Close()

	var streams []string
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(keyPrefix):]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return nil, fmt.Errorf("scan streams: malformed key %q", iter.Key())
		}
		stream := string(rest[:i])
		if len(streams) == 0 || streams[len(streams)-1] != stream {
			streams = append(streams, stream)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan streams: %w", err)
	}
	return streams, nil
}

func (s *Store) get(key []byte) (uint64, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("malformed value for %q", key)
	}
	return binary.BigEndian.Uint64(v), nil
}

func streamPrefix(stream string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(stream)+1)
	k = append(k, keyPrefix...)
	k = append(k, stream...)
	return append(k, 0)
}

func cursorKey(stream string, originator uint32) []byte {
	return binary.BigEndian.AppendUint32(streamPrefix(stream), originator)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

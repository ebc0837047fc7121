package cursor

import (
	"context"
	"errors"
	"fmt"
)

// ErrConflict is returned by Store.CompareAndSet when the stored position is
// not the expected one.
var ErrConflict = errors.New("cursor conflict")

// Store persists one GlobalCursor per stream, one row per originator.
//
// CompareAndSet moves (stream, originator) from old to next. A missing
// position counts as 0. It returns ErrConflict when the stored position is
// not old and must never move a position backwards.
type Store interface {
	CompareAndSet(ctx context.Context, stream string, originator uint32, old, next uint64) error
	GlobalCursor(ctx context.Context, stream string) (GlobalCursor, error)
	Streams(ctx context.Context) ([]string, error)
}

// Persist writes the originators that changed between old and next, in
// originator order. Each originator is an independent compare-and-set, so a
// conflict leaves earlier originators advanced; they only ever move forward.
func Persist(ctx context.Context, s Store, stream string, old, next GlobalCursor) error {
	for _, o := range next.Originators() {
		from, to := old.Get(o), next.Get(o)
		if to <= from {
			continue
		}
		if err := s.CompareAndSet(ctx, stream, o, from, to); err != nil {
			return fmt.Errorf("persist cursor %s: %w", stream, err)
		}
	}
	return nil
}

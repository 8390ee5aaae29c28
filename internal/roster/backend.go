package roster

import (
	"context"
	"errors"
)

// Backend is the durable or shared side of the roster. Upsert is
// last-write-wins per entity id.
type Backend interface {
	Upsert(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
}

// Loader enumerates stored records for warm starts.
type Loader interface {
	Load(ctx context.Context) ([]Record, error)
}

// Watcher streams records written by other instances. Watch blocks until ctx
// is done or the underlying feed closes.
type Watcher interface {
	Watch(ctx context.Context, fn func(Record)) error
}

// MultiBackend writes every record to each backend in order.
type MultiBackend []Backend

func (m MultiBackend) Upsert(ctx context.Context, rec Record) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Upsert(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiBackend) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

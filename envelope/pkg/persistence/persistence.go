package persistence

import (
	"context"

	"github.com/cipherlayer/envelope/envelope"
)

// LoaderFunc is an adapter to allow the use of ordinary functions as Loaders.
// If f is a function with the appropriate signature, LoaderFunc(f) is an envelope.Loader that calls f.
type LoaderFunc func(ctx context.Context, key interface{}) (*envelope.DataRowRecord, error)

// Load calls f(ctx, key).
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*envelope.DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc is an adapter to allow the use of ordinary functions as Storers.
// If f is a function with the appropriate signature, StorerFunc(f) is an envelope.Storer that calls f.
type StorerFunc func(ctx context.Context, d envelope.DataRowRecord) (interface{}, error)

// Store calls f(ctx, d).
func (f StorerFunc) Store(ctx context.Context, d envelope.DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}

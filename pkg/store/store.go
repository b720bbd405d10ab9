package store

import "context"

// Counter is a shared atomic integer namespace. Implementations must be
// atomic across all processes sharing the backing store.
type Counter interface {
	// Increment adds one to the counter at key and returns the new value.
	// It must fail loudly when the backing store is unreachable; callers
	// depend on there being no silent fallback value.
	Increment(ctx context.Context, key string) (int64, error)
}

// SetStore is a shared set namespace keyed by string. Implementations must
// make each operation atomic with respect to concurrent callers in any
// process.
type SetStore interface {
	// Add inserts member into the set at key and reports whether it was
	// newly inserted.
	Add(ctx context.Context, key, member string) (bool, error)
	Remove(ctx context.Context, key, member string) error
	Members(ctx context.Context, key string) ([]string, error)
	IsMember(ctx context.Context, key, member string) (bool, error)
	// Delete removes the whole set.
	Delete(ctx context.Context, key string) error
}

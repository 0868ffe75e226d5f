// Package registry is the shared key-value store holding machine records,
// the machine set, job routes, the quota counter and facility configuration.
//
// All cross-task consistency in the service relies on the atomic primitives
// of Store: SetAdd, SetRemove, HashSet and DecrementIfPositive.
package registry

import (
	"context"
	"errors"
)

var (
	// ErrAbsent is returned by DecrementIfPositive when the counter key does not exist.
	ErrAbsent = errors.New("registry: key absent")
	// ErrWrongType is returned when a key holds a different data structure.
	ErrWrongType = errors.New("registry: wrong type for key")
	// ErrNotInteger is returned when a counter does not hold an integer.
	ErrNotInteger = errors.New("registry: value is not an integer")
)

// Store is the registry contract shared by all backends.
type Store interface {
	// Get returns the string at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent writes value only when key does not exist.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// GetDelete atomically returns the string at key and removes it. Of
	// concurrent callers only one sees exists == true.
	GetDelete(ctx context.Context, key string) (string, bool, error)
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// HashGetAll returns every field of the hash and whether it exists.
	HashGetAll(ctx context.Context, key string) (map[string]string, bool, error)
	// HashSet merges fields into the hash, creating it if needed.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// SetAdd inserts member and reports whether it was not already present.
	SetAdd(ctx context.Context, key, member string) (bool, error)
	// SetRemove removes member and reports whether it was present.
	SetRemove(ctx context.Context, key, member string) (bool, error)
	// SetMembers returns the members in lexical order.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SortedAdd inserts or rescores member in a sorted set.
	SortedAdd(ctx context.Context, key string, score float64, member string) error
	// SortedMembers returns members ordered by score.
	SortedMembers(ctx context.Context, key string) ([]string, error)

	// DecrementIfPositive atomically decrements the integer at key when it is
	// greater than zero. ok is false when the counter was already zero or
	// below, in which case it is left unchanged.
	DecrementIfPositive(ctx context.Context, key string) (remaining int64, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

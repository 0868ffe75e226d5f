package testutil

import (
	"fablab/internal/registry"
	"testing"
)

// NewStore returns an in-memory badger registry closed at test cleanup.
func NewStore(tb testing.TB) *registry.BadgerStore {
	tb.Helper()
	s, err := registry.NewBadgerStore("", true)
	if err != nil {
		tb.Fatalf("open in-memory registry: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

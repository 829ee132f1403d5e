package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/db"
)

// NewDB opens an initialized in-memory store that is closed with the test.
func NewDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.New(db.DriverPure, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

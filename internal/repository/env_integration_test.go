//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/rapigate/rapigate/internal/testutil"
)

// newRepoTestEnv connects to DATABASE_URL, serialises against other
// database tests and resets the schema to the latest migration.
func newRepoTestEnv(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}

	ctx := context.Background()
	repo, err := NewWithOptions(ctx, testutil.RequireEnv(t, "DATABASE_URL"), PoolOptions{MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(repo.Close)

	unlock, err := testutil.AcquireDBLock(ctx, repo.Pool())
	if err != nil {
		t.Fatalf("advisory lock: %v", err)
	}
	t.Cleanup(func() { _ = unlock() })

	if err := testutil.ResetSchema(ctx, repo.Pool()); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return ctx, repo
}

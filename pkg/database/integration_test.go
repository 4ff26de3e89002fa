package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentfox/incidentfox/pkg/database"
	"github.com/incidentfox/incidentfox/test/util"
)

func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires PostgreSQL")
	}
	return util.NewTestClient(t)
}

// TestLockKeyDeterministic tests that the advisory key derivation is stable
// and separates distinct names.
func TestLockKeyDeterministic(t *testing.T) {
	assert.Equal(t, database.LockKey("provision|acme|payments"), database.LockKey("provision|acme|payments"))
	assert.NotEqual(t, database.LockKey("provision|acme|payments"), database.LockKey("provision|acme|checkout"))
}

// TestMigrationsApplied tests that the embedded migrations ran against the
// test schema.
func TestMigrationsApplied(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	var count int
	err := client.Pool().QueryRow(ctx, "SELECT count(*) FROM agent_runs").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// TestHealthReportsPoolStats tests the health probe against a live pool.
func TestHealthReportsPoolStats(t *testing.T) {
	client := newTestClient(t)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int32(5), health.MaxConns)
	assert.GreaterOrEqual(t, health.ResponseTime, int64(0))
}

// TestAdvisoryLockSerializesHolders tests that two holders of the same
// name take the lock strictly in turn.
func TestAdvisoryLockSerializesHolders(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.AcquireLock(ctx, "provision|acme|payments")
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		second, err := client.AcquireLock(ctx, "provision|acme|payments")
		if err == nil {
			second.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second holder finished while the first still held the lock")
	case <-time.After(200 * time.Millisecond):
	}

	first.Release()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second holder never acquired the lock after release")
	}
}

// TestAdvisoryLockDistinctNamesDoNotContend tests that locks for different
// names are independent.
func TestAdvisoryLockDistinctNamesDoNotContend(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.AcquireLock(ctx, "provision|acme|payments")
	require.NoError(t, err)
	defer first.Release()

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	second, err := client.AcquireLock(ctx2, "provision|acme|checkout")
	require.NoError(t, err)
	second.Release()
}

// TestAdvisoryLockWaitAbortsOnCancel tests that a cancelled context stops
// a blocked acquire.
func TestAdvisoryLockWaitAbortsOnCancel(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	holder, err := client.AcquireLock(ctx, "provision|globex|web")
	require.NoError(t, err)
	defer holder.Release()

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()

	_, err = client.AcquireLock(waitCtx, "provision|globex|web")
	require.Error(t, err)
}

package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthFixture(t *testing.T) (*Health, *sql.DB) {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewHealth(db, rdb, "", time.Second), db
}

func TestHealthRefreshSnapshot(t *testing.T) {
	h, _ := healthFixture(t)

	status := h.refresh(context.Background())
	assert.True(t, status.Store)
	assert.True(t, status.Counters)
	assert.True(t, status.SmartHost, "no smart host configured counts as reachable")
	assert.True(t, status.Healthy)
	assert.False(t, status.CheckedAt.IsZero())
}

func TestHealthCheckServesCachedSnapshot(t *testing.T) {
	h, _ := healthFixture(t)

	first := h.refresh(context.Background())
	again := h.Check(context.Background())
	assert.Same(t, first, again, "check between probe passes must not re-probe")
}

func TestHealthCheckProbesInlineBeforeFirstPass(t *testing.T) {
	h, _ := healthFixture(t)

	status := h.Check(context.Background())
	require.NotNil(t, status)
	assert.True(t, status.Healthy)
}

func TestHealthUnhealthyWhenStoreDown(t *testing.T) {
	h, db := healthFixture(t)
	db.Close()

	status := h.refresh(context.Background())
	assert.False(t, status.Store)
	assert.False(t, status.Healthy)
	assert.True(t, status.Counters, "counter store state never gates overall health")
}

func TestHealthUnreachableSmartHostDoesNotGateHealth(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	// Port 1 refuses connections on any sane host.
	h := NewHealth(db, rdb, "127.0.0.1:1", 200*time.Millisecond)

	status := h.refresh(context.Background())
	assert.False(t, status.SmartHost)
	assert.True(t, status.Healthy)
}

func TestHealthStartProbesPeriodically(t *testing.T) {
	h, _ := healthFixture(t)

	h.Start(context.Background())
	defer h.Stop()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.last != nil
	}, time.Second, 10*time.Millisecond, "first probe pass populates the snapshot")

	status := h.Check(context.Background())
	assert.True(t, status.Healthy)
}

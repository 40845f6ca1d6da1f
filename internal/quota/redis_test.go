package quota

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/testutil"
)

func newMiniredisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisLedger(t *testing.T) {
	runLedgerContract(t, func(t *testing.T, opts Options) Ledger {
		client, _ := newMiniredisClient(t)
		return NewRedisLedger(client, opts)
	})
}

func TestRedisLedger_StoresHashUnderPrefix(t *testing.T) {
	client, mr := newMiniredisClient(t)
	clock := testutil.NewFakeClock(testStart)
	l := NewRedisLedger(client, Options{Clock: clock.Now}).WithPrefix("test:quota:")

	require.NoError(t, l.TryReserve(testutil.TestContext(t), "u1"))

	assert.True(t, mr.Exists("test:quota:u1"))
	assert.Equal(t, "1", mr.HGet("test:quota:u1", "concurrent"))
	assert.Equal(t, "1", mr.HGet("test:quota:u1", "daily_used"))
	assert.Equal(t, "50", mr.HGet("test:quota:u1", "daily_limit"))
}

func TestRedisLedger_SharedBetweenInstances(t *testing.T) {
	client, _ := newMiniredisClient(t)
	clock := testutil.NewFakeClock(testStart)
	opts := Options{Defaults: domain.QuotaLimits{DailyLimit: 10, ConcurrentLimit: 2}, Clock: clock.Now}
	a := NewRedisLedger(client, opts)
	b := NewRedisLedger(client, opts)
	ctx := testutil.TestContext(t)

	require.NoError(t, a.TryReserve(ctx, "u1"))
	require.NoError(t, b.TryReserve(ctx, "u1"))
	assert.ErrorIs(t, a.TryReserve(ctx, "u1"), domain.ErrConcurrencyExceeded)
	assert.ErrorIs(t, b.TryReserve(ctx, "u1"), domain.ErrConcurrencyExceeded)
}

func TestRedisLedger_StoreErrorIsNotARejection(t *testing.T) {
	client, mr := newMiniredisClient(t)
	l := NewRedisLedger(client, Options{})
	mr.Close()

	err := l.TryReserve(testutil.TestContext(t), "u1")
	require.Error(t, err)
	assert.Empty(t, domain.ReasonOf(err))
}

package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestMemoryStore_PerDay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d1 := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	total, err := s.Add(ctx, d1, 1.25)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, total, 1e-9)
	_, _ = s.Add(ctx, d1.Add(3*time.Hour), 0.75)

	got, err := s.Load(ctx, d1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-9)

	got, err = s.Load(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestRedisStore_AddAndLoad(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)
	day := time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)

	got, err := s.Load(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	_, err = s.Add(ctx, day, 0.5)
	require.NoError(t, err)
	total, err := s.Add(ctx, day, 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-9)

	got, err = s.Load(ctx, day)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-9)

	key := "tiergate:spend:2026-03-10"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, spendKeyTTL, mr.TTL(key))
}

func TestRedisStore_SharedAcrossLedgers(t *testing.T) {
	s, _ := newMiniredisStore(t)
	clock := newTestClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	a := newTestLedger(t, 10, clock, s)
	b := newTestLedger(t, 10, clock, s)

	a.RecordActual("", 6)
	b.RecordActual("", 4)

	// b adopts the shared total returned by INCRBYFLOAT
	assert.InDelta(t, 10.0, b.Spend(), 1e-9)
	assert.Error(t, b.CheckAndReserve())
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newMiniredisStore(t)
	mr.Close()

	_, err := s.Load(context.Background(), time.Now())
	assert.Error(t, err)
	_, err = s.Add(context.Background(), time.Now(), 1)
	assert.Error(t, err)
}

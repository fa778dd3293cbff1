package ciecache_test

import (
	"testing"
	"time"

	"github.com/owlthread/cie/ciecache"
	"github.com/owlthread/cie/ciecore"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestCache_GetMissThenPutHit(t *testing.T) {
	c := ciecache.New[string](8, time.Minute)

	_, ok := c.Get("fp1")
	require.False(t, ok)

	c.Put("fp1", "hello")
	entry, ok := c.Get("fp1")
	require.True(t, ok)
	require.Equal(t, "hello", entry.Value)
	require.Equal(t, int64(1), entry.HitCount)
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := ciecache.New[int](8, time.Second, ciecache.WithClock[int](clock))

	c.Put("fp", 42)
	_, ok := c.Get("fp")
	require.True(t, ok)

	clock.now = clock.now.Add(2 * time.Second)
	_, ok = c.Get("fp")
	require.False(t, ok, "entry should be expired after ttl elapses")
	require.Equal(t, 0, c.Size())
}

func TestCache_EvictsLeastValuableAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := ciecache.New[int](2, time.Hour, ciecache.WithClock[int](clock))

	c.Put("a", 1)
	clock.now = clock.now.Add(time.Second)
	c.Put("b", 2)

	// "a" has never been hit, "b" has never been hit; both hit_count==0, so
	// the older InsertedAt ("a") must be evicted first.
	clock.now = clock.now.Add(time.Second)
	c.Put("c", 3)

	_, aOK := c.Get("a")
	require.False(t, aOK, "oldest zero-hit entry should be evicted")

	_, bOK := c.Get("b")
	require.True(t, bOK)

	_, cOK := c.Get("c")
	require.True(t, cOK)

	require.Equal(t, 2, c.Size())
}

func TestCache_FrequentlyHitEntrySurvivesEviction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := ciecache.New[int](2, time.Hour, ciecache.WithClock[int](clock))

	c.Put("a", 1)
	clock.now = clock.now.Add(time.Second)
	c.Put("b", 2)

	// Hit "a" several times so its hit_count outranks "b"'s.
	for i := 0; i < 5; i++ {
		_, _ = c.Get("a")
	}

	clock.now = clock.now.Add(time.Second)
	c.Put("c", 3)

	_, aOK := c.Get("a")
	require.True(t, aOK, "frequently hit entry should survive eviction")

	_, bOK := c.Get("b")
	require.False(t, bOK, "zero-hit entry should be evicted over a warm one")
}

func TestCache_EvictExpiredSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := ciecache.New[int](8, time.Second, ciecache.WithClock[int](clock))

	c.Put("a", 1)
	c.Put("b", 2)

	clock.now = clock.now.Add(2 * time.Second)
	removed := c.EvictExpired()
	require.Equal(t, 2, removed)
	require.Equal(t, 0, c.Size())
}

func TestCache_Clear(t *testing.T) {
	c := ciecache.New[int](8, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()
	require.Equal(t, 0, c.Size())
}

var _ ciecore.Clock = (*fakeClock)(nil)

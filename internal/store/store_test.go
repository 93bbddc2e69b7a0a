package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, st Store) {
	ctx := context.Background()

	topic, err := st.Route(ctx, "calc")
	require.NoError(t, err)
	assert.Empty(t, topic)

	require.NoError(t, st.SetRoute(ctx, "calc", "math.add"))
	topic, err = st.Route(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, "math.add", topic)

	first, err := st.MarkSeen(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = st.MarkSeen(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.False(t, first)

	first, err = st.MarkSeen(ctx, "m2", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	require.NoError(t, st.Forget(ctx, "m1"))
	first, err = st.MarkSeen(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first, "forgotten id is new again")

	require.NoError(t, st.Forget(ctx, "never-seen"))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreExpiry(t *testing.T) {
	st := NewMemoryStore()
	now := time.Unix(1000, 0)
	st.now = func() time.Time { return now }

	first, _ := st.MarkSeen(context.Background(), "m1", time.Second)
	assert.True(t, first)
	now = now.Add(2 * time.Second)
	first, _ = st.MarkSeen(context.Background(), "m1", time.Second)
	assert.True(t, first)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewRedisStore(mr.Addr())
	defer st.Close()

	testStore(t, st)

	mr.FastForward(2 * time.Minute)
	first, err := st.MarkSeen(context.Background(), "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

package socket

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) *Presence {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewPresence(rdb)
}

func TestPresenceJoinLeave(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	first, err := p.Join(ctx, "doc-1", "user-1", PresenceInfo{UserID: "user-1", Name: "One"})
	require.NoError(t, err)
	assert.True(t, first)

	snapshot, err := p.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "One", snapshot[0].Name)

	last, err := p.Leave(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.True(t, last)

	snapshot, err = p.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestPresenceRefcountsConnections(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()
	info := PresenceInfo{UserID: "user-1"}

	first, err := p.Join(ctx, "doc-1", "user-1", info)
	require.NoError(t, err)
	require.True(t, first)

	// Second tab: same identity, no new announcement, still one entry.
	first, err = p.Join(ctx, "doc-1", "user-1", info)
	require.NoError(t, err)
	assert.False(t, first)

	snapshot, err := p.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)

	// Closing one tab keeps the entry; closing the last removes it.
	last, err := p.Leave(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.False(t, last)

	last, err = p.Leave(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.True(t, last)
}

func TestPresenceRoomsAreIndependent(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	_, err := p.Join(ctx, "doc-1", "user-1", PresenceInfo{UserID: "user-1"})
	require.NoError(t, err)
	_, err = p.Join(ctx, "doc-2", "user-2", PresenceInfo{UserID: "user-2"})
	require.NoError(t, err)

	snapshot, err := p.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "user-1", snapshot[0].UserID)
}

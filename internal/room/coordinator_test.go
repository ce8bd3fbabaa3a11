package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlink/ghostlink/internal/presence"
	"github.com/ghostlink/ghostlink/internal/profile"
	"github.com/ghostlink/ghostlink/internal/store"
)

func TestIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, ID("b", "a"), ID("a", "b"))
	assert.Equal(t, "a_b", ID("b", "a"))
	assert.NotEqual(t, ID("a", "b"), ID("a", "c"))
}

func testProfile(id string) profile.Profile {
	return profile.Profile{
		UserID:           id,
		Nickname:         "Ghost#" + id,
		Gender:           profile.GenderOther,
		GenderPreference: profile.PreferenceAny,
	}
}

func setup(t *testing.T) (*store.MemoryBackend, store.Store, *presence.Manager, *Coordinator) {
	t.Helper()
	backend := store.NewMemoryBackend()
	conn := backend.Connect()
	pool := presence.NewManager(conn)
	return backend, conn, pool, NewCoordinator(conn, pool)
}

func TestCreateThenJoin(t *testing.T) {
	ctx := context.Background()
	_, conn, pool, coord := setup(t)

	alice := testProfile("alice")
	bob := testProfile("bob")
	require.NoError(t, pool.Join(ctx, alice))
	require.NoError(t, pool.Join(ctx, bob))

	// First resolver creates the room and empties the pool.
	adoption, err := coord.CreateOrJoin(ctx, alice, presence.Entry{Profile: bob})
	require.NoError(t, err)
	assert.True(t, adoption.Created)
	assert.Equal(t, ID("alice", "bob"), adoption.RoomID)
	assert.Equal(t, "bob", adoption.PartnerID)

	var r Room
	exists, err := conn.Read(ctx, Path(adoption.RoomID), &r)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Len(t, r.Users, 2)
	assert.True(t, r.Users["alice"].Connected)

	entries, err := pool.Scan(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, entries, "both waiting entries removed")

	// Second resolver races in later: its create degrades into a join and
	// performs no write on the room.
	adoption2, err := coord.CreateOrJoin(ctx, bob, presence.Entry{Profile: alice})
	require.NoError(t, err)
	assert.False(t, adoption2.Created)
	assert.Equal(t, adoption.RoomID, adoption2.RoomID)

	var again Room
	_, err = conn.Read(ctx, Path(adoption.RoomID), &again)
	require.NoError(t, err)
	assert.Equal(t, r.CreatedAt, again.CreatedAt, "room untouched by the race loser")
}

func TestFindFor(t *testing.T) {
	ctx := context.Background()
	_, _, pool, coord := setup(t)

	alice := testProfile("alice")
	bob := testProfile("bob")
	require.NoError(t, pool.Join(ctx, bob))
	_, err := coord.CreateOrJoin(ctx, alice, presence.Entry{Profile: bob})
	require.NoError(t, err)

	adoption, found, err := coord.FindFor(ctx, "bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ID("alice", "bob"), adoption.RoomID)
	assert.Equal(t, "alice", adoption.PartnerID)
	assert.Equal(t, "Ghost#alice", adoption.PartnerNickname)

	_, found, err = coord.FindFor(ctx, "stranger")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLeaveTearsDownWhenEmpty(t *testing.T) {
	ctx := context.Background()
	_, conn, pool, coord := setup(t)

	alice := testProfile("alice")
	bob := testProfile("bob")
	require.NoError(t, pool.Join(ctx, bob))
	adoption, err := coord.CreateOrJoin(ctx, alice, presence.Entry{Profile: bob})
	require.NoError(t, err)

	// First leave removes only that side; the room survives for the partner.
	require.NoError(t, coord.Leave(ctx, adoption.RoomID, "alice"))
	var r Room
	exists, err := conn.Read(ctx, Path(adoption.RoomID), &r)
	require.NoError(t, err)
	require.True(t, exists)
	_, hasAlice := r.Users["alice"]
	assert.False(t, hasAlice)

	// Last one out deletes the room.
	require.NoError(t, coord.Leave(ctx, adoption.RoomID, "bob"))
	exists, err = conn.Read(ctx, Path(adoption.RoomID), nil)
	require.NoError(t, err)
	assert.False(t, exists)

	// Leaving twice is a safe no-op.
	require.NoError(t, coord.Leave(ctx, adoption.RoomID, "bob"))
}

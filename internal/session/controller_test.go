package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlink/ghostlink/internal/profile"
	"github.com/ghostlink/ghostlink/internal/room"
	"github.com/ghostlink/ghostlink/internal/store"
)

const (
	testPoll    = 30 * time.Millisecond
	testTimeout = 3 * time.Second
	testTick    = 10 * time.Millisecond
)

type fakeUploader struct {
	calls int32
	url   string
	err   error
	delay time.Duration
}

func (f *fakeUploader) Upload(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.url, f.err
}

func testProfile(id, gender string) profile.Profile {
	return profile.Profile{
		UserID:           id,
		Nickname:         "Ghost#" + id,
		Gender:           gender,
		GenderPreference: profile.PreferenceAny,
		Tags:             []string{"music"},
	}
}

func testOptions(uploader *fakeUploader) Options {
	opts := Options{
		PollInterval:   testPoll,
		TypingExpiry:   80 * time.Millisecond,
		UploadErrorTTL: 80 * time.Millisecond,
	}
	if uploader != nil {
		opts.Uploader = uploader
	}
	return opts
}

// newPair boots two controllers on a shared backend and waits for them to
// converge on one room.
func newPair(t *testing.T, uploader *fakeUploader) (*store.MemoryBackend, *Controller, *Controller) {
	t.Helper()
	backend := store.NewMemoryBackend()
	a := NewController(backend.Connect(), testProfile("alice", profile.GenderFemale), testOptions(uploader))
	b := NewController(backend.Connect(), testProfile("bob", profile.GenderMale), testOptions(uploader))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		sa, sb := a.Snapshot(), b.Snapshot()
		return sa.Screen == ScreenActive && sb.Screen == ScreenActive &&
			sa.RoomID != "" && sa.RoomID == sb.RoomID
	}, testTimeout, testTick, "both clients must converge on the same room")
	return backend, a, b
}

// Two clients discovering each other in the same polling window still end up
// with exactly one room, and both adopt it.
func TestPairingConvergesOnOneRoom(t *testing.T) {
	backend, a, b := newPair(t, nil)
	ctx := context.Background()

	observer := backend.Connect()
	var rooms map[string]room.Room
	exists, err := observer.Read(ctx, "rooms", &rooms)
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, rooms, 1, "exactly one room for the pair")

	only := rooms[a.Snapshot().RoomID]
	assert.Len(t, only.Users, 2)

	exists, err = observer.Read(ctx, "waiting", nil)
	require.NoError(t, err)
	assert.False(t, exists, "waiting pool emptied after the match")

	assert.Equal(t, "Ghost#bob", a.Snapshot().PartnerNickname)
	assert.Equal(t, "Ghost#alice", b.Snapshot().PartnerNickname)
}

func TestSendMessage(t *testing.T) {
	_, a, b := newPair(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, a.SendMessage(ctx, "   "), ErrEmptyMessage)

	require.NoError(t, a.SendMessage(ctx, "watch out for spam here"))
	require.Eventually(t, func() bool {
		msgs := b.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Text == "watch out for **** here"
	}, testTimeout, testTick, "receiver sees the filtered text")

	sent := a.Snapshot().Messages
	require.Len(t, sent, 1)
	assert.Equal(t, "alice", sent[0].SenderID)
	assert.Equal(t, room.MessageText, sent[0].Type)
}

func TestSendMessageKeepsMarkupAndMatureText(t *testing.T) {
	backend := store.NewMemoryBackend()
	a := NewController(backend.Connect(), profile.Profile{
		UserID: "ma", Nickname: "Ghost#ma", Gender: profile.GenderOther,
		GenderPreference: profile.PreferenceAny, Mature: true,
	}, testOptions(nil))
	b := NewController(backend.Connect(), profile.Profile{
		UserID: "mb", Nickname: "Ghost#mb", Gender: profile.GenderOther,
		GenderPreference: profile.PreferenceAny, Mature: true,
	}, testOptions(nil))
	t.Cleanup(func() { a.Close(); b.Close() })

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.Eventually(t, func() bool {
		return a.Snapshot().Screen == ScreenActive && b.Snapshot().Screen == ScreenActive
	}, testTimeout, testTick)

	// Mature session: no filtering, and spoiler markup is stored verbatim.
	text := "check this ||twist|| out https://youtu.be/abc123 spam"
	require.NoError(t, a.SendMessage(ctx, text))
	require.Eventually(t, func() bool {
		msgs := b.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Text == text
	}, testTimeout, testTick)
}

func TestMessageOrdering(t *testing.T) {
	_, a, b := newPair(t, nil)
	ctx := context.Background()

	require.NoError(t, a.SendMessage(ctx, "one"))
	require.NoError(t, b.SendMessage(ctx, "two"))
	require.NoError(t, a.SendMessage(ctx, "three"))

	require.Eventually(t, func() bool {
		return len(a.Snapshot().Messages) == 3 && len(b.Snapshot().Messages) == 3
	}, testTimeout, testTick)

	for _, snap := range []Snapshot{a.Snapshot(), b.Snapshot()} {
		msgs := snap.Messages
		for i := 1; i < len(msgs); i++ {
			if msgs[i-1].Timestamp == msgs[i].Timestamp {
				assert.Less(t, msgs[i-1].ID, msgs[i].ID, "id order breaks timestamp ties")
			} else {
				assert.Less(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
			}
		}
	}
}

func TestTypingFlag(t *testing.T) {
	_, a, b := newPair(t, nil)
	ctx := context.Background()

	require.NoError(t, b.SetTyping(ctx, true))
	require.Eventually(t, func() bool {
		return a.Snapshot().PartnerTyping
	}, testTimeout, testTick, "partner observes the typing flag")

	// The typer's own client expires the flag.
	require.Eventually(t, func() bool {
		return !a.Snapshot().PartnerTyping
	}, testTimeout, testTick, "typing flag auto-clears")
}

func TestSendImageValidation(t *testing.T) {
	uploader := &fakeUploader{url: "https://cdn.example.com/x.png"}
	_, a, _ := newPair(t, uploader)
	ctx := context.Background()

	err := a.SendImage(ctx, "notes.txt", []byte("hello"), "text/plain")
	assert.ErrorIs(t, err, ErrNotAnImage)

	oversized := make([]byte, 6*1024*1024)
	err = a.SendImage(ctx, "big.png", oversized, "image/png")
	assert.ErrorIs(t, err, ErrImageTooLarge)

	assert.Zero(t, atomic.LoadInt32(&uploader.calls), "validation failures make no network call")
}

func TestSendImageSuccess(t *testing.T) {
	uploader := &fakeUploader{url: "https://cdn.example.com/x.png"}
	_, a, b := newPair(t, uploader)
	ctx := context.Background()

	require.NoError(t, a.SendImage(ctx, "x.png", []byte{1, 2, 3}, "image/png"))
	require.Eventually(t, func() bool {
		msgs := b.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Type == room.MessageImage &&
			msgs[0].ImageURL == "https://cdn.example.com/x.png"
	}, testTimeout, testTick)
	assert.Equal(t, int32(1), atomic.LoadInt32(&uploader.calls))
}

func TestSendImageFailureIsTransient(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("host down")}
	_, a, _ := newPair(t, uploader)
	ctx := context.Background()

	require.NoError(t, a.SendImage(ctx, "x.png", []byte{1}, "image/png"),
		"upload failure must not surface as an action error")

	require.Eventually(t, func() bool {
		msgs := a.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].SenderID == SystemSenderID
	}, testTimeout, testTick, "transient system message appears")

	require.Eventually(t, func() bool {
		return len(a.Snapshot().Messages) == 0
	}, testTimeout, testTick, "transient system message self-removes")
}

func TestPartnerLeftFlow(t *testing.T) {
	backend, a, b := newPair(t, nil)
	ctx := context.Background()

	require.NoError(t, b.Leave(ctx))
	assert.Equal(t, ScreenIdle, b.Snapshot().Screen)

	require.Eventually(t, func() bool {
		return a.Snapshot().Screen == ScreenPartnerLeft
	}, testTimeout, testTick, "survivor lands in the partner-left state")

	// The decision is the user's: here, search again.
	require.NoError(t, a.SearchAgain(ctx))
	assert.Equal(t, ScreenSearching, a.Snapshot().Screen)
	assert.Empty(t, a.Snapshot().Messages, "session state reset")

	require.NoError(t, a.Leave(ctx))
	assert.Equal(t, ScreenIdle, a.Snapshot().Screen)

	observer := backend.Connect()
	exists, err := observer.Read(ctx, "rooms", nil)
	require.NoError(t, err)
	assert.False(t, exists, "room deleted once both sides left")
	exists, err = observer.Read(ctx, "waiting", nil)
	require.NoError(t, err)
	assert.False(t, exists, "no stale waiting entries")
}

func TestLeaveIsIdempotent(t *testing.T) {
	_, a, _ := newPair(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Leave(ctx))
	first := a.Snapshot()
	require.NoError(t, a.Leave(ctx))
	assert.Equal(t, first.Screen, a.Snapshot().Screen)
	assert.Equal(t, ScreenIdle, a.Snapshot().Screen)
}

func TestActionsRequireActiveRoom(t *testing.T) {
	backend := store.NewMemoryBackend()
	c := NewController(backend.Connect(), testProfile("solo", profile.GenderOther), testOptions(nil))
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	assert.ErrorIs(t, c.SendMessage(ctx, "hello"), ErrNoActiveRoom)
	assert.ErrorIs(t, c.SetTyping(ctx, true), ErrNoActiveRoom)
	assert.ErrorIs(t, c.SearchAgain(ctx), ErrNotDecidable)
}

func TestStartTwiceRejected(t *testing.T) {
	backend := store.NewMemoryBackend()
	c := NewController(backend.Connect(), testProfile("solo", profile.GenderOther), testOptions(nil))
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrNotIdle)
}

// internal/room/coordinator.go
// Room lifecycle: deterministic identity, race-free create-or-join,
// discovery of rooms created by the partner, and teardown-on-empty.
//
// There is no lock and no transaction anywhere in this file. Exactly-once
// room creation falls out of the room id being a pure function of the two
// participant ids: both clients compute the same id, and whichever write
// lands second degrades into a read of the existing room.

package room

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/ghostlink/ghostlink/internal/presence"
	"github.com/ghostlink/ghostlink/internal/profile"
	"github.com/ghostlink/ghostlink/internal/store"
)

const roomsPath = "rooms"

// ID derives the canonical room id for a pair of users. Order-independent:
// ID(a, b) == ID(b, a). The underscore delimiter never appears inside a
// user id.
func ID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Path returns the store path of a room.
func Path(roomID string) string {
	return roomsPath + "/" + roomID
}

func memberPath(roomID, userID string) string {
	return Path(roomID) + "/users/" + userID
}

// MessagesPath returns the store path of a room's message collection.
func MessagesPath(roomID string) string {
	return Path(roomID) + "/messages"
}

// TypingPath returns the store path of one user's typing flag.
func TypingPath(roomID, userID string) string {
	return Path(roomID) + "/typing/" + userID
}

type Coordinator struct {
	store store.Store
	pool  *presence.Manager
}

func NewCoordinator(s store.Store, pool *presence.Manager) *Coordinator {
	return &Coordinator{store: s, pool: pool}
}

// Adoption is the outcome of resolving a match: the room both clients
// converged on, plus the partner's identity.
type Adoption struct {
	RoomID          string
	PartnerID       string
	PartnerNickname string
	Created         bool // false when the partner's client won the race
}

// CreateOrJoin resolves a successful matchmaking scan. If the partner's
// client already created the room under the deterministic id, this degrades
// into a join: no write is performed on the room. Otherwise the full room is
// written in one atomic operation and both waiting entries are removed
// (partner removal is best-effort; their own scan will self-remove on
// discovery).
func (c *Coordinator) CreateOrJoin(ctx context.Context, self profile.Profile, partner presence.Entry) (Adoption, error) {
	roomID := ID(self.UserID, partner.UserID)
	adoption := Adoption{
		RoomID:          roomID,
		PartnerID:       partner.UserID,
		PartnerNickname: partner.Nickname,
	}

	exists, err := c.store.Read(ctx, Path(roomID), nil)
	if err != nil {
		return Adoption{}, fmt.Errorf("check room %s: %w", roomID, err)
	}
	if exists {
		if err := c.pool.Leave(ctx, self.UserID); err != nil {
			return Adoption{}, err
		}
		return adoption, nil
	}

	now := time.Now().UnixMilli()
	newRoom := Room{
		Users: map[string]Member{
			self.UserID:    {Nickname: self.Nickname, Connected: true, JoinedAt: now},
			partner.UserID: {Nickname: partner.Nickname, Connected: true, JoinedAt: now},
		},
		CreatedAt: now,
		Mature:    self.Mature,
	}
	if err := c.store.Write(ctx, Path(roomID), newRoom); err != nil {
		return Adoption{}, fmt.Errorf("create room %s: %w", roomID, err)
	}
	adoption.Created = true

	if err := c.pool.Leave(ctx, self.UserID); err != nil {
		return Adoption{}, err
	}
	if err := c.pool.Leave(ctx, partner.UserID); err != nil {
		// Not fatal: the partner's own client removes its entry once it
		// discovers the room.
		log.Printf("room %s: could not remove partner %s from pool: %v", roomID, partner.UserID, err)
	}
	return adoption, nil
}

// FindFor scans all rooms for one containing userID. This is the discovery
// path for the client whose own scan never fires because the other side
// matched first.
func (c *Coordinator) FindFor(ctx context.Context, userID string) (Adoption, bool, error) {
	var rooms map[string]Room
	exists, err := c.store.Read(ctx, roomsPath, &rooms)
	if err != nil {
		return Adoption{}, false, fmt.Errorf("scan rooms: %w", err)
	}
	if !exists {
		return Adoption{}, false, nil
	}
	for roomID, r := range rooms {
		if _, ok := r.Users[userID]; !ok {
			continue
		}
		adoption := Adoption{RoomID: roomID}
		if partnerID, member, ok := r.Partner(userID); ok {
			adoption.PartnerID = partnerID
			adoption.PartnerNickname = member.Nickname
		}
		return adoption, true, nil
	}
	return Adoption{}, false, nil
}

// Guard registers the disconnect-triggered mutation for an adopted room:
// the member entry flips to connected=false rather than vanishing, so the
// partner observes the disconnect before any data is removed.
func (c *Coordinator) Guard(ctx context.Context, roomID, userID string) error {
	err := c.store.OnDisconnectUpdate(ctx, memberPath(roomID, userID), map[string]interface{}{
		"connected": false,
	})
	if err != nil {
		return fmt.Errorf("register room disconnect guard: %w", err)
	}
	return nil
}

// Leave tears down this user's side of the room: mark disconnected so the
// partner's subscription observes it, remove the member entry, then delete
// the whole room if nobody remains. The two steps are deliberately
// non-transactional; a crash in between leaves a room the other participant
// (or the next teardown) finishes removing. Leave is idempotent.
func (c *Coordinator) Leave(ctx context.Context, roomID, userID string) error {
	if err := c.store.CancelOnDisconnect(ctx, memberPath(roomID, userID)); err != nil {
		log.Printf("room %s: cancel disconnect guard: %v", roomID, err)
	}

	exists, err := c.store.Read(ctx, memberPath(roomID, userID), nil)
	if err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if exists {
		if err := c.store.Update(ctx, memberPath(roomID, userID), map[string]interface{}{
			"connected": false,
		}); err != nil {
			return fmt.Errorf("mark disconnected in %s: %w", roomID, err)
		}
		if err := c.store.Delete(ctx, memberPath(roomID, userID)); err != nil {
			return fmt.Errorf("remove member from %s: %w", roomID, err)
		}
	}

	var r Room
	exists, err = c.store.Read(ctx, Path(roomID), &r)
	if err != nil {
		return fmt.Errorf("re-read room %s: %w", roomID, err)
	}
	if !exists {
		return nil
	}
	remaining := 0
	for id := range r.Users {
		if id != userID {
			remaining++
		}
	}
	if remaining == 0 {
		if err := c.store.Delete(ctx, Path(roomID)); err != nil {
			return fmt.Errorf("delete empty room %s: %w", roomID, err)
		}
	}
	return nil
}

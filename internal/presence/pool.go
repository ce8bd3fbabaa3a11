// internal/presence/pool.go
// Waiting-pool manager: registers a searching user in the shared pool with
// disconnect-safe cleanup, and scans the pool for everyone else.

package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ghostlink/ghostlink/internal/profile"
	"github.com/ghostlink/ghostlink/internal/store"
)

const poolPath = "waiting"

// Entry is a profile waiting in the pool, keyed by UserID. At most one entry
// exists per user at any time.
type Entry struct {
	profile.Profile
	Timestamp int64 `json:"timestamp"` // ms, pool-join wall clock
}

type Manager struct {
	store store.Store
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

func entryPath(userID string) string {
	return poolPath + "/" + userID
}

// Join publishes the profile to the waiting pool and registers the
// disconnect-triggered deletion before returning, so an ungraceful exit at
// any later point still removes the entry.
func (m *Manager) Join(ctx context.Context, p profile.Profile) error {
	entry := Entry{Profile: p, Timestamp: time.Now().UnixMilli()}
	if err := m.store.Write(ctx, entryPath(p.UserID), entry); err != nil {
		return fmt.Errorf("join waiting pool: %w", err)
	}
	if err := m.store.OnDisconnectDelete(ctx, entryPath(p.UserID)); err != nil {
		return fmt.Errorf("register pool cleanup: %w", err)
	}
	return nil
}

// Leave removes the user's waiting entry. Removing an absent entry is a
// no-op.
func (m *Manager) Leave(ctx context.Context, userID string) error {
	if err := m.store.Delete(ctx, entryPath(userID)); err != nil {
		return fmt.Errorf("leave waiting pool: %w", err)
	}
	return m.store.CancelOnDisconnect(ctx, entryPath(userID))
}

// Scan returns every waiting entry except selfID, ordered by join time
// ascending with user id as tiebreak. The order is the documented
// deterministic iteration order for match scoring.
func (m *Manager) Scan(ctx context.Context, selfID string) ([]Entry, error) {
	var pool map[string]Entry
	exists, err := m.store.Read(ctx, poolPath, &pool)
	if err != nil {
		return nil, fmt.Errorf("scan waiting pool: %w", err)
	}
	if !exists {
		return nil, nil
	}
	entries := make([]Entry, 0, len(pool))
	for _, entry := range pool {
		if entry.UserID == selfID || entry.UserID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

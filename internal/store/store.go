// internal/store/store.go
// Shared realtime state store capability consumed by the chat core.

package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("state store unavailable")
)

// Snapshot is the value observed at a subscribed path. Exists is false when
// the path holds no value (including after a deletion).
type Snapshot struct {
	Exists bool
	Value  json.RawMessage
}

// Decode unmarshals the snapshot value into dest. It is a no-op when the
// snapshot is absent.
func (s Snapshot) Decode(dest interface{}) error {
	if !s.Exists {
		return nil
	}
	return json.Unmarshal(s.Value, dest)
}

// Subscription is a live watch on a path. Close stops delivery; it is safe to
// call more than once.
type Subscription interface {
	Close()
}

// Store is the tree-structured, realtime-subscribable key-value store the
// matchmaking protocol runs against. Paths are slash-separated segments
// ("rooms/<id>/users/<uid>"). Values are JSON-encodable. A value written at a
// path replaces the whole subtree below it; reads at a path observe the merge
// of everything written at or below it.
//
// Every client holds its own Store handle. Disconnect-triggered mutations are
// registered with the store at resource-creation time and fire server-side
// when the handle's connection drops, with no further client code running.
type Store interface {
	// Write atomically sets the value at path, replacing any subtree.
	Write(ctx context.Context, path string, value interface{}) error

	// Update atomically merges the named fields into the object at path.
	Update(ctx context.Context, path string, fields map[string]interface{}) error

	// Delete removes the value (and subtree) at path. Deleting an absent
	// path is a no-op.
	Delete(ctx context.Context, path string) error

	// Read fetches the value at path into dest. The boolean reports whether
	// a value exists.
	Read(ctx context.Context, path string, dest interface{}) (bool, error)

	// Push appends value under path with a store-assigned child key. Keys
	// are lexicographically increasing, so key order is a stable tiebreak
	// for entries written within the same millisecond.
	Push(ctx context.Context, path string, value interface{}) (string, error)

	// Subscribe watches path. The callback fires with the current value
	// immediately, then on every change at or below path, including
	// deletion (observed as an absent snapshot). Callbacks for one
	// subscription are delivered in order.
	Subscribe(path string, fn func(Snapshot)) (Subscription, error)

	// OnDisconnectDelete registers a server-side deletion of path that
	// fires if this client's connection drops.
	OnDisconnectDelete(ctx context.Context, path string) error

	// OnDisconnectUpdate registers a server-side field merge at path that
	// fires if this client's connection drops.
	OnDisconnectUpdate(ctx context.Context, path string, fields map[string]interface{}) error

	// CancelOnDisconnect drops any disconnect mutation registered for path.
	CancelOnDisconnect(ctx context.Context, path string) error

	// Close releases the handle. Registered disconnect mutations fire,
	// exactly as they would on an ungraceful drop.
	Close() error
}

// internal/store/memory.go
// In-memory store backend. One Backend is shared state; each client gets its
// own Conn via Connect, with per-connection disconnect mutations. Used by
// tests and by local (single-machine) mode.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryBackend holds the shared tree and fans change notifications out to
// subscribers across all connections.
type MemoryBackend struct {
	mu      sync.Mutex
	root    map[string]interface{}
	subs    map[*memorySub]struct{}
	pushSeq uint64
}

// NewMemoryBackend creates an empty shared tree.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		root: make(map[string]interface{}),
		subs: make(map[*memorySub]struct{}),
	}
}

// Connect returns a client handle onto the shared tree.
func (b *MemoryBackend) Connect() *MemoryConn {
	return &MemoryConn{
		backend: b,
		ops:     make(map[string]disconnectOp),
	}
}

type opKind int

const (
	opDelete opKind = iota
	opUpdate
)

type disconnectOp struct {
	kind   opKind
	fields map[string]interface{}
}

// MemoryConn is one client's handle. It implements Store.
type MemoryConn struct {
	backend *MemoryBackend

	mu     sync.Mutex
	ops    map[string]disconnectOp
	closed bool
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// normalize round-trips a value through JSON so the tree only ever holds
// map[string]interface{}, []interface{} and scalars.
func normalize(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return decoded, nil
}

func (b *MemoryBackend) setAt(segments []string, value interface{}) {
	node := b.root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

func (b *MemoryBackend) getAt(segments []string) (interface{}, bool) {
	var current interface{} = b.root
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// deleteAt removes the node and prunes emptied ancestors, so an object with
// all children removed reads back as absent.
func (b *MemoryBackend) deleteAt(segments []string) bool {
	parents := make([]map[string]interface{}, 0, len(segments))
	node := b.root
	for _, seg := range segments[:len(segments)-1] {
		parents = append(parents, node)
		child, ok := node[seg].(map[string]interface{})
		if !ok {
			return false
		}
		node = child
	}
	last := segments[len(segments)-1]
	if _, ok := node[last]; !ok {
		return false
	}
	delete(node, last)
	for i := len(parents) - 1; i >= 0; i-- {
		if len(node) != 0 {
			break
		}
		delete(parents[i], segments[i])
		node = parents[i]
	}
	return true
}

// notify delivers the current value at each affected subscription's path.
// A change at path affects subscribers at the path itself, at any ancestor,
// and at any descendant. Caller holds b.mu.
func (b *MemoryBackend) notify(changed []string) {
	changedPath := strings.Join(changed, "/")
	for sub := range b.subs {
		if !pathsOverlap(sub.path, changedPath) {
			continue
		}
		sub.enqueue(b.snapshotAt(sub.segments))
	}
}

func pathsOverlap(a, b string) bool {
	return a == b ||
		strings.HasPrefix(b, a+"/") ||
		strings.HasPrefix(a, b+"/")
}

// snapshotAt renders the subtree at segments as JSON. Caller holds b.mu.
func (b *MemoryBackend) snapshotAt(segments []string) Snapshot {
	value, ok := b.getAt(segments)
	if !ok {
		return Snapshot{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Snapshot{}
	}
	return Snapshot{Exists: true, Value: raw}
}

func (b *MemoryBackend) apply(path string, op disconnectOp) {
	segments := splitPath(path)
	switch op.kind {
	case opDelete:
		if b.deleteAt(segments) {
			b.notify(segments)
		}
	case opUpdate:
		for field, value := range op.fields {
			normalized, err := normalize(value)
			if err != nil {
				continue
			}
			b.setAt(append(segments, field), normalized)
		}
		b.notify(segments)
	}
}

func (c *MemoryConn) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnavailable
	}
	return nil
}

func (c *MemoryConn) Write(ctx context.Context, path string, value interface{}) error {
	if err := c.live(); err != nil {
		return err
	}
	normalized, err := normalize(value)
	if err != nil {
		return err
	}
	segments := splitPath(path)
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.setAt(segments, normalized)
	c.backend.notify(segments)
	return nil
}

func (c *MemoryConn) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := c.live(); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.apply(path, disconnectOp{kind: opUpdate, fields: fields})
	return nil
}

func (c *MemoryConn) Delete(ctx context.Context, path string) error {
	if err := c.live(); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.apply(path, disconnectOp{kind: opDelete})
	return nil
}

func (c *MemoryConn) Read(ctx context.Context, path string, dest interface{}) (bool, error) {
	if err := c.live(); err != nil {
		return false, err
	}
	c.backend.mu.Lock()
	snap := c.backend.snapshotAt(splitPath(path))
	c.backend.mu.Unlock()
	if !snap.Exists {
		return false, nil
	}
	if dest != nil {
		if err := json.Unmarshal(snap.Value, dest); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (c *MemoryConn) Push(ctx context.Context, path string, value interface{}) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}
	normalized, err := normalize(value)
	if err != nil {
		return "", err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.pushSeq++
	key := fmt.Sprintf("k%020d", c.backend.pushSeq)
	segments := append(splitPath(path), key)
	c.backend.setAt(segments, normalized)
	c.backend.notify(segments)
	return key, nil
}

func (c *MemoryConn) Subscribe(path string, fn func(Snapshot)) (Subscription, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	sub := newMemorySub(path, fn)
	sub.backend = c.backend
	c.backend.mu.Lock()
	c.backend.subs[sub] = struct{}{}
	sub.enqueue(c.backend.snapshotAt(sub.segments))
	c.backend.mu.Unlock()
	return sub, nil
}

func (c *MemoryConn) OnDisconnectDelete(ctx context.Context, path string) error {
	if err := c.live(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops[path] = disconnectOp{kind: opDelete}
	return nil
}

func (c *MemoryConn) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := c.live(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops[path] = disconnectOp{kind: opUpdate, fields: fields}
	return nil
}

func (c *MemoryConn) CancelOnDisconnect(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ops, path)
	return nil
}

// Drop simulates an ungraceful connection loss: registered disconnect
// mutations fire and the handle becomes unusable.
func (c *MemoryConn) Drop() {
	c.fireDisconnectOps()
}

func (c *MemoryConn) Close() error {
	c.fireDisconnectOps()
	return nil
}

func (c *MemoryConn) fireDisconnectOps() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.ops
	c.ops = make(map[string]disconnectOp)
	c.mu.Unlock()

	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	for path, op := range pending {
		c.backend.apply(path, op)
	}
}

// memorySub delivers snapshots to its callback in order, decoupled from the
// backend lock so callbacks may call back into the store.
type memorySub struct {
	path     string
	segments []string
	fn       func(Snapshot)
	backend  *MemoryBackend

	mu     sync.Mutex
	queue  []Snapshot
	wake   chan struct{}
	closed bool
}

func newMemorySub(path string, fn func(Snapshot)) *memorySub {
	sub := &memorySub{
		path:     strings.Trim(path, "/"),
		segments: splitPath(path),
		fn:       fn,
		wake:     make(chan struct{}, 1),
	}
	go sub.pump()
	return sub
}

func (s *memorySub) enqueue(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) pump() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(snap)
		}
	}
}

func (s *memorySub) Close() {
	if s.backend != nil {
		s.backend.mu.Lock()
		delete(s.backend.subs, s)
		s.backend.mu.Unlock()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.wake)
}

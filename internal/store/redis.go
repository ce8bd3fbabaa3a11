// internal/store/redis.go
// Redis-backed Store. The tree is flattened to one Redis key per leaf path,
// change notifications ride a single pub/sub channel, and disconnect
// mutations are kept server-side in a per-session registry that any live
// client applies once the owner's heartbeat key expires.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	heartbeatTTL      = 10 * time.Second
	heartbeatInterval = 3 * time.Second
	reapInterval      = 5 * time.Second
)

// RedisStore implements Store over a Redis instance shared by all clients.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	sessionID string

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type registeredOp struct {
	Kind   string                 `json:"kind"` // "delete" or "update"
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// NewRedisStore connects a client session. It pings Redis so an unreachable
// store is detected at startup rather than on first use.
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client:    client,
		prefix:    prefix,
		sessionID: uuid.New().String(),
		subs:      make(map[*redisSub]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := client.SAdd(ctx, s.sessionsKey(), s.sessionID).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("register session: %w", err)
	}
	if err := s.beat(ctx); err != nil {
		cancel()
		return nil, err
	}
	s.wg.Add(3)
	go s.heartbeatLoop()
	go s.reapLoop()
	go s.eventLoop()
	return s, nil
}

func (s *RedisStore) dataKey(path string) string {
	return s.prefix + ":data:" + strings.Trim(path, "/")
}

func (s *RedisStore) eventsChannel() string  { return s.prefix + ":events" }
func (s *RedisStore) sessionsKey() string    { return s.prefix + ":sessions" }
func (s *RedisStore) seqKey() string         { return s.prefix + ":seq" }
func (s *RedisStore) hbKey(id string) string { return s.prefix + ":hb:" + id }
func (s *RedisStore) opsKey(id string) string {
	return s.prefix + ":disconnect:" + id
}

// flatten decomposes a value into leaf paths relative to its root. Scalars
// and arrays are leaves; objects recurse.
func flatten(relative string, value interface{}, out map[string]interface{}) {
	obj, ok := value.(map[string]interface{})
	if !ok || len(obj) == 0 {
		out[relative] = value
		return
	}
	for field, child := range obj {
		childPath := field
		if relative != "" {
			childPath = relative + "/" + field
		}
		flatten(childPath, child, out)
	}
}

func (s *RedisStore) subtreeKeys(ctx context.Context, path string) ([]string, error) {
	pattern := s.dataKey(path) + "/*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return keys, nil
}

// writeTree replaces the subtree at path with value inside one transaction.
func (s *RedisStore) writeTree(ctx context.Context, path string, value interface{}) error {
	normalized, err := normalize(value)
	if err != nil {
		return err
	}
	stale, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return err
	}
	leaves := make(map[string]interface{})
	flatten("", normalized, leaves)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, append(stale, s.dataKey(path))...)
	for relative, leaf := range leaves {
		raw, err := json.Marshal(leaf)
		if err != nil {
			return fmt.Errorf("encode leaf %s: %w", relative, err)
		}
		leafPath := path
		if relative != "" {
			leafPath = strings.Trim(path, "/") + "/" + relative
		}
		pipe.Set(ctx, s.dataKey(leafPath), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *RedisStore) publish(ctx context.Context, path string) error {
	if err := s.client.Publish(ctx, s.eventsChannel(), strings.Trim(path, "/")).Err(); err != nil {
		return fmt.Errorf("publish change %s: %w", path, err)
	}
	return nil
}

// assemble rebuilds the value at path from leaf keys. The second return is
// false when no leaf exists at or below the path.
func (s *RedisStore) assemble(ctx context.Context, path string) (json.RawMessage, bool, error) {
	path = strings.Trim(path, "/")
	// Exact leaf wins: a scalar written at the path itself.
	raw, err := s.client.Get(ctx, s.dataKey(path)).Bytes()
	if err == nil {
		return raw, true, nil
	}
	if err != redis.Nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	keys, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if len(keys) == 0 {
		return nil, false, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read subtree %s: %w", path, err)
	}
	tree := make(map[string]interface{})
	trimPrefix := s.dataKey(path) + "/"
	for i, key := range keys {
		str, ok := values[i].(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		var leaf interface{}
		if err := json.Unmarshal([]byte(str), &leaf); err != nil {
			continue
		}
		graft(tree, strings.Split(strings.TrimPrefix(key, trimPrefix), "/"), leaf)
	}
	if len(tree) == 0 {
		return nil, false, nil
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func graft(tree map[string]interface{}, segments []string, leaf interface{}) {
	node := tree
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = leaf
}

func (s *RedisStore) Write(ctx context.Context, path string, value interface{}) error {
	return s.writeTree(ctx, path, value)
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	pipe := s.client.TxPipeline()
	for field, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", field, err)
		}
		pipe.Set(ctx, s.dataKey(strings.Trim(path, "/")+"/"+field), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	keys, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return err
	}
	removed, err := s.client.Del(ctx, append(keys, s.dataKey(path))...).Result()
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if removed == 0 {
		return nil // idempotent
	}
	return s.publish(ctx, path)
}

func (s *RedisStore) Read(ctx context.Context, path string, dest interface{}) (bool, error) {
	raw, exists, err := s.assemble(ctx, path)
	if err != nil || !exists {
		return exists, err
	}
	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (s *RedisStore) Push(ctx context.Context, path string, value interface{}) (string, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate push key: %w", err)
	}
	key := fmt.Sprintf("k%020d", seq)
	if err := s.writeTree(ctx, strings.Trim(path, "/")+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisStore) Subscribe(path string, fn func(Snapshot)) (Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrUnavailable
	}
	sub := newRedisSub(s, strings.Trim(path, "/"), fn)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.refresh()
	return sub, nil
}

func (s *RedisStore) registerOp(ctx context.Context, path string, op registeredOp) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.opsKey(s.sessionID), strings.Trim(path, "/"), raw).Err(); err != nil {
		return fmt.Errorf("register disconnect op: %w", err)
	}
	return nil
}

func (s *RedisStore) OnDisconnectDelete(ctx context.Context, path string) error {
	return s.registerOp(ctx, path, registeredOp{Kind: "delete"})
}

func (s *RedisStore) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]interface{}) error {
	return s.registerOp(ctx, path, registeredOp{Kind: "update", Fields: fields})
}

func (s *RedisStore) CancelOnDisconnect(ctx context.Context, path string) error {
	return s.client.HDel(ctx, s.opsKey(s.sessionID), strings.Trim(path, "/")).Err()
}

func (s *RedisStore) beat(ctx context.Context) error {
	if err := s.client.Set(ctx, s.hbKey(s.sessionID), time.Now().UnixMilli(), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *RedisStore) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.beat(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Printf("store: heartbeat failed: %v", err)
			}
		}
	}
}

// reapLoop applies the disconnect registry of any session whose heartbeat
// expired. SRem is the claim: only the client that removes the session id
// applies its ops.
func (s *RedisStore) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(s.ctx)
		}
	}
}

func (s *RedisStore) reapOnce(ctx context.Context) {
	sessions, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("store: session scan failed: %v", err)
		}
		return
	}
	for _, session := range sessions {
		if session == s.sessionID {
			continue
		}
		alive, err := s.client.Exists(ctx, s.hbKey(session)).Result()
		if err != nil || alive > 0 {
			continue
		}
		claimed, err := s.client.SRem(ctx, s.sessionsKey(), session).Result()
		if err != nil || claimed == 0 {
			continue
		}
		s.applySessionOps(ctx, session)
	}
}

func (s *RedisStore) applySessionOps(ctx context.Context, session string) {
	ops, err := s.client.HGetAll(ctx, s.opsKey(session)).Result()
	if err != nil {
		log.Printf("store: reading ops for dead session %s failed: %v", session, err)
		return
	}
	for path, raw := range ops {
		var op registeredOp
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			continue
		}
		switch op.Kind {
		case "delete":
			err = s.Delete(ctx, path)
		case "update":
			err = s.Update(ctx, path, op.Fields)
		}
		if err != nil {
			log.Printf("store: disconnect op %s on %s failed: %v", op.Kind, path, err)
		}
	}
	if err := s.client.Del(ctx, s.opsKey(session)).Err(); err == nil {
		log.Printf("store: cleaned up dead session %s (%d ops)", session, len(ops))
	}
}

// eventLoop fans pub/sub change notifications out to local subscriptions.
func (s *RedisStore) eventLoop() {
	defer s.wg.Done()
	pubsub := s.client.Subscribe(s.ctx, s.eventsChannel())
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			targets := make([]*redisSub, 0, len(s.subs))
			for sub := range s.subs {
				if pathsOverlap(sub.path, msg.Payload) {
					targets = append(targets, sub)
				}
			}
			s.mu.Unlock()
			for _, sub := range targets {
				sub.refresh()
			}
		}
	}
}

// Close fires this session's disconnect mutations, matching the behavior of
// an ungraceful drop, then releases all resources.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*redisSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.applySessionOps(ctx, s.sessionID)
	s.client.SRem(ctx, s.sessionsKey(), s.sessionID)
	s.client.Del(ctx, s.hbKey(s.sessionID))

	s.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()
	return nil
}

// redisSub delivers fresh snapshots to its callback in order. refresh is
// coalescing: a notification arriving mid-read schedules one more read.
type redisSub struct {
	store *RedisStore
	path  string
	fn    func(Snapshot)

	mu      sync.Mutex
	pending bool
	running bool
	closed  bool
}

func newRedisSub(store *RedisStore, path string, fn func(Snapshot)) *redisSub {
	return &redisSub{store: store, path: path, fn: fn}
}

func (r *redisSub) refresh() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()
	go r.deliverLoop()
}

func (r *redisSub) deliverLoop() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		raw, exists, err := r.store.assemble(ctx, r.path)
		cancel()
		if err != nil {
			log.Printf("store: subscription read %s failed: %v", r.path, err)
		} else {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				r.fn(Snapshot{Exists: exists, Value: raw})
			}
		}
		r.mu.Lock()
		if !r.pending || r.closed {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

func (r *redisSub) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.store.mu.Lock()
	delete(r.store.subs, r)
	r.store.mu.Unlock()
}

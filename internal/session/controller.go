// internal/session/controller.go
// Session controller: the per-client state machine tying the waiting pool,
// matching policy and room coordinator together, and projecting the live
// room into an observable snapshot for the display layer.
//
// State machine: Idle -> Searching -> Active -> {PartnerLeft, Idle,
// Searching}. PartnerLeft is a state, not a callback: the transition out of
// it is driven by an explicit user decision (SearchAgain or GoIdle).

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghostlink/ghostlink/internal/compose"
	"github.com/ghostlink/ghostlink/internal/match"
	"github.com/ghostlink/ghostlink/internal/presence"
	"github.com/ghostlink/ghostlink/internal/profile"
	"github.com/ghostlink/ghostlink/internal/room"
	"github.com/ghostlink/ghostlink/internal/store"
	"github.com/ghostlink/ghostlink/internal/upload"
)

type Screen string

const (
	ScreenIdle        Screen = "idle"
	ScreenSearching   Screen = "searching"
	ScreenActive      Screen = "active"
	ScreenPartnerLeft Screen = "partner_left"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNotAnImage      = errors.New("file is not an image")
	ErrImageTooLarge   = errors.New("image exceeds the size limit")
	ErrUploadsDisabled = errors.New("image uploads are not configured")
	ErrNoActiveRoom    = errors.New("no active room")
	ErrPartnerLeft     = errors.New("partner has left the room")
	ErrNotIdle         = errors.New("a session is already in progress")
	ErrNotDecidable    = errors.New("no partner-left decision is pending")

	// SystemSenderID marks messages authored by the client itself
	// (placeholders, transient errors), never written to the store.
	SystemSenderID = "system"
)

// Snapshot is the observable session state handed to the display layer.
type Snapshot struct {
	Screen           Screen
	RoomID           string
	PartnerNickname  string
	PartnerConnected bool
	PartnerTyping    bool
	Messages         []room.Message
}

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventMatchFound   EventType = "match_found"
	EventPartnerLeft  EventType = "partner_left"
)

type Event struct {
	Type     EventType
	Snapshot Snapshot
}

// Options tune the controller. Zero values fall back to the protocol
// defaults (2s poll, 3s typing expiry, 5s error TTL, 5 MiB images).
type Options struct {
	PollInterval   time.Duration
	TypingExpiry   time.Duration
	UploadErrorTTL time.Duration
	MaxImageBytes  int64

	// Filter is the sender-side content filter, applied to outgoing text
	// only when the profile's mature flag is off.
	Filter compose.FilterFunc

	// Uploader is the image-hosting capability; nil disables image sends.
	Uploader upload.Uploader
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = 3 * time.Second
	}
	if o.UploadErrorTTL <= 0 {
		o.UploadErrorTTL = 5 * time.Second
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = 5 * 1024 * 1024
	}
	if o.Filter == nil {
		o.Filter = compose.Filter
	}
}

type Controller struct {
	store store.Store
	pool  *presence.Manager
	rooms *room.Coordinator
	self  profile.Profile
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	screen           Screen
	roomID           string
	partnerID        string
	partnerNickname  string
	partnerConnected bool
	partnerTyping    bool
	remote           []room.Message
	local            []room.Message
	localSeq         int

	sub             store.Subscription
	pollStop        chan struct{}
	typingTimer     *time.Timer
	cleanupTimers   map[string]*time.Timer
	partnerLeftSeen bool

	events chan Event
}

// NewController wires a controller for one user against the shared store.
func NewController(s store.Store, self profile.Profile, opts Options) *Controller {
	opts.withDefaults()
	pool := presence.NewManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:         s,
		pool:          pool,
		rooms:         room.NewCoordinator(s, pool),
		self:          self,
		opts:          opts,
		ctx:           ctx,
		cancel:        cancel,
		screen:        ScreenIdle,
		cleanupTimers: make(map[string]*time.Timer),
		events:        make(chan Event, 64),
	}
}

// Profile returns the profile this session searches with.
func (c *Controller) Profile() profile.Profile { return c.self }

// Events delivers state-change notifications to the display layer. Slow
// consumers lose events, never block the protocol.
func (c *Controller) Events() <-chan Event { return c.events }

// Snapshot returns a copy of the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	merged := make([]room.Message, 0, len(c.remote)+len(c.local))
	merged = append(merged, c.remote...)
	merged = append(merged, c.local...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	return Snapshot{
		Screen:           c.screen,
		RoomID:           c.roomID,
		PartnerNickname:  c.partnerNickname,
		PartnerConnected: c.partnerConnected,
		PartnerTyping:    c.partnerTyping,
		Messages:         merged,
	}
}

func (c *Controller) emit(kind EventType) {
	c.mu.Lock()
	event := Event{Type: kind, Snapshot: c.snapshotLocked()}
	c.mu.Unlock()
	select {
	case c.events <- event:
	default:
	}
}

// Start enters the Searching state: publish a waiting entry and begin the
// polling matchmaking scan. A store failure here surfaces as a
// search-unavailable error and the session stays Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.screen != ScreenIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.mu.Unlock()

	if err := c.pool.Join(ctx, c.self); err != nil {
		return fmt.Errorf("search unavailable: %w", err)
	}

	c.mu.Lock()
	c.screen = ScreenSearching
	c.startPollLocked()
	c.mu.Unlock()

	searchesStarted.Inc()
	c.emit(EventStateChanged)
	return nil
}

// startPollLocked launches the matchmaking scan. Caller holds c.mu.
func (c *Controller) startPollLocked() {
	stop := make(chan struct{})
	c.pollStop = stop
	go c.pollLoop(stop)
}

func (c *Controller) stopPollLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// pollLoop is the recurring matchmaking scan: a fixed-interval poll rather
// than a push notification, trading latency for simplicity.
func (c *Controller) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.PollInterval)
	defer cancel()

	// A partner that matched first has already created our room under the
	// deterministic id; adopt it before scanning the pool.
	adoption, found, err := c.rooms.FindFor(ctx, c.self.UserID)
	if err != nil {
		log.Printf("session %s: room discovery failed: %v", c.self.UserID, err)
		return
	}
	if found {
		if err := c.pool.Leave(ctx, c.self.UserID); err != nil {
			log.Printf("session %s: pool self-remove failed: %v", c.self.UserID, err)
		}
		c.adopt(ctx, adoption)
		return
	}

	entries, err := c.pool.Scan(ctx, c.self.UserID)
	if err != nil {
		log.Printf("session %s: pool scan failed: %v", c.self.UserID, err)
		return
	}
	best, ok := match.Best(c.self, entries)
	if !ok {
		return
	}
	adoption, err = c.rooms.CreateOrJoin(ctx, c.self, best)
	if err != nil {
		log.Printf("session %s: create-or-join failed: %v", c.self.UserID, err)
		return
	}
	c.adopt(ctx, adoption)
}

// adopt transitions Searching -> Active for the given room. If the user
// cancelled while the scan was in flight, the half-adopted room is torn
// down instead.
func (c *Controller) adopt(ctx context.Context, adoption room.Adoption) {
	c.mu.Lock()
	if c.screen != ScreenSearching {
		c.mu.Unlock()
		if err := c.rooms.Leave(ctx, adoption.RoomID, c.self.UserID); err != nil {
			log.Printf("session %s: abandoning room %s failed: %v", c.self.UserID, adoption.RoomID, err)
		}
		return
	}
	c.stopPollLocked()
	c.screen = ScreenActive
	c.roomID = adoption.RoomID
	c.partnerID = adoption.PartnerID
	c.partnerNickname = adoption.PartnerNickname
	c.partnerConnected = true
	c.partnerLeftSeen = false
	c.mu.Unlock()

	if err := c.rooms.Guard(ctx, adoption.RoomID, c.self.UserID); err != nil {
		log.Printf("session %s: disconnect guard failed: %v", c.self.UserID, err)
	}

	sub, err := c.store.Subscribe(room.Path(adoption.RoomID), c.onRoomChange)
	if err != nil {
		log.Printf("session %s: room subscription failed: %v", c.self.UserID, err)
	} else {
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}

	if adoption.Created {
		matchesMade.WithLabelValues("created").Inc()
	} else {
		matchesMade.WithLabelValues("joined").Inc()
	}
	c.emit(EventMatchFound)
}

// onRoomChange projects every room snapshot into local state. Runs on the
// subscription's delivery goroutine, in order.
func (c *Controller) onRoomChange(snap store.Snapshot) {
	if !snap.Exists {
		c.partnerGone()
		return
	}
	var r room.Room
	if err := snap.Decode(&r); err != nil {
		log.Printf("session %s: bad room snapshot: %v", c.self.UserID, err)
		return
	}

	partnerID, partner, hasPartner := r.Partner(c.self.UserID)
	if !hasPartner {
		c.partnerGone()
		return
	}

	messages := make([]room.Message, 0, len(r.Messages))
	for id, msg := range r.Messages {
		msg.ID = id
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})

	c.mu.Lock()
	if c.screen != ScreenActive {
		c.mu.Unlock()
		return
	}
	c.partnerID = partnerID
	c.partnerNickname = partner.Nickname
	c.partnerConnected = partner.Connected
	c.partnerTyping = r.Typing[partnerID]
	c.remote = messages
	c.mu.Unlock()

	c.emit(EventStateChanged)
}

// partnerGone handles the room (or the partner's entry) vanishing. It fires
// exactly once per occurrence; the user resolves the PartnerLeft state via
// SearchAgain or GoIdle.
func (c *Controller) partnerGone() {
	c.mu.Lock()
	if c.screen != ScreenActive || c.partnerLeftSeen {
		c.mu.Unlock()
		return
	}
	c.partnerLeftSeen = true
	c.screen = ScreenPartnerLeft
	c.partnerConnected = false
	c.partnerTyping = false
	c.cancelTimersLocked()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	partnerLeftTotal.Inc()
	c.emit(EventPartnerLeft)
}

// cancelTimersLocked stops the typing-expiry timer and all pending
// transient-message cleanups. Caller holds c.mu.
func (c *Controller) cancelTimersLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	for id, timer := range c.cleanupTimers {
		timer.Stop()
		delete(c.cleanupTimers, id)
	}
}

// activeRoom re-validates that the session still has a live two-user room,
// defensively against a stale UI. On a vanished room or partner it routes to
// partner-left handling.
func (c *Controller) activeRoom(ctx context.Context) (string, error) {
	c.mu.Lock()
	roomID := c.roomID
	screen := c.screen
	c.mu.Unlock()
	if screen != ScreenActive || roomID == "" {
		return "", ErrNoActiveRoom
	}

	var r room.Room
	exists, err := c.store.Read(ctx, room.Path(roomID), &r)
	if err != nil {
		return "", fmt.Errorf("validate room: %w", err)
	}
	if !exists || len(r.Users) < 2 {
		c.partnerGone()
		return "", ErrPartnerLeft
	}
	return roomID, nil
}

// SendMessage appends a text message. Empty input is rejected before any
// store call; the content filter runs only when the sender's mature flag is
// off (filtering is sender-side at write time, never reader-side).
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	roomID, err := c.activeRoom(ctx)
	if err != nil {
		return err
	}

	if !c.self.Mature {
		text = c.opts.Filter(text)
	}
	msg := room.Message{
		SenderID:       c.self.UserID,
		SenderNickname: c.self.Nickname,
		Timestamp:      time.Now().UnixMilli(),
		Type:           room.MessageText,
		Text:           text,
	}
	if _, err := c.store.Push(ctx, room.MessagesPath(roomID), msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	messagesSent.WithLabelValues(room.MessageText).Inc()

	if err := c.clearTyping(ctx, roomID); err != nil {
		log.Printf("session %s: clear typing failed: %v", c.self.UserID, err)
	}
	return nil
}

// SendImage validates, uploads and appends an image message. Validation
// failures reject before any network call. An upload failure becomes a
// transient in-room system message that removes itself; it never tears down
// the session.
func (c *Controller) SendImage(ctx context.Context, filename string, data []byte, contentType string) error {
	if !strings.HasPrefix(contentType, "image/") {
		return ErrNotAnImage
	}
	if int64(len(data)) > c.opts.MaxImageBytes {
		return ErrImageTooLarge
	}
	if c.opts.Uploader == nil {
		return ErrUploadsDisabled
	}
	roomID, err := c.activeRoom(ctx)
	if err != nil {
		return err
	}

	placeholder := c.addLocalMessage("Uploading image...", c.self.Nickname, c.self.UserID)
	url, uploadErr := c.opts.Uploader.Upload(ctx, data, filename, contentType)
	c.removeLocalMessage(placeholder)

	if uploadErr != nil {
		uploadFailures.Inc()
		c.addTransientError(fmt.Sprintf("Failed to upload image: %v", uploadErr))
		return nil
	}

	// The upload may have been slow enough for the partner to leave.
	roomID, err = c.activeRoom(ctx)
	if err != nil {
		return err
	}
	msg := room.Message{
		SenderID:       c.self.UserID,
		SenderNickname: c.self.Nickname,
		Timestamp:      time.Now().UnixMilli(),
		Type:           room.MessageImage,
		ImageURL:       url,
	}
	if _, err := c.store.Push(ctx, room.MessagesPath(roomID), msg); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	messagesSent.WithLabelValues(room.MessageImage).Inc()
	return nil
}

func (c *Controller) addLocalMessage(text, nickname, senderID string) string {
	c.mu.Lock()
	c.localSeq++
	id := fmt.Sprintf("local-%d", c.localSeq)
	c.local = append(c.local, room.Message{
		ID:             id,
		SenderID:       senderID,
		SenderNickname: nickname,
		Timestamp:      time.Now().UnixMilli(),
		Type:           room.MessageText,
		Text:           text,
	})
	c.mu.Unlock()
	c.emit(EventStateChanged)
	return id
}

func (c *Controller) removeLocalMessage(id string) {
	c.mu.Lock()
	kept := c.local[:0]
	for _, msg := range c.local {
		if msg.ID != id {
			kept = append(kept, msg)
		}
	}
	c.local = kept
	if timer, ok := c.cleanupTimers[id]; ok {
		timer.Stop()
		delete(c.cleanupTimers, id)
	}
	c.mu.Unlock()
	c.emit(EventStateChanged)
}

// addTransientError shows a system-authored message that self-removes after
// the configured TTL. The timer is tracked so teardown can cancel it.
func (c *Controller) addTransientError(text string) {
	id := c.addLocalMessage(text, "System", SystemSenderID)
	c.mu.Lock()
	c.cleanupTimers[id] = time.AfterFunc(c.opts.UploadErrorTTL, func() {
		c.removeLocalMessage(id)
	})
	c.mu.Unlock()
}

// SetTyping writes the user's typing flag immediately. A true flag arms the
// debounced auto-clear: each call resets the expiry timer.
func (c *Controller) SetTyping(ctx context.Context, isTyping bool) error {
	c.mu.Lock()
	roomID := c.roomID
	screen := c.screen
	c.mu.Unlock()
	if screen != ScreenActive || roomID == "" {
		return ErrNoActiveRoom
	}

	if err := c.store.Write(ctx, room.TypingPath(roomID, c.self.UserID), isTyping); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if isTyping {
		c.typingTimer = time.AfterFunc(c.opts.TypingExpiry, func() {
			expireCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			defer cancel()
			c.mu.Lock()
			current := c.roomID
			c.mu.Unlock()
			if current != roomID {
				return
			}
			if err := c.clearTyping(expireCtx, roomID); err != nil {
				log.Printf("session %s: typing expiry failed: %v", c.self.UserID, err)
			}
		})
	}
	return nil
}

func (c *Controller) clearTyping(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
	return c.store.Write(ctx, room.TypingPath(roomID, c.self.UserID), false)
}

// Skip leaves the current room and immediately re-enters the search.
func (c *Controller) Skip(ctx context.Context) error {
	c.teardown(ctx)
	skipsTotal.Inc()

	if err := c.pool.Join(ctx, c.self); err != nil {
		c.emit(EventStateChanged)
		return fmt.Errorf("search unavailable: %w", err)
	}
	c.mu.Lock()
	c.screen = ScreenSearching
	c.startPollLocked()
	c.mu.Unlock()
	c.emit(EventStateChanged)
	return nil
}

// Leave tears the session down to Idle. Calling it twice is a safe no-op.
func (c *Controller) Leave(ctx context.Context) error {
	c.teardown(ctx)
	c.emit(EventStateChanged)
	return nil
}

// SearchAgain resolves a pending partner-left prompt by re-entering search.
func (c *Controller) SearchAgain(ctx context.Context) error {
	c.mu.Lock()
	pending := c.screen == ScreenPartnerLeft
	c.mu.Unlock()
	if !pending {
		return ErrNotDecidable
	}
	return c.Skip(ctx)
}

// GoIdle resolves a pending partner-left prompt by returning to Idle.
func (c *Controller) GoIdle(ctx context.Context) error {
	c.mu.Lock()
	pending := c.screen == ScreenPartnerLeft
	c.mu.Unlock()
	if !pending {
		return ErrNotDecidable
	}
	return c.Leave(ctx)
}

// teardown cancels scans and timers, closes the room subscription, performs
// the room-side leave if a room is held, removes any waiting entry, and
// resets local state to Idle.
func (c *Controller) teardown(ctx context.Context) {
	c.mu.Lock()
	c.stopPollLocked()
	c.cancelTimersLocked()
	sub := c.sub
	c.sub = nil
	roomID := c.roomID
	wasSearching := c.screen == ScreenSearching
	c.screen = ScreenIdle
	c.roomID = ""
	c.partnerID = ""
	c.partnerNickname = ""
	c.partnerConnected = false
	c.partnerTyping = false
	c.remote = nil
	c.local = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if wasSearching {
		if err := c.pool.Leave(ctx, c.self.UserID); err != nil {
			log.Printf("session %s: pool leave failed: %v", c.self.UserID, err)
		}
	}
	if roomID != "" {
		if err := c.rooms.Leave(ctx, roomID, c.self.UserID); err != nil {
			log.Printf("session %s: room leave failed: %v", c.self.UserID, err)
		}
	}
}

// Close shuts the controller down for good.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.teardown(ctx)
	c.cancel()
	return nil
}

// internal/room/models.go

package room

// Member is one participant's entry inside a room.
type Member struct {
	Nickname  string `json:"nickname"`
	Connected bool   `json:"connected"`
	JoinedAt  int64  `json:"joinedAt"` // ms
}

// Message is immutable once written. The store-assigned ID orders messages
// written within the same millisecond.
type Message struct {
	ID             string `json:"-"`
	SenderID       string `json:"senderId"`
	SenderNickname string `json:"senderNickname"`
	Timestamp      int64  `json:"timestamp"` // sender-local wall clock, ms
	Type           string `json:"type"`      // "text" or "image"
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
}

const (
	MessageText  = "text"
	MessageImage = "image"
)

// Room is cooperatively owned by its at most two participants. It is created
// atomically by whichever client resolves the match first and deleted by the
// last participant to leave.
type Room struct {
	Users     map[string]Member  `json:"users"`
	CreatedAt int64              `json:"createdAt"`
	Mature    bool               `json:"nsfwEnabled"`
	Messages  map[string]Message `json:"messages,omitempty"`
	Typing    map[string]bool    `json:"typing,omitempty"`
}

// Partner returns the entry of the other participant, if present.
func (r *Room) Partner(selfID string) (string, Member, bool) {
	for id, member := range r.Users {
		if id != selfID {
			return id, member, true
		}
	}
	return "", Member{}, false
}

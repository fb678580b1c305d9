package store

// Message status values. Pending and failed are reachable only for
// locally originated messages; received and delivered only for
// server-confirmed ones.
const (
	StatusPending   = "pending"
	StatusFailed    = "failed"
	StatusReceived  = "received"
	StatusDelivered = "delivered"
)

// Message payload types.
const (
	TypeText        = "text"
	TypeImage       = "image"
	TypeVideoCircle = "video_circle"
	TypeVoice       = "voice"
)

// Contact presence values.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceBusy    = "busy"
	PresenceOffline = "offline"
)

// Message represents one chat message in the local cache.
//
// MsgID is the stable identity used for idempotent upserts: the
// client-generated UUID for locally originated messages, the
// server-assigned ID for inbound ones. ServerID is filled in once the
// server confirms a local send and never changes afterwards.
type Message struct {
	ID              int64
	ConversationKey string
	MsgID           string
	ServerID        string
	SenderID        string
	RecipientID     string
	SenderName      string
	RecipientName   string
	Content         string
	Type            string
	Status          string
	Timestamp       int64
}

// Contact represents a chat participant with presence and unread state.
type Contact struct {
	ID       string
	Name     string
	Presence string
	Unread   int
}

// PushSubscription is the locally cached copy of the browser push
// subscription record. The server owns the record once uploaded; the
// fingerprint is re-validated against the server key on every
// EnsureSubscribed.
type PushSubscription struct {
	Endpoint       string
	KeyP256dh      string
	KeyAuth        string
	KeyFingerprint string
	UpdatedAt      int64
}

// ConversationKey returns the canonical key for the unordered pair of
// participant IDs.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

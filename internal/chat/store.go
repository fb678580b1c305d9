package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/store"
)

// defaultHistoryLimit bounds a single history load.
const defaultHistoryLimit = 200

// API is the subset of the REST client the message store depends on.
type API interface {
	Contacts(ctx context.Context) ([]store.Contact, error)
	History(ctx context.Context, selfID, peerID string, limit int) ([]store.Message, error)
}

// Transport sends an outbound message over the realtime connection. It
// must not mutate message status; the store owns resolution.
type Transport interface {
	Send(ctx context.Context, msg store.Message) error
}

// Alert is the payload for chat.alert events, published when a message
// arrives for a conversation other than the active one.
type Alert struct {
	ContactID string
	Message   store.Message
}

// StatusChange is the payload for message.status_changed events.
type StatusChange struct {
	ConversationKey string
	MsgID           string
	Status          string
}

// Store holds the visible message sequence for the active conversation
// and writes everything through to the local SQLite cache.
//
// All mutating entry points serialize on one mutex; the visible slice is
// always sorted by timestamp, with equal timestamps keeping insertion
// order.
type Store struct {
	selfID    string
	db        *store.DB
	api       API
	transport Transport
	bus       *bus.Bus
	log       *zap.Logger

	mu      sync.Mutex
	active  string
	loadGen uint64
	visible []store.Message
}

// NewStore creates a message store for the authenticated user.
func NewStore(selfID string, db *store.DB, api API, transport Transport, b *bus.Bus, log *zap.Logger) *Store {
	return &Store{
		selfID:    selfID,
		db:        db,
		api:       api,
		transport: transport,
		bus:       b,
		log:       log.Named("chat"),
	}
}

// ActiveContact returns the contact ID of the active conversation, or
// empty if none is selected.
func (s *Store) ActiveContact() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Visible returns a copy of the visible message sequence.
func (s *Store) Visible() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.visible))
	copy(out, s.visible)
	return out
}

// SwitchConversation makes contactID the active conversation. The
// visible sequence is cleared, seeded from the local cache, and then
// replaced by a history load. A switch that happens while a load is in
// flight supersedes it: the stale result is discarded.
func (s *Store) SwitchConversation(ctx context.Context, contactID string) error {
	key := store.ConversationKey(s.selfID, contactID)

	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.active = contactID
	s.visible = nil
	if cached, err := s.db.ListMessages(key, 0, defaultHistoryLimit); err == nil {
		s.visible = cached
	} else {
		s.log.Warn("cache read failed", zap.String("conversation", key), zap.Error(err))
	}
	s.mu.Unlock()

	if err := s.db.ResetUnread(contactID); err != nil {
		s.log.Warn("reset unread failed", zap.String("contact", contactID), zap.Error(err))
	}
	s.publish("chat.switched", contactID)

	msgs, err := s.api.History(ctx, s.selfID, contactID, defaultHistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.loadGen {
		// A later switch took over, this result is stale.
		return nil
	}
	for i := range msgs {
		if err := s.db.UpsertMessage(&msgs[i]); err != nil {
			s.log.Warn("cache write failed", zap.String("msg_id", msgs[i].MsgID), zap.Error(err))
		}
	}
	loaded, err := s.db.ListMessages(key, 0, defaultHistoryLimit)
	if err != nil {
		return fmt.Errorf("reload cache: %w", err)
	}
	s.visible = loaded
	s.publishLocked("chat.history_loaded", contactID)
	return nil
}

// SendLocal appends an optimistic outbound message to the active
// conversation and transmits it. The message is visible with status
// pending before the transmit starts and resolves to exactly one of
// delivered or failed.
func (s *Store) SendLocal(ctx context.Context, content, msgType string) (store.Message, error) {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return store.Message{}, fmt.Errorf("no active conversation")
	}
	peer := s.active
	msg := store.Message{
		ConversationKey: store.ConversationKey(s.selfID, peer),
		MsgID:           uuid.NewString(),
		SenderID:        s.selfID,
		RecipientID:     peer,
		Content:         content,
		Type:            msgType,
		Status:          store.StatusPending,
		Timestamp:       time.Now().UnixMilli(),
	}
	s.insertVisibleLocked(msg)
	s.mu.Unlock()

	if err := s.db.UpsertMessage(&msg); err != nil {
		s.log.Warn("cache write failed", zap.String("msg_id", msg.MsgID), zap.Error(err))
	}
	s.publish("message.sent_local", msg)

	if err := s.transport.Send(ctx, msg); err != nil {
		s.resolve(msg.ConversationKey, msg.MsgID, store.StatusFailed, "")
		msg.Status = store.StatusFailed
		return msg, fmt.Errorf("transmit %s: %w", msg.MsgID, err)
	}
	s.resolve(msg.ConversationKey, msg.MsgID, store.StatusDelivered, "")
	msg.Status = store.StatusDelivered
	return msg, nil
}

// ApplyInbound handles a message received over the realtime connection.
// Active conversation: inserted into the visible sequence in timestamp
// order. Any other conversation: the sender's unread counter is bumped
// and an alert event is published; the visible sequence is untouched.
func (s *Store) ApplyInbound(msg store.Message) {
	if msg.Status == "" {
		msg.Status = store.StatusReceived
	}
	if msg.ConversationKey == "" {
		msg.ConversationKey = store.ConversationKey(msg.SenderID, msg.RecipientID)
	}

	if err := s.db.UpsertMessage(&msg); err != nil {
		s.log.Warn("cache write failed", zap.String("msg_id", msg.MsgID), zap.Error(err))
	}

	s.mu.Lock()
	activeKey := ""
	if s.active != "" {
		activeKey = store.ConversationKey(s.selfID, s.active)
	}
	if msg.ConversationKey == activeKey {
		s.insertVisibleLocked(msg)
		s.mu.Unlock()
		s.publish("message.received", msg)
		return
	}
	s.mu.Unlock()

	if err := s.db.IncrementUnread(msg.SenderID); err != nil {
		s.log.Warn("increment unread failed", zap.String("contact", msg.SenderID), zap.Error(err))
	}
	s.publish("chat.alert", Alert{ContactID: msg.SenderID, Message: msg})
}

// ApplyReceipt upgrades a message's status from a broker receipt. The
// upgrade is idempotent: a status never moves backwards.
func (s *Store) ApplyReceipt(conversationKey, msgID, status, serverID string) {
	s.mu.Lock()
	for i := range s.visible {
		if s.visible[i].ConversationKey == conversationKey && s.visible[i].MsgID == msgID {
			if statusRank(status) <= statusRank(s.visible[i].Status) {
				s.mu.Unlock()
				return
			}
			break
		}
	}
	s.mu.Unlock()
	s.resolve(conversationKey, msgID, status, serverID)
}

// ApplyPresence updates a single contact's presence.
func (s *Store) ApplyPresence(contactID, presence string) {
	if err := s.db.SetPresence(contactID, presence); err != nil {
		s.log.Warn("set presence failed", zap.String("contact", contactID), zap.Error(err))
		return
	}
	s.publish("contact.presence", contactID)
}

// RefreshContacts reloads the contact list from the server. Invoked
// after every successful (re)connect.
func (s *Store) RefreshContacts(ctx context.Context) error {
	contacts, err := s.api.Contacts(ctx)
	if err != nil {
		return fmt.Errorf("refresh contacts: %w", err)
	}
	if err := s.db.BulkUpsertContacts(contacts); err != nil {
		return fmt.Errorf("cache contacts: %w", err)
	}
	s.publish("contact.refreshed", len(contacts))
	return nil
}

// Contacts returns the cached contact list.
func (s *Store) Contacts() ([]store.Contact, error) {
	return s.db.ListContacts()
}

func (s *Store) resolve(conversationKey, msgID, status, serverID string) {
	s.mu.Lock()
	for i := range s.visible {
		if s.visible[i].ConversationKey == conversationKey && s.visible[i].MsgID == msgID {
			s.visible[i].Status = status
			if serverID != "" {
				s.visible[i].ServerID = serverID
			}
			break
		}
	}
	s.mu.Unlock()

	if err := s.db.SetMessageStatus(conversationKey, msgID, status, serverID); err != nil {
		s.log.Warn("status write failed", zap.String("msg_id", msgID), zap.Error(err))
	}
	s.publish("message.status_changed", StatusChange{
		ConversationKey: conversationKey,
		MsgID:           msgID,
		Status:          status,
	})
}

// insertVisibleLocked inserts in timestamp order. Equal timestamps go
// after existing entries so insertion order is preserved.
func (s *Store) insertVisibleLocked(msg store.Message) {
	i := len(s.visible)
	for i > 0 && s.visible[i-1].Timestamp > msg.Timestamp {
		i--
	}
	s.visible = append(s.visible, store.Message{})
	copy(s.visible[i+1:], s.visible[i:])
	s.visible[i] = msg
}

func statusRank(status string) int {
	switch status {
	case store.StatusPending:
		return 0
	case store.StatusFailed, store.StatusReceived:
		return 1
	case store.StatusDelivered:
		return 2
	default:
		return -1
	}
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (s *Store) publishLocked(kind string, payload any) {
	// Bus publish never blocks, safe to call under the mutex.
	s.publish(kind, payload)
}

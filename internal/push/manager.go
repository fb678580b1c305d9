package push

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/metrics"
	"github.com/mfreitas/pigeon/internal/rest"
	"github.com/mfreitas/pigeon/internal/store"
)

// Status is the outcome of an EnsureSubscribed call. Only a failed
// upload is an error; everything else resolves to a status.
type Status string

const (
	StatusSubscribed       Status = "subscribed"
	StatusUnsupported      Status = "unsupported"
	StatusPermissionDenied Status = "permission_denied"
	StatusSubscribeFailed  Status = "subscribe_failed"
)

// Platform abstracts the host notification machinery so the flow can be
// tested with fakes.
type Platform interface {
	// Supported reports whether push is available at all.
	Supported() bool
	// RequestPermission asks the user. False means denied.
	RequestPermission(ctx context.Context) (bool, error)
	// RegisterWorker installs the background worker and returns a channel
	// closed when it reaches the activated state.
	RegisterWorker(ctx context.Context) (<-chan struct{}, error)
	// Subscription returns the current platform subscription, nil if none.
	Subscription(ctx context.Context) (*store.PushSubscription, error)
	// Subscribe creates a user-visible subscription against the server key.
	Subscribe(ctx context.Context, serverKey string) (*store.PushSubscription, error)
	// Unsubscribe tears down the current subscription.
	Unsubscribe(ctx context.Context) error
	// ShowNotification displays one notification.
	ShowNotification(title, body, conversationID string) error
}

// WindowRegistry tracks open conversation windows for click handling.
type WindowRegistry interface {
	// Focus brings an existing window for the conversation to the front,
	// reporting whether one existed.
	Focus(conversationID string) bool
	// Open creates a new window for the conversation.
	Open(conversationID string)
}

// API is the subset of the REST client the push flow needs.
type API interface {
	PushKey(ctx context.Context) (string, error)
	UploadPushSubscription(ctx context.Context, sub rest.SubscriptionUpload) error
}

// Manager drives the push subscription lifecycle and notification
// display.
type Manager struct {
	platform Platform
	api      API
	db       *store.DB
	windows  WindowRegistry
	bus      *bus.Bus
	met      *metrics.Metrics
	log      *zap.Logger
}

// NewManager creates a push manager.
func NewManager(platform Platform, api API, db *store.DB, windows WindowRegistry, b *bus.Bus, met *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		platform: platform,
		api:      api,
		db:       db,
		windows:  windows,
		bus:      b,
		met:      met,
		log:      log.Named("push"),
	}
}

// Fingerprint returns the identity of an application server key as it
// is stored with the subscription record.
func Fingerprint(serverKey string) string {
	sum := sha256.Sum256([]byte(serverKey))
	return hex.EncodeToString(sum[:])
}

// EnsureSubscribed converges the push subscription with the server. It
// is idempotent: a valid existing subscription is kept and re-uploaded,
// a rotated server key forces unsubscribe-then-resubscribe, and at most
// one subscription is ever created per call.
func (m *Manager) EnsureSubscribed(ctx context.Context, userID string) (Status, error) {
	if !m.platform.Supported() {
		m.log.Info("push unsupported on this platform")
		return StatusUnsupported, nil
	}

	granted, err := m.platform.RequestPermission(ctx)
	if err != nil || !granted {
		m.log.Info("push permission not granted", zap.Error(err))
		return StatusPermissionDenied, nil
	}

	activated, err := m.platform.RegisterWorker(ctx)
	if err != nil {
		return "", fmt.Errorf("register worker: %w", err)
	}
	select {
	case <-activated:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	serverKey, err := m.api.PushKey(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch server key: %w", err)
	}
	fingerprint := Fingerprint(serverKey)

	sub, err := m.platform.Subscription(ctx)
	if err != nil {
		return "", fmt.Errorf("read subscription: %w", err)
	}
	if sub != nil {
		cached, err := m.db.GetPushSubscription()
		if err != nil {
			return "", fmt.Errorf("read cached subscription: %w", err)
		}
		if cached == nil || cached.KeyFingerprint != fingerprint {
			// Server key rotated since this subscription was created. It
			// will never validate again, so tear it down.
			m.log.Info("server key rotated, resubscribing")
			if err := m.platform.Unsubscribe(ctx); err != nil {
				return "", fmt.Errorf("unsubscribe stale subscription: %w", err)
			}
			sub = nil
		}
	}

	if sub == nil {
		sub, err = m.platform.Subscribe(ctx, serverKey)
		if err != nil {
			m.log.Warn("subscription create failed", zap.Error(err))
			return StatusSubscribeFailed, nil
		}
	}

	upload := rest.SubscriptionUpload{UserID: userID, Endpoint: sub.Endpoint}
	upload.Keys.P256dh = sub.KeyP256dh
	upload.Keys.Auth = sub.KeyAuth
	if err := m.api.UploadPushSubscription(ctx, upload); err != nil {
		return "", fmt.Errorf("upload subscription: %w", err)
	}

	record := *sub
	record.KeyFingerprint = fingerprint
	if err := m.db.SavePushSubscription(&record); err != nil {
		m.log.Warn("cache subscription failed", zap.Error(err))
	}
	m.publish("push.subscribed", record.Endpoint)
	return StatusSubscribed, nil
}

// pushPayload is the expected push event body. Unknown or broken
// payloads fall back to a generic notification.
type pushPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
}

// HandlePush displays exactly one notification for a push event.
func (m *Manager) HandlePush(payload []byte) error {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Title == "" {
		p = pushPayload{Title: "New message", Body: "You have a new message"}
	}
	if err := m.platform.ShowNotification(p.Title, p.Body, p.ConversationID); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	m.met.PushesShown.Inc()
	m.publish("push.shown", p.ConversationID)
	return nil
}

// HandleClick routes a notification click: focus the existing window
// for the conversation if there is one, otherwise open a new one.
func (m *Manager) HandleClick(conversationID string) {
	if m.windows.Focus(conversationID) {
		return
	}
	m.windows.Open(conversationID)
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/store"
)

// headlessPlatform is the default push platform when no embedding UI is
// attached. Subscriptions are unsupported; notifications degrade to log
// lines so alert handling still has somewhere to go.
type headlessPlatform struct {
	log *zap.Logger
}

func (h *headlessPlatform) Supported() bool { return false }

func (h *headlessPlatform) RequestPermission(ctx context.Context) (bool, error) {
	return false, nil
}

func (h *headlessPlatform) RegisterWorker(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)
	return ch, nil
}

func (h *headlessPlatform) Subscription(ctx context.Context) (*store.PushSubscription, error) {
	return nil, nil
}

func (h *headlessPlatform) Subscribe(ctx context.Context, serverKey string) (*store.PushSubscription, error) {
	return nil, nil
}

func (h *headlessPlatform) Unsubscribe(ctx context.Context) error { return nil }

func (h *headlessPlatform) ShowNotification(title, body, conversationID string) error {
	h.log.Info("notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.String("conversation", conversationID),
	)
	return nil
}

// busWindows tracks open conversation windows through bus events so a
// detached UI can follow along. Open marks the conversation known;
// Focus succeeds only for known conversations.
type busWindows struct {
	bus *bus.Bus

	mu   sync.Mutex
	open map[string]bool
}

func newBusWindows(b *bus.Bus) *busWindows {
	return &busWindows{bus: b, open: make(map[string]bool)}
}

func (w *busWindows) Focus(conversationID string) bool {
	w.mu.Lock()
	known := w.open[conversationID]
	w.mu.Unlock()
	if !known {
		return false
	}
	w.bus.Publish(bus.Event{Kind: "chat.focus", Timestamp: time.Now(), Payload: conversationID})
	return true
}

func (w *busWindows) Open(conversationID string) {
	w.mu.Lock()
	w.open[conversationID] = true
	w.mu.Unlock()
	w.bus.Publish(bus.Event{Kind: "chat.open", Timestamp: time.Now(), Payload: conversationID})
}

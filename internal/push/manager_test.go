package push

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/metrics"
	"github.com/mfreitas/pigeon/internal/rest"
	"github.com/mfreitas/pigeon/internal/store"
)

type fakePlatform struct {
	supported    bool
	granted      bool
	permErr      error
	workerErr    error
	subscribeErr error

	sub *store.PushSubscription

	subscribes    int
	unsubscribes  int
	notifications []string
}

func (f *fakePlatform) Supported() bool { return f.supported }

func (f *fakePlatform) RequestPermission(ctx context.Context) (bool, error) {
	return f.granted, f.permErr
}

func (f *fakePlatform) RegisterWorker(ctx context.Context) (<-chan struct{}, error) {
	if f.workerErr != nil {
		return nil, f.workerErr
	}
	ch := make(chan struct{})
	close(ch)
	return ch, nil
}

func (f *fakePlatform) Subscription(ctx context.Context) (*store.PushSubscription, error) {
	return f.sub, nil
}

func (f *fakePlatform) Subscribe(ctx context.Context, serverKey string) (*store.PushSubscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscribes++
	f.sub = &store.PushSubscription{
		Endpoint:  "https://push/endpoint-" + serverKey,
		KeyP256dh: "p256dh-" + serverKey,
		KeyAuth:   "auth-" + serverKey,
	}
	return f.sub, nil
}

func (f *fakePlatform) Unsubscribe(ctx context.Context) error {
	f.unsubscribes++
	f.sub = nil
	return nil
}

func (f *fakePlatform) ShowNotification(title, body, conversationID string) error {
	f.notifications = append(f.notifications, title)
	return nil
}

type fakeAPI struct {
	key       string
	keyErr    error
	uploadErr error
	uploads   []rest.SubscriptionUpload
}

func (f *fakeAPI) PushKey(ctx context.Context) (string, error) {
	return f.key, f.keyErr
}

func (f *fakeAPI) UploadPushSubscription(ctx context.Context, sub rest.SubscriptionUpload) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, sub)
	return nil
}

type fakeWindows struct {
	existing map[string]bool
	focused  []string
	opened   []string
}

func (f *fakeWindows) Focus(id string) bool {
	if f.existing[id] {
		f.focused = append(f.focused, id)
		return true
	}
	return false
}

func (f *fakeWindows) Open(id string) { f.opened = append(f.opened, id) }

func newTestManager(t *testing.T, platform *fakePlatform, api *fakeAPI) (*Manager, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(platform, api, db, &fakeWindows{}, bus.New(), metrics.New(), zap.NewNop()), db
}

func TestEnsureSubscribedUnsupported(t *testing.T) {
	platform := &fakePlatform{supported: false}
	api := &fakeAPI{key: "key-a"}
	m, _ := newTestManager(t, platform, api)

	st, err := m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusUnsupported, st)
	assert.Empty(t, api.uploads)
}

func TestEnsureSubscribedPermissionDenied(t *testing.T) {
	platform := &fakePlatform{supported: true, granted: false}
	api := &fakeAPI{key: "key-a"}
	m, _ := newTestManager(t, platform, api)

	st, err := m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusPermissionDenied, st)
	assert.Zero(t, platform.subscribes)
	assert.Empty(t, api.uploads)
}

// Two calls in a row create one subscription total and upload once per
// call.
func TestEnsureSubscribedIdempotent(t *testing.T) {
	platform := &fakePlatform{supported: true, granted: true}
	api := &fakeAPI{key: "key-a"}
	m, _ := newTestManager(t, platform, api)

	st, err := m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, st)

	st, err = m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, st)

	assert.Equal(t, 1, platform.subscribes, "second call must reuse the subscription")
	assert.Zero(t, platform.unsubscribes)
	require.Len(t, api.uploads, 2, "every call uploads")
	assert.Equal(t, "alice", api.uploads[0].UserID)
	assert.Equal(t, "p256dh-key-a", api.uploads[0].Keys.P256dh)
	assert.Equal(t, "auth-key-a", api.uploads[0].Keys.Auth)
}

// A rotated server key invalidates the old subscription: the flow must
// unsubscribe, create a new one, and land on the new key's fingerprint.
func TestEnsureSubscribedKeyRotation(t *testing.T) {
	platform := &fakePlatform{supported: true, granted: true}
	api := &fakeAPI{key: "key-a"}
	m, db := newTestManager(t, platform, api)

	_, err := m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err)

	api.key = "key-b"
	st, err := m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, st)

	assert.Equal(t, 1, platform.unsubscribes)
	assert.Equal(t, 2, platform.subscribes)

	cached, err := db.GetPushSubscription()
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, Fingerprint("key-b"), cached.KeyFingerprint)
	assert.Equal(t, "https://push/endpoint-key-b", cached.Endpoint)
}

func TestEnsureSubscribedCreateFailureIsStatus(t *testing.T) {
	platform := &fakePlatform{supported: true, granted: true, subscribeErr: errors.New("quota")}
	api := &fakeAPI{key: "key-a"}
	m, _ := newTestManager(t, platform, api)

	st, err := m.EnsureSubscribed(context.Background(), "alice")
	require.NoError(t, err, "create failure resolves to a status, not an error")
	assert.Equal(t, StatusSubscribeFailed, st)
	assert.Empty(t, api.uploads)
}

func TestEnsureSubscribedUploadFailureIsError(t *testing.T) {
	platform := &fakePlatform{supported: true, granted: true}
	api := &fakeAPI{key: "key-a", uploadErr: errors.New("server down")}
	m, _ := newTestManager(t, platform, api)

	_, err := m.EnsureSubscribed(context.Background(), "alice")
	assert.Error(t, err)
}

func TestHandlePushShowsOneNotification(t *testing.T) {
	platform := &fakePlatform{supported: true}
	m, _ := newTestManager(t, platform, &fakeAPI{})

	require.NoError(t, m.HandlePush([]byte(`{"title":"Bob","body":"hi","conversationId":"alice|bob"}`)))
	require.Len(t, platform.notifications, 1)
	assert.Equal(t, "Bob", platform.notifications[0])
}

func TestHandlePushMalformedFallsBack(t *testing.T) {
	platform := &fakePlatform{supported: true}
	m, _ := newTestManager(t, platform, &fakeAPI{})

	require.NoError(t, m.HandlePush([]byte(`{{{broken`)))
	require.Len(t, platform.notifications, 1)
	assert.Equal(t, "New message", platform.notifications[0])
}

func TestHandleClickFocusesExistingWindow(t *testing.T) {
	windows := &fakeWindows{existing: map[string]bool{"alice|bob": true}}
	m := NewManager(&fakePlatform{}, &fakeAPI{}, nil, windows, bus.New(), metrics.New(), zap.NewNop())

	m.HandleClick("alice|bob")
	assert.Equal(t, []string{"alice|bob"}, windows.focused)
	assert.Empty(t, windows.opened, "focus and open are mutually exclusive")
}

func TestHandleClickOpensNewWindow(t *testing.T) {
	windows := &fakeWindows{}
	m := NewManager(&fakePlatform{}, &fakeAPI{}, nil, windows, bus.New(), metrics.New(), zap.NewNop())

	m.HandleClick("alice|carol")
	assert.Empty(t, windows.focused)
	assert.Equal(t, []string{"alice|carol"}, windows.opened)
}

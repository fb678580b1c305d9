package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/chat"
	"github.com/mfreitas/pigeon/internal/config"
	"github.com/mfreitas/pigeon/internal/conn"
	"github.com/mfreitas/pigeon/internal/metrics"
	"github.com/mfreitas/pigeon/internal/push"
	"github.com/mfreitas/pigeon/internal/rest"
	"github.com/mfreitas/pigeon/internal/store"
)

func TestMetricsServerServes(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0 // pick a free port

	met := metrics.New()
	met.MessagesSent.Inc()

	srv, err := NewServer(cfg, met, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "pigeon_messages_sent_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestMetricsServerDisabled(t *testing.T) {
	srv, err := NewServer(config.Default(), metrics.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if srv.Addr() != "" {
		t.Errorf("disabled server has addr %q", srv.Addr())
	}
	if err := srv.Start(); err != nil {
		t.Errorf("disabled Start() = %v", err)
	}
	srv.Stop(context.Background())
}

func TestTransportUnboundRejectsSend(t *testing.T) {
	tr := &transport{}
	err := tr.Send(context.Background(), store.Message{MsgID: "c-1"})
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestBusWindowsFocusOrOpen(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("chat.", 8)
	defer unsub()

	w := newBusWindows(b)
	if w.Focus("alice|bob") {
		t.Error("focus must fail for unknown conversation")
	}
	w.Open("alice|bob")
	if !w.Focus("alice|bob") {
		t.Error("focus must succeed after open")
	}

	kinds := []string{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing window event")
		}
	}
	if kinds[0] != "chat.open" || kinds[1] != "chat.focus" {
		t.Errorf("events = %v", kinds)
	}
}

type recordingPlatform struct {
	headlessPlatform
	titles chan string
}

func (r *recordingPlatform) ShowNotification(title, body, conversationID string) error {
	r.titles <- title
	return nil
}

type nopAPI struct{}

func (nopAPI) PushKey(ctx context.Context) (string, error) { return "", nil }
func (nopAPI) UploadPushSubscription(ctx context.Context, sub rest.SubscriptionUpload) error {
	return nil
}

func TestNotifyAlertsShowsNotification(t *testing.T) {
	b := bus.New()
	platform := &recordingPlatform{
		headlessPlatform: headlessPlatform{log: zap.NewNop()},
		titles:           make(chan string, 4),
	}
	pushMgr := push.NewManager(platform, nopAPI{}, nil, newBusWindows(b), b, metrics.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alerts, unsub := b.Subscribe("chat.alert", 8)
	defer unsub()
	go notifyAlerts(ctx, alerts, pushMgr)

	b.Publish(bus.Event{Kind: "chat.alert", Timestamp: time.Now(), Payload: chat.Alert{
		ContactID: "bob",
		Message: store.Message{
			ConversationKey: "alice|bob", SenderID: "bob", SenderName: "Bob",
			Content: "hello there", Type: store.TypeText,
		},
	}})

	select {
	case title := <-platform.titles:
		if title != "Bob" {
			t.Errorf("title = %q, want Bob", title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification shown")
	}
}

func TestPreviewByMessageType(t *testing.T) {
	tests := []struct {
		msg  store.Message
		want string
	}{
		{store.Message{Type: store.TypeText, Content: "short"}, "short"},
		{store.Message{Type: store.TypeImage}, "Sent a photo"},
		{store.Message{Type: store.TypeVideoCircle}, "Sent a video message"},
		{store.Message{Type: store.TypeVoice}, "Sent a voice message"},
		{store.Message{Type: "mystery"}, "New message"},
	}
	for _, tt := range tests {
		if got := preview(tt.msg); got != tt.want {
			t.Errorf("preview(%s) = %q, want %q", tt.msg.Type, got, tt.want)
		}
	}
	long := strings.Repeat("x", 200)
	if got := preview(store.Message{Type: store.TypeText, Content: long}); len(got) >= 200 {
		t.Error("long preview not truncated")
	}
}

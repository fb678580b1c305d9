package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/metrics"
	"github.com/mfreitas/pigeon/internal/rest"
	"github.com/mfreitas/pigeon/internal/status"
	"github.com/mfreitas/pigeon/internal/store"
)

// ErrNotConnected is returned by Send when no live connection exists.
var ErrNotConnected = errors.New("not connected")

// wsConn abstracts the websocket connection so the manager can be
// tested without a real broker. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket connection to the broker.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	c, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MessageSink receives decoded inbound traffic. The sink is an explicit
// dependency: the manager never reads conversation state on its own.
type MessageSink interface {
	ApplyInbound(msg store.Message)
	ApplyPresence(contactID, presence string)
	ApplyReceipt(conversationKey, msgID, status, serverID string)
	RefreshContacts(ctx context.Context) error
}

// Config holds the manager's connection parameters.
type Config struct {
	SelfID     string
	BrokerURL  string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Manager owns the single realtime connection for a session. Run drives
// the connect/read/reconnect loop; Send publishes outbound messages.
type Manager struct {
	cfg     Config
	sink    MessageSink
	machine *status.Machine
	bus     *bus.Bus
	met     *metrics.Metrics
	log     *zap.Logger
	dial    DialFunc

	mu   sync.RWMutex
	conn wsConn
}

// NewManager creates a connection manager. The dial function defaults
// to a real websocket dial when nil.
func NewManager(cfg Config, sink MessageSink, machine *status.Machine, b *bus.Bus, met *metrics.Metrics, log *zap.Logger, dial DialFunc) *Manager {
	if dial == nil {
		dial = defaultDial
	}
	return &Manager{
		cfg:     cfg,
		sink:    sink,
		machine: machine,
		bus:     b,
		met:     met,
		log:     log.Named("conn"),
		dial:    dial,
	}
}

// Run connects to the broker and serves inbound traffic until the
// context is cancelled, the session expires, or the retry budget is
// exhausted. Every successful (re)connect resubscribes and refreshes
// the contact list.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := m.connect(ctx); err != nil {
			return err
		}

		err := m.serve(ctx)
		m.closeConn(websocket.StatusGoingAway, "reconnecting")
		m.publish("conn.disconnected", err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("connection lost", zap.Error(err))
		if err := m.machine.Transition(status.Reconnecting); err != nil {
			m.log.Warn("state transition failed", zap.Error(err))
		}
	}
}

// connect dials with exponential backoff and jitter, subscribes, and
// brings the session to Ready. A 401 while refreshing contacts means the
// session token is dead: the machine parks in SessionExpired and the
// error is returned so Run stops.
func (m *Manager) connect(ctx context.Context) error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		m.log.Warn("state transition failed", zap.Error(err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if m.cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(m.cfg.MaxRetries))
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			m.met.Reconnects.Inc()
		}
		conn, err := m.dial(ctx, m.cfg.BrokerURL)
		if err != nil {
			m.log.Warn("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if err := m.subscribe(ctx, conn); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			m.log.Warn("subscribe failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if terr := m.machine.Transition(status.Degraded); terr != nil {
			m.log.Warn("state transition failed", zap.Error(terr))
		}
		return fmt.Errorf("connect to broker: %w", err)
	}

	if err := m.machine.Transition(status.Ready); err != nil {
		m.log.Warn("state transition failed", zap.Error(err))
	}
	m.publish("conn.connected", attempt)
	m.log.Info("connected", zap.String("broker", m.cfg.BrokerURL), zap.Int("attempt", attempt))

	if err := m.sink.RefreshContacts(ctx); err != nil {
		if errors.Is(err, rest.ErrUnauthorized) {
			m.closeConn(websocket.StatusNormalClosure, "session expired")
			if terr := m.machine.Transition(status.SessionExpired); terr != nil {
				m.log.Warn("state transition failed", zap.Error(terr))
			}
			m.publish("session.expired", nil)
			return fmt.Errorf("session expired: %w", err)
		}
		// Transient refresh failure is not fatal, cached contacts serve.
		m.log.Warn("contact refresh failed", zap.Error(err))
	}
	return nil
}

// subscribe registers the per-user message queue and the shared
// presence topic on a fresh connection.
func (m *Manager) subscribe(ctx context.Context, conn wsConn) error {
	destinations := []string{
		fmt.Sprintf("user/%s/queue/messages", m.cfg.SelfID),
		"topic/status",
	}
	for _, dest := range destinations {
		frame, err := json.Marshal(subscribeFrame{Type: "subscribe", Destination: dest})
		if err != nil {
			return fmt.Errorf("encode subscribe: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
	}
	return nil
}

// serve reads frames until the connection fails.
func (m *Manager) serve(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if typ != websocket.MessageText {
			m.drop(data, "binary frame")
			continue
		}
		m.route(data)
	}
}

// Send publishes an outbound chat message to app/chat. It never touches
// message status; the caller resolves delivery on return.
func (m *Manager) Send(ctx context.Context, msg store.Message) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil || m.machine.Current() != status.Ready {
		return ErrNotConnected
	}

	payload, err := json.Marshal(wireMessage{
		ClientID:      msg.MsgID,
		SenderID:      msg.SenderID,
		RecipientID:   msg.RecipientID,
		SenderName:    msg.SenderName,
		RecipientName: msg.RecipientName,
		Content:       msg.Content,
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.MsgID, err)
	}
	frame, err := json.Marshal(envelope{Destination: "app/chat", Type: "message", Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	m.met.MessagesSent.Inc()
	return nil
}

// route dispatches one inbound frame by peeking the envelope before the
// typed decode. Malformed frames are dropped, logged, and counted, but
// never kill the connection.
func (m *Manager) route(data []byte) {
	dest := gjson.GetBytes(data, "destination").Str
	typ := gjson.GetBytes(data, "type").Str
	payload := gjson.GetBytes(data, "payload")

	switch {
	case typ == "message" && strings.HasSuffix(dest, "/queue/messages"):
		m.routeMessage([]byte(payload.Raw))
	case typ == "receipt":
		m.routeReceipt([]byte(payload.Raw))
	case dest == "topic/status":
		m.routePresence([]byte(payload.Raw))
	default:
		m.drop(data, "unroutable frame")
	}
}

func (m *Manager) routeMessage(payload []byte) {
	var wm wireMessage
	if err := json.Unmarshal(payload, &wm); err != nil {
		m.drop(payload, "undecodable message")
		return
	}
	if wm.SenderID == "" || wm.RecipientID == "" {
		m.drop(payload, "message missing participants")
		return
	}
	msgID := wm.ClientID
	if msgID == "" {
		msgID = wm.ID
	}
	if msgID == "" {
		m.drop(payload, "message missing id")
		return
	}
	m.met.MessagesReceived.Inc()
	m.sink.ApplyInbound(store.Message{
		ConversationKey: store.ConversationKey(wm.SenderID, wm.RecipientID),
		MsgID:           msgID,
		ServerID:        wm.ID,
		SenderID:        wm.SenderID,
		RecipientID:     wm.RecipientID,
		SenderName:      wm.SenderName,
		RecipientName:   wm.RecipientName,
		Content:         wm.Content,
		Type:            wm.Type,
		Status:          store.StatusReceived,
		Timestamp:       wm.Timestamp,
	})
}

func (m *Manager) routeReceipt(payload []byte) {
	var wr wireReceipt
	if err := json.Unmarshal(payload, &wr); err != nil {
		m.drop(payload, "undecodable receipt")
		return
	}
	if wr.ClientID == "" || wr.SenderID == "" || wr.RecipientID == "" {
		m.drop(payload, "receipt missing fields")
		return
	}
	st := wr.Status
	if st == "" {
		st = store.StatusDelivered
	}
	m.sink.ApplyReceipt(store.ConversationKey(wr.SenderID, wr.RecipientID), wr.ClientID, st, wr.ServerID)
}

func (m *Manager) routePresence(payload []byte) {
	var wp wirePresence
	if err := json.Unmarshal(payload, &wp); err != nil {
		m.drop(payload, "undecodable presence")
		return
	}
	if wp.ContactID == "" {
		m.drop(payload, "presence missing contact")
		return
	}
	m.sink.ApplyPresence(wp.ContactID, wp.Presence)
}

func (m *Manager) drop(data []byte, reason string) {
	m.met.DecodeFailures.Inc()
	m.log.Warn("dropping frame", zap.String("reason", reason), zap.Int("bytes", len(data)))
}

func (m *Manager) closeConn(code websocket.StatusCode, reason string) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

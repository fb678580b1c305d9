package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/store"
)

// ErrUnauthorized is returned when the server rejects the session token.
// Callers must treat it as session-invalid and stop retrying.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the chat server's HTTP API. All methods honor the
// passed context and map HTTP 401 to ErrUnauthorized.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *zap.Logger
}

// NewClient creates a REST client for the given base URL and session
// token.
func NewClient(baseURL, token string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.Named("rest"),
	}
}

type contactDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Presence string `json:"presence"`
	Unread   int    `json:"unreadCount"`
}

type messageDTO struct {
	ID            string `json:"id"`
	ClientID      string `json:"clientId"`
	SenderID      string `json:"senderId"`
	RecipientID   string `json:"recipientId"`
	SenderName    string `json:"senderName"`
	RecipientName string `json:"recipientName"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
}

// SubscriptionUpload is the payload for registering a push subscription
// with the server.
type SubscriptionUpload struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Contacts fetches the authenticated user's contact list with presence
// and unread counts.
func (c *Client) Contacts(ctx context.Context) ([]store.Contact, error) {
	var dtos []contactDTO
	if err := c.get(ctx, "/contacts", nil, &dtos); err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}
	contacts := make([]store.Contact, 0, len(dtos))
	for _, d := range dtos {
		contacts = append(contacts, store.Contact{
			ID:       d.ID,
			Name:     d.Name,
			Presence: normalizePresence(d.Presence),
			Unread:   d.Unread,
		})
	}
	return contacts, nil
}

// History fetches the most recent messages exchanged with a peer,
// oldest first.
func (c *Client) History(ctx context.Context, selfID, peerID string, limit int) ([]store.Message, error) {
	q := url.Values{}
	q.Set("peer", peerID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var dtos []messageDTO
	if err := c.get(ctx, "/messages", q, &dtos); err != nil {
		return nil, fmt.Errorf("fetch history with %s: %w", peerID, err)
	}
	key := store.ConversationKey(selfID, peerID)
	msgs := make([]store.Message, 0, len(dtos))
	for _, d := range dtos {
		msgID := d.ClientID
		if msgID == "" {
			msgID = d.ID
		}
		status := d.Status
		if status == "" {
			status = store.StatusReceived
		}
		msgs = append(msgs, store.Message{
			ConversationKey: key,
			MsgID:           msgID,
			ServerID:        d.ID,
			SenderID:        d.SenderID,
			RecipientID:     d.RecipientID,
			SenderName:      d.SenderName,
			RecipientName:   d.RecipientName,
			Content:         d.Content,
			Type:            d.Type,
			Status:          status,
			Timestamp:       d.Timestamp,
		})
	}
	return msgs, nil
}

// PushKey fetches the server's application signing key used to create
// push subscriptions.
func (c *Client) PushKey(ctx context.Context) (string, error) {
	var body struct {
		Key string `json:"key"`
	}
	if err := c.get(ctx, "/push/key", nil, &body); err != nil {
		return "", fmt.Errorf("fetch push key: %w", err)
	}
	return body.Key, nil
}

// UploadPushSubscription registers the subscription with the server,
// replacing any previous one for the user.
func (c *Client) UploadPushSubscription(ctx context.Context, sub SubscriptionUpload) error {
	if err := c.post(ctx, "/push/subscriptions", sub, nil); err != nil {
		return fmt.Errorf("upload push subscription: %w", err)
	}
	return nil
}

// Media streams a protected media object. The caller must close the
// returned reader.
func (c *Client) Media(ctx context.Context, mediaID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/media/"+url.PathEscape(mediaID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media %s: %w", mediaID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("fetch media %s: %w", mediaID, statusError(resp))
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func normalizePresence(p string) string {
	switch p {
	case store.PresenceOnline, store.PresenceAway, store.PresenceBusy:
		return p
	default:
		return store.PresenceOffline
	}
}

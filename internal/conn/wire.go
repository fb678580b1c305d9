package conn

import "encoding/json"

// envelope is the broker frame format. Outbound frames carry a
// destination and a typed payload; inbound frames mirror it.
type envelope struct {
	Destination string          `json:"destination"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// subscribeFrame registers interest in a broker destination.
type subscribeFrame struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// wireMessage is the chat message payload as it travels on the wire.
type wireMessage struct {
	ID            string `json:"id,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	SenderID      string `json:"senderId"`
	RecipientID   string `json:"recipientId"`
	SenderName    string `json:"senderName,omitempty"`
	RecipientName string `json:"recipientName,omitempty"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"`
}

// wireReceipt is an optional broker acknowledgment upgrading a
// message's delivery status.
type wireReceipt struct {
	ClientID    string `json:"clientId"`
	ServerID    string `json:"serverId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Status      string `json:"status"`
}

// wirePresence is a presence update from topic/status.
type wirePresence struct {
	ContactID string `json:"contactId"`
	Presence  string `json:"presence"`
}

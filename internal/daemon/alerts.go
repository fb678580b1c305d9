package daemon

import (
	"context"
	"encoding/json"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/chat"
	"github.com/mfreitas/pigeon/internal/push"
	"github.com/mfreitas/pigeon/internal/store"
)

const previewLimit = 80

// notifyAlerts turns out-of-focus message alerts into notifications,
// one per alert.
func notifyAlerts(ctx context.Context, events <-chan bus.Event, pushMgr *push.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			alert, ok := evt.Payload.(chat.Alert)
			if !ok {
				continue
			}
			title := alert.Message.SenderName
			if title == "" {
				title = alert.ContactID
			}
			payload, err := json.Marshal(map[string]string{
				"title":          title,
				"body":           preview(alert.Message),
				"conversationId": alert.Message.ConversationKey,
			})
			if err != nil {
				continue
			}
			_ = pushMgr.HandlePush(payload)
		}
	}
}

func preview(msg store.Message) string {
	switch msg.Type {
	case store.TypeText:
		if len(msg.Content) > previewLimit {
			return msg.Content[:previewLimit] + "…"
		}
		return msg.Content
	case store.TypeImage:
		return "Sent a photo"
	case store.TypeVideoCircle:
		return "Sent a video message"
	case store.TypeVoice:
		return "Sent a voice message"
	default:
		return "New message"
	}
}

// Package notify delivers operational notices to the owning account, today
// only terminal delivery failures.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"outreach/internal/providers/whatsapp"
)

type TextSender interface {
	SendText(ctx context.Context, req whatsapp.TextSend) (whatsapp.SendResponse, int, []byte, error)
}

// WhatsApp sends the notice as a text message to the owning account's own
// channel address. Sender ids are channel addresses, so no directory lookup
// is needed.
type WhatsApp struct {
	Sender TextSender
}

func (n *WhatsApp) NotifyFailure(ctx context.Context, senderID, messageID, reason string) error {
	body := fmt.Sprintf("Message %s could not be delivered: %s", messageID, reason)
	_, _, _, err := n.Sender.SendText(ctx, whatsapp.TextSend{To: senderID, Body: body})
	return err
}

// Log records the notice instead of sending it. Used when notifying over
// the channel itself is not wanted, for example in development.
type Log struct{}

func (Log) NotifyFailure(ctx context.Context, senderID, messageID, reason string) error {
	slog.Warn("delivery failure notice", "sender_id", senderID, "message_id", messageID, "reason", reason)
	return nil
}

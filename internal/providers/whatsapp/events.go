package whatsapp

import "encoding/json"

// Notification is the push payload Meta posts to the webhook endpoint. One
// payload can batch several inbound messages and status updates.
type Notification struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
	Statuses         []Status  `json:"statuses"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type Status struct {
	ID           string        `json:"id"` // provider message id (wamid)
	RecipientID  string        `json:"recipient_id"`
	Status       string        `json:"status"` // sent, delivered, read, failed
	Timestamp    string        `json:"timestamp"`
	Conversation *Conversation `json:"conversation"`
}

// Conversation carries session metadata on status events: the provider's
// window id, its origin and when it expires.
type Conversation struct {
	ID                  string `json:"id"`
	ExpirationTimestamp string `json:"expiration_timestamp"`
	Origin              struct {
		Type string `json:"type"` // user_initiated, business_initiated, ...
	} `json:"origin"`
}

func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(body, &n)
	return n, err
}

// Package interpret turns free-text inbound messages into structured
// actions. Interpretation itself is delegated to an external collaborator;
// this package only defines the closed set of actions and the HTTP client
// that fetches them. Unknown or malformed collaborator output always maps
// to ActionUnknown, never to an error the caller would retry.
package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type ActionKind string

const (
	ActionSendCelebration    ActionKind = "send_celebration"
	ActionSendAccountability ActionKind = "send_accountability"
	ActionGetStats           ActionKind = "get_stats"
	ActionScheduleMessage    ActionKind = "schedule_message"
	ActionUnknown            ActionKind = "unknown"
)

// Action is the structured result of interpreting one inbound text.
type Action struct {
	Kind         ActionKind `json:"action"`
	Clients      []string   `json:"clients,omitempty"`
	Message      string     `json:"message,omitempty"`
	ScheduleTime *time.Time `json:"scheduleTime,omitempty"`
}

// Known reports whether the kind is one this service handles.
func (k ActionKind) Known() bool {
	switch k {
	case ActionSendCelebration, ActionSendAccountability, ActionGetStats, ActionScheduleMessage, ActionUnknown:
		return true
	}
	return false
}

type Interpreter interface {
	Interpret(ctx context.Context, senderID, text string) (Action, error)
}

// HTTPInterpreter calls an interpretation service over HTTP.
type HTTPInterpreter struct {
	URL  string
	HTTP *http.Client
}

type interpretRequest struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

func (c *HTTPInterpreter) Interpret(ctx context.Context, senderID, text string) (Action, error) {
	body, err := json.Marshal(interpretRequest{SenderID: senderID, Text: text})
	if err != nil {
		return Action{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Action{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Action{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Action{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Action{}, fmt.Errorf("interpreter: status %d", resp.StatusCode)
	}

	var a Action
	if err := json.Unmarshal(raw, &a); err != nil || !a.Kind.Known() {
		return Action{Kind: ActionUnknown}, nil
	}
	return a, nil
}

// Noop maps every text to ActionUnknown. Used when no interpretation
// service is configured.
type Noop struct{}

func (Noop) Interpret(ctx context.Context, senderID, text string) (Action, error) {
	return Action{Kind: ActionUnknown}, nil
}

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"outreach/internal/util"
)

// Client talks to the WhatsApp Business Cloud API (graph.facebook.com).
type Client struct {
	AccessToken   string
	PhoneNumberID string
	HTTP          *http.Client

	BaseURL    string
	APIVersion string
}

type TemplateSend struct {
	To           string
	TemplateName string
	LanguageCode string
	BodyParams   []string
}

type TextSend struct {
	To   string
	Body string
}

type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (e *APIError) Error() string { return e.Message }

// ProviderMsgID returns the wamid assigned by the provider, empty when the
// send was not acknowledged.
func (r SendResponse) ProviderMsgID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

func (c *Client) SendTemplate(ctx context.Context, req TemplateSend) (SendResponse, int, []byte, error) {
	comps := []map[string]any{}
	if len(req.BodyParams) > 0 {
		params := make([]map[string]any, 0, len(req.BodyParams))
		for _, p := range req.BodyParams {
			params = append(params, map[string]any{"type": "text", "text": p})
		}
		comps = append(comps, map[string]any{"type": "body", "parameters": params})
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                util.NormalizeRecipient(req.To),
		"type":              "template",
		"template": map[string]any{
			"name":       req.TemplateName,
			"language":   map[string]any{"code": req.LanguageCode},
			"components": comps,
		},
	}
	return c.post(ctx, payload)
}

func (c *Client) SendText(ctx context.Context, req TextSend) (SendResponse, int, []byte, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                util.NormalizeRecipient(req.To),
		"type":              "text",
		"text":              map[string]any{"body": req.Body},
	}
	return c.post(ctx, payload)
}

func (c *Client) post(ctx context.Context, payload map[string]any) (SendResponse, int, []byte, error) {
	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	version := c.APIVersion
	if version == "" {
		version = "v22.0"
	}
	endpoint := baseURL + "/" + version + "/" + c.PhoneNumberID + "/messages"

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil {
			return out, resp.StatusCode, b, out.Error
		}
		return out, resp.StatusCode, b, errors.New("whatsapp send failed")
	}
	return out, resp.StatusCode, b, nil
}

// Transient reports whether a failed call is worth retrying: timeouts,
// rate limiting and 5xx-class responses. Everything else from the provider
// is a terminal rejection.
func Transient(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
	}
	if httpStatus == 0 {
		// No response at all (connection refused, DNS): transient.
		return true
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

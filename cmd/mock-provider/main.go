// mock-provider emulates the WhatsApp Cloud API for local runs: it accepts
// sends on the Graph message endpoint, hands back wamids, and drives signed
// status webhooks (sent, delivered, read, failed) at the configured outcome
// and pace.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	AccessToken string `envconfig:"WA_ACCESS_TOKEN" default:"mock_token"`
	AppSecret   string `envconfig:"WA_APP_SECRET" default:"mock_secret"`

	// "ok", "failed", "rate_limit", "server_error", or a comma list cycled
	// per send in round_robin mode.
	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"ok"`

	WebhookURL        string        `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookSentDelay  time.Duration `envconfig:"MOCK_WEBHOOK_SENT_DELAY" default:"300ms"`
	WebhookFinalDelay time.Duration `envconfig:"MOCK_WEBHOOK_FINAL_DELAY" default:"500ms"`
	SendReadEvent     bool          `envconfig:"MOCK_SEND_READ_EVENT" default:"true"`

	WindowTTL time.Duration `envconfig:"MOCK_WINDOW_TTL" default:"24h"`

	Outcomes []string
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/{version}/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

type sendRequest struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Template *struct {
		Name string `json:"name"`
	} `json:"template"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+s.cfg.AccessToken {
		writeGraphError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		writeGraphError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}

	phoneNumberID := mux.Vars(r)["phoneNumberID"]

	switch s.nextOutcome() {
	case "rate_limit":
		writeGraphError(w, http.StatusTooManyRequests, 130429, "Rate limit hit")
		return
	case "server_error":
		writeGraphError(w, http.StatusInternalServerError, 131000, "Something went wrong")
		return
	case "rejected":
		writeGraphError(w, http.StatusBadRequest, 131026, "Message undeliverable")
		return
	case "failed":
		wamid := s.newWamid()
		s.respondAccepted(w, req.To, wamid)
		s.driveStatuses(phoneNumberID, req.To, wamid, "failed")
		return
	default:
		wamid := s.newWamid()
		s.respondAccepted(w, req.To, wamid)
		s.driveStatuses(phoneNumberID, req.To, wamid, "delivered")
	}
}

func (s *server) respondAccepted(w http.ResponseWriter, to, wamid string) {
	resp := map[string]any{
		"messaging_product": "whatsapp",
		"contacts":          []map[string]string{{"input": to, "wa_id": to}},
		"messages":          []map[string]string{{"id": wamid}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// driveStatuses posts the status progression for one accepted send back to
// the configured webhook, signed the same way the real provider signs.
func (s *server) driveStatuses(phoneNumberID, to, wamid, final string) {
	if s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		time.Sleep(s.cfg.WebhookSentDelay)
		s.postStatus(phoneNumberID, to, wamid, "sent", true)

		time.Sleep(s.cfg.WebhookFinalDelay)
		s.postStatus(phoneNumberID, to, wamid, final, false)

		if final == "delivered" && s.cfg.SendReadEvent {
			time.Sleep(s.cfg.WebhookFinalDelay)
			s.postStatus(phoneNumberID, to, wamid, "read", false)
		}
	}()
}

func (s *server) postStatus(phoneNumberID, to, wamid, status string, withConversation bool) {
	st := map[string]any{
		"id":           wamid,
		"recipient_id": to,
		"status":       status,
		"timestamp":    fmt.Sprintf("%d", time.Now().Unix()),
	}
	if withConversation {
		st["conversation"] = map[string]any{
			"id":                   "conv_" + wamid,
			"expiration_timestamp": fmt.Sprintf("%d", time.Now().Add(s.cfg.WindowTTL).Unix()),
			"origin":               map[string]string{"type": "business_initiated"},
		}
	}

	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id": phoneNumberID,
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"statuses":          []map[string]any{st},
				},
			}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("mock status marshal failed", "err", err)
		return
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.AppSecret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("mock status request build failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", sig)

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("mock status post failed", "err", err, "wamid", wamid, "status", status)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Error("mock status post rejected", "http_status", resp.StatusCode, "wamid", wamid, "status", status)
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) newWamid() string {
	return fmt.Sprintf("wamid.MOCK%06d", atomic.AddUint64(&s.idx, 1))
}

func writeGraphError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "OAuthException",
			"code":    code,
		},
	})
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/dispatch"
	"outreach/internal/domain"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
)

type apiStore struct {
	messages map[string]store.OutboundMessage
}

func newAPIStore() *apiStore {
	return &apiStore{messages: make(map[string]store.OutboundMessage)}
}

func (s *apiStore) InsertMessage(ctx context.Context, in store.MessageInsert) error {
	s.messages[in.ID] = store.OutboundMessage{
		ID:        in.ID,
		Recipient: in.Recipient,
		SenderID:  in.SenderID,
		Kind:      in.Kind,
		Body:      in.Body,
		SendMode:  in.SendMode,
		Status:    in.Status,
	}
	return nil
}

func (s *apiStore) GetMessage(ctx context.Context, msgID string) (store.OutboundMessage, bool, error) {
	m, ok := s.messages[msgID]
	return m, ok, nil
}

func (s *apiStore) CancelMessage(ctx context.Context, msgID string, now time.Time) (bool, error) {
	m, ok := s.messages[msgID]
	if !ok || (m.Status != domain.StatusPending && m.Status != domain.StatusScheduled) {
		return false, nil
	}
	m.Status = domain.StatusCancelled
	s.messages[msgID] = m
	return true, nil
}

func (s *apiStore) SelectDue(ctx context.Context, now time.Time, grace, lookahead time.Duration, limit int) ([]store.OutboundMessage, error) {
	return nil, nil
}

func (s *apiStore) ReleaseEnqueued(ctx context.Context, msgID string, now time.Time) error {
	return nil
}

func (s *apiStore) ReclaimUnenqueued(ctx context.Context, now time.Time, stale time.Duration) (int, error) {
	return 0, nil
}

func (s *apiStore) FlagOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]store.OutboundMessage, error) {
	return nil, nil
}

type apiQueue struct {
	jobs []sqsqueue.DispatchJob
}

func (q *apiQueue) Enqueue(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type apiWindows struct {
	window store.ConversationWindow
	open   bool
}

func (w *apiWindows) Active(ctx context.Context, recipient string) (store.ConversationWindow, bool, error) {
	return w.window, w.open, nil
}

func (w *apiWindows) CanSendFreeForm(ctx context.Context, recipient string) (bool, error) {
	return w.open && w.window.Origin == domain.OriginUserInitiated, nil
}

func newAPIRouter(st *apiStore, q *apiQueue, windows *apiWindows) *mux.Router {
	api := &API{
		Svc:     &dispatch.Service{Store: st, Queue: q},
		Windows: windows,
		IDGen:   func() string { return "msg_test1" },
	}
	r := mux.NewRouter()
	api.Register(r)
	return r
}

func TestCreateMessageAccepted(t *testing.T) {
	st := newAPIStore()
	q := &apiQueue{}
	router := newAPIRouter(st, q, &apiWindows{})

	body := []byte(`{"recipient":"+1 555-000-1111","senderId":"coach_1","kind":"celebration","body":"congrats on day 30","sendMode":"immediate"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.CreateMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MessageID != "msg_test1" || resp.Status != string(domain.StatusPending) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(q.jobs) != 1 || q.jobs[0].MessageID != "msg_test1" {
		t.Fatalf("immediate create must enqueue one dispatch job, got %+v", q.jobs)
	}
	if st.messages["msg_test1"].Recipient != "15550001111" {
		t.Fatalf("recipient not normalized: %q", st.messages["msg_test1"].Recipient)
	}
}

func TestCreateMessageRejectsBadRequest(t *testing.T) {
	st := newAPIStore()
	q := &apiQueue{}
	router := newAPIRouter(st, q, &apiWindows{})

	for name, body := range map[string]string{
		"invalid json":      `{"recipient":`,
		"missing recipient": `{"senderId":"coach_1","body":"hi","sendMode":"immediate"}`,
		"bad send mode":     `{"recipient":"15550001111","senderId":"coach_1","body":"hi","sendMode":"sometime"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if len(q.jobs) != 0 || len(st.messages) != 0 {
		t.Fatalf("rejected requests must not create state")
	}
}

func TestGetMessage(t *testing.T) {
	st := newAPIStore()
	st.messages["msg_a"] = store.OutboundMessage{ID: "msg_a", Recipient: "15550001111", Status: domain.StatusSent}
	router := newAPIRouter(st, &apiQueue{}, &apiWindows{})

	req := httptest.NewRequest(http.MethodGet, "/v1/messages/msg_a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/messages/msg_missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestCancelMessage(t *testing.T) {
	st := newAPIStore()
	st.messages["msg_pending"] = store.OutboundMessage{ID: "msg_pending", Status: domain.StatusScheduled}
	st.messages["msg_done"] = store.OutboundMessage{ID: "msg_done", Status: domain.StatusSent}
	router := newAPIRouter(st, &apiQueue{}, &apiWindows{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/msg_pending/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if st.messages["msg_pending"].Status != domain.StatusCancelled {
		t.Fatalf("message not cancelled: %s", st.messages["msg_pending"].Status)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/messages/msg_done/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("dispatched message must not be cancelable, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/messages/msg_missing/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestConversationLookup(t *testing.T) {
	expires := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	windows := &apiWindows{
		window: store.ConversationWindow{
			ID:        "win_1",
			Recipient: "15550001111",
			Origin:    domain.OriginUserInitiated,
			ExpiresAt: expires,
			Active:    true,
		},
		open: true,
	}
	router := newAPIRouter(newAPIStore(), &apiQueue{}, windows)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/15550001111", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.WindowOpen || resp.WindowID != "win_1" || !resp.CanSendFreeForm {
		t.Fatalf("unexpected response %+v", resp)
	}

	windows.open = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/15550001111", nil))
	resp = conversationResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.WindowOpen || resp.CanSendFreeForm || resp.WindowID != "" {
		t.Fatalf("closed conversation leaked window data: %+v", resp)
	}
}

func TestConversationBusinessWindowNoFreeForm(t *testing.T) {
	windows := &apiWindows{
		window: store.ConversationWindow{
			ID:        "win_2",
			Recipient: "15550001111",
			Origin:    domain.OriginBusinessInitiated,
			ExpiresAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
			Active:    true,
		},
		open: true,
	}
	router := newAPIRouter(newAPIStore(), &apiQueue{}, windows)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/15550001111", nil))
	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.WindowOpen || resp.CanSendFreeForm {
		t.Fatalf("business window must not grant free-form: %+v", resp)
	}
}

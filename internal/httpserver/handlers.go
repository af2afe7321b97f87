package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/dispatch"
	"outreach/internal/domain"
	"outreach/internal/store"
	"outreach/internal/util"
)

type WindowReader interface {
	Active(ctx context.Context, recipient string) (store.ConversationWindow, bool, error)
	CanSendFreeForm(ctx context.Context, recipient string) (bool, error)
}

type API struct {
	Svc     *dispatch.Service
	Windows WindowReader
	IDGen   func() string
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/messages", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/messages/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/messages/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	mux.HandleFunc("/v1/conversations/{recipient}", a.handleConversation).Methods(http.MethodGet)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.Create(r.Context(), req, a.IDGen(), util.NowUTC())
	if err != nil {
		slog.Error("create message failed",
			"err", err,
			"recipient", req.Recipient,
			"sender_id", req.SenderID,
			"send_mode", req.SendMode,
		)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	msg, found, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		slog.Error("get message failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	err := a.Svc.Cancel(r.Context(), id, util.NowUTC())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrNotCancelable):
		// The message was already claimed or finished; cancellation is only
		// effective before dispatch.
		http.Error(w, ErrNotCancelable, http.StatusConflict)
		return
	default:
		slog.Error("cancel message failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"messageId": id, "status": string(domain.StatusCancelled)})
}

type conversationResponse struct {
	Recipient       string     `json:"recipient"`
	WindowOpen      bool       `json:"windowOpen"`
	WindowID        string     `json:"windowId,omitempty"`
	Origin          string     `json:"origin,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CanSendFreeForm bool       `json:"canSendFreeForm"`
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	recipient := util.NormalizeRecipient(mux.Vars(r)["recipient"])
	if recipient == "" {
		http.Error(w, ErrMissingRecipient, http.StatusBadRequest)
		return
	}

	win, open, err := a.Windows.Active(r.Context(), recipient)
	if err != nil {
		slog.Error("conversation lookup failed", "err", err, "recipient", recipient)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	resp := conversationResponse{Recipient: recipient, WindowOpen: open}
	if open {
		resp.WindowID = win.ID
		resp.Origin = string(win.Origin)
		resp.ExpiresAt = &win.ExpiresAt
		resp.CanSendFreeForm = win.Origin == domain.OriginUserInitiated
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

package dispatch

import (
	"context"

	"outreach/internal/observability"
	"outreach/internal/providers/whatsapp"
	"outreach/internal/store"
)

type ResolvedKind string

const (
	ResolvedTemplate ResolvedKind = "template"
	ResolvedFreeForm ResolvedKind = "free_form"
	ResolvedFallback ResolvedKind = "fallback_template"
)

// Resolved says how a message will actually go out on the wire.
type Resolved struct {
	Kind     ResolvedKind
	Template whatsapp.Template
	Body     string
}

type WindowChecker interface {
	CanSendFreeForm(ctx context.Context, recipient string) (bool, error)
}

// Resolver decides template-vs-free-form per message at dispatch time.
type Resolver struct {
	Windows WindowChecker
	Catalog *whatsapp.Catalog
}

// Resolve applies the channel's protocol constraint. An exact catalog match
// goes out as a template regardless of window state (templates are approved
// and billable outside windows). Otherwise free-form requires an active
// user-initiated window; without one the designated fallback template is
// substituted, since the channel refuses free-form delivery outside a window.
func (r *Resolver) Resolve(ctx context.Context, m store.OutboundMessage) (Resolved, error) {
	if t, ok := r.Catalog.Match(m.Body); ok {
		observability.WASendMode.WithLabelValues(string(ResolvedTemplate)).Inc()
		return Resolved{Kind: ResolvedTemplate, Template: t, Body: m.Body}, nil
	}

	free, err := r.Windows.CanSendFreeForm(ctx, m.Recipient)
	if err != nil {
		return Resolved{}, err
	}
	if free {
		observability.WASendMode.WithLabelValues(string(ResolvedFreeForm)).Inc()
		return Resolved{Kind: ResolvedFreeForm, Body: m.Body}, nil
	}

	observability.WASendMode.WithLabelValues(string(ResolvedFallback)).Inc()
	return Resolved{Kind: ResolvedFallback, Template: r.Catalog.Fallback(), Body: m.Body}, nil
}

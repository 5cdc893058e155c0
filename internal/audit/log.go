package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bankcore.io/internal/auth"
	"bankcore.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Movement outcomes, used as the last segment of the event name.
const (
	OutcomeExecuted = "execute"
	OutcomeReplayed = "idempotent_replay"
	OutcomeRejected = "rejected"
)

// Entry is one line of the audit trail.
type Entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Roles     []string       `json:"roles,omitempty"`
	Movement  *Movement      `json:"movement,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// Movement is the audited view of a fund movement attempt. Amount is only
// set once the engine has accepted it.
type Movement struct {
	Kind            string `json:"kind"`
	Outcome         string `json:"outcome"`
	SourceAccount   string `json:"source_account,omitempty"`
	Target          string `json:"target,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Currency        string `json:"currency,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	Code            string `json:"code,omitempty"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// LogEvent writes a free-form audit entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := newEntry(ctx, event)
	for k, v := range fields {
		e.Fields[k] = v
	}
	return write(e)
}

// LogMovement records a movement under ledger.<kind>.<outcome>.
func LogMovement(ctx context.Context, m Movement) error {
	if m.Kind == "" || m.Outcome == "" {
		return errors.New("movement kind and outcome are required")
	}
	e := newEntry(ctx, "ledger."+m.Kind+"."+m.Outcome)
	e.Movement = &m
	return write(e)
}

func newEntry(ctx context.Context, event string) Entry {
	e := Entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    map[string]any{},
	}
	if user, err := auth.CurrentUser(ctx); err == nil {
		e.UserID = user.ID
		e.Roles = auth.RolesFromContext(ctx)
	}
	return e
}

func write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bankcore.io/internal/audit"
	"bankcore.io/internal/ledger"
	"bankcore.io/internal/obs"
)

const maxIdempotencyKey = 128

type movementRequest struct {
	FromAccountID  string          `json:"from_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type transferRequest struct {
	movementRequest
	ToAccountID string `json:"to_account_id"`
}

type transferByUsernameRequest struct {
	movementRequest
	Username string `json:"username"`
}

type paymentRequest struct {
	movementRequest
	BillerID string `json:"biller_id"`
}

type depositRequest struct {
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type receiptResponse struct {
	TransactionID        string    `json:"transaction_id"`
	ReferenceNumber      string    `json:"reference_number"`
	Type                 string    `json:"type"`
	Amount               string    `json:"amount"`
	Currency             string    `json:"currency"`
	Balance              string    `json:"balance"`
	RecipientDisplayName string    `json:"recipient_display_name,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	Replayed             bool      `json:"replayed,omitempty"`
}

type accountResponse struct {
	ID            string    `json:"id"`
	AccountNumber string    `json:"account_number"`
	Type          string    `json:"type"`
	Balance       string    `json:"balance"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type transactionResponse struct {
	ID              string    `json:"id"`
	ReferenceNumber string    `json:"reference_number"`
	Type            string    `json:"type"`
	Direction       string    `json:"direction"`
	FromAccountID   string    `json:"from_account_id,omitempty"`
	ToAccountID     string    `json:"to_account_id,omitempty"`
	BillerID        string    `json:"biller_id,omitempty"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	Category        string    `json:"category"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

type statisticResponse struct {
	Month  int    `json:"month"`
	Type   string `json:"type"`
	Amount string `json:"amount"`
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	target := func() string { return req.ToAccountID }
	a.movement(w, r, &req, &req.movementRequest, "transfer", target, func(ctx context.Context, c ledger.Caller, lr ledger.Request) (ledger.Receipt, error) {
		return a.ledger.TransferToAccount(ctx, c, lr, req.ToAccountID)
	})
}

func (a *API) handleTransferByUsername(w http.ResponseWriter, r *http.Request) {
	var req transferByUsernameRequest
	target := func() string { return "user:" + req.Username }
	a.movement(w, r, &req, &req.movementRequest, "transfer", target, func(ctx context.Context, c ledger.Caller, lr ledger.Request) (ledger.Receipt, error) {
		return a.ledger.TransferToUser(ctx, c, lr, req.Username)
	})
}

func (a *API) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	target := func() string { return "biller:" + req.BillerID }
	a.movement(w, r, &req, &req.movementRequest, "payment", target, func(ctx context.Context, c ledger.Caller, lr ledger.Request) (ledger.Receipt, error) {
		return a.ledger.PayBill(ctx, c, lr, req.BillerID)
	})
}

func (a *API) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	a.movement(w, r, &req, &req, "withdrawal", nil, a.ledger.Withdraw)
}

type movementFunc func(ctx context.Context, caller ledger.Caller, req ledger.Request) (ledger.Receipt, error)

// movement decodes body into dst, whose embedded movementRequest is base,
// runs fn and writes the receipt. target names the counterparty for the
// audit trail and may be nil.
func (a *API) movement(w http.ResponseWriter, r *http.Request, dst any, base *movementRequest, kind string, target func() string, fn movementFunc) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if err := decodeJSON(r, dst); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	idem, err := idempotencyKey(r, base.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := fn(r.Context(), caller, ledger.Request{
		SourceAccountID: base.FromAccountID,
		Amount:          base.Amount,
		Description:     strings.TrimSpace(base.Description),
		Category:        strings.TrimSpace(base.Category),
		IdempotencyKey:  idem,
	})
	m := audit.Movement{Kind: kind, SourceAccount: base.FromAccountID, IdempotencyKey: idem}
	if target != nil {
		m.Target = target()
	}
	if err != nil {
		auditRejection(r, m, err)
		handleLedgerError(w, r, err)
		return
	}
	a.writeReceipt(w, r, m, rec)
}

func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	teller, err := callerFrom(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	idem, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := a.ledger.Deposit(r.Context(), teller, req.AccountID, req.Amount, strings.TrimSpace(req.Description), idem)
	m := audit.Movement{Kind: "deposit", Target: req.AccountID, IdempotencyKey: idem}
	if err != nil {
		auditRejection(r, m, err)
		handleLedgerError(w, r, err)
		return
	}
	a.writeReceipt(w, r, m, rec)
}

// auditRejection records refused movements. Infrastructure failures are
// logged by handleLedgerError instead.
func auditRejection(r *http.Request, m audit.Movement, err error) {
	if ledger.KindOf(err) == ledger.KindInfrastructure {
		return
	}
	m.Outcome = audit.OutcomeRejected
	m.Code = ledger.CodeOf(err)
	logMovement(r, m)
}

func logMovement(r *http.Request, m audit.Movement) {
	if err := audit.LogMovement(r.Context(), m); err != nil {
		obs.Log("warn", "audit log failed", map[string]any{"kind": m.Kind, "error": err.Error()})
	}
}

func (a *API) writeReceipt(w http.ResponseWriter, r *http.Request, m audit.Movement, rec ledger.Receipt) {
	m.ReferenceNumber = rec.ReferenceNumber
	m.TransactionID = rec.TransactionID
	m.Amount = rec.Amount.StringFixed(ledger.AmountScale)
	m.Currency = rec.Currency
	if m.IdempotencyKey != "" {
		w.Header().Set("Idempotency-Key", m.IdempotencyKey)
	}
	code := http.StatusCreated
	m.Outcome = audit.OutcomeExecuted
	if rec.Replayed {
		code = http.StatusOK
		m.Outcome = audit.OutcomeReplayed
	}
	logMovement(r, m)

	writeJSON(w, code, receiptResponse{
		TransactionID:        rec.TransactionID,
		ReferenceNumber:      rec.ReferenceNumber,
		Type:                 string(rec.Type),
		Amount:               rec.Amount.StringFixed(ledger.AmountScale),
		Currency:             rec.Currency,
		Balance:              rec.Balance.StringFixed(ledger.AmountScale),
		RecipientDisplayName: rec.RecipientDisplayName,
		CreatedAt:            rec.CreatedAt,
		Replayed:             rec.Replayed,
	})
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	accs, err := a.ledger.Accounts(r.Context(), caller)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	items := make([]accountResponse, 0, len(accs))
	for _, acc := range accs {
		items = append(items, toAccountResponse(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		acc, err := a.ledger.Account(r.Context(), caller, parts[0])
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAccountResponse(acc))
	case len(parts) == 2 && parts[0] != "" && parts[1] == "transactions":
		a.listTransactions(w, r, caller, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request, caller ledger.Caller, accountID string) {
	limit, err := parseBoundedInt(r.URL.Query().Get("limit"), "limit", 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	txs, err := a.ledger.History(r.Context(), caller, accountID, limit)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	items := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		direction := "debit"
		if t.ToAccountID == accountID {
			direction = "credit"
		}
		items = append(items, transactionResponse{
			ID:              t.ID,
			ReferenceNumber: t.ReferenceNumber,
			Type:            string(t.Type),
			Direction:       direction,
			FromAccountID:   t.FromAccountID,
			ToAccountID:     t.ToAccountID,
			BillerID:        t.BillerID,
			Amount:          t.Amount.StringFixed(ledger.AmountScale),
			Currency:        t.Currency,
			Status:          string(t.Status),
			Category:        t.Category,
			Description:     t.Description,
			CreatedAt:       t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": a.now().UTC(),
	})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	year, err := parseBoundedInt(r.URL.Query().Get("year"), "year", a.now().UTC().Year(), 1970, 9999)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	stats, err := a.ledger.Statistics(r.Context(), caller, year)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	items := make([]statisticResponse, 0, len(stats))
	for _, st := range stats {
		items = append(items, statisticResponse{
			Month:  int(st.Month),
			Type:   string(st.Type),
			Amount: st.Amount.StringFixed(ledger.AmountScale),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"year": year, "items": items})
}

func toAccountResponse(acc ledger.Account) accountResponse {
	return accountResponse{
		ID:            acc.ID,
		AccountNumber: acc.AccountNumber,
		Type:          string(acc.Type),
		Balance:       acc.Balance.StringFixed(ledger.AmountScale),
		Currency:      acc.Currency,
		Status:        string(acc.Status),
		CreatedAt:     acc.CreatedAt,
	}
}

// idempotencyKey reconciles the Idempotency-Key header with the body value.
func idempotencyKey(r *http.Request, bodyKey string) (string, error) {
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if bodyKey = strings.TrimSpace(bodyKey); bodyKey != "" {
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			return "", errors.New("Idempotency-Key header and body value must match")
		}
	}
	if len(idem) > maxIdempotencyKey {
		return "", errors.New("Idempotency-Key too long")
	}
	return idem, nil
}

func parseBoundedInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

var errBodyTooLarge = errors.New("request body too large")

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errBodyTooLarge
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "invalid_request", err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
}

// handleLedgerError maps error kinds to status codes. Infrastructure details
// stay in the logs.
func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		code = http.StatusBadRequest
	case ledger.KindUnauthenticated:
		code = http.StatusUnauthorized
	case ledger.KindUnauthorized:
		code = http.StatusForbidden
	case ledger.KindNotFound:
		code = http.StatusNotFound
	case ledger.KindConflict:
		code = http.StatusConflict
	default:
		code = http.StatusInternalServerError
		fields := map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		}
		if cause := errors.Unwrap(err); cause != nil {
			fields["cause"] = cause.Error()
		}
		obs.Log("error", "request failed", fields)
	}
	writeError(w, r, code, ledger.CodeOf(err), ledger.PublicMessage(err))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

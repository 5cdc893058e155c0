package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/shopspring/decimal"

	"bankcore.io/internal/auth"
	"bankcore.io/internal/ledger"
	"bankcore.io/internal/obs"
	"bankcore.io/internal/stream"
)

const serviceName = "bankcore-api"

// ReadyCheck reports readiness; a nil DB means the in-memory store is used.
type ReadyCheck struct {
	DB *sql.DB
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Ledger is the part of ledger.Engine served over HTTP.
type Ledger interface {
	TransferToAccount(ctx context.Context, caller ledger.Caller, req ledger.Request, toAccountID string) (ledger.Receipt, error)
	TransferToUser(ctx context.Context, caller ledger.Caller, req ledger.Request, username string) (ledger.Receipt, error)
	PayBill(ctx context.Context, caller ledger.Caller, req ledger.Request, billerID string) (ledger.Receipt, error)
	Withdraw(ctx context.Context, caller ledger.Caller, req ledger.Request) (ledger.Receipt, error)
	Deposit(ctx context.Context, teller ledger.Caller, accountID string, amount decimal.Decimal, description, idemKey string) (ledger.Receipt, error)
	Account(ctx context.Context, caller ledger.Caller, id string) (ledger.Account, error)
	Accounts(ctx context.Context, caller ledger.Caller) ([]ledger.Account, error)
	History(ctx context.Context, caller ledger.Caller, accountID string, limit int) ([]ledger.Transaction, error)
	Statistics(ctx context.Context, caller ledger.Caller, year int) ([]ledger.MonthlyStatistic, error)
}

// Options tune the HTTP surface.
type Options struct {
	Version      string
	DevTokens    bool
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
	// TrustedProxies may set X-Forwarded-For; other peers are rate limited
	// by their own address.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer of the ledger service.
type API struct {
	mux        *http.ServeMux
	readyCheck readinessChecker
	ledger     Ledger
	hub        *stream.Hub
	tokens     *auth.Tokens
	opts       Options
	now        func() time.Time
}

// New wires routes. tokens may be nil only in tests that never authenticate.
func New(rp readinessChecker, l Ledger, hub *stream.Hub, tokens *auth.Tokens, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyCheck: rp,
		ledger:     l,
		hub:        hub,
		tokens:     tokens,
		opts:       opts,
		now:        time.Now,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/transfers", a.requirePermission(auth.PermMoveFunds, a.handleTransfer))
	a.mux.HandleFunc("/v1/transfers/by-username", a.requirePermission(auth.PermMoveFunds, a.handleTransferByUsername))
	a.mux.HandleFunc("/v1/payments", a.requirePermission(auth.PermMoveFunds, a.handlePayment))
	a.mux.HandleFunc("/v1/withdrawals", a.requirePermission(auth.PermMoveFunds, a.handleWithdrawal))
	a.mux.HandleFunc("/v1/deposits", a.requirePermission(auth.PermDeposit, a.handleDeposit))

	a.mux.HandleFunc("/v1/accounts", a.requirePermission(auth.PermAccountsRead, a.handleAccountsCollection))
	a.mux.HandleFunc("/v1/accounts/", a.requirePermission(auth.PermAccountsRead, a.handleAccountResource))
	a.mux.HandleFunc("/v1/statistics", a.requirePermission(auth.PermAccountsRead, a.handleStatistics))
	a.mux.HandleFunc("/v1/notifications/stream", a.requirePermission(auth.PermStreamNotices, a.Stream))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = RealIP(h, a.opts.TrustedProxies)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyCheck.Check(r.Context()); err != nil {
		obs.Log("warn", "readiness check failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

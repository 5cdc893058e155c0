package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bankcore.io/internal/auth"
	"bankcore.io/internal/ledger"
	"bankcore.io/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	johnSavings string
	janeSavings string
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	hub := stream.New()
	store := ledger.NewMemory(ledger.WithPublisher(hub.Publish))
	for _, h := range []ledger.Holder{
		{ID: "u-john", Username: "john", FirstName: "John", LastName: "Smith"},
		{ID: "u-jane", Username: "jane", FirstName: "Jane", LastName: "Doe"},
		{ID: "u-teller", Username: "teller"},
	} {
		if err := store.AddHolder(h); err != nil {
			t.Fatalf("add holder: %v", err)
		}
	}
	store.AddBiller(ledger.Biller{ID: "city-power", Name: "City Power", Category: "utilities", Active: true})
	engine := ledger.NewEngine(store)

	open := func(owner, balance string) string {
		acc, err := engine.OpenAccount(context.Background(), ledger.OpenAccountParams{
			OwnerID:        owner,
			Type:           ledger.AccountSavings,
			Currency:       "USD",
			InitialBalance: decimal.RequireFromString(balance),
		})
		if err != nil {
			t.Fatalf("open account: %v", err)
		}
		return acc.ID
	}

	tokens, err := auth.NewTokens("test-secret-0123456789", "bankcore", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	api := New(ReadyCheck{}, engine, hub, tokens, Options{
		Version:    "test",
		DevTokens:  true,
		RateBurst:  100,
		RatePerSec: 100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:     srv.URL,
		client:      srv.Client(),
		t:           t,
		johnSavings: open("u-john", "100.00"),
		janeSavings: open("u-jane", "5.00"),
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) bearer(userID, username, first, last string, roles ...string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user_id":    userID,
		"username":   username,
		"first_name": first,
		"last_name":  last,
		"roles":      roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func (c *apiClient) john() map[string]string {
	return c.bearer("u-john", "john", "John", "Smith", auth.RoleCustomer)
}

func (c *apiClient) jane() map[string]string {
	return c.bearer("u-jane", "jane", "Jane", "Doe", auth.RoleCustomer)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func with(h map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for key, val := range h {
		out[key] = val
	}
	out[k] = v
	return out
}

func TestAPITransferFlow(t *testing.T) {
	api := newTestAPI(t)
	john := api.john()

	req := map[string]any{
		"from_account_id": api.johnSavings,
		"to_account_id":   api.janeSavings,
		"amount":          "40.00",
	}
	resp := api.post("/v1/transfers", req, with(john, "Idempotency-Key", "k-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Key") != "k-1" {
		t.Fatalf("missing idempotency header echo")
	}
	rec := decode[map[string]any](t, resp)
	if rec["reference_number"] == "" || rec["recipient_display_name"] != "Jane Doe" {
		t.Fatalf("unexpected receipt: %v", rec)
	}
	if rec["balance"] != "60.00" || rec["amount"] != "40.00" {
		t.Fatalf("unexpected amounts: %v", rec)
	}

	// Same key and payload: original receipt, no second debit.
	resp = api.post("/v1/transfers", req, with(john, "Idempotency-Key", "k-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", resp.StatusCode)
	}
	replay := decode[map[string]any](t, resp)
	if replay["reference_number"] != rec["reference_number"] || replay["replayed"] != true {
		t.Fatalf("unexpected replay: %v", replay)
	}

	resp = api.get("/v1/accounts/"+api.johnSavings, nil, john)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	acc := decode[map[string]any](t, resp)
	if acc["balance"] != "60.00" {
		t.Fatalf("unexpected balance: %v", acc["balance"])
	}

	resp = api.get("/v1/accounts/"+api.johnSavings+"/transactions", url.Values{"limit": []string{"10"}}, john)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	history := decode[struct {
		Items []transactionResponse `json:"items"`
	}](t, resp)
	if len(history.Items) != 1 || history.Items[0].Direction != "debit" || history.Items[0].Type != "transfer" {
		t.Fatalf("unexpected history: %+v", history.Items)
	}

	resp = api.get("/v1/accounts", nil, api.jane())
	accounts := decode[struct {
		Items []accountResponse `json:"items"`
	}](t, resp)
	if len(accounts.Items) != 1 || accounts.Items[0].Balance != "45.00" {
		t.Fatalf("unexpected jane accounts: %+v", accounts.Items)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	john := api.john()
	teller := api.bearer("u-teller", "teller", "", "", auth.RoleTeller)

	cases := []struct {
		name   string
		path   string
		body   map[string]any
		header map[string]string
		status int
		code   string
	}{
		{"insufficient funds", "/v1/transfers", map[string]any{"from_account_id": api.johnSavings, "to_account_id": api.janeSavings, "amount": "150.00"}, john, http.StatusConflict, "insufficient_funds"},
		{"zero amount", "/v1/transfers", map[string]any{"from_account_id": api.johnSavings, "to_account_id": api.janeSavings, "amount": "0"}, john, http.StatusBadRequest, "invalid_amount"},
		{"huge exponent", "/v1/transfers", map[string]any{"from_account_id": api.johnSavings, "to_account_id": api.janeSavings, "amount": "1e99999999"}, john, http.StatusBadRequest, "invalid_amount"},
		{"deposit over limit", "/v1/deposits", map[string]any{"account_id": api.janeSavings, "amount": "10000000000000000.00"}, teller, http.StatusBadRequest, "invalid_amount"},
		{"same account", "/v1/transfers", map[string]any{"from_account_id": api.johnSavings, "to_account_id": api.johnSavings, "amount": "1.00"}, john, http.StatusConflict, "same_account"},
		{"not owner", "/v1/withdrawals", map[string]any{"from_account_id": api.johnSavings, "amount": "1.00"}, api.jane(), http.StatusForbidden, "not_account_owner"},
		{"unknown user", "/v1/transfers/by-username", map[string]any{"from_account_id": api.johnSavings, "username": "ghost", "amount": "1.00"}, john, http.StatusNotFound, "recipient_unavailable"},
		{"unknown field", "/v1/payments", map[string]any{"from_account_id": api.johnSavings, "biller": "x", "amount": "1.00"}, john, http.StatusBadRequest, "invalid_request"},
		{"no token", "/v1/transfers", map[string]any{}, nil, http.StatusUnauthorized, "unauthenticated"},
		{"bad token", "/v1/transfers", map[string]any{}, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "invalid_token"},
		{"customer deposit", "/v1/deposits", map[string]any{"account_id": api.janeSavings, "amount": "1.00"}, john, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post(tc.path, tc.body, tc.header)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			body := decode[map[string]any](t, resp)
			if body["code"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["code"])
			}
			if body["error"] == "" || body["request_id"] == nil {
				t.Fatalf("incomplete error body: %v", body)
			}
		})
	}
}

func TestAPIPaymentDepositAndStatistics(t *testing.T) {
	api := newTestAPI(t)
	john := api.john()

	resp := api.post("/v1/payments", map[string]any{
		"from_account_id": api.johnSavings,
		"biller_id":       "city-power",
		"amount":          25,
	}, john)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected payment status: %d", resp.StatusCode)
	}
	rec := decode[map[string]any](t, resp)
	if rec["recipient_display_name"] != "City Power" || rec["type"] != "payment" {
		t.Fatalf("unexpected payment receipt: %v", rec)
	}

	teller := api.bearer("u-teller", "teller", "", "", auth.RoleTeller)
	resp = api.post("/v1/deposits", map[string]any{"account_id": api.johnSavings, "amount": "10.50"}, teller)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected deposit status: %d", resp.StatusCode)
	}
	dep := decode[map[string]any](t, resp)
	if dep["balance"] != "85.50" {
		t.Fatalf("unexpected balance after deposit: %v", dep["balance"])
	}

	year := time.Now().UTC().Year()
	resp = api.get("/v1/statistics", url.Values{"year": []string{strconv.Itoa(year)}}, john)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected statistics status: %d", resp.StatusCode)
	}
	stats := decode[struct {
		Year  int                 `json:"year"`
		Items []statisticResponse `json:"items"`
	}](t, resp)
	if stats.Year != year || len(stats.Items) != 2 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	got := map[string]string{}
	for _, it := range stats.Items {
		got[it.Type] = it.Amount
	}
	if got["spending"] != "25.00" || got["income"] != "10.50" {
		t.Fatalf("unexpected statistic amounts: %v", got)
	}

	resp = api.get("/v1/statistics", url.Values{"year": []string{"20000"}}, john)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad year, got %d", resp.StatusCode)
	}
}

func TestAPIStreamDeliversNotifications(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/notifications/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range api.jane() {
		req.Header.Set(k, v)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	transfer := api.post("/v1/transfers", map[string]any{
		"from_account_id": api.johnSavings,
		"to_account_id":   api.janeSavings,
		"amount":          "40.00",
	}, api.john())
	transfer.Body.Close()
	if transfer.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected transfer status: %d", transfer.StatusCode)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var n ledger.Notification
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if n.UserID != "u-jane" || n.Message != "You received USD 40.00 from John Smith." {
			t.Fatalf("unexpected notification %+v", n)
		}
		return
	}
}

func TestTokenEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user_id": "", "roles": []string{"customer"}}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/token", map[string]any{"user_id": "u-john"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without roles, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointDisabled(t *testing.T) {
	tokens, err := auth.NewTokens("test-secret-0123456789", "bankcore", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	api := New(ReadyCheck{}, nil, nil, tokens, Options{})
	rr := httptest.NewRecorder()
	body := strings.NewReader(`{"user_id":"u-john","roles":["customer"]}`)
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/auth/token", body))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when dev tokens are off, got %d", rr.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	api := New(ReadyCheck{}, nil, nil, nil, Options{Version: "1.2.3"})
	h := api.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id header", path)
		}
	}
}

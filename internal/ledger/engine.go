package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bankcore.io/internal/ids"
	"bankcore.io/internal/obs"
)

var tracer = otel.Tracer("bankcore.io/internal/ledger")

const maxNumberAttempts = 5

// DestinationKind selects how a movement's counterparty is resolved.
type DestinationKind uint8

const (
	DestAccount DestinationKind = iota + 1
	DestUser
	DestBiller
	DestCash
)

// Destination names the counterparty of a debit.
type Destination struct {
	Kind DestinationKind
	// ID is an account id, a username or user id, or a biller id depending on Kind.
	ID string
}

func ToAccount(id string) Destination { return Destination{Kind: DestAccount, ID: id} }
func ToUser(user string) Destination  { return Destination{Kind: DestUser, ID: user} }
func ToBiller(id string) Destination  { return Destination{Kind: DestBiller, ID: id} }
func ToCash() Destination             { return Destination{Kind: DestCash} }

func (d Destination) isZero() bool      { return d.Kind == 0 }
func (d Destination) needsID() bool     { return d.Kind != DestCash }
func (d Destination) trimmedID() string { return strings.TrimSpace(d.ID) }

func (d Destination) txType() TxType {
	switch d.Kind {
	case DestBiller:
		return TxPayment
	case DestCash:
		return TxWithdrawal
	default:
		return TxTransfer
	}
}

// Request carries the caller-supplied part of a debit.
type Request struct {
	SourceAccountID string
	Amount          decimal.Decimal
	Description     string
	Category        string
	IdempotencyKey  string
}

// Movement is a debit of the caller's account towards a destination.
type Movement struct {
	Request
	Destination Destination
}

func (m Movement) validate() error {
	if strings.TrimSpace(m.SourceAccountID) == "" {
		return ErrMissingSource
	}
	if m.Destination.isZero() || (m.Destination.needsID() && m.Destination.trimmedID() == "") {
		return ErrMissingRecipient
	}
	if err := ValidateAmount(m.Amount); err != nil {
		return err
	}
	if len(m.IdempotencyKey) > 128 {
		return Invalid("idempotency key is too long")
	}
	return nil
}

// Receipt is returned for every committed movement.
type Receipt struct {
	TransactionID   string          `json:"transaction_id"`
	ReferenceNumber string          `json:"reference_number"`
	Type            TxType          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	// Balance of the debited account after the movement, or of the credited
	// account for deposits.
	Balance              decimal.Decimal `json:"balance"`
	RecipientDisplayName string          `json:"recipient_display_name,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	Replayed             bool            `json:"replayed,omitempty"`
}

// Engine executes money movements against a Store. It is safe for
// concurrent use; all coordination happens through the store's row locks.
type Engine struct {
	store       Store
	now         func() time.Time
	newID       func() string
	newRef      func() string
	newNumber   func() string
	lockTimeout time.Duration
	hook        func(State)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for records and statistics.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLockTimeout bounds how long one unit may run, lock waits included.
func WithLockTimeout(d time.Duration) Option { return func(e *Engine) { e.lockTimeout = d } }

// WithStateHook is called on every state transition of an attempt.
func WithStateHook(fn func(State)) Option { return func(e *Engine) { e.hook = fn } }

// WithReferenceGenerator replaces ids.NewReferenceNumber.
func WithReferenceGenerator(fn func() string) Option { return func(e *Engine) { e.newRef = fn } }

// WithAccountNumberGenerator replaces ids.NewAccountNumber.
func WithAccountNumberGenerator(fn func() string) Option {
	return func(e *Engine) { e.newNumber = fn }
}

// NewEngine returns an engine bound to store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		now:       time.Now,
		newID:     ids.New,
		newRef:    ids.NewReferenceNumber,
		newNumber: ids.NewAccountNumber,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TransferToAccount moves money to an account identified by id.
func (e *Engine) TransferToAccount(ctx context.Context, caller Caller, req Request, toAccountID string) (Receipt, error) {
	return e.Execute(ctx, caller, Movement{Request: req, Destination: ToAccount(toAccountID)})
}

// TransferToUser moves money to the default account of another user.
func (e *Engine) TransferToUser(ctx context.Context, caller Caller, req Request, username string) (Receipt, error) {
	return e.Execute(ctx, caller, Movement{Request: req, Destination: ToUser(username)})
}

// PayBill debits the caller's account towards a registered biller.
func (e *Engine) PayBill(ctx context.Context, caller Caller, req Request, billerID string) (Receipt, error) {
	return e.Execute(ctx, caller, Movement{Request: req, Destination: ToBiller(billerID)})
}

// Withdraw debits the caller's account with no credited counterparty.
func (e *Engine) Withdraw(ctx context.Context, caller Caller, req Request) (Receipt, error) {
	return e.Execute(ctx, caller, Movement{Request: req, Destination: ToCash()})
}

// Execute runs one movement as a single atomic unit: either every effect
// (balances, transaction record, statistics, notifications) commits or none does.
func (e *Engine) Execute(ctx context.Context, caller Caller, mv Movement) (Receipt, error) {
	kind := mv.Destination.txType()
	ctx, span := tracer.Start(ctx, "ledger.Execute", trace.WithAttributes(
		attribute.String("ledger.kind", string(kind)),
		attribute.String("ledger.source", mv.SourceAccountID),
	))
	defer span.End()

	att := &attempt{span: span, hook: e.hook}
	start := time.Now()
	rec, err := e.execute(ctx, caller, mv, att)
	e.finish(span, att, string(kind), start, err)
	return rec, err
}

func (e *Engine) execute(ctx context.Context, caller Caller, mv Movement, att *attempt) (Receipt, error) {
	if strings.TrimSpace(caller.ID) == "" {
		return Receipt{}, ErrUnauthenticated
	}
	mv.SourceAccountID = strings.TrimSpace(mv.SourceAccountID)
	mv.Destination.ID = mv.Destination.trimmedID()
	if err := mv.validate(); err != nil {
		return Receipt{}, err
	}
	att.span.SetAttributes(attribute.String("ledger.amount", mv.Amount.String()))
	att.enter(StateValidated)

	ctx, cancel := e.unitContext(ctx)
	defer cancel()

	var rec Receipt
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		lockStart := time.Now()
		src, peer, err := e.lockParties(ctx, tx, caller, mv)
		obs.ObserveLockWait(time.Since(lockStart))
		if err != nil {
			return err
		}
		att.enter(StateLocked)

		if mv.IdempotencyKey != "" {
			prev, err := tx.Transactions().FindByIdempotencyKey(ctx, caller.ID, mv.IdempotencyKey)
			switch {
			case err == nil:
				same, err := e.sameRequest(ctx, tx, mv, prev)
				if err != nil {
					return err
				}
				if !same {
					return ErrIdempotencyMismatch
				}
				rec = receiptFor(prev, src.Balance, e.counterpartyName(ctx, tx, prev))
				rec.Replayed = true
				return nil
			case !errors.Is(err, ErrTransactionNotFound):
				return err
			}
		}

		cp, err := e.resolve(ctx, tx, src, mv.Destination, peer)
		if err != nil {
			return err
		}
		if src.Balance.LessThan(mv.Amount) {
			return ErrInsufficientFunds
		}
		balance, err := tx.Accounts().AdjustBalance(ctx, src.ID, mv.Amount.Neg())
		if err != nil {
			return err
		}
		if cp.account != nil {
			if _, err := tx.Accounts().AdjustBalance(ctx, cp.account.ID, mv.Amount); err != nil {
				return err
			}
		}
		att.enter(StateApplied)

		now := e.now().UTC()
		t := Transaction{
			ID:              e.newID(),
			ReferenceNumber: e.newRef(),
			FromAccountID:   src.ID,
			InitiatorID:     caller.ID,
			Amount:          mv.Amount,
			Currency:        src.Currency,
			Type:            mv.Destination.txType(),
			Status:          TxCompleted,
			Category:        firstNonEmpty(mv.Category, cp.category),
			Description:     firstNonEmpty(mv.Description, cp.description),
			IdempotencyKey:  mv.IdempotencyKey,
			CreatedAt:       now,
		}
		if cp.account != nil {
			t.ToAccountID = cp.account.ID
		}
		if cp.biller != nil {
			t.BillerID = cp.biller.ID
		}
		if err := t.Validate(); err != nil {
			return Infrastructure("build transaction", err)
		}
		if err := tx.Transactions().Insert(ctx, t); err != nil {
			return err
		}
		att.enter(StateRecorded)

		if err := tx.Statistics().Add(ctx, statKey(caller.ID, StatSpending, now), mv.Amount); err != nil {
			return err
		}
		if cp.account != nil {
			if err := tx.Statistics().Add(ctx, statKey(cp.account.OwnerID, StatIncome, now), mv.Amount); err != nil {
				return err
			}
		}
		for _, n := range e.movementNotices(caller, cp, t) {
			if err := tx.Notifications().Notify(ctx, n); err != nil {
				return err
			}
		}

		// A unit whose deadline passed must not commit.
		if err := ctx.Err(); err != nil {
			return Infrastructure("commit movement", err)
		}
		rec = receiptFor(t, balance, cp.name)
		return nil
	})
	if err != nil {
		att.enter(StateRolledBack)
		return Receipt{}, err
	}
	att.enter(StateCommitted)
	return rec, nil
}

// Deposit credits an account with cash received by a teller. It is the only
// movement that increases the total held by the bank.
func (e *Engine) Deposit(ctx context.Context, teller Caller, accountID string, amount decimal.Decimal, description, idemKey string) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "ledger.Deposit", trace.WithAttributes(
		attribute.String("ledger.destination", accountID),
	))
	defer span.End()

	att := &attempt{span: span, hook: e.hook}
	start := time.Now()
	rec, err := e.deposit(ctx, teller, strings.TrimSpace(accountID), amount, description, idemKey, att)
	e.finish(span, att, string(TxDeposit), start, err)
	return rec, err
}

func (e *Engine) deposit(ctx context.Context, teller Caller, accountID string, amount decimal.Decimal, description, idemKey string, att *attempt) (Receipt, error) {
	if strings.TrimSpace(teller.ID) == "" {
		return Receipt{}, ErrUnauthenticated
	}
	if accountID == "" {
		return Receipt{}, ErrMissingRecipient
	}
	if err := ValidateAmount(amount); err != nil {
		return Receipt{}, err
	}
	att.span.SetAttributes(attribute.String("ledger.amount", amount.String()))
	att.enter(StateValidated)

	ctx, cancel := e.unitContext(ctx)
	defer cancel()

	var rec Receipt
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		acc, err := tx.Accounts().GetForUpdate(ctx, accountID, LockFilter{})
		if err != nil {
			return err
		}
		if acc.Status != StatusActive {
			return ErrRecipientUnavailable.With("account is not active")
		}
		att.enter(StateLocked)

		holder, err := tx.Accounts().Holder(ctx, acc.OwnerID)
		if err != nil && !errors.Is(err, ErrHolderNotFound) {
			return err
		}
		name := displayNameOr(holder, acc)

		if idemKey != "" {
			prev, err := tx.Transactions().FindByIdempotencyKey(ctx, teller.ID, idemKey)
			switch {
			case err == nil:
				if prev.Type != TxDeposit || prev.ToAccountID != acc.ID || !prev.Amount.Equal(amount) {
					return ErrIdempotencyMismatch
				}
				rec = receiptFor(prev, acc.Balance, name)
				rec.Replayed = true
				return nil
			case !errors.Is(err, ErrTransactionNotFound):
				return err
			}
		}

		balance, err := tx.Accounts().AdjustBalance(ctx, acc.ID, amount)
		if err != nil {
			return err
		}
		att.enter(StateApplied)

		now := e.now().UTC()
		t := Transaction{
			ID:              e.newID(),
			ReferenceNumber: e.newRef(),
			ToAccountID:     acc.ID,
			InitiatorID:     teller.ID,
			Amount:          amount,
			Currency:        acc.Currency,
			Type:            TxDeposit,
			Status:          TxCompleted,
			Category:        "deposit",
			Description:     firstNonEmpty(description, "Cash deposit"),
			IdempotencyKey:  idemKey,
			CreatedAt:       now,
		}
		if err := tx.Transactions().Insert(ctx, t); err != nil {
			return err
		}
		att.enter(StateRecorded)

		if err := tx.Statistics().Add(ctx, statKey(acc.OwnerID, StatIncome, now), amount); err != nil {
			return err
		}
		if err := tx.Notifications().Notify(ctx, Notification{
			ID:        e.newID(),
			UserID:    acc.OwnerID,
			Title:     "Deposit received",
			Message:   "A deposit of " + FormatMoney(acc.Currency, amount) + " was credited to your account.",
			Severity:  SeveritySuccess,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return Infrastructure("commit deposit", err)
		}
		rec = receiptFor(t, balance, name)
		return nil
	})
	if err != nil {
		att.enter(StateRolledBack)
		return Receipt{}, err
	}
	att.enter(StateCommitted)
	return rec, nil
}

// OpenAccountParams describes a new account. InitialBalance is the funding
// recorded at registration and may be zero.
type OpenAccountParams struct {
	OwnerID        string
	Type           AccountType
	Currency       string
	InitialBalance decimal.Decimal
}

// OpenAccount creates an account with a freshly generated unique number.
func (e *Engine) OpenAccount(ctx context.Context, p OpenAccountParams) (Account, error) {
	if p.Type == "" {
		p.Type = AccountSavings
	}
	if !p.InitialBalance.IsZero() {
		if err := ValidateAmount(p.InitialBalance); err != nil {
			return Account{}, err
		}
	}
	var acc Account
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Accounts().Holder(ctx, p.OwnerID); err != nil {
			return err
		}
		number, err := e.freeNumber(ctx, tx)
		if err != nil {
			return err
		}
		acc, err = NewAccount(e.newID(), p.OwnerID, number, p.Type, p.Currency, p.InitialBalance, StatusActive, e.now().UTC())
		if err != nil {
			return err
		}
		return tx.Accounts().Create(ctx, acc)
	})
	if err != nil {
		return Account{}, err
	}
	obs.Log("info", "account opened", map[string]any{"account_id": acc.ID, "owner_id": acc.OwnerID, "type": string(acc.Type)})
	return acc, nil
}

func (e *Engine) freeNumber(ctx context.Context, tx Tx) (string, error) {
	for i := 0; i < maxNumberAttempts; i++ {
		n := e.newNumber()
		taken, err := tx.Accounts().NumberExists(ctx, n)
		if err != nil {
			return "", err
		}
		if !taken {
			return n, nil
		}
	}
	return "", ErrAccountNumberTaken.With("no free account number after retries")
}

// Account returns one of the caller's accounts.
func (e *Engine) Account(ctx context.Context, caller Caller, id string) (Account, error) {
	acc, err := e.store.Account(ctx, strings.TrimSpace(id))
	if err != nil {
		return Account{}, err
	}
	if acc.OwnerID != caller.ID {
		return Account{}, ErrForbidden
	}
	return acc, nil
}

// Accounts lists the caller's accounts, oldest first.
func (e *Engine) Accounts(ctx context.Context, caller Caller) ([]Account, error) {
	if caller.ID == "" {
		return nil, ErrUnauthenticated
	}
	return e.store.AccountsByOwner(ctx, caller.ID)
}

// History returns the newest movements touching one of the caller's accounts.
func (e *Engine) History(ctx context.Context, caller Caller, accountID string, limit int) ([]Transaction, error) {
	acc, err := e.Account(ctx, caller, accountID)
	if err != nil {
		return nil, err
	}
	return e.store.History(ctx, acc.ID, limit)
}

// Statistics returns the caller's monthly aggregates for a year.
func (e *Engine) Statistics(ctx context.Context, caller Caller, year int) ([]MonthlyStatistic, error) {
	if caller.ID == "" {
		return nil, ErrUnauthenticated
	}
	if year < 1970 || year > 9999 {
		return nil, Invalid("year out of range")
	}
	return e.store.Statistics(ctx, caller.ID, year)
}

func (e *Engine) unitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.lockTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.lockTimeout)
}

func (e *Engine) finish(span trace.Span, att *attempt, kind string, start time.Time, err error) {
	outcome := "committed"
	if err != nil {
		outcome = KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, CodeOf(err))
	}
	obs.ObserveMovement(kind, outcome, time.Since(start))
	if err != nil && KindOf(err) == KindInfrastructure {
		fields := map[string]any{"kind": kind, "state": att.state.String(), "error": err.Error()}
		if cause := errors.Unwrap(err); cause != nil {
			fields["cause"] = cause.Error()
		}
		obs.Log("error", "ledger movement failed", fields)
	}
}

// counterparty is the resolved destination of a debit.
type counterparty struct {
	account     *Account
	biller      *Biller
	name        string
	category    string
	description string
}

// peerLock is the credited account of an account-to-account movement. A
// resolution failure is kept in err and reported after the source checks.
type peerLock struct {
	id  string
	acc Account
	err error
}

// lockParties locks the source and, for account destinations, the credited
// account. Rows are locked in ascending id order so that two transfers in
// opposite directions never wait on each other.
func (e *Engine) lockParties(ctx context.Context, tx Tx, caller Caller, mv Movement) (Account, peerLock, error) {
	var peer peerLock
	id, err := e.peerAccountID(ctx, tx, mv.Destination)
	switch {
	case errors.Is(err, ErrRecipientUnavailable):
		peer.err = err
	case err != nil:
		return Account{}, peer, err
	}
	peer.id = id

	lockPeer := func() error {
		acc, err := tx.Accounts().GetForUpdate(ctx, peer.id, LockFilter{})
		switch {
		case errors.Is(err, ErrAccountNotFound):
			peer.err = ErrRecipientUnavailable
		case err != nil:
			return err
		default:
			peer.acc = acc
		}
		return nil
	}
	separate := peer.id != "" && peer.id != mv.SourceAccountID
	if separate && peer.id < mv.SourceAccountID {
		if err := lockPeer(); err != nil {
			return Account{}, peer, err
		}
	}
	src, err := tx.Accounts().GetForUpdate(ctx, mv.SourceAccountID, LockFilter{OwnerID: caller.ID, Status: StatusActive})
	if err != nil {
		return Account{}, peer, sourceError(err)
	}
	if separate && peer.id > mv.SourceAccountID {
		if err := lockPeer(); err != nil {
			return Account{}, peer, err
		}
	}
	return src, peer, nil
}

// peerAccountID names the account d credits, or "" for billers and cash.
// Usernames resolve to the user's savings account, else any active one.
func (e *Engine) peerAccountID(ctx context.Context, tx Tx, d Destination) (string, error) {
	switch d.Kind {
	case DestAccount:
		return d.ID, nil
	case DestUser:
		acc, err := tx.Accounts().FindDefaultForUser(ctx, d.ID, AccountSavings)
		if errors.Is(err, ErrAccountNotFound) {
			acc, err = tx.Accounts().FindDefaultForUser(ctx, d.ID, "")
		}
		if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrHolderNotFound) {
			return "", ErrRecipientUnavailable
		}
		if err != nil {
			return "", err
		}
		return acc.ID, nil
	}
	return "", nil
}

func (e *Engine) resolve(ctx context.Context, tx Tx, src Account, d Destination, peer peerLock) (counterparty, error) {
	switch d.Kind {
	case DestAccount, DestUser:
		if peer.err != nil {
			return counterparty{}, peer.err
		}
		if peer.id == src.ID {
			return counterparty{}, ErrSameAccount
		}
		return e.accountCounterparty(ctx, tx, src, peer.acc)
	case DestBiller:
		b, err := tx.Billers().Find(ctx, d.ID)
		if err != nil {
			return counterparty{}, err
		}
		if !b.Active {
			return counterparty{}, ErrBillerNotFound.With("biller is not active")
		}
		return counterparty{
			biller:      &b,
			name:        b.Name,
			category:    firstNonEmpty(b.Category, "bills"),
			description: "Payment to " + b.Name,
		}, nil
	case DestCash:
		return counterparty{category: "cash", description: "Cash withdrawal"}, nil
	}
	return counterparty{}, ErrMissingRecipient
}

func (e *Engine) accountCounterparty(ctx context.Context, tx Tx, src, acc Account) (counterparty, error) {
	if acc.Status != StatusActive {
		return counterparty{}, ErrRecipientUnavailable.With("account is not active")
	}
	if acc.Currency != src.Currency {
		return counterparty{}, ErrCurrencyMismatch
	}
	holder, err := tx.Accounts().Holder(ctx, acc.OwnerID)
	if err != nil && !errors.Is(err, ErrHolderNotFound) {
		return counterparty{}, err
	}
	name := displayNameOr(holder, acc)
	return counterparty{
		account:     &acc,
		name:        name,
		category:    "transfer",
		description: "Transfer to " + name,
	}, nil
}

// counterpartyName is best effort; a replayed receipt without a name is still valid.
func (e *Engine) counterpartyName(ctx context.Context, tx Tx, t Transaction) string {
	switch {
	case t.BillerID != "":
		if b, err := tx.Billers().Find(ctx, t.BillerID); err == nil {
			return b.Name
		}
	case t.ToAccountID != "":
		acc, err := tx.Accounts().Get(ctx, t.ToAccountID)
		if err != nil {
			return ""
		}
		h, _ := tx.Accounts().Holder(ctx, acc.OwnerID)
		return displayNameOr(h, acc)
	}
	return ""
}

func (e *Engine) movementNotices(caller Caller, cp counterparty, t Transaction) []Notification {
	amount := FormatMoney(t.Currency, t.Amount)
	sender := Notification{
		ID:        e.newID(),
		UserID:    caller.ID,
		Severity:  SeverityInfo,
		CreatedAt: t.CreatedAt,
	}
	switch t.Type {
	case TxPayment:
		sender.Title = "Bill paid"
		sender.Message = "You paid " + amount + " to " + cp.name + "."
	case TxWithdrawal:
		sender.Title = "Cash withdrawn"
		sender.Message = "You withdrew " + amount + "."
	default:
		sender.Title = "Money sent"
		sender.Message = "You sent " + amount + " to " + cp.name + "."
	}
	out := []Notification{sender}
	if cp.account != nil {
		out = append(out, Notification{
			ID:        e.newID(),
			UserID:    cp.account.OwnerID,
			Title:     "Money received",
			Message:   "You received " + amount + " from " + caller.DisplayName() + ".",
			Severity:  SeveritySuccess,
			CreatedAt: t.CreatedAt,
		})
	}
	return out
}

// sameAs compares a stored transaction with the request fields that are
// known before resolution.
func (m Movement) sameAs(t Transaction) bool {
	if t.Type != m.Destination.txType() || t.FromAccountID != m.SourceAccountID || !t.Amount.Equal(m.Amount) {
		return false
	}
	switch m.Destination.Kind {
	case DestAccount:
		return t.ToAccountID == m.Destination.ID
	case DestBiller:
		return t.BillerID == m.Destination.ID
	}
	return true
}

// sameRequest reports whether prev was produced by mv. A username
// destination matches when it names the owner of the account prev credited,
// even if that user's default account has changed since.
func (e *Engine) sameRequest(ctx context.Context, tx Tx, mv Movement, prev Transaction) (bool, error) {
	if !mv.sameAs(prev) {
		return false, nil
	}
	if mv.Destination.Kind != DestUser {
		return true, nil
	}
	acc, err := tx.Accounts().Get(ctx, prev.ToAccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if acc.OwnerID == mv.Destination.ID {
		return true, nil
	}
	h, err := tx.Accounts().Holder(ctx, acc.OwnerID)
	if errors.Is(err, ErrHolderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(h.Username, mv.Destination.ID), nil
}

func sourceError(err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return ErrSourceUnavailable
	}
	return err
}

func receiptFor(t Transaction, balance decimal.Decimal, name string) Receipt {
	return Receipt{
		TransactionID:        t.ID,
		ReferenceNumber:      t.ReferenceNumber,
		Type:                 t.Type,
		Amount:               t.Amount,
		Currency:             t.Currency,
		Balance:              balance,
		RecipientDisplayName: name,
		CreatedAt:            t.CreatedAt,
	}
}

func displayNameOr(h Holder, acc Account) string {
	if name := h.DisplayName(); name != "" {
		return name
	}
	n := acc.AccountNumber
	if len(n) > 4 {
		n = n[len(n)-4:]
	}
	return "account ending " + n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

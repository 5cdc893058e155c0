package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Memory is an in-process Store. Writes inside a unit are staged and applied
// at commit under a single mutex, so readers never observe a partial unit.
// Row locks are one-slot channels so that waiting honours context deadlines.
type Memory struct {
	mu        sync.RWMutex
	holders   map[string]Holder
	usernames map[string]string
	accounts  map[string]Account
	numbers   map[string]string
	billers   map[string]Biller
	txs       []Transaction
	refs      map[string]struct{}
	idem      map[string]int
	stats     map[StatKey]decimal.Decimal
	notes     []Notification

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	now     func() time.Time
	publish func(Notification)
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithPublisher receives every notification after its unit commits.
func WithPublisher(fn func(Notification)) MemoryOption {
	return func(m *Memory) { m.publish = fn }
}

// NewMemory creates an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		holders:   make(map[string]Holder),
		usernames: make(map[string]string),
		accounts:  make(map[string]Account),
		numbers:   make(map[string]string),
		billers:   make(map[string]Biller),
		refs:      make(map[string]struct{}),
		idem:      make(map[string]int),
		stats:     make(map[StatKey]decimal.Decimal),
		locks:     make(map[string]chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddHolder registers a user. Usernames are unique and case-insensitive.
func (m *Memory) AddHolder(h Holder) error {
	if strings.TrimSpace(h.ID) == "" || strings.TrimSpace(h.Username) == "" {
		return Invalid("holder id and username are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(h.Username)
	if id, ok := m.usernames[key]; ok && id != h.ID {
		return Invalid("username already taken")
	}
	m.holders[h.ID] = h
	m.usernames[key] = h.ID
	return nil
}

// AddBiller registers or replaces a biller.
func (m *Memory) AddBiller(b Biller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billers[b.ID] = b
}

// SetStatus changes an account status outside of any movement.
func (m *Memory) SetStatus(id string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Status = status
	acc.UpdatedAt = m.now().UTC()
	m.accounts[id] = acc
	return nil
}

// Snapshot is a copy of the committed state.
type Snapshot struct {
	Balances      map[string]decimal.Decimal
	Transactions  []Transaction
	Statistics    map[StatKey]decimal.Decimal
	Notifications []Notification
}

// Total sums all balances.
func (s Snapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, b := range s.Balances {
		total = total.Add(b)
	}
	return total
}

// Snapshot copies the committed state.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Balances:      make(map[string]decimal.Decimal, len(m.accounts)),
		Transactions:  append([]Transaction(nil), m.txs...),
		Statistics:    make(map[StatKey]decimal.Decimal, len(m.stats)),
		Notifications: append([]Notification(nil), m.notes...),
	}
	for id, acc := range m.accounts {
		s.Balances[id] = acc.Balance
	}
	for k, v := range m.stats {
		s.Statistics[k] = v
	}
	return s
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return Infrastructure("begin unit", err)
	}
	tx := &memTx{
		m:      m,
		held:   make(map[string]chan struct{}),
		deltas: make(map[string]decimal.Decimal),
		stats:  make(map[StatKey]decimal.Decimal),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Infrastructure("commit unit", err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	if m.publish != nil {
		for _, n := range tx.notes {
			m.publish(n)
		}
	}
	return nil
}

func (m *Memory) Account(ctx context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (m *Memory) AccountsByOwner(ctx context.Context, ownerID string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	for _, acc := range m.accounts {
		if acc.OwnerID == ownerID {
			out = append(out, acc)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *Memory) History(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.txs[i]
		if t.FromAccountID == accountID || t.ToAccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) Statistics(ctx context.Context, userID string, year int) ([]MonthlyStatistic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MonthlyStatistic
	for k, v := range m.stats {
		if k.UserID == userID && k.Year == year {
			out = append(out, MonthlyStatistic{UserID: k.UserID, Type: k.Type, Month: k.Month, Year: k.Year, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (m *Memory) rowLock(id string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	return ch
}

func idemKey(initiatorID, key string) string { return initiatorID + "\x00" + key }

func sortAccounts(accs []Account) {
	sort.Slice(accs, func(i, j int) bool {
		if !accs[i].CreatedAt.Equal(accs[j].CreatedAt) {
			return accs[i].CreatedAt.Before(accs[j].CreatedAt)
		}
		return accs[i].ID < accs[j].ID
	})
}

// memTx is one unit of work against Memory.
type memTx struct {
	m       *Memory
	held    map[string]chan struct{}
	deltas  map[string]decimal.Decimal
	created []Account
	txs     []Transaction
	stats   map[StatKey]decimal.Decimal
	notes   []Notification
}

func (tx *memTx) Accounts() AccountStore       { return memAccounts{tx} }
func (tx *memTx) Transactions() TransactionLog { return memLog{tx} }
func (tx *memTx) Statistics() StatisticsRollup { return memStats{tx} }
func (tx *memTx) Notifications() Notifier      { return memNotifier{tx} }
func (tx *memTx) Billers() BillerDirectory     { return memBillers{tx} }

func (tx *memTx) lock(ctx context.Context, id string) error {
	if _, ok := tx.held[id]; ok {
		return nil
	}
	ch := tx.m.rowLock(id)
	select {
	case ch <- struct{}{}:
		tx.held[id] = ch
		return nil
	case <-ctx.Done():
		return Infrastructure("lock account "+id, ctx.Err())
	}
}

func (tx *memTx) release() {
	for id, ch := range tx.held {
		<-ch
		delete(tx.held, id)
	}
}

// current returns the account as seen by this unit.
func (tx *memTx) current(id string) (Account, error) {
	tx.m.mu.RLock()
	acc, ok := tx.m.accounts[id]
	tx.m.mu.RUnlock()
	if !ok {
		for _, c := range tx.created {
			if c.ID == id {
				acc, ok = c, true
				break
			}
		}
	}
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	acc.Balance = acc.Balance.Add(tx.deltas[id])
	return acc, nil
}

func (tx *memTx) commit() error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range tx.created {
		if _, ok := m.numbers[acc.AccountNumber]; ok {
			return ErrAccountNumberTaken
		}
		if _, ok := m.accounts[acc.ID]; ok {
			return Invalid("account id already exists")
		}
	}
	base := make(map[string]Account, len(tx.created))
	for _, acc := range tx.created {
		base[acc.ID] = acc
	}
	for id, d := range tx.deltas {
		acc, ok := m.accounts[id]
		if !ok {
			if acc, ok = base[id]; !ok {
				return ErrAccountNotFound
			}
		}
		next := acc.Balance.Add(d)
		if next.IsNegative() {
			return ErrInsufficientFunds
		}
		if next.GreaterThan(MaxAmount) {
			return ErrBalanceLimit
		}
	}
	for _, t := range tx.txs {
		if _, ok := m.refs[t.ReferenceNumber]; ok {
			return ErrDuplicateReference
		}
		if t.IdempotencyKey != "" {
			if _, ok := m.idem[idemKey(t.InitiatorID, t.IdempotencyKey)]; ok {
				return ErrDuplicateRequest
			}
		}
	}

	now := m.now().UTC()
	for _, acc := range tx.created {
		m.accounts[acc.ID] = acc
		m.numbers[acc.AccountNumber] = acc.ID
	}
	for id, d := range tx.deltas {
		acc := m.accounts[id]
		acc.Balance = acc.Balance.Add(d)
		acc.UpdatedAt = now
		m.accounts[id] = acc
	}
	for _, t := range tx.txs {
		m.refs[t.ReferenceNumber] = struct{}{}
		if t.IdempotencyKey != "" {
			m.idem[idemKey(t.InitiatorID, t.IdempotencyKey)] = len(m.txs)
		}
		m.txs = append(m.txs, t)
	}
	for k, v := range tx.stats {
		m.stats[k] = m.stats[k].Add(v)
	}
	m.notes = append(m.notes, tx.notes...)
	return nil
}

type memAccounts struct{ tx *memTx }

func (a memAccounts) GetForUpdate(ctx context.Context, id string, filter LockFilter) (Account, error) {
	if _, err := a.tx.current(id); err != nil {
		return Account{}, err
	}
	if err := a.tx.lock(ctx, id); err != nil {
		return Account{}, err
	}
	acc, err := a.tx.current(id)
	if err != nil {
		return Account{}, err
	}
	if err := filter.Check(acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (a memAccounts) Get(ctx context.Context, id string) (Account, error) {
	return a.tx.current(id)
}

func (a memAccounts) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsNegative() {
		if _, ok := a.tx.held[id]; !ok {
			return decimal.Zero, Infrastructure("adjust balance", errors.New("debit of "+id+" without row lock"))
		}
	}
	acc, err := a.tx.current(id)
	if err != nil {
		return decimal.Zero, err
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientFunds
	}
	if next.GreaterThan(MaxAmount) {
		return decimal.Zero, ErrBalanceLimit
	}
	a.tx.deltas[id] = a.tx.deltas[id].Add(delta)
	return next, nil
}

func (a memAccounts) FindDefaultForUser(ctx context.Context, user string, requiredType AccountType) (Account, error) {
	m := a.tx.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	ownerID := user
	if _, ok := m.holders[user]; !ok {
		id, ok := m.usernames[strings.ToLower(user)]
		if !ok {
			return Account{}, ErrHolderNotFound
		}
		ownerID = id
	}
	var candidates []Account
	for _, acc := range m.accounts {
		if acc.OwnerID != ownerID || acc.Status != StatusActive {
			continue
		}
		if requiredType != "" && acc.Type != requiredType {
			continue
		}
		candidates = append(candidates, acc)
	}
	if len(candidates) == 0 {
		return Account{}, ErrAccountNotFound
	}
	sortAccounts(candidates)
	acc := candidates[0]
	acc.Balance = acc.Balance.Add(a.tx.deltas[acc.ID])
	return acc, nil
}

func (a memAccounts) Holder(ctx context.Context, userID string) (Holder, error) {
	m := a.tx.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holders[userID]
	if !ok {
		return Holder{}, ErrHolderNotFound
	}
	return h, nil
}

func (a memAccounts) NumberExists(ctx context.Context, number string) (bool, error) {
	for _, c := range a.tx.created {
		if c.AccountNumber == number {
			return true, nil
		}
	}
	m := a.tx.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.numbers[number]
	return ok, nil
}

func (a memAccounts) Create(ctx context.Context, acc Account) error {
	if exists, _ := a.NumberExists(ctx, acc.AccountNumber); exists {
		return ErrAccountNumberTaken
	}
	a.tx.created = append(a.tx.created, acc)
	return nil
}

type memLog struct{ tx *memTx }

func (l memLog) Insert(ctx context.Context, t Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, p := range l.tx.txs {
		if p.ReferenceNumber == t.ReferenceNumber {
			return ErrDuplicateReference
		}
	}
	l.tx.m.mu.RLock()
	_, taken := l.tx.m.refs[t.ReferenceNumber]
	l.tx.m.mu.RUnlock()
	if taken {
		return ErrDuplicateReference
	}
	l.tx.txs = append(l.tx.txs, t)
	return nil
}

func (l memLog) FindByIdempotencyKey(ctx context.Context, initiatorID, key string) (Transaction, error) {
	for _, t := range l.tx.txs {
		if t.InitiatorID == initiatorID && t.IdempotencyKey == key {
			return t, nil
		}
	}
	m := l.tx.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.idem[idemKey(initiatorID, key)]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return m.txs[i], nil
}

type memStats struct{ tx *memTx }

func (s memStats) Add(ctx context.Context, key StatKey, amount decimal.Decimal) error {
	if key.UserID == "" {
		return Invalid("statistic needs a user")
	}
	s.tx.stats[key] = s.tx.stats[key].Add(amount)
	return nil
}

type memNotifier struct{ tx *memTx }

func (n memNotifier) Notify(ctx context.Context, note Notification) error {
	if note.UserID == "" {
		return Invalid("notification needs a user")
	}
	n.tx.notes = append(n.tx.notes, note)
	return nil
}

type memBillers struct{ tx *memTx }

func (b memBillers) Find(ctx context.Context, id string) (Biller, error) {
	m := b.tx.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	biller, ok := m.billers[id]
	if !ok {
		return Biller{}, ErrBillerNotFound
	}
	return biller, nil
}

package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"bankcore.io/internal/ledger"
)

var testNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner_id", "account_number", "type", "balance", "currency", "status", "created_at", "updated_at"})
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func newEngine(store *Store) *ledger.Engine {
	return ledger.NewEngine(store,
		ledger.WithClock(func() time.Time { return testNow }),
		ledger.WithReferenceGenerator(func() string { return "TXNTEST-00001" }),
	)
}

var john = ledger.Caller{ID: "u-john", Username: "john", FirstName: "John", LastName: "Smith"}

func TestTransferRunsInOneUnit(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`from accounts where id = \$1 for update`).WithArgs("acc-dst").
		WillReturnRows(accountRows().AddRow("acc-dst", "u-jane", "4070000000000002", "savings", "5.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from accounts where id = \$1 for update`).WithArgs("acc-src").
		WillReturnRows(accountRows().AddRow("acc-src", "u-john", "4070000000000001", "savings", "100.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from users where id = \$1`).WithArgs("u-jane").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "first_name", "last_name"}).AddRow("u-jane", "jane", "Jane", "Doe"))
	mock.ExpectQuery(`update accounts set balance = balance \+ \$2`).WithArgs("acc-src", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("60.00"))
	mock.ExpectQuery(`update accounts set balance = balance \+ \$2`).WithArgs("acc-dst", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("45.00"))
	mock.ExpectExec(`insert into transactions`).
		WithArgs(sqlmock.AnyArg(), "TXNTEST-00001", "acc-src", "acc-dst", "", "u-john", sqlmock.AnyArg(), "USD",
			"transfer", "completed", "transfer", "Transfer to Jane Doe", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into monthly_statistics`).WithArgs("u-john", "spending", 10, 2026, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into monthly_statistics`).WithArgs("u-jane", "income", 10, 2026, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for range 2 {
		mock.ExpectExec(`insert into notifications`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`select pg_notify`).WithArgs(DefaultChannel, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	rec, err := newEngine(store).TransferToAccount(context.Background(), john,
		ledger.Request{SourceAccountID: "acc-src", Amount: decimal.RequireFromString("40.00")}, "acc-dst")
	if err != nil {
		t.Fatalf("TransferToAccount: %v", err)
	}
	if !rec.Balance.Equal(decimal.RequireFromString("60")) || rec.ReferenceNumber != "TXNTEST-00001" || rec.RecipientDisplayName != "Jane Doe" {
		t.Fatalf("unexpected receipt %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferLocksLowerIDFirst(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`from accounts where id = \$1 for update`).WithArgs("acc-a").
		WillReturnRows(accountRows().AddRow("acc-a", "u-jane", "4070000000000002", "savings", "5.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from accounts where id = \$1 for update`).WithArgs("acc-src").
		WillReturnRows(accountRows().AddRow("acc-src", "u-john", "4070000000000001", "savings", "100.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from users where id = \$1`).WithArgs("u-jane").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "first_name", "last_name"}).AddRow("u-jane", "jane", "Jane", "Doe"))
	mock.ExpectQuery(`update accounts set balance = balance \+ \$2`).WithArgs("acc-src", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("90.00"))
	mock.ExpectQuery(`update accounts set balance = balance \+ \$2`).WithArgs("acc-a", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("15.00"))
	mock.ExpectExec(`insert into transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into monthly_statistics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into monthly_statistics`).WillReturnResult(sqlmock.NewResult(0, 1))
	for range 2 {
		mock.ExpectExec(`insert into notifications`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`select pg_notify`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	_, err := newEngine(store).TransferToAccount(context.Background(), john,
		ledger.Request{SourceAccountID: "acc-src", Amount: decimal.RequireFromString("10.00")}, "acc-a")
	if err != nil {
		t.Fatalf("TransferToAccount: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferToUserResolvesBeforeLocking(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`from accounts a\s+join users u`).WithArgs("jane", "savings").
		WillReturnRows(accountRows().AddRow("acc-a", "u-jane", "4070000000000002", "savings", "5.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from accounts where id = \$1 for update`).WithArgs("acc-a").
		WillReturnRows(accountRows().AddRow("acc-a", "u-jane", "4070000000000002", "savings", "5.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from accounts where id = \$1 for update`).WithArgs("acc-src").
		WillReturnRows(accountRows().AddRow("acc-src", "u-john", "4070000000000001", "savings", "3.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from users where id = \$1`).WithArgs("u-jane").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "first_name", "last_name"}).AddRow("u-jane", "jane", "Jane", "Doe"))
	mock.ExpectRollback()

	_, err := newEngine(store).TransferToUser(context.Background(), john,
		ledger.Request{SourceAccountID: "acc-src", Amount: decimal.RequireFromString("10.00")}, "jane")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsufficientFundsRollsBack(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WithArgs("acc-src").
		WillReturnRows(accountRows().AddRow("acc-src", "u-john", "4070000000000001", "savings", "10.00", "USD", "active", testNow, testNow))
	mock.ExpectQuery(`from billers where id = \$1`).WithArgs("city-power").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "category", "active"}).AddRow("city-power", "City Power", "utilities", true))
	mock.ExpectRollback()

	_, err := newEngine(store).PayBill(context.Background(), john,
		ledger.Request{SourceAccountID: "acc-src", Amount: decimal.RequireFromString("50.00")}, "city-power")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWrongOwnerRollsBack(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WithArgs("acc-jane").
		WillReturnRows(accountRows().AddRow("acc-jane", "u-jane", "4070000000000002", "savings", "10.00", "USD", "active", testNow, testNow))
	mock.ExpectRollback()

	_, err := newEngine(store).Withdraw(context.Background(), john,
		ledger.Request{SourceAccountID: "acc-jane", Amount: decimal.RequireFromString("1.00")})
	if !errors.Is(err, ledger.ErrNotAccountOwner) {
		t.Fatalf("expected ErrNotAccountOwner, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDriverFailureIsInfrastructure(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WillReturnError(errors.New("conn reset by peer"))
	mock.ExpectRollback()

	_, err := newEngine(store).Withdraw(context.Background(), john,
		ledger.Request{SourceAccountID: "acc-src", Amount: decimal.RequireFromString("1.00")})
	if ledger.KindOf(err) != ledger.KindInfrastructure {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if ledger.PublicMessage(err) != "internal error" {
		t.Fatalf("driver detail leaked: %q", ledger.PublicMessage(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdjustBalanceGuard(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`update accounts`).WithArgs("acc-src", sqlmock.AnyArg()).WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(`select exists`).WithArgs("acc-src").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`update accounts`).WithArgs("acc-gone", sqlmock.AnyArg()).WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(`select exists`).WithArgs("acc-gone").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	errStop := errors.New("stop")
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.Accounts().AdjustBalance(ctx, "acc-unlocked", decimal.NewFromInt(-1)); ledger.KindOf(err) != ledger.KindInfrastructure {
			t.Errorf("debit without lock: got %v", err)
		}
		tx.(*pgTx).locked["acc-src"] = struct{}{}
		if _, err := tx.Accounts().AdjustBalance(ctx, "acc-src", decimal.NewFromInt(-500)); !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Errorf("expected insufficient funds, got %v", err)
		}
		if _, err := tx.Accounts().AdjustBalance(ctx, "acc-gone", decimal.NewFromInt(5)); !errors.Is(err, ledger.ErrAccountNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected errStop, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByIdempotencyKey(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "reference_number", "from", "to", "biller", "initiator_id", "amount", "currency", "type", "status", "category", "description", "idempotency_key", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`where initiator_id = \$1 and idempotency_key = \$2`).WithArgs("u-john", "k1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("tx-1", "TXN1-AAAAA", "acc-src", "", "city-power", "u-john", "25.00", "USD", "payment", "completed", "utilities", "Payment to City Power", "k1", testNow))
	mock.ExpectQuery(`where initiator_id = \$1 and idempotency_key = \$2`).WithArgs("u-john", "k2").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.Transactions().FindByIdempotencyKey(ctx, "u-john", "k1")
		if err != nil {
			return err
		}
		if got.Type != ledger.TxPayment || got.BillerID != "city-power" || got.ToAccountID != "" {
			t.Errorf("unexpected transaction %+v", got)
		}
		if _, err := tx.Transactions().FindByIdempotencyKey(ctx, "u-john", "k2"); !errors.Is(err, ledger.ErrTransactionNotFound) {
			t.Errorf("expected ErrTransactionNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReadSide(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`from accounts where id = \$1`).WithArgs("missing").WillReturnRows(accountRows())
	mock.ExpectQuery(`from monthly_statistics`).WithArgs("u-john", 2026).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "type", "month", "year", "amount"}).
			AddRow("u-john", "spending", 10, 2026, "65.00"))
	mock.ExpectQuery(`limit \$2`).WithArgs("acc-src", maxHistoryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reference_number", "from", "to", "biller", "initiator_id", "amount", "currency", "type", "status", "category", "description", "idempotency_key", "created_at"}))

	if _, err := store.Account(context.Background(), "missing"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	stats, err := store.Statistics(context.Background(), "u-john", 2026)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if len(stats) != 1 || stats[0].Month != time.October || stats[0].Type != ledger.StatSpending {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if _, err := store.History(context.Background(), "acc-src", 10_000); err != nil {
		t.Fatalf("History: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMapErr(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&pgconn.PgError{Code: "23505", ConstraintName: constraintReference}, ledger.ErrDuplicateReference},
		{&pgconn.PgError{Code: "23505", ConstraintName: constraintIdempotency}, ledger.ErrDuplicateRequest},
		{&pgconn.PgError{Code: "23505", ConstraintName: constraintAccountNo}, ledger.ErrAccountNumberTaken},
		{&pgconn.PgError{Code: "23514", ConstraintName: constraintBalance}, ledger.ErrInsufficientFunds},
		{&pgconn.PgError{Code: "22003"}, ledger.ErrBalanceLimit},
	}
	for _, tc := range cases {
		if got := mapErr("op", tc.err); !errors.Is(got, tc.want) {
			t.Errorf("mapErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if mapErr("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if got := mapErr("op", &pgconn.PgError{Code: "40P01"}); ledger.KindOf(got) != ledger.KindInfrastructure {
		t.Fatalf("deadlock should be infrastructure, got %v", got)
	}
}

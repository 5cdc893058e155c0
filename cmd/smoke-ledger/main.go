package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"bankcore.io/internal/ledger"
	"bankcore.io/internal/store/pg"
)

var (
	john = ledger.Caller{ID: "u-john", Username: "john", FirstName: "John", LastName: "Smith"}
	jane = ledger.Caller{ID: "u-jane", Username: "jane", FirstName: "Jane", LastName: "Doe"}
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	var (
		dsn     = flag.String("dsn", os.Getenv("BANKCORE_PG_DSN"), "PostgreSQL DSN; empty runs against the memory store")
		workers = flag.Int("workers", 20, "Concurrent debits in the race")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var store ledger.Store
	if *dsn != "" {
		db, err := pg.Open(*dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		store = pg.New(db)
	} else {
		mem := ledger.NewMemory()
		for _, h := range []ledger.Holder{john, jane} {
			if err := mem.AddHolder(h); err != nil {
				log.Fatalf("add holder: %v", err)
			}
		}
		store = mem
	}
	engine := ledger.NewEngine(store, ledger.WithLockTimeout(10*time.Second))

	if err := raceToZero(ctx, engine, *workers); err != nil {
		log.Fatalf("race: %v", err)
	}
	if err := doubleSpend(ctx, engine); err != nil {
		log.Fatalf("double spend: %v", err)
	}
	fmt.Println("ledger smoke test passed")
}

func open(ctx context.Context, e *ledger.Engine, owner ledger.Caller, balance string) (ledger.Account, error) {
	return e.OpenAccount(ctx, ledger.OpenAccountParams{
		OwnerID:        owner.ID,
		Type:           ledger.AccountChecking,
		Currency:       "USD",
		InitialBalance: decimal.RequireFromString(balance),
	})
}

// raceToZero fires concurrent 15.00 debits at a 100.00 account. Exactly six
// must succeed and the two balances must still add up.
func raceToZero(ctx context.Context, e *ledger.Engine, workers int) error {
	src, err := open(ctx, e, john, "100.00")
	if err != nil {
		return err
	}
	dst, err := open(ctx, e, jane, "0")
	if err != nil {
		return err
	}

	amount := decimal.RequireFromString("15.00")
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, short int
		other     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.TransferToAccount(ctx, john, ledger.Request{SourceAccountID: src.ID, Amount: amount}, dst.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				short++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()
	if len(other) > 0 {
		return fmt.Errorf("unexpected failures: %v", errors.Join(other...))
	}

	want := min(workers, 6)
	if ok != want || ok+short != workers {
		return fmt.Errorf("expected %d successes, got %d (%d insufficient)", want, ok, short)
	}
	srcNow, err := e.Account(ctx, john, src.ID)
	if err != nil {
		return err
	}
	dstNow, err := e.Account(ctx, jane, dst.ID)
	if err != nil {
		return err
	}
	if total := srcNow.Balance.Add(dstNow.Balance); !total.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("conservation broken: %s + %s", srcNow.Balance, dstNow.Balance)
	}
	if srcNow.Balance.IsNegative() {
		return fmt.Errorf("negative balance %s", srcNow.Balance)
	}
	fmt.Printf("race: %d committed, %d insufficient, balances %s/%s\n", ok, short, srcNow.Balance.StringFixed(2), dstNow.Balance.StringFixed(2))
	return nil
}

// doubleSpend sends the whole balance twice at the same time.
func doubleSpend(ctx context.Context, e *ledger.Engine) error {
	src, err := open(ctx, e, john, "50.00")
	if err != nil {
		return err
	}
	dst, err := open(ctx, e, jane, "0")
	if err != nil {
		return err
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.TransferToAccount(ctx, john, ledger.Request{SourceAccountID: src.ID, Amount: src.Balance}, dst.ID)
		}()
	}
	wg.Wait()
	okCount := 0
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case !errors.Is(err, ledger.ErrInsufficientFunds):
			return err
		}
	}
	if okCount != 1 {
		return fmt.Errorf("expected exactly one success, got %d", okCount)
	}
	fmt.Println("double spend: exactly one of two debits committed")
	return nil
}

package main

import (
	"context"

	"github.com/shopspring/decimal"

	"bankcore.io/internal/ledger"
)

// seedDemo loads the same demo data as ops/migrations/seeds into a memory store.
func seedDemo(ctx context.Context, mem *ledger.Memory) error {
	holders := []ledger.Holder{
		{ID: "u-john", Username: "john", FirstName: "John", LastName: "Smith"},
		{ID: "u-jane", Username: "jane", FirstName: "Jane", LastName: "Doe"},
		{ID: "u-teller", Username: "teller", FirstName: "Front", LastName: "Desk"},
	}
	for _, h := range holders {
		if err := mem.AddHolder(h); err != nil {
			return err
		}
	}
	mem.AddBiller(ledger.Biller{ID: "city-power", Name: "City Power", Category: "utilities", Active: true})
	mem.AddBiller(ledger.Biller{ID: "metro-water", Name: "Metro Water", Category: "utilities", Active: true})
	mem.AddBiller(ledger.Biller{ID: "old-gas", Name: "Old Gas Co", Category: "utilities", Active: false})

	engine := ledger.NewEngine(mem)
	accounts := []ledger.OpenAccountParams{
		{OwnerID: "u-john", Type: ledger.AccountSavings, Currency: "USD", InitialBalance: decimal.RequireFromString("100.00")},
		{OwnerID: "u-john", Type: ledger.AccountChecking, Currency: "USD", InitialBalance: decimal.RequireFromString("250.00")},
		{OwnerID: "u-jane", Type: ledger.AccountSavings, Currency: "USD", InitialBalance: decimal.RequireFromString("5.00")},
	}
	for _, p := range accounts {
		if _, err := engine.OpenAccount(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

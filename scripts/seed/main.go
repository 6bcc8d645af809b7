package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/app"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
)

// Seeds the ledger with a quarter of demo invoices for the fixtures under
// fixtures/demo. Configuration comes from the environment, as for the server.
func main() {
	ctx := context.Background()
	if os.Getenv("TAX_CATALOG_PATH") == "" {
		_ = os.Setenv("TAX_CATALOG_PATH", "fixtures/demo/catalog.yaml")
		_ = os.Setenv("TAX_REPORTS_PATH", "fixtures/demo/reports.yaml")
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	svc, err := app.BuildServices(ctx, cfg, app.ServiceDeps{Logger: app.NewLoggerTo(os.Stderr, cfg)})
	if err != nil {
		log.Fatalf("build services: %v", err)
	}
	defer svc.Close()

	if svc.Repository != nil {
		fmt.Println("→ Migrating ledger schema...")
		if err := svc.Repository.Migrate(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		for _, a := range svc.Fixtures.Accounts {
			if err := svc.Repository.UpsertAccount(ctx, a); err != nil {
				log.Fatalf("account %d: %v", a.ID, err)
			}
		}
	}

	builder := ledger.NewBuilder(svc.Fixtures.Catalog, svc.Store)

	fmt.Println("→ Seeding invoices...")
	invoices := []struct {
		typ         ledger.MoveType
		day         string
		counterpart int64
		account     int64
		price       string
		tax         int64
	}{
		{ledger.MoveOutInvoice, "2024-01-15", 400, 700, "1000", 1},
		{ledger.MoveOutInvoice, "2024-02-03", 400, 700, "2500", 1},
		{ledger.MoveOutRefund, "2024-02-20", 400, 700, "300", 1},
		{ledger.MoveInInvoice, "2024-01-22", 440, 600, "800", 2},
		{ledger.MoveInRefund, "2024-03-05", 440, 600, "120", 2},
		{ledger.MoveOutInvoice, "2024-03-10", 400, 700, "600", 3},
	}
	var cashBasis int64
	for i, inv := range invoices {
		date, _ := time.Parse(time.DateOnly, inv.day)
		move, err := builder.Invoice(ctx, ledger.Invoice{
			Reference:            fmt.Sprintf("DEMO/2024/%04d", i+1),
			Type:                 inv.typ,
			CompanyID:            1,
			Date:                 date,
			CounterpartAccountID: inv.counterpart,
			Lines: []ledger.InvoiceLine{{
				AccountID: inv.account,
				PriceUnit: decimal.RequireFromString(inv.price),
				Quantity:  decimal.NewFromInt(1),
				TaxIDs:    []int64{inv.tax},
			}},
		})
		if err != nil {
			log.Fatalf("build invoice %d: %v", i+1, err)
		}
		id, err := svc.Store.Post(ctx, move)
		if err != nil {
			log.Fatalf("post invoice %d: %v", i+1, err)
		}
		if inv.tax == 3 {
			cashBasis = id
		}
	}

	fmt.Println("→ Seeding a partial payment on the cash-basis invoice...")
	if _, err := svc.Store.Reconcile(ctx, ledger.Reconciliation{
		MoveID: cashBasis,
		Amount: decimal.NewFromInt(318),
		Date:   time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	projection, err := svc.Projector.Project(ctx, cashBasis)
	if err != nil {
		log.Fatalf("project cash basis: %v", err)
	}
	if err := svc.Reports.Invalidate(ctx); err != nil {
		log.Printf("invalidate report cache: %v", err)
	}

	fmt.Printf("✓ Seed complete at %s (cash-basis mirror %d, %s paid)\n",
		time.Now().Format(time.RFC3339), projection.MirrorMoveID, projection.PaidFraction.StringFixed(2))
}

package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
	_ "github.com/odyssey-erp/odyssey-tax/testing"
)

var (
	invoiceDay = time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	paymentDay = time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	quarter    = taxreport.Period{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)}
)

func demoConfig() *Config {
	return &Config{
		LedgerDriver:     LedgerMemory,
		TaxCatalogPath:   "../../fixtures/demo/catalog.yaml",
		TaxReportsPath:   "../../fixtures/demo/reports.yaml",
		ClosingLockTTL:   time.Minute,
		ReportCacheTTL:   time.Minute,
		HTTPRateLimit:    60,
		ClosingRateLimit: 5,
	}
}

func demoServices(t *testing.T) *Services {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc, err := BuildServices(context.Background(), demoConfig(), ServiceDeps{Redis: client})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func postInvoice(t *testing.T, svc *Services, typ ledger.MoveType, counterpart, account int64, price string, taxID int64) int64 {
	t.Helper()
	builder := ledger.NewBuilder(svc.Fixtures.Catalog, svc.Store)
	move, err := builder.Invoice(context.Background(), ledger.Invoice{
		Type:                 typ,
		CompanyID:            1,
		Date:                 invoiceDay,
		CounterpartAccountID: counterpart,
		Lines: []ledger.InvoiceLine{{
			AccountID: account,
			PriceUnit: decimal.RequireFromString(price),
			Quantity:  decimal.NewFromInt(1),
			TaxIDs:    []int64{taxID},
		}},
	})
	require.NoError(t, err)
	id, err := svc.Store.Post(context.Background(), move)
	require.NoError(t, err)
	return id
}

func lineValues(t *testing.T, svc *Services) map[int64]decimal.Decimal {
	t.Helper()
	tree, err := svc.Reports.GetReportTree(context.Background(), "1", quarter, scope.Requested{CompanyIDs: []int64{1}})
	require.NoError(t, err)
	out := make(map[int64]decimal.Decimal)
	for _, n := range taxreport.Flatten(tree.Lines) {
		out[n.ID] = n.Value
	}
	return out
}

func assertValue(t *testing.T, values map[int64]decimal.Decimal, lineID int64, want string) {
	t.Helper()
	got, ok := values[lineID]
	require.True(t, ok, "line %d missing", lineID)
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "line %d = %s, want %s", lineID, got, want)
}

func TestLoadFixtures(t *testing.T) {
	fx, err := LoadFixtures(demoConfig().TaxCatalogPath, demoConfig().TaxReportsPath)
	require.NoError(t, err)
	assert.Len(t, fx.Catalog.Taxes(), 3)
	assert.Len(t, fx.Snapshot.Companies, 2)
	assert.Len(t, fx.Accounts, 9)
	require.Len(t, fx.Reports, 1)
	assert.Equal(t, "BE", fx.Reports[0].Country)

	_, err = LoadFixtures("missing.yaml", demoConfig().TaxReportsPath)
	assert.Error(t, err)
}

func TestDemoReportAndClosing(t *testing.T) {
	svc := demoServices(t)
	ctx := context.Background()

	postInvoice(t, svc, ledger.MoveOutInvoice, 400, 700, "1000", 1)
	postInvoice(t, svc, ledger.MoveInInvoice, 440, 600, "400", 2)
	cashBasis := postInvoice(t, svc, ledger.MoveOutInvoice, 400, 700, "100", 3)

	values := lineValues(t, svc)
	assertValue(t, values, 2, "0")
	assertValue(t, values, 3, "1000")
	assertValue(t, values, 5, "400")
	assertValue(t, values, 8, "210")
	assertValue(t, values, 11, "84")
	assertValue(t, values, 13, "126")

	_, err := svc.Store.Reconcile(ctx, ledger.Reconciliation{MoveID: cashBasis, Amount: decimal.NewFromInt(106), Date: paymentDay})
	require.NoError(t, err)
	projection, err := svc.Projector.Project(ctx, cashBasis)
	require.NoError(t, err)
	require.NotZero(t, projection.MirrorMoveID)
	require.NoError(t, svc.Reports.Invalidate(ctx))

	values = lineValues(t, svc)
	assertValue(t, values, 2, "100")
	assertValue(t, values, 8, "216")
	assertValue(t, values, 13, "132")

	opts, err := svc.Reports.OptionsFor("1", scope.Requested{CompanyIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, scope.Domestic(), opts.FiscalPosition)

	ids, err := svc.Generator.GenerateClosingEntries(ctx, quarter, opts)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	move, err := svc.Store.Move(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDraft, move.State)
	got := make([]string, 0, len(move.Lines))
	for _, l := range move.Lines {
		got = append(got, l.Balance().StringFixed(2)+"@"+strconv.FormatInt(l.AccountID, 10))
	}
	assert.Equal(t, []string{"210.00@451", "-84.00@411", "6.00@451", "-126.00@4512", "-6.00@4512"}, got)
}

func TestBuildServicesWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := demoConfig()
	cfg.RedisAddr = addr
	svc, err := BuildServices(context.Background(), cfg, ServiceDeps{})
	require.NoError(t, err)
	defer svc.Close()
	assert.Nil(t, svc.Redis)
	assert.Empty(t, svc.Checks())

	values := lineValues(t, svc)
	assertValue(t, values, 3, "0")
}

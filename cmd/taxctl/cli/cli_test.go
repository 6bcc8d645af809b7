package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-tax/internal/app"
	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/jobs"
)

func demoServices(t *testing.T) *app.Services {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc, err := app.BuildServices(context.Background(), &app.Config{
		LedgerDriver:   app.LedgerMemory,
		TaxCatalogPath: "../../../fixtures/demo/catalog.yaml",
		TaxReportsPath: "../../../fixtures/demo/reports.yaml",
		ClosingLockTTL: time.Minute,
		ReportCacheTTL: time.Minute,
	}, app.ServiceDeps{Redis: client})
	require.NoError(t, err)
	return svc
}

func postSale(t *testing.T, svc *app.Services, price string, taxID int64) int64 {
	t.Helper()
	move, err := ledger.NewBuilder(svc.Fixtures.Catalog, svc.Store).Invoice(context.Background(), ledger.Invoice{
		Type:                 ledger.MoveOutInvoice,
		CompanyID:            1,
		Date:                 time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		CounterpartAccountID: 400,
		Lines: []ledger.InvoiceLine{{
			AccountID: 700,
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

type stubJobs struct {
	closing  []jobs.ClosingGeneratePayload
	moves    []int64
	stats    []QueueStats
	closed   bool
	failWith error
}

func (s *stubJobs) TriggerClosing(_ context.Context, p jobs.ClosingGeneratePayload) (*asynq.TaskInfo, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.closing = append(s.closing, p)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueClosing}, nil
}

func (s *stubJobs) TriggerCashBasis(_ context.Context, moveID int64) (*asynq.TaskInfo, error) {
	s.moves = append(s.moves, moveID)
	return &asynq.TaskInfo{ID: "task-2", Queue: jobs.QueueDefault}, nil
}

func (s *stubJobs) InspectQueues(context.Context) ([]QueueStats, error) {
	return s.stats, nil
}

func (s *stubJobs) Close() error {
	s.closed = true
	return nil
}

func run(t *testing.T, deps Deps, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommandWith(deps)
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func withServices(svc *app.Services) Deps {
	return Deps{Services: func(context.Context) (*app.Services, error) { return svc, nil }}
}

var quarter = []string{"--from", "2024-01-01", "--to", "2024-03-31", "--companies", "1"}

func TestReportCommand(t *testing.T) {
	svc := demoServices(t)
	postSale(t, svc, "1000", 1)

	out, err := run(t, withServices(svc), append([]string{"report", "1"}, quarter...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Belgian VAT return")
	assert.Contains(t, out, "[03] Operations at 21%")
	assert.Contains(t, out, "1,000.00")
	assert.Contains(t, out, "210.00")
}

func TestReportCommandJSON(t *testing.T) {
	svc := demoServices(t)
	postSale(t, svc, "1000", 1)

	out, err := run(t, withServices(svc), append([]string{"report", "1", "--json"}, quarter...)...)
	require.NoError(t, err)
	var tree struct {
		ReportID string `json:"report_id"`
		Lines    []any  `json:"lines"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
	assert.Equal(t, "1", tree.ReportID)
	assert.Len(t, tree.Lines, 4)
}

func TestReportCommandRejectsInvertedPeriod(t *testing.T) {
	_, err := run(t, Deps{}, "report", "1", "--from", "2024-03-31", "--to", "2024-01-01", "--companies", "1")
	assert.ErrorContains(t, err, "--to before --from")
}

func TestOptionsCommandDowngradesForeignPosition(t *testing.T) {
	svc := demoServices(t)
	out, err := run(t, withServices(svc), "options", "--report", "1", "--companies", "1", "--fiscal-position", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "fiscal position: domestic")
	assert.Contains(t, out, "accepted:        [domestic]")
}

func TestCloseCommand(t *testing.T) {
	svc := demoServices(t)
	postSale(t, svc, "1000", 1)

	out, err := run(t, withServices(svc), append([]string{"close", "--report", "1", "--preview"}, quarter...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "bucket 1/domestic")
	assert.Contains(t, out, "210.00")

	out, err = run(t, withServices(svc), append([]string{"close", "--report", "1"}, quarter...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "posted draft closing move")
}

func TestCloseCommandNothingToClose(t *testing.T) {
	svc := demoServices(t)
	out, err := run(t, withServices(svc), append([]string{"close", "--report", "1"}, quarter...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to close")
}

func TestProjectCommand(t *testing.T) {
	svc := demoServices(t)
	id := postSale(t, svc, "100", 3)
	_, err := svc.Store.Reconcile(context.Background(), ledger.Reconciliation{
		MoveID: id,
		Amount: decimal.NewFromInt(53),
		Date:   time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = run(t, withServices(svc), "project", "999")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	out, err := run(t, withServices(svc), "project", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "50.00% paid, mirror move")

	out, err = run(t, withServices(svc), "project", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to project")
}

func TestProjectCommandRejectsBadID(t *testing.T) {
	_, err := run(t, Deps{}, "project", "abc")
	assert.ErrorContains(t, err, "invalid move id")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	svc := demoServices(t)
	_, err := run(t, withServices(svc), "migrate")
	assert.ErrorContains(t, err, "postgres ledger driver")
}

func TestJobsTriggerClosing(t *testing.T) {
	stub := &stubJobs{}
	deps := Deps{Jobs: func() (JobsAPI, error) { return stub, nil }}

	out, err := run(t, deps, append([]string{"jobs", "trigger", "closing", "--report", "1", "--fiscal-position", "all"}, quarter...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued closing:generate task task-1 on queue closing")
	require.Len(t, stub.closing, 1)
	assert.Equal(t, jobs.ClosingGeneratePayload{
		ReportID:       "1",
		DateFrom:       "2024-01-01",
		DateTo:         "2024-03-31",
		FiscalPosition: "all",
		CompanyIDs:     []int64{1},
	}, stub.closing[0])
	assert.True(t, stub.closed)
}

func TestJobsTriggerCashBasis(t *testing.T) {
	stub := &stubJobs{}
	deps := Deps{Jobs: func() (JobsAPI, error) { return stub, nil }}

	out, err := run(t, deps, "jobs", "trigger", "cashbasis", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "cashbasis:project")
	assert.Equal(t, []int64{42}, stub.moves)
}

func TestJobsStats(t *testing.T) {
	stub := &stubJobs{stats: []QueueStats{
		{Queue: jobs.QueueClosing, Pending: 2, Retry: 1},
		{Queue: jobs.QueueDefault},
	}}
	deps := Deps{Jobs: func() (JobsAPI, error) { return stub, nil }}

	out, err := run(t, deps, "jobs", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUE")
	assert.Contains(t, out, "closing")

	out, err = run(t, deps, "--json", "jobs", "stats")
	require.NoError(t, err)
	var decoded []QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, stub.stats, decoded)
}

package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueClosing holds closing runs; they are weighted above the default queue.
	QueueClosing = "closing"

	// TaskClosingGenerate posts the VAT closing entries of a period.
	TaskClosingGenerate = "closing:generate"
	// TaskCashBasisProject refreshes the cash-basis mirrors of one document.
	TaskCashBasisProject = "cashbasis:project"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ClosingGeneratePayload selects the report, period and scope of a closing run.
type ClosingGeneratePayload struct {
	ReportID       string  `json:"report_id"`
	DateFrom       string  `json:"date_from"`
	DateTo         string  `json:"date_to"`
	FiscalPosition string  `json:"fiscal_position,omitempty"`
	CompanyIDs     []int64 `json:"company_ids"`
}

func (p ClosingGeneratePayload) validate() error {
	if p.ReportID == "" {
		return errors.New("closing task: report id required")
	}
	if len(p.CompanyIDs) == 0 {
		return errors.New("closing task: at least one company required")
	}
	from, err := time.Parse(time.DateOnly, p.DateFrom)
	if err != nil {
		return fmt.Errorf("closing task: date_from: %w", err)
	}
	to, err := time.Parse(time.DateOnly, p.DateTo)
	if err != nil {
		return fmt.Errorf("closing task: date_to: %w", err)
	}
	if to.Before(from) {
		return errors.New("closing task: date_to before date_from")
	}
	return nil
}

// NewClosingGenerateTask creates the Asynq task of a closing run.
func NewClosingGenerateTask(payload ClosingGeneratePayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosingGenerate, body, asynq.Queue(QueueClosing), asynq.MaxRetry(3)), nil
}

// CashBasisProjectPayload names the document whose mirrors are refreshed.
type CashBasisProjectPayload struct {
	MoveID int64 `json:"move_id"`
}

// NewCashBasisProjectTask creates the Asynq task projecting one document.
func NewCashBasisProjectTask(moveID int64) (*asynq.Task, error) {
	if moveID <= 0 {
		return nil, errors.New("cash basis task: move id must be positive")
	}
	body, err := json.Marshal(CashBasisProjectPayload{MoveID: moveID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCashBasisProject, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

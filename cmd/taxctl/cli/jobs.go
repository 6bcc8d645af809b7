package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-tax/jobs"
)

// JobsAPI enqueues tax tasks and reads queue state.
type JobsAPI interface {
	TriggerClosing(ctx context.Context, payload jobs.ClosingGeneratePayload) (*asynq.TaskInfo, error)
	TriggerCashBasis(ctx context.Context, moveID int64) (*asynq.TaskInfo, error)
	InspectQueues(ctx context.Context) ([]QueueStats, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: jobs.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		err = errors.Join(err, c.inspector.Close())
	}
	if c.client != nil {
		err = errors.Join(err, c.client.Close())
	}
	return err
}

// TriggerClosing enqueues a closing run.
func (c *JobsCLI) TriggerClosing(ctx context.Context, payload jobs.ClosingGeneratePayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueClosing(ctx, payload)
}

// TriggerCashBasis enqueues the projection of one document.
func (c *JobsCLI) TriggerCashBasis(ctx context.Context, moveID int64) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueCashBasis(ctx, moveID)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports the metrics of the closing and default queues. A
// queue that never received a task reports zeros.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	out := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueClosing, jobs.QueueDefault} {
		stats := QueueStats{Queue: queue}
		info, err := c.inspector.GetQueueInfo(queue)
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return nil, fmt.Errorf("queue %s: %w", queue, err)
		default:
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

func newJobsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Enqueue background tax tasks and inspect their queues",
	}
	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Enqueue a task",
	}
	trigger.AddCommand(newTriggerClosingCommand(g), newTriggerCashBasisCommand(g))
	cmd.AddCommand(trigger, newJobsStatsCommand(g))
	return cmd
}

func (g *globals) jobs() (JobsAPI, error) {
	if g.deps.Jobs == nil {
		return nil, errors.New("taxctl: jobs not configured")
	}
	return g.deps.Jobs()
}

func newTriggerClosingCommand(g *globals) *cobra.Command {
	var (
		flags    scopeFlags
		reportID string
	)
	cmd := &cobra.Command{
		Use:   "closing",
		Short: "Enqueue a closing:generate task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := flags.period(); err != nil {
				return err
			}
			api, err := g.jobs()
			if err != nil {
				return err
			}
			defer api.Close()

			info, err := api.TriggerClosing(cmd.Context(), jobs.ClosingGeneratePayload{
				ReportID:       reportID,
				DateFrom:       flags.from,
				DateTo:         flags.to,
				FiscalPosition: flags.fiscalPosition,
				CompanyIDs:     flags.companies,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s task %s on queue %s\n", jobs.TaskClosingGenerate, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	flags.register(cmd, true)
	return cmd
}

func newTriggerCashBasisCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cashbasis MOVE_ID",
		Short: "Enqueue a cashbasis:project task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moveID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || moveID <= 0 {
				return fmt.Errorf("invalid move id %q", args[0])
			}
			api, err := g.jobs()
			if err != nil {
				return err
			}
			defer api.Close()

			info, err := api.TriggerCashBasis(cmd.Context(), moveID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s task %s on queue %s\n", jobs.TaskCashBasisProject, info.ID, info.Queue)
			return nil
		},
	}
}

func newJobsStatsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.jobs()
			if err != nil {
				return err
			}
			defer api.Close()

			stats, err := api.InspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, stats)
			}
			fmt.Fprintf(w, "%-10s %8s %8s %10s %6s %9s\n", "QUEUE", "PENDING", "ACTIVE", "SCHEDULED", "RETRY", "ARCHIVED")
			for _, s := range stats {
				fmt.Fprintf(w, "%-10s %8d %8d %10d %6d %9d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			}
			return nil
		},
	}
}

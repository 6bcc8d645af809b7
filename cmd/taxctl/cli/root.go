// Package cli implements the taxctl commands: report trees, option
// resolution, closing runs, cash-basis projection, schema migration and
// queue management.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/odyssey-erp/odyssey-tax/internal/app"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

// Deps opens the collaborators of the commands. Both are called lazily so
// commands that do not need a connection never dial one.
type Deps struct {
	Services func(ctx context.Context) (*app.Services, error)
	Jobs     func() (JobsAPI, error)
}

// NewRootCommand creates the taxctl command reading its configuration from
// the environment.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(Deps{
		Services: func(ctx context.Context) (*app.Services, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			return app.BuildServices(ctx, cfg, app.ServiceDeps{Logger: app.NewLoggerTo(os.Stderr, cfg)})
		},
		Jobs: func() (JobsAPI, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			return NewJobsCLI(cfg.RedisAddr), nil
		},
	})
}

// NewRootCommandWith creates the taxctl command over deps.
func NewRootCommandWith(deps Deps) *cobra.Command {
	g := &globals{deps: deps}
	root := &cobra.Command{
		Use:   "taxctl",
		Short: "Tax report and VAT closing operations",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.lang, "lang", "en", "language tag used to format amounts")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print JSON instead of text")

	root.AddCommand(
		newReportCommand(g),
		newOptionsCommand(g),
		newCloseCommand(g),
		newProjectCommand(g),
		newMigrateCommand(g),
		newJobsCommand(g),
	)
	return root
}

type globals struct {
	deps Deps
	lang string
	json bool
}

func (g *globals) services(ctx context.Context) (*app.Services, error) {
	if g.deps.Services == nil {
		return nil, fmt.Errorf("taxctl: services not configured")
	}
	return g.deps.Services(ctx)
}

func (g *globals) printer() *message.Printer {
	tag, err := language.Parse(g.lang)
	if err != nil {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

func (g *globals) amount(p *message.Printer, v decimal.Decimal) string {
	f, _ := v.Float64()
	return p.Sprint(number.Decimal(f, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}

// scopeFlags are the period and scope flags shared by report and closing
// commands.
type scopeFlags struct {
	from           string
	to             string
	fiscalPosition string
	companies      []int64
}

func (s *scopeFlags) register(cmd *cobra.Command, withPeriod bool) {
	if withPeriod {
		cmd.Flags().StringVar(&s.from, "from", "", "first day of the period (YYYY-MM-DD)")
		cmd.Flags().StringVar(&s.to, "to", "", "last day of the period (YYYY-MM-DD)")
		_ = cmd.MarkFlagRequired("from")
		_ = cmd.MarkFlagRequired("to")
	}
	cmd.Flags().StringVar(&s.fiscalPosition, "fiscal-position", "", "domestic, all or a fiscal position id")
	cmd.Flags().Int64SliceVar(&s.companies, "companies", nil, "company ids, the current company first")
	_ = cmd.MarkFlagRequired("companies")
}

func (s *scopeFlags) period() (taxreport.Period, error) {
	from, err := time.Parse(time.DateOnly, s.from)
	if err != nil {
		return taxreport.Period{}, fmt.Errorf("--from: %w", err)
	}
	to, err := time.Parse(time.DateOnly, s.to)
	if err != nil {
		return taxreport.Period{}, fmt.Errorf("--to: %w", err)
	}
	if to.Before(from) {
		return taxreport.Period{}, fmt.Errorf("%w: --to before --from", taxreport.ErrInvalidPeriod)
	}
	return taxreport.Period{From: from, To: to}, nil
}

func indent(depth int) string {
	return strings.Repeat("  ", depth)
}

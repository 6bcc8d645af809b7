package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-tax/internal/closing"
	"github.com/odyssey-erp/odyssey-tax/internal/scope"
)

func newCloseCommand(g *globals) *cobra.Command {
	var (
		flags    scopeFlags
		reportID string
		preview  bool
	)
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Generate the VAT closing entries of a period",
		Long: `Generate one draft closing move per company and fiscal position
bucket. With --preview the entries are computed and printed without
posting anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := flags.period()
			if err != nil {
				return err
			}
			svc, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			opts, err := svc.Reports.OptionsFor(reportID, scope.Requested{
				FiscalPosition: scope.ParseSelector(flags.fiscalPosition),
				CompanyIDs:     flags.companies,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if preview {
				entries, err := svc.Generator.Preview(cmd.Context(), period, opts)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(w, previewJSON(entries))
				}
				g.printEntries(cmd, entries)
				return nil
			}

			ids, err := svc.Generator.GenerateClosingEntries(cmd.Context(), period, opts)
			if g.json {
				if jsonErr := writeJSON(w, map[string]any{"move_ids": ids}); jsonErr != nil {
					return errors.Join(err, jsonErr)
				}
			} else {
				for _, id := range ids {
					fmt.Fprintf(w, "posted draft closing move %d\n", id)
				}
				if len(ids) == 0 && err == nil {
					fmt.Fprintln(w, "nothing to close")
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	cmd.Flags().BoolVar(&preview, "preview", false, "compute without posting")
	flags.register(cmd, true)
	return cmd
}

type previewLine struct {
	AccountID int64  `json:"account_id"`
	Label     string `json:"label"`
	Debit     string `json:"debit"`
	Credit    string `json:"credit"`
}

type previewEntry struct {
	Bucket closing.Bucket `json:"bucket"`
	Lines  []previewLine  `json:"lines"`
}

func previewJSON(entries []closing.Entry) []previewEntry {
	out := make([]previewEntry, 0, len(entries))
	for _, e := range entries {
		pe := previewEntry{Bucket: e.Bucket, Lines: make([]previewLine, 0, len(e.Lines))}
		for _, l := range e.Lines {
			pe.Lines = append(pe.Lines, previewLine{
				AccountID: l.AccountID,
				Label:     l.Label,
				Debit:     l.Debit.StringFixed(2),
				Credit:    l.Credit.StringFixed(2),
			})
		}
		out = append(out, pe)
	}
	return out
}

func (g *globals) printEntries(cmd *cobra.Command, entries []closing.Entry) {
	p := g.printer()
	w := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(w, "bucket %s\n", e.Bucket)
		if e.Empty() {
			fmt.Fprintln(w, "  nothing to close")
			continue
		}
		for _, l := range e.Lines {
			fmt.Fprintf(w, "  %-8d %-30s %16s %16s\n", l.AccountID, l.Label, g.amount(p, l.Debit), g.amount(p, l.Credit))
		}
	}
}

func newProjectCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "project MOVE_ID",
		Short: "Refresh the cash-basis mirrors of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moveID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || moveID <= 0 {
				return fmt.Errorf("invalid move id %q", args[0])
			}
			svc, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			projection, err := svc.Projector.Project(cmd.Context(), moveID)
			if err != nil {
				return err
			}
			if projection.MirrorMoveID != 0 {
				if err := svc.Reports.Invalidate(cmd.Context()); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: report cache not invalidated: %v\n", err)
				}
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), projection)
			}
			w := cmd.OutOrStdout()
			paid := projection.PaidFraction.Shift(2).StringFixed(2)
			if projection.MirrorMoveID == 0 {
				fmt.Fprintf(w, "move %d: %s%% paid, nothing to project\n", moveID, paid)
				return nil
			}
			fmt.Fprintf(w, "move %d: %s%% paid, mirror move %d (%d adjustments)\n",
				moveID, paid, projection.MirrorMoveID, projection.Adjustments)
			return nil
		},
	}
}

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema and load the fixture accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if svc.Repository == nil {
				return errors.New("migrate requires the postgres ledger driver")
			}
			if err := svc.Repository.Migrate(cmd.Context()); err != nil {
				return err
			}
			for _, a := range svc.Fixtures.Accounts {
				if err := svc.Repository.UpsertAccount(cmd.Context(), a); err != nil {
					return fmt.Errorf("account %d: %w", a.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger schema ready, %d accounts loaded\n", len(svc.Fixtures.Accounts))
			return nil
		},
	}
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-tax/internal/scope"
	"github.com/odyssey-erp/odyssey-tax/internal/taxreport"
)

func newReportCommand(g *globals) *cobra.Command {
	var flags scopeFlags
	cmd := &cobra.Command{
		Use:   "report REPORT_ID",
		Short: "Print a tax report tree",
		Long: `Print the lines of a country report or of a generic variant
(generic, generic_grouped_account_tax, generic_grouped_tax_account).`,
		Args: cobra.ExactArgs(1),
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

			tree, err := svc.Reports.GetReportTree(cmd.Context(), args[0], period, scope.Requested{
				FiscalPosition: scope.ParseSelector(flags.fiscalPosition),
				CompanyIDs:     flags.companies,
			})
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), tree)
			}
			g.printTree(cmd.OutOrStdout(), tree)
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

func (g *globals) printTree(w io.Writer, tree taxreport.Tree) {
	p := g.printer()
	fmt.Fprintf(w, "%s (%s .. %s, %s)\n", tree.Name,
		tree.DateFrom.Format("2006-01-02"), tree.DateTo.Format("2006-01-02"), tree.Options.FiscalPosition)
	var walk func(nodes []taxreport.Node, depth int)
	walk = func(nodes []taxreport.Node, depth int) {
		for _, n := range nodes {
			label := indent(depth) + n.Name
			if n.Net != nil {
				fmt.Fprintf(w, "%-50s %16s %16s\n", label, g.amount(p, *n.Net), g.amount(p, n.Value))
			} else {
				fmt.Fprintf(w, "%-50s %16s\n", label, g.amount(p, n.Value))
			}
			walk(n.Children, depth+1)
		}
	}
	walk(tree.Lines, 0)
}

func newOptionsCommand(g *globals) *cobra.Command {
	var (
		flags    scopeFlags
		reportID string
	)
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Resolve the fiscal position and company scope of a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			req := scope.Requested{
				FiscalPosition: scope.ParseSelector(flags.fiscalPosition),
				CompanyIDs:     flags.companies,
			}
			opts, err := svc.Reports.OptionsFor(reportID, req)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"options":                   opts,
					"accepted_fiscal_positions": opts.Accepted(),
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "fiscal position: %s\n", opts.FiscalPosition)
			fmt.Fprintf(w, "companies:       %v\n", opts.CompanyIDs)
			fmt.Fprintf(w, "domestic:        %t\n", opts.AllowDomestic)
			fmt.Fprintf(w, "accepted:        %v\n", opts.Accepted())
			if opts.TaxUnit != nil {
				fmt.Fprintf(w, "tax unit:        %s (active: %t)\n", opts.TaxUnit.Name, opts.TaxUnitActive)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("report")
	flags.register(cmd, false)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

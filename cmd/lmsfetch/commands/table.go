package commands

import (
	"context"
	"fmt"
	"os"

	"lmsfetch/internal/scrapers/lms"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var tableFlags struct {
	id  string
	tsv string
}

func init() {
	tableCmd.Flags().StringVar(&tableFlags.id, "id", "", "The id of the <table>, if not listContainer_datatable.")
	tableCmd.Flags().StringVar(&tableFlags.tsv, "tsv", "", "Write the rows to a tab separated file as they are fetched.")
	rootCmd.AddCommand(tableCmd)
}

var tableCmd = &cobra.Command{
	Use:   "table <url> [--id <table id>] [--tsv <path/to/out.tsv>]",
	Short: "Prints every page of a data table.",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		target := args[0]
		opts := []lms.TableOption{lms.WithTelemetry(a.tel)}
		if tableFlags.id != "" {
			opts = append(opts, lms.WithTableID(tableFlags.id))
		}

		if tableFlags.tsv != "" {
			return dumpTable(ctx, a, target, tableFlags.tsv, opts)
		}

		t, stale, err := a.fallback.FetchTable(ctx, a.session, target, opts...)
		if err != nil {
			return err
		}
		a.stale(stale, t.FetchedAt)

		header := make(table.Row, len(t.Keys))
		for i, k := range t.Keys {
			header[i] = k
		}
		rows := make([]table.Row, len(t.Rows))
		for i, r := range t.Rows {
			rows[i] = table.Row(r)
		}
		a.render(header, rows)
		return nil
	}),
}

func dumpTable(ctx context.Context, a *app, target, path string, opts []lms.TableOption) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, keys, rows, err := lms.DumpTable(ctx, a.session, target, f, opts...)
	if err != nil {
		return err
	}
	if err := a.cache.PutTable(ctx, target, keys, rows); err != nil {
		a.tel.ReportWarning(report_cli_cache, target, err)
	}
	fmt.Fprintf(a.out, "%d rows written to %s\n", len(rows), path)
	return f.Close()
}

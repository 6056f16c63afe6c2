package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/handbuilt/gabridge"
	"github.com/handbuilt/gabridge/callback"
	"github.com/handbuilt/gabridge/prime"
	"github.com/handbuilt/gabridge/query"
	"github.com/spf13/cobra"
)

func newMetricsCmd(flags *globalFlags) *cobra.Command {
	var opts query.Options
	cmd := &cobra.Command{
		Use:   "metrics <metric>...",
		Short: "Print metric values by page path",
		Example: `  gabridge metrics ga:pageviews
  gabridge metrics ga:pageviews ga:sessions --start 2024-01-01 --end 2024-01-31`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBridge(ctx, k)
			if err != nil {
				return err
			}
			defer b.Close()

			rows, err := b.Queries().MetricsByPath(ctx, args, opts)
			if err != nil {
				return err
			}
			if flags.json {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			return writeRows(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&opts.DateRange.StartDate, "start", "", "First day, YYYY-MM-DD (default 7 days ago)")
	cmd.Flags().StringVar(&opts.DateRange.EndDate, "end", "", "Last day, YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&opts.Total, "total", query.DefaultTotal, "Maximum number of paths")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the Google connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBridge(ctx, k)
			if err != nil {
				return err
			}
			defer b.Close()

			st := b.Status(ctx, "")
			if flags.json {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			switch {
			case st.Connected:
				fmt.Fprintln(out, "Connected to Google.")
			case st.ConfigMissing:
				fmt.Fprintln(out, "Client id and secret must be set before you can authenticate.")
			default:
				fmt.Fprintln(out, "Not connected. Authorize at:")
				fmt.Fprintln(out, st.AuthURL)
			}
			return nil
		},
	}
}

func newDisconnectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Remove the stored Google credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBridge(ctx, k)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Manager().Disconnect(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), gabridge.SuccessMessage(callback.SuccessDisconnect))
			return nil
		},
	}
}

func newRefreshCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the stored Google access token now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBridge(ctx, k)
			if err != nil {
				return err
			}
			defer b.Close()

			cred, err := b.Manager().Refresh(ctx)
			if err != nil {
				return err
			}
			if flags.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"expires": cred.Expiry()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token refreshed, expires %s.\n", cred.Expiry().Format(time.RFC3339))
			return nil
		},
	}
}

func newPrimeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prime [metric...]",
		Short: "Run the cache priming queries once",
		Long: `Run the queries listed in prime.metrics once, with the long background
timeout. Metrics given as arguments replace the configured jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBridge(ctx, k)
			if err != nil {
				return err
			}
			defer b.Close()

			report := b.Prime(ctx, primeJobs(gabridge.PrimeJobsFromConfig(k), args)...)
			if flags.json {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Primed %d jobs, %d rows.\n", report.Jobs, report.Rows)
			return nil
		},
	}
}

// primeJobs returns the configured jobs, or one job for metrics given on the
// command line.
func primeJobs(configured []prime.Job, metrics []string) []prime.Job {
	if len(metrics) == 0 {
		return configured
	}
	return []prime.Job{{Metrics: metrics}}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List known configuration keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := gabridge.ConfigKeys()
			if flags.json {
				return writeJSON(cmd.OutOrStdout(), keys)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTYPE\tDEFAULT\tDESCRIPTION")
			for _, info := range keys {
				def := ""
				if info.Default != nil {
					def = fmt.Sprint(info.Default)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Key, info.Type, def, info.Description)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report unknown configuration keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			warnings := gabridge.ValidateConfig(k)
			for _, w := range warnings {
				fmt.Fprintln(cmd.OutOrStdout(), w.String())
			}
			if len(warnings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK.")
			}
			return nil
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRows(w io.Writer, rows map[string][]string) error {
	paths := make([]string, 0, len(rows))
	for p := range rows {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range paths {
		fmt.Fprintf(tw, "%s\t%s\n", p, strings.Join(rows[p], "\t"))
	}
	return tw.Flush()
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/subdiscovery/expstats/internal/aggregate"
	"github.com/subdiscovery/expstats/internal/api"
	"github.com/subdiscovery/expstats/internal/batch"
	"github.com/subdiscovery/expstats/internal/metrics"
	"github.com/subdiscovery/expstats/internal/normalize"
	"github.com/subdiscovery/expstats/internal/resolver"
	"github.com/subdiscovery/expstats/internal/resultstore"
	"github.com/subdiscovery/expstats/internal/source"
	"github.com/subdiscovery/expstats/pkg/otel"
)

var (
	// Store flags, shared by analyze and results
	storeBackend  string
	storeSnapshot string
	postgresConn  string
	redisAddr     string
	redisTTL      time.Duration

	// Input flags
	inputDir     string
	warehouseDSN string
	warehouseQPS int
	pageSheet    string
	widgetSheet  string
	rejectDir    string

	// Analysis flags
	experimentID    string
	fromDate        string
	toDate          string
	controlVariant  string
	minSampleSize   int64
	confidenceLevel float64
	workers         int
	traceEndpoint   string

	// Results flags
	metricName  string
	showHistory bool

	// Register flags
	sheetPath string
	sheetKind string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "expstats",
		Short:         "Experiment significance analyzer for dynamically generated pages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", getEnv("RESULT_BACKEND", "memory"), "Result store backend (memory, postgres)")
	rootCmd.PersistentFlags().StringVar(&storeSnapshot, "store-snapshot", getEnv("RESULT_SNAPSHOT", "data/results.json"), "Snapshot file for the memory store")
	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres-conn", getEnv("POSTGRES_CONN", ""), "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for the latest-result cache (empty disables)")
	rootCmd.PersistentFlags().DurationVar(&redisTTL, "redis-ttl", 24*time.Hour, "TTL for cached latest results")

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// analyzeCmd runs one analysis batch over a date range and prints the summary.
func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a significance analysis batch for one experiment",
		Long: `Ingests assignment and fact rows for the date range, joins them into
normalized observations, aggregates per-user sufficient statistics per
(day, variant, page, metric), and tests each treatment variant against
the control. Results are appended to the result store.

Exits non-zero when unresolved identifier mappings blocked the entire
range: fix the mapping sheets and re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			from, err := api.ParseDay(fromDate)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			to, err := api.ParseDay(toDate)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}

			if traceEndpoint != "" {
				tcfg := otel.DefaultConfig("expstats")
				tcfg.CollectorEndpoint = traceEndpoint
				tp, err := otel.InitTracer(ctx, tcfg)
				if err != nil {
					return fmt.Errorf("failed to init tracing: %w", err)
				}
				defer otel.Shutdown(context.Background(), tp)
			}

			registry, err := buildRegistry()
			if err != nil {
				return err
			}

			assignments, facts, closeSources, err := openSources()
			if err != nil {
				return err
			}
			defer closeSources()

			results, err := openStore()
			if err != nil {
				return err
			}
			defer results.Close()

			rejects, err := normalize.NewRejectLog(rejectDir)
			if err != nil {
				return fmt.Errorf("failed to open reject journal: %w", err)
			}
			defer rejects.Close()

			runner, err := batch.NewRunner(batch.Config{
				Assignments: assignments,
				Facts:       facts,
				Registry:    registry,
				RejectSink:  rejects,
				Catalog:     aggregate.DefaultCatalog(),
				Results:     results,
				Metrics:     metrics.New(),
				Workers:     workers,
			})
			if err != nil {
				return err
			}

			summary, err := runner.Run(ctx, batch.RunRequest{
				ExperimentID:     experimentID,
				From:             from,
				To:               to,
				ControlVariantID: controlVariant,
				Params: api.AnalysisParams{
					MinSampleSize:   minSampleSize,
					ConfidenceLevel: confidenceLevel,
				},
			})
			if err != nil {
				return err
			}

			fmt.Print(summary.Render())

			if summary.Blocked() {
				fmt.Fprintf(os.Stderr, "\nNo results computed: %d events hit unregistered identifiers.\n",
					summary.Rejects.Counts[normalize.ReasonMappingNotFound])
				fmt.Fprintf(os.Stderr, "Register the missing mappings (see %s) and re-run.\n", rejectDir)
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&experimentID, "experiment", "", "Experiment ID to analyze")
	cmd.Flags().StringVar(&fromDate, "from", "", "Start date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&toDate, "to", "", "End date (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&controlVariant, "control", "control", "Control variant ID")
	cmd.Flags().Int64Var(&minSampleSize, "min-sample-size", 30, "Minimum users per variant before testing")
	cmd.Flags().Float64Var(&confidenceLevel, "confidence-level", 0.95, "Confidence level for the Z-test")
	cmd.Flags().IntVar(&workers, "workers", 4, "Partition workers")
	cmd.Flags().StringVar(&inputDir, "input", "data", "Directory with assignments.csv and facts.csv")
	cmd.Flags().StringVar(&warehouseDSN, "warehouse", getEnv("WAREHOUSE_CONN", ""), "Warehouse connection string (overrides --input)")
	cmd.Flags().IntVar(&warehouseQPS, "warehouse-qps", 10, "Query rate limit against the warehouse")
	cmd.Flags().StringVar(&pageSheet, "page-sheet", "", "Page identifier sheet (CSV)")
	cmd.Flags().StringVar(&widgetSheet, "widget-sheet", "", "Widget identifier sheet (CSV)")
	cmd.Flags().StringVar(&rejectDir, "reject-dir", "data/rejects", "Directory for the rejected-event journal")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", getEnv("OTLP_ENDPOINT", ""), "OTLP gRPC collector endpoint (empty disables tracing)")
	cmd.MarkFlagRequired("experiment")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

// registerCmd validates an identifier sheet: loads it into a fresh registry
// and reports every row that failed to register, with its reason.
func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Validate an identifier mapping sheet",
		Long: `Loads a mapping sheet export and reports collisions and malformed rows.
A clean sheet registers every active row; anything skipped here would be
skipped the same way by 'analyze'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := resolver.SheetKind(sheetKind)
			if kind != resolver.SheetPage && kind != resolver.SheetWidget {
				return fmt.Errorf("--kind must be %q or %q", resolver.SheetPage, resolver.SheetWidget)
			}

			registry := resolver.NewRegistry()
			report, err := registry.LoadSheet(sheetPath, kind)
			if err != nil {
				return err
			}

			fmt.Printf("Sheet %s (%s): %d rows registered, %d skipped\n",
				sheetPath, kind, report.Registered, len(report.Skipped))
			for _, row := range report.Skipped {
				fmt.Printf("  line %d: %s -> %s: %s\n", row.Line, row.Raw, row.Key, row.Reason)
			}

			if len(report.Skipped) > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sheetPath, "sheet", "", "Sheet file (CSV)")
	cmd.Flags().StringVar(&sheetKind, "kind", "page", "Sheet kind (page, widget)")
	cmd.MarkFlagRequired("sheet")

	return cmd
}

// resultsCmd prints stored results for an experiment.
func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show stored significance results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var results []*api.SignificanceResult
			switch {
			case metricName != "" && showHistory:
				results, err = store.History(ctx, experimentID, metricName)
			case metricName != "":
				var r *api.SignificanceResult
				r, err = store.Get(ctx, experimentID, metricName)
				if r != nil {
					results = []*api.SignificanceResult{r}
				}
			default:
				results, err = store.List(ctx, experimentID)
			}
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No results stored.")
				return nil
			}

			fmt.Printf("%-20s %-24s %-14s %10s %8s %10s  %s\n",
				"METRIC", "PAGE", "TREATMENT", "DELTA", "DELTA%", "P-VALUE", "COMPUTED")
			for _, r := range results {
				sig := " "
				if r.Significant {
					sig = "*"
				}
				fmt.Printf("%-20s %-24s %-14s %+10.5f %+7.1f%% %10.4g%s %s\n",
					r.MetricName, r.CanonicalKey, r.TreatmentVariantID,
					r.Delta, r.DeltaPct, r.PValue, sig,
					r.ComputedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&experimentID, "experiment", "", "Experiment ID")
	cmd.Flags().StringVar(&metricName, "metric", "", "Restrict to one metric")
	cmd.Flags().BoolVar(&showHistory, "history", false, "Show the full append-only history (requires --metric)")
	cmd.MarkFlagRequired("experiment")

	return cmd
}

// buildRegistry loads the configured identifier sheets. Skipped rows are
// reported on stderr but do not abort the run; the affected events land in
// the reject journal instead.
func buildRegistry() (*resolver.Registry, error) {
	registry := resolver.NewRegistry()

	for _, sheet := range []struct {
		path string
		kind resolver.SheetKind
	}{
		{pageSheet, resolver.SheetPage},
		{widgetSheet, resolver.SheetWidget},
	} {
		if sheet.path == "" {
			continue
		}
		report, err := registry.LoadSheet(sheet.path, sheet.kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s sheet: %w", sheet.kind, err)
		}
		for _, row := range report.Skipped {
			fmt.Fprintf(os.Stderr, "sheet %s line %d skipped: %s\n", sheet.path, row.Line, row.Reason)
		}
	}

	return registry, nil
}

// openSources picks the warehouse when a DSN is configured, CSV files
// otherwise.
func openSources() (source.AssignmentSource, source.FactSource, func(), error) {
	if warehouseDSN != "" {
		wh, err := source.NewWarehouseSource(warehouseDSN, warehouseQPS)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to warehouse: %w", err)
		}
		return wh, wh, wh.Close, nil
	}
	csv := source.NewCSVSource(inputDir)
	return csv, csv, func() {}, nil
}

// openStore builds the result store from the persistent flags, optionally
// wrapped with the Redis latest-result cache.
func openStore() (resultstore.Store, error) {
	var store resultstore.Store
	var err error

	switch storeBackend {
	case "memory":
		store = resultstore.NewMemoryStore(storeSnapshot)
	case "postgres":
		if postgresConn == "" {
			return nil, fmt.Errorf("--postgres-conn is required with --store=postgres")
		}
		store, err = resultstore.NewPostgresStore(postgresConn)
		if err != nil {
			return nil, fmt.Errorf("failed to create Postgres store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}

	if redisAddr != "" {
		store, err = resultstore.NewCachedStore(store, redisAddr, getEnv("REDIS_PASSWORD", ""), 0, redisTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to attach Redis cache: %w", err)
		}
	}
	return store, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

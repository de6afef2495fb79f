package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/levels"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thecodingguy1/DomainMap/report"
	"github.com/thecodingguy1/DomainMap/scanner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "domainmap",
		Short:         "Scan domains over HTTP(S) and map them to the IPs that serve them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runScanCmd,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file (default "+DefaultConfigFile+" if present)")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.Bool("silent", false, "Only print results")
	pf.Float64("rate", 0, "Maximum requests per second (0 = unlimited)")
	pf.IntP("concurrency", "c", 0, "Number of concurrent workers (0 = min(32, targets))")
	pf.DurationP("timeout", "t", scanner.DefaultTimeout, "Timeout for each HTTP attempt")
	pf.String("user-agent", "", "Fixed User-Agent (default: random browser UA per request)")
	pf.Bool("insecure", false, "Skip TLS certificate verification")
	pf.String("scheme", string(scanner.SchemeHTTPS), "Scheme for inputs without one (http or https)")
	pf.Bool("cdn", false, "Enrich IP groups with CDN/provider names from the ip2asn table")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan URLs from a file or the clipboard",
		Args:  cobra.NoArgs,
		RunE:  runScanCmd,
	}
	addScanFlags(root.Flags())
	addScanFlags(scanCmd.Flags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job queue HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd.Flags())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().Int("port", 8080, "HTTP server port")
	serveCmd.Flags().Int("max-jobs", 4, "Maximum number of jobs running at once")
	serveCmd.Flags().Duration("job-ttl", time.Hour, "How long finished jobs are kept")
	serveCmd.Flags().Bool("allow-private", false, "Allow scanning loopback and private addresses")

	root.AddCommand(scanCmd, serveCmd)
	return root
}

func addScanFlags(fs *pflag.FlagSet) {
	fs.StringP("input", "i", "", "Input file with one URL per line (default: clipboard)")
	fs.StringP("output", "o", "", "Output file (default: <domain>.txt from the first URL)")
	fs.String("format", "", "Output format: txt, csv or json (default: from the output extension)")
	fs.Bool("report", false, "Print a chart and a table grouped by IP after scanning")
	fs.Bool("no-color", false, "Disable colorized output")
	fs.Bool("no-progress", false, "Disable the progress bar")
}

// setup loads the config and applies logging and color settings. Errors are
// fatal before any scanning.
func setup(flags *pflag.FlagSet) (Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		gologger.Error().Msgf("%s", err)
		return cfg, err
	}

	switch {
	case cfg.Silent:
		gologger.DefaultLogger.SetMaxLevel(levels.LevelSilent)
	case cfg.Verbose:
		gologger.DefaultLogger.SetMaxLevel(levels.LevelDebug)
	}
	if cfg.NoColor {
		color.NoColor = true
	}
	return cfg, nil
}

func runScanCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := setup(cmd.Flags())
	if err != nil {
		return err
	}
	if err := runScan(cmd.Context(), cfg, os.Stdout); err != nil {
		gologger.Error().Msgf("%s", err)
		return err
	}
	return nil
}

func runScan(ctx context.Context, cfg Config, out io.Writer) error {
	lines, err := collectInput(cfg.Input)
	if err != nil {
		return err
	}

	targets, invalid := buildTargets(lines, scanner.Scheme(cfg.Scheme))
	for _, err := range invalid {
		gologger.Warning().Msgf("Skipping %s", err)
	}
	if len(targets) == 0 {
		return errNoInput
	}

	if cfg.Rate > 0 {
		gologger.Info().Msgf("Rate limiting enabled: %v request(s) per second", cfg.Rate)
	} else {
		gologger.Info().Msg("No rate limiting applied")
	}
	if cfg.CDN {
		loadCDNRanges()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = scanner.DefaultConcurrency(len(targets))
	}
	gologger.Info().Msgf("Starting scan of %d URLs with up to %d workers...", len(targets), concurrency)

	limiter := scanner.NewRateLimiter(cfg.Rate)
	opts := scanner.Options{
		Fetcher: scanner.NewFetcher(scanner.FetcherOptions{
			Timeout:   cfg.Timeout,
			UserAgent: cfg.UserAgent,
			Insecure:  cfg.Insecure,
			Limiter:   limiter,
		}),
		Limiter:     limiter,
		Concurrency: concurrency,
	}

	var bar *progressbar.ProgressBar
	if !cfg.NoProgress && !cfg.Silent {
		bar = progressbar.NewOptions(len(targets),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(scanner.StageScanning),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionClearOnFinish(),
		)
		opts.OnProgress = func(_ string, current, _ int) {
			_ = bar.Set(current)
		}
	}

	started := time.Now()
	results := scanner.Scan(ctx, targets, opts)
	if bar != nil {
		_ = bar.Finish()
	}

	if ctx.Err() != nil {
		gologger.Warning().Msgf("Scan interrupted: %d of %d targets completed", len(results), len(targets))
	} else {
		gologger.Info().Msgf("Scanned %d targets in %s", len(results), time.Since(started).Round(time.Millisecond))
	}

	groups := scanner.Aggregate(results)
	if cfg.CDN {
		scanner.EnrichGroups(groups)
	}

	if err := report.Render(out, results, report.RenderOptions{NoColor: cfg.NoColor}); err != nil {
		return err
	}
	if cfg.Report {
		fmt.Fprintln(out)
		if err := report.BarChart(out, groups, report.DefaultChartWidth); err != nil {
			return err
		}
		fmt.Fprintln(out)
		report.GroupTable(out, groups)
		report.RenderSummary(out, scanner.Summarize(results))
	}

	path, format := outputPath(cfg, targets)
	if err := report.Export(path, format, results, groups); err != nil {
		return err
	}
	gologger.Info().Msgf("Results written to %s", path)
	return nil
}

// outputPath picks the export file and format. Without -o the name comes
// from the first target and its extension follows the format.
func outputPath(cfg Config, targets []scanner.Target) (string, report.Format) {
	if cfg.Output != "" {
		return cfg.Output, cfg.OutputFormat(cfg.Output)
	}

	urls := make([]string, 0, len(targets))
	for _, t := range targets {
		urls = append(urls, t.URL)
	}
	path := report.DefaultOutputName(urls)
	format := cfg.OutputFormat(path)
	if format != report.FormatText {
		path = strings.TrimSuffix(path, ".txt") + "." + string(format)
	}
	return path, format
}

func loadCDNRanges() {
	if err := scanner.LoadIPRanges(); err != nil {
		gologger.Warning().Msgf("CDN enrichment disabled: %s", err)
		return
	}
	gologger.Info().Msgf("Loaded %d CDN IP ranges", scanner.GetLoadedRangeCount())
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/civic-registry-crawler/internal/app"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
)

type crawlOptions struct {
	targets []string
	dryRun  bool
	format  string
	report  string
}

// newCrawlCmd creates the 'crawl' subcommand. It runs one harvest over the
// selected targets and prints the run report; the exit code follows the report.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one harvest over the configured targets",
		Long: `Crawls every configured target (or those named with --targets), parses
each listing page and writes new or changed entries to storage. The final
report is printed to stdout; the exit code is 0 only when every target
completed within the failure tolerance.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.targets, "targets", nil, "comma-separated target keys (default: all)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "fetch and parse but keep every write in memory")
	cmd.Flags().StringVar(&opts.format, "format", "yaml", "report format: yaml or json")
	cmd.Flags().StringVar(&opts.report, "report", "", "also write the report to this file")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	ctx := cmd.Context()
	rt, err := runtimeFrom(ctx)
	if err != nil {
		return err
	}
	if opts.format != "yaml" && opts.format != "json" {
		return fmt.Errorf("unknown report format %q", opts.format)
	}

	var appOpts []app.Option
	if opts.dryRun {
		appOpts = append(appOpts, app.WithDryRun())
	}
	harvester, err := newApp(ctx, rt.cfg, rt.logger, appOpts...)
	if err != nil {
		return fmt.Errorf("initialize harvester: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if cerr := harvester.Close(closeCtx); cerr != nil {
			rt.logger.Warn("failed to close harvester", zap.Error(cerr))
		}
	}()

	report, err := harvester.Harvest(ctx, opts.targets)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}

	encoded, err := encodeReport(report, opts.format)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(encoded); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if opts.report != "" {
		if err := os.WriteFile(opts.report, encoded, 0o640); err != nil {
			return fmt.Errorf("write report file: %w", err)
		}
	}
	if report.ExitCode != ExitOK {
		return &ExitError{Code: report.ExitCode}
	}
	return nil
}

func encodeReport(report stats.Report, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
	default:
		if err := writeYAML(&buf, report); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return nil
}

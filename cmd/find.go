package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/advisory"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/orchestrator"
	"github.com/xkilldash9x/fixfinder/internal/reporting"
	"github.com/xkilldash9x/fixfinder/internal/service"
)

// newFindCmd creates and configures the `find` command.
func newFindCmd(opts *rootOptions, factory service.ComponentFactory) *cobra.Command {
	var req advisory.Options

	findCmd := &cobra.Command{
		Use:   "find [VULN_ID]",
		Short: "Ranks the commits of a repository that likely fix a vulnerability",
		Example: `  fixfinder find CVE-2020-1234 --repository https://github.com/acme/parser --versions 1.2.0:1.2.1
  fixfinder find --advisory-file advisory.yaml --format json --output report.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.VulnID = args[0]
			}
			if req.VulnID == "" && req.File == "" {
				return errors.New("a vulnerability id or --advisory-file is required")
			}
			applyFindFlagOverrides(cmd, opts.cfg)

			report, err := runFind(cmd.Context(), opts.cfg, factory, orchestrator.Request{Advisory: req}, observability.GetLogger())
			if err != nil {
				return err
			}
			return writeReports(opts.cfg.Report(), report)
		},
	}

	flags := findCmd.Flags()
	flags.StringVarP(&req.RepositoryURL, "repository", "r", "", "Repository URL or local working copy")
	flags.StringVar(&req.VersionInterval, "versions", "", "Version interval 'AFFECTED:FIXED', either side may be empty")
	flags.StringVarP(&req.Description, "description", "d", "", "Advisory description. Skips the advisory database lookup")
	flags.StringVar(&req.PublishedAt, "published", "", "Advisory publication date (YYYY-MM-DD or RFC 3339)")
	flags.StringSliceVar(&req.Keywords, "keywords", nil, "Keywords replacing the ones derived from the description")
	flags.StringSliceVar(&req.Files, "files", nil, "File names or code entities named by the advisory")
	flags.StringVarP(&req.File, "advisory-file", "a", "", "YAML or JSON advisory document")

	// Config override flags.
	flags.String("rules", "", "Ordered rule selection, e.g. 'ALL,-COMMIT_IS_MERGE'. (Overrides config/env)")
	flags.StringP("output", "o", "", "Output file path for the report. Defaults to stdout")
	flags.StringP("format", "f", "", "Report format: 'console' or 'json'. (Overrides config/env)")
	flags.IntP("concurrency", "j", 0, "Number of concurrent mining workers. (Overrides config/env)")
	flags.Bool("no-phase2", false, "Skip the LLM-backed second rule phase")

	return findCmd
}

// applyFindFlagOverrides copies explicitly set flags into cfg. Flags that
// were not given leave the config file and environment values in place.
func applyFindFlagOverrides(cmd *cobra.Command, cfg config.Interface) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		if n, err := flags.GetInt("concurrency"); err == nil && n > 0 {
			cfg.SetEngineWorkerConcurrency(n)
		} else {
			observability.GetLogger().Warn("Ignoring invalid --concurrency value", zap.Int("concurrency", n))
		}
	}
	if flags.Changed("rules") {
		raw, _ := flags.GetString("rules")
		cfg.SetRulesEnabled(splitList(raw))
	}
	if flags.Changed("no-phase2") {
		if off, _ := flags.GetBool("no-phase2"); off {
			cfg.SetRulesPhase2Enabled(false)
		}
	}
	if flags.Changed("format") {
		f, _ := flags.GetString("format")
		cfg.SetReportFormat(strings.ToLower(f))
	}
	if flags.Changed("output") {
		o, _ := flags.GetString("output")
		cfg.SetReportOutput(o)
	}
}

// runFind creates the components, runs one search and shuts them down.
func runFind(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, req orchestrator.Request, logger *zap.Logger) (*schemas.Report, error) {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	report, err := components.Orchestrator.Run(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Search aborted gracefully", zap.String("vuln_id", req.Advisory.VulnID))
			return nil, err
		}
		return nil, fmt.Errorf("search for %s failed: %w", displayID(req), err)
	}
	return report, nil
}

// writeReports renders reports in the configured format and destination.
func writeReports(cfg config.ReportConfig, reports ...*schemas.Report) error {
	reporter, err := reporting.New(cfg.Format, cfg.Output, cfg.MaxCandidates)
	if err != nil {
		return err
	}
	for _, r := range reports {
		if err := reporter.Write(r); err != nil {
			_ = reporter.Close()
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	return nil
}

func displayID(req orchestrator.Request) string {
	if req.Advisory.VulnID != "" {
		return req.Advisory.VulnID
	}
	return req.Advisory.File
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

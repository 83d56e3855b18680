package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/advisory"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/orchestrator"
	"github.com/xkilldash9x/fixfinder/internal/service"
)

// batchItem is one entry of a batch file.
type batchItem struct {
	VulnID       string   `yaml:"vuln_id"`
	Repository   string   `yaml:"repository"`
	Versions     string   `yaml:"versions"`
	Description  string   `yaml:"description"`
	Published    string   `yaml:"published"`
	Keywords     []string `yaml:"keywords"`
	Files        []string `yaml:"files"`
	AdvisoryFile string   `yaml:"advisory_file"`
}

// batchFile accepts either a top-level list or an `items` key.
type batchFile struct {
	Items []batchItem `yaml:"items"`
}

// loadBatch parses a batch file into orchestrator requests.
func loadBatch(path string) ([]orchestrator.Request, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var items []batchItem
	if err := yaml.Unmarshal(raw, &items); err != nil {
		var doc batchFile
		if err2 := yaml.Unmarshal(raw, &doc); err2 != nil {
			return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
		}
		items = doc.Items
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("batch file %s lists no items", path)
	}

	reqs := make([]orchestrator.Request, 0, len(items))
	for i, it := range items {
		if it.VulnID == "" && it.AdvisoryFile == "" {
			return nil, fmt.Errorf("batch item %d: vuln_id or advisory_file is required", i+1)
		}
		reqs = append(reqs, orchestrator.Request{Advisory: advisory.Options{
			VulnID:          it.VulnID,
			RepositoryURL:   it.Repository,
			VersionInterval: it.Versions,
			Description:     it.Description,
			PublishedAt:     it.Published,
			Keywords:        it.Keywords,
			Files:           it.Files,
			File:            it.AdvisoryFile,
		}})
	}
	return reqs, nil
}

// newBatchCmd creates the `batch` command.
func newBatchCmd(opts *rootOptions, factory service.ComponentFactory) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Runs a search for every advisory listed in a YAML file",
		Long: `Runs a search for every advisory listed in a YAML file. Repositories are
provisioned concurrently, searches run one after another. A failed item is
logged and does not stop the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			reqs, err := loadBatch(args[0])
			if err != nil {
				return err
			}
			applyFindFlagOverrides(cmd, opts.cfg)

			components, err := factory.Create(ctx, opts.cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			results, runErr := components.Orchestrator.RunBatch(ctx, reqs)

			var reports []*schemas.Report
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					logger.Error("Batch item failed",
						zap.String("vuln_id", displayID(r.Request)),
						zap.Error(r.Err))
					continue
				}
				reports = append(reports, r.Report)
			}
			if err := writeReports(opts.cfg.Report(), reports...); err != nil {
				return err
			}
			logger.Info("Batch completed",
				zap.Int("items", len(reqs)),
				zap.Int("succeeded", len(reports)),
				zap.Int("failed", failed))

			if runErr != nil {
				return runErr
			}
			if failed == len(reqs) {
				return errors.New("every batch item failed")
			}
			return nil
		},
	}

	batchCmd.Flags().StringP("output", "o", "", "Output file path for the reports. Defaults to stdout")
	batchCmd.Flags().StringP("format", "f", "", "Report format: 'console' or 'json'. (Overrides config/env)")
	batchCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent workers. (Overrides config/env)")
	batchCmd.Flags().String("rules", "", "Ordered rule selection. (Overrides config/env)")
	batchCmd.Flags().Bool("no-phase2", false, "Skip the LLM-backed second rule phase")

	return batchCmd
}

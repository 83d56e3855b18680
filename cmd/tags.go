package cmd

import (
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/service"
)

// newTagsCmd creates the `tags` command, which only resolves a version
// interval against the tags of a repository.
func newTagsCmd(opts *rootOptions, factory service.ComponentFactory) *cobra.Command {
	var (
		repository string
		versions   string
		margin     int
		asJSON     bool
	)

	tagsCmd := &cobra.Command{
		Use:   "tags",
		Short: "Resolves a version interval to a pair of repository tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if !cmd.Flags().Changed("margin") {
				margin = opts.cfg.Mining().TagMargin
			}

			components, err := factory.Create(ctx, opts.cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			res, err := components.Orchestrator.ResolveTags(ctx, repository, versions, margin)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printResolution(cmd.OutOrStdout(), res)
		},
	}

	tagsCmd.Flags().StringVarP(&repository, "repository", "r", "", "Repository URL or local working copy")
	tagsCmd.Flags().StringVar(&versions, "versions", "", "Version interval 'AFFECTED:FIXED'")
	tagsCmd.Flags().IntVar(&margin, "margin", 0, "Widen the resolved pair by this many tags on each side. (Overrides config/env)")
	tagsCmd.Flags().BoolVar(&asJSON, "json", false, "Print the resolution as JSON")
	_ = tagsCmd.MarkFlagRequired("repository")
	_ = tagsCmd.MarkFlagRequired("versions")

	return tagsCmd
}

func printResolution(w io.Writer, res schemas.Resolution) error {
	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	if _, err := fmt.Fprintf(w, "status: %s\nprev:   %s\nnext:   %s\n", res.Status, orNone(res.Prev), orNone(res.Next)); err != nil {
		return err
	}
	lists := []struct {
		label string
		tags  []string
	}{
		{"prev candidates", res.PrevCandidates},
		{"next candidates", res.NextCandidates},
		{"suggestions", res.Suggestions},
	}
	for _, l := range lists {
		if len(l.tags) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", l.label, strings.Join(l.tags, ", ")); err != nil {
			return err
		}
	}
	return nil
}

package cmd

import (
	"github.com/spf13/cobra"
)

type targetSummary struct {
	Key         string   `yaml:"key"`
	Description string   `yaml:"description,omitempty"`
	Table       string   `yaml:"table"`
	URL         string   `yaml:"url"`
	Pagination  string   `yaml:"pagination"`
	Render      string   `yaml:"render"`
	MaxPages    int      `yaml:"max_pages,omitempty"`
	Identity    []string `yaml:"identity"`
	Columns     []string `yaml:"columns"`
}

// newTargetsCmd creates the 'targets' subcommand, which validates the
// registry (selectors included) and prints it without touching storage.
func newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Validates and lists the configured targets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			reg, err := rt.cfg.Registry()
			if err != nil {
				return err
			}
			out := make([]targetSummary, 0, reg.Len())
			for _, t := range reg.Targets() {
				out = append(out, targetSummary{
					Key:         t.Key,
					Description: t.Description,
					Table:       t.Table,
					URL:         t.PageURL(t.StartCursor()),
					Pagination:  string(t.Pagination),
					Render:      string(t.Render),
					MaxPages:    t.MaxPages,
					Identity:    t.IdentityFields(),
					Columns:     t.Columns(),
				})
			}
			return writeYAML(cmd.OutOrStdout(), map[string]any{"targets": out})
		},
	}
}

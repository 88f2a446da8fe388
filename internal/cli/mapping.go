package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/factorcanon/internal/pipeline"
)

var (
	showGroup string
	showJSON  bool
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect the stored canonical mapping",
}

var mappingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List canonical groups and their members",
	Long: `Show lists every canonical group in creation order with its member count.
With --group it lists the members of one group with their provenance
(pass, run id and the model that proposed the assignment).

Example:
  factorcanon mapping show
  factorcanon mapping show --group "Green space"
  factorcanon mapping show --json > mapping.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		m, err := st.Load(ctx)
		if err != nil {
			return fmt.Errorf("load mapping: %w", err)
		}

		if showJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if showGroup != "" {
				return enc.Encode(m.MembersOf(showGroup))
			}
			return enc.Encode(struct {
				Version int `json:"version"`
				Groups  any `json:"groups"`
				Entries any `json:"entries"`
			}{m.Version(), m.AllGroups(), m.Entries()})
		}
		return pipeline.RenderGroups(os.Stdout, m, showGroup)
	},
}

var mappingRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List canonicalization runs, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.Runs(ctx)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		pipeline.RenderRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mappingCmd)
	mappingCmd.AddCommand(mappingShowCmd)
	mappingCmd.AddCommand(mappingRunsCmd)

	mappingShowCmd.Flags().StringVar(&showGroup, "group", "", "show the members of one group")
	mappingShowCmd.Flags().BoolVar(&showJSON, "json", false, "print JSON instead of a table")
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/config"
	"github.com/ppiankov/rootwatch/internal/strategy"
)

func init() {
	rootCmd.AddCommand(strategiesCmd)
	strategiesCmd.AddCommand(strategiesListCmd)
	strategiesCmd.AddCommand(strategiesValidateCmd)
}

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "Inspect and validate escalation strategies",
}

var strategiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List strategies in execution order after include/exclude filtering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		list, err := cfg.BuildStrategies()
		if err != nil {
			return configError(err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTIER\tACTION\tPRECONDITION\tPOSTCONDITION")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%d (%s)\t%s\t%s\t%s\n", s.ID, s.RiskTier, strategy.TierLabel(s.RiskTier),
				s.ActionRef, orDash(s.Precondition), orDash(s.Postcondition))
		}
		return tw.Flush()
	},
}

var strategiesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file without running anything",
	Long:  "Checks the document against the configuration schema, then checks\nreferences between probes, actions and strategies. Exits 78 on any error.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}
		if path == "" {
			return configError(errors.New("no configuration file given"))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return configError(err)
		}
		cfg, err := config.Parse(data)
		if err != nil {
			var errs config.ValidationErrors
			if errors.As(err, &errs) {
				for _, e := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e.Error())
				}
				return &exitError{code: exitConfig, err: fmt.Errorf("%s: %d validation errors", path, len(errs))}
			}
			return configError(err)
		}
		list, err := cfg.BuildStrategies()
		if err != nil {
			return configError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d probes, %d actions, %d strategies (%d after filtering)\n",
			len(cfg.Probes), len(cfg.Actions), len(cfg.Strategies), len(list))
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

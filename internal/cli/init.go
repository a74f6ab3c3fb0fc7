package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/config"
)

var (
	initDir   string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default ~/.rootwatch)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the rootwatch state directory and a starter config",
	Long: `Creates the state directory and a commented config.yaml carrying every
default. The built-in probe set stays active; add actions and strategies
before running.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = config.Dir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	w := cmd.OutOrStdout()
	path := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(path, config.DefaultYAML())
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "Created %s\n\n", path)
	} else {
		fmt.Fprintf(w, "%s already exists (use --force to overwrite).\n\n", path)
	}

	fmt.Fprintln(w, "Check the probes against this device:")
	fmt.Fprintln(w, "  rootwatch detect")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Validate strategies after editing:")
	fmt.Fprintf(w, "  rootwatch strategies validate %s\n", path)
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

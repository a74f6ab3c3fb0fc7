package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/checkpoint"
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect the resumable run snapshots",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show [trace-id]",
	Short: "Print a snapshot (default: the most recent)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var snap checkpoint.Snapshot
		if len(args) > 0 {
			snap, err = store.Load(cmd.Context(), args[0])
		} else {
			snap, err = store.Latest(cmd.Context())
		}
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if !snap.Resumable() {
			fmt.Fprintf(cmd.ErrOrStderr(), "note: run ended with %s and cannot be resumed\n", snap.Termination)
		}
		return nil
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <trace-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func openStore() (*checkpoint.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return checkpoint.Open(cfg.Checkpoint.Path)
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/audit"
)

var (
	tailLines    int
	auditTraceID string
	auditKind    string
	timelineJSON bool
	verifyAsJSON bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditTimelineCmd)
	auditVerifyCmd.Flags().BoolVar(&verifyAsJSON, "json", false, "Print the verification result as JSON")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().StringVar(&auditTraceID, "trace", "", "Only show records of this trace")
	auditTailCmd.Flags().StringVar(&auditKind, "kind", "", "Only show records of this kind (attempt, adaptation, detection, run)")
	auditTimelineCmd.Flags().BoolVar(&timelineJSON, "json", false, "Print the raw records as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates sequence numbers and that every\nentry's prev_hash matches the previous entry's hash. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditTimelineCmd = &cobra.Command{
	Use:   "timeline [trace-id]",
	Short: "Render one run as a human-readable timeline",
	Long:  "Renders every record of a trace. Without a trace id the most recent trace\nin the configured audit log is shown.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTimeline,
}

// auditPath returns the explicit path argument or the configured log.
func auditPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Audit.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	w := cmd.OutOrStdout()
	if verifyAsJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(w, string(out))
	} else if result.Valid {
		fmt.Fprintf(w, "OK: %d entries verified\n", result.Lines)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	}
	if !result.Valid {
		return &exitError{code: exitFailed}
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	recs, err := audit.TailFile(path, tailLines, audit.Filter{TraceID: auditTraceID, Kind: audit.Kind(auditKind)})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}

func runAuditTimeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	traceID := ""
	if len(args) > 0 {
		traceID = args[0]
	} else {
		last, err := audit.TailFile(cfg.Audit.Path, 1, audit.Filter{})
		if err != nil {
			return err
		}
		if len(last) == 0 {
			return fmt.Errorf("audit log %s is empty", cfg.Audit.Path)
		}
		traceID = last[0].TraceID
	}

	recs, err := audit.ReadFile(cfg.Audit.Path, audit.Filter{TraceID: traceID})
	if err != nil {
		return err
	}
	if timelineJSON {
		out, err := audit.FormatJSON(recs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(traceID, recs))
	return nil
}

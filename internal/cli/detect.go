package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/sysexec"
)

var detectJSON bool

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Print the detection as JSON")
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run every probe once and print the aggregated status",
	Long:  "Runs the configured read-only probes concurrently and prints each vote\nand the weighted aggregate. Executes no escalation action.",
	Args:  cobra.NoArgs,
	RunE:  runDetect,
}

type detectOutput struct {
	Status      string        `json:"status"`
	Confidence  float64       `json:"confidence"`
	ErrorWeight float64       `json:"error_weight"`
	TotalWeight float64       `json:"total_weight"`
	Probes      []probeOutput `json:"probes"`
}

type probeOutput struct {
	ID        string  `json:"id"`
	Signal    string  `json:"signal"`
	Weight    float64 `json:"weight"`
	LatencyMS int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	probes, err := cfg.BuildProbes(sysexec.LocalRunner{})
	if err != nil {
		return configError(err)
	}
	det, err := probe.NewDetector(probes, probe.WithTimeout(cfg.ProbeTimeout))
	if err != nil {
		return configError(err)
	}

	d := det.Detect(cmd.Context())
	out := detectOutput{
		Status:      string(d.Status),
		Confidence:  d.Confidence,
		ErrorWeight: d.ErrorWeight,
		TotalWeight: d.TotalWeight,
	}
	for _, r := range d.Results {
		out.Probes = append(out.Probes, probeOutput{
			ID:        r.ProbeID,
			Signal:    string(r.Signal),
			Weight:    r.Weight,
			LatencyMS: r.Latency.Milliseconds(),
			Error:     r.Err,
		})
	}

	w := cmd.OutOrStdout()
	if detectJSON {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBE\tSIGNAL\tWEIGHT\tLATENCY\tERROR")
	for _, p := range out.Probes {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%dms\t%s\n", p.ID, p.Signal, p.Weight, p.LatencyMS, p.Error)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nstatus: %s (confidence %.2f, errored weight %.2f of %.2f)\n",
		out.Status, out.Confidence, out.ErrorWeight, out.TotalWeight)
	return nil
}

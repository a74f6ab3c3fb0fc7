package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rootwatch/internal/audit"
	"github.com/ppiankov/rootwatch/internal/checkpoint"
	"github.com/ppiankov/rootwatch/internal/config"
	"github.com/ppiankov/rootwatch/internal/engine"
	"github.com/ppiankov/rootwatch/internal/mirror"
	"github.com/ppiankov/rootwatch/internal/model"
	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/stopfile"
	"github.com/ppiankov/rootwatch/internal/sysexec"
	"github.com/ppiankov/rootwatch/internal/tracer"
)

var (
	runResume    string
	runClearStop bool
	runJSON      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runResume, "resume", "", `Resume a checkpointed run by trace id, or "latest"`)
	runCmd.Flags().BoolVar(&runClearStop, "clear-stop", false, "Remove a leftover stop file before starting")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the escalation engine until it terminates",
	Long: "Probes the device, executes escalation strategies in ascending risk order and\n" +
		"adapts after every attempt. Stops on full elevation, a fatal signal, an\n" +
		"exhausted budget or queue, SIGINT/SIGTERM, or when the stop file appears.\n" +
		"Exits 0 on success, 1 otherwise, 78 on configuration errors.",
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := stopfile.New(cfg.StopFile, 0, logger)
	if runClearStop {
		if err := sw.Clear(); err != nil {
			return err
		}
	}
	ctx, cancelStop := stopfile.WithStop(ctx, sw)
	defer cancelStop()

	var store *checkpoint.Store
	if !cfg.Checkpoint.Disabled {
		store, err = checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	traceID := tracer.NewTraceID()
	var resume *checkpoint.Snapshot
	if runResume != "" {
		snap, err := loadSnapshot(ctx, store, runResume)
		if err != nil {
			return err
		}
		resume = &snap
		traceID = snap.TraceID
	}

	opts := []audit.Option{audit.WithTraceID(traceID)}
	var fwd *mirror.Forwarder
	if cfg.Mirror.Endpoint != "" {
		sink, err := mirror.NewSink(mirror.SinkConfig{
			Endpoint: cfg.Mirror.Endpoint,
			Source:   cfg.Mirror.Source,
			Headers:  cfg.Mirror.Headers,
			Timeout:  cfg.Mirror.Timeout,
		})
		if err != nil {
			return configError(err)
		}
		fwd = mirror.NewForwarder(sink, mirror.ForwarderConfig{
			QueueSize:  cfg.Mirror.QueueSize,
			MaxRetries: cfg.Mirror.MaxRetries,
			Timeout:    cfg.Mirror.Timeout,
			Logger:     logger,
		})
		opts = append(opts, audit.WithMirror(fwd))
	}

	log, err := audit.Open(cfg.Audit.Path, opts...)
	if err != nil {
		return err
	}
	defer log.Close()
	if fwd != nil {
		defer drainMirror(fwd, cfg.Mirror.Timeout, logger)
	}

	eng, err := buildEngine(cfg, log, store, resume, logger)
	if err != nil {
		return err
	}

	res, runErr := eng.Run(ctx)
	if errors.Is(context.Cause(ctx), stopfile.ErrStopRequested) {
		logger.Info("run stopped by stop file", "path", sw.Path())
	}
	if err := printResult(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if runErr != nil {
		return &exitError{code: exitFailed, err: runErr}
	}
	if res.Reason != model.ReasonSuccess {
		return &exitError{code: exitFailed}
	}
	return nil
}

func buildEngine(cfg *config.Config, log *audit.Log, store *checkpoint.Store, resume *checkpoint.Snapshot, logger *slog.Logger) (*engine.Engine, error) {
	runner := sysexec.LocalRunner{}
	probes, err := cfg.BuildProbes(runner)
	if err != nil {
		return nil, configError(err)
	}
	det, err := probe.NewDetector(probes, probe.WithTimeout(cfg.ProbeTimeout), probe.WithLogger(logger))
	if err != nil {
		return nil, configError(err)
	}
	actions, err := cfg.ActionRegistry()
	if err != nil {
		return nil, configError(err)
	}
	list, err := cfg.BuildStrategies()
	if err != nil {
		return nil, configError(err)
	}

	deps := engine.Deps{
		Detector:   det,
		Actions:    actions,
		Runner:     runner,
		Log:        log,
		Strategies: list,
		Resume:     resume,
		Logger:     logger,
	}
	if store != nil {
		deps.Checkpoints = store
	}
	return engine.New(engineConfig(cfg), deps)
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		MaxAttempts:                cfg.MaxAttempts,
		MaxRestarts:                cfg.MaxRestarts,
		StallLimit:                 cfg.StallLimit,
		TierDenialsBeforeExclusion: cfg.TierDenialsBeforeExclusion,
		MaxRiskTier:                cfg.MaxRiskTier,
		StrategyTimeout:            cfg.StrategyTimeout,
		ReprobeDelay:               cfg.ReprobeDelay,
		Backoff: engine.BackoffConfig{
			Base:   cfg.Backoff.Base,
			Cap:    cfg.Backoff.Cap,
			Jitter: cfg.Backoff.Jitter,
		},
	}
}

func loadSnapshot(ctx context.Context, store *checkpoint.Store, ref string) (checkpoint.Snapshot, error) {
	if store == nil {
		return checkpoint.Snapshot{}, configError(errors.New("--resume needs the checkpoint store; checkpoint.disabled is set"))
	}
	// The signal context may already be cancelled; loading is still wanted.
	ctx = context.WithoutCancel(ctx)
	if ref == "latest" {
		return store.Latest(ctx)
	}
	return store.Load(ctx, ref)
}

func drainMirror(fwd *mirror.Forwarder, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fwd.Close(ctx); err != nil {
		logger.Warn("mirror drain incomplete", "error", err)
	}
	st := fwd.Stats()
	logger.Info("mirror closed", "sent", st.Sent, "failed", st.Failed, "dropped", st.Dropped)
}

func printResult(w io.Writer, res engine.Result) error {
	if runJSON {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
	fmt.Fprintln(w, res.Summary)
	fmt.Fprintf(w, "trace:  %s\n", res.TraceID)
	fmt.Fprintf(w, "audit:  %s\n", res.AuditPath)
	if res.Restarts > 0 {
		fmt.Fprintf(w, "restarts: %d\n", res.Restarts)
	}
	return nil
}

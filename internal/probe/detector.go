package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ppiankov/rootwatch/internal/model"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// tieEpsilon treats bucket weights this close as equal.
const tieEpsilon = 1e-9

// Detector runs every probe concurrently and aggregates the votes.
type Detector struct {
	probes  []Probe
	weights map[string]float64
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithTimeout sets the per-probe timeout.
func WithTimeout(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.timeout = d
		}
	}
}

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) DetectorOption {
	return func(det *Detector) { det.now = now }
}

// WithLogger sets the logger for probe failures.
func WithLogger(l *slog.Logger) DetectorOption {
	return func(det *Detector) { det.logger = l }
}

// NewDetector creates a detector over probes. Probe ids must be unique.
func NewDetector(probes []Probe, opts ...DetectorOption) (*Detector, error) {
	if len(probes) == 0 {
		return nil, errors.New("probe: detector needs at least one probe")
	}
	d := &Detector{
		weights: make(map[string]float64, len(probes)),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With("component", "detector")

	sorted := append([]Probe(nil), probes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	for _, p := range sorted {
		if _, dup := d.weights[p.ID()]; dup {
			return nil, fmt.Errorf("probe: duplicate probe id %s", p.ID())
		}
		d.weights[p.ID()] = p.Weight()
	}
	d.probes = sorted
	return d, nil
}

// ProbeIDs returns the ids of the detector's probes in sorted order.
func (d *Detector) ProbeIDs() []string {
	ids := make([]string, len(d.probes))
	for i, p := range d.probes {
		ids[i] = p.ID()
	}
	return ids
}

// Has reports whether a probe with id is registered.
func (d *Detector) Has(id string) bool {
	_, ok := d.weights[id]
	return ok
}

// Detect runs all probes, each under its own timeout, and aggregates.
// A probe that does not answer in time is recorded as errored even if it
// ignores its context.
func (d *Detector) Detect(ctx context.Context) model.Detection {
	results := make([]model.ProbeResult, len(d.probes))
	done := make(chan struct{}, len(d.probes))

	for i, p := range d.probes {
		go func(i int, p Probe) {
			results[i] = d.runOne(ctx, p)
			done <- struct{}{}
		}(i, p)
	}
	for range d.probes {
		<-done
	}
	return Aggregate(results, d.weights, d.now().UTC())
}

type checkOutcome struct {
	status model.RootStatus
	err    error
}

func (d *Detector) runOne(ctx context.Context, p Probe) model.ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan checkOutcome, 1)
	go func() {
		s, err := p.Check(pctx)
		ch <- checkOutcome{s, err}
	}()

	var out checkOutcome
	select {
	case out = <-ch:
	case <-pctx.Done():
		out = checkOutcome{model.StatusError, fmt.Errorf("probe timed out: %w", pctx.Err())}
	}

	r := model.ProbeResult{ProbeID: p.ID(), Latency: time.Since(start)}
	switch {
	case out.err != nil:
		r.Signal = model.StatusError
		r.Err = out.err.Error()
		d.logger.Debug("probe errored", "probe", p.ID(), "error", out.err)
	case out.status == model.StatusUnknown:
		r.Signal = model.StatusUnknown
	case out.status.Votable():
		r.Signal = out.status
		r.Weight = p.Weight()
	default:
		r.Signal = model.StatusError
		r.Err = fmt.Sprintf("probe returned non-votable status %q", out.status)
	}
	return r
}

// Aggregate computes a weighted plurality over the votable buckets.
// weights holds each probe's declared weight. Results are summed in probe id
// order so identical inputs give bit-identical confidence.
//
// The result is Unknown with confidence 0 when errored probes carry more
// than half of the declared weight, or when no vote remains. Ties go to the
// lower status. Confidence is relative to the weight that voted: abstaining
// probes count toward neither the numerator nor the denominator.
func Aggregate(results []model.ProbeResult, weights map[string]float64, at time.Time) model.Detection {
	sorted := append([]model.ProbeResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProbeID < sorted[j].ProbeID })

	det := model.Detection{Status: model.StatusUnknown, Results: sorted, At: at}

	buckets := make(map[model.RootStatus]float64, len(model.VotableStatuses))
	for _, r := range sorted {
		declared := weights[r.ProbeID]
		det.TotalWeight += declared
		switch {
		case r.Errored():
			det.ErrorWeight += declared
		case r.Signal.Votable():
			buckets[r.Signal] += r.Weight
		}
	}

	var voted float64
	for _, s := range model.VotableStatuses {
		voted += buckets[s]
	}
	if det.TotalWeight <= 0 || det.ErrorWeight > det.TotalWeight/2 || voted <= 0 {
		return det
	}

	best, bestW := model.StatusUnknown, 0.0
	for _, s := range model.VotableStatuses {
		if w := buckets[s]; w > bestW+tieEpsilon {
			best, bestW = s, w
		}
	}
	det.Status = best
	det.Confidence = bestW / voted
	return det
}

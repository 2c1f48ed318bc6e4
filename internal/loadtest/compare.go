package loadtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/picostuff/lockstep/internal/tree"
)

// Backend names a store under test.
type Backend struct {
	Name  string
	Store tree.Store
}

// Comparison holds two runs of the same workload.
type Comparison struct {
	Base      Backend
	Candidate Backend

	BaseResult      *Result
	CandidateResult *Result

	// LatencyImprovement per metric (p50, mean, p95, p99), in percent.
	// Positive means the candidate is faster.
	LatencyImprovement map[string]float64
	// ThroughputImprovement is the candidate's gain in swaps per second,
	// in percent.
	ThroughputImprovement float64
}

// Compare runs opts against base, then candidate, tearing down after each.
func Compare(ctx context.Context, opts Options, base, candidate Backend) (*Comparison, error) {
	c := &Comparison{
		Base:               base,
		Candidate:          candidate,
		LatencyImprovement: make(map[string]float64),
	}

	var err error
	if c.BaseResult, err = runAndTeardown(ctx, base, opts); err != nil {
		return nil, err
	}
	if c.CandidateResult, err = runAndTeardown(ctx, candidate, opts); err != nil {
		return nil, err
	}

	b, k := c.BaseResult.Latency, c.CandidateResult.Latency
	c.LatencyImprovement["p50"] = improvement(k.P50, b.P50)
	c.LatencyImprovement["mean"] = improvement(k.Mean, b.Mean)
	c.LatencyImprovement["p95"] = improvement(k.P95, b.P95)
	c.LatencyImprovement["p99"] = improvement(k.P99, b.P99)

	bq, kq := c.BaseResult.Throughput(), c.CandidateResult.Throughput()
	if bq > 0 {
		c.ThroughputImprovement = (kq - bq) / bq * 100
	}
	return c, nil
}

func runAndTeardown(ctx context.Context, b Backend, opts Options) (*Result, error) {
	res, err := Run(ctx, b.Store, opts)
	if res != nil {
		if terr := Teardown(ctx, b.Store); err == nil && terr != nil {
			err = terr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s run failed: %w", b.Name, err)
	}
	return res, nil
}

// improvement is the relative latency gain of candidate over base.
func improvement(candidate, base time.Duration) float64 {
	if base == 0 {
		return 0
	}
	return float64(base-candidate) / float64(base) * 100
}

// Throughput returns successful swaps per second.
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Successes) / r.Duration.Seconds()
}

// PrintComparison writes a side-by-side table to w.
func (c *Comparison) PrintComparison(w io.Writer) {
	separator := strings.Repeat("=", 64)
	fmt.Fprintf(w, "%s\n", separator)
	fmt.Fprintf(w, "CAS COMPARISON: %s vs %s\n", c.Candidate.Name, c.Base.Name)
	fmt.Fprintf(w, "%s\n\n", separator)

	fmt.Fprintf(w, "%-8s | %-14s | %-14s | %s\n", "Metric", c.Base.Name, c.Candidate.Name, "Improvement")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 56))
	b, k := c.BaseResult.Latency, c.CandidateResult.Latency
	printRow(w, "P50", b.P50, k.P50, c.LatencyImprovement["p50"])
	printRow(w, "Mean", b.Mean, k.Mean, c.LatencyImprovement["mean"])
	printRow(w, "P95", b.P95, k.P95, c.LatencyImprovement["p95"])
	printRow(w, "P99", b.P99, k.P99, c.LatencyImprovement["p99"])

	fmt.Fprintf(w, "\nThroughput:\n")
	fmt.Fprintf(w, "  %-10s %.0f swaps/sec\n", c.Base.Name+":", c.BaseResult.Throughput())
	fmt.Fprintf(w, "  %-10s %.0f swaps/sec\n", c.Candidate.Name+":", c.CandidateResult.Throughput())
	fmt.Fprintf(w, "  Improvement: %s%.1f%%\n", formatSign(c.ThroughputImprovement), c.ThroughputImprovement)

	fmt.Fprintf(w, "\nConflicts: %s=%d %s=%d\n",
		c.Base.Name, c.BaseResult.Conflicts, c.Candidate.Name, c.CandidateResult.Conflicts)
}

func printRow(w io.Writer, metric string, base, candidate time.Duration, pct float64) {
	fmt.Fprintf(w, "%-8s | %-14v | %-14v | %s%.1f%%\n",
		metric, base.Round(time.Microsecond), candidate.Round(time.Microsecond), formatSign(pct), pct)
}

func formatSign(v float64) string {
	if v > 0 {
		return "+"
	}
	return ""
}

// Package loadtest stress-tests the compare-and-swap operations of a tree
// store.
//
// Concurrent writers repeatedly read an item and try to replace it with
// the next value of a per-item counter. Every successful swap bumps the
// counter by exactly one, so after the run each item's counter must equal
// the number of swaps reported as successful on it. Any shortfall is a
// lost update.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/syncerr"
	"github.com/picostuff/lockstep/internal/tree"
)

// Root is the directory the harness creates its items under.
const Root = "/loadtest"

// Options configures a run.
type Options struct {
	Writers      int
	OpsPerWriter int
	// Items is the number of contended items. Fewer items means more
	// conflicts.
	Items int
	// MaxRetries bounds conflicts per operation before it counts as an
	// error.
	MaxRetries int
	Seed       int64
}

// DefaultOptions returns a moderately contended workload.
func DefaultOptions() Options {
	return Options{
		Writers:      16,
		OpsPerWriter: 100,
		Items:        8,
		MaxRetries:   1000,
		Seed:         42,
	}
}

// LatencyStats captures CAS latency.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Durations    []time.Duration
}

// Result summarizes a run.
type Result struct {
	Writers     int
	Successes   int
	Conflicts   int
	Errors      int
	LostUpdates int
	Duration    time.Duration
	Latency     *LatencyStats
}

// versionOf encodes counter n written by writer w.
func versionOf(n, w int) string {
	return fmt.Sprintf("%d:w%d", n, w)
}

// counterOf decodes the counter from a version written by versionOf.
func counterOf(version string) (int, error) {
	head, _, ok := strings.Cut(version, ":")
	if !ok {
		return 0, fmt.Errorf("malformed version %q", version)
	}
	return strconv.Atoi(head)
}

func itemPath(i int) string {
	return itempath.Join(Root, fmt.Sprintf("item-%03d", i))
}

// Setup creates the item directory and resets every item to counter 0.
// It fails if the items already exist.
func Setup(ctx context.Context, s tree.Store, items int) error {
	if err := tree.AddDir(ctx, s, itempath.Root, strings.TrimPrefix(Root, "/")); err != nil {
		return fmt.Errorf("failed to create %s: %w", Root, err)
	}
	for i := 0; i < items; i++ {
		if err := s.AddChild(ctx, Root, itempath.Name(itemPath(i)), versionOf(0, -1)); err != nil {
			return fmt.Errorf("failed to create item %d: %w", i, err)
		}
	}
	return nil
}

// Teardown removes everything Setup created.
func Teardown(ctx context.Context, s tree.Store) error {
	return s.RemoveChild(ctx, itempath.Root, strings.TrimPrefix(Root, "/"))
}

type writerResult struct {
	successes map[int]int // item -> successful swaps
	conflicts int
	errors    []error
	durations []time.Duration
}

// Run sets up the items, runs the writers, and verifies the final counters.
func Run(ctx context.Context, s tree.Store, opts Options) (*Result, error) {
	if opts.Writers < 1 || opts.OpsPerWriter < 1 || opts.Items < 1 {
		return nil, fmt.Errorf("writers, ops, and items must be positive")
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if err := Setup(ctx, s, opts.Items); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]writerResult, opts.Writers)
	var wg sync.WaitGroup
	for w := 0; w < opts.Writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
			results[w] = runWriter(ctx, s, w, rng, opts)
		}(w)
	}
	wg.Wait()

	res := &Result{Writers: opts.Writers, Duration: time.Since(start)}
	expected := make(map[int]int)
	var durations []time.Duration
	for _, r := range results {
		for i, n := range r.successes {
			expected[i] += n
			res.Successes += n
		}
		res.Conflicts += r.conflicts
		res.Errors += len(r.errors)
		durations = append(durations, r.durations...)
	}
	res.Latency = computeLatencyStats(durations)

	for i := 0; i < opts.Items; i++ {
		n, err := s.Read(ctx, itemPath(i))
		if err != nil {
			return res, fmt.Errorf("failed to read item %d: %w", i, err)
		}
		got, err := counterOf(n.Version)
		if err != nil {
			return res, err
		}
		if got < expected[i] {
			res.LostUpdates += expected[i] - got
		} else if got > expected[i] {
			return res, fmt.Errorf("item %d counter %d exceeds %d recorded swaps", i, got, expected[i])
		}
	}

	if res.LostUpdates > 0 {
		return res, fmt.Errorf("%d updates lost", res.LostUpdates)
	}
	return res, nil
}

func runWriter(ctx context.Context, s tree.Store, w int, rng *rand.Rand, opts Options) writerResult {
	r := writerResult{successes: make(map[int]int)}

	for op := 0; op < opts.OpsPerWriter; op++ {
		if ctx.Err() != nil {
			r.errors = append(r.errors, ctx.Err())
			return r
		}
		i := rng.Intn(opts.Items)
		p := itemPath(i)

		done := false
		for attempt := 0; attempt < opts.MaxRetries && !done; attempt++ {
			current, err := s.Read(ctx, p)
			if err != nil {
				r.errors = append(r.errors, err)
				break
			}
			n, err := counterOf(current.Version)
			if err != nil {
				r.errors = append(r.errors, err)
				break
			}

			replacement := tree.Node{Name: current.Name, Version: versionOf(n+1, w)}
			began := time.Now()
			err = s.CompareAndUpdate(ctx, p, current, replacement)
			r.durations = append(r.durations, time.Since(began))

			switch {
			case err == nil:
				r.successes[i]++
				done = true
			case errors.Is(err, syncerr.ErrSaveConflict):
				r.conflicts++
			default:
				r.errors = append(r.errors, err)
				done = true
			}
		}
		if !done {
			r.errors = append(r.errors, fmt.Errorf("writer %d gave up on %s", w, p))
		}
	}
	return r
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	// Sort durations for percentile calculation
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total CAS:     %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

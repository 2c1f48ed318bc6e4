package loadtest

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/picostuff/lockstep/internal/syncerr"
	"github.com/picostuff/lockstep/internal/tree"
)

// TestRun_MemoryTree verifies no updates are lost under heavy contention.
func TestRun_MemoryTree(t *testing.T) {
	opts := Options{Writers: 16, OpsPerWriter: 50, Items: 4, MaxRetries: 10000, Seed: 1}

	res, err := Run(context.Background(), tree.NewMemoryTree(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Errors != 0 {
		t.Errorf("Got %d errors", res.Errors)
	}
	if res.LostUpdates != 0 {
		t.Errorf("Lost %d updates", res.LostUpdates)
	}
	if want := opts.Writers * opts.OpsPerWriter; res.Successes != want {
		t.Errorf("Expected %d successful swaps, got %d", want, res.Successes)
	}
	if res.Latency.TotalQueries != res.Successes+res.Conflicts {
		t.Errorf("CAS count %d != successes %d + conflicts %d",
			res.Latency.TotalQueries, res.Successes, res.Conflicts)
	}
}

// TestRun_SQLTree runs a smaller workload against the SQLite backend.
func TestRun_SQLTree(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite load test in short mode")
	}
	ctx := context.Background()
	s, err := tree.OpenSQL(ctx, filepath.Join(t.TempDir(), "tree.db"))
	if err != nil {
		t.Fatalf("OpenSQL failed: %v", err)
	}
	defer s.Close()

	opts := Options{Writers: 4, OpsPerWriter: 10, Items: 2, MaxRetries: 1000, Seed: 7}
	res, err := Run(ctx, s, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Errors != 0 || res.LostUpdates != 0 {
		t.Errorf("errors=%d lost=%d", res.Errors, res.LostUpdates)
	}
	if res.Successes != opts.Writers*opts.OpsPerWriter {
		t.Errorf("Expected %d swaps, got %d", opts.Writers*opts.OpsPerWriter, res.Successes)
	}
}

// lossyStore acknowledges every other swap without applying it.
type lossyStore struct {
	tree.Store
	calls int
}

func (s *lossyStore) CompareAndUpdate(ctx context.Context, path string, expected, replacement tree.Node) error {
	s.calls++
	if s.calls%2 == 0 {
		return nil
	}
	return s.Store.CompareAndUpdate(ctx, path, expected, replacement)
}

func TestRun_DetectsLostUpdates(t *testing.T) {
	s := &lossyStore{Store: tree.NewMemoryTree()}
	opts := Options{Writers: 1, OpsPerWriter: 10, Items: 1, Seed: 1}

	res, err := Run(context.Background(), s, opts)
	if err == nil {
		t.Fatal("Run succeeded against a store that drops writes")
	}
	if res == nil || res.LostUpdates != 5 {
		t.Errorf("LostUpdates = %+v, want 5", res)
	}
}

func TestRun_SetupFailsOnExistingItems(t *testing.T) {
	ctx := context.Background()
	s := tree.NewMemoryTree()
	if err := Setup(ctx, s, 1); err != nil {
		t.Fatal(err)
	}
	_, err := Run(ctx, s, Options{Writers: 1, OpsPerWriter: 1, Items: 1})
	if !errors.Is(err, syncerr.ErrAddDuplicate) {
		t.Errorf("Run() error = %v, want ErrAddDuplicate", err)
	}

	if err := Teardown(ctx, s); err != nil {
		t.Fatal(err)
	}
	if _, err := Run(ctx, s, Options{Writers: 1, OpsPerWriter: 1, Items: 1}); err != nil {
		t.Errorf("Run after Teardown failed: %v", err)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no writers", Options{Writers: 0, OpsPerWriter: 1, Items: 1}},
		{"no ops", Options{Writers: 1, OpsPerWriter: 0, Items: 1}},
		{"no items", Options{Writers: 1, OpsPerWriter: 1, Items: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tree.NewMemoryTree(), tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCounterRoundTrip(t *testing.T) {
	n, err := counterOf(versionOf(41, 3))
	if err != nil || n != 41 {
		t.Errorf("counterOf = %d, %v; want 41", n, err)
	}
	if _, err := counterOf("dir"); err == nil {
		t.Error("expected error for malformed version")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.TotalQueries != 100 {
		t.Errorf("TotalQueries = %d", stats.TotalQueries)
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	if !strings.Contains(buf.String(), "P95") {
		t.Errorf("PrintStats output missing P95:\n%s", buf.String())
	}

	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Error("empty stats should have no queries")
	}
}

func TestCompare_MemoryVsSQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite comparison in short mode")
	}
	ctx := context.Background()
	sqlTree, err := tree.OpenSQL(ctx, filepath.Join(t.TempDir(), "tree.db"))
	if err != nil {
		t.Fatalf("OpenSQL failed: %v", err)
	}
	defer sqlTree.Close()

	opts := Options{Writers: 4, OpsPerWriter: 10, Items: 2, MaxRetries: 1000, Seed: 3}
	c, err := Compare(ctx, opts,
		Backend{Name: "sqlite", Store: sqlTree},
		Backend{Name: "memory", Store: tree.NewMemoryTree()})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	for _, res := range []*Result{c.BaseResult, c.CandidateResult} {
		if res.Successes != opts.Writers*opts.OpsPerWriter {
			t.Errorf("Successes = %d, want %d", res.Successes, opts.Writers*opts.OpsPerWriter)
		}
	}
	for _, m := range []string{"p50", "mean", "p95", "p99"} {
		if _, ok := c.LatencyImprovement[m]; !ok {
			t.Errorf("missing %s improvement", m)
		}
	}

	var buf bytes.Buffer
	c.PrintComparison(&buf)
	if !strings.Contains(buf.String(), "CAS COMPARISON: memory vs sqlite") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}

	// Both backends were torn down
	if _, err := sqlTree.Read(ctx, Root); !errors.Is(err, syncerr.ErrMissingNode) {
		t.Errorf("Read(%s) after compare = %v, want ErrMissingNode", Root, err)
	}
}

func TestImprovement(t *testing.T) {
	tests := []struct {
		candidate, base time.Duration
		want            float64
	}{
		{50 * time.Millisecond, 100 * time.Millisecond, 50},
		{200 * time.Millisecond, 100 * time.Millisecond, -100},
		{time.Millisecond, 0, 0},
	}
	for _, tt := range tests {
		if got := improvement(tt.candidate, tt.base); got != tt.want {
			t.Errorf("improvement(%v, %v) = %v, want %v", tt.candidate, tt.base, got, tt.want)
		}
	}
}

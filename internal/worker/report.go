package worker

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/picostuff/lockstep/internal/reconcile"
	"github.com/picostuff/lockstep/internal/syncerr"
)

// Outcome is the result of syncing one path.
type Outcome struct {
	Path     string             `json:"path" yaml:"path"`
	Actions  []reconcile.Action `json:"actions" yaml:"actions"`
	Attempts int                `json:"attempts" yaml:"attempts"`
	Rejected bool               `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	Err      error              `json:"-" yaml:"-"`
}

// Pushed reports whether the outcome sent anything upstream.
func (o Outcome) Pushed() bool {
	for _, a := range o.Actions {
		if a == reconcile.ActionPush || a == reconcile.ActionPushDelete {
			return true
		}
	}
	return false
}

// Failure records a path a full pass could not sync. NeedsUser is set
// when retrying alone won't help.
type Failure struct {
	Path      string `json:"path" yaml:"path"`
	Error     string `json:"error" yaml:"error"`
	NeedsUser bool   `json:"needs_user,omitempty" yaml:"needs_user,omitempty"`
}

// Report summarizes a full pass.
type Report struct {
	RunID     string         `json:"run_id" yaml:"run_id"`
	StartedAt time.Time      `json:"started_at" yaml:"started_at"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
	Paths     int            `json:"paths" yaml:"paths"`
	Actions   map[string]int `json:"actions" yaml:"actions"`
	Pushed    int            `json:"pushed" yaml:"pushed"`
	Conflicts int            `json:"conflicts" yaml:"conflicts"`
	Rejected  []string       `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	Failures  []Failure      `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// NewReport starts an empty report with a fresh run ID.
func NewReport() *Report {
	return &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Actions:   make(map[string]int),
	}
}

// Add folds one outcome into the report.
func (r *Report) Add(o Outcome) {
	r.Paths++
	for _, a := range o.Actions {
		r.Actions[a.String()]++
		if a == reconcile.ActionConflict {
			r.Conflicts++
		}
	}
	if o.Pushed() {
		r.Pushed++
	}
	if o.Rejected {
		r.Rejected = append(r.Rejected, o.Path)
	}
	if o.Err != nil {
		r.Failures = append(r.Failures, Failure{
			Path:      o.Path,
			Error:     o.Err.Error(),
			NeedsUser: syncerr.IsUserActionRequired(o.Err),
		})
	}
}

// Finish sorts the rejected paths and stamps the duration.
func (r *Report) Finish() {
	sort.Strings(r.Rejected)
	r.Duration = time.Since(r.StartedAt)
}

// OK reports whether every path synced.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

package dashboard

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/picostuff/lockstep/internal/metrics"
	"github.com/picostuff/lockstep/internal/reconcile"
	"github.com/picostuff/lockstep/internal/worker"
)

// Handler turns engine and worker events into metrics and dashboard
// messages. Its methods match reconcile.Config.OnDecision and
// worker.Config.OnOutcome/OnReport, so they can be plugged in directly.
//
// A Handler without a server only records metrics and statistics.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler feeding server, which may be nil. Create
// the handler before starting the server so new clients get its stats.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{ByAction: make(map[string]int)},
	}
	if server != nil {
		server.welcome = h.statsMessage
	}
	return h
}

// OnDecision handles a reconciliation decision.
func (h *Handler) OnDecision(d reconcile.Decision) {
	remote, local := d.Pair.States()
	conflict := d.Action == reconcile.ActionConflict
	metrics.RecordDecision(d.Action.String(), d.Pair.String(), conflict)

	h.mu.Lock()
	h.stats.Decisions++
	h.stats.ByAction[d.Action.String()]++
	if conflict {
		h.stats.Conflicts++
	}
	h.mu.Unlock()

	data := DecisionData{
		Path:   d.Path,
		Remote: remote.String(),
		Local:  local.String(),
		Action: d.Action.String(),
	}
	if d.Err != nil {
		data.Error = d.Err.Error()
	}
	h.send(MessageTypeDecision, data)
}

// OnOutcome handles the result of syncing one path.
func (h *Handler) OnOutcome(o worker.Outcome) {
	metrics.RecordSync(o.Attempts, o.Rejected, o.Err == nil)

	h.mu.Lock()
	if o.Rejected {
		h.stats.Rejected++
	}
	if o.Err != nil {
		h.stats.Failures++
	}
	h.mu.Unlock()

	if o.Rejected {
		h.logger.Printf("Rejected local %s after %d attempts", o.Path, o.Attempts)
	}

	data := OutcomeData{
		Path:     o.Path,
		Actions:  make([]string, len(o.Actions)),
		Attempts: o.Attempts,
		Rejected: o.Rejected,
	}
	for i, a := range o.Actions {
		data.Actions[i] = a.String()
	}
	if o.Err != nil {
		data.Error = o.Err.Error()
	}
	h.send(MessageTypeOutcome, data)
}

// OnReport handles full sync completion.
func (h *Handler) OnReport(r *worker.Report) {
	h.logger.Printf("Sync complete: %d paths, %d pushed, %d conflicts in %v",
		r.Paths, r.Pushed, r.Conflicts, r.Duration)
	metrics.RecordFullSync(r.Duration)

	h.mu.Lock()
	h.stats.FullSyncs++
	h.stats.LastRunID = r.RunID
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		RunID:     r.RunID,
		Paths:     r.Paths,
		Pushed:    r.Pushed,
		Conflicts: r.Conflicts,
		Failures:  len(r.Failures),
		Duration:  r.Duration,
	})
	h.broadcastStats()
}

// SetLocalItems updates the local item count.
func (h *Handler) SetLocalItems(n int) {
	metrics.SetLocalItems(n)
	h.mu.Lock()
	h.stats.LocalItems = n
	h.mu.Unlock()
}

// GetStats returns a copy of the current statistics.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copyStatsLocked()
}

func (h *Handler) copyStatsLocked() StatsData {
	s := h.stats
	s.ByAction = make(map[string]int, len(h.stats.ByAction))
	for k, v := range h.stats.ByAction {
		s.ByAction[k] = v
	}
	return s
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		return Message{Type: MessageTypeStats}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	if h.server == nil {
		return
	}
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) send(typ MessageType, v any) {
	if h.server == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

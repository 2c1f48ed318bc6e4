package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/picostuff/lockstep/internal/reconcile"
	"github.com/picostuff/lockstep/internal/state"
	"github.com/picostuff/lockstep/internal/syncerr"
	"github.com/picostuff/lockstep/internal/worker"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // Use random available port
		Logger: log.New(io.Discard, "", 0),
	})
	return server
}

func startServer(t *testing.T, server *Server) {
	t.Helper()
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, readMessage(t, ctx, conn)
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServerStartStop(t *testing.T) {
	server := testServer(t)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("unexpected server address %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	if err := testServer(t).Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := testServer(t)
	h := NewHandler(server, nil)
	h.SetLocalItems(3)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", welcome.Type, MessageTypeStats)
	}
	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.LocalItems != 3 {
		t.Errorf("welcome local_items = %d, want 3", stats.LocalItems)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMultipleClients(t *testing.T) {
	server := testServer(t)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}
	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestHandlerBroadcastsEvents(t *testing.T) {
	server := testServer(t)
	h := NewHandler(server, nil)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	h.OnDecision(reconcile.Decision{
		Path:   "/a/b",
		Pair:   state.Pair{Remote: state.Changed, Local: state.Changed},
		Action: reconcile.ActionConflict,
		Err:    syncerr.Conflict("/a/b", "r2", "l2", "test"),
	})
	msg := readUntil(t, ctx, conn, MessageTypeDecision)
	var decision DecisionData
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		t.Fatal(err)
	}
	if decision.Path != "/a/b" || decision.Action != "conflict" || decision.Remote != "REMOTE_CHANGED" || decision.Error == "" {
		t.Errorf("unexpected decision data %+v", decision)
	}

	h.OnOutcome(worker.Outcome{
		Path:     "/a/b",
		Actions:  []reconcile.Action{reconcile.ActionConflict, reconcile.ActionUpdateLocal},
		Attempts: 2,
		Rejected: true,
	})
	msg = readUntil(t, ctx, conn, MessageTypeOutcome)
	var outcome OutcomeData
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		t.Fatal(err)
	}
	if !outcome.Rejected || outcome.Attempts != 2 || len(outcome.Actions) != 2 || outcome.Actions[1] != "update-local" {
		t.Errorf("unexpected outcome data %+v", outcome)
	}

	h.OnReport(&worker.Report{RunID: "run-1", Paths: 4, Pushed: 1, Conflicts: 1})
	msg = readUntil(t, ctx, conn, MessageTypeSyncComplete)
	var done SyncCompleteData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatal(err)
	}
	if done.RunID != "run-1" || done.Paths != 4 {
		t.Errorf("unexpected sync data %+v", done)
	}

	stats := h.GetStats()
	if stats.Decisions != 1 || stats.Conflicts != 1 || stats.Rejected != 1 || stats.FullSyncs != 1 || stats.LastRunID != "run-1" {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestHandlerWithoutServer(t *testing.T) {
	h := NewHandler(nil, nil)
	h.OnDecision(reconcile.Decision{Path: "/x", Action: reconcile.ActionPush})
	h.OnOutcome(worker.Outcome{Path: "/x", Attempts: 3, Err: syncerr.ErrRetryBudgetExhausted})
	h.OnReport(&worker.Report{RunID: "r"})

	stats := h.GetStats()
	if stats.ByAction["push"] != 1 || stats.Failures != 1 || stats.FullSyncs != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// GetStats hands out a copy
	stats.ByAction["push"] = 99
	if h.GetStats().ByAction["push"] != 1 {
		t.Error("GetStats exposed internal map")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server := testServer(t)
	startServer(t, server)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Errorf("health status = %v", health["status"])
	}

	resp, err = http.Get("http://" + server.GetAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("unexpected /metrics response %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + server.GetAddr() + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}
}

func TestBroadcastAfterStopDoesNotBlock(t *testing.T) {
	server := testServer(t)
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	if err := server.Stop(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			server.Broadcast(Message{Type: MessageTypeStats})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked after Stop")
	}
}

func TestFanoutDropsSlowClient(t *testing.T) {
	server := NewServer(&Config{SendQueue: 2, Logger: log.New(io.Discard, "", 0)})
	slow := newClient(nil, 2)
	fast := newClient(nil, 2)
	server.clients[slow] = struct{}{}
	server.clients[fast] = struct{}{}

	server.fanout([]byte("one"))
	server.fanout([]byte("two"))
	// fast keeps up
	<-fast.send
	<-fast.send
	server.fanout([]byte("three"))

	select {
	case <-slow.done:
	default:
		t.Fatal("slow client was not kicked")
	}
	if slow.status != websocket.StatusPolicyViolation {
		t.Errorf("slow client status = %v, want %v", slow.status, websocket.StatusPolicyViolation)
	}
	select {
	case <-fast.done:
		t.Fatal("fast client was kicked")
	default:
	}
	if got := string(<-fast.send); got != "three" {
		t.Errorf("fast client got %q, want %q", got, "three")
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	server := testServer(t)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want %v", status, err, websocket.StatusGoingAway)
	}
	if count := server.ClientCount(); count != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", count)
	}
}

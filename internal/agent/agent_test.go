package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleet-telemetry/internal/auth"
	"fleet-telemetry/internal/hub"
	"fleet-telemetry/internal/protocol"
	"fleet-telemetry/internal/transport"
)

func TestBackoffFullJitterIsBounded(t *testing.T) {
	b := NewBackoff(2*time.Second, 60*time.Second, 30*time.Second)
	b.jitter = func(n int64) int64 { return n - 1 }

	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("attempt %d: expected %s, got %s", i, w*time.Second, got)
		}
	}

	b.Connected(5 * time.Second)
	if got := b.Ceiling(); got != 60*time.Second {
		t.Fatalf("short connection must not reset backoff, ceiling %s", got)
	}
	b.Connected(45 * time.Second)
	if got := b.Ceiling(); got != 2*time.Second {
		t.Fatalf("expected reset after stable connection, ceiling %s", got)
	}

	b.jitter = func(int64) int64 { return 0 }
	if got := b.Next(); got != 0 {
		t.Fatalf("expected jitter floor of zero, got %s", got)
	}
}

func TestMachineTransitions(t *testing.T) {
	var seen []string
	m := NewMachine(func(from, to State) { seen = append(seen, from.String()+">"+to.String()) })

	if err := m.Transition(StateConnected); err == nil {
		t.Fatalf("expected disconnected -> connected to be rejected")
	}
	for _, s := range []State{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateDisconnected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if len(seen) != 5 || seen[1] != "connecting>connected" {
		t.Fatalf("unexpected transitions %v", seen)
	}
}

func TestAgentURL(t *testing.T) {
	cases := map[string]string{
		"http://console:8080":         "ws://console:8080/ws/agent",
		"https://console.example.com": "wss://console.example.com/ws/agent",
		"wss://console/custom":        "wss://console/custom",
	}
	for in, want := range cases {
		got, err := AgentURL(in)
		if err != nil || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := AgentURL("ftp://console"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

type recordingIngestor struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recordingIngestor) Ingest(_ context.Context, env protocol.Envelope, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingIngestor) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Type)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientHeartbeatsAndAnswersCommands(t *testing.T) {
	keys := auth.NewAgentKeyring()
	if err := keys.Register("inst-a", "key-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ingestor := &recordingIngestor{}
	srv, err := transport.NewServer(hub.New(), ingestor, keys, auth.NewMiddleware([]byte("s"), auth.NewDefaultPolicy(nil, nil)))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws/agent", srv.AgentHandler())
	ts := httptest.NewServer(mux)
	defer ts.Close()
	defer srv.Shutdown()

	client, err := NewClient(Config{ConsoleURL: ts.URL, APIKey: "key-a", InstanceID: "inst-a"},
		WithCommandHandler(func(_ context.Context, cmd protocol.CommandDispatch) protocol.CommandResult {
			return protocol.CommandResult{Success: true, Output: "ran " + cmd.Command}
		}))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(finished)
	}()

	waitFor(t, "connection", func() bool { return srv.Connected("inst-a") && client.State() == StateConnected })

	hb := NewHeartbeat(client, time.Hour, nil)
	if err := client.Send(hb.Ping()); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	if _, err := srv.Dispatch(context.Background(), "inst-a", protocol.CommandDispatch{Command: "uptime"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "heartbeat and command result", func() bool {
		types := ingestor.types()
		return len(types) == 2 && types[0] == protocol.TypeHeartbeatPing && types[1] == protocol.TypeCommandResult
	})

	cancel()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not stop")
	}
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected after shutdown, got %s", client.State())
	}
	if err := client.Send(hb.Ping()); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientRejectedKeyKeepsReconnecting(t *testing.T) {
	keys := auth.NewAgentKeyring()
	srv, err := transport.NewServer(hub.New(), &recordingIngestor{}, keys, auth.NewMiddleware([]byte("s"), auth.NewDefaultPolicy(nil, nil)))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.AgentHandler())
	defer ts.Close()

	var mu sync.Mutex
	reconnecting := 0
	client, err := NewClient(Config{ConsoleURL: ts.URL + "/ws/agent", APIKey: "bad", InstanceID: "inst-x"},
		WithBackoff(NewBackoff(time.Millisecond, 5*time.Millisecond, time.Minute)),
		WithStateObserver(func(_, to State) {
			if to == StateReconnecting {
				mu.Lock()
				reconnecting++
				mu.Unlock()
			}
		}))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, "repeated reconnect attempts", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnecting >= 3
	})
}

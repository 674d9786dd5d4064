package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsrelay/infrabridge/server"
)

func callTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func toolOutput(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var resp struct {
		Result server.CallToolResult `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
	if len(resp.Result.Content) != 1 {
		t.Fatalf("response %s has no content", raw)
	}
	var res struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal([]byte(resp.Result.Content[0].Text), &res); err != nil {
		t.Fatal(err)
	}
	return res.Output
}

func TestOpenConcurrentSessionsAreIndependent(t *testing.T) {
	m := newTestManager(t, "stdio")
	const n = 4

	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open(context.Background(), OpenOptions{Transport: "rest"})
			if err != nil {
				errs <- err
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Open() error = %v", err)
	}

	ids, pids := map[string]bool{}, map[int]bool{}
	for _, s := range sessions {
		ids[s.ID()] = true
		pids[s.Pid()] = true
	}
	if len(ids) != n || len(pids) != n {
		t.Fatalf("got %d ids and %d pids, want %d each", len(ids), len(pids), n)
	}
	if m.Count() != n {
		t.Fatalf("Count() = %d, want %d", m.Count(), n)
	}

	victim := sessions[1]
	if err := m.Close(victim.ID()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-victim.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("closed session's child did not exit")
	}

	for i, s := range sessions {
		if i == 1 {
			continue
		}
		resp, err := s.Call(callTimeout(t), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if err != nil {
			t.Fatalf("session %d Call() after closing another: %v", i, err)
		}
		if !strings.Contains(string(resp), `"result"`) {
			t.Fatalf("session %d ping = %s", i, resp)
		}
	}
	if m.Count() != n-1 {
		t.Fatalf("Count() = %d, want %d", m.Count(), n-1)
	}
}

func TestClosedSessionIsNotFound(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(s.ID()); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Fatal("Get() found a closed session")
	}
	if err := m.Close(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Close() error = %v, want ErrNotFound", err)
	}
	if err := s.Submit([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() on closed session error = %v, want ErrClosed", err)
	}
}

func TestCallRestoresCallerIDWithoutCrossDelivery(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("call-%d", i)
			req := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":%q}}}`, msg)
			resp, err := s.Call(callTimeout(t), json.RawMessage(req))
			if err != nil {
				t.Errorf("Call(%d) error = %v", i, err)
				return
			}
			var head struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.Unmarshal(resp, &head)
			if string(head.ID) != "1" {
				t.Errorf("Call(%d) id = %s, want 1", i, head.ID)
			}
			if got := toolOutput(t, resp); got != msg {
				t.Errorf("Call(%d) output = %q, want %q", i, got, msg)
			}
		}(i)
	}
	wg.Wait()
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", s.Pending())
	}
}

func TestCallTimeoutLeavesSessionAlive(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.Call(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":"slow","method":"tools/call","params":{"name":"sleep","arguments":{"ms":2000}}}`))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d after timeout, want 0", s.Pending())
	}

	if _, err := s.Call(callTimeout(t), json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)); err != nil {
		t.Fatalf("Call() after timeout error = %v", err)
	}
	if _, ok := m.Get(s.ID()); !ok {
		t.Fatal("session removed by a request timeout")
	}
}

func TestPendingCallFailsWhenSessionCloses(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(callTimeout(t), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"sleep","arguments":{"ms":5000}}}`))
		errc <- err
	}()
	for s.Pending() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Close(s.ID()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Call() error = %v, want ErrClosed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pending call never failed")
	}
}

func TestPushSessionDeliversMessagesAndStderr(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{Push: true, Transport: "sse"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Submit([]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"warn"},"id":7}`)); err != nil {
		t.Fatal(err)
	}

	var sawMessage, sawError bool
	deadline := time.After(10 * time.Second)
	for !sawMessage || !sawError {
		select {
		case ev := <-s.Events():
			switch ev.Type {
			case EventMessage:
				var head struct {
					ID json.RawMessage `json:"id"`
				}
				_ = json.Unmarshal(ev.Data, &head)
				if string(head.ID) != "7" {
					t.Fatalf("message id = %s, want 7", head.ID)
				}
				sawMessage = true
			case EventError:
				if !strings.Contains(ev.Error, "deprecated module") {
					t.Fatalf("error event = %q", ev.Error)
				}
				sawError = true
			}
		case <-deadline:
			t.Fatalf("message=%v error=%v before deadline", sawMessage, sawError)
		}
	}
}

func TestChildExitClosesEventsWithExitCode(t *testing.T) {
	m := newTestManager(t, "crash")
	s, err := m.Open(context.Background(), OpenOptions{Push: true})
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	for ev := range s.Events() {
		if ev.Type == EventError {
			lines = append(lines, ev.Error)
		}
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "inventory not found") {
		t.Fatalf("stderr events = %q", lines)
	}
	if code := s.ExitCode(); code != 3 {
		t.Fatalf("ExitCode() = %d, want 3", code)
	}
	<-s.Done()
	if _, ok := m.Get(s.ID()); ok {
		t.Fatal("exited session still in the table")
	}
}

func TestChildReceivesSessionEnvironment(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{Transport: "rest"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Call(callTimeout(t), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"env"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := toolOutput(t, resp), s.ID()+"|rest"; got != want {
		t.Fatalf("env = %q, want %q", got, want)
	}
}

func TestInitializeHandshake(t *testing.T) {
	m := newTestManager(t, "stdio")
	s, err := m.Open(context.Background(), OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Initialize(callTimeout(t), "session-test")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !strings.Contains(string(resp), `"protocolVersion"`) || !strings.Contains(string(resp), `"id":0`) {
		t.Fatalf("Initialize() = %s", resp)
	}
}

func TestMaxSessions(t *testing.T) {
	m := newTestManager(t, "stdio", WithMaxSessions(1))
	if _, err := m.Open(context.Background(), OpenOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), OpenOptions{}); !errors.Is(err, ErrLimit) {
		t.Fatalf("Open() error = %v, want ErrLimit", err)
	}
}

func TestCloseAllReapsChildren(t *testing.T) {
	m := NewManager(helperCommand("stdio"))
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := m.Open(context.Background(), OpenOptions{})
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Fatalf("session %s still running", s.ID())
		}
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d", m.Count())
	}
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opsrelay/infrabridge/jsonrpc"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/store"
)

const helperEnv = "INFRABRIDGE_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "stdio" {
		srv := New(testRegistry(nil), nil)
		if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testRegistry(release chan struct{}) *registry.Registry {
	reg := registry.New(registry.WithContextStore(store.NewMemory()))
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(reg.Register(registry.NewFunc(registry.Definition{
		Name:        "echo",
		Description: "Echo the message argument",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"message": {Type: "string"}},
			Required:   []string{"message"},
		},
	}, func(_ context.Context, args map[string]any) (registry.Result, error) {
		return registry.Result{Success: true, Output: args["message"].(string)}, nil
	})))
	must(reg.Register(registry.NewFunc(registry.Definition{Name: "fail"},
		func(context.Context, map[string]any) (registry.Result, error) {
			return registry.Result{Output: "plan failed", Error: "exit status 2", ExitCode: 2}, nil
		})))
	must(reg.Register(registry.NewFunc(registry.Definition{Name: "slow"},
		func(ctx context.Context, _ map[string]any) (registry.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return registry.Result{}, ctx.Err()
			}
			return registry.Result{Success: true, Output: "slow done"}, nil
		})))
	return reg
}

type harness struct {
	t     *testing.T
	in    *io.PipeWriter
	lines chan string
	done  chan error
}

func startServer(t *testing.T, srv *Server) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{t: t, in: inW, lines: make(chan string, 64), done: make(chan error, 1)}

	go func() {
		h.done <- srv.Serve(context.Background(), inR, outW)
		_ = outW.Close()
	}()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			h.lines <- sc.Text()
		}
		close(h.lines)
	}()
	t.Cleanup(func() { _ = inW.Close() })
	return h
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := io.WriteString(h.in, line+"\n"); err != nil {
		h.t.Fatalf("write request: %v", err)
	}
}

func (h *harness) recv() jsonrpc.Response {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if !ok {
			h.t.Fatal("server output closed")
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			h.t.Fatalf("decode response %q: %v", line, err)
		}
		return resp
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for response")
	}
	return jsonrpc.Response{}
}

func decodeCall(t *testing.T, resp jsonrpc.Response) (CallToolResult, registry.Result) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	var call CallToolResult
	if err := json.Unmarshal(resp.Result, &call); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	if len(call.Content) != 1 || call.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text block", call.Content)
	}
	var res registry.Result
	if err := json.Unmarshal([]byte(call.Content[0].Text), &res); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	return call, res
}

func TestInitializeEchoesProtocolVersion(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil, Options{Name: "infra-test"}))
	h.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)

	resp := h.recv()
	var got InitializeResult
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.ProtocolVersion != "2025-03-26" {
		t.Fatalf("ProtocolVersion = %q", got.ProtocolVersion)
	}
	if got.ServerInfo.Name != "infra-test" || got.Capabilities.Tools == nil {
		t.Fatalf("InitializeResult = %+v", got)
	}
}

func TestToolsListInRegistryOrder(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":"list","method":"tools/list"}`)

	resp := h.recv()
	if string(resp.ID) != `"list"` {
		t.Fatalf("ID = %s", resp.ID)
	}
	var got struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range got.Tools {
		names = append(names, tool.Name)
		if tool.InputSchema["type"] != "object" {
			t.Errorf("%s inputSchema = %v", tool.Name, tool.InputSchema)
		}
	}
	if strings.Join(names, ",") != "echo,fail,slow" {
		t.Fatalf("tools = %v", names)
	}
}

func TestToolsCallWrapsResult(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)

	call, res := decodeCall(t, h.recv())
	if call.IsError || !res.Success || res.Output != "hi" {
		t.Fatalf("call = %+v, result = %+v", call, res)
	}
}

func TestToolsCallFailureSetsIsError(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"fail"}}`)

	call, res := decodeCall(t, h.recv())
	if !call.IsError || res.Success || res.ExitCode != 2 {
		t.Fatalf("call = %+v, result = %+v", call, res)
	}
}

func TestToolsCallMissingArgumentReportsRequired(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)

	_, res := decodeCall(t, h.recv())
	if res.Success || !strings.Contains(res.Error, "required") {
		t.Fatalf("result = %+v", res)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"ghost"}}`)

	_, res := decodeCall(t, h.recv())
	if res.Success || !strings.Contains(res.Error, "Unknown tool") {
		t.Fatalf("result = %+v", res)
	}
}

func TestUnknownMethodIsInternalError(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":6,"method":"resources/list"}`)

	resp := h.recv()
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInternalError {
		t.Fatalf("Error = %+v, want code %d", resp.Error, jsonrpc.CodeInternalError)
	}
}

func TestMalformedLineIsDroppedAndStreamContinues(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","id":7,"method":`)
	h.send(`{"jsonrpc":"2.0","id":8,"method":"ping"}`)

	resp := h.recv()
	if string(resp.ID) != "8" || resp.Error != nil {
		t.Fatalf("response = %+v, want ping reply for id 8", resp)
	}
}

func TestNotificationsGetNoReply(t *testing.T) {
	h := startServer(t, New(testRegistry(nil), nil))
	h.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.send(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)

	if resp := h.recv(); string(resp.ID) != "9" {
		t.Fatalf("first response id = %s, want 9", resp.ID)
	}
}

func TestResponsesFollowCompletionOrder(t *testing.T) {
	release := make(chan struct{})
	h := startServer(t, New(testRegistry(release), nil))
	h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`)
	h.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"fast"}}}`)

	if first := h.recv(); string(first.ID) != "2" {
		t.Fatalf("first response id = %s, want 2", first.ID)
	}
	close(release)
	if second := h.recv(); string(second.ID) != "1" {
		t.Fatalf("second response id = %s, want 1", second.ID)
	}
}

func TestServeWaitsForInflightHandlers(t *testing.T) {
	release := make(chan struct{})
	srv := New(testRegistry(release), nil)
	h := startServer(t, srv)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`)
	_ = h.in.Close()

	select {
	case <-h.done:
		t.Fatal("Serve returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if resp := h.recv(); string(resp.ID) != "1" {
		t.Fatalf("response id = %s", resp.ID)
	}
	if err := <-h.done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if srv.State() != StateTerminated {
		t.Fatalf("State() = %v, want terminated", srv.State())
	}
}

func TestServeRecordsLastStarted(t *testing.T) {
	mem := store.NewMemory()
	reg := registry.New(registry.WithContextStore(mem))
	srv := New(reg, nil)
	h := startServer(t, srv)
	h.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.recv()

	if srv.State() != StateReady {
		t.Fatalf("State() = %v, want ready", srv.State())
	}
	raw, ok, err := mem.Get(LastStartedKey)
	if err != nil || !ok {
		t.Fatalf("Get(%s) = %s, %v, %v", LastStartedKey, raw, ok, err)
	}
	var ts string
	if err := json.Unmarshal(raw, &ts); err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Fatalf("last_started = %q: %v", ts, err)
	}
}

func TestSDKClientAgainstChildProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"=stdio")

	client := mcp.NewClient(&mcp.Implementation{Name: "infrabridge-test", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = cs.Close() }()

	tools, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools.Tools) != 3 {
		t.Fatalf("len(tools) = %d, want 3", len(tools.Tools))
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "over stdio"}})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("CallTool() = %+v", res)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T", res.Content[0])
	}
	if !strings.Contains(text.Text, `"output":"over stdio"`) {
		t.Fatalf("text = %s", text.Text)
	}
}

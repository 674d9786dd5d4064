package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/opsrelay/infrabridge/session"
)

// rest wraps a REST route with authentication and response compression.
// The SSE stream is never compressed.
func (g *Gateway) rest(h http.HandlerFunc) http.Handler {
	return g.auth(gzhttp.GzipHandler(h))
}

type createResponse struct {
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	s, err := g.mgr.Open(r.Context(), session.OpenOptions{Transport: "rest"})
	if err != nil {
		writeError(w, openStatus(err), err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.Initialize(ctx, "infrabridge-rest")
	if err != nil {
		_ = g.mgr.Close(s.ID())
		g.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{SessionID: s.ID(), Response: resp})
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	s, ok := g.lookup(w, r)
	if !ok {
		return
	}
	g.forward(w, r, s, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`), g.cfg.RequestTimeout)
}

func (g *Gateway) handleCallTool(w http.ResponseWriter, r *http.Request) {
	s, ok := g.lookup(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	args := bytes.TrimSpace(body)
	if len(args) == 0 {
		args = []byte("{}")
	}
	if !json.Valid(args) {
		writeError(w, http.StatusBadRequest, "arguments must be JSON")
		return
	}

	name := r.PathValue("name")
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": json.RawMessage(args),
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.forward(w, r, s, req, g.timeoutFor(name))
}

func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	s, ok := g.lookup(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var head struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.Method == "" {
		writeError(w, http.StatusBadRequest, "body must be a JSON-RPC request")
		return
	}
	timeout := g.cfg.RequestTimeout
	if head.Method == "tools/call" {
		timeout = g.timeoutFor(head.Params.Name)
	}
	g.forward(w, r, s, body, timeout)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := g.mgr.Close(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := g.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return s, ok
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, s *session.Session, req json.RawMessage, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := s.Call(ctx, req)
	if err != nil {
		g.writeCallError(w, err)
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

func (g *Gateway) writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusBadGateway, "session closed")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprint(err))
	}
}

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opsrelay/infrabridge/session"
)

func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s, err := g.mgr.Open(r.Context(), session.OpenOptions{Push: true, Transport: "sse"})
	if err != nil {
		writeError(w, openStatus(err), err.Error())
		return
	}
	id := s.ID()
	log := g.logger.With("session", id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev session.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(session.Event{Type: session.EventSession, SessionID: id}); err != nil {
		_ = g.mgr.Close(id)
		return
	}
	log.Info("sse stream opened", "pid", s.Pid())

	keepAlive := time.NewTicker(g.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			if err := g.mgr.Close(id); err == nil {
				log.Info("sse peer disconnected")
			}
			return
		case ev, ok := <-s.Events():
			if !ok {
				_ = send(session.CloseEvent(s.ExitCode()))
				_ = g.mgr.Close(id)
				log.Info("sse stream closed", "exit_code", s.ExitCode())
				return
			}
			if err := send(ev); err != nil {
				log.Info("sse write failed", "error", err.Error())
				_ = g.mgr.Close(id)
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				_ = g.mgr.Close(id)
				return
			}
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleInput(w http.ResponseWriter, r *http.Request) {
	s, ok := g.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	line, err := inputLine(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Submit(line); err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// inputLine accepts either the request itself or the request wrapped in a
// JSON string, as sent by clients posting raw text.
func inputLine(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty input")
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("input is not valid JSON")
	}
	return trimmed, nil
}

func openStatus(err error) int {
	if errors.Is(err, session.ErrLimit) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

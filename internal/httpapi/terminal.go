package httpapi

import (
	"bytes"
	"net/http"

	"github.com/coder/websocket"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/ptyshell"
)

// GET /terminal/shells
func (s *Server) handleListTerminalShells(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.ptyMgr.List())
}

// POST /terminal/shells — same request shape as framework shells, plus
// cols/rows, and always PTY (§6 "same shape ... but always PTY").
func (s *Server) handleSpawnTerminalShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		spawnShellRequest
		Cols int `json:"cols,omitempty"`
		Rows int `json:"rows,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.ptyMgr.Spawn(ptyshell.SpawnOptions{
		Command:       req.Command,
		Cwd:           req.Cwd,
		Env:           req.Env,
		Label:         req.Label,
		Cols:          req.Cols,
		Rows:          req.Rows,
		Autostart:     req.Autostart,
		RestartPolicy: ptyshell.RestartPolicy(req.RestartPolicy),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, rec)
}

// GET /terminal/shells/{id}
func (s *Server) handleGetTerminalShell(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ptyMgr.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

type terminalInputRequest struct {
	Data    string `json:"data"`
	Newline bool   `json:"newline,omitempty"`
}

// POST /terminal/shells/{id}/input
func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req terminalInputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	payload := []byte(req.Data)
	if req.Newline {
		payload = append(payload, '\n')
	}
	if err := s.ptyMgr.Write(id, payload); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"written": true})
}

type terminalResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// POST /terminal/shells/{id}/resize
func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req terminalResizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.ptyMgr.Resize(id, req.Cols, req.Rows)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// POST /terminal/shells/{id}/action
func (s *Server) handleActionTerminalShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req shellActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.ptyMgr.Action(id, ptyshell.Action(req.Action))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

// DELETE /terminal/shells/{id}?force=0|1
func (s *Server) handleDeleteTerminalShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "1"
	if err := s.ptyMgr.Remove(id, force); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

// handleTerminalWS implements WS /terminal/ws/{id}: server→client frames
// are raw PTY output bytes, client→server frames are raw input bytes (§6).
// Grounded on internal/relay/pty_relay.go's websocket.Accept/Read/Write
// loop, simplified: no routing envelope, since both ends of this socket are
// in the same process rather than relayed across a browser/wing boundary.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ptyMgr.Get(id); err != nil {
		writeErr(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("httpapi: pty websocket accept failed", "id", id, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	sub, ch, err := s.ptyMgr.Subscribe(id)
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer s.ptyMgr.Unsubscribe(id, sub)

	if tail, err := s.ptyMgr.TailLogs(id, 200); err == nil && len(tail.Output) > 0 {
		replay := bytes.Join(toByteLines(tail.Output), []byte("\n"))
		if err := conn.Write(ctx, websocket.MessageBinary, replay); err != nil {
			return
		}
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case data, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if err := s.ptyMgr.Write(id, data); err != nil {
			if apierr.As(err).Kind != apierr.IO {
				break
			}
		}
	}
	<-pumpDone
}

func toByteLines(lines []string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}

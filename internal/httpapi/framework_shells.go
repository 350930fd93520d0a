package httpapi

import (
	"net/http"
	"strconv"

	"github.com/termux-extensions/te-framework/internal/fwshell"
)

type frameworkShellResponse struct {
	fwshell.Record
	Stats *fwshell.Stats `json:"stats,omitempty"`
}

func (s *Server) toFrameworkShellResponse(rec fwshell.Record, withStats bool) frameworkShellResponse {
	resp := frameworkShellResponse{Record: rec}
	if withStats {
		if stats, err := s.fwMgr.Stats(rec.ID); err == nil {
			resp.Stats = &stats
		}
	}
	return resp
}

// GET /framework_shells
func (s *Server) handleListFrameworkShells(w http.ResponseWriter, r *http.Request) {
	records := s.fwMgr.List()
	out := make([]frameworkShellResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, s.toFrameworkShellResponse(rec, true))
	}
	writeData(w, http.StatusOK, out)
}

type spawnShellRequest struct {
	Command       []string          `json:"command"`
	Cwd           string            `json:"cwd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Label         string            `json:"label,omitempty"`
	Autostart     bool              `json:"autostart,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
}

// POST /framework_shells
func (s *Server) handleSpawnFrameworkShell(w http.ResponseWriter, r *http.Request) {
	var req spawnShellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.fwMgr.Spawn(fwshell.SpawnOptions{
		Command:       req.Command,
		Cwd:           req.Cwd,
		Env:           req.Env,
		Label:         req.Label,
		Autostart:     req.Autostart,
		RestartPolicy: fwshell.RestartPolicy(req.RestartPolicy),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, s.toFrameworkShellResponse(rec, false))
}

type frameworkShellDetail struct {
	frameworkShellResponse
	Logs *fwshell.LogTail `json:"logs,omitempty"`
}

// GET /framework_shells/{id}?logs=true&tail=N
func (s *Server) handleGetFrameworkShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.fwMgr.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	detail := frameworkShellDetail{frameworkShellResponse: s.toFrameworkShellResponse(rec, true)}
	if r.URL.Query().Get("logs") == "true" {
		tail := 100
		if v := r.URL.Query().Get("tail"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				tail = n
			}
		}
		logs, err := s.fwMgr.TailLogs(id, tail)
		if err != nil {
			writeErr(w, err)
			return
		}
		detail.Logs = &logs
	}
	writeData(w, http.StatusOK, detail)
}

type shellActionRequest struct {
	Action string `json:"action"`
}

// POST /framework_shells/{id}/action
func (s *Server) handleActionFrameworkShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req shellActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.fwMgr.Action(id, fwshell.Action(req.Action))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, s.toFrameworkShellResponse(rec, true))
}

// DELETE /framework_shells/{id}?force=0|1
func (s *Server) handleDeleteFrameworkShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "1"
	if err := s.fwMgr.Remove(id, force); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

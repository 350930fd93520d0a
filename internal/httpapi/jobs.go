package httpapi

import "net/http"

type submitJobRequest struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// POST /jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.jobMgr.Submit(req.Type, req.Params)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusAccepted, job)
}

// GET /jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.jobMgr.List())
}

// GET /jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobMgr.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// POST /jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobMgr.Cancel(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// DELETE /jobs/{id}
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobMgr.Remove(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

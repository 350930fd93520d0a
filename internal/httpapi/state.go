package httpapi

import "net/http"

// GET /state?key=a&key=b
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["key"]
	values, missing := s.state.Get(keys)
	resp := map[string]any{}
	for k, v := range values {
		resp[k] = v
	}
	if len(missing) > 0 {
		resp["missing"] = missing
	}
	writeData(w, http.StatusOK, resp)
}

type setStateRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Merge bool   `json:"merge,omitempty"`
}

// POST /state
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req setStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	var err error
	if req.Merge {
		err = s.state.Merge(req.Key, req.Value)
	} else {
		err = s.state.Set(req.Key, req.Value)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"ok": true})
}

// DELETE /state?key=...
func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["key"]
	removed, err := s.state.Delete(keys)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"removed": removed})
}

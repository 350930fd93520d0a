package httpapi

import "net/http"

// GET /runtime/metrics
func (s *Server) handleRuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.sup.Metrics())
}

type runtimeBindRequest struct {
	Host string `json:"host"`
}

// POST /runtime/bind
func (s *Server) handleRuntimeBind(w http.ResponseWriter, r *http.Request) {
	var req runtimeBindRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	result, err := s.sup.Bind(req.Host)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// POST /runtime/shutdown fans the cascade out and, once it completes,
// invokes the wired shutdown callback (typically the daemon's
// context.CancelFunc) from a goroutine so the response can be written
// before the listener itself goes down.
func (s *Server) handleRuntimeShutdown(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]bool{"shutting_down": true})

	s.mu.Lock()
	fn := s.shutdown
	s.mu.Unlock()

	go func() {
		s.sup.Shutdown()
		if fn != nil {
			fn()
		}
	}()
}

// Package httpapi is the HTTP/WebSocket wire layer (§6): it translates the
// documented envelope contract into calls against the core managers
// (fwshell, ptyshell, jobs, statestore, supervisor). Grounded on
// internal/transport/server.go's stdlib net/http ListenAndServe/shutdown
// shape and registerRoutes method-pattern routing.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/termux-extensions/te-framework/internal/fwshell"
	"github.com/termux-extensions/te-framework/internal/jobs"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
	"github.com/termux-extensions/te-framework/internal/ptyshell"
	"github.com/termux-extensions/te-framework/internal/statestore"
	"github.com/termux-extensions/te-framework/internal/supervisor"
)

// Server owns the HTTP listener and dispatches every §6 endpoint to the
// core managers it is constructed with.
type Server struct {
	fwMgr   *fwshell.Manager
	ptyMgr  *ptyshell.Manager
	jobMgr  *jobs.Manager
	state   *statestore.Store
	sup     *supervisor.Supervisor
	sandbox *pathsafe.Sandbox
	log     *slog.Logger

	shellToken string

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	port     int
	shutdown func()
}

// SetShutdownFunc wires the function invoked by POST /runtime/shutdown
// after the supervisor cascade completes (typically the daemon's top-level
// context.CancelFunc).
func (s *Server) SetShutdownFunc(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = fn
}

// New wires a Server against the already-constructed core managers. The
// shellToken, if non-empty, gates mutating shell endpoints (§6
// TE_FRAMEWORK_SHELL_TOKEN).
func New(
	fwMgr *fwshell.Manager,
	ptyMgr *ptyshell.Manager,
	jobMgr *jobs.Manager,
	state *statestore.Store,
	sup *supervisor.Supervisor,
	sandbox *pathsafe.Sandbox,
	shellToken string,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		fwMgr:      fwMgr,
		ptyMgr:     ptyMgr,
		jobMgr:     jobMgr,
		state:      state,
		sup:        sup,
		sandbox:    sandbox,
		shellToken: shellToken,
		log:        log,
	}
	sup.SetRebindFunc(s.rebind)
	return s
}

// ListenAndServe binds host:port, records the bind with the supervisor, and
// serves until ctx is cancelled, at which point it shuts down gracefully
// within a 5s budget (mirrors transport.Server.ListenAndServe).
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("listen %s:%d: %w", host, port, err)
	}

	actualPort := ln.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	s.ln = ln
	s.port = actualPort
	srv := &http.Server{Handler: s.mux()}
	s.srv = srv
	s.mu.Unlock()

	s.sup.NoteInitialBind(host, actualPort)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.log.Info("httpapi: listening", "host", host, "port", actualPort)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// rebind implements the supervisor.SetRebindFunc callback: it swaps the
// listener to the new host on the same port without restarting any other
// subsystem (§4.H bind hot-switch).
func (s *Server) rebind(host string) (int, error) {
	s.mu.Lock()
	oldSrv := s.srv
	port := s.port
	s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, fmt.Errorf("rebind listen %s:%d: %w", host, port, err)
	}
	newSrv := &http.Server{Handler: s.mux()}

	go func() {
		if err := newSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("httpapi: rebind server exited", "error", err)
		}
	}()

	s.mu.Lock()
	s.ln = ln
	s.srv = newSrv
	s.mu.Unlock()

	if oldSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		oldSrv.Shutdown(shutCtx)
	}

	s.log.Info("httpapi: rebound", "host", host, "port", port)
	return port, nil
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /framework_shells", s.handleListFrameworkShells)
	mux.HandleFunc("POST /framework_shells", s.requireShellToken(s.handleSpawnFrameworkShell))
	mux.HandleFunc("GET /framework_shells/{id}", s.handleGetFrameworkShell)
	mux.HandleFunc("POST /framework_shells/{id}/action", s.requireShellToken(s.handleActionFrameworkShell))
	mux.HandleFunc("DELETE /framework_shells/{id}", s.requireShellToken(s.handleDeleteFrameworkShell))

	mux.HandleFunc("GET /terminal/shells", s.handleListTerminalShells)
	mux.HandleFunc("POST /terminal/shells", s.requireShellToken(s.handleSpawnTerminalShell))
	mux.HandleFunc("GET /terminal/shells/{id}", s.handleGetTerminalShell)
	mux.HandleFunc("POST /terminal/shells/{id}/input", s.requireShellToken(s.handleTerminalInput))
	mux.HandleFunc("POST /terminal/shells/{id}/resize", s.requireShellToken(s.handleTerminalResize))
	mux.HandleFunc("POST /terminal/shells/{id}/action", s.requireShellToken(s.handleActionTerminalShell))
	mux.HandleFunc("DELETE /terminal/shells/{id}", s.requireShellToken(s.handleDeleteTerminalShell))
	mux.HandleFunc("GET /terminal/ws/{id}", s.handleTerminalWS)

	mux.HandleFunc("POST /jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleRemoveJob)

	mux.HandleFunc("GET /state", s.handleGetState)
	mux.HandleFunc("POST /state", s.handleSetState)
	mux.HandleFunc("DELETE /state", s.handleDeleteState)

	mux.HandleFunc("GET /runtime/metrics", s.handleRuntimeMetrics)
	mux.HandleFunc("POST /runtime/bind", s.handleRuntimeBind)
	mux.HandleFunc("POST /runtime/shutdown", s.handleRuntimeShutdown)
}

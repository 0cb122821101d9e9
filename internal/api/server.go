package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/audetic/agent/internal/health"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/scheduler"
	"github.com/audetic/agent/internal/state"
	"github.com/audetic/agent/internal/updater"
)

var log = logging.L("api")

const (
	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 64 << 10
)

// Updater is the part of the coordinator the API mutates directly.
type Updater interface {
	Status() (updater.Status, error)
	SetAutoUpdate(enabled bool) (state.UpdateState, error)
}

// Triggerer queues runs on the scheduler so API calls share its coalescing.
type Triggerer interface {
	Trigger(ctx context.Context, req scheduler.Request) (<-chan scheduler.Result, error)
	Queued() int
}

// Server is the loopback control API.
type Server struct {
	updater Updater
	sched   Triggerer
	health  *health.Monitor

	srv *http.Server
	ln  net.Listener
}

func New(u Updater, sched Triggerer, monitor *health.Monitor) *Server {
	s := &Server{updater: u, sched: sched, health: monitor}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)

	up := r.PathPrefix("/update").Subrouter()
	up.HandleFunc("/check", s.check).Methods(http.MethodGet)
	up.HandleFunc("/install", s.install).Methods(http.MethodPost)
	up.HandleFunc("/auto", s.setAuto).Methods(http.MethodPut)
	up.HandleFunc("/status", s.status).Methods(http.MethodGet)

	r.HandleFunc("/health", s.healthSummary).Methods(http.MethodGet)
	return r
}

// Listen binds addr. Call Serve afterwards.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Info("control API listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("api: Serve called before Listen")
	}
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

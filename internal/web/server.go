package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/polargo/internal/motion"
)

// Server wraps the HTTP server and handlers for the device API surface.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server bound to a motion controller.
func NewServer(addr string, controller *motion.Controller, broadcaster *StatusBroadcaster, wifiIP string) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(controller, broadcaster, wifiIP),
	}
}

// corsMiddleware applies the permissive CORS headers required by spec §6.1
// and answers OPTIONS preflight with 204 on every route.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Mux returns an http.Handler with all device routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handlers.HandleStatus)
	mux.HandleFunc("POST /api/move", s.handlers.HandleMove)
	mux.HandleFunc("POST /api/pen", s.handlers.HandlePen)
	mux.HandleFunc("POST /api/path", s.handlers.HandlePath)
	mux.HandleFunc("POST /api/cancel", s.handlers.HandleCancel)
	mux.HandleFunc("POST /api/park", s.handlers.HandlePark)
	mux.HandleFunc("GET /api/events", s.handlers.HandleEvents)

	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	log.Printf("device web server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Mux())
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("device web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

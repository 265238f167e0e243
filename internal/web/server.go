package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/cjeanneret/drivebase/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr      string
	handlers  *Handlers
	publisher *Publisher
}

// NewServer creates a server for the given address. Telemetry is pushed to
// stream clients every telemetryPeriod.
func NewServer(addr string, broadcaster *StatusBroadcaster, motors MotorService, telemetryPeriod time.Duration) *Server {
	return &Server{
		addr:      addr,
		handlers:  NewHandlers(broadcaster, motors),
		publisher: NewPublisher(broadcaster, motors, telemetryPeriod, nil),
	}
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/motors", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/", s.handlers.ListMotors)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handlers.GetMotor)
			r.Put("/velocity", s.handlers.PutVelocity)
			r.Put("/enabled", s.handlers.PutEnabled)
		})
	})
	r.Get("/status/stream", s.handlers.HandleStatusStream)
	r.Get("/ws", s.handlers.HandleWebSocket)

	return r
}

// Run starts the server and the telemetry publisher, blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Router()}

	pubCtx, stopPub := context.WithCancel(ctx)
	defer stopPub()
	go s.publisher.Run(pubCtx)

	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
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

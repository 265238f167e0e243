package web

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/drive"
)

// MotorService is the part of the drive base the transport needs.
type MotorService interface {
	IDs() []string
	Snapshot() []drive.Telemetry
	Telemetry(id string) (drive.Telemetry, error)
	SetVelocity(id string, v float64) error
	SetEnabled(id string, on bool) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Motors      MotorService
	heartbeat   time.Duration
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, motors MotorService) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Motors:      motors,
		heartbeat:   30 * time.Second,
	}
}

// VelocityRequest is the body of PUT /api/motors/{id}/velocity.
type VelocityRequest struct {
	Velocity *float64 `json:"velocity"` // rad/s
}

func (v *VelocityRequest) Bind(r *http.Request) error {
	if v.Velocity == nil {
		return errors.New("velocity is required")
	}
	return ValidateVelocity(*v.Velocity)
}

// EnabledRequest is the body of PUT /api/motors/{id}/enabled.
type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (e *EnabledRequest) Bind(r *http.Request) error {
	if e.Enabled == nil {
		return errors.New("enabled is required")
	}
	return nil
}

// ValidateVelocity rejects non-finite setpoints. Range limits are enforced
// by the motor itself.
func ValidateVelocity(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.New("velocity must be a finite number")
	}
	return nil
}

// ErrResponse renders an error as {"status":"...","error":"..."}.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errInvalidRequest(err error) render.Renderer {
	return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, StatusText: "invalid request", ErrorText: err.Error()}
}

// errDrive maps drive errors to HTTP statuses.
func errDrive(err error) render.Renderer {
	switch {
	case errors.Is(err, drive.ErrUnknownMotor):
		return &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "unknown motor", ErrorText: err.Error()}
	case errors.Is(err, drive.ErrInvalidSetpoint):
		return errInvalidRequest(err)
	default:
		return &ErrResponse{HTTPStatusCode: http.StatusInternalServerError, StatusText: "drive error", ErrorText: err.Error()}
	}
}

// ListMotors handles GET /api/motors.
func (h *Handlers) ListMotors(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.Motors.Snapshot())
}

// GetMotor handles GET /api/motors/{id}.
func (h *Handlers) GetMotor(w http.ResponseWriter, r *http.Request) {
	tel, err := h.Motors.Telemetry(chi.URLParam(r, "id"))
	if err != nil {
		_ = render.Render(w, r, errDrive(err))
		return
	}
	render.JSON(w, r, tel)
}

// PutVelocity handles PUT /api/motors/{id}/velocity.
func (h *Handlers) PutVelocity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req VelocityRequest
	if err := render.Bind(r, &req); err != nil {
		_ = render.Render(w, r, errInvalidRequest(err))
		return
	}
	if err := h.Motors.SetVelocity(id, *req.Velocity); err != nil {
		_ = render.Render(w, r, errDrive(err))
		return
	}
	debug.Live("web: motor %s velocity %g", id, *req.Velocity)
	h.respondTelemetry(w, r, id)
}

// PutEnabled handles PUT /api/motors/{id}/enabled.
func (h *Handlers) PutEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req EnabledRequest
	if err := render.Bind(r, &req); err != nil {
		_ = render.Render(w, r, errInvalidRequest(err))
		return
	}
	if err := h.Motors.SetEnabled(id, *req.Enabled); err != nil {
		_ = render.Render(w, r, errDrive(err))
		return
	}
	debug.Live("web: motor %s enabled %v", id, *req.Enabled)
	h.respondTelemetry(w, r, id)
}

func (h *Handlers) respondTelemetry(w http.ResponseWriter, r *http.Request, id string) {
	tel, err := h.Motors.Telemetry(id)
	if err != nil {
		_ = render.Render(w, r, errDrive(err))
		return
	}
	render.JSON(w, r, tel)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

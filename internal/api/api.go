package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/fanout"
	"github.com/jdiitm/logconsole/internal/session"
)

// Sessions is the lifecycle surface the HTTP API drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (domain.Session, error)
	Get(ctx context.Context, id string) (domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	ListActive(ctx context.Context) ([]domain.Session, error)
	ListByConnection(ctx context.Context, connectionID string) ([]domain.Session, error)
	Delete(ctx context.Context, id string) error

	Start(ctx context.Context, id string) (session.Result, error)
	Stop(ctx context.Context, id string) (session.Result, error)
	Pause(ctx context.Context, id string) (session.Result, error)
	Resume(ctx context.Context, id string) (session.Result, error)

	Records(ctx context.Context, id string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error)
	Subscribe(ctx context.Context, id string) (<-chan fanout.Event, func(), error)
}

var _ Sessions = (*session.Controller)(nil)

type Handler struct {
	sessions  Sessions
	logger    *slog.Logger
	heartbeat time.Duration
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithHeartbeat sets how often an idle event stream sends a keep-alive
// comment.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

func New(sessions Sessions, opts ...Option) *Handler {
	h := &Handler{
		sessions:  sessions,
		logger:    slog.Default(),
		heartbeat: 15 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes mounts the session API under /api/v1.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/", h.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Post("/start", h.lifecycle(Sessions.Start))
			r.Post("/stop", h.lifecycle(Sessions.Stop))
			r.Post("/pause", h.lifecycle(Sessions.Pause))
			r.Post("/resume", h.lifecycle(Sessions.Resume))
			r.Get("/records", h.listRecords)
			r.Get("/events", h.streamEvents)
		})
	})
	return r
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func statusFor(err error) int {
	var cerr *domain.ClientError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"db-dump-restore/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// CloneScheduler is the scheduler surface exposed over HTTP.
type CloneScheduler interface {
	Start() error
	Stop() error
	Status() services.SchedulerStatus
	UpdateSchedule(cronSchedule string, download *bool) error
	RunNow(ctx context.Context, trigger string) (*services.CloneRun, error)
}

// OrderPlanner computes the restore order without touching any data.
type OrderPlanner interface {
	Plan(ctx context.Context) (*services.OrderPlan, error)
}

type Handler struct {
	scheduler CloneScheduler
	planner   OrderPlanner
	logger    *zap.Logger
}

func NewHandler(scheduler CloneScheduler, planner OrderPlanner, logger *zap.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		planner:   planner,
		logger:    logger.Named("http"),
	}
}

type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type ConfigRequest struct {
	CronSchedule string `json:"cronSchedule,omitempty"`
	Download     *bool  `json:"download,omitempty"`
}

// Router wires every endpoint into a chi router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/", h.RootHandler)
	r.Get("/health", h.HealthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Post("/schedule/start", h.StartHandler)
		r.Post("/schedule/stop", h.StopHandler)
		r.Get("/schedule/status", h.StatusHandler)
		r.Put("/schedule/config", h.ConfigHandler)
		r.Post("/restore", h.RestoreHandler)
		r.Get("/order", h.OrderHandler)
	})
	return r
}

func (h *Handler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Start(); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	sendSuccessResponse(w, "Scheduler started", h.scheduler.Status())
}

func (h *Handler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Stop(); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	sendSuccessResponse(w, "Scheduler stopped", nil)
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	sendSuccessResponse(w, "", h.scheduler.Status())
}

func (h *Handler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	var configReq ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&configReq); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.scheduler.UpdateSchedule(configReq.CronSchedule, configReq.Download); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	sendSuccessResponse(w, "Configuration updated", h.scheduler.Status())
}

// RestoreHandler triggers the clone job. With ?wait=true the response carries
// the finished run; otherwise the job runs in the background.
func (h *Handler) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	if h.scheduler.Status().JobRunning {
		sendErrorResponse(w, services.ErrJobRunning.Error(), http.StatusConflict)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		run, err := h.scheduler.RunNow(context.WithoutCancel(r.Context()), "api")
		switch {
		case errors.Is(err, services.ErrJobRunning):
			sendErrorResponse(w, err.Error(), http.StatusConflict)
		case err != nil:
			sendJSON(w, http.StatusInternalServerError, Response{Success: false, Error: err.Error(), Data: run})
		default:
			sendSuccessResponse(w, "Clone job finished", run)
		}
		return
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("Clone job panicked", zap.Any("panic", rec))
			}
		}()
		if _, err := h.scheduler.RunNow(context.Background(), "api"); err != nil {
			h.logger.Error("Clone job failed", zap.Error(err))
		}
	}()
	sendJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Message:   "Clone job started",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) OrderHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.planner.Plan(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrOrderInvalid) {
			status = http.StatusUnprocessableEntity
		}
		sendJSON(w, status, Response{Success: false, Error: err.Error(), Data: plan})
		return
	}
	sendSuccessResponse(w, "", plan)
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	sendSuccessResponse(w, "Service is running", nil)
}

func (h *Handler) RootHandler(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":         "GET /health",
		"startSchedule":  "POST /api/schedule/start",
		"stopSchedule":   "POST /api/schedule/stop",
		"status":         "GET /api/schedule/status",
		"updateSchedule": "PUT /api/schedule/config",
		"restore":        "POST /api/restore",
		"order":          "GET /api/order",
	}
	sendJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Database Dump/Restore Service",
		Data:    map[string]interface{}{"endpoints": endpoints},
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("Request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func sendSuccessResponse(w http.ResponseWriter, message string, data interface{}) {
	sendJSON(w, http.StatusOK, Response{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, Response{Success: false, Error: message})
}

func sendJSON(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/lifecycle"
	"github.com/bissquit/courtside-push/internal/offline"
	"github.com/bissquit/courtside-push/internal/pkg/ctxlog"
	"github.com/bissquit/courtside-push/internal/pkg/httputil"
	"github.com/bissquit/courtside-push/internal/ratelimit"
	"github.com/bissquit/courtside-push/internal/tokens"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: offline.ErrInvalidJob, Status: http.StatusBadRequest},
	{Error: offline.ErrClosed, Status: http.StatusServiceUnavailable, Message: "offline queue is shutting down"},
	{Error: ErrNoValidTokens, Status: http.StatusUnprocessableEntity, Message: "user has no valid push tokens"},
}

// kindStatus maps delivery error kinds to HTTP statuses.
var kindStatus = map[delivery.Kind]int{
	delivery.KindInvalidToken:            http.StatusBadRequest,
	delivery.KindDeviceUnsupported:       http.StatusUnprocessableEntity,
	delivery.KindPermissionDenied:        http.StatusForbidden,
	delivery.KindRateLimitExceeded:       http.StatusTooManyRequests,
	delivery.KindConfigMissing:           http.StatusServiceUnavailable,
	delivery.KindStorageError:            http.StatusServiceUnavailable,
	delivery.KindNetworkError:            http.StatusBadGateway,
	delivery.KindSendFailed:              http.StatusBadGateway,
	delivery.KindTokenSaveFailed:         http.StatusServiceUnavailable,
	delivery.KindTokenRegistrationFailed: http.StatusBadGateway,
	delivery.KindChannelSetupFailed:      http.StatusBadGateway,
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers notification admin routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.GetHealth)

	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.SendNotification)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.GetQueue)
		r.Post("/", h.EnqueueNotification)
		r.Delete("/", h.ClearQueue)
		r.Post("/process", h.ProcessQueue)
		r.Post("/retry-failed", h.RetryFailed)
		r.Post("/requeue-dead-letters", h.RequeueDeadLetters)
	})

	r.Route("/errors", func(r chi.Router) {
		r.Get("/", h.ListErrors)
		r.Delete("/", h.ClearErrors)
	})

	r.Route("/tokens", func(r chi.Router) {
		r.Post("/", h.RegisterToken)
		r.Get("/stats", h.GetTokenStats)
		r.Post("/cleanup", h.CleanupTokens)
		r.Delete("/{token}", h.UnregisterToken)
	})

	r.Route("/push", func(r chi.Router) {
		r.Get("/admission", h.GetPushAdmission)
		r.Post("/admission/reset", h.ResetPushAdmission)
	})

	r.Delete("/users/{userID}/tokens", h.RemoveUserTokens)
	r.Post("/lifecycle", h.SetLifecycle)
}

// RegisterTokenRequest represents request body for registering a device.
type RegisterTokenRequest struct {
	UserID string            `json:"user_id" validate:"required,max=128"`
	Token  string            `json:"token" validate:"required,max=4096"`
	Device tokens.DeviceInfo `json:"device"`
}

// CleanupTokensRequest represents request body for a stale token sweep.
type CleanupTokensRequest struct {
	UserID string `json:"user_id" validate:"max=128"`
}

// LifecycleRequest represents request body for a lifecycle transition.
type LifecycleRequest struct {
	State string `json:"state" validate:"required,oneof=foreground background inactive"`
}

// ErrorResponse is the JSON form of a delivery error.
type ErrorResponse struct {
	Kind      delivery.Kind  `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	Cause     string         `json:"cause,omitempty"`
}

func toErrorResponse(e *delivery.Error) ErrorResponse {
	resp := ErrorResponse{
		Kind:      e.Kind(),
		Message:   e.Message(),
		Retryable: e.IsRetryable(),
		Timestamp: e.Timestamp(),
		Context:   e.Context(),
	}
	if cause := e.Unwrap(); cause != nil {
		resp.Cause = cause.Error()
	}
	// Job snapshots are large and already visible through their IDs.
	delete(resp.Context, "job")
	return resp
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	report := h.service.Health()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	httputil.Success(w, status, report)
}

// SendNotification handles POST /notifications.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req offline.NewJob
	if !h.decode(w, r, &req) {
		return
	}

	ctx := ctxlog.With(r.Context(), "user_id", req.UserID, "type", req.Type)
	result, err := h.service.Send(ctx, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	httputil.Success(w, status, result)
}

// GetQueue handles GET /queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	status := h.service.QueueStatus()
	if r.URL.Query().Get("include") == "jobs" {
		httputil.Success(w, http.StatusOK, map[string]any{
			"status": status,
			"jobs":   h.service.QueuedJobs(),
		})
		return
	}
	httputil.Success(w, http.StatusOK, status)
}

// EnqueueNotification handles POST /queue.
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	var req offline.NewJob
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusAccepted, job)
}

// ProcessQueue handles POST /queue/process.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.ProcessQueue(r.Context()))
}

// ClearQueue handles DELETE /queue.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]int{"cleared": h.service.ClearQueue(r.Context())})
}

// GetPushAdmission handles GET /push/admission.
func (h *Handler) GetPushAdmission(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.PushAdmission())
}

// ResetPushAdmission handles POST /push/admission/reset.
func (h *Handler) ResetPushAdmission(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.ResetPushAdmission())
}

// RetryFailed handles POST /queue/retry-failed.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n := h.service.RetryFailed(r.Context())
	httputil.Success(w, http.StatusOK, map[string]int{"reset": n})
}

// RequeueDeadLetters handles POST /queue/requeue-dead-letters.
func (h *Handler) RequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RequeueDeadLetters(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"requeued": n})
}

// ListErrors handles GET /errors.
func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	kind := delivery.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		httputil.Error(w, http.StatusBadRequest, "unknown error kind")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list := h.service.Errors(kind, limit)
	resp := make([]ErrorResponse, 0, len(list))
	for _, e := range list {
		resp = append(resp, toErrorResponse(e))
	}
	httputil.Success(w, http.StatusOK, resp)
}

// ClearErrors handles DELETE /errors.
func (h *Handler) ClearErrors(w http.ResponseWriter, _ *http.Request) {
	h.service.ClearErrors()
	httputil.NoContent(w)
}

// RegisterToken handles POST /tokens.
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.service.RegisterDevice(r.Context(), req.UserID, req.Token, req.Device)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, token)
}

// UnregisterToken handles DELETE /tokens/{token}.
func (h *Handler) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	h.service.UnregisterToken(r.Context(), chi.URLParam(r, "token"))
	httputil.NoContent(w)
}

// GetTokenStats handles GET /tokens/stats.
func (h *Handler) GetTokenStats(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.TokenStats(r.Context(), r.URL.Query().Get("user_id")))
}

// CleanupTokens handles POST /tokens/cleanup.
func (h *Handler) CleanupTokens(w http.ResponseWriter, r *http.Request) {
	var req CleanupTokensRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	n, err := h.service.CleanupStaleTokens(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"invalidated": n})
}

// RemoveUserTokens handles DELETE /users/{userID}/tokens.
func (h *Handler) RemoveUserTokens(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RemoveUserTokens(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"deleted": n})
}

// SetLifecycle handles POST /lifecycle.
func (h *Handler) SetLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !h.decode(w, r, &req) {
		return
	}

	state, err := lifecycle.ParseState(req.State)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	changed := h.service.SetLifecycle(state)
	httputil.Success(w, http.StatusOK, map[string]any{"state": state, "changed": changed})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.Error) {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
	}

	var de *delivery.Error
	if errors.As(err, &de) {
		if status, ok := kindStatus[de.Kind()]; ok {
			if retryAfter, ok := retryAfterSeconds(err, de); ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
			httputil.CodedError(w, status, string(de.Kind()), de.Error())
			return
		}
	}
	httputil.HandleError(r.Context(), w, err, errorMappings)
}

// retryAfterSeconds reads the wait hint a breaker or limiter rejection carries.
func retryAfterSeconds(err error, de *delivery.Error) (int, bool) {
	if wait, ok := ratelimit.WaitTime(err); ok {
		return seconds(wait), true
	}
	if v, ok := de.Field("retry_after_ms"); ok {
		if ms, ok := v.(int64); ok {
			return seconds(time.Duration(ms) * time.Millisecond), true
		}
	}
	return 0, false
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

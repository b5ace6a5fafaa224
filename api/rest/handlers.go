package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/monitoring"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"

	defaultStatsWindow = 30 * 24 * time.Hour
)

// Handler holds dependencies for REST API handlers
type Handler struct {
	notificationService *notification.Service
	analytics           *notification.Analytics
	metrics             *monitoring.Metrics
	logger              *zap.Logger
	validator           *validator.Validate
	apiKey              string
}

// NewHandler creates a new REST API handler. A non-empty apiKey is required as a bearer token on /api/v1.
func NewHandler(
	notificationService *notification.Service,
	analytics *notification.Analytics,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	apiKey string,
) *Handler {
	return &Handler{
		notificationService: notificationService,
		analytics:           analytics,
		metrics:             metrics,
		logger:              logger,
		validator:           validator.New(),
		apiKey:              apiKey,
	}
}

// CreateNotificationRequest represents the request body for submitting notifications.
// Tenant and creator come from the request headers.
type CreateNotificationRequest struct {
	Title        string                  `json:"title" validate:"required_without=TemplateRef,max=255"`
	Body         string                  `json:"body" validate:"required_without=TemplateRef"`
	Type         string                  `json:"type" validate:"required"`
	Priority     string                  `json:"priority,omitempty"`
	Category     string                  `json:"category,omitempty"`
	Channels     []string                `json:"channels,omitempty"`
	Target       notification.TargetSpec `json:"target"`
	TemplateRef  string                  `json:"template_ref,omitempty"`
	TemplateData map[string]string       `json:"template_data,omitempty"`
	ScheduledAt  *time.Time              `json:"scheduled_at,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
}

// CreateNotificationResponse represents the response for submitting notifications
type CreateNotificationResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	TotalTargets int    `json:"total_targets"`
	Message      string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// CreateNotification handles POST /notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	defer h.observe("create_notification")()

	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode request", zap.Error(err))
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeErrorResponse(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := h.notificationService.Submit(r.Context(), notification.SubmitRequest{
		TenantID:     tenantID(r),
		Title:        req.Title,
		Body:         req.Body,
		Type:         req.Type,
		Priority:     req.Priority,
		Category:     req.Category,
		Channels:     req.Channels,
		Target:       req.Target,
		TemplateRef:  req.TemplateRef,
		TemplateData: req.TemplateData,
		ScheduledAt:  req.ScheduledAt,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    r.Header.Get(userHeader),
	})
	if err != nil {
		h.writeError(w, err, "Failed to submit notification")
		return
	}

	h.writeJSON(w, http.StatusAccepted, CreateNotificationResponse{
		ID:           receipt.NotificationID,
		Status:       string(receipt.Status),
		TotalTargets: receipt.TotalTargets,
		Message:      "Notification accepted",
	})
}

// ListNotifications handles GET /notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	defer h.observe("list_notifications")()

	q := r.URL.Query()
	filter := notification.ListFilter{
		TenantID:  tenantID(r),
		Type:      notification.Type(q.Get("type")),
		Category:  notification.Category(q.Get("category")),
		Status:    notification.Status(q.Get("status")),
		Priority:  notification.Priority(q.Get("priority")),
		CreatedBy: q.Get("created_by"),
		Page:      queryInt(q.Get("page"), 1),
		PageSize:  queryInt(q.Get("page_size"), 0),
	}
	var err error
	if filter.From, err = queryTime(q.Get("from")); err != nil {
		h.writeErrorResponse(w, "Invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if filter.To, err = queryTime(q.Get("to")); err != nil {
		h.writeErrorResponse(w, "Invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}

	page, err := h.notificationService.ListNotifications(r.Context(), filter)
	if err != nil {
		h.writeError(w, err, "Failed to list notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// GetNotification handles GET /notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	defer h.observe("get_notification")()

	notif, err := h.notificationService.GetNotification(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, "Failed to retrieve notification")
		return
	}
	h.writeJSON(w, http.StatusOK, notif)
}

// GetDeliveries handles GET /notifications/{id}/deliveries
func (h *Handler) GetDeliveries(w http.ResponseWriter, r *http.Request) {
	defer h.observe("get_deliveries")()

	logs, err := h.notificationService.DeliveryLogs(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, "Failed to retrieve deliveries")
		return
	}
	if logs == nil {
		logs = []*notification.DeliveryLog{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": logs})
}

// CancelNotification handles POST /notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	defer h.observe("cancel_notification")()

	id := mux.Vars(r)["id"]
	if err := h.notificationService.Cancel(r.Context(), tenantID(r), id); err != nil {
		h.writeError(w, err, "Failed to cancel notification")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(notification.StatusCancelled)})
}

// RetryNotification handles POST /notifications/{id}/retry
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	defer h.observe("retry_notification")()

	batch, err := h.notificationService.RetryFailed(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, "Failed to retry notification")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"retrying": batch != nil})
}

// ReconcileNotification handles POST /notifications/{id}/reconcile
func (h *Handler) ReconcileNotification(w http.ResponseWriter, r *http.Request) {
	defer h.observe("reconcile_notification")()

	counters, repaired, err := h.notificationService.Reconcile(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, "Failed to reconcile notification")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"counters": counters, "repaired": repaired})
}

// MarkRead handles POST /notifications/{id}/read for the calling user
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	defer h.observe("mark_read")()

	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	changed, err := h.notificationService.MarkRead(r.Context(), tenantID(r), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeError(w, err, "Failed to mark notification read")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// UserNotifications handles GET /users/{userID}/notifications
func (h *Handler) UserNotifications(w http.ResponseWriter, r *http.Request) {
	defer h.observe("user_notifications")()

	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	inbox, err := h.notificationService.UserNotifications(r.Context(), notification.InboxFilter{
		TenantID:   tenantID(r),
		UserID:     userID,
		UnreadOnly: q.Get("unread_only") == "true",
		Type:       notification.Type(q.Get("type")),
		Category:   notification.Category(q.Get("category")),
		Limit:      queryInt(q.Get("limit"), 0),
		Offset:     queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		h.writeError(w, err, "Failed to retrieve user notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, inbox)
}

// MarkAllRead handles POST /users/{userID}/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	defer h.observe("mark_all_read")()

	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	marked, err := h.notificationService.MarkAllRead(r.Context(), tenantID(r), userID)
	if err != nil {
		h.writeError(w, err, "Failed to mark notifications read")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	defer h.observe("stats")()

	q := r.URL.Query()
	to := time.Now().UTC()
	if t, err := queryTime(q.Get("to")); err != nil {
		h.writeErrorResponse(w, "Invalid to: "+err.Error(), http.StatusBadRequest)
		return
	} else if t != nil {
		to = *t
	}
	from := to.Add(-defaultStatsWindow)
	if t, err := queryTime(q.Get("from")); err != nil {
		h.writeErrorResponse(w, "Invalid from: "+err.Error(), http.StatusBadRequest)
		return
	} else if t != nil {
		from = *t
	}

	stats, err := h.analytics.Stats(r.Context(), tenantID(r), from, to)
	if err != nil {
		h.writeError(w, err, "Failed to compute stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "notification-engine",
		"version":   "1.0.0",
	}
	h.writeJSON(w, http.StatusOK, health)
}

// Metrics handles GET /metrics (Prometheus metrics)
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

// observe records the handler duration and active connections; call the returned func on exit
func (h *Handler) observe(operation string) func() {
	start := time.Now()
	h.metrics.IncrementActiveConnections()
	return func() {
		h.metrics.DecrementActiveConnections()
		h.metrics.RecordProcessingDuration("api", operation, time.Since(start).Seconds())
	}
}

// writeError maps domain errors to HTTP status codes
func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	var verr *notification.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeErrorResponse(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, notification.ErrNotFound):
		h.writeErrorResponse(w, "Notification not found", http.StatusNotFound)
	case errors.Is(err, notification.ErrNotCancellable), errors.Is(err, notification.ErrNotRetryable):
		h.writeErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(fallback, zap.Error(err))
		h.writeErrorResponse(w, fallback, http.StatusInternalServerError)
	}
}

// writeErrorResponse writes an error response
func (h *Handler) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// SetupRoutes sets up all REST API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authMiddleware)
	api.Use(h.tenantMiddleware)
	api.HandleFunc("/notifications", h.CreateNotification).Methods("POST")
	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	api.HandleFunc("/notifications/{id}", h.GetNotification).Methods("GET")
	api.HandleFunc("/notifications/{id}/deliveries", h.GetDeliveries).Methods("GET")
	api.HandleFunc("/notifications/{id}/cancel", h.CancelNotification).Methods("POST")
	api.HandleFunc("/notifications/{id}/retry", h.RetryNotification).Methods("POST")
	api.HandleFunc("/notifications/{id}/reconcile", h.ReconcileNotification).Methods("POST")
	api.HandleFunc("/notifications/{id}/read", h.MarkRead).Methods("POST")
	api.HandleFunc("/users/{userID}/notifications", h.UserNotifications).Methods("GET")
	api.HandleFunc("/users/{userID}/notifications/read-all", h.MarkAllRead).Methods("POST")
	api.HandleFunc("/stats", h.Stats).Methods("GET")

	// Health and metrics
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/metrics", h.Metrics).Methods("GET")

	// Add middleware
	router.Use(h.loggingMiddleware)
	router.Use(h.corsMiddleware)

	return router
}

// authMiddleware checks the bearer token when an API key is configured
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) != 1 {
				h.writeErrorResponse(w, "Invalid or missing API key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// tenantMiddleware rejects requests without a tenant
func (h *Handler) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID(r) == "" {
			h.writeErrorResponse(w, tenantHeader+" header is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response recorder to capture status code
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// corsMiddleware adds CORS headers
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+tenantHeader+", "+userHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// caller returns the X-User-ID identity; a {userID} path segment must name the same user
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		h.writeErrorResponse(w, userHeader+" header is required", http.StatusBadRequest)
		return "", false
	}
	if pathUser, ok := mux.Vars(r)["userID"]; ok && pathUser != userID {
		h.writeErrorResponse(w, "Cannot access another user's notifications", http.StatusForbidden)
		return "", false
	}
	return userID, true
}

func tenantID(r *http.Request) string {
	return r.Header.Get(tenantHeader)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// queryTime parses an optional RFC3339 parameter; empty yields nil
func queryTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

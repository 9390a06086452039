package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"riskengine/internal/models"
)

const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 500
	defaultRetention         = 30 * 24 * time.Hour
)

// NotificationStore - журнал уведомлений (repository.AuditRepository)
type NotificationStore interface {
	GetRecentNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// NotificationHandler отвечает за журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - последние уведомления
// - GET /api/v1/notifications?types=sl,leg_fail&limit=50 - с фильтром
// - DELETE /api/v1/notifications?older_than=720h - удаление старых записей
//
// Маршруты регистрируются только при включённом журнале.
type NotificationHandler struct {
	store NotificationStore
	now   func() time.Time
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(store NotificationStore) *NotificationHandler {
	return &NotificationHandler{store: store, now: time.Now}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID        int                    `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// Query параметры:
// - types: типы через запятую без учёта регистра (open,close,sl,error,alert,leg_fail,unwind_fail)
// - limit: количество записей (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var types []string
	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		for _, part := range strings.Split(typesParam, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				types = append(types, strings.ToUpper(trimmed))
			}
		}
	}

	limit := defaultNotificationLimit
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	notifications, err := h.store.GetRecentNotifications(r.Context(), types, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get notifications: "+err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, NotificationDTO{
			ID:        n.ID,
			Timestamp: n.Timestamp.Format(time.RFC3339),
			Type:      n.Type,
			Severity:  n.Severity,
			Message:   n.Message,
			Meta:      n.Meta,
		})
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}

// ClearNotificationsResponse представляет ответ очистки уведомлений
type ClearNotificationsResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// ClearNotifications удаляет уведомления старше older_than (Go duration, по умолчанию 30 дней)
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	retention := defaultRetention
	if param := r.URL.Query().Get("older_than"); param != "" {
		parsed, err := time.ParseDuration(param)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid older_than: "+param)
			return
		}
		retention = parsed
	}

	deleted, err := h.store.DeleteOlderThan(r.Context(), h.now().Add(-retention))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to clear notifications: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, ClearNotificationsResponse{
		Message: "Notifications cleared successfully",
		Deleted: deleted,
	})
}

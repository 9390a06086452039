package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"riskengine/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// schema - таблицы журнала; создаются при старте, если их нет
var schema = []string{
	`CREATE TABLE IF NOT EXISTS closed_positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		exchange TEXT NOT NULL,
		entry_price NUMERIC NOT NULL,
		exit_price NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
		fees NUMERIC NOT NULL,
		realized_pnl NUMERIC NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_time TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS risk_alerts (
		id BIGSERIAL PRIMARY KEY,
		level TEXT NOT NULL,
		metric TEXT NOT NULL,
		message TEXT NOT NULL,
		value NUMERIC NOT NULL,
		threshold NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		meta JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp DESC)`,
}

// AuditRepository - журнал закрытых позиций, алертов и уведомлений в PostgreSQL.
//
// Реализует bot.AuditSink. Записи только добавляются; повторное
// сохранение той же позиции игнорируется.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository создает новый экземпляр репозитория
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// EnsureSchema создает таблицы журнала
func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}
	return nil
}

// SavePosition записывает закрытую позицию
func (r *AuditRepository) SavePosition(ctx context.Context, pos models.Position) error {
	query := `
		INSERT INTO closed_positions (id, symbol, side, exchange, entry_price, exit_price, amount, fees, realized_pnl, entry_time, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		pos.ID,
		pos.Symbol,
		string(pos.Side),
		pos.ExchangeID,
		pos.EntryPrice,
		pos.ExitPrice,
		pos.Amount,
		pos.Fees,
		pos.RealizedPnl,
		pos.EntryTime,
		pos.ExitTime,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", pos.ID, err)
	}
	return nil
}

// SaveAlert записывает алерт риск-монитора
func (r *AuditRepository) SaveAlert(ctx context.Context, alert models.Alert) error {
	query := `
		INSERT INTO risk_alerts (level, metric, message, value, threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		string(alert.Level),
		alert.Metric,
		alert.Message,
		alert.Value,
		alert.Threshold,
		ts,
	)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", alert.Key(), err)
	}
	return nil
}

// SaveNotification записывает уведомление и проставляет ему ID
func (r *AuditRepository) SaveNotification(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return nil
	}

	query := `
		INSERT INTO notifications (timestamp, type, severity, message, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		meta, err = json.Marshal(n.Meta)
		if err != nil {
			return fmt.Errorf("marshal notification meta: %w", err)
		}
	}

	err := r.db.QueryRowContext(ctx, query, n.Timestamp, n.Type, n.Severity, n.Message, meta).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// GetRecentNotifications возвращает последние уведомления, новые первыми.
// Пустой types не фильтрует по типу.
func (r *AuditRepository) GetRecentNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	query := `
		SELECT id, timestamp, type, severity, message, meta
		FROM notifications`
	args := []interface{}{}
	if len(types) > 0 {
		query += `
		WHERE type = ANY($1)`
		args = append(args, pq.Array(types))
	}
	query += fmt.Sprintf(`
		ORDER BY timestamp DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]*models.Notification, 0, limit)
	for rows.Next() {
		n := &models.Notification{}
		var meta []byte
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &n.Message, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, fmt.Errorf("decode meta of notification %d: %w", n.ID, err)
			}
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}

// DeleteOlderThan удаляет уведомления старше before, возвращает количество
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/internal/bot"
	"riskengine/internal/models"
)

var _ bot.AuditSink = (*AuditRepository)(nil)

func newMockRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewAuditRepository(db), mock
}

func TestAuditRepositoryEnsureSchema(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS closed_positions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS risk_alerts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS notifications`).WillReturnError(errors.New("permission denied"))

	err := repo.EnsureSchema(context.Background())
	assert.ErrorContains(t, err, "permission denied")
}

func TestAuditRepositorySavePosition(t *testing.T) {
	exit := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pos := models.Position{
		ID:          "pos-1",
		Symbol:      "BTC/USDT",
		Side:        models.SideLong,
		ExchangeID:  "bybit",
		EntryPrice:  decimal.RequireFromString("100"),
		ExitPrice:   decimal.RequireFromString("97"),
		Amount:      decimal.RequireFromString("1"),
		Fees:        decimal.RequireFromString("0.2"),
		RealizedPnl: decimal.RequireFromString("-3.2"),
		Status:      models.PositionStatusClosed,
		EntryTime:   exit.Add(-time.Hour),
		ExitTime:    &exit,
	}

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO closed_positions`).
					WithArgs("pos-1", "BTC/USDT", "long", "bybit", "100", "97", "1", "0.2", "-3.2", pos.EntryTime, exit).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "duplicate is ignored",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`ON CONFLICT \(id\) DO NOTHING`).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO closed_positions`).
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			tt.mockSetup(mock)

			err := repo.SavePosition(context.Background(), pos)
			if tt.wantErr {
				assert.ErrorContains(t, err, "pos-1")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAuditRepositorySaveAlert(t *testing.T) {
	repo, mock := newMockRepo(t)

	alert := models.Alert{
		Level:     models.AlertCritical,
		Metric:    models.MetricDrawdown,
		Message:   "drawdown 15%",
		Value:     decimal.RequireFromString("0.15"),
		Threshold: decimal.RequireFromString("0.1"),
	}

	mock.ExpectExec(`INSERT INTO risk_alerts`).
		WithArgs(string(models.AlertCritical), models.MetricDrawdown, "drawdown 15%", "0.15", "0.1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.SaveAlert(context.Background(), alert))
}

func TestAuditRepositorySaveNotification(t *testing.T) {
	t.Run("without meta", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		n := &models.Notification{Type: models.NotificationTypeOpen, Severity: models.SeverityInfo, Message: "opened"}

		mock.ExpectQuery(`INSERT INTO notifications`).
			WithArgs(sqlmock.AnyArg(), models.NotificationTypeOpen, models.SeverityInfo, "opened", []byte(nil)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		require.NoError(t, repo.SaveNotification(context.Background(), n))
		assert.Equal(t, 7, n.ID)
		assert.False(t, n.Timestamp.IsZero())
	})

	t.Run("with meta", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		n := &models.Notification{
			Type:     models.NotificationTypeLegFail,
			Severity: models.SeverityError,
			Message:  "leg failed",
			Meta:     map[string]interface{}{"exchange": "bybit"},
		}

		mock.ExpectQuery(`INSERT INTO notifications`).
			WithArgs(sqlmock.AnyArg(), models.NotificationTypeLegFail, models.SeverityError, "leg failed", []byte(`{"exchange":"bybit"}`)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))

		require.NoError(t, repo.SaveNotification(context.Background(), n))
		assert.Equal(t, 8, n.ID)
	})

	t.Run("nil", func(t *testing.T) {
		repo, _ := newMockRepo(t)
		assert.NoError(t, repo.SaveNotification(context.Background(), nil))
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`INSERT INTO notifications`).WillReturnError(errors.New("disk full"))

		err := repo.SaveNotification(context.Background(), &models.Notification{Type: models.NotificationTypeSL})
		assert.ErrorContains(t, err, "disk full")
	})
}

func TestAuditRepositoryGetRecentNotifications(t *testing.T) {
	now := time.Now()
	columns := []string{"id", "timestamp", "type", "severity", "message", "meta"}

	t.Run("all types with clamped limit", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`SELECT id, timestamp, type, severity, message, meta\s+FROM notifications\s+ORDER BY timestamp DESC\s+LIMIT \$1`).
			WithArgs(maxRecentLimit).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(2, now, models.NotificationTypeSL, models.SeverityWarn, "stop", []byte(`{"price":"97"}`)).
				AddRow(1, now.Add(-time.Minute), models.NotificationTypeOpen, models.SeverityInfo, "open", nil))

		got, err := repo.GetRecentNotifications(context.Background(), nil, 5000)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 2, got[0].ID)
		assert.Equal(t, "97", got[0].Meta["price"])
		assert.Nil(t, got[1].Meta)
	})

	t.Run("filtered by type", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`WHERE type = ANY\(\$1\)\s+ORDER BY timestamp DESC\s+LIMIT \$2`).
			WithArgs(sqlmock.AnyArg(), defaultRecentLimit).
			WillReturnRows(sqlmock.NewRows(columns))

		got, err := repo.GetRecentNotifications(context.Background(), []string{models.NotificationTypeAlert}, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("corrupted meta", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`SELECT id`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(3, now, "ERROR", "error", "x", []byte(`{broken`)))

		_, err := repo.GetRecentNotifications(context.Background(), nil, 10)
		assert.ErrorContains(t, err, "notification 3")
	})
}

func TestAuditRepositoryDeleteOlderThan(t *testing.T) {
	repo, mock := newMockRepo(t)
	before := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM notifications WHERE timestamp < \$1`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteOlderThan(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

func TestGormAlertRepository_Save(t *testing.T) {
	t.Run("inserts a new alert", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewGormAlertRepository(gormDB)

		alert := syncdomain.NewAlert("dead_letter_depth", syncdomain.SeverityCritical, "12 operations dead-lettered in the last hour", map[string]any{"count": 12})

		mock.ExpectExec(`INSERT INTO "sync_alerts"`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Save(context.Background(), alert)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormAlertRepository_Update(t *testing.T) {
	t.Run("persists an acknowledgement", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewGormAlertRepository(gormDB)

		alert := syncdomain.NewAlert("queue_depth", syncdomain.SeverityWarning, "inventory queue above threshold", nil)
		require.NoError(t, alert.Acknowledge())

		mock.ExpectExec(`UPDATE "sync_alerts" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Update(context.Background(), alert)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown alert id returns not found", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewGormAlertRepository(gormDB)

		alert := syncdomain.NewAlert("queue_depth", syncdomain.SeverityWarning, "inventory queue above threshold", nil)

		mock.ExpectExec(`UPDATE "sync_alerts" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Update(context.Background(), alert)

		assert.ErrorIs(t, err, syncdomain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormAlertRepository_FindByID(t *testing.T) {
	t.Run("finds an existing alert", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewGormAlertRepository(gormDB)

		alertID := uuid.New()
		rows := sqlmock.NewRows([]string{"id", "rule", "severity", "message", "details", "status", "created_at", "acknowledged_at", "resolved_at"}).
			AddRow(alertID, "circuit_open", "critical", "erp circuit stuck open", []byte(`{"system":"erp"}`), "active", time.Now(), nil, nil)

		mock.ExpectQuery(`SELECT \* FROM "sync_alerts" WHERE id = \$1 ORDER BY .* LIMIT .*`).
			WithArgs(alertID, 1).
			WillReturnRows(rows)

		alert, err := repo.FindByID(context.Background(), alertID)

		require.NoError(t, err)
		require.NotNil(t, alert)
		assert.Equal(t, "circuit_open", alert.Rule)
		assert.Equal(t, syncdomain.AlertActive, alert.Status)
		assert.Equal(t, "erp", alert.Details["system"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing alert returns not found", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewGormAlertRepository(gormDB)

		alertID := uuid.New()
		mock.ExpectQuery(`SELECT \* FROM "sync_alerts" WHERE id = \$1 ORDER BY .* LIMIT .*`).
			WithArgs(alertID, 1).
			WillReturnError(gorm.ErrRecordNotFound)

		alert, err := repo.FindByID(context.Background(), alertID)

		assert.Nil(t, alert)
		assert.ErrorIs(t, err, syncdomain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormAlertRepository_List(t *testing.T) {
	t.Run("filters by status", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewGormAlertRepository(gormDB)

		rows := sqlmock.NewRows([]string{"id", "rule", "severity", "message", "details", "status", "created_at", "acknowledged_at", "resolved_at"}).
			AddRow(uuid.New(), "dead_letter_depth", "critical", "dead letters accumulating", nil, "active", time.Now(), nil, nil)

		mock.ExpectQuery(`SELECT \* FROM "sync_alerts" WHERE status = \$1 ORDER BY created_at DESC LIMIT .*`).
			WithArgs("active", 20).
			WillReturnRows(rows)

		alerts, err := repo.List(context.Background(), syncdomain.AlertActive, 20)

		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, syncdomain.SeverityCritical, alerts[0].Severity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

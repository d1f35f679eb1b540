package audit

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestNewDBLogger(t *testing.T) {
	logger, err := NewDBLogger(nil)
	assert.Error(t, err)
	assert.Nil(t, logger)

	db, _ := setupMockDB(t)
	logger, err = NewDBLogger(db)
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, logger.Close())
}

func TestMigrations(t *testing.T) {
	migrations := Migrations()
	require.Len(t, migrations, 1)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS audit_logs")
}

func TestDBLogger_Log(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		logger := &DBLogger{db: db}

		event := NewEvent(context.Background(), EventTypeWorkflowVersionCreate, 3, 7).
			OnResource(ResourceTypeWorkflow, 42).
			WithMeta("version", 2)

		mock.ExpectQuery("INSERT INTO audit_logs").
			WithArgs(
				sqlmock.AnyArg(), EventTypeWorkflowVersionCreate, EventStatusSuccess,
				event.UserID, event.OrganizationID,
				ResourceTypeWorkflow, "42", "",
				"", "", []byte(`{"version":2}`), sqlmock.AnyArg(),
			).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

		require.NoError(t, logger.Log(context.Background(), event))
		assert.Equal(t, int64(11), event.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		logger := &DBLogger{db: db}

		mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))

		err := logger.Log(context.Background(), NewEvent(context.Background(), EventTypeWorkflowDelete, 1, 1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert audit log")
	})
}

func TestDBLogger_Search(t *testing.T) {
	db, mock := setupMockDB(t)
	logger := &DBLogger{db: db}

	orgID := int64(3)
	now := time.Now().UTC()
	columns := []string{
		"id", "timestamp", "event_type", "status",
		"user_id", "organization_id",
		"resource_type", "resource_id", "request_id",
		"message", "error_message", "metadata", "changes",
	}

	mock.ExpectQuery(regexp.QuoteMeta("AND organization_id = $1 AND event_type = ANY($2) ORDER BY timestamp DESC, id DESC LIMIT $3")).
		WithArgs(orgID, pq.Array([]string{"approval.decide"}), 10).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			5, now, "approval.decide", "success",
			7, 3,
			"request", "900", nil,
			"level 1 APPROVED", nil, []byte(`{"level_order":1}`), []byte(`{"before":{"status":"PENDING"},"after":{"status":"APPROVED"}}`),
		))

	events, err := logger.Search(context.Background(), SearchFilter{
		OrganizationID: &orgID,
		EventTypes:     []EventType{EventTypeApprovalDecide},
		Limit:          10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, EventTypeApprovalDecide, e.EventType)
	assert.Equal(t, ResourceTypeRequest, e.ResourceType)
	assert.Equal(t, "900", e.ResourceID)
	assert.Empty(t, e.RequestID)
	assert.Equal(t, float64(1), e.Metadata["level_order"])
	require.NotNil(t, e.Changes)
	assert.Equal(t, "APPROVED", e.Changes.After["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/audit"
	"github.com/platinummonkey/procurement/pkg/observability"
)

func standardInput(r testRoles) CreateInput {
	return CreateInput{
		Name:        "Standard",
		TriggerType: TriggerAlways,
		IsDefault:   true,
		Levels: []LevelInput{
			{LevelOrder: 1, RoleID: r.A},
			{LevelOrder: 2, RoleID: r.B},
		},
	}
}

func TestManager_Create(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, CreateInput{
		Name:              "Capex",
		Description:       "large purchases",
		TriggerType:       TriggerAmountThreshold,
		TriggerConditions: []byte(`{"min_amount":1000}`),
		Levels: []LevelInput{
			{LevelOrder: 2, RoleID: f.roles.B},
			{LevelOrder: 1, RoleID: f.roles.A},
		},
	})
	require.NoError(t, err)

	assert.NotZero(t, w.ID)
	assert.NotEmpty(t, w.LineageID)
	assert.Equal(t, 1, w.Version)
	assert.Nil(t, w.ParentWorkflowID)
	assert.True(t, w.IsActive)
	assert.False(t, w.IsDefault)
	require.Len(t, w.Levels, 2)
	assert.Equal(t, 1, w.Levels[0].LevelOrder)
	assert.Equal(t, f.roles.A, w.Levels[0].RoleID)
	assert.Equal(t, f.roles.B, w.Levels[1].RoleID)

	got, err := f.manager.Get(ctx, testOrg, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "large purchases", got.Description)
	assert.JSONEq(t, `{"min_amount":1000}`, string(got.TriggerConditions))

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM workflow_lineages WHERE latest_workflow_id = $1", w.ID))
	assert.Len(t, f.audit.OfType(audit.EventTypeWorkflowCreate), 1)
}

func TestManager_CreateValidation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	tests := []struct {
		name    string
		in      CreateInput
		wantErr error
	}{
		{"missing name", CreateInput{TriggerType: TriggerManual}, apperr.ErrValidation},
		{"unknown trigger", CreateInput{Name: "x", TriggerType: "weekly"}, apperr.ErrValidation},
		{"bad conditions", CreateInput{Name: "x", TriggerType: TriggerManual, TriggerConditions: []byte("{")}, apperr.ErrValidation},
		{"gap in levels", CreateInput{Name: "x", TriggerType: TriggerManual, Levels: []LevelInput{
			{LevelOrder: 1, RoleID: f.roles.A}, {LevelOrder: 3, RoleID: f.roles.B},
		}}, apperr.ErrValidation},
		{"duplicate level", CreateInput{Name: "x", TriggerType: TriggerManual, Levels: []LevelInput{
			{LevelOrder: 1, RoleID: f.roles.A}, {LevelOrder: 1, RoleID: f.roles.B},
		}}, apperr.ErrValidation},
		{"role of another organization", CreateInput{Name: "x", TriggerType: TriggerManual, Levels: []LevelInput{
			{LevelOrder: 1, RoleID: f.roles.Foreign},
		}}, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Create(ctx, testOrg, actor, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM approval_workflows"))
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM workflow_change_logs"))
}

func TestManager_CreateDefaultClearsOthers(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	first, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)
	in := standardInput(f.roles)
	in.Name = "Replacement"
	second, err := f.manager.Create(ctx, testOrg, actor, in)
	require.NoError(t, err)

	first, err = f.manager.Get(ctx, testOrg, first.ID)
	require.NoError(t, err)
	assert.False(t, first.IsDefault)
	assert.True(t, first.IsActive)

	active, err := f.manager.GetActiveDefault(ctx, testOrg)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}

func TestManager_VersionCopiesLevelsAndDefault(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)

	w2ID, err := f.manager.CreateVersion(ctx, testOrg, w.ID, actor, "")
	require.NoError(t, err)
	require.NotEqual(t, w.ID, w2ID)

	w2, err := f.manager.Get(ctx, testOrg, w2ID)
	require.NoError(t, err)
	assert.Equal(t, 2, w2.Version)
	require.NotNil(t, w2.ParentWorkflowID)
	assert.Equal(t, w.ID, *w2.ParentWorkflowID)
	assert.Equal(t, w.LineageID, w2.LineageID)
	assert.True(t, w2.IsDefault)
	assert.True(t, w2.IsActive)
	require.Len(t, w2.Levels, 2)
	assert.Equal(t, f.roles.A, w2.Levels[0].RoleID)
	assert.Equal(t, f.roles.B, w2.Levels[1].RoleID)
	assert.Equal(t, w2ID, w2.Levels[0].WorkflowID)

	old, err := f.manager.Get(ctx, testOrg, w.ID)
	require.NoError(t, err)
	assert.False(t, old.IsDefault)
	assert.False(t, old.IsActive)
	assert.Len(t, old.Levels, 2, "archived version keeps its levels")

	active, err := f.manager.GetActiveDefault(ctx, testOrg)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, w2ID, active.ID)
	assert.Len(t, active.Levels, 2)

	list, err := f.manager.List(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w2ID, list[0].ID)

	events := f.audit.OfType(audit.EventTypeWorkflowVersionCreate)
	require.Len(t, events, 1)
	assert.Equal(t, w.ID, events[0].Metadata["parent_workflow_id"])
}

func TestManager_VersionWithoutLevels(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, CreateInput{Name: "Empty", TriggerType: TriggerManual})
	require.NoError(t, err)
	assert.NotNil(t, w.Levels)
	assert.Empty(t, w.Levels)

	nextID, err := f.manager.CreateVersion(ctx, testOrg, w.ID, actor, "")
	require.NoError(t, err)

	levels, err := f.manager.Levels(ctx, testOrg, nextID)
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestManager_History(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w1, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)
	w2, err := f.manager.CreateVersion(ctx, testOrg, w1.ID, actor, "")
	require.NoError(t, err)
	w3, err := f.manager.CreateVersion(ctx, testOrg, w2, actor, "tightened approvals")
	require.NoError(t, err)

	history, err := f.manager.GetHistory(ctx, testOrg, w3)
	require.NoError(t, err)

	require.Len(t, history.Versions, 3)
	assert.Equal(t, []int64{w3, w2, w1.ID}, []int64{history.Versions[0].ID, history.Versions[1].ID, history.Versions[2].ID})
	assert.Equal(t, []int{3, 2, 1}, []int{history.Versions[0].Version, history.Versions[1].Version, history.Versions[2].Version})

	require.Len(t, history.Changes, 3)
	assert.Equal(t, "tightened approvals", history.Changes[0].Summary)
	assert.Equal(t, "Created version 2 from version 1", history.Changes[1].Summary)
	assert.Equal(t, "Workflow created", history.Changes[2].Summary)

	// from the middle of the chain only older versions are visible
	partial, err := f.manager.GetHistory(ctx, testOrg, w2)
	require.NoError(t, err)
	assert.Len(t, partial.Versions, 2)
	assert.Len(t, partial.Changes, 2)

	_, err = f.manager.GetHistory(ctx, otherOrg, w3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_ArchivedVersionsAreImmutable(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)
	_, err = f.manager.CreateVersion(ctx, testOrg, w.ID, actor, "")
	require.NoError(t, err)

	_, err = f.manager.CreateVersion(ctx, testOrg, w.ID, actor, "")
	assert.ErrorIs(t, err, apperr.ErrInvariant)

	_, err = f.manager.Update(ctx, testOrg, w.ID, actor, Patch{Name: strPtr("again")})
	assert.ErrorIs(t, err, apperr.ErrInvariant)

	_, err = f.manager.ToggleActive(ctx, testOrg, w.ID, actor, true)
	assert.ErrorIs(t, err, apperr.ErrInvariant)

	err = f.manager.Delete(ctx, testOrg, w.ID, actor)
	assert.ErrorIs(t, err, apperr.ErrInvariant)

	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM approval_workflows"))
}

func TestManager_ForeignOrganization(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)

	_, err = f.manager.Get(ctx, otherOrg, w.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.manager.CreateVersion(ctx, otherOrg, w.ID, actor, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.manager.ToggleActive(ctx, otherOrg, w.ID, actor, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, f.manager.Delete(ctx, otherOrg, w.ID, actor), apperr.ErrNotFound)

	list, err := f.manager.List(ctx, otherOrg)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	active, err := f.manager.GetActiveDefault(ctx, otherOrg)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestManager_Update(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)

	updated, err := f.manager.Update(ctx, testOrg, w.ID, actor, Patch{
		Name:   strPtr("Streamlined"),
		Levels: []LevelInput{{LevelOrder: 1, RoleID: f.roles.C}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Streamlined", updated.Name)
	assert.True(t, updated.IsDefault, "default flag carries over")
	assert.True(t, updated.IsActive)
	require.Len(t, updated.Levels, 1)
	assert.Equal(t, f.roles.C, updated.Levels[0].RoleID)

	old, err := f.manager.Get(ctx, testOrg, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "Standard", old.Name)
	assert.Len(t, old.Levels, 2)

	history, err := f.manager.GetHistory(ctx, testOrg, updated.ID)
	require.NoError(t, err)
	assert.Equal(t, "Workflow updated", history.Changes[0].Summary)

	events := f.audit.OfType(audit.EventTypeWorkflowUpdate)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Changes)
	assert.Equal(t, "Standard", events[0].Changes.Before["name"])
	assert.Equal(t, "Streamlined", events[0].Changes.After["name"])
}

func TestManager_UpdateDefaultOverride(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	def, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)
	other, err := f.manager.Create(ctx, testOrg, actor, CreateInput{Name: "Other", TriggerType: TriggerCategory, IsActive: boolPtr(false)})
	require.NoError(t, err)

	promoted, err := f.manager.Update(ctx, testOrg, other.ID, actor, Patch{IsDefault: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, promoted.IsDefault)
	assert.False(t, promoted.IsActive)

	def, err = f.manager.Get(ctx, testOrg, def.ID)
	require.NoError(t, err)
	assert.False(t, def.IsDefault)
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM approval_workflows WHERE is_default = $1", true))

	demoted, err := f.manager.Update(ctx, testOrg, promoted.ID, actor, Patch{IsDefault: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, demoted.IsDefault)
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM approval_workflows WHERE is_default = $1", true))
}

func TestManager_UpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)

	_, err = f.manager.Update(ctx, testOrg, w.ID, actor, Patch{Levels: []LevelInput{{LevelOrder: 2, RoleID: f.roles.A}}})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.manager.Update(ctx, testOrg, w.ID, actor, Patch{Levels: []LevelInput{{LevelOrder: 1, RoleID: f.roles.Foreign}}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM approval_workflows"))
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM workflow_change_logs"))
	w, err = f.manager.Get(ctx, testOrg, w.ID)
	require.NoError(t, err)
	assert.True(t, w.IsDefault)
	assert.True(t, w.IsActive)
}

func TestManager_ToggleActive(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	a, err := f.manager.Create(ctx, testOrg, actor, CreateInput{Name: "A", TriggerType: TriggerSite})
	require.NoError(t, err)
	b, err := f.manager.Create(ctx, testOrg, actor, CreateInput{Name: "B", TriggerType: TriggerCategory})
	require.NoError(t, err)
	in := standardInput(f.roles)
	in.IsActive = boolPtr(false)
	def, err := f.manager.Create(ctx, testOrg, actor, in)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := f.manager.ToggleActive(ctx, testOrg, def.ID, actor, true)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Len(t, got.Levels, 2)

		assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM approval_workflows WHERE is_active = $1", true))
		assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM approval_workflows WHERE is_active = $1 AND is_default = $1", true))
	}

	for _, id := range []int64{a.ID, b.ID} {
		w, err := f.manager.Get(ctx, testOrg, id)
		require.NoError(t, err)
		assert.False(t, w.IsActive)
	}

	assert.Len(t, f.audit.OfType(audit.EventTypeWorkflowToggleActive), 1, "repeat toggle is a no-op")
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM workflow_change_logs WHERE summary = $1", "Workflow activated"))

	// a non-default workflow can be active next to the default
	_, err = f.manager.ToggleActive(ctx, testOrg, a.ID, actor, true)
	require.NoError(t, err)
	active, err := f.manager.GetActiveDefault(ctx, testOrg)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, def.ID, active.ID)

	_, err = f.manager.ToggleActive(ctx, testOrg, def.ID, actor, false)
	require.NoError(t, err)
	active, err = f.manager.GetActiveDefault(ctx, testOrg)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestManager_DefaultCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)

	err = f.manager.Delete(ctx, testOrg, w.ID, actor)
	assert.ErrorIs(t, err, apperr.ErrInvariant)

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM approval_workflows"))
	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM approval_levels"))
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM workflow_lineages"))
	assert.Empty(t, f.audit.OfType(audit.EventTypeWorkflowDelete))
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	keep, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)
	w, err := f.manager.Create(ctx, testOrg, actor, CreateInput{
		Name:        "Temporary",
		TriggerType: TriggerManual,
		Levels:      []LevelInput{{LevelOrder: 1, RoleID: f.roles.A}},
	})
	require.NoError(t, err)
	latest, err := f.manager.CreateVersion(ctx, testOrg, w.ID, actor, "")
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(ctx, testOrg, latest, actor))

	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM approval_workflows WHERE lineage_id = $1", w.LineageID))
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM workflow_lineages WHERE lineage_id = $1", w.LineageID))
	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM approval_levels"), "only the kept workflow's levels remain")
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM workflow_change_logs WHERE summary = $1", "Workflow deleted"))

	_, err = f.manager.Get(ctx, testOrg, latest)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.manager.List(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)

	events := f.audit.OfType(audit.EventTypeWorkflowDelete)
	require.Len(t, events, 1)
	assert.Equal(t, w.LineageID, events[0].Metadata["lineage_id"])
}

func TestManager_DeleteInUse(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	w, err := f.manager.Create(ctx, testOrg, actor, CreateInput{
		Name:        "Referenced",
		TriggerType: TriggerManual,
		Levels:      []LevelInput{{LevelOrder: 1, RoleID: f.roles.A}},
	})
	require.NoError(t, err)
	latest, err := f.manager.CreateVersion(ctx, testOrg, w.ID, actor, "")
	require.NoError(t, err)

	// a request still points at the archived version
	_, err = f.db.Exec("INSERT INTO request_approvals (request_id, workflow_id, level_order) VALUES ($1, $2, $3)", 900, w.ID, 1)
	require.NoError(t, err)

	err = f.manager.Delete(ctx, testOrg, latest, actor)
	assert.ErrorIs(t, err, apperr.ErrInvariant)
	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM approval_workflows"))
}

func TestManager_GetActiveDefaultIsDeterministic(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t, false)
	m := NewManager(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	insert := func(name string, updatedAt time.Time) int64 {
		res, err := db.Exec(`
			INSERT INTO approval_workflows (organization_id, lineage_id, name, trigger_type, is_default, is_active, version, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			testOrg, name, name, string(TriggerAlways), true, true, 1, actor, base, updatedAt)
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		return id
	}

	insert("older", base)
	newest := insert("newer", base.Add(time.Minute))
	tied := insert("tied", base.Add(time.Minute))

	for i := 0; i < 3; i++ {
		w, err := m.GetActiveDefault(ctx, testOrg)
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, tied, w.ID, "equal timestamps fall back to the highest id")
		assert.NotEqual(t, newest, w.ID)
	}
}

func TestManager_ConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO approval_workflows").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := NewManager(db, WithMetrics(metrics), WithTracer(tp.Tracer("test")))

	_, err = m.Create(ctx, testOrg, actor, CreateInput{Name: "Racy", TriggerType: TriggerAlways})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkflowMutationsTotal.WithLabelValues("create", "error")))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow.create", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestManager_CreateVersionRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	columns := []string{
		"id", "organization_id", "lineage_id", "name", "description", "trigger_type",
		"trigger_conditions", "is_default", "is_active", "version", "parent_workflow_id",
		"created_by", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT w.id").WithArgs(7, testOrg).WillReturnRows(
		sqlmock.NewRows(columns).AddRow(7, testOrg, "lineage-7", "Standard", nil, "always", nil, true, true, 1, nil, actor, now, now),
	)
	mock.ExpectQuery("SELECT latest_workflow_id").WithArgs("lineage-7").
		WillReturnRows(sqlmock.NewRows([]string{"latest_workflow_id"}).AddRow(7))
	mock.ExpectExec("UPDATE approval_workflows SET is_default").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO approval_workflows").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	mock.ExpectExec("INSERT INTO approval_levels").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	memory := audit.NewMemoryLogger()
	m := NewManager(db, WithMetrics(metrics), WithAudit(audit.NewRecorder(memory, nil)))

	_, err = m.CreateVersion(ctx, testOrg, 7, actor, "")
	require.Error(t, err)
	assert.False(t, apperr.IsClientError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, memory.Events())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkflowMutationsTotal.WithLabelValues("create_version", "error")))
}

func TestManager_SpansOnSuccess(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := setup(t, WithTracer(tp.Tracer("test")))

	w, err := f.manager.Create(ctx, testOrg, actor, standardInput(f.roles))
	require.NoError(t, err)
	_, err = f.manager.GetHistory(ctx, testOrg, w.ID)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "workflow.create", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "workflow.history", spans[1].Name())
}

package trace

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const setTenantSQL = `SELECT set_config('app.current_tenant_id', $1, true)`

var traceCols = []string{
	"trace_id", "tenant_id", "correlation_id", "execution_id", "steps", "tool_calls",
	"state_diffs", "cost_cents", "status", "started_at", "completed_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPostgresStore(conn), mock
}

func expectTenant(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setTenantSQL)).
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestPostgresStore_EnsureCreatesOrReads(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expectTenant(mock)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO traces")).
		WithArgs("t1", "run-1", "e1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM traces")).
		WithArgs("t1", "run-1").
		WillReturnRows(sqlmock.NewRows(traceCols).AddRow(
			"tr-1", "t1", "run-1", "e1",
			`[]`, `[{"kind":"tool_call","name":"charge_card","replayed":true,"at":"2026-03-01T12:00:00Z"}]`, `[]`,
			4, "RUNNING", now, nil,
		))
	mock.ExpectCommit()

	tr, err := s.Ensure(tctx("t1"), "run-1", "e1", now)
	require.NoError(t, err)
	assert.Equal(t, "tr-1", tr.TraceID)
	assert.Equal(t, StatusRunning, tr.Status)
	assert.False(t, tr.Closed())
	require.Len(t, tr.ToolCalls, 1)
	assert.True(t, tr.ToolCalls[0].Replayed)
	assert.Equal(t, int64(4), tr.CostCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendConcatenates(t *testing.T) {
	s, mock := newMockStore(t)

	expectTenant(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE traces SET tool_calls = tool_calls || $3::jsonb")).
		WithArgs("t1", "run-1", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Append(tctx("t1"), "run-1", Entry{Kind: KindToolCall, Name: "charge_card", CostCents: 7})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendToClosedTrace(t *testing.T) {
	s, mock := newMockStore(t)

	expectTenant(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE traces SET steps")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT completed_at IS NOT NULL")).
		WithArgs("t1", "run-1").
		WillReturnRows(sqlmock.NewRows([]string{"closed"}).AddRow(true))
	mock.ExpectRollback()

	err := s.Append(tctx("t1"), "run-1", Entry{Kind: KindStep})
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseMissingTrace(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expectTenant(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE traces SET status")).
		WithArgs("t1", "run-9", "COMPLETED", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT completed_at IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"closed"}))
	mock.ExpectRollback()

	err := s.Close(tctx("t1"), "run-9", StatusCompleted, now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRejectsUnknownKind(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.Append(tctx("t1"), "run-1", Entry{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

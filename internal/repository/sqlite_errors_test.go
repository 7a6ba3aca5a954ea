package repository

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoggerDiscard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// mockStore wraps a SQLiteStore around a sqlmock handle to exercise the
// error paths a real database rarely produces.
func mockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &SQLiteStore{db: db, log: testLoggerDiscard()}, mock
}

func TestListConditionsQueryError(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectQuery("SELECT id, name, description FROM conditions").
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.ListConditions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing conditions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPracticeScanError(t *testing.T) {
	store, mock := mockStore(t)

	rows := sqlmock.NewRows([]string{"id"}).AddRow("not-a-number")
	mock.ExpectQuery("SELECT (.+) FROM practices").WillReturnRows(rows)

	_, err := store.GetPractice(context.Background(), 1)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustEvidenceCountExecError(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectExec("UPDATE practices SET evidence_count").
		WillReturnError(errors.New("database is locked"))

	err := store.AdjustEvidenceCount(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adjusting evidence count")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCombinationByKeyQueryError(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectQuery("SELECT id, name, key FROM combinations").
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.CombinationByKey(context.Background(), "1,2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading combination")
	assert.NoError(t, mock.ExpectationsWereMet())
}

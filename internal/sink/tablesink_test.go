package sink

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSink(t *testing.T, recreate bool) (*TableSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newTableSinkWithDB(db, recreate), mock
}

func TestTableSinkSanitizeTableName(t *testing.T) {
	s := NewTableSink("dsn", false)

	tests := []struct {
		in   string
		want string
	}{
		{"Account", "account"},
		{"My_Custom__c", "my_custom__c"},
		{"Weird Object!", "weird_object"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.SanitizeTableName(tt.in))
	}
}

func TestTableSinkWriteDataAppendMode(t *testing.T) {
	s, mock := newMockSink(t, false)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `account`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `account`").
		WithArgs("001A", "Acme", "001B", "Globex").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO _backup_runs").
		WithArgs("account", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.WriteData(context.Background(), "Account",
		strings.NewReader("Id,Name\n001A,Acme\n001B,Globex\n"),
		WriteOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkWriteDataRecreateDropsFirst(t *testing.T) {
	s, mock := newMockSink(t, true)

	mock.ExpectExec("DROP TABLE IF EXISTS `account`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `account`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `account`").
		WithArgs("001A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO _backup_runs").
		WithArgs("account", "run-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.WriteData(context.Background(), "Account",
		strings.NewReader("Id\n001A\n"),
		WriteOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkWriteDataBlobColumn(t *testing.T) {
	s, mock := newMockSink(t, false)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `attachment`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `attachment`").
		WithArgs("00PA", "photo.png", "/backups/_blobs/Attachment/00PA",
			"00PB", "doc.pdf", "").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO _backup_runs").
		WithArgs("attachment", "run-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.WriteData(context.Background(), "Attachment",
		strings.NewReader("Id,Name\n00PA,photo.png\n00PB,doc.pdf\n"),
		WriteOptions{
			RunID:     "run-3",
			BlobPaths: map[string]string{"00PA": "/backups/_blobs/Attachment/00PA"},
		})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkWriteDataRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockSink(t, false)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `account`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `account`").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.WriteData(context.Background(), "Account",
		strings.NewReader("Id\n001A\n"),
		WriteOptions{RunID: "run-4"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkLastBackupTimestamp(t *testing.T) {
	s, mock := newMockSink(t, false)

	want := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT last_completed_at FROM _backup_runs").
		WithArgs("account").
		WillReturnRows(sqlmock.NewRows([]string{"last_completed_at"}).AddRow(want))

	got, err := s.LastBackupTimestamp(context.Background(), "Account")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(want))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableSinkLastBackupTimestampNoHistory(t *testing.T) {
	s, mock := newMockSink(t, false)

	mock.ExpectQuery("SELECT last_completed_at FROM _backup_runs").
		WithArgs("account").
		WillReturnRows(sqlmock.NewRows([]string{"last_completed_at"}))

	got, err := s.LastBackupTimestamp(context.Background(), "Account")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

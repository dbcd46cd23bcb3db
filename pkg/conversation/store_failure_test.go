package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgate/core/pkg/database"
)

// newMockStore builds a Store over sqlmock so driver failures can be staged.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewStore(db, database.DialectSQLite)
	require.NoError(t, err)
	return store, mock
}

func TestGetWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM conversations WHERE id").
		WillReturnError(errors.New("connection reset"))

	_, err := store.Get(context.Background(), "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound, "driver errors must not masquerade as a miss")
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpSequenceMissingRowIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET last_sequence_number").
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	err = store.BumpSequence(context.Background(), tx, "gone", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertMessageWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(errors.New("disk full"))

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	err = store.InsertMessage(context.Background(), tx, &Message{
		ConversationID: "c1",
		Role:           RoleUser,
		SequenceNumber: 1,
		InputType:      InputUser,
		ContentHash:    "abc",
		ScanStatus:     ScanDone,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

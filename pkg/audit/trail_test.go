package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/aegisgate/core/pkg/database"
)

func newTestTrail(t *testing.T) (*Trail, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	trail, err := NewTrail(db, database.DialectSQLite)
	require.NoError(t, err)
	return trail, db
}

func TestRecordChainsEntries(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, Entry{
		Kind: KindScanResolved, ConversationID: "c1", Action: "allow", RiskScore: 0.2,
	}))
	require.NoError(t, trail.Record(ctx, Entry{
		Kind: KindScanResolved, ConversationID: "c1", Action: "block", RiskScore: 0.95,
		MatchedKeys: []string{"block-cccd"},
	}))

	entries, err := trail.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Empty(t, entries[0].PrevHash, "genesis entry has no predecessor")
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.NotEmpty(t, entries[1].Hash)
	assert.Equal(t, []string{"block-cccd"}, entries[1].MatchedKeys)
}

func TestVerifyAcceptsIntactChain(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, trail.Record(ctx, Entry{Kind: KindScanResolved, Action: "allow"}))
	}
	require.NoError(t, trail.Verify(ctx))
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, Entry{Kind: KindScanResolved, Action: "allow"}))
	require.NoError(t, trail.Record(ctx, Entry{Kind: KindScanResolved, Action: "block"}))

	_, err := db.ExecContext(ctx, `UPDATE audit_trail SET action = 'allow' WHERE action = 'block'`)
	require.NoError(t, err)

	require.Error(t, trail.Verify(ctx))
}

func TestConcurrentRecordsKeepChainIntact(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			return trail.Record(ctx, Entry{Kind: KindScanResolved, Action: "allow"})
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, trail.Verify(ctx))
	entries, err := trail.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 16)
}

func TestRecordTxSerializesChainHeadOnPostgres(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_trail").
		WillReturnResult(sqlmock.NewResult(0, 0))
	trail, err := NewTrail(db, database.DialectPostgres)
	require.NoError(t, err)

	// Ordered expectations: the advisory lock must precede the head read.
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(chainLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT hash FROM audit_trail").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_trail").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, trail.RecordTx(ctx, tx, Entry{Kind: KindScanResolved, Action: "allow"}))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTxRollsBackWithCaller(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, trail.RecordTx(ctx, tx, Entry{Kind: KindScanFailed, Detail: "boom"}))
	require.NoError(t, tx.Rollback())

	entries, err := trail.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportBundlesEntries(t *testing.T) {
	trail, _ := newTestTrail(t)
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, Entry{Kind: KindScanResolved, Action: "mask", RiskScore: 0.7}))

	sink := NewMemorySink()
	key, err := NewExporter(trail, sink).Export(ctx, 0)
	require.NoError(t, err)

	raw, ok := sink.Objects[key]
	require.True(t, ok)

	var bundle struct {
		Count   int     `json:"count"`
		Entries []Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &bundle))
	assert.Equal(t, 1, bundle.Count)
	require.Len(t, bundle.Entries, 1)
	assert.Equal(t, "mask", bundle.Entries[0].Action)
}

func TestExportRefusesBrokenChain(t *testing.T) {
	trail, db := newTestTrail(t)
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, Entry{Kind: KindScanResolved, Action: "allow"}))
	_, err := db.ExecContext(ctx, `UPDATE audit_trail SET risk_score = 0.99`)
	require.NoError(t, err)

	_, err = NewExporter(trail, NewMemorySink()).Export(ctx, 0)
	require.Error(t, err)
}

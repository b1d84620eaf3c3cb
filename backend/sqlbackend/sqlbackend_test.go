package sqlbackend

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/spibridge/native"
)

func newMock(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

func TestSavepointStatements(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT "spibridge_sp_1"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT "my ""quoted"" sp"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SAVEPOINT "spibridge_sp_2"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT "my ""quoted"" sp"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`RELEASE SAVEPOINT "spibridge_sp_1"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, b.Begin())
	assert.True(t, b.InTx())

	id, err := b.Savepoint(native.SavepointOp{Kind: native.Define})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = b.Savepoint(native.SavepointOp{Kind: native.Define, Name: `my "quoted" sp`})
	require.NoError(t, err)
	assert.Zero(t, id)

	id, err = b.Savepoint(native.SavepointOp{Kind: native.Define})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	_, err = b.Savepoint(native.SavepointOp{Kind: native.RollbackTo, Name: `my "quoted" sp`})
	require.NoError(t, err)
	_, err = b.Savepoint(native.SavepointOp{Kind: native.Release, Name: native.UnnamedSavepointName(1)})
	require.NoError(t, err)

	require.NoError(t, b.Commit())
	assert.False(t, b.InTx())
}

func TestSavepointFailureKeepsID(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT "spibridge_sp_1"`).WillReturnError(assert.AnError)
	mock.ExpectExec(`SAVEPOINT "spibridge_sp_1"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, b.Begin())
	_, err := b.Savepoint(native.SavepointOp{Kind: native.Define})
	assert.ErrorIs(t, err, assert.AnError)

	id, err := b.Savepoint(native.SavepointOp{Kind: native.Define})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, b.Close())
}

func TestSavepointOutsideTransaction(t *testing.T) {
	b, _ := newMock(t)

	_, err := b.Savepoint(native.SavepointOp{Kind: native.Define})
	assert.ErrorIs(t, err, ErrNoTransaction)
	assert.ErrorIs(t, b.Commit(), ErrNoTransaction)
	assert.ErrorIs(t, b.Rollback(), ErrNoTransaction)
}

func TestQueryMaterializesRows(t *testing.T) {
	b, mock := newMock(t)

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INTEGER", int64(0)).Nullable(false),
		sqlmock.NewColumn("name").OfType("VARCHAR", "").Nullable(true),
		sqlmock.NewColumn("score").OfType("DOUBLE PRECISION", 0.0).Nullable(true),
	).
		AddRow(int64(1), []byte("ada"), 9.5).
		AddRow(int64(2), nil, nil)
	mock.ExpectQuery(`SELECT id, name, score FROM people WHERE id > $1`).
		WithArgs(0).
		WillReturnRows(rows)

	cols, refs, err := b.Query(`SELECT id, name, score FROM people WHERE id > $1`, 0)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, []native.Column{
		{Name: "id", Type: native.TypeInt},
		{Name: "name", Type: native.TypeText, Nullable: true},
		{Name: "score", Type: native.TypeFloat, Nullable: true},
	}, cols)

	v, err := b.GetField(refs[0], 2)
	require.NoError(t, err)
	assert.Equal(t, "ada", v.Datum)

	v, err = b.GetField(refs[1], 2)
	require.NoError(t, err)
	assert.True(t, v.Null)

	_, err = b.GetField(refs[0], 4)
	assert.ErrorIs(t, err, ErrColumnRange)

	assert.Equal(t, 2, b.Rows())
	b.Free(refs[:1])
	assert.Equal(t, 1, b.Rows())

	_, err = b.GetField(refs[0], 1)
	assert.ErrorIs(t, err, native.ErrResourceGone)
}

func TestQueryError(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectQuery(`SELECT * FROM missing`).WillReturnError(assert.AnError)

	_, _, err := b.Query(`SELECT * FROM missing`)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, b.Rows())
}

func TestExecUsesTransaction(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectExec(`DELETE FROM people`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO people (id) VALUES ($1)`).WithArgs(4).WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectRollback()

	n, err := b.Exec(`DELETE FROM people`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, b.Begin())
	assert.ErrorIs(t, b.Begin(), ErrTxActive)
	n, err = b.Exec(`INSERT INTO people (id) VALUES ($1)`, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, b.Rollback())
}

func TestColumnTypeOf(t *testing.T) {
	tests := []struct {
		name string
		want native.ColumnType
	}{
		{"INTEGER", native.TypeInt},
		{"INT8", native.TypeInt},
		{"BIGINT", native.TypeInt},
		{"BOOL", native.TypeBool},
		{"BOOLEAN", native.TypeBool},
		{"TEXT", native.TypeText},
		{"VARCHAR", native.TypeText},
		{"UUID", native.TypeText},
		{"JSONB", native.TypeText},
		{"REAL", native.TypeFloat},
		{"FLOAT8", native.TypeFloat},
		{"NUMERIC", native.TypeFloat},
		{"BYTEA", native.TypeBytes},
		{"BLOB", native.TypeBytes},
		{"TIMESTAMPTZ", native.TypeTimestamp},
		{"DATE", native.TypeTimestamp},
		{"", native.TypeUnknown},
		{"INTERVAL", native.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ColumnTypeOf(tt.name))
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"sp"`, QuoteIdent("sp"))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
}

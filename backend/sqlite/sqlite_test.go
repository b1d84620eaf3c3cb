package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/spibridge"
	"github.com/alexhholmes/spibridge/backend/sqlite"
	"github.com/alexhholmes/spibridge/native"
)

func openBridge(t *testing.T, path string) (*spibridge.Bridge, *sqlite.Backend) {
	t.Helper()

	be, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })

	b, err := spibridge.Open(be, spibridge.WithPrivateLock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Update(func(tx *spibridge.Tx) error {
		_, err := tx.Exec(`CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT)`)
		return err
	}))
	return b, be
}

func count(t *testing.T, tx *spibridge.Tx) int64 {
	t.Helper()

	tuples, _, err := tx.Query(`SELECT count(*) FROM people`)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	v, err := tx.GetValue(tuples[0], tuples[0].Descriptor(), 1)
	require.NoError(t, err)
	return v.Datum.(int64)
}

func TestQueryThroughBridge(t *testing.T) {
	b, be := openBridge(t, sqlite.Memory)

	var tuples []*spibridge.Tuple
	err := b.Update(func(tx *spibridge.Tx) error {
		for i, name := range []string{"ada", "grace"} {
			if _, err := tx.Exec(`INSERT INTO people (id, name) VALUES (?, ?)`, i+1, name); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`INSERT INTO people (id) VALUES (3)`)
		require.NoError(t, err)

		var desc *spibridge.TupleDescriptor
		tuples, desc, err = tx.Query(`SELECT id, name FROM people ORDER BY id`)
		require.NoError(t, err)
		require.Len(t, tuples, 3)

		col, err := desc.Column(1)
		require.NoError(t, err)
		assert.Equal(t, "id", col.Name)
		assert.Equal(t, native.TypeInt, col.Type)

		v, err := tx.GetValueByName(tuples[1], "name")
		require.NoError(t, err)
		assert.Equal(t, "grace", v.Datum)

		v, err = tx.GetValue(tuples[2], desc, 2)
		require.NoError(t, err)
		assert.True(t, v.Null)

		_, err = tx.GetValue(tuples[0], desc, 3)
		assert.ErrorIs(t, err, spibridge.ErrIndexOutOfRange)
		return nil
	})
	require.NoError(t, err)

	// Rows are freed once the transaction's handles go stale.
	assert.Zero(t, be.Rows())
	_, err = b.GetValue(tuples[0], tuples[0].Descriptor(), 1)
	assert.ErrorIs(t, err, spibridge.ErrStaleHandle)
}

func TestSavepointsThroughBridge(t *testing.T) {
	b, _ := openBridge(t, filepath.Join(t.TempDir(), "sp.db"))

	tx, err := b.Begin()
	require.NoError(t, err)

	_, err = tx.Exec(`INSERT INTO people (id, name) VALUES (1, 'ada')`)
	require.NoError(t, err)

	outer, err := tx.SetSavepoint()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO people (id, name) VALUES (2, 'grace')`)
	require.NoError(t, err)

	inner, err := tx.SetNamedSavepoint("inner")
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO people (id, name) VALUES (3, 'edsger')`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count(t, tx))

	require.NoError(t, tx.RollbackToSavepoint(outer))
	assert.Equal(t, spibridge.SavepointRolledBack, inner.State())
	assert.Equal(t, spibridge.SavepointActive, outer.State())
	assert.Equal(t, int64(1), count(t, tx))

	_, err = tx.Exec(`INSERT INTO people (id, name) VALUES (4, 'barbara')`)
	require.NoError(t, err)
	require.NoError(t, tx.ReleaseSavepoint(outer))
	assert.Empty(t, tx.Savepoints())
	require.NoError(t, tx.Commit())

	require.NoError(t, b.View(func(tx *spibridge.Tx) error {
		assert.Equal(t, int64(2), count(t, tx))
		return nil
	}))
}

func TestNativeErrorSurfaces(t *testing.T) {
	b, _ := openBridge(t, sqlite.Memory)

	err := b.Update(func(tx *spibridge.Tx) error {
		_, err := tx.Exec(`INSERT INTO nowhere VALUES (1)`)
		return err
	})
	assert.ErrorIs(t, err, spibridge.ErrNativeFailure)
	assert.ErrorContains(t, err, "no such table")

	// Releasing a savepoint the database never heard of.
	tx, err := b.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Exec(`SAVEPOINT side`)
	require.NoError(t, err)
	sp, err := tx.SetNamedSavepoint("a")
	require.NoError(t, err)
	_, err = tx.Exec(`RELEASE SAVEPOINT side`)
	require.NoError(t, err)

	err = tx.ReleaseSavepoint(sp)
	assert.ErrorIs(t, err, spibridge.ErrNativeFailure)
	assert.Equal(t, spibridge.SavepointActive, sp.State())
}

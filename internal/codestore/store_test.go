package codestore

import (
	"path/filepath"
	"testing"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/template"
	"github.com/inoxlang/tjit/internal/translator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func compile(t *testing.T, name string) *target.CompiledMethod {
	code, _, err := bytecode.Assemble(`
		aload 0
		invokestatic 0
		pop
	loop:
		goto loop
	`)
	require.NoError(t, err)

	method := &bytecode.Method{
		Holder:    "Sample",
		Name:      name,
		Signature: bytecode.Signature{Params: []bytecode.Kind{bytecode.KindRef}},
		Static:    true,
		MaxLocals: 1,
		MaxStack:  1,
		Code:      code,
		Pool: bytecode.NewPool(bytecode.PoolEntry{
			Symbol: bytecode.Symbol{
				Kind: bytecode.SymMethod, Holder: "Sample", Name: "touch", Static: true,
				Signature: bytecode.Signature{Params: []bytecode.Kind{bytecode.KindRef}, Result: bytecode.KindRef},
			},
			Loaded:      true,
			Initialized: true,
		}),
	}

	compiled, err := translator.Translate(method, template.NewSyntheticLibrary(target.AMD64.TemplateShape()), translator.Options{
		Logger:   zerolog.Nop(),
		Platform: target.AMD64,
	})
	require.NoError(t, err)
	return compiled
}

func openStore(t *testing.T, path string, readOnly bool) *Store {
	store, err := Open(Config{Path: path, ReadOnly: readOnly, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {

	t.Run("a stored record is equivalent to the compiled method", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)
		m := compile(t, "run")

		stored, err := store.Put(m)
		require.NoError(t, err)

		record, found, err := store.Get(m.ID.String())
		require.NoError(t, err)
		require.True(t, found)

		assert.Equal(t, stored.ID, record.ID)
		assert.Equal(t, "Sample.run(ref)void", record.Method)
		assert.Equal(t, "jit", record.Kind)
		assert.Equal(t, "amd64", record.Platform)
		assert.True(t, stored.CreatedAt.Equal(record.CreatedAt))
		assert.Equal(t, m.Code, record.Code)
		assert.Equal(t, m.Frame, record.Frame)
		assert.Equal(t, m.BytecodeToCode, record.BytecodeToCode)
		assert.Equal(t, m.ExceptionRanges, record.ExceptionRanges)

		table := record.Stops
		require.Equal(t, m.Stops.Len(), table.Len())
		assert.Equal(t, m.Stops.CodePositions, table.CodePositions)
		assert.Equal(t, m.Stops.Callees, table.Callees)
		for i := 0; i < table.Len(); i++ {
			assert.Equal(t, m.Stops.StopAt(i), table.StopAt(i))
			assert.Equal(t, m.Stops.FrameRefSlots(i), table.FrameRefSlots(i))
		}

		for _, bci := range []int{0, 2, 5} {
			stopIndices, err := record.StopsAt(bci)
			require.NoError(t, err)
			assert.Equal(t, m.PositionIndex.StopsAt(bci), stopIndices, bci)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)

		_, found, err := store.Get("01HQ0000000000000000000000")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("records are listed in compilation order and indexed by method", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)

		first := compile(t, "a")
		second := compile(t, "b")
		third := compile(t, "a")
		for _, m := range []*target.CompiledMethod{first, second, third} {
			_, err := store.Put(m)
			require.NoError(t, err)
		}

		list, err := store.List()
		require.NoError(t, err)
		require.Len(t, list, 3)
		var ids []string
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		assert.ElementsMatch(t, []string{first.ID.String(), second.ID.String(), third.ID.String()}, ids)
		assert.IsIncreasing(t, ids)

		methods, err := store.Methods()
		require.NoError(t, err)
		assert.Equal(t, []string{"Sample.a(ref)void", "Sample.b(ref)void"}, methods)

		records, err := store.ByMethod("Sample.a(ref)void")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, first.ID.String(), records[0].ID)
		assert.Equal(t, third.ID.String(), records[1].ID)

		count, err := store.Len()
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("a record cannot be stored twice", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)
		m := compile(t, "run")

		_, err := store.Put(m)
		require.NoError(t, err)

		_, err = store.Put(m)
		assert.ErrorIs(t, err, ErrDuplicateEntry)
	})

	t.Run("invalid records are rejected", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)
		record := NewRecord(compile(t, "run"))

		noStops := record
		noStops.Stops = nil
		assert.ErrorIs(t, store.PutRecord(noStops), ErrInvalidRecord)

		badID := record
		badID.ID = "x"
		assert.ErrorIs(t, store.PutRecord(badID), ErrInvalidRecord)

		badIndex := record
		badIndex.PositionIndex = []uint32{1}
		assert.ErrorIs(t, store.PutRecord(badIndex), ErrInvalidRecord)

		count, err := store.Len()
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("delete", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)
		first := compile(t, "a")
		second := compile(t, "a")
		store.Put(first)
		store.Put(second)

		deleted, err := store.Delete(first.ID.String())
		require.NoError(t, err)
		assert.True(t, deleted)

		records, err := store.ByMethod("Sample.a(ref)void")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, second.ID.String(), records[0].ID)

		deleted, err = store.Delete(first.ID.String())
		require.NoError(t, err)
		assert.False(t, deleted)

		//the index entry of the method is removed with its last record.
		_, err = store.Delete(second.ID.String())
		require.NoError(t, err)
		methods, err := store.Methods()
		require.NoError(t, err)
		assert.Empty(t, methods)
	})

	t.Run("a failed deletion reports that nothing was deleted", func(t *testing.T) {
		store := openStore(t, filepath.Join(t.TempDir(), "code.db"), false)
		m := compile(t, "a")
		store.Put(m)

		err := store.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(recordsBucket).Put([]byte(m.ID.String()), []byte("{"))
		})
		require.NoError(t, err)

		deleted, err := store.Delete(m.ID.String())
		assert.Error(t, err)
		assert.False(t, deleted)

		records, err := store.ByMethod("Sample.a(ref)void")
		assert.Error(t, err)
		assert.Empty(t, records)
	})

	t.Run("records persist across openings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "code.db")
		m := compile(t, "run")

		store, err := Open(Config{Path: path, Logger: zerolog.Nop()})
		require.NoError(t, err)
		_, err = store.Put(m)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		readOnly := openStore(t, path, true)
		_, found, err := readOnly.Get(m.ID.String())
		require.NoError(t, err)
		assert.True(t, found)

		_, err = readOnly.Put(compile(t, "other"))
		assert.ErrorIs(t, err, ErrReadOnlyStore)

		_, err = readOnly.Delete(m.ID.String())
		assert.ErrorIs(t, err, ErrReadOnlyStore)
	})
}

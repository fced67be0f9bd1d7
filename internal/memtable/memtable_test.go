package memtable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv/internal/memtable"
	"emberkv/internal/status"
)

type upperMerge struct{}

func (upperMerge) Merge(key, existing, operand []byte) ([]byte, error) {
	return append(append([]byte{}, existing...), operand...), nil
}

func TestPutGet(t *testing.T) {
	m := memtable.NewMapMemtable(0)
	require.NoError(t, m.Put(1, []byte("k"), []byte("v")))
	e, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.False(t, e.Tombstone)
	require.Equal(t, []byte("v"), e.Value)
	require.Equal(t, uint64(1), e.Seq)
}

func TestDeleteTombstones(t *testing.T) {
	m := memtable.NewMapMemtable(0)
	require.NoError(t, m.Put(1, []byte("k"), []byte("v")))
	require.NoError(t, m.Delete(2, []byte("k")))
	e, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, e.Tombstone)
}

func TestDeleteRangeCoversPoint(t *testing.T) {
	m := memtable.NewMapMemtable(0)
	require.NoError(t, m.Put(1, []byte("b"), []byte("v")))
	require.NoError(t, m.DeleteRange(2, []byte("a"), []byte("m")))
	e, ok := m.Get([]byte("b"))
	require.True(t, ok)
	require.True(t, e.Tombstone)

	// Outside the range, the point write is untouched.
	require.NoError(t, m.Put(3, []byte("z"), []byte("v2")))
	e, ok = m.Get([]byte("z"))
	require.True(t, ok)
	require.False(t, e.Tombstone)
}

func TestMergeWithoutOperatorFails(t *testing.T) {
	m := memtable.NewMapMemtable(0)
	err := m.Merge(1, []byte("k"), []byte("delta"), nil)
	require.Error(t, err)
	require.Equal(t, status.NotSupported, status.KindOf(err))
}

func TestMergeAccumulates(t *testing.T) {
	m := memtable.NewMapMemtable(0)
	require.NoError(t, m.Put(1, []byte("k"), []byte("a")))
	require.NoError(t, m.Merge(2, []byte("k"), []byte("b"), upperMerge{}))
	e, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("ab"), e.Value)
}

func TestCreationSeqInvariant(t *testing.T) {
	immutable := memtable.NewMapMemtable(5)
	active := memtable.NewMapMemtable(10)
	require.Greater(t, active.CreationSeq(), immutable.CreationSeq())
}

func TestApproxMemoryUsageGrows(t *testing.T) {
	m := memtable.NewMapMemtable(0)
	before := m.ApproxMemoryUsage()
	require.NoError(t, m.Put(1, []byte("key"), []byte("value")))
	require.Greater(t, m.ApproxMemoryUsage(), before)
}

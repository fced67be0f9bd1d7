package batch_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv/internal/batch"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := batch.New()
	b.Put(0, []byte("a"), []byte("1"))
	b.Delete(0, []byte("b"))
	b.Merge(1, []byte("c"), []byte("delta"))
	b.DeleteRange(0, []byte("d"), []byte("z"))
	b.Stamp(100)

	require.EqualValues(t, 100, b.BaseSeq())
	require.Equal(t, uint64(100), b.Records()[0].Seq)
	require.Equal(t, uint64(103), b.Records()[3].Seq)

	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))

	got, err := batch.Decode(&buf)
	require.NoError(t, err)
	require.EqualValues(t, 100, got.BaseSeq())
	require.Equal(t, 4, got.Count())

	want := b.Records()
	for i, r := range got.Records() {
		require.Equal(t, want[i].Type, r.Type)
		require.Equal(t, want[i].CF, r.CF)
		require.Equal(t, want[i].Key, r.Key)
		require.Equal(t, want[i].Value, r.Value)
	}
}

func TestTransactionMarkersHaveNoKey(t *testing.T) {
	b := batch.New()
	b.BeginPrepare(0)
	b.Commit(0)
	b.Stamp(1)

	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))

	got, err := batch.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, batch.BeginPrepare, got.Records()[0].Type)
	require.Equal(t, batch.Commit, got.Records()[1].Type)
	require.Nil(t, got.Records()[0].Key)
}

func TestStampIsContiguousWithIndex(t *testing.T) {
	b := batch.New()
	for i := 0; i < 5; i++ {
		b.Put(0, []byte{byte(i)}, []byte{byte(i)})
	}
	b.Stamp(10)
	for i, r := range b.Records() {
		require.Equal(t, uint64(10+i), r.Seq)
	}
}

func TestMergeConcatenatesInOrder(t *testing.T) {
	a := batch.New().Put(0, []byte("a1"), []byte("v1"))
	b := batch.New().Put(0, []byte("b1"), []byte("v2")).Delete(0, []byte("b2"))

	merged := batch.MergeBatches(a, b)
	require.Equal(t, 3, merged.Count())
	require.Equal(t, []byte("a1"), merged.Records()[0].Key)
	require.Equal(t, []byte("b1"), merged.Records()[1].Key)
	require.Equal(t, []byte("b2"), merged.Records()[2].Key)
}

func TestSealPreventsMutation(t *testing.T) {
	b := batch.New().Put(0, []byte("k"), []byte("v"))
	b.Seal()
	require.Panics(t, func() { b.Put(0, []byte("k2"), []byte("v2")) })
}

func TestDecodeTruncatedReturnsError(t *testing.T) {
	b := batch.New().Put(0, []byte("k"), []byte("v"))
	b.Stamp(1)
	raw, err := b.EncodeToBytes()
	require.NoError(t, err)

	_, err = batch.Decode(bytes.NewReader(raw[:len(raw)-2]))
	require.Error(t, err)
}

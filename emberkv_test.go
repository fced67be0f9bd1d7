package emberkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv"
)

func TestOpenPutGetThroughTopLevelPackage(t *testing.T) {
	db, err := emberkv.Open(t.TempDir(), emberkv.DBOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, emberkv.WriteOptions{}, 0, []byte("k"), []byte("v")))

	e, ok := db.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Value)
	require.Equal(t, emberkv.Default, db.Mode())
}

func TestNewBatchWritesThroughWrite(t *testing.T) {
	db, err := emberkv.Open(t.TempDir(), emberkv.DBOptions{})
	require.NoError(t, err)

	b := emberkv.NewBatch().Put(0, []byte("k"), []byte("v"))
	require.NoError(t, db.Write(context.Background(), emberkv.WriteOptions{}, b))

	e, ok := db.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Value)
}

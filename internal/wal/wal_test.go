package wal_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"emberkv/internal/batch"
	"emberkv/internal/wal"
)

func newAppenderWithLog(t *testing.T, mode wal.ConcurrencyMode) (*wal.Appender, *wal.LogFile) {
	t.Helper()
	dir := t.TempDir()
	lf, err := wal.CreateLogFile(dir, 0)
	require.NoError(t, err)
	a := wal.NewAppender(dir, mode, false)
	a.AddLog(lf)
	return a, lf
}

func TestAppendMergedWritesAndIterates(t *testing.T) {
	a, lf := newAppenderWithLog(t, wal.Exclusive)

	b := batch.New().Put(0, []byte("a"), []byte("1"))
	b.Stamp(1)
	require.NoError(t, a.AppendMerged(context.Background(), b, wal.AppendOptions{}))

	require.Greater(t, lf.Size(), int64(0))
	require.Equal(t, lf.Size(), a.TotalSize())

	iter, err := wal.NewRecordIterator(lf.Path())
	require.NoError(t, err)
	defer iter.Close()

	payload, ok, err := iter.Next()
	require.NoError(t, err)
	require.True(t, ok)

	got, err := batch.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.BaseSeq())
	require.Equal(t, []byte("a"), got.Records()[0].Key)

	_, ok, err = iter.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSyncOnlyTouchesGettingSyncedLogs(t *testing.T) {
	a, lf := newAppenderWithLog(t, wal.Exclusive)
	require.False(t, lf.GettingSynced())

	b := batch.New().Put(0, []byte("k"), []byte("v"))
	b.Stamp(1)

	// No sync requested: getting-synced flag stays false.
	require.NoError(t, a.AppendMerged(context.Background(), b, wal.AppendOptions{Sync: false}))
	require.False(t, lf.GettingSynced())

	a.MarkAllGettingSynced()
	require.True(t, lf.GettingSynced())

	require.NoError(t, a.AppendMerged(context.Background(), b, wal.AppendOptions{Sync: true}))
	require.False(t, lf.GettingSynced(), "sync should clear the flag once done")
}

func TestWithWALMutexSerializesConcurrentAppends(t *testing.T) {
	a, _ := newAppenderWithLog(t, wal.Concurrent)

	seq := uint64(0)
	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- a.WithWALMutex(func() error {
				seq++
				b := batch.New().Put(0, []byte("k"), []byte("v"))
				b.Stamp(seq)
				return a.AppendMerged(context.Background(), b, wal.AppendOptions{})
			})
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	require.EqualValues(t, n, seq)
}

func TestRetireLogsBelow(t *testing.T) {
	dir := t.TempDir()
	a := wal.NewAppender(dir, wal.Exclusive, false)
	lf0, _ := wal.CreateLogFile(dir, 0)
	lf1, _ := wal.CreateLogFile(dir, 1)
	a.AddLog(lf0)
	a.AddLog(lf1)

	retired := a.RetireLogsBelow(1)
	require.Len(t, retired, 1)
	require.Equal(t, lf0.Number(), retired[0].Number())
	require.Len(t, a.AliveLogs(), 1)
}

func TestAppendFailsWithNoActiveLog(t *testing.T) {
	a := wal.NewAppender(t.TempDir(), wal.Exclusive, false)
	b := batch.New().Put(0, []byte("k"), []byte("v"))
	b.Stamp(1)
	err := a.AppendMerged(context.Background(), b, wal.AppendOptions{})
	require.Error(t, err)
}

func TestLogFileRecoversSizeOnReopen(t *testing.T) {
	dir := t.TempDir()
	lf, err := wal.CreateLogFile(dir, 0)
	require.NoError(t, err)
	require.NoError(t, lf.Append([]byte("hello")))
	require.NoError(t, lf.Close())

	reopened, err := wal.OpenLogFile(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()
	require.Greater(t, reopened.Size(), int64(0))
}

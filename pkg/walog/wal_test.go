package walog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuenv/cuenv/pkg/walog"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")

	w, err := walog.Open(dir, func(walog.Record) error { return nil })
	require.NoError(t, err)

	require.NoError(t, w.Append(walog.Record{Op: walog.OpPutBlobCommit, Digest: "abc123", Payload: []byte("hello")}))
	require.NoError(t, w.Append(walog.Record{Op: walog.OpRefcountDelta, Digest: "abc123", Payload: []byte{1}}))
	require.NoError(t, w.Close())

	var replayed []walog.Record
	w2, err := walog.Open(dir, func(r walog.Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, replayed, 2)
	require.Equal(t, "abc123", replayed[0].Digest)
	require.Equal(t, []byte("hello"), replayed[0].Payload)
	require.Equal(t, walog.OpRefcountDelta, replayed[1].Op)
}

func TestReplayStopsAtTruncatedRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	w, err := walog.Open(dir, func(walog.Record) error { return nil })
	require.NoError(t, err)
	require.NoError(t, w.Append(walog.Record{Op: walog.OpPutBlobCommit, Digest: "aaaa", Payload: []byte("ok")}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append by truncating the segment file.
	segPath := filepath.Join(dir, "0.log")
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(segPath, data[:len(data)-2], 0o644))

	var replayed []walog.Record
	w2, err := walog.Open(dir, func(r walog.Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	defer w2.Close()
	require.Empty(t, replayed)
}

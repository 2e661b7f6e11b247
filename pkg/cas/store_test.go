package cas_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuenv/cuenv/pkg/cas"
	"github.com/cuenv/cuenv/pkg/concurrency"
	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/walog"
)

func newTestStore(t *testing.T, opts ...cas.Option) (*cas.Store, string) {
	t.Helper()
	root := t.TempDir()
	wal, err := walog.Open(filepath.Join(root, "wal"), func(walog.Record) error { return nil })
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	ioSem := concurrency.NewIOSemaphore(10)
	store, err := cas.Open(root, ioSem, wal, opts...)
	require.NoError(t, err)
	return store, root
}

// TestPutGetRoundTrip covers scenario/invariant P5: bytes read back
// from an external blob are byte-identical to what was put.
func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, cas.WithInlineThreshold(0))
	ctx := context.Background()

	data := bytes.Repeat([]byte("payload"), 1000)
	d, err := store.Put(ctx, data)
	require.NoError(t, err)

	r, err := store.Get(ctx, d)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestInlineBlobsAreNeverWrittenToDisk covers the inline/external split
// of spec.md §4.2's CAS data model.
func TestInlineBlobsAreNeverWrittenToDisk(t *testing.T) {
	store, root := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, []byte("tiny"))
	require.NoError(t, err)
	require.True(t, store.Contains(d))

	_, err = store.Get(ctx, d)
	require.Error(t, err, "Get must reject inline digests")

	entries := 0
	_ = filepath.Walk(filepath.Join(root, "cas"), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			entries++
		}
		return nil
	})
	require.Equal(t, 0, entries, "inline blob must not be written under the CAS root")
}

// TestDuplicatePutsAreIdempotent covers invariant I3: two puts of
// identical content never conflict and both resolve to the same digest.
func TestDuplicatePutsAreIdempotent(t *testing.T) {
	store, _ := newTestStore(t, cas.WithInlineThreshold(0))
	ctx := context.Background()

	data := []byte("same content")
	d1, err := store.Put(ctx, data)
	require.NoError(t, err)
	d2, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

// TestCorruptedBlobIsQuarantinedOnRead covers the corruption recovery
// path: a blob whose on-disk bytes no longer match its digest is
// quarantined and reported as a DataLoss error, not silently served.
func TestCorruptedBlobIsQuarantinedOnRead(t *testing.T) {
	store, root := newTestStore(t, cas.WithInlineThreshold(0))
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), 100)
	d, err := store.Put(ctx, data)
	require.NoError(t, err)

	dirA, dirB, _ := shardParts(d)
	path := filepath.Join(root, "cas", dirA, dirB, d.GetHashString())
	require.NoError(t, os.WriteFile(path, []byte("corrupted!!"), 0o644))

	_, err = store.Get(ctx, d)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "corrupted blob should have been moved out of the CAS root")
}

// TestRetainReleaseTracksRefcount covers §4.2's refcount lifecycle: a
// blob reaching refcount zero becomes a GC candidate only after the
// grace period.
func TestRetainReleaseTracksRefcount(t *testing.T) {
	store, _ := newTestStore(t, cas.WithInlineThreshold(0), cas.WithGracePeriod(0))
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.Repeat([]byte("z"), 100))
	require.NoError(t, err)
	require.True(t, store.Contains(d))

	store.Release(d)
	evicted, _, err := store.CollectGarbage()
	require.NoError(t, err)
	require.Equal(t, 1, evicted)
	require.False(t, store.Contains(d))
}

// TestBootstrapFromDiskRegistersOrphanedBlobs covers the crash-recovery
// path: a blob file left on disk without any in-memory tracking (as if
// the process crashed between writing the blob and committing its
// owning action) is discovered and made GC-eligible.
func TestBootstrapFromDiskRegistersOrphanedBlobs(t *testing.T) {
	store, root := newTestStore(t, cas.WithInlineThreshold(0), cas.WithGracePeriod(0))
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.Repeat([]byte("w"), 100))
	require.NoError(t, err)

	// Simulate a crash: reopen a fresh store against the same root
	// without replaying any WAL retains.
	wal, err := walog.Open(filepath.Join(root, "wal2"), func(walog.Record) error { return nil })
	require.NoError(t, err)
	defer wal.Close()
	ioSem := concurrency.NewIOSemaphore(10)
	fresh, err := cas.Open(root, ioSem, wal, cas.WithInlineThreshold(0), cas.WithGracePeriod(0))
	require.NoError(t, err)

	require.False(t, fresh.Contains(d), "a freshly opened store has not yet scanned the disk")
	require.NoError(t, fresh.BootstrapFromDisk())
	require.True(t, fresh.Contains(d))

	evicted, _, err := fresh.CollectGarbage()
	require.NoError(t, err)
	require.Equal(t, 1, evicted, "an orphaned blob at refcount 0 must be GC-eligible once the grace period passes")
}

func shardParts(d digest.Digest) (string, string, byte) {
	return d.ShardKey()
}

package actioncache_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuenv/cuenv/pkg/actioncache"
	"github.com/cuenv/cuenv/pkg/cas"
	"github.com/cuenv/cuenv/pkg/concurrency"
	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/task"
	"github.com/cuenv/cuenv/pkg/walog"
)

func newTestCache(t *testing.T) (*actioncache.Cache, *cas.Store, string) {
	t.Helper()
	root := t.TempDir()
	wal, err := walog.Open(root+"/wal", func(walog.Record) error { return nil })
	require.NoError(t, err)

	ioSem := concurrency.NewIOSemaphore(10)
	store, err := cas.Open(root, ioSem, wal)
	require.NoError(t, err)

	ac, err := actioncache.Open(root, store, wal)
	require.NoError(t, err)
	return ac, store, root
}

func echoExecutor(stdout string) task.Executor {
	return func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		return &task.RawExecutionOutcome{
			ExitCode: 0,
			Stdout:   []byte(stdout),
		}, nil
	}
}

// TestBasicHit covers scenario S1: a second call with the same digest
// must not invoke the executor again and must return an identical
// result.
func TestBasicHit(t *testing.T) {
	ac, _, _ := newTestCache(t)
	d := digest.HashBytes([]byte("echo hello"))

	var calls atomic.Int64
	executor := func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		calls.Add(1)
		return &task.RawExecutionOutcome{ExitCode: 0, Stdout: []byte("hello\n")}, nil
	}

	first, err := ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)
	require.Equal(t, int32(0), first.ExitCode)

	second, err := ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)

	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, first.StdoutDigest.String(), second.StdoutDigest.String())
	require.Equal(t, first.Signature, second.Signature)
}

// TestInlineStdoutIsRecoverable covers spec.md:91's requirement that
// "the bytes are carried inside the ActionResult that references it":
// a second hit must yield back the exact stdout bytes, not merely a
// matching digest, for output small enough to stay inline.
func TestInlineStdoutIsRecoverable(t *testing.T) {
	ac, _, _ := newTestCache(t)
	d := digest.HashBytes([]byte("echo hello inline"))

	result, err := ac.ExecuteAction(context.Background(), d, echoExecutor("hello\n"))
	require.NoError(t, err)

	data, ok := result.InlineBlob(result.StdoutDigest)
	require.True(t, ok, "stdout below the inline threshold must be carried inside the ActionResult")
	require.Equal(t, []byte("hello\n"), data)

	cached, ok := ac.Get(context.Background(), d)
	require.True(t, ok)
	cachedData, ok := cached.InlineBlob(cached.StdoutDigest)
	require.True(t, ok)
	require.Equal(t, []byte("hello\n"), cachedData)
}

// TestSignatureVerifies covers property P2.
func TestSignatureVerifies(t *testing.T) {
	ac, _, _ := newTestCache(t)
	d := digest.HashBytes([]byte("action"))

	result, err := ac.ExecuteAction(context.Background(), d, echoExecutor("hi\n"))
	require.NoError(t, err)
	require.True(t, result.Verify(ac.PublicKey()))
}

// TestSingleFlight covers scenario S3: 100 concurrent calls with the
// same digest must invoke the executor exactly once.
func TestSingleFlight(t *testing.T) {
	ac, _, _ := newTestCache(t)
	d := digest.HashBytes([]byte("slow action"))

	var calls atomic.Int64
	executor := func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &task.RawExecutionOutcome{ExitCode: 0, Stdout: []byte("done")}, nil
	}

	var wg sync.WaitGroup
	results := make([]*actioncache.ActionResult, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, err := ac.ExecuteAction(context.Background(), d, executor)
			require.NoError(t, err)
			results[idx] = r
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		require.Equal(t, results[0].Signature, r.Signature)
	}
}

// TestExecutorErrorIsNotCached covers §4.4's failure semantics: an
// executor error must not produce a committed ActionResult, and a
// subsequent call must invoke the executor again.
func TestExecutorErrorIsNotCached(t *testing.T) {
	ac, _, _ := newTestCache(t)
	d := digest.HashBytes([]byte("flaky action"))

	var calls atomic.Int64
	executor := func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		n := calls.Add(1)
		if n == 1 {
			return nil, assertError{}
		}
		return &task.RawExecutionOutcome{ExitCode: 0}, nil
	}

	_, err := ac.ExecuteAction(context.Background(), d, executor)
	require.Error(t, err)

	result, err := ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, int64(2), calls.Load())
}

// TestNonZeroExitIsCached covers §4.4: failure is a deterministic
// outcome of the inputs and must still be cached.
func TestNonZeroExitIsCached(t *testing.T) {
	ac, _, _ := newTestCache(t)
	d := digest.HashBytes([]byte("failing action"))

	var calls atomic.Int64
	executor := func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		calls.Add(1)
		return &task.RawExecutionOutcome{ExitCode: 1, Stderr: []byte("boom")}, nil
	}

	first, err := ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)
	require.Equal(t, int32(1), first.ExitCode)

	_, err = ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())
}

// TestCorruptionRecovery covers scenario S5: a stored blob that is
// corrupted on disk must be detected on the next verified lookup,
// quarantined, and the owning action evicted so the next call
// re-invokes the executor.
func TestCorruptionRecovery(t *testing.T) {
	ac, store, root := newTestCache(t)
	d := digest.HashBytes([]byte("corrupt-me action"))

	var calls atomic.Int64
	bigStdout := make([]byte, cas.DefaultInlineThreshold+1024)
	for i := range bigStdout {
		bigStdout[i] = byte(i)
	}
	executor := func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		calls.Add(1)
		return &task.RawExecutionOutcome{ExitCode: 0, Stdout: bigStdout}, nil
	}

	first, err := ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)

	corruptBlob(t, root, first.StdoutDigest)

	_, ok := ac.Get(context.Background(), d)
	require.False(t, ok, "corrupted action must not be served as a hit")

	_, err = ac.ExecuteAction(context.Background(), d, executor)
	require.NoError(t, err)
	require.Equal(t, int64(2), calls.Load())

	_ = store // silence unused in case of future assertions
}

func corruptBlob(t *testing.T, root string, d digest.Digest) {
	t.Helper()
	dirA, dirB, _ := d.ShardKey()
	path := root + "/cas/" + dirA + "/" + dirB + "/" + d.GetHashString()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

type assertError struct{}

func (assertError) Error() string { return "injected executor failure" }

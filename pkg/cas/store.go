// Package cas implements [MODULE C2] of the cache specification: a
// content-addressed store of immutable byte blobs, split between an
// inline path (embedded by the caller, for blobs at or below the
// configured threshold) and an external, sharded on-disk path for
// everything else.
//
// The sharded two-level hex directory layout and the atomic
// write-temp-then-rename commit protocol are grounded on
// github.com/buildbarn/bb-storage's pkg/blobstore/local (see
// local_blob_access.go and block_allocator.go), generalized from that
// package's block-file-of-many-blobs layout to spec.md §4.2's simpler
// one-file-per-blob layout, since cuenv's cache does not need
// bb-storage's block-compaction machinery at this scale.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/concurrency"
	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/monitor"
	"github.com/cuenv/cuenv/pkg/util"
	"github.com/cuenv/cuenv/pkg/walog"
)

// DefaultInlineThreshold matches spec.md's documented default of 4 KiB.
const DefaultInlineThreshold = 4 * 1024

// DefaultGracePeriod matches spec.md's documented default of 60s,
// tolerating in-flight refcount updates before a zero-refcount blob is
// eligible for GC.
const DefaultGracePeriod = 60 * time.Second

// entry is the in-memory state tracked per CAS blob, per the "CAS
// entry" data model in spec.md §3.
type entry struct {
	mu            sync.Mutex
	digest        digest.Digest
	inline        bool
	refcount      int64
	lastAccess    time.Time
	zeroSince     time.Time
	hasZeroSince  bool
}

// Store is a sharded, on-disk content-addressed store.
type Store struct {
	root            string
	inlineThreshold int64
	gracePeriod     time.Duration

	ioSem *concurrency.IOSemaphore
	index *concurrency.ShardedMap[*entry]
	wal   *walog.WAL
	mon   *monitor.Monitor
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithInlineThreshold overrides DefaultInlineThreshold.
func WithInlineThreshold(bytes int64) Option {
	return func(s *Store) { s.inlineThreshold = bytes }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Store) { s.gracePeriod = d }
}

// WithMonitor attaches a monitor.Monitor for counters and histograms.
func WithMonitor(m *monitor.Monitor) Option {
	return func(s *Store) { s.mon = m }
}

// InlineThreshold returns the size, in bytes, at or below which Put
// never writes to disk: callers that embed bytes directly (pkg/actioncache)
// use this to decide whether a digest they hold needs to be carried
// inline.
func (s *Store) InlineThreshold() int64 {
	return s.inlineThreshold
}

// Open creates or resumes a CAS rooted at root/cas. It does not read
// wal, which the Store only appends blob-commit and refcount-delta
// records to; the index starts empty and is rebuilt by the caller
// (actioncache.Cache.Bootstrap, then BootstrapFromDisk).
func Open(root string, ioSem *concurrency.IOSemaphore, wal *walog.WAL, opts ...Option) (*Store, error) {
	casRoot := filepath.Join(root, "cas")
	if err := os.MkdirAll(casRoot, 0o755); err != nil {
		return nil, util.StatusWrapf(err, "failed to create CAS root %s", casRoot)
	}
	if err := os.MkdirAll(filepath.Join(root, "corrupt"), 0o755); err != nil {
		return nil, util.StatusWrapf(err, "failed to create quarantine directory")
	}

	s := &Store{
		root:            root,
		inlineThreshold: DefaultInlineThreshold,
		gracePeriod:     DefaultGracePeriod,
		ioSem:           ioSem,
		index:           concurrency.NewShardedMap[*entry](),
		wal:             wal,
		mon:             monitor.NoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) shardPath(d digest.Digest) string {
	dirA, dirB, _ := d.ShardKey()
	return filepath.Join(s.root, "cas", dirA, dirB, d.GetHashString())
}

// Put stores data and returns its Digest. Blobs at or below the inline
// threshold are never written to disk by Put: the caller (pkg/actioncache)
// is expected to embed them directly in the referring ActionResult and
// must not call Get for an inline digest.
func (s *Store) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d := digest.HashBytes(data)
	if d.GetSizeBytes() <= s.inlineThreshold {
		s.retainLocked(d, true)
		return d, nil
	}
	if err := s.writeExternal(ctx, d, data); err != nil {
		return digest.BadDigest, err
	}
	s.retainLocked(d, false)
	s.mon.RecordBytesStored(d.GetSizeBytes())
	return d, nil
}

// PutFile stores the contents of the file at path and returns its
// Digest. If the file lives on the same filesystem as the CAS root, the
// external write uses a hard link instead of a copy.
func (s *Store) PutFile(ctx context.Context, path string) (digest.Digest, error) {
	d, err := digest.HashFile(path)
	if err != nil {
		return digest.BadDigest, err
	}
	if d.GetSizeBytes() <= s.inlineThreshold {
		s.retainLocked(d, true)
		return d, nil
	}

	target := s.shardPath(d)
	if _, err := os.Stat(target); err == nil {
		s.retainLocked(d, false)
		return d, nil
	}

	if err := s.ioSem.Do(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return util.StatusWrapf(err, "failed to create shard directory for %s", d)
		}
		if err := os.Link(path, target); err == nil {
			return nil
		}
		return copyFileAtomic(path, target)
	}); err != nil {
		return digest.BadDigest, err
	}

	if err := s.wal.Append(walog.Record{Op: walog.OpPutBlobCommit, Digest: d.GetHashString()}); err != nil {
		return digest.BadDigest, err
	}
	s.retainLocked(d, false)
	s.mon.RecordBytesStored(d.GetSizeBytes())
	return d, nil
}

func (s *Store) writeExternal(ctx context.Context, d digest.Digest, data []byte) error {
	target := s.shardPath(d)
	if _, err := os.Stat(target); err == nil {
		// Content equality is assumed from digest equality, per
		// invariant I3; discard the duplicate write.
		return nil
	}

	return s.ioSem.Do(ctx, func() error {
		dir := filepath.Dir(target)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return util.StatusWrapf(err, "failed to create shard directory for %s", d)
		}
		tmp, err := os.CreateTemp(dir, "tmp-*")
		if err != nil {
			return util.StatusWrapf(err, "failed to create temporary file for %s", d)
		}
		tmpPath := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return util.StatusWrapf(err, "failed to write temporary file for %s", d)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return util.StatusWrapf(err, "failed to fsync temporary file for %s", d)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return util.StatusWrapf(err, "failed to close temporary file for %s", d)
		}

		if err := s.wal.Append(walog.Record{Op: walog.OpPutBlobCommit, Digest: d.GetHashString()}); err != nil {
			os.Remove(tmpPath)
			return err
		}

		if err := os.Rename(tmpPath, target); err != nil {
			if _, statErr := os.Stat(target); statErr == nil {
				// Lost a rename race to an identical blob.
				os.Remove(tmpPath)
				return nil
			}
			os.Remove(tmpPath)
			return util.StatusWrapf(err, "failed to commit blob %s", d)
		}
		return nil
	})
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return util.StatusWrapf(err, "failed to open %s for copy", src)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "tmp-*")
	if err != nil {
		return util.StatusWrapf(err, "failed to create temporary file for copy of %s", src)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return util.StatusWrapf(err, "failed to copy %s", src)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			os.Remove(tmpPath)
			return nil
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Get opens a reader for the external blob identified by d, verifying
// its content against d before returning any bytes. Callers must not
// call Get for an inline digest (GetSizeBytes() <= the configured
// inline threshold); those bytes live inside the referring
// ActionResult and are handled by pkg/actioncache directly.
func (s *Store) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if d.GetSizeBytes() <= s.inlineThreshold {
		return nil, status.Errorf(codes.InvalidArgument, "%s is an inline digest; callers must not fetch it from the CAS", d)
	}

	var data []byte
	err := s.ioSem.Do(ctx, func() error {
		path := s.shardPath(d)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return status.Errorf(codes.NotFound, "blob %s not found", d)
			}
			return util.StatusWrapf(err, "failed to open blob %s", d)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	if err != nil {
		return nil, err
	}

	actual := sha256.Sum256(data)
	if actual != d.GetHashBytes() {
		s.quarantine(d)
		s.mon.RecordError()
		return nil, status.Errorf(codes.DataLoss, "blob %s failed integrity verification and has been quarantined", d)
	}

	s.touch(d)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Contains reports whether d is present in the store (inline digests
// are always reported present once retained, since their bytes live in
// the referring ActionResult rather than the CAS proper).
func (s *Store) Contains(d digest.Digest) bool {
	_, _, shardByte := d.ShardKey()
	_, ok := s.index.Get(shardByte, d.GetHashString())
	return ok
}

// Retain increments d's refcount, as when a new ActionResult references
// it.
func (s *Store) Retain(d digest.Digest) {
	s.retainLocked(d, d.GetSizeBytes() <= s.inlineThreshold)
}

func (s *Store) retainLocked(d digest.Digest, inline bool) {
	_, _, shardByte := d.ShardKey()
	e, _ := s.index.GetOrCompute(shardByte, d.GetHashString(), func() *entry {
		return &entry{digest: d, inline: inline, lastAccess: time.Now()}
	})
	e.mu.Lock()
	e.refcount++
	e.hasZeroSince = false
	e.mu.Unlock()
}

// Release decrements d's refcount, as when the ActionResult referencing
// it is evicted. A refcount that reaches zero starts the grace-period
// clock rather than immediately unlinking the blob.
func (s *Store) Release(d digest.Digest) {
	_, _, shardByte := d.ShardKey()
	e, ok := s.index.Get(shardByte, d.GetHashString())
	if !ok {
		return
	}
	e.mu.Lock()
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount == 0 {
		e.zeroSince = time.Now()
		e.hasZeroSince = true
	}
	e.mu.Unlock()
	if err := s.wal.Append(walog.Record{Op: walog.OpRefcountDelta, Digest: d.GetHashString(), Payload: []byte{255}}); err != nil {
		log.Printf("cas: failed to append refcount-delta WAL record for %s: %s", d, err)
	}
}

func (s *Store) touch(d digest.Digest) {
	_, _, shardByte := d.ShardKey()
	if e, ok := s.index.Get(shardByte, d.GetHashString()); ok {
		e.mu.Lock()
		e.lastAccess = time.Now()
		e.mu.Unlock()
	}
}

func (s *Store) quarantine(d digest.Digest) {
	src := s.shardPath(d)
	dst := filepath.Join(s.root, "corrupt", fmt.Sprintf("%s-%d", d.GetHashString(), time.Now().UnixNano()))
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		log.Printf("cas: failed to quarantine corrupt blob %s: %s", d, err)
	}
	_, _, shardByte := d.ShardKey()
	if e, ok := s.index.Get(shardByte, d.GetHashString()); ok {
		e.mu.Lock()
		e.refcount = 0
		e.zeroSince = time.Now()
		e.hasZeroSince = true
		e.mu.Unlock()
	}
}

// GCCandidate describes a zero-refcount, grace-period-expired blob
// eligible for unlinking.
type GCCandidate struct {
	Digest    digest.Digest
	SizeBytes int64
}

// CollectGarbage unlinks every external blob whose refcount has been
// zero for longer than the store's grace period, and returns the number
// evicted and bytes freed. It is invoked by the eviction manager (C5),
// never by foreground request paths.
func (s *Store) CollectGarbage() (evicted int, freedBytes int64, err error) {
	now := time.Now()
	var toEvict []digest.Digest

	s.index.ForEach(func(key string, e *entry) {
		e.mu.Lock()
		eligible := e.hasZeroSince && !e.inline && now.Sub(e.zeroSince) > s.gracePeriod
		d := e.digest
		e.mu.Unlock()
		if eligible {
			toEvict = append(toEvict, d)
		}
	})

	for _, d := range toEvict {
		_, _, shardByte := d.ShardKey()
		path := s.shardPath(d)
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			err = util.StatusWrapf(removeErr, "failed to unlink garbage blob %s", d)
			continue
		}
		s.index.Delete(shardByte, d.GetHashString())
		evicted++
		freedBytes += d.GetSizeBytes()
	}
	if evicted > 0 {
		s.mon.RecordBytesEvicted(freedBytes)
	}
	return evicted, freedBytes, err
}

// BootstrapFromDisk registers every external blob file under the CAS
// root that is not already tracked in the in-memory index, at
// refcount 0. It is called once at open time, after the action cache
// has replayed its own WAL records and re-retained every blob still
// referenced by a surviving ActionResult (see
// pkg/actioncache.Cache.Bootstrap): anything left over is a blob
// orphaned by a crash between a blob commit and its owning action
// commit, and becomes eligible for garbage collection after the grace
// period like any other zero-refcount blob.
func (s *Store) BootstrapFromDisk() error {
	casRoot := filepath.Join(s.root, "cas")
	return filepath.Walk(casRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return util.StatusWrapf(err, "failed to walk CAS root during bootstrap")
		}
		if info.IsDir() {
			return nil
		}
		hash := filepath.Base(path)
		d, parseErr := digest.NewDigestFromHex(hash, info.Size())
		if parseErr != nil {
			log.Printf("cas: skipping unrecognized file %s during bootstrap: %s", path, parseErr)
			return nil
		}
		_, _, shardByte := d.ShardKey()
		s.index.GetOrCompute(shardByte, d.GetHashString(), func() *entry {
			now := time.Now()
			return &entry{digest: d, inline: false, lastAccess: now, zeroSince: now, hasZeroSince: true}
		})
		return nil
	})
}

// DiskUsageBytes sums the size of every blob currently tracked, external
// and inline alike, for quota accounting (C5). Per the open question in spec.md
// §9, inline blobs ARE counted here, since they occupy space inside the
// ActionResult files that live on the same disk budget.
func (s *Store) DiskUsageBytes() int64 {
	var total int64
	s.index.ForEach(func(_ string, e *entry) {
		e.mu.Lock()
		total += e.digest.GetSizeBytes()
		e.mu.Unlock()
	})
	return total
}

package actioncache

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/cas"
	"github.com/cuenv/cuenv/pkg/clock"
	"github.com/cuenv/cuenv/pkg/concurrency"
	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/monitor"
	"github.com/cuenv/cuenv/pkg/task"
	"github.com/cuenv/cuenv/pkg/util"
	"github.com/cuenv/cuenv/pkg/walog"
)

// privateKeyFile is the name of the Ed25519 signing key persisted at
// the cache root, generated once on first open.
const privateKeyFile = "signing_key"

// Cache implements [MODULE C4]: the action digest -> ActionResult
// index, with single-flight execution and Ed25519 signing.
type Cache struct {
	root string

	store *cas.Store
	wal   *walog.WAL
	mon   *monitor.Monitor
	clk   clock.Clock

	index *concurrency.ShardedMap[*ActionResult]
	sf    *concurrency.SingleFlightGroup[*ActionResult]

	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMonitor attaches a monitor.Monitor for counters and histograms.
func WithMonitor(m *monitor.Monitor) Option {
	return func(c *Cache) { c.mon = m }
}

// WithClock overrides the system clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clk = clk }
}

// Open creates or resumes an action cache rooted at root/actions,
// backed by store for blob content and wal for crash recovery. The
// Ed25519 signing keypair is loaded from root, generating one on first
// use.
func Open(root string, store *cas.Store, wal *walog.WAL, opts ...Option) (*Cache, error) {
	actionsRoot := filepath.Join(root, "actions")
	if err := os.MkdirAll(actionsRoot, 0o755); err != nil {
		return nil, util.StatusWrapf(err, "failed to create action cache root %s", actionsRoot)
	}

	priv, pub, err := loadOrGenerateSigningKey(root)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		root:       root,
		store:      store,
		wal:        wal,
		mon:        monitor.NoOp(),
		clk:        clock.SystemClock,
		index:      concurrency.NewShardedMap[*ActionResult](),
		sf:         concurrency.NewSingleFlightGroup[*ActionResult](),
		privateKey: priv,
		publicKey:  pub,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func loadOrGenerateSigningKey(root string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	path := filepath.Join(root, privateKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, nil, status.Errorf(codes.DataLoss, "signing key at %s has the wrong size", path)
		}
		priv := ed25519.PrivateKey(data)
		return priv, priv.Public().(ed25519.PublicKey), nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, util.StatusWrapf(err, "failed to read signing key %s", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, util.StatusWrapf(err, "failed to generate signing key")
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, nil, util.StatusWrapf(err, "failed to persist signing key %s", path)
	}
	return priv, pub, nil
}

// PublicKey returns the cache's Ed25519 public key, for out-of-band
// verification by a remote cache client.
func (c *Cache) PublicKey() ed25519.PublicKey {
	return c.publicKey
}

func (c *Cache) shardPath(d digest.Digest) string {
	dirA, dirB, _ := d.ShardKey()
	return filepath.Join(c.root, "actions", dirA, dirB, d.GetHashString())
}

// Bootstrap rebuilds the in-memory index by replaying every
// OpPutActionCommit/OpEvict record in order and, for every action
// digest still live once replay completes, reading its committed file
// from disk and re-retaining each referenced blob in the CAS (invariant
// I4: "replay on open rebuilds the index").
func (c *Cache) Bootstrap(records []walog.Record) error {
	live := map[string]bool{}
	for _, r := range records {
		switch r.Op {
		case walog.OpPutActionCommit:
			live[r.Digest] = true
		case walog.OpEvict:
			delete(live, r.Digest)
		}
	}

	for hash := range live {
		if err := c.loadAndRetain(hash); err != nil {
			log.Printf("actioncache: failed to bootstrap action %s, skipping: %s", hash, err)
		}
	}
	return nil
}

func (c *Cache) loadAndRetain(hash string) error {
	d, err := digest.NewDigestFromHex(hash, 0)
	if err != nil {
		return err
	}
	_, _, shardByte := d.ShardKey()
	path := c.actionPathForHash(hash)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	result, err := unmarshalActionResult(data)
	if err != nil {
		return err
	}
	if !result.Verify(c.publicKey) {
		return status.Errorf(codes.DataLoss, "action %s failed signature verification during bootstrap", hash)
	}
	for _, ref := range result.ReferencedDigests() {
		c.store.Retain(ref)
	}
	c.index.Put(shardByte, hash, result)
	return nil
}

// actionPathForHash reproduces shardPath without requiring a full
// Digest (whose size we do not know until the file is read).
func (c *Cache) actionPathForHash(hash string) string {
	return filepath.Join(c.root, "actions", hash[0:2], hash[2:4], hash)
}

// Get performs a read-only lookup, verifying the stored ActionResult's
// signature, the continued presence of every blob it references and the
// content of every external (non-inline) blob before returning it. A
// verification failure evicts the entry and reports it as absent, per
// §4.4 step 1; a blob whose content no longer matches its digest is
// quarantined by the CAS, while the ActionResult's own metadata file is
// deleted rather than quarantined.
func (c *Cache) Get(ctx context.Context, d digest.Digest) (*ActionResult, bool) {
	result, ok := c.lookupAndVerify(d)
	if ok {
		c.mon.RecordHit()
	} else {
		c.mon.RecordMiss()
	}
	return result, ok
}

func (c *Cache) lookupAndVerify(d digest.Digest) (*ActionResult, bool) {
	_, _, shardByte := d.ShardKey()
	hash := d.GetHashString()

	result, cached := c.index.Get(shardByte, hash)
	if !cached {
		data, err := os.ReadFile(c.shardPath(d))
		if err != nil {
			return nil, false
		}
		result, err = unmarshalActionResult(data)
		if err != nil {
			log.Printf("actioncache: corrupt ActionResult %s on disk: %s", d, err)
			c.evictLocked(d)
			return nil, false
		}
	}

	if !result.Verify(c.publicKey) {
		log.Printf("actioncache: signature verification failed for %s, evicting", d)
		c.evictLocked(d)
		return nil, false
	}
	for _, ref := range result.ReferencedDigests() {
		if !c.store.Contains(ref) {
			log.Printf("actioncache: action %s references missing blob %s, evicting", d, ref)
			c.evictLocked(d)
			return nil, false
		}
		if ref.GetSizeBytes() > c.store.InlineThreshold() {
			// Store.Get re-hashes the blob and quarantines it on mismatch.
			r, err := c.store.Get(context.Background(), ref)
			if err != nil {
				log.Printf("actioncache: action %s references unreadable blob %s, evicting: %s", d, ref, err)
				c.evictLocked(d)
				return nil, false
			}
			r.Close()
		}
	}

	if !cached {
		c.index.Put(shardByte, hash, result)
	}
	return result, true
}

// Put installs result under digest d directly, used to hydrate the
// local cache from a remote cache hit (C7).
func (c *Cache) Put(ctx context.Context, d digest.Digest, result *ActionResult) error {
	if !result.Verify(c.publicKey) {
		return status.Errorf(codes.InvalidArgument, "refusing to install ActionResult for %s: signature does not verify against this cache's key", d)
	}
	return c.commit(d, result)
}

// ExecuteAction implements the full §4.4 flow: consult the persistent
// index, single-flight on miss, invoke executor, store outputs, sign,
// commit, and return. At most one invocation of executor proceeds
// concurrently for a given digest (invariant I5, property P4).
func (c *Cache) ExecuteAction(ctx context.Context, d digest.Digest, executor task.Executor) (*ActionResult, error) {
	if result, ok := c.lookupAndVerify(d); ok {
		c.mon.RecordHit()
		return result, nil
	}
	c.mon.RecordMiss()

	result, _, err := c.sf.Do(d.GetHashString(), func() (*ActionResult, error) {
		// Re-check: another process (not covered by this in-process
		// single-flight group) or a prior winner within this group may
		// have committed the result while we were queued behind the
		// group's mutex.
		if result, ok := c.lookupAndVerify(d); ok {
			return result, nil
		}
		return c.runAndStore(ctx, d, executor)
	})
	if err != nil {
		c.mon.RecordError()
		return nil, err
	}
	return result, nil
}

func (c *Cache) runAndStore(ctx context.Context, d digest.Digest, executor task.Executor) (result *ActionResult, err error) {
	start := c.clk.Now()

	outcome, err := executor(ctx)
	if err != nil {
		// executor errors (I/O, cancellation, panic recovered by the
		// caller) are never cached: spec.md §4.4's failure semantics.
		return nil, util.StatusWrapf(err, "task executor failed")
	}

	result, err = c.storeOutcome(ctx, outcome, start)
	if err != nil {
		return nil, err
	}
	if err := c.commit(d, result); err != nil {
		return nil, err
	}
	c.mon.RecordWrite()
	return result, nil
}

// HydrateFromRemote installs a result fetched from a remote cache (C7)
// as if it had just been executed locally: it stores each blob in the
// local CAS (so I1/P3 hold from this point on) and signs the resulting
// ActionResult with this cache's own key, since the remote's bytes
// carry no signature this cache would trust. A remote cache hit is
// otherwise indistinguishable from a freshly-executed one.
func (c *Cache) HydrateFromRemote(ctx context.Context, d digest.Digest, outcome *task.RawExecutionOutcome) (*ActionResult, error) {
	result, err := c.storeOutcome(ctx, outcome, c.clk.Now())
	if err != nil {
		return nil, err
	}
	if err := c.commit(d, result); err != nil {
		return nil, err
	}
	c.mon.RecordWrite()
	return result, nil
}

func (c *Cache) storeOutcome(ctx context.Context, outcome *task.RawExecutionOutcome, start time.Time) (*ActionResult, error) {
	inline := map[digest.Digest][]byte{}

	stdoutDigest, err := c.storeBlob(ctx, outcome.Stdout, inline)
	if err != nil {
		return nil, err
	}
	stderrDigest, err := c.storeBlob(ctx, outcome.Stderr, inline)
	if err != nil {
		return nil, err
	}

	var outputs []OutputFile
	for relPath, contents := range outcome.OutputFiles {
		od, err := c.storeBlob(ctx, contents, inline)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, OutputFile{RelativePath: relPath, Digest: od})
	}
	sortOutputFiles(outputs)

	if len(inline) == 0 {
		inline = nil
	}
	result := &ActionResult{
		ExitCode:           outcome.ExitCode,
		StdoutDigest:       stdoutDigest,
		StderrDigest:       stderrDigest,
		OutputFiles:        outputs,
		InlineBlobs:        inline,
		ExecutedAtUnixNano: c.clk.Now().UnixNano(),
		DurationMs:         uint64(c.clk.Now().Sub(start).Milliseconds()),
	}
	result.Sign(c.privateKey)
	return result, nil
}

// storeBlob puts data into the CAS and, for blobs at or below the
// inline threshold (which Store.Put never persists on disk), records
// the raw bytes into inline so the caller's ActionResult can carry them
// (spec.md:91).
func (c *Cache) storeBlob(ctx context.Context, data []byte, inline map[digest.Digest][]byte) (digest.Digest, error) {
	d, err := c.store.Put(ctx, data)
	if err != nil {
		return digest.BadDigest, err
	}
	if !d.IsZero() && d.GetSizeBytes() <= c.store.InlineThreshold() {
		inline[d] = append([]byte(nil), data...)
	}
	return d, nil
}

// commit appends a WAL intent record, writes the ActionResult to its
// shard path via temp-then-rename, and publishes it to the in-memory
// index (§4.4 step 5).
func (c *Cache) commit(d digest.Digest, result *ActionResult) error {
	for _, ref := range result.ReferencedDigests() {
		c.store.Retain(ref)
	}

	if err := c.wal.Append(walog.Record{Op: walog.OpPutActionCommit, Digest: d.GetHashString()}); err != nil {
		return err
	}

	target := c.shardPath(d)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return util.StatusWrapf(err, "failed to create shard directory for action %s", d)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "tmp-*")
	if err != nil {
		return util.StatusWrapf(err, "failed to create temporary file for action %s", d)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(result.marshal()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return util.StatusWrapf(err, "failed to write action %s", d)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return util.StatusWrapf(err, "failed to fsync action %s", d)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return util.StatusWrapf(err, "failed to commit action %s", d)
	}

	_, _, shardByte := d.ShardKey()
	c.index.Put(shardByte, d.GetHashString(), result)
	return nil
}

// evictLocked removes digest d's metadata file and index entry and
// releases its referenced blobs, invoked whenever verification fails
// (§4.4 step 1, §7 corruption recovery).
func (c *Cache) evictLocked(d digest.Digest) {
	_, _, shardByte := d.ShardKey()
	if result, ok := c.index.Get(shardByte, d.GetHashString()); ok {
		for _, ref := range result.ReferencedDigests() {
			c.store.Release(ref)
		}
	}
	c.index.Delete(shardByte, d.GetHashString())
	if err := os.Remove(c.shardPath(d)); err != nil && !os.IsNotExist(err) {
		log.Printf("actioncache: failed to remove evicted action file %s: %s", d, err)
	}
	if err := c.wal.Append(walog.Record{Op: walog.OpEvict, Digest: d.GetHashString()}); err != nil {
		log.Printf("actioncache: failed to append evict WAL record for %s: %s", d, err)
	}
	c.mon.RecordError()
}

// Evict removes digest d, for use by the eviction manager (C5).
func (c *Cache) Evict(d digest.Digest) {
	c.evictLocked(d)
}

// SizeBytes returns the on-disk size of a digest's committed metadata
// file, for eviction accounting.
func (c *Cache) SizeBytes(d digest.Digest) int64 {
	info, err := os.Stat(c.shardPath(d))
	if err != nil {
		return 0
	}
	return info.Size()
}

// ListKeys returns every action digest hex string currently tracked,
// for the eviction manager to build its policy set from at startup.
func (c *Cache) ListKeys() []string {
	var keys []string
	c.index.ForEach(func(key string, _ *ActionResult) {
		keys = append(keys, key)
	})
	return keys
}

// Package orchestrator implements [MODULE C9]: the top-level Cache
// object that wires C2 (pkg/cas), C3 (pkg/actiondigest), C4
// (pkg/actioncache), C5 (pkg/eviction), C7 (pkg/remotecache) and C8
// (pkg/monitor) behind the single entry point spec.md §4.9 describes —
// execute_action(task, working_dir, env, executor).
//
// Construction follows the teacher's constructor-injection idiom
// (compare bb-storage's cmd/bb_storage/main.go, which opens each
// blobstore.BlobAccess layer in dependency order and hands the result
// to the next): the WAL is opened first with a replay callback that
// only buffers records, then C2 and C4 are constructed against it,
// then C4.Bootstrap replays the buffered records to rebuild refcounts,
// then C2.BootstrapFromDisk sweeps up anything the replay didn't
// reach.
package orchestrator

import (
	"context"
	"io"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/actioncache"
	"github.com/cuenv/cuenv/pkg/actiondigest"
	"github.com/cuenv/cuenv/pkg/cas"
	"github.com/cuenv/cuenv/pkg/concurrency"
	"github.com/cuenv/cuenv/pkg/config"
	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/eviction"
	"github.com/cuenv/cuenv/pkg/monitor"
	"github.com/cuenv/cuenv/pkg/remotecache"
	"github.com/cuenv/cuenv/pkg/task"
	"github.com/cuenv/cuenv/pkg/util"
	"github.com/cuenv/cuenv/pkg/walog"
)

// Cache is the single object the CLI front end (out of scope here, per
// spec.md §1) opens once per project and drives for every task.
type Cache struct {
	cfg     config.CacheConfiguration
	store   *cas.Store
	actions *actioncache.Cache
	digests *actiondigest.Builder
	evictor *eviction.Manager
	remote  *remotecache.Client
	remoteConn *grpc.ClientConn
	mon     *monitor.Monitor
	wal     *walog.WAL
}

// Open constructs every component in dependency order and replays the
// WAL to recover from any prior crash (spec.md §4.2 invariant I4,
// §8 P6). projectRoot bounds the glob expansion done by C3.
func Open(projectRoot string, cfg config.CacheConfiguration) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mon := monitor.New("cuenv_cache", monitor.WithSampleRate(cfg.TraceSampleRate))

	var records []walog.Record
	wal, err := walog.Open(cfg.Dir, func(r walog.Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, util.StatusWrapf(err, "failed to open write-ahead log")
	}

	ioSem := concurrency.NewIOSemaphore(cfg.IOSemaphoreMaxConcurrent)

	store, err := cas.Open(cfg.Dir, ioSem, wal,
		cas.WithInlineThreshold(cfg.InlineThresholdBytes),
		cas.WithGracePeriod(time.Duration(cfg.GCGracePeriodSeconds)*time.Second),
		cas.WithMonitor(mon),
	)
	if err != nil {
		wal.Close()
		return nil, util.StatusWrapf(err, "failed to open content-addressable store")
	}

	actions, err := actioncache.Open(cfg.Dir, store, wal, actioncache.WithMonitor(mon))
	if err != nil {
		wal.Close()
		return nil, util.StatusWrapf(err, "failed to open action cache")
	}

	if err := actions.Bootstrap(records); err != nil {
		wal.Close()
		return nil, util.StatusWrapf(err, "failed to replay write-ahead log")
	}
	if err := store.BootstrapFromDisk(); err != nil {
		wal.Close()
		return nil, util.StatusWrapf(err, "failed to scan content-addressable store for orphaned blobs")
	}

	c := &Cache{
		cfg:     cfg,
		store:   store,
		actions: actions,
		digests: actiondigest.NewBuilder(projectRoot, actiondigest.EnvFilter{Allow: cfg.EnvAllow, Deny: cfg.EnvDeny}),
		mon:     mon,
		wal:     wal,
	}

	c.evictor = eviction.NewManager(eviction.Config{
		Policy:        string(cfg.ReplacementPolicy),
		QuotaBytes:    cfg.MaxSizeBytes,
		HighWaterMark: cfg.HighWaterMarkPercent,
		LowWaterMark:  cfg.LowWaterMarkPercent,
	}, c.evictAction)
	for _, key := range actions.ListKeys() {
		c.evictor.OnInsert(key, actions.SizeBytes(keyDigest(key)))
	}

	if cfg.RemoteCacheEndpoint != "" {
		remote, conn, err := dialRemote(cfg)
		if err != nil {
			log.Printf("cache: remote cache disabled, failed to dial %s: %s", cfg.RemoteCacheEndpoint, err)
		} else {
			c.remote = remote
			c.remoteConn = conn
		}
	}

	return c, nil
}

// keyDigest reconstructs a placeholder Digest carrying just the hash,
// matching the convention actioncache.Cache itself uses when a stored
// key's size is not otherwise known ahead of reading the file.
func keyDigest(hash string) digest.Digest {
	d, _ := digest.NewDigestFromHex(hash, 0)
	return d
}

func dialRemote(cfg config.CacheConfiguration) (*remotecache.Client, *grpc.ClientConn, error) {
	var dialOpts []grpc.DialOption
	if cfg.RemoteCacheAuthToken != "" {
		dialOpts = append(dialOpts,
			grpc.WithTransportCredentials(credentials.NewTLS(nil)),
			grpc.WithPerRPCCredentials(staticBearerToken(cfg.RemoteCacheAuthToken)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.RemoteCacheEndpoint, dialOpts...)
	if err != nil {
		return nil, nil, util.StatusWrapf(err, "failed to dial remote cache endpoint %s", cfg.RemoteCacheEndpoint)
	}

	opts := []remotecache.Option{
		remotecache.WithTimeout(time.Duration(cfg.RemoteCacheTimeoutSeconds) * time.Second),
		remotecache.WithConcurrency(cfg.RemoteCacheConcurrency),
	}
	if cfg.RemoteCacheCompression {
		opts = append(opts, remotecache.WithZSTDCompression())
	}
	client, err := remotecache.New(conn, "", opts...)
	if err != nil {
		conn.Close()
		return nil, nil, util.StatusWrapf(err, "failed to construct remote cache client")
	}
	return client, conn, nil
}

// staticBearerToken implements credentials.PerRPCCredentials with a
// fixed token, mirroring the teacher's oauth.TokenSource usage
// (pkg/grpc/base_client_factory.go) without depending on the OAuth2
// token-refresh machinery this subsystem has no use for: the token is
// supplied directly by CUENV_REMOTE_CACHE_AUTH_TOKEN, never refreshed.
type staticBearerToken string

func (t staticBearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (t staticBearerToken) RequireTransportSecurity() bool {
	return true
}

var _ credentials.PerRPCCredentials = staticBearerToken("")

// RunEvictionLoop starts the background eviction sweep (spec.md §4.5).
// Callers should run it in its own goroutine for the lifetime of the
// process; it returns when ctx is cancelled.
func (c *Cache) RunEvictionLoop(ctx context.Context) {
	c.evictor.Run(ctx)
}

// evictAction is the eviction.EvictFunc wired to the Manager: it
// evicts the named action, which releases refcounts on its blobs and
// removes its metadata file (spec.md §4.5's "Behavior").
func (c *Cache) evictAction(key string) error {
	d := keyDigest(key)
	c.actions.Evict(d)
	if _, _, err := c.store.CollectGarbage(); err != nil {
		return util.StatusWrapf(err, "failed to collect garbage after evicting %s", key)
	}
	return nil
}

// Close releases the WAL file handle and any remote connection. The
// CAS and action-cache indices are purely in-memory plus on-disk
// files, so nothing else needs explicit teardown.
func (c *Cache) Close() error {
	if c.remoteConn != nil {
		c.remoteConn.Close()
	}
	return c.wal.Close()
}

// Monitor exposes the shared monitor so callers can snapshot counters
// for CLI reporting.
func (c *Cache) Monitor() *monitor.Monitor {
	return c.mon
}

// ExecuteAction implements spec.md §4.9: if caching is disabled for
// the task or by configuration, the executor runs directly and its
// result is returned without ever touching the digest builder or the
// action cache. Otherwise the action digest is derived and C4 is asked
// to serve a hit or run-and-store a miss, consulting the remote cache
// first when configured.
func (c *Cache) ExecuteAction(ctx context.Context, t *task.Task, env map[string]string, executor task.Executor) (*actioncache.ActionResult, error) {
	if c.cfg.Mode == config.ModeOff || !t.IsCacheEnabled() {
		outcome, err := executor(ctx)
		if err != nil {
			return nil, util.StatusWrapf(err, "task executor failed")
		}
		return ephemeralResult(outcome), nil
	}

	_, endDigestStage := c.mon.StartStage(ctx, "digest_build")
	d, err := c.digests.BuildDigest(t, env)
	endDigestStage()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to derive action digest for task %q: %s", t.Name, err)
	}

	if c.cfg.ReadEnabled() {
		lookupCtx, endLookupStage := c.mon.StartStage(ctx, "cache_lookup")
		result, ok := c.actions.Get(lookupCtx, d)
		endLookupStage()
		if ok {
			c.evictor.OnAccess(d.GetHashString())
			return result, nil
		}
		if c.remote != nil {
			remoteCtx, endRemoteStage := c.mon.StartStage(ctx, "remote_fetch")
			result, ok := c.fetchFromRemote(remoteCtx, d)
			endRemoteStage()
			if ok {
				return result, nil
			}
		}
	}

	if !c.cfg.WriteEnabled() {
		outcome, err := executor(ctx)
		if err != nil {
			return nil, util.StatusWrapf(err, "task executor failed")
		}
		return ephemeralResult(outcome), nil
	}

	tracedExecutor := func(execCtx context.Context) (*task.RawExecutionOutcome, error) {
		spanCtx, endExecStage := c.mon.StartStage(execCtx, "executor_run")
		defer endExecStage()
		return executor(spanCtx)
	}

	result, err := c.actions.ExecuteAction(ctx, d, tracedExecutor)
	if err != nil {
		return nil, err
	}
	c.evictor.OnInsert(d.GetHashString(), c.actions.SizeBytes(d))
	if c.remote != nil {
		pushCtx, endPushStage := c.mon.StartStage(ctx, "remote_push")
		c.pushToRemote(pushCtx, d, result)
		endPushStage()
	}
	return result, nil
}

// fetchFromRemote attempts a remote cache hit and, if found, hydrates
// it into the local cache so subsequent calls are served locally
// (spec.md's remote-fallback scenario, S6).
func (c *Cache) fetchFromRemote(ctx context.Context, d digest.Digest) (*actioncache.ActionResult, bool) {
	remoteResult, found, err := c.remote.GetActionResult(ctx, d)
	if err != nil {
		log.Printf("cache: remote lookup for %s failed: %s", d.GetHashString(), err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	outcome := &task.RawExecutionOutcome{
		ExitCode:    remoteResult.ExitCode,
		Stdout:      remoteResult.Stdout,
		Stderr:      remoteResult.Stderr,
		OutputFiles: remoteResult.OutputFiles,
	}
	result, err := c.actions.HydrateFromRemote(ctx, d, outcome)
	if err != nil {
		log.Printf("cache: failed to hydrate remote hit for %s: %s", d.GetHashString(), err)
		return nil, false
	}
	c.evictor.OnInsert(d.GetHashString(), c.actions.SizeBytes(d))
	return result, true
}

// pushToRemote uploads a freshly-computed result to the remote cache,
// best-effort: failures are logged, never propagated (spec.md §7's
// "Remote" error class recovers by falling back to local only).
func (c *Cache) pushToRemote(ctx context.Context, d digest.Digest, result *actioncache.ActionResult) {
	outputFiles := make(map[string][]byte, len(result.OutputFiles))
	for _, f := range result.OutputFiles {
		data, err := c.readBlob(ctx, result, f.Digest)
		if err != nil {
			log.Printf("cache: failed to read output %s for remote push: %s", f.RelativePath, err)
			return
		}
		outputFiles[f.RelativePath] = data
	}
	stdout, err := c.readBlob(ctx, result, result.StdoutDigest)
	if err != nil {
		log.Printf("cache: failed to read stdout blob for remote push: %s", err)
		return
	}
	stderr, err := c.readBlob(ctx, result, result.StderrDigest)
	if err != nil {
		log.Printf("cache: failed to read stderr blob for remote push: %s", err)
		return
	}
	blobs := make(map[digest.Digest][]byte, len(outputFiles)+2)
	for _, data := range outputFiles {
		blobs[digest.HashBytes(data)] = data
	}
	for _, data := range [][]byte{stdout, stderr} {
		if data != nil {
			blobs[digest.HashBytes(data)] = data
		}
	}
	if err := c.remote.BatchUpdateBlobs(ctx, blobs); err != nil {
		log.Printf("cache: failed to upload blobs of action %s to remote cache: %s", d.GetHashString(), err)
		return
	}
	err = c.remote.UpdateActionResult(ctx, d, &remotecache.RemoteActionResult{
		ExitCode:    result.ExitCode,
		Stdout:      stdout,
		Stderr:      stderr,
		OutputFiles: outputFiles,
	})
	if err != nil {
		log.Printf("cache: failed to push action %s to remote cache: %s", d.GetHashString(), err)
	}
}

// readBlob returns the bytes of blob d as referenced by result. Blobs at
// or below the CAS inline threshold were never written to disk (see
// cas.Store.Put), so result.InlineBlobs is consulted first; anything
// else is read back from the CAS.
func (c *Cache) readBlob(ctx context.Context, result *actioncache.ActionResult, d digest.Digest) ([]byte, error) {
	if d.IsZero() {
		return nil, nil
	}
	if data, ok := result.InlineBlob(d); ok {
		return data, nil
	}
	r, err := c.store.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, d.GetSizeBytes())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, util.StatusWrapf(err, "failed to read blob %s", d.GetHashString())
	}
	return buf, nil
}

// ReadBlob exposes readBlob for callers (e.g. the CLI front end) that
// need to surface a cached ActionResult's stdout/stderr/output content,
// not just its digests.
func (c *Cache) ReadBlob(ctx context.Context, result *actioncache.ActionResult, d digest.Digest) ([]byte, error) {
	return c.readBlob(ctx, result, d)
}

// ephemeralResult wraps an outcome that bypassed the cache entirely
// (caching disabled) into the same ActionResult shape callers expect,
// with a zero signature: it was never signed because it was never
// stored.
func ephemeralResult(outcome *task.RawExecutionOutcome) *actioncache.ActionResult {
	return &actioncache.ActionResult{
		ExitCode:           outcome.ExitCode,
		ExecutedAtUnixNano: outcome.ExecutedAt,
		DurationMs:         outcome.DurationMs,
	}
}

// Capabilities reports the configured digest function and batch
// limits, mirroring REAPI's Capabilities service (spec.md's
// "Supplemented from original_source/" note), exposed by the
// orchestrator as a local equivalent for introspection. The remote
// client does not call the remote Capabilities service.
type Capabilities struct {
	DigestFunction string
	MaxBatchBytes  int64
}

// GetCapabilities returns this cache's fixed capabilities. cuenv's
// digest function is always SHA-256 (spec.md §6); the batch limit is
// reported as the common REAPI value of 4 MiB. The remote client does
// not split its batch requests by this limit.
func (c *Cache) GetCapabilities() Capabilities {
	return Capabilities{
		DigestFunction: "SHA256",
		MaxBatchBytes:  4 << 20,
	}
}

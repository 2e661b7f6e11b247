// Package remotecache implements [MODULE C7]: a gRPC client for the
// subset of the Bazel Remote Execution API v2 this cache needs
// (ContentAddressableStorage.FindMissingBlobs/BatchUpdateBlobs/
// BatchReadBlobs and ActionCache.GetActionResult/UpdateActionResult),
// with a circuit breaker and bounded concurrency.
//
// The client shape is grounded on
// github.com/buildbarn/bb-storage's pkg/blobstore/grpcclients
// (cas_blob_access.go, ac_blob_access.go): a thin wrapper around the
// remote-apis generated stubs that returns every remote error to its
// caller; the orchestrator logs those errors and carries on locally,
// per spec.md §4.7's failure model.
package remotecache

import (
	"context"
	"log"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc"

	"github.com/cuenv/cuenv/pkg/clock"
	"github.com/cuenv/cuenv/pkg/digest"
	"github.com/cuenv/cuenv/pkg/monitor"
	"github.com/cuenv/cuenv/pkg/util"
	"golang.org/x/sync/semaphore"
)

// DefaultRequestTimeout matches spec.md §5's documented default
// per-request timeout for remote calls.
const DefaultRequestTimeout = 30 * time.Second

// DefaultConcurrency matches spec.md §4.7's documented default bound
// on in-flight remote requests.
const DefaultConcurrency = 10

// Client is a bounded-concurrency, circuit-broken client for a remote
// Bazel-compatible cache.
type Client struct {
	casClient    remoteexecution.ContentAddressableStorageClient
	acClient     remoteexecution.ActionCacheClient
	instanceName string

	sem     *semaphore.Weighted
	breaker *circuitBreaker
	timeout time.Duration
	mon     *monitor.Monitor

	enableCompression bool
	zstdEncoder       *zstd.Encoder
	zstdDecoder       *zstd.Decoder
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout overrides DefaultRequestTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int64) Option {
	return func(c *Client) { c.sem = semaphore.NewWeighted(n) }
}

// WithMonitor attaches a monitor.Monitor for counters.
func WithMonitor(m *monitor.Monitor) Option {
	return func(c *Client) { c.mon = m }
}

// WithZSTDCompression enables ZSTD-compressed blob uploads/downloads,
// mirroring the optional compression path in bb-storage's CAS gRPC
// client.
func WithZSTDCompression() Option {
	return func(c *Client) { c.enableCompression = true }
}

// New creates a Client talking to conn for the given REAPI instance
// name (may be empty for the default instance).
func New(conn grpc.ClientConnInterface, instanceName string, opts ...Option) (*Client, error) {
	c := &Client{
		casClient:    remoteexecution.NewContentAddressableStorageClient(conn),
		acClient:     remoteexecution.NewActionCacheClient(conn),
		instanceName: instanceName,
		sem:          semaphore.NewWeighted(DefaultConcurrency),
		breaker:      newCircuitBreaker(clock.SystemClock, DefaultWindowSize, DefaultFailureThreshold, DefaultCooldown),
		timeout:      DefaultRequestTimeout,
		mon:          monitor.NoOp(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.enableCompression {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, util.StatusWrapf(err, "failed to create zstd encoder")
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, util.StatusWrapf(err, "failed to create zstd decoder")
		}
		c.zstdEncoder, c.zstdDecoder = enc, dec
	}
	return c, nil
}

// call runs fn under the circuit breaker and concurrency semaphore,
// with a per-request timeout. Every error is returned to the caller
// uninterpreted; callers (the orchestrator) are responsible for
// treating remote errors as non-fatal per spec.md §4.7.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, isProbe := c.breaker.allow()
	if !ok {
		return errCircuitOpen
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return util.StatusFromContext(ctx)
	}
	defer c.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(reqCtx)
	c.breaker.recordResult(err == nil)
	if err != nil && isProbe {
		log.Printf("remotecache: probe request failed, breaker remains open: %s", err)
	}
	return err
}

// FindMissingBlobs reports which of digests are absent from the
// remote CAS.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	var missing []digest.Digest
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.casClient.FindMissingBlobs(ctx, &remoteexecution.FindMissingBlobsRequest{
			InstanceName: c.instanceName,
			BlobDigests:  toProtoDigests(digests),
		})
		if err != nil {
			return err
		}
		for _, d := range resp.MissingBlobDigests {
			parsed, err := digest.NewDigestFromProto(d)
			if err != nil {
				continue
			}
			missing = append(missing, parsed)
		}
		return nil
	})
	return missing, err
}

// BatchUpdateBlobs uploads every blob in blobs (digest -> contents) to
// the remote CAS in a single RPC.
func (c *Client) BatchUpdateBlobs(ctx context.Context, blobs map[digest.Digest][]byte) error {
	if len(blobs) == 0 {
		return nil
	}
	return c.call(ctx, func(ctx context.Context) error {
		requests := make([]*remoteexecution.BatchUpdateBlobsRequest_Request, 0, len(blobs))
		for d, data := range blobs {
			payload := data
			compressor := remoteexecution.Compressor_IDENTITY
			if c.enableCompression {
				payload = c.zstdEncoder.EncodeAll(data, nil)
				compressor = remoteexecution.Compressor_ZSTD
			}
			requests = append(requests, &remoteexecution.BatchUpdateBlobsRequest_Request{
				Digest:     d.ToProto(),
				Data:       payload,
				Compressor: compressor,
			})
		}
		resp, err := c.casClient.BatchUpdateBlobs(ctx, &remoteexecution.BatchUpdateBlobsRequest{
			InstanceName: c.instanceName,
			Requests:     requests,
		})
		if err != nil {
			return err
		}
		for _, r := range resp.Responses {
			if r.Status != nil && r.Status.Code != 0 {
				log.Printf("remotecache: upload of blob %s failed: %s", r.Digest, r.Status.Message)
			}
		}
		return nil
	})
}

// BatchReadBlobs downloads every blob identified by digests from the
// remote CAS.
func (c *Client) BatchReadBlobs(ctx context.Context, digests []digest.Digest) (map[digest.Digest][]byte, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	out := make(map[digest.Digest][]byte, len(digests))
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.casClient.BatchReadBlobs(ctx, &remoteexecution.BatchReadBlobsRequest{
			InstanceName: c.instanceName,
			Digests:      toProtoDigests(digests),
		})
		if err != nil {
			return err
		}
		for _, r := range resp.Responses {
			if r.Status != nil && r.Status.Code != 0 {
				continue
			}
			d, err := digest.NewDigestFromProto(r.Digest)
			if err != nil {
				continue
			}
			data := r.Data
			if r.Compressor == remoteexecution.Compressor_ZSTD {
				decoded, decErr := c.zstdDecode(data)
				if decErr != nil {
					continue
				}
				data = decoded
			}
			out[d] = data
		}
		return nil
	})
	return out, err
}

func (c *Client) zstdDecode(data []byte) ([]byte, error) {
	if c.zstdDecoder == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	return c.zstdDecoder.DecodeAll(data, nil)
}

// RemoteActionResult is the subset of a fetched remote ActionResult
// this cache needs to re-execute as a local hydration, per
// pkg/actioncache.Cache.HydrateFromRemote.
type RemoteActionResult struct {
	ExitCode    int32
	Stdout      []byte
	Stderr      []byte
	OutputFiles map[string][]byte
}

// GetActionResult fetches the ActionResult for actionDigest, if any,
// along with the full bytes of stdout/stderr/output files (fetched via
// BatchReadBlobs so the caller can hydrate its local cache without a
// second round trip per blob).
func (c *Client) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*RemoteActionResult, bool, error) {
	var proto *remoteexecution.ActionResult
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.acClient.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
			InstanceName: c.instanceName,
			ActionDigest: actionDigest.ToProto(),
		})
		if err != nil {
			return err
		}
		proto = resp
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var toFetch []digest.Digest
	if proto.StdoutDigest != nil {
		if d, err := digest.NewDigestFromProto(proto.StdoutDigest); err == nil {
			toFetch = append(toFetch, d)
		}
	}
	if proto.StderrDigest != nil {
		if d, err := digest.NewDigestFromProto(proto.StderrDigest); err == nil {
			toFetch = append(toFetch, d)
		}
	}
	outputDigests := make(map[string]digest.Digest, len(proto.OutputFiles))
	for _, of := range proto.OutputFiles {
		d, err := digest.NewDigestFromProto(of.Digest)
		if err != nil {
			continue
		}
		outputDigests[of.Path] = d
		toFetch = append(toFetch, d)
	}

	blobs, err := c.BatchReadBlobs(ctx, toFetch)
	if err != nil {
		return nil, false, err
	}

	result := &RemoteActionResult{
		ExitCode:    proto.ExitCode,
		OutputFiles: map[string][]byte{},
	}
	if proto.StdoutDigest != nil {
		if d, err := digest.NewDigestFromProto(proto.StdoutDigest); err == nil {
			result.Stdout = blobs[d]
		}
	}
	if proto.StderrDigest != nil {
		if d, err := digest.NewDigestFromProto(proto.StderrDigest); err == nil {
			result.Stderr = blobs[d]
		}
	}
	for path, d := range outputDigests {
		result.OutputFiles[path] = blobs[d]
	}
	return result, true, nil
}

// UpdateActionResult uploads a locally-produced result to the remote
// action cache, best-effort. Callers are expected to have already
// uploaded its referenced blobs via BatchUpdateBlobs.
func (c *Client) UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result *RemoteActionResult) error {
	return c.call(ctx, func(ctx context.Context) error {
		proto := &remoteexecution.ActionResult{
			ExitCode: result.ExitCode,
		}
		if result.Stdout != nil {
			proto.StdoutDigest = digest.HashBytes(result.Stdout).ToProto()
		}
		if result.Stderr != nil {
			proto.StderrDigest = digest.HashBytes(result.Stderr).ToProto()
		}
		for path, contents := range result.OutputFiles {
			proto.OutputFiles = append(proto.OutputFiles, &remoteexecution.OutputFile{
				Path:   path,
				Digest: digest.HashBytes(contents).ToProto(),
			})
		}
		_, err := c.acClient.UpdateActionResult(ctx, &remoteexecution.UpdateActionResultRequest{
			InstanceName: c.instanceName,
			ActionDigest: actionDigest.ToProto(),
			ActionResult: proto,
		})
		return err
	})
}

func toProtoDigests(digests []digest.Digest) []*remoteexecution.Digest {
	out := make([]*remoteexecution.Digest, len(digests))
	for i, d := range digests {
		out[i] = d.ToProto()
	}
	return out
}

// Package digest implements cuenv's hash engine: deterministic content
// and file hashing, glob expansion for task input sets, and the
// canonical, length-prefixed encoding used to derive action digests.
//
// This mirrors the role of github.com/buildbarn/bb-storage's
// pkg/digest package, trimmed to the single digest function (SHA-256)
// that cuenv's wire protocol (REAPI v2) requires, and generalized with
// explicit per-field domain tags in the canonical encoding (see
// encoding.go) instead of relying on key uniqueness.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Size of a SHA-256 digest, in bytes.
const hashSizeBytes = sha256.Size

// Digest identifies a blob stored in the content-addressed store by the
// SHA-256 hash of its bytes plus its length. Two blobs with the same
// Digest are assumed to be byte-identical; a Digest is the cache's
// trust root, so this assumption is never re-verified beyond the
// on-read integrity check in pkg/cas.
type Digest struct {
	hash      [hashSizeBytes]byte
	sizeBytes int64
}

// BadDigest is the zero value of Digest. It is never the digest of any
// real blob (the empty blob has a well defined, non-zero SHA-256 hash),
// so it doubles as a sentinel for "no digest".
var BadDigest Digest

// NewDigest constructs a Digest from a raw 32-byte SHA-256 hash and a
// size in bytes. sizeBytes must be non-negative.
func NewDigest(hash [hashSizeBytes]byte, sizeBytes int64) (Digest, error) {
	if sizeBytes < 0 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "digest size %d is negative", sizeBytes)
	}
	return Digest{hash: hash, sizeBytes: sizeBytes}, nil
}

// NewDigestFromHex parses a lowercase hex-encoded SHA-256 hash plus a
// size into a Digest. This is the external representation used by the
// on-disk shard paths and the REAPI v2 wire protocol.
func NewDigestFromHex(hash string, sizeBytes int64) (Digest, error) {
	if len(hash) != hashSizeBytes*2 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "hash %#v has length %d, while %d characters were expected", hash, len(hash), hashSizeBytes*2)
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return BadDigest, status.Errorf(codes.InvalidArgument, "hash %#v is not valid hexadecimal", hash)
	}
	var out [hashSizeBytes]byte
	copy(out[:], raw)
	return NewDigest(out, sizeBytes)
}

// NewDigestFromProto converts a Remote Execution API v2 Digest message
// into a Digest, as used when talking to a remote cache (C7).
func NewDigestFromProto(d *remoteexecution.Digest) (Digest, error) {
	if d == nil {
		return BadDigest, status.Error(codes.InvalidArgument, "no digest provided")
	}
	return NewDigestFromHex(d.Hash, d.SizeBytes)
}

// GetHashBytes returns the raw 32-byte SHA-256 hash.
func (d Digest) GetHashBytes() [hashSizeBytes]byte {
	return d.hash
}

// GetHashString returns the lowercase hex-encoded SHA-256 hash.
func (d Digest) GetHashString() string {
	return hex.EncodeToString(d.hash[:])
}

// GetSizeBytes returns the size of the referenced blob.
func (d Digest) GetSizeBytes() int64 {
	return d.sizeBytes
}

// IsZero reports whether d is the BadDigest sentinel.
func (d Digest) IsZero() bool {
	return d == BadDigest
}

// ShardKey returns the four hex characters used to compute the two
// nested two-character shard directories under the CAS and action
// roots (see pkg/cas), and the single byte used to pick a shard of the
// in-memory sharded index (see pkg/concurrency).
func (d Digest) ShardKey() (dirA, dirB string, shardByte byte) {
	h := d.GetHashString()
	return h[0:2], h[2:4], d.hash[0]
}

// String returns a human-readable representation, e.g. for log
// messages and error wrapping.
func (d Digest) String() string {
	return fmt.Sprintf("%s-%d", d.GetHashString(), d.sizeBytes)
}

// ToProto converts the Digest back to a Remote Execution API v2 Digest
// message.
func (d Digest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      d.GetHashString(),
		SizeBytes: d.sizeBytes,
	}
}

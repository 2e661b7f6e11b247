package digest

import (
	"crypto/sha256"
	"io"
	"os"

	"github.com/cuenv/cuenv/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// hashCopyBufferSize bounds the scratch buffer used by HashFile, so
// hashing a large input file does not require reading it into memory
// in one go.
const hashCopyBufferSize = 64 * 1024

// HashBytes computes the Digest of an in-memory byte slice.
func HashBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	d, _ := NewDigest(sum, int64(len(data)))
	return d
}

// HashFile computes the Digest of a regular file at path, streaming its
// contents through a bounded buffer rather than reading it whole. A
// partial read failure aborts the computation entirely and returns an
// error naming the offending path; it never returns a digest derived
// from a truncated read.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return BadDigest, status.Errorf(codes.NotFound, "failed to open %s for hashing: %s", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return BadDigest, util.StatusWrapf(err, "failed to stat %s", path)
	}
	if !info.Mode().IsRegular() {
		return BadDigest, status.Errorf(codes.InvalidArgument, "%s is not a regular file", path)
	}

	h := sha256.New()
	buf := make([]byte, hashCopyBufferSize)
	written, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return BadDigest, util.StatusWrapf(err, "failed to read %s while hashing", path)
	}

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return NewDigest(sum, written)
}

// Package actioncache implements [MODULE C4]: the mapping from
// ActionDigest to a signed, committed ActionResult, with in-flight
// single-flight deduplication over the (lookup-miss-execute-store)
// sequence (invariant I5).
package actioncache

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/digest"
)

// OutputFile pairs a task-declared relative output path with the
// digest of its contents at the time the action ran.
type OutputFile struct {
	RelativePath string
	Digest       digest.Digest
}

// ActionResult is the recorded, signed outcome of one action, per
// spec.md §3.
type ActionResult struct {
	ExitCode      int32
	StdoutDigest  digest.Digest
	StderrDigest  digest.Digest
	OutputFiles   []OutputFile // kept sorted by RelativePath
	// InlineBlobs carries the raw bytes of every referenced blob at or
	// below the CAS inline threshold: pkg/cas.Store never persists
	// those bytes itself (see Store.Put), so the ActionResult that
	// references them is their only durable home, per spec.md:91.
	InlineBlobs   map[digest.Digest][]byte
	ExecutedAtUnixNano int64
	DurationMs    uint64
	Signature     [ed25519.SignatureSize]byte
}

// InlineBlob returns the embedded bytes for d, if d was small enough to
// be carried inline rather than written to the CAS.
func (r *ActionResult) InlineBlob(d digest.Digest) ([]byte, bool) {
	data, ok := r.InlineBlobs[d]
	return data, ok
}

// sortedInlineDigests returns r's InlineBlobs keys in a fixed order, so
// the signing payload and on-disk encoding never depend on Go's
// randomized map iteration order.
func (r *ActionResult) sortedInlineDigests() []digest.Digest {
	keys := make([]digest.Digest, 0, len(r.InlineBlobs))
	for d := range r.InlineBlobs {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].GetHashString() < keys[j].GetHashString() })
	return keys
}

// sortOutputFiles orders OutputFiles by RelativePath, so the canonical
// encoding below never depends on executor-reported iteration order.
func sortOutputFiles(files []OutputFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })
}

// signingPayload produces the canonical bytes an ActionResult's
// signature covers: every field except the signature itself, per
// spec.md §4.4.
func (r *ActionResult) signingPayload() []byte {
	var buf bytes.Buffer

	var exitCode [4]byte
	binary.LittleEndian.PutUint32(exitCode[:], uint32(r.ExitCode))
	buf.Write(exitCode[:])

	buf.WriteString(r.StdoutDigest.String())
	buf.WriteByte(0)
	buf.WriteString(r.StderrDigest.String())
	buf.WriteByte(0)

	sorted := append([]OutputFile(nil), r.OutputFiles...)
	sortOutputFiles(sorted)
	for _, f := range sorted {
		buf.WriteString(f.RelativePath)
		buf.WriteByte(0)
		buf.WriteString(f.Digest.String())
		buf.WriteByte(0)
	}

	for _, d := range r.sortedInlineDigests() {
		buf.WriteString(d.String())
		buf.WriteByte(0)
		buf.Write(r.InlineBlobs[d])
		buf.WriteByte(0)
	}

	var executedAt [8]byte
	binary.LittleEndian.PutUint64(executedAt[:], uint64(r.ExecutedAtUnixNano))
	buf.Write(executedAt[:])

	var duration [8]byte
	binary.LittleEndian.PutUint64(duration[:], r.DurationMs)
	buf.Write(duration[:])

	return buf.Bytes()
}

// Sign computes and stores r's signature using priv.
func (r *ActionResult) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, r.signingPayload())
	copy(r.Signature[:], sig)
}

// Verify reports whether r's signature validates against pub
// (invariant I2/property P2).
func (r *ActionResult) Verify(pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, r.signingPayload(), r.Signature[:])
}

// ReferencedDigests returns every blob digest r refers to, for I1/P3
// existence checks and for refcount bookkeeping on eviction.
func (r *ActionResult) ReferencedDigests() []digest.Digest {
	var out []digest.Digest
	if !r.StdoutDigest.IsZero() {
		out = append(out, r.StdoutDigest)
	}
	if !r.StderrDigest.IsZero() {
		out = append(out, r.StderrDigest)
	}
	for _, f := range r.OutputFiles {
		out = append(out, f.Digest)
	}
	return out
}

// marshal encodes r into a flat byte form for on-disk storage under
// actions/<shard>/<digest>. The format mirrors the length-prefixed
// little-endian convention used by pkg/digest's canonical encoding.
func (r *ActionResult) marshal() []byte {
	var buf bytes.Buffer

	var exitCode [4]byte
	binary.LittleEndian.PutUint32(exitCode[:], uint32(r.ExitCode))
	buf.Write(exitCode[:])

	writeDigest := func(d digest.Digest) {
		h := d.GetHashBytes()
		buf.Write(h[:])
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], uint64(d.GetSizeBytes()))
		buf.Write(size[:])
	}
	writeDigest(r.StdoutDigest)
	writeDigest(r.StderrDigest)

	sorted := append([]OutputFile(nil), r.OutputFiles...)
	sortOutputFiles(sorted)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(sorted)))
	buf.Write(count[:])
	for _, f := range sorted {
		var pathLen [4]byte
		binary.LittleEndian.PutUint32(pathLen[:], uint32(len(f.RelativePath)))
		buf.Write(pathLen[:])
		buf.WriteString(f.RelativePath)
		writeDigest(f.Digest)
	}

	inlineKeys := r.sortedInlineDigests()
	var blobCount [4]byte
	binary.LittleEndian.PutUint32(blobCount[:], uint32(len(inlineKeys)))
	buf.Write(blobCount[:])
	for _, d := range inlineKeys {
		writeDigest(d)
		data := r.InlineBlobs[d]
		var dataLen [4]byte
		binary.LittleEndian.PutUint32(dataLen[:], uint32(len(data)))
		buf.Write(dataLen[:])
		buf.Write(data)
	}

	var executedAt [8]byte
	binary.LittleEndian.PutUint64(executedAt[:], uint64(r.ExecutedAtUnixNano))
	buf.Write(executedAt[:])

	var duration [8]byte
	binary.LittleEndian.PutUint64(duration[:], r.DurationMs)
	buf.Write(duration[:])

	buf.Write(r.Signature[:])

	return buf.Bytes()
}

func unmarshalActionResult(data []byte) (*ActionResult, error) {
	r := &ActionResult{}
	readDigest := func() (digest.Digest, error) {
		if len(data) < 32+8 {
			return digest.BadDigest, status.Error(codes.DataLoss, "truncated ActionResult record")
		}
		var hash [32]byte
		copy(hash[:], data[:32])
		size := int64(binary.LittleEndian.Uint64(data[32:40]))
		data = data[40:]
		if hash == [32]byte{} && size == 0 {
			return digest.BadDigest, nil
		}
		return digest.NewDigest(hash, size)
	}

	if len(data) < 4 {
		return nil, status.Error(codes.DataLoss, "truncated ActionResult record")
	}
	r.ExitCode = int32(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]

	var err error
	r.StdoutDigest, err = readDigest()
	if err != nil {
		return nil, err
	}
	r.StderrDigest, err = readDigest()
	if err != nil {
		return nil, err
	}

	if len(data) < 4 {
		return nil, status.Error(codes.DataLoss, "truncated ActionResult output count")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, status.Error(codes.DataLoss, "truncated ActionResult output path length")
		}
		pathLen := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < pathLen {
			return nil, status.Error(codes.DataLoss, "truncated ActionResult output path")
		}
		path := string(data[:pathLen])
		data = data[pathLen:]

		d, err := readDigest()
		if err != nil {
			return nil, err
		}
		r.OutputFiles = append(r.OutputFiles, OutputFile{RelativePath: path, Digest: d})
	}

	if len(data) < 4 {
		return nil, status.Error(codes.DataLoss, "truncated ActionResult inline blob count")
	}
	blobCount := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	for i := uint32(0); i < blobCount; i++ {
		d, err := readDigest()
		if err != nil {
			return nil, err
		}
		if len(data) < 4 {
			return nil, status.Error(codes.DataLoss, "truncated ActionResult inline blob length")
		}
		dataLen := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < dataLen {
			return nil, status.Error(codes.DataLoss, "truncated ActionResult inline blob")
		}
		blob := make([]byte, dataLen)
		copy(blob, data[:dataLen])
		data = data[dataLen:]
		if r.InlineBlobs == nil {
			r.InlineBlobs = make(map[digest.Digest][]byte, blobCount)
		}
		r.InlineBlobs[d] = blob
	}

	if len(data) < 8+8+ed25519.SignatureSize {
		return nil, status.Error(codes.DataLoss, "truncated ActionResult trailer")
	}
	r.ExecutedAtUnixNano = int64(binary.LittleEndian.Uint64(data[:8]))
	data = data[8:]
	r.DurationMs = binary.LittleEndian.Uint64(data[:8])
	data = data[8:]
	copy(r.Signature[:], data[:ed25519.SignatureSize])

	return r, nil
}

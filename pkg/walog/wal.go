// Package walog implements the write-ahead log described in spec.md
// §4.6: append-only segments under <root>/wal/, each record
// CRC32C-checked, replayed on open to rebuild the in-memory index after
// a crash (invariant I4). The record format and rotation policy are
// original to this cache; no example repo in the reference corpus
// carries a WAL for this exact purpose, so the design here follows
// general log-structured-storage practice (length-prefixed framing,
// checksum-then-payload) rather than any one file in the corpus — see
// DESIGN.md.
package walog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuenv/cuenv/pkg/util"
)

// OpKind identifies the kind of mutation a WAL record describes.
type OpKind byte

const (
	OpPutBlobCommit    OpKind = 1
	OpPutActionCommit  OpKind = 2
	OpRefcountDelta    OpKind = 3
	OpEvict            OpKind = 4
)

// Record is one WAL entry: an intent or commit marker for a mutation to
// the on-disk index.
type Record struct {
	Op      OpKind
	Digest  string // hex digest this record concerns
	Payload []byte
}

// MaxSegmentBytes is the rotation threshold from spec.md §4.6.
const MaxSegmentBytes = 64 * 1024 * 1024

// WAL is an append-only, segmented write-ahead log.
type WAL struct {
	dir string

	mu           sync.Mutex
	currentFile  *os.File
	currentSize  int64
	segmentIndex int
}

// Open opens (creating if necessary) the WAL directory, replays every
// existing segment in order via replay, and returns a WAL ready to
// accept new appends. Any record whose effect replay reports as already
// applied is treated as idempotent by the caller, per invariant I4.
func Open(dir string, replay func(Record) error) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.StatusWrapf(err, "failed to create WAL directory %s", dir)
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if err := replaySegment(filepath.Join(dir, seg.name), replay); err != nil {
			return nil, util.StatusWrapf(err, "failed to replay WAL segment %s", seg.name)
		}
	}

	w := &WAL{dir: dir}
	if len(segments) > 0 {
		w.segmentIndex = segments[len(segments)-1].index
	}
	if err := w.openCurrentSegmentLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

type segmentInfo struct {
	name  string
	index int
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, util.StatusWrapf(err, "failed to list WAL directory %s", dir)
	}
	var segments []segmentInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		numPart := strings.TrimSuffix(e.Name(), ".log")
		idx, err := strconv.Atoi(numPart)
		if err != nil {
			continue
		}
		segments = append(segments, segmentInfo{name: e.Name(), index: idx})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })
	return segments, nil
}

func (w *WAL) openCurrentSegmentLocked() error {
	path := filepath.Join(w.dir, segmentName(w.segmentIndex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return util.StatusWrapf(err, "failed to open WAL segment %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return util.StatusWrapf(err, "failed to stat WAL segment %s", path)
	}
	w.currentFile = f
	w.currentSize = info.Size()
	return nil
}

func segmentName(index int) string {
	return strconv.Itoa(index) + ".log"
}

// Append writes r to the current segment, rotating to a new segment
// first if doing so would exceed MaxSegmentBytes. Append fsyncs before
// returning, so a successful return guarantees the record survives a
// subsequent crash (invariant I4: "a crash between WAL append and
// commit leaves the cache in a recoverable state").
func (w *WAL) Append(r Record) error {
	encoded := encodeRecord(r)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(encoded)) > MaxSegmentBytes && w.currentSize > 0 {
		if err := w.currentFile.Close(); err != nil {
			return util.StatusWrapf(err, "failed to close WAL segment before rotation")
		}
		w.segmentIndex++
		if err := w.openCurrentSegmentLocked(); err != nil {
			return err
		}
	}

	n, err := w.currentFile.Write(encoded)
	if err != nil {
		return util.StatusWrapf(err, "failed to append WAL record")
	}
	if err := w.currentFile.Sync(); err != nil {
		return util.StatusWrapf(err, "failed to fsync WAL segment")
	}
	w.currentSize += int64(n)
	return nil
}

// Checkpoint removes every segment strictly older than the currently
// open one, as permitted once their effects are known to be reflected
// in the persisted index.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.index < w.segmentIndex {
			if err := os.Remove(filepath.Join(w.dir, seg.name)); err != nil && !os.IsNotExist(err) {
				return util.StatusWrapf(err, "failed to remove checkpointed WAL segment %s", seg.name)
			}
		}
	}
	return nil
}

// Close flushes and closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	return w.currentFile.Close()
}

func encodeRecord(r Record) []byte {
	digestBytes := []byte(r.Digest)
	// op(1) + digestLen(2) + digest + payloadLen(4) + payload + crc32c(4)
	buf := make([]byte, 0, 1+2+len(digestBytes)+4+len(r.Payload)+4)
	buf = append(buf, byte(r.Op))
	var digestLen [2]byte
	binary.LittleEndian.PutUint16(digestLen[:], uint16(len(digestBytes)))
	buf = append(buf, digestLen[:]...)
	buf = append(buf, digestBytes...)
	var payloadLen [4]byte
	binary.LittleEndian.PutUint32(payloadLen[:], uint32(len(r.Payload)))
	buf = append(buf, payloadLen[:]...)
	buf = append(buf, r.Payload...)

	crc := crc32.Checksum(buf, crc32.MakeTable(crc32.Castagnoli))
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	return append(buf, crcBuf[:]...)
}

// replaySegment reads every complete, checksum-valid record from path
// and invokes replay for it. A truncated final record (the tell-tale
// sign of a crash mid-append) is silently dropped rather than treated
// as an error, per invariant I4.
func replaySegment(path string, replay func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return util.StatusWrapf(err, "failed to open WAL segment %s for replay", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := replay(rec); err != nil {
			return err
		}
	}
}

func readRecord(r *bufio.Reader) (Record, bool, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Record{}, false, nil
		}
		return Record{}, false, nil // truncated header: treat as EOF-of-valid-data
	}
	op := OpKind(header[0])
	digestLen := binary.LittleEndian.Uint16(header[1:3])

	digestBytes := make([]byte, digestLen)
	if _, err := io.ReadFull(r, digestBytes); err != nil {
		return Record{}, false, nil
	}

	var payloadLenBuf [4]byte
	if _, err := io.ReadFull(r, payloadLenBuf[:]); err != nil {
		return Record{}, false, nil
	}
	payloadLen := binary.LittleEndian.Uint32(payloadLenBuf[:])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, false, nil
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, false, nil
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	recomputed := make([]byte, 0, 3+len(digestBytes)+4+len(payload))
	recomputed = append(recomputed, header...)
	recomputed = append(recomputed, digestBytes...)
	recomputed = append(recomputed, payloadLenBuf[:]...)
	recomputed = append(recomputed, payload...)
	gotCRC := crc32.Checksum(recomputed, crc32.MakeTable(crc32.Castagnoli))
	if gotCRC != wantCRC {
		return Record{}, false, status.Errorf(codes.DataLoss, "WAL record checksum mismatch")
	}

	return Record{Op: op, Digest: string(digestBytes), Payload: payload}, true, nil
}

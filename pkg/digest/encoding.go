package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// CanonicalEncodingVersion is embedded in every canonical encoding. It
// must be bumped whenever a change to the encoding below would cause
// two semantically-equal actions to hash differently, or two
// semantically-different actions to collide; doing so invalidates every
// previously stored ActionResult, which is the point.
const CanonicalEncodingVersion = 1

// fieldTag domain-separates the records written into a canonical
// encoding so that, for example, an environment variable named the same
// as an input file's relative path can never be confused with it. This
// resolves the open question in spec.md §9 about domain separation: the
// source this cache is modeled after relies on key uniqueness alone,
// which this implementation does not trust.
type fieldTag byte

const (
	tagTaskName  fieldTag = 't'
	tagCommand   fieldTag = 'c'
	tagScript    fieldTag = 's'
	tagWorkDir   fieldTag = 'w'
	tagEnvEntry  fieldTag = 'e'
	tagInput     fieldTag = 'i'
	tagCacheKey  fieldTag = 'k'
	tagVersion   fieldTag = 'v'
)

// Encoder accumulates length-prefixed, domain-tagged records in a
// deterministic order and produces a Digest of the result. All lengths
// are encoded little-endian as described in spec.md §3.
//
// Encoder is not safe for concurrent use; each action digest
// computation constructs its own.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder creates an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) writeRecord(tag fieldTag, payload []byte) {
	e.buf.WriteByte(byte(tag))
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	e.buf.Write(lenBuf[:])
	e.buf.Write(payload)
}

// WriteTaskName writes the task's stable name.
func (e *Encoder) WriteTaskName(name string) {
	e.writeRecord(tagTaskName, []byte(name))
}

// WriteCommand writes the command vector, joined with NUL separators so
// that argument boundaries are preserved.
func (e *Encoder) WriteCommand(argv []string) {
	e.writeRecord(tagCommand, []byte(joinNUL(argv)))
}

// WriteScript writes the verbatim script string. Exactly one of
// WriteCommand or WriteScript is ever called per action, as required by
// spec.md §3.
func (e *Encoder) WriteScript(script string) {
	e.writeRecord(tagScript, []byte(script))
}

// WriteWorkingDirectory writes the project-root-relative working
// directory path.
func (e *Encoder) WriteWorkingDirectory(relPath string) {
	e.writeRecord(tagWorkDir, []byte(relPath))
}

// WriteEnv writes the sorted, filtered environment map. Each entry is
// written as its own tagged record ("key=value") so that the whole map
// contributes a stable, order-independent sequence of bytes.
func (e *Encoder) WriteEnv(env map[string]string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.writeRecord(tagEnvEntry, []byte(k+"="+env[k]))
	}
}

// WriteInputs writes the sorted map of relative input path to content
// digest. Each entry is its own tagged record, "path\x00hash-size".
func (e *Encoder) WriteInputs(inputs map[string]Digest) {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.writeRecord(tagInput, []byte(k+"\x00"+inputs[k].String()))
	}
}

// WriteCacheKey writes a user-supplied override that short-circuits
// steps 2 and 5 of the action digest derivation (spec.md §4.3).
func (e *Encoder) WriteCacheKey(key string) {
	e.writeRecord(tagCacheKey, []byte(key))
}

// WriteVersion writes the encoding version tag.
func (e *Encoder) WriteVersion() {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], CanonicalEncodingVersion)
	e.writeRecord(tagVersion, v[:])
}

// Digest returns the SHA-256 digest of the accumulated encoding.
func (e *Encoder) Digest() Digest {
	sum := sha256.Sum256(e.buf.Bytes())
	d, _ := NewDigest(sum, int64(e.buf.Len()))
	return d
}

// Bytes returns the raw accumulated encoding, for tests that assert on
// byte-identical output between two semantically-equal constructions.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func joinNUL(parts []string) string {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.String()
}

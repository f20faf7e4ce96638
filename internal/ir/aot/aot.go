// Package aot implements the persisted ahead-of-time translation cache: a
// binary stream per guest file, written by Writer and read back by Load,
// with compatibility gated by a guest-file content hash. The layout is
// the simplest one that satisfies that invariant and nothing more: no
// compression, no versioned schema migration.
//
// What gets persisted is the compiled host machine code for each block,
// not a reparsed internal/ir.Graph; re-running codegen from a replayed IR
// graph on every load would defeat the purpose of an AOT cache. Turning a
// loaded BlockRecord's raw Code back into an executable blockcache.Entry
// (mmap + mprotect + HostCode) is internal/context's concern, not this
// package's: this package only serializes and deserializes bytes.
package aot

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// magic identifies the stream format; version allows a future incompatible
// layout change to fail fast instead of silently misreading bytes.
const (
	magic   uint32 = 0x43434149 // "CCAI" little-endian
	version uint32 = 1
)

// ErrBadMagic is returned when a stream does not start with this
// package's magic number, i.e. it is not an AOT IR cache stream at all.
var ErrBadMagic = errors.New("aot: not an AOT IR cache stream")

// ErrVersionMismatch is returned when a stream's version field does not
// match this package's, meaning it was written by an incompatible layout.
var ErrVersionMismatch = errors.New("aot: unsupported AOT IR cache version")

// ErrHashMismatch is returned by Load when the stream's recorded guest
// content hash does not match expectedHash: the guest file on disk has
// changed since the cache was written, so the entire stream is discarded
// rather than partially trusted.
var ErrHashMismatch = errors.New("aot: guest content hash mismatch")

// ContentHash computes the guest-file content hash cache reuse is gated
// on. SHA-256: the stdlib's standard choice for a whole-file fingerprint
// (see DESIGN.md).
func ContentHash(guestBytes []byte) [32]byte {
	return sha256.Sum256(guestBytes)
}

// BlockRecord is one compiled block as persisted to the AOT cache: the
// guest range it covers, the code hash blockcache.Entry.ValidateCode uses
// to detect self-modifying code, and the raw compiled host machine code
// bytes (backend.CodeBuffer.Code at the time it was written).
type BlockRecord struct {
	GuestStart, GuestEnd uint64
	CodeHash             uint64
	Code                 []byte
}

// Writer serializes BlockRecords for a single guest file to an io.Writer.
// The header (magic, version, content hash) is written lazily on the
// first WriteBlock call so that a guest file with no compiled blocks yet
// produces no stream at all.
type Writer struct {
	w           io.Writer
	guestHash   [32]byte
	wroteHeader bool
}

// NewWriter returns a Writer that will tag every record it writes with
// guestHash, the content hash of the guest file the compiled blocks
// belong to.
func NewWriter(w io.Writer, guestHash [32]byte) *Writer {
	return &Writer{w: w, guestHash: guestHash}
}

func (w *Writer) writeHeader() error {
	if w.wroteHeader {
		return nil
	}
	if err := binary.Write(w.w, binary.LittleEndian, magic); err != nil {
		return errors.Wrap(err, "aot: write magic")
	}
	if err := binary.Write(w.w, binary.LittleEndian, version); err != nil {
		return errors.Wrap(err, "aot: write version")
	}
	if _, err := w.w.Write(w.guestHash[:]); err != nil {
		return errors.Wrap(err, "aot: write guest hash")
	}
	w.wroteHeader = true
	return nil
}

// WriteBlock appends rec to the stream.
func (w *Writer) WriteBlock(rec BlockRecord) error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	for _, f := range []uint64{rec.GuestStart, rec.GuestEnd, rec.CodeHash} {
		if err := binary.Write(w.w, binary.LittleEndian, f); err != nil {
			return errors.Wrap(err, "aot: write block field")
		}
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(rec.Code))); err != nil {
		return errors.Wrap(err, "aot: write code length")
	}
	if _, err := w.w.Write(rec.Code); err != nil {
		return errors.Wrap(err, "aot: write code")
	}
	return nil
}

// LoaderFunc reads an AOT cache stream back; Context.LoadAOTCache takes
// one per call so the actual storage backend (filesystem, embedded
// asset, network cache) is pluggable. Load below is the default
// implementation reading the Writer's format back from an io.Reader.
type LoaderFunc func(r io.Reader, expectedHash [32]byte) ([]BlockRecord, error)

// Load reads a stream written by Writer, verifying its guest content hash
// against expectedHash before returning any records. A mismatch means
// the guest file changed since the cache was produced, so the whole
// stream is rejected rather than partially honored.
func Load(r io.Reader, expectedHash [32]byte) ([]BlockRecord, error) {
	br := bufio.NewReader(r)

	var gotMagic, gotVersion uint32
	if err := binary.Read(br, binary.LittleEndian, &gotMagic); err != nil {
		return nil, errors.Wrap(err, "aot: read magic")
	}
	if gotMagic != magic {
		return nil, ErrBadMagic
	}
	if err := binary.Read(br, binary.LittleEndian, &gotVersion); err != nil {
		return nil, errors.Wrap(err, "aot: read version")
	}
	if gotVersion != version {
		return nil, ErrVersionMismatch
	}

	var guestHash [32]byte
	if _, err := io.ReadFull(br, guestHash[:]); err != nil {
		return nil, errors.Wrap(err, "aot: read guest hash")
	}
	if guestHash != expectedHash {
		return nil, ErrHashMismatch
	}

	var records []BlockRecord
	for {
		var guestStart, guestEnd, codeHash uint64
		err := binary.Read(br, binary.LittleEndian, &guestStart)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "aot: read guest start")
		}
		if err := binary.Read(br, binary.LittleEndian, &guestEnd); err != nil {
			return nil, errors.Wrap(err, "aot: read guest end")
		}
		if err := binary.Read(br, binary.LittleEndian, &codeHash); err != nil {
			return nil, errors.Wrap(err, "aot: read code hash")
		}
		var codeLen uint32
		if err := binary.Read(br, binary.LittleEndian, &codeLen); err != nil {
			return nil, errors.Wrap(err, "aot: read code length")
		}
		code := make([]byte, codeLen)
		if _, err := io.ReadFull(br, code); err != nil {
			return nil, errors.Wrap(err, "aot: read code")
		}
		records = append(records, BlockRecord{
			GuestStart: guestStart, GuestEnd: guestEnd, CodeHash: codeHash, Code: code,
		})
	}
	return records, nil
}

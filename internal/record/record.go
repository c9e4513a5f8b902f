// Package record implements typed record I/O over queue files.
//
// A queue file is a sequence of records, each a 1-byte tag followed by a
// varint-encoded length and that many bytes of payload. The stream can be
// appended to, iterated from any offset, and a record can be rewritten in
// place as long as the new payload is no longer than the one it replaces —
// this is how the SIZE and DONE records get patched without rewriting the
// rest of the file.
//
// This is a from-scratch binary encoding rather than a reuse of the
// teacher's protobuf-based item files: those rely on protoc-generated
// descriptor code that this exercise has no way to regenerate, and in any
// case protobuf messages aren't byte-patchable the way this format needs to
// be. See DESIGN.md for the full rationale.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// Tag identifies the semantic kind of a record. The enumeration is closed:
// readers must reject unknown tags rather than guess at their shape.
type Tag byte

// Valid tags, in roughly the order they appear in a well-formed queue file.
const (
	TagSize    Tag = 'S' // fixed-width, patchable in place
	TagFrom    Tag = 'F' // envelope sender
	TagRcpt    Tag = 'R' // envelope or extracted recipient
	TagOrigRcpt Tag = 'O' // ORCPT: original recipient address, pre-alias-expansion
	TagTime    Tag = 'T' // arrival time
	TagWarn    Tag = 'W' // delay-warning deadline
	TagAttr    Tag = 'A' // free-form name=value attribute (e.g. sendopts)
	TagMesg    Tag = 'M' // marks start of the message content segment
	TagContent Tag = 'C' // a chunk of header+body content
	TagXtra    Tag = 'X' // marks start of the extracted-recipients segment
	TagDone    Tag = 'D' // overwrite of a RCPT/ORCPT once delivered
	TagPad     Tag = 'P' // padding, used when a rewrite shrinks a record
	TagEnd     Tag = 'E' // terminator
)

// String gives a human-readable tag name, for logging.
func (t Tag) String() string {
	switch t {
	case TagSize:
		return "SIZE"
	case TagFrom:
		return "FROM"
	case TagRcpt:
		return "RCPT"
	case TagOrigRcpt:
		return "ORCPT"
	case TagTime:
		return "TIME"
	case TagWarn:
		return "WARN"
	case TagAttr:
		return "ATTR"
	case TagMesg:
		return "MESG"
	case TagContent:
		return "CONTENT"
	case TagXtra:
		return "XTRA"
	case TagDone:
		return "DONE"
	case TagPad:
		return "PAD"
	case TagEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	switch t {
	case TagSize, TagFrom, TagRcpt, TagOrigRcpt, TagTime, TagWarn, TagAttr,
		TagMesg, TagContent, TagXtra, TagDone, TagPad, TagEnd:
		return true
	}
	return false
}

// Record is a single (tag, payload) pair, together with the file offset it
// was read from (or written at), so callers can patch it later.
type Record struct {
	Tag     Tag
	Payload []byte
	Offset  int64
}

// Errors returned while reading or rewriting a stream.
var (
	// ErrCorrupt is returned when a stream ends mid-record, or a tag is not
	// in the closed enumeration.
	ErrCorrupt = errors.New("record: corrupt or truncated stream")

	// ErrPayloadTooLarge is returned by RewriteAt when the new payload is
	// longer than the record being replaced.
	ErrPayloadTooLarge = errors.New("record: rewrite payload larger than original")
)

// maxHeaderLen is the maximum size of a tag+length header: 1 tag byte plus
// a 10-byte varint (enough for any int64).
const maxHeaderLen = 1 + binary.MaxVarintLen64

// Stream provides record-level access to a queue file.
type Stream struct {
	f *os.File
}

// New wraps an already-open file as a record Stream.
func New(f *os.File) *Stream {
	return &Stream{f: f}
}

// Append writes a new record at the end of the stream, returning the offset
// it was written at.
func (s *Stream) Append(tag Tag, payload []byte) (int64, error) {
	off, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	buf := encode(tag, payload)
	if _, err := s.f.Write(buf); err != nil {
		return 0, err
	}
	return off, nil
}

// Offset returns the stream's current write position, i.e. the byte
// offset the next Append call would write at. Callers use this right
// after appending a marker record (MESG, XTRA) to learn where the
// following segment begins, without guessing at that marker's own
// encoded size.
func (s *Stream) Offset() (int64, error) {
	return s.f.Seek(0, io.SeekCurrent)
}

// encode renders a record's on-disk header+payload bytes.
func encode(tag Tag, payload []byte) []byte {
	hdr := make([]byte, maxHeaderLen)
	hdr[0] = byte(tag)
	n := binary.PutUvarint(hdr[1:], uint64(len(payload)))
	buf := make([]byte, 0, 1+n+len(payload))
	buf = append(buf, hdr[:1+n]...)
	buf = append(buf, payload...)
	return buf
}

// headerLen returns the on-disk size of a record's tag+length header for
// the given payload length, without the payload itself.
func headerLen(payloadLen int) int {
	var tmp [binary.MaxVarintLen64]byte
	return 1 + binary.PutUvarint(tmp[:], uint64(payloadLen))
}

// Iterator walks records starting at a given offset.
type Iterator struct {
	r      *bufio.Reader
	off    int64
	stream *Stream
}

// Iterate returns an Iterator starting at the given byte offset (0 for the
// beginning of the file).
func (s *Stream) Iterate(offset int64) (*Iterator, error) {
	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return &Iterator{r: bufio.NewReader(s.f), off: offset, stream: s}, nil
}

// Next returns the next record, or io.EOF when the stream is exhausted
// cleanly (i.e. not mid-record). A truncated trailing record yields
// ErrCorrupt instead of io.EOF.
func (it *Iterator) Next() (Record, error) {
	tagByte, err := it.r.ReadByte()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, err
	}

	tag := Tag(tagByte)
	if !tag.Valid() {
		return Record{}, ErrCorrupt
	}

	plen, err := binary.ReadUvarint(it.r)
	if err != nil {
		return Record{}, ErrCorrupt
	}

	payload := make([]byte, plen)
	if _, err := io.ReadFull(it.r, payload); err != nil {
		return Record{}, ErrCorrupt
	}

	rec := Record{Tag: tag, Payload: payload, Offset: it.off}
	it.off += int64(headerLen(int(plen))) + int64(plen)
	return rec, nil
}

// All reads every remaining record from the iterator into a slice. It's a
// convenience for callers (like cleanup validation and tests) that want the
// whole stream rather than manual iteration.
func (it *Iterator) All() ([]Record, error) {
	var recs []Record
	for {
		r, err := it.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, r)
	}
}

// errPadImpossible is returned internally when a single leftover byte can't
// hold a valid PAD record (minimum on-disk record size is 2 bytes). Callers
// never hit this in practice because the only shrinking rewrite this package
// does (RCPT/ORCPT -> DONE) reuses the original payload bytes verbatim.
var errPadImpossible = errors.New("record: one leftover byte cannot be padded")

// padRecord returns the bytes of a PAD record whose total on-disk size is
// exactly n, or errPadImpossible if n == 1.
func padRecord(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n == 1 {
		return nil, errPadImpossible
	}
	for hb := 2; hb <= maxHeaderLen; hb++ {
		plen := n - hb
		if plen < 0 {
			break
		}
		if headerLen(plen) == hb {
			return encode(TagPad, make([]byte, plen)), nil
		}
	}
	return nil, errPadImpossible
}

// RewriteAt overwrites the record at the given offset with a new tag and
// payload. The new record must fit within the original's on-disk size; any
// leftover space is filled with a PAD record so the stream stays valid to
// iterate. originalPayloadLen is the payload length of the record being
// replaced (callers get this from the Record they read earlier).
func (s *Stream) RewriteAt(offset int64, originalPayloadLen int, tag Tag, payload []byte) error {
	if len(payload) > originalPayloadLen {
		return ErrPayloadTooLarge
	}

	originalSize := headerLen(originalPayloadLen) + originalPayloadLen
	buf := encode(tag, payload)

	pad, err := padRecord(originalSize - len(buf))
	if err != nil {
		return err
	}
	buf = append(buf, pad...)

	if _, err := s.f.WriteAt(buf, offset); err != nil {
		return err
	}
	return nil
}

// SizePayloadWidth is the fixed width (in bytes) of a SIZE record's
// payload, so it can always be rewritten in place regardless of how its
// field values change.
const SizePayloadWidth = 64

// Sync flushes the underlying file to stable storage.
func (s *Stream) Sync() error {
	return s.f.Sync()
}

// Close closes the underlying file.
func (s *Stream) Close() error {
	return s.f.Close()
}

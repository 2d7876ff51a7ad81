// Package protocol implements the retcond wire format (spec §4.7, §6): a
// binary request/reply framing with a self-describing body encoding
// (length-prefixed strings and lists, JSON-encoded Documents and DiffOps),
// plus encode/decode for the three request kinds and their replies. It has
// no knowledge of sockets or the reconciliation state machine — internal/server
// is the only caller.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies a request's kind (spec §4.7).
type Tag uint32

const (
	TagListConflicts Tag = 0
	TagChange        Tag = 1
	TagResolve       Tag = 2
	TagReserved      Tag = 255
)

// Status is the first byte of every reply.
type Status byte

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// ErrorCode is the body of an error reply.
type ErrorCode byte

const (
	ErrCodeTimeout       ErrorCode = 0
	ErrCodeBadFraming    ErrorCode = 1
	ErrCodeDecodeFailure ErrorCode = 2
	ErrCodeUnknown       ErrorCode = 255
)

// ReadRequest reads one request frame from r: a 4-byte big-endian tag
// followed by a length-prefixed opaque body. It never interprets the body.
func ReadRequest(r io.Reader) (Tag, []byte, error) {
	var tagBuf [4]byte

	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("reading request tag: %w", err)
	}

	body, err := readLengthPrefixed(r)
	if err != nil {
		return 0, nil, fmt.Errorf("reading request body: %w", err)
	}

	return Tag(binary.BigEndian.Uint32(tagBuf[:])), body, nil
}

// WriteRequest writes tag and body as a request frame.
func WriteRequest(w io.Writer, tag Tag, body []byte) error {
	var tagBuf [4]byte
	binary.BigEndian.PutUint32(tagBuf[:], uint32(tag))

	if _, err := w.Write(tagBuf[:]); err != nil {
		return fmt.Errorf("writing request tag: %w", err)
	}

	return writeLengthPrefixed(w, body)
}

// ReadReply reads one reply frame from r: a 1-byte status followed by a
// length-prefixed body (the encoded response on StatusOK, a single
// ErrorCode byte on StatusError).
func ReadReply(r io.Reader) (Status, []byte, error) {
	var statusBuf [1]byte

	if _, err := io.ReadFull(r, statusBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("reading reply status: %w", err)
	}

	body, err := readLengthPrefixed(r)
	if err != nil {
		return 0, nil, fmt.Errorf("reading reply body: %w", err)
	}

	return Status(statusBuf[0]), body, nil
}

// WriteReply writes status and body as a reply frame.
func WriteReply(w io.Writer, status Status, body []byte) error {
	if _, err := w.Write([]byte{byte(status)}); err != nil {
		return fmt.Errorf("writing reply status: %w", err)
	}

	return writeLengthPrefixed(w, body)
}

// WriteErrorReply writes a StatusError reply carrying code as its single
// body byte.
func WriteErrorReply(w io.Writer, code ErrorCode) error {
	return WriteReply(w, StatusError, []byte{byte(code)})
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err := w.Write(body)

	return err
}

// bodyWriter accumulates a request/response body using the same
// length-prefixed primitives as the outer frame, so nested strings and
// lists share one encoding.
type bodyWriter struct {
	buf bytes.Buffer
}

func (b *bodyWriter) writeString(s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	b.buf.Write(lenBuf[:])
	b.buf.WriteString(s)
}

func (b *bodyWriter) writeBytes(p []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	b.buf.Write(lenBuf[:])
	b.buf.Write(p)
}

func (b *bodyWriter) writeUint32(n uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], n)
	b.buf.Write(buf[:])
}

func (b *bodyWriter) writeInt64(n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	b.buf.Write(buf[:])
}

func (b *bodyWriter) bytes() []byte {
	return b.buf.Bytes()
}

// bodyReader walks a decoded body using the inverse primitives.
type bodyReader struct {
	buf *bytes.Reader
}

func newBodyReader(body []byte) *bodyReader {
	return &bodyReader{buf: bytes.NewReader(body)}
}

func (b *bodyReader) readString() (string, error) {
	p, err := b.readBytes()
	return string(p), err
}

func (b *bodyReader) readBytes() ([]byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(b.buf, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading length prefix: %w", ErrBadFraming, err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	p := make([]byte, n)

	if _, err := io.ReadFull(b.buf, p); err != nil {
		return nil, fmt.Errorf("%w: reading %d-byte field: %w", ErrBadFraming, n, err)
	}

	return p, nil
}

func (b *bodyReader) readUint32() (uint32, error) {
	var buf [4]byte

	if _, err := io.ReadFull(b.buf, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: reading uint32: %w", ErrBadFraming, err)
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

func (b *bodyReader) readInt64() (int64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(b.buf, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: reading int64: %w", ErrBadFraming, err)
	}

	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// atEOF reports whether every byte of the body has been consumed, for
// decoders that reject trailing garbage as bad framing.
func (b *bodyReader) atEOF() bool {
	return b.buf.Len() == 0
}

// Package rpcwire implements the one externally-specified piece of
// transport: a framed, length-prefixed binary RPC exposing a single
// `log(batch) -> code` method (plus the dynamic bucket resolver's
// `getMapping(category)` companion, carried over the same framing).
// Wire format and transport details are otherwise out of scope per
// spec.md §1; this is the minimal concrete implementation of the
// interface the core depends on.
//
// Frame shape on the wire: a 4-byte little-endian length prefix
// followed by that many opcode+payload bytes. There is no protocol
// version header, so the server accepts any client that sends a bare
// frame — the "non-strict" requirement from spec.md §6.
package rpcwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/igodwin/scribed/internal/entry"
)

// Code is the RPC result code returned by the log method.
type Code byte

const (
	CodeOk       Code = 0
	CodeTryLater Code = 2
)

// Opcode identifies which method a frame invokes.
type Opcode byte

const (
	OpLog         Opcode = 'L'
	OpGetMapping  Opcode = 'M'
	OpLogReply    Opcode = 'l'
	OpMappingReply Opcode = 'm'
)

const maxFrameSize = 64 << 20 // 64MiB guards against a corrupt length prefix

// writeFrame writes a 4-byte LE length prefix then payload.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads a 4-byte LE length prefix then that many bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpcwire: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte, offset int) (string, int, error) {
	if offset+4 > len(buf) {
		return "", offset, io.ErrUnexpectedEOF
	}
	n := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if n < 0 || offset+n > len(buf) {
		return "", offset, io.ErrUnexpectedEOF
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func getBytes(buf []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(buf) {
		return nil, offset, io.ErrUnexpectedEOF
	}
	n := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if n < 0 || offset+n > len(buf) {
		return nil, offset, io.ErrUnexpectedEOF
	}
	return buf[offset : offset+n], offset + n, nil
}

// encodeBatch serializes a Batch: count, then per-entry category,
// message, and metadata pairs.
func encodeBatch(batch entry.Batch) []byte {
	buf := make([]byte, 0, 256)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(batch)))
	buf = append(buf, countBuf[:]...)
	for _, e := range batch {
		buf = putString(buf, e.Category)
		buf = putBytes(buf, e.Message)
		var metaCount [4]byte
		binary.LittleEndian.PutUint32(metaCount[:], uint32(len(e.Metadata)))
		buf = append(buf, metaCount[:]...)
		for k, v := range e.Metadata {
			buf = putString(buf, k)
			buf = putString(buf, v)
		}
	}
	return buf
}

func decodeBatch(buf []byte) (entry.Batch, error) {
	if len(buf) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	count := int(binary.LittleEndian.Uint32(buf[:4]))
	offset := 4
	out := make(entry.Batch, 0, count)
	for i := 0; i < count; i++ {
		var category string
		var err error
		category, offset, err = getString(buf, offset)
		if err != nil {
			return nil, err
		}
		var message []byte
		message, offset, err = getBytes(buf, offset)
		if err != nil {
			return nil, err
		}
		if offset+4 > len(buf) {
			return nil, io.ErrUnexpectedEOF
		}
		metaCount := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		var metadata map[string]string
		if metaCount > 0 {
			metadata = make(map[string]string, metaCount)
			for j := 0; j < metaCount; j++ {
				var k, v string
				k, offset, err = getString(buf, offset)
				if err != nil {
					return nil, err
				}
				v, offset, err = getString(buf, offset)
				if err != nil {
					return nil, err
				}
				metadata[k] = v
			}
		}
		out = append(out, &entry.LogEntry{Category: category, Message: message, Metadata: metadata})
	}
	return out, nil
}

// HostPort is a bucket-id to endpoint mapping entry, used by GetMapping.
type HostPort struct {
	Bucket int
	Host   string
	Port   int
}

func encodeMappingRequest(category string) []byte {
	return putString(nil, category)
}

func decodeMappingRequest(buf []byte) (string, error) {
	category, _, err := getString(buf, 0)
	return category, err
}

func encodeMappingReply(mappings []HostPort, ok bool) []byte {
	var okByte byte
	if ok {
		okByte = 1
	}
	buf := []byte{okByte}
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(mappings)))
	buf = append(buf, countBuf[:]...)
	for _, m := range mappings {
		var bidBuf [4]byte
		binary.LittleEndian.PutUint32(bidBuf[:], uint32(m.Bucket))
		buf = append(buf, bidBuf[:]...)
		buf = putString(buf, m.Host)
		var portBuf [4]byte
		binary.LittleEndian.PutUint32(portBuf[:], uint32(m.Port))
		buf = append(buf, portBuf[:]...)
	}
	return buf
}

func decodeMappingReply(buf []byte) ([]HostPort, bool, error) {
	if len(buf) < 5 {
		return nil, false, io.ErrUnexpectedEOF
	}
	ok := buf[0] == 1
	count := int(binary.LittleEndian.Uint32(buf[1:5]))
	offset := 5
	out := make([]HostPort, 0, count)
	for i := 0; i < count; i++ {
		if offset+4 > len(buf) {
			return nil, false, io.ErrUnexpectedEOF
		}
		bid := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		var host string
		var err error
		host, offset, err = getString(buf, offset)
		if err != nil {
			return nil, false, err
		}
		if offset+4 > len(buf) {
			return nil, false, io.ErrUnexpectedEOF
		}
		port := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		out = append(out, HostPort{Bucket: bid, Host: host, Port: port})
	}
	return out, ok, nil
}

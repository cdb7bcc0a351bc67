package cassandra

import (
	"encoding/binary"
	"io"
)

// Compressor is the minimal interface the framer needs from a
// compression algorithm; the compression package's Codec satisfies it.
// Kept here, rather than importing the compression package, so this
// package stays free of a dependency on its own consumer.
type Compressor interface {
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

// Framer reads and writes frames on a byte stream: the 9-byte header
// plus a body of the declared length, with optional whole-body
// compression. It owns no buffering beyond a single frame; pipelining
// multiple in-flight frames is the dispatcher's job (§4.3).
type Framer struct {
	r io.Reader
	w io.Writer

	// MaxFrameLength enforces invariant iv; zero means
	// DefaultMaxFrameLength.
	MaxFrameLength uint32
	// Compressor is nil until compression is negotiated during the
	// handshake; once set, inbound frames with the compression flag
	// set are decompressed and outbound frames whose body is at least
	// compressMinimum bytes are compressed.
	Compressor Compressor
}

// NewFramer wraps a duplex transport. Reads and writes may be driven
// from different goroutines; Framer itself does no synchronisation,
// matching §4.3's "no buffering policy beyond one frame" — whatever
// owns concurrent access (the dispatcher) is responsible for not
// issuing overlapping reads or overlapping writes.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{r: rw, w: rw}
}

func (f *Framer) maxFrameLength() uint32 {
	if f.MaxFrameLength == 0 {
		return DefaultMaxFrameLength
	}
	return f.MaxFrameLength
}

// ReadFrame reads exactly one frame: the 9-byte header, validated per
// invariant iii, then exactly header.length body bytes, decompressed
// if the compression flag is set.
func (f *Framer) ReadFrame() (Frame, error) {
	var header [FrameHeaderLength]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return Frame{}, wrapError(ConnectionClosed, err, "reading frame header")
	}
	version := header[0]
	flags := HeaderFlags(header[1])
	stream := StreamID(int16(binary.BigEndian.Uint16(header[2:4])))
	opcode := Opcode(header[4])
	length := binary.BigEndian.Uint32(header[5:9])

	if version != responseVersionByte {
		return Frame{}, newError(ProtocolViolation, "unexpected version byte 0x%02x (want 0x%02x)", version, responseVersionByte)
	}
	if !opcode.IsResponse() {
		return Frame{}, newError(ProtocolViolation, "opcode 0x%02x is not a known response opcode", opcode)
	}
	if length > f.maxFrameLength() {
		return Frame{}, newError(ProtocolViolation, "frame length %d exceeds limit %d", length, f.maxFrameLength())
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(f.r, body); err != nil {
			return Frame{}, wrapError(ConnectionClosed, err, "reading frame body")
		}
	}

	if flags&FlagCompression != 0 {
		if f.Compressor == nil {
			return Frame{}, newError(ProtocolViolation, "compression flag set but no algorithm was negotiated")
		}
		decompressed, err := f.Compressor.Decompress(body)
		if err != nil {
			return Frame{}, wrapError(BadData, err, "decompressing frame body")
		}
		body = decompressed
	}

	return Frame{Version: version, Flags: flags, Stream: stream, Opcode: opcode, Body: body}, nil
}

// compressMinimum mirrors pysandra's COMPRESS_MINIMUM: frames smaller
// than this are sent uncompressed even when a codec is negotiated,
// since the framing overhead of a negotiated algorithm can exceed the
// savings on a tiny body.
const compressMinimum = 64

// WriteFrame serialises a request frame: header then optionally
// compressed body. STARTUP and OPTIONS must always be written
// uncompressed (handshake requests precede negotiation); callers
// signal that by passing a Framer with a nil Compressor, or by setting
// forceUncompressed.
func (f *Framer) WriteFrame(stream StreamID, opcode Opcode, body []byte, forceUncompressed bool) error {
	flags := HeaderFlags(0)
	outBody := body
	if !forceUncompressed && f.Compressor != nil && len(body) >= compressMinimum {
		flags |= FlagCompression
		outBody = f.Compressor.Compress(body)
	}

	var header [FrameHeaderLength]byte
	header[0] = requestVersionByte
	header[1] = byte(flags)
	binary.BigEndian.PutUint16(header[2:4], uint16(int16(stream)))
	header[4] = byte(opcode)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(outBody)))

	if _, err := f.w.Write(header[:]); err != nil {
		return wrapError(ConnectionClosed, err, "writing frame header")
	}
	if len(outBody) > 0 {
		if _, err := f.w.Write(outBody); err != nil {
			return wrapError(ConnectionClosed, err, "writing frame body")
		}
	}
	return nil
}

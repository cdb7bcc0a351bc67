package cassandra

import (
	"encoding/binary"
	"net"
	"unicode/utf8"

	"github.com/google/uuid"
)

// NullLength and UnsetLength are the two negative [bytes]/[value]
// length sentinels the wire format reserves: -1 marks an explicit
// null, -2 marks "not set" (only meaningful inside a bound value,
// protocol v4+).
const (
	NullLength  int32 = -1
	UnsetLength int32 = -2
)

// Null is the decoded sentinel for a [bytes] value with length -1.
// Unset is the decoded sentinel for length -2. Both are distinct from
// an empty, zero-length value, and must survive an encode/decode
// round trip (testable property 1).
var (
	Null   = &struct{}{}
	Unset  = &struct{}{}
)

// Buffer is the pure byte cursor the codec decodes from. It never
// touches a socket; Dispatcher owns the one place that turns socket
// bytes into a Buffer. Grounded on pysandra.core.SBytes.grab, which
// plays the same role of a slice with a read index that refuses to
// run past its own length.
type Buffer struct {
	data []byte
	pos  int
}

// NewBuffer wraps a byte slice for decoding. The slice is not copied;
// callers must not mutate it while the Buffer is in use.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len reports the number of unread bytes remaining.
func (b *Buffer) Len() int { return len(b.data) - b.pos }

// Remaining returns the unread tail of the buffer without consuming
// it, for the "trailing bytes are a tolerated anomaly" rule in §4.1.
func (b *Buffer) Remaining() []byte { return b.data[b.pos:] }

// AtEnd reports whether every byte has been consumed.
func (b *Buffer) AtEnd() bool { return b.pos == len(b.data) }

func (b *Buffer) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, newError(BadData, "negative length %d", n)
	}
	if b.pos+n > len(b.data) {
		return nil, newError(BadData, "cursor underflow: need %d bytes, have %d", n, b.Len())
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// ReadByte reads an unsigned 8-bit integer.
func (b *Buffer) ReadByte() (byte, error) {
	chunk, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return chunk[0], nil
}

// ReadShort reads an unsigned 16-bit big-endian integer ([short]).
func (b *Buffer) ReadShort() (uint16, error) {
	chunk, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(chunk), nil
}

// ReadInt reads a signed 32-bit big-endian integer ([int]).
func (b *Buffer) ReadInt() (int32, error) {
	chunk, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(chunk)), nil
}

// ReadLong reads a signed 64-bit big-endian integer ([long]).
func (b *Buffer) ReadLong() (int64, error) {
	chunk, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(chunk)), nil
}

// ReadConsistency reads a [consistency] short enum.
func (b *Buffer) ReadConsistency() (Consistency, error) {
	v, err := b.ReadShort()
	if err != nil {
		return 0, err
	}
	return Consistency(v), nil
}

// ReadString reads a [string]: a [short] length followed by UTF-8
// bytes.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadShort()
	if err != nil {
		return "", err
	}
	chunk, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(chunk) {
		return "", newError(BadData, "string is not valid utf-8")
	}
	return string(chunk), nil
}

// ReadLongString reads a [long string]: an [int] length followed by
// UTF-8 bytes.
func (b *Buffer) ReadLongString() (string, error) {
	n, err := b.ReadInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", newError(BadData, "negative long string length %d", n)
	}
	chunk, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(chunk) {
		return "", newError(BadData, "long string is not valid utf-8")
	}
	return string(chunk), nil
}

// ReadUUID reads a [uuid]: 16 raw bytes.
func (b *Buffer) ReadUUID() (uuid.UUID, error) {
	chunk, err := b.take(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var u uuid.UUID
	copy(u[:], chunk)
	return u, nil
}

// ReadStringList reads a [string list]: a [short] count then that
// many [string]s.
func (b *Buffer) ReadStringList() ([]string, error) {
	n, err := b.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadBytes reads a [bytes]: an [int] length n followed by n bytes if
// n >= 0. n == -1 decodes to Null. Because a [bytes] field (as opposed
// to a bound [value]) never carries -2, that sentinel is only produced
// by ReadValue below.
func (b *Buffer) ReadBytes() (any, error) {
	n, err := b.ReadInt()
	if err != nil {
		return nil, err
	}
	if n == NullLength {
		return Null, nil
	}
	if n < 0 {
		return nil, newError(BadData, "invalid [bytes] length %d", n)
	}
	chunk, err := b.take(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	return cp, nil
}

// ReadValue reads a [value]: like [bytes] but also recognises the
// "not set" sentinel at length -2 (protocol v4+ bind values).
func (b *Buffer) ReadValue() (any, error) {
	n, err := b.ReadInt()
	if err != nil {
		return nil, err
	}
	switch {
	case n == NullLength:
		return Null, nil
	case n == UnsetLength:
		return Unset, nil
	case n < 0:
		return nil, newError(BadData, "invalid [value] length %d", n)
	}
	chunk, err := b.take(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	return cp, nil
}

// ReadShortBytes reads a [short bytes]: a [short] length n followed by
// n bytes if n >= 0.
func (b *Buffer) ReadShortBytes() ([]byte, error) {
	n, err := b.ReadShort()
	if err != nil {
		return nil, err
	}
	chunk, err := b.take(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	return cp, nil
}

// ReadInet reads an [inet]: a one-byte address length, the address
// bytes, then a four-byte port.
func (b *Buffer) ReadInet() (Inet, error) {
	n, err := b.ReadByte()
	if err != nil {
		return Inet{}, err
	}
	if n != 4 && n != 16 {
		return Inet{}, newError(BadData, "unsupported inet address length %d", n)
	}
	addr, err := b.take(int(n))
	if err != nil {
		return Inet{}, err
	}
	ip := make(net.IP, len(addr))
	copy(ip, addr)
	port, err := b.ReadInt()
	if err != nil {
		return Inet{}, err
	}
	return Inet{Addr: ip, Port: port}, nil
}

// ReadStringMap reads a [string map]: a [short] count of key/value
// string pairs, preserving wire order.
func (b *Buffer) ReadStringMap() (map[string]string, error) {
	n, err := b.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := 0; i < int(n); i++ {
		k, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// ReadStringMultimap reads a [string multimap]: a [short] count of
// key/string-list pairs.
func (b *Buffer) ReadStringMultimap() (map[string][]string, error) {
	n, err := b.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, n)
	for i := 0; i < int(n); i++ {
		k, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := b.ReadStringList()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Writer accumulates encoded bytes. Encoders append to it; nothing in
// this core ever needs to seek backwards, so a plain growing slice
// suffices (grounded on pysandra.codecs.encode_* returning bytes to
// concatenate).
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteByte appends an unsigned 8-bit integer.
func (w *Writer) WriteByte(v byte) { w.buf = append(w.buf, v) }

// WriteShort appends an unsigned 16-bit big-endian integer.
func (w *Writer) WriteShort(v uint16) {
	w.buf = append(w.buf, byte(v>>8), byte(v))
}

// WriteInt appends a signed 32-bit big-endian integer.
func (w *Writer) WriteInt(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

// WriteLong appends a signed 64-bit big-endian integer.
func (w *Writer) WriteLong(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

// WriteConsistency appends a [consistency] short enum.
func (w *Writer) WriteConsistency(c Consistency) { w.WriteShort(uint16(c)) }

// WriteString appends a [string]: a [short] length then UTF-8 bytes.
func (w *Writer) WriteString(s string) {
	w.WriteShort(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteLongString appends a [long string]: an [int] length then UTF-8
// bytes.
func (w *Writer) WriteLongString(s string) {
	w.WriteInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteUUID appends a [uuid]: 16 raw bytes.
func (w *Writer) WriteUUID(u uuid.UUID) {
	w.buf = append(w.buf, u[:]...)
}

// WriteStringList appends a [string list].
func (w *Writer) WriteStringList(values []string) {
	w.WriteShort(uint16(len(values)))
	for _, v := range values {
		w.WriteString(v)
	}
}

// WriteBytes appends a [bytes]. Passing Null writes length -1.
func (w *Writer) WriteBytes(v any) {
	switch val := v.(type) {
	case nil:
		w.WriteInt(NullLength)
	case []byte:
		w.WriteInt(int32(len(val)))
		w.buf = append(w.buf, val...)
	default:
		if v == Null {
			w.WriteInt(NullLength)
			return
		}
		panic("cassandra: WriteBytes given non-[]byte, non-Null value")
	}
}

// WriteValue appends a [value]: like WriteBytes but also accepts the
// Unset sentinel, writing length -2.
func (w *Writer) WriteValue(v any) {
	if v == Unset {
		w.WriteInt(UnsetLength)
		return
	}
	w.WriteBytes(v)
}

// WriteShortBytes appends a [short bytes].
func (w *Writer) WriteShortBytes(v []byte) {
	w.WriteShort(uint16(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteInet appends an [inet].
func (w *Writer) WriteInet(in Inet) {
	ip4 := in.Addr.To4()
	if ip4 != nil {
		w.WriteByte(4)
		w.buf = append(w.buf, ip4...)
	} else {
		w.WriteByte(16)
		w.buf = append(w.buf, in.Addr.To16()...)
	}
	w.WriteInt(in.Port)
}

// WriteStringMap appends a [string map]. Iteration order follows the
// map's native (random) order; callers that need a stable encode
// (e.g. STARTUP, whose only required key is CQL_VERSION) should pass a
// single-entry map or accept that order is not guaranteed across
// calls.
func (w *Writer) WriteStringMap(m map[string]string) {
	w.WriteShort(uint16(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

// WriteStringMultimap appends a [string multimap].
func (w *Writer) WriteStringMultimap(m map[string][]string) {
	w.WriteShort(uint16(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteStringList(v)
	}
}

package cassandra

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBufferWriterRoundTrip(t *testing.T) {
	u := uuid.New()

	w := NewWriter()
	w.WriteByte(0x2a)
	w.WriteShort(0xbeef)
	w.WriteInt(-12345)
	w.WriteLong(1234567890123)
	w.WriteConsistency(ConsistencyLocalQuorum)
	w.WriteString("hello")
	w.WriteLongString("a longer string with spaces")
	w.WriteUUID(u)
	w.WriteStringList([]string{"a", "bb", "ccc"})
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteShortBytes([]byte{4, 5})
	w.WriteStringMap(map[string]string{"CQL_VERSION": "3.0.0"})

	b := NewBuffer(w.Bytes())

	byteVal, err := b.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x2a), byteVal)

	shortVal, err := b.ReadShort()
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), shortVal)

	intVal, err := b.ReadInt()
	require.NoError(t, err)
	require.Equal(t, int32(-12345), intVal)

	longVal, err := b.ReadLong()
	require.NoError(t, err)
	require.Equal(t, int64(1234567890123), longVal)

	cl, err := b.ReadConsistency()
	require.NoError(t, err)
	require.Equal(t, ConsistencyLocalQuorum, cl)

	s, err := b.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	ls, err := b.ReadLongString()
	require.NoError(t, err)
	require.Equal(t, "a longer string with spaces", ls)

	uv, err := b.ReadUUID()
	require.NoError(t, err)
	require.Equal(t, u, uv)

	list, err := b.ReadStringList()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "bb", "ccc"}, list)

	bytesVal, err := b.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, bytesVal)

	shortBytes, err := b.ReadShortBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{4, 5}, shortBytes)

	strMap, err := b.ReadStringMap()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"CQL_VERSION": "3.0.0"}, strMap)

	require.True(t, b.AtEnd())
}

func TestBufferReadBytesNullSentinel(t *testing.T) {
	w := NewWriter()
	w.WriteBytes(nil)
	b := NewBuffer(w.Bytes())

	v, err := b.ReadBytes()
	require.NoError(t, err)
	require.Same(t, Null, v)
}

func TestBufferReadValueUnsetSentinel(t *testing.T) {
	w := NewWriter()
	w.WriteValue(Unset)
	b := NewBuffer(w.Bytes())

	v, err := b.ReadValue()
	require.NoError(t, err)
	require.Same(t, Unset, v)
}

func TestBufferUnderflow(t *testing.T) {
	b := NewBuffer([]byte{0x01, 0x02})
	_, err := b.ReadInt()
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, BadData, cerr.Kind)
}

func TestBufferRejectsInvalidUTF8(t *testing.T) {
	w := NewWriter()
	w.WriteShort(3)
	w.buf = append(w.buf, 0xff, 0xfe, 0xfd)
	b := NewBuffer(w.Bytes())

	_, err := b.ReadString()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBadData)
}

func TestInetRoundTrip(t *testing.T) {
	w := NewWriter()
	in := Inet{Addr: []byte{127, 0, 0, 1}, Port: 9042}
	w.WriteInet(in)
	b := NewBuffer(w.Bytes())

	got, err := b.ReadInet()
	require.NoError(t, err)
	require.Equal(t, int32(9042), got.Port)
	require.True(t, got.Addr.Equal(in.Addr))
}

func TestStringMultimapRoundTrip(t *testing.T) {
	w := NewWriter()
	m := map[string][]string{"COMPRESSION": {"snappy", "lz4"}}
	w.WriteStringMultimap(m)
	b := NewBuffer(w.Bytes())

	got, err := b.ReadStringMultimap()
	require.NoError(t, err)
	require.Equal(t, m, got)
}

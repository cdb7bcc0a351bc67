package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/burmanm/cassnet/cassandra"
	"github.com/burmanm/cassnet/compression"
)

// serverSide plays the server on one half of a net.Pipe. It frames by
// hand because cassandra.Framer only reads responses and writes
// requests; every frame it reads or writes is uncompressed.
type serverSide struct {
	conn net.Conn
}

func (s *serverSide) expect(t *testing.T, opcode cassandra.Opcode) cassandra.Frame {
	t.Helper()
	var header [cassandra.FrameHeaderLength]byte
	_, err := io.ReadFull(s.conn, header[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(header[5:9]))
	_, err = io.ReadFull(s.conn, body)
	require.NoError(t, err)
	frame := cassandra.Frame{
		Version: header[0],
		Flags:   cassandra.HeaderFlags(header[1]),
		Stream:  cassandra.StreamID(int16(binary.BigEndian.Uint16(header[2:4]))),
		Opcode:  cassandra.Opcode(header[4]),
		Body:    body,
	}
	require.Equal(t, opcode, frame.Opcode)
	return frame
}

func (s *serverSide) reply(t *testing.T, stream cassandra.StreamID, opcode cassandra.Opcode, body []byte) {
	t.Helper()
	frame := make([]byte, cassandra.FrameHeaderLength, cassandra.FrameHeaderLength+len(body))
	frame[0] = 0x80 | cassandra.ProtocolVersion
	binary.BigEndian.PutUint16(frame[2:4], uint16(stream))
	frame[4] = byte(opcode)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(body)))
	_, err := s.conn.Write(append(frame, body...))
	require.NoError(t, err)
}

func dialPipe(t *testing.T) (net.Conn, *serverSide) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })
	return clientConn, &serverSide{conn: serverConn}
}

func TestConnectHandshakeReachesReady(t *testing.T) {
	clientConn, server := dialPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame := server.expect(t, cassandra.OpStartup)
		server.reply(t, frame.Stream, cassandra.OpReady, nil)
	}()

	s, err := Connect(context.Background(), clientConn, WithCompression(nil))
	require.NoError(t, err)
	require.NotNil(t, s)
	<-done
}

func TestConnectFailsOnAuthenticate(t *testing.T) {
	clientConn, server := dialPipe(t)

	go func() {
		frame := server.expect(t, cassandra.OpStartup)
		w := cassandra.NewWriter()
		w.WriteString("com.example.SomeAuthenticator")
		server.reply(t, frame.Stream, cassandra.OpAuthenticate, w.Bytes())
	}()

	_, err := Connect(context.Background(), clientConn, WithCompression(nil))
	require.Error(t, err)

	var cerr *cassandra.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, cassandra.Unsupported, cerr.Kind)
}

func TestConnectFailsOnHandshakeTimeout(t *testing.T) {
	clientConn, _ := dialPipe(t)

	_, err := Connect(context.Background(), clientConn, WithHandshakeTimeout(20*time.Millisecond))
	require.Error(t, err)

	var cerr *cassandra.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, cassandra.HandshakeTimeout, cerr.Kind)
}

func connectReady(t *testing.T) (*Session, *serverSide) {
	t.Helper()
	clientConn, server := dialPipe(t)

	handshakeDone := make(chan struct{})
	go func() {
		defer close(handshakeDone)
		frame := server.expect(t, cassandra.OpStartup)
		server.reply(t, frame.Stream, cassandra.OpReady, nil)
	}()

	s, err := Connect(context.Background(), clientConn, WithCompression(nil))
	require.NoError(t, err)
	<-handshakeDone
	return s, server
}

func TestExecuteSendsQueryWhenNotPrepared(t *testing.T) {
	s, server := connectReady(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame := server.expect(t, cassandra.OpQuery)
		w := cassandra.NewWriter()
		w.WriteInt(int32(cassandra.ResultVoid))
		server.reply(t, frame.Stream, cassandra.OpResult, w.Bytes())
	}()

	res, err := s.Execute(context.Background(), "SELECT * FROM t", nil, cassandra.ConsistencyOne)
	require.NoError(t, err)
	require.Equal(t, cassandra.ResultVoid, res.Raw.Kind)
	<-done
}

func TestPrepareThenExecuteUsesCachedHandle(t *testing.T) {
	s, server := connectReady(t)
	const query = "SELECT * FROM t WHERE id = ?"

	prepDone := make(chan struct{})
	go func() {
		defer close(prepDone)
		frame := server.expect(t, cassandra.OpPrepare)

		w := cassandra.NewWriter()
		w.WriteInt(int32(cassandra.ResultPrepared))
		w.WriteShortBytes([]byte{0x01})
		w.WriteInt(0)
		w.WriteInt(1)
		w.WriteInt(0)
		w.WriteString("ks")
		w.WriteString("t")
		w.WriteString("id")
		w.WriteShort(uint16(cassandra.OptionInt))
		w.WriteInt(int32(cassandra.ResultFlagNoMetadata))
		w.WriteInt(0)
		server.reply(t, frame.Stream, cassandra.OpResult, w.Bytes())
	}()

	handle, err := s.Prepare(context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, handle.ID)
	<-prepDone

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		frame := server.expect(t, cassandra.OpExecute)
		w := cassandra.NewWriter()
		w.WriteInt(int32(cassandra.ResultVoid))
		server.reply(t, frame.Stream, cassandra.OpResult, w.Bytes())
	}()

	_, err = s.Execute(context.Background(), query, []any{[]byte{0, 0, 0, 1}}, cassandra.ConsistencyOne)
	require.NoError(t, err)
	<-execDone
}

func TestExecutePreparedRejectsArityMismatch(t *testing.T) {
	s, server := connectReady(t)
	const query = "SELECT * FROM t WHERE id = ?"

	prepDone := make(chan struct{})
	go func() {
		defer close(prepDone)
		frame := server.expect(t, cassandra.OpPrepare)
		w := cassandra.NewWriter()
		w.WriteInt(int32(cassandra.ResultPrepared))
		w.WriteShortBytes([]byte{0x02})
		w.WriteInt(0)
		w.WriteInt(1)
		w.WriteInt(0)
		w.WriteString("ks")
		w.WriteString("t")
		w.WriteString("id")
		w.WriteShort(uint16(cassandra.OptionInt))
		w.WriteInt(int32(cassandra.ResultFlagNoMetadata))
		w.WriteInt(0)
		server.reply(t, frame.Stream, cassandra.OpResult, w.Bytes())
	}()

	_, err := s.Prepare(context.Background(), query)
	require.NoError(t, err)
	<-prepDone

	_, err = s.Execute(context.Background(), query, nil, cassandra.ConsistencyOne)
	require.Error(t, err)
	var cerr *cassandra.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, cassandra.BadParameter, cerr.Kind)
}

func TestRegisterSubscribesBeforeReadyAcknowledged(t *testing.T) {
	s, server := connectReady(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame := server.expect(t, cassandra.OpRegister)
		server.reply(t, frame.Stream, cassandra.OpReady, nil)
	}()

	streams, err := s.Register(context.Background(), []cassandra.EventCategory{cassandra.EventSchemaChange})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Equal(t, cassandra.EventSchemaChange, streams[0].Category)
	<-done
}

func TestCompressionNegotiationDefaultOfferIsLZ4(t *testing.T) {
	clientConn, server := dialPipe(t)

	startupOpts := make(chan cassandra.StartupOptions, 1)
	go func() {
		frame := server.expect(t, cassandra.OpStartup)
		b := cassandra.NewBuffer(frame.Body)
		m, err := b.ReadStringMap()
		require.NoError(t, err)
		startupOpts <- cassandra.StartupOptions{Compression: m["COMPRESSION"]}
		server.reply(t, frame.Stream, cassandra.OpReady, nil)
	}()

	_, err := Connect(context.Background(), clientConn, WithCompression(compression.Default()))
	require.NoError(t, err)

	opts := <-startupOpts
	require.Equal(t, "lz4", opts.Compression)
}

package dispatcher

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/burmanm/cassnet/cassandra"
)

// serverSide wraps the half of a net.Pipe the test drives directly,
// reading request frames and writing scripted response frames,
// standing in for the real server the dispatcher talks to. It frames by
// hand because cassandra.Framer only reads responses and writes
// requests.
type serverSide struct {
	conn net.Conn
}

func newPipe(t *testing.T) (*Dispatcher, *serverSide) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	d := New(clientConn, clientConn, zerolog.Nop())
	t.Cleanup(func() { _ = d.Close() })

	return d, &serverSide{conn: serverConn}
}

// readRequest reads one uncompressed request frame from the client.
func (s *serverSide) readRequest() (cassandra.Frame, error) {
	var header [cassandra.FrameHeaderLength]byte
	if _, err := io.ReadFull(s.conn, header[:]); err != nil {
		return cassandra.Frame{}, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header[5:9]))
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return cassandra.Frame{}, err
	}
	return cassandra.Frame{
		Version: header[0],
		Flags:   cassandra.HeaderFlags(header[1]),
		Stream:  cassandra.StreamID(int16(binary.BigEndian.Uint16(header[2:4]))),
		Opcode:  cassandra.Opcode(header[4]),
		Body:    body,
	}, nil
}

// writeResponse writes one uncompressed response frame to the client.
func (s *serverSide) writeResponse(stream cassandra.StreamID, opcode cassandra.Opcode, body []byte) error {
	frame := make([]byte, cassandra.FrameHeaderLength, cassandra.FrameHeaderLength+len(body))
	frame[0] = 0x80 | cassandra.ProtocolVersion
	binary.BigEndian.PutUint16(frame[2:4], uint16(stream))
	frame[4] = byte(opcode)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(body)))
	_, err := s.conn.Write(append(frame, body...))
	return err
}

func (s *serverSide) respondTo(t *testing.T, opcode cassandra.Opcode, body []byte) cassandra.StreamID {
	t.Helper()
	frame, err := s.readRequest()
	require.NoError(t, err)
	require.Equal(t, opcode, frame.Opcode)
	err = s.writeResponse(frame.Stream, cassandra.OpResult, body)
	require.NoError(t, err)
	return frame.Stream
}

func TestSubmitRoundTrip(t *testing.T) {
	d, server := newPipe(t)
	d.SetState(StateReady)

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.respondTo(t, cassandra.OpQuery, []byte("payload"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frameCh, errCh, err := d.Submit(ctx, cassandra.OpQuery, []byte("SELECT 1"))
	require.NoError(t, err)

	select {
	case frame := <-frameCh:
		require.Equal(t, []byte("payload"), frame.Body)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for response")
	}
	<-done
}

func TestSubmitOnStreamUsesFixedStream(t *testing.T) {
	d, server := newPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		stream := server.respondTo(t, cassandra.OpStartup, nil)
		require.Equal(t, cassandra.StreamID(0), stream)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frameCh, errCh, err := d.SubmitOnStream(ctx, 0, cassandra.OpStartup, nil, true)
	require.NoError(t, err)

	select {
	case frame := <-frameCh:
		require.Equal(t, cassandra.StreamID(0), frame.Stream)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	}
	<-done
}

func TestCloseFailsOutstandingWaiters(t *testing.T) {
	d, _ := newPipe(t)
	d.SetState(StateReady)

	ctx := context.Background()
	_, errCh, err := d.Submit(ctx, cassandra.OpQuery, []byte("SELECT 1"))
	require.NoError(t, err)

	require.NoError(t, d.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, cassandra.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was never failed")
	}
}

func TestEventSubscribersAreIsolatedByCategory(t *testing.T) {
	d, server := newPipe(t)

	topology := d.Subscribe(cassandra.EventTopologyChange)
	status := d.Subscribe(cassandra.EventStatusChange)

	w := cassandra.NewWriter()
	w.WriteString("TOPOLOGY_CHANGE")
	w.WriteString(string(cassandra.TopologyNewNode))
	w.WriteInet(cassandra.Inet{Addr: []byte{10, 0, 0, 1}, Port: 9042})

	go func() {
		_ = server.writeResponse(cassandra.EventStreamID, cassandra.OpEvent, w.Bytes())
	}()

	select {
	case ev := <-topology:
		require.Equal(t, cassandra.EventTopologyChange, ev.Category)
	case <-time.After(time.Second):
		t.Fatal("topology subscriber never received the event")
	}

	select {
	case <-status:
		t.Fatal("status subscriber should not have received a topology event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamIDIsReturnedToPoolAfterResponse(t *testing.T) {
	d, server := newPipe(t)
	d.SetState(StateReady)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() { server.respondTo(t, cassandra.OpQuery, nil) }()
	frameCh, _, err := d.Submit(ctx, cassandra.OpQuery, nil)
	require.NoError(t, err)
	<-frameCh
	require.Len(t, d.streamPool, int(cassandra.MaxStreamID)+1)

	select {
	case s := <-d.streamPool:
		d.streamPool <- s
	case <-time.After(time.Second):
		t.Fatal("stream id was never returned to the pool")
	}
}

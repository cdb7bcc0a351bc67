// Package dispatcher implements the single-connection I/O loop: the
// half-duplex correlation engine over the full-duplex transport
// described in the protocol core's component design (§4.4). It owns
// the transport, the stream-id pool, the waiter table, and the event
// subscriber lists; everything above it talks through Submit and
// Subscribe.
package dispatcher

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/burmanm/cassnet/cassandra"
)

// State is the per-connection state machine from §4.4.
type State int32

const (
	StateConnecting State = iota
	StateStartupSent
	StateReady
	StateAuthRequired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStartupSent:
		return "startup_sent"
	case StateReady:
		return "ready"
	case StateAuthRequired:
		return "auth_required"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingWrite is one frame queued for the write loop, grounded on
// pysandra.dispatcher.Dispatcher.send enqueuing onto a single writer.
type pendingWrite struct {
	stream            cassandra.StreamID
	opcode            cassandra.Opcode
	body              []byte
	forceUncompressed bool
	errCh             chan error
}

// waiter is the one-shot sink a submitter blocks on, grounded on
// pysandra.core.Streams pairing a stream id with a response slot
// (Design Note 3: one-shot channel rather than a stored Future).
type waiter struct {
	frameCh chan cassandra.Frame
	errCh   chan error
}

// Dispatcher is the single-connection engine described by §4.4. Every
// exported method is safe to call concurrently from any goroutine.
// Stream ids are drawn from the pool only by the registrar goroutine,
// which submitters reach through a channel; the waiter table, state and
// subscriber lists are guarded by mu, since the registrar, the read and
// write loops, and callers of SetState/Subscribe all touch them.
type Dispatcher struct {
	framer *cassandra.Framer
	conn   io.Closer
	log    zerolog.Logger

	streamPool chan cassandra.StreamID
	submitCh   chan submitRequest
	writeCh    chan pendingWrite

	mu      sync.Mutex
	state   State
	waiters map[cassandra.StreamID]waiter
	subs    map[cassandra.EventCategory][]chan cassandra.Event
	closeErr error

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

type submitRequest struct {
	opcode            cassandra.Opcode
	body              []byte
	forceUncompressed bool
	stream            cassandra.StreamID // only meaningful when fixedStream is true
	fixedStream       bool
	resultCh          chan submitResult
}

type submitResult struct {
	frameCh chan cassandra.Frame
	errCh   chan error
	stream  cassandra.StreamID
	err     error
}

// New constructs a Dispatcher over an already-connected transport. It
// does not perform the handshake; that is the session package's job.
// The returned Dispatcher starts its read and write loops immediately
// so a STARTUP frame can be submitted on stream 0.
func New(rw io.ReadWriter, conn io.Closer, log zerolog.Logger) *Dispatcher {
	pool := make(chan cassandra.StreamID, int(cassandra.MaxStreamID)+1)
	for i := 0; i <= int(cassandra.MaxStreamID); i++ {
		pool <- cassandra.StreamID(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	d := &Dispatcher{
		framer:     cassandra.NewFramer(rw),
		conn:       conn,
		log:        log,
		streamPool: pool,
		submitCh:   make(chan submitRequest),
		writeCh:    make(chan pendingWrite, 64),
		state:      StateConnecting,
		waiters:    make(map[cassandra.StreamID]waiter),
		subs:       make(map[cassandra.EventCategory][]chan cassandra.Event),
		cancel:     cancel,
		group:      group,
		done:       make(chan struct{}),
	}

	group.Go(func() error { return d.readLoop(ctx) })
	group.Go(func() error { return d.writeLoop(ctx) })
	group.Go(func() error { return d.registrar(ctx) })

	go func() {
		_ = group.Wait()
		d.fail(cassandra.ErrConnectionClosed)
		close(d.done)
	}()

	return d
}

// SetCompressor installs the negotiated compressor on the framer. Must
// only be called by the session during the handshake, before any
// frame after STARTUP/READY is exchanged (Open Question 2: READY
// itself is never compressed).
func (d *Dispatcher) SetCompressor(c cassandra.Compressor) {
	d.framer.Compressor = c
}

// SetState transitions the connection's state machine. Exported for
// the session package, which alone knows when STARTUP was sent and
// when READY/AUTHENTICATE arrived.
func (d *Dispatcher) SetState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State reports the current connection state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed once the dispatcher has fully torn down: both loops
// exited and every waiter has been failed.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Submit allocates a stream id, writes the frame, and returns two
// channels: one that receives exactly one response Frame, and one that
// receives the error (then is closed) if the connection fails or is
// closed before the response arrives. Suspends while the stream pool is
// empty, satisfying §8 property 3.
func (d *Dispatcher) Submit(ctx context.Context, opcode cassandra.Opcode, body []byte) (<-chan cassandra.Frame, <-chan error, error) {
	if d.State() == StateClosed {
		return nil, nil, cassandra.ErrConnectionClosed
	}
	req := submitRequest{opcode: opcode, body: body, resultCh: make(chan submitResult, 1)}
	select {
	case d.submitCh <- req:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-d.done:
		return nil, nil, cassandra.ErrConnectionClosed
	}
	select {
	case res := <-req.resultCh:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.frameCh, res.errCh, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-d.done:
		return nil, nil, cassandra.ErrConnectionClosed
	}
}

// SubmitOnStream writes a frame on a caller-chosen stream id without
// drawing from the pool, used exactly once by the session for the
// STARTUP request on stream 0 before the pool's ownership model
// applies.
func (d *Dispatcher) SubmitOnStream(ctx context.Context, stream cassandra.StreamID, opcode cassandra.Opcode, body []byte, forceUncompressed bool) (<-chan cassandra.Frame, <-chan error, error) {
	req := submitRequest{opcode: opcode, body: body, forceUncompressed: forceUncompressed, stream: stream, fixedStream: true, resultCh: make(chan submitResult, 1)}
	select {
	case d.submitCh <- req:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.frameCh, res.errCh, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Subscribe registers interest in a category of server-pushed events
// and returns the channel events of that category are delivered on.
// The channel is unbounded (backed by a goroutine-fed buffer) so a
// slow subscriber never blocks the dispatcher's read loop, the default
// policy from §4.4.
func (d *Dispatcher) Subscribe(category cassandra.EventCategory) <-chan cassandra.Event {
	ch := newUnboundedEventChan()
	d.mu.Lock()
	d.subs[category] = append(d.subs[category], ch.in)
	d.mu.Unlock()
	return ch.out
}

// Close fails every outstanding waiter with ConnectionClosed and tears
// down the transport, satisfying §8 property 7.
func (d *Dispatcher) Close() error {
	// cancel stops the registrar and an idle write loop; closing the
	// transport is what unblocks the read loop (and a write in
	// progress), which are parked in blocking I/O rather than selecting
	// on ctx.
	d.cancel()
	err := d.conn.Close()
	<-d.done
	return err
}

func (d *Dispatcher) fail(err error) {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return
	}
	d.state = StateClosed
	d.closeErr = err
	waiters := d.waiters
	d.waiters = make(map[cassandra.StreamID]waiter)
	subs := d.subs
	d.subs = make(map[cassandra.EventCategory][]chan cassandra.Event)
	d.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.errCh <- err:
		default:
		}
		close(w.errCh)
	}
	for _, chans := range subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}

// registrar is the single goroutine that draws ids from streamPool,
// installs waiters (under mu) and enqueues writes, so stream
// allocation, waiter installation and the write happen as one step
// from the caller's point of view. The read loop returns ids to the
// pool and removes waiters.
func (d *Dispatcher) registrar(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.submitCh:
			d.handleSubmit(ctx, req)
		}
	}
}

func (d *Dispatcher) handleSubmit(ctx context.Context, req submitRequest) {
	var stream cassandra.StreamID
	if req.fixedStream {
		stream = req.stream
	} else {
		select {
		case stream = <-d.streamPool:
		case <-ctx.Done():
			req.resultCh <- submitResult{err: ctx.Err()}
			return
		case <-d.done:
			req.resultCh <- submitResult{err: cassandra.ErrConnectionClosed}
			return
		}
	}

	frameCh := make(chan cassandra.Frame, 1)
	errCh := make(chan error, 1)
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		if !req.fixedStream {
			d.streamPool <- stream
		}
		req.resultCh <- submitResult{err: cassandra.ErrConnectionClosed}
		return
	}
	d.waiters[stream] = waiter{frameCh: frameCh, errCh: errCh}
	d.mu.Unlock()

	write := pendingWrite{stream: stream, opcode: req.opcode, body: req.body, forceUncompressed: req.forceUncompressed, errCh: make(chan error, 1)}
	select {
	case d.writeCh <- write:
	case <-ctx.Done():
	}

	req.resultCh <- submitResult{frameCh: frameCh, errCh: errCh, stream: stream}
}

// writeLoop serialises frame writes one at a time (§4.4 write path):
// concurrent submitters queue on writeCh rather than racing the
// transport.
func (d *Dispatcher) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-d.writeCh:
			err := d.framer.WriteFrame(w.stream, w.opcode, w.body, w.forceUncompressed)
			if err != nil {
				d.failWaiter(w.stream, err)
				return err
			}
		}
	}
}

func (d *Dispatcher) failWaiter(stream cassandra.StreamID, err error) {
	d.mu.Lock()
	w, ok := d.waiters[stream]
	if ok {
		delete(d.waiters, stream)
	}
	d.mu.Unlock()
	if ok {
		w.errCh <- err
		close(w.errCh)
	}
}

// readLoop is the single read task from §4.4: repeatedly read one
// frame, route it to the waiter named by its stream id, or fan it out
// to event subscribers when the stream id is the event sentinel.
func (d *Dispatcher) readLoop(ctx context.Context) error {
	for {
		frame, err := d.framer.ReadFrame()
		if err != nil {
			return err
		}

		if frame.Stream == cassandra.EventStreamID {
			d.dispatchEvent(frame)
			continue
		}

		d.mu.Lock()
		w, ok := d.waiters[frame.Stream]
		if ok {
			delete(d.waiters, frame.Stream)
		}
		d.mu.Unlock()

		if !ok {
			// The server replied on a stream id we never allocated:
			// the allocator and the server disagree, which is a
			// protocol violation fatal to the connection (§4.4
			// tie-break).
			return cassandra.ErrProtocolViolation
		}

		select {
		case d.streamPool <- frame.Stream:
		default:
			// The pool is already full when the freed id was not
			// drawn from it: the fixed stream 0 used by
			// SubmitOnStream for STARTUP, answered while no pooled
			// id is in flight. That id is then dropped here rather
			// than blocking the read loop.
		}

		w.frameCh <- frame
		close(w.frameCh)
	}
}

func (d *Dispatcher) dispatchEvent(frame cassandra.Frame) {
	ev, err := cassandra.DecodeEvent(frame.Body)
	if err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed EVENT frame")
		return
	}
	d.mu.Lock()
	chans := append([]chan cassandra.Event(nil), d.subs[ev.Category]...)
	d.mu.Unlock()
	for _, ch := range chans {
		ch <- ev
	}
}

type unboundedEventChan struct {
	in  chan cassandra.Event
	out chan cassandra.Event
}

// newUnboundedEventChan returns a channel pair backed by an internal
// goroutine holding a growing slice buffer, so sends on in never block
// regardless of whether anything is reading out (Design Note 4: each
// subscriber gets this instead of a bounded channel, matching the
// source's "unbounded channel, drop nothing" policy).
func newUnboundedEventChan() *unboundedEventChan {
	p := &unboundedEventChan{in: make(chan cassandra.Event), out: make(chan cassandra.Event)}
	go func() {
		defer close(p.out)
		var buf []cassandra.Event
		for {
			if len(buf) == 0 {
				ev, ok := <-p.in
				if !ok {
					return
				}
				buf = append(buf, ev)
			}
			select {
			case ev, ok := <-p.in:
				if !ok {
					for _, b := range buf {
						p.out <- b
					}
					return
				}
				buf = append(buf, ev)
			case p.out <- buf[0]:
				buf = buf[1:]
			}
		}
	}()
	return p
}

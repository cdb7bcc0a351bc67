// Package session is the thin coordinator described in §4.5: it
// drives the startup handshake, owns the prepared-statement cache, and
// exposes the execute/prepare/register surface applications call.
// Everything below it (wire codec, framing, dispatch) lives in the
// cassandra and dispatcher packages; session never encodes a byte
// itself.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burmanm/cassnet/cassandra"
	"github.com/burmanm/cassnet/compression"
	"github.com/burmanm/cassnet/dispatcher"
)

// Config holds the connection-level choices a caller makes before
// connect, the Go rendering of pysandra.connection.Connection's
// constructor options plus the handshake/request timeouts from
// pysandra.constants.
type Config struct {
	CQLVersion       string
	Compression      *compression.Registry
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Logger           zerolog.Logger
}

// Option mutates a Config; functional-options, the same shape
// luma-pharos and vango-go-vango use for their server configs.
type Option func(*Config)

// WithCQLVersion overrides the CQL_VERSION STARTUP option (defaults to
// "3.0.0", the value pysandra.constants.CQL_VERSION uses).
func WithCQLVersion(v string) Option { return func(c *Config) { c.CQLVersion = v } }

// WithCompression sets which compression algorithms this session will
// offer the server during STARTUP negotiation. Pass nil to disable
// compression outright.
func WithCompression(r *compression.Registry) Option {
	return func(c *Config) { c.Compression = r }
}

// WithHandshakeTimeout overrides how long connect() waits for the
// STARTUP/READY exchange before failing with HandshakeTimeout (§5;
// default 10s).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}

// WithRequestTimeout sets the default deadline execute/prepare/
// register race their response against when the caller's context
// carries none of its own.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithLogger installs a structured logger; the zero value discards
// everything.
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		CQLVersion:       "3.0.0",
		Compression:      compression.Default(),
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

// preparedEntry caches a server-assigned prepared statement handle
// under the query text that produced it, for the lifetime of the
// connection (data model: "Prepared-statement cache entry").
type preparedEntry struct {
	id           []byte
	bindColumns  []cassandra.ColumnSpec
	resultMeta   cassandra.RowsMetadata
}

// PreparedHandle is what prepare() hands back to a caller: enough to
// build an EXECUTE without going back to the cache.
type PreparedHandle struct {
	ID          []byte
	BindColumns []cassandra.ColumnSpec
	ResultMeta  cassandra.RowsMetadata
}

// Result is what execute() hands back: either rows, or the void/
// set-keyspace/schema-change shape the server returned.
type Result struct {
	Raw cassandra.Result
}

// Rows exposes the row data when the result carries any, or nil.
func (r Result) Rows() []cassandra.Row {
	if r.Raw.Rows == nil {
		return nil
	}
	return r.Raw.Rows.Rows
}

// Metadata exposes column metadata when the result carries rows.
func (r Result) Metadata() cassandra.RowsMetadata {
	if r.Raw.Rows == nil {
		return cassandra.RowsMetadata{}
	}
	return r.Raw.Rows.Metadata
}

// EventStream is a consumer handle for one registered event category.
type EventStream struct {
	Category EventCategory
	ch       <-chan cassandra.Event
}

type EventCategory = cassandra.EventCategory

// Next blocks for the next event of this category, or returns
// ok == false once the connection has closed.
func (s EventStream) Next(ctx context.Context) (cassandra.Event, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	case <-ctx.Done():
		return cassandra.Event{}, false
	}
}

// Session is the caller-facing surface from §4.5.
type Session struct {
	cfg    Config
	disp   *dispatcher.Dispatcher
	log    zerolog.Logger

	mu       sync.Mutex
	prepared map[string]*preparedEntry
}

// Connect opens the handshake over an already-established transport
// (TLS or plain TCP is the caller's concern per §1/§6) and drives
// STARTUP to completion. It never dials a socket itself.
func Connect(ctx context.Context, transport io.ReadWriteCloser, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		prepared: make(map[string]*preparedEntry),
	}

	s.disp = dispatcher.New(transport, transport, cfg.Logger)

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	if err := s.startup(hctx); err != nil {
		_ = s.disp.Close()
		if hctx.Err() != nil {
			return nil, &cassandra.Error{Kind: cassandra.HandshakeTimeout, Msg: "handshake did not complete in time"}
		}
		return nil, err
	}
	return s, nil
}

func (s *Session) startup(ctx context.Context) error {
	s.disp.SetState(dispatcher.StateConnecting)

	opts := cassandra.StartupOptions{CQLVersion: s.cfg.CQLVersion}
	if s.cfg.Compression != nil {
		names := s.cfg.Compression.Names()
		if len(names) > 0 {
			// No OPTIONS request precedes STARTUP, so the offer is not
			// intersected with the server's SUPPORTED list: the
			// most-preferred algorithm is offered. A READY reply
			// installs that codec; an ERROR reply fails Connect.
			opts.Compression = names[0]
		}
	}
	body := cassandra.EncodeStartup(opts)

	frameCh, errCh, err := s.disp.SubmitOnStream(ctx, 0, cassandra.OpStartup, body, true)
	if err != nil {
		return err
	}
	s.disp.SetState(dispatcher.StateStartupSent)

	select {
	case frame := <-frameCh:
		return s.handleStartupResponse(frame, opts)
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleStartupResponse(frame cassandra.Frame, opts cassandra.StartupOptions) error {
	switch frame.Opcode {
	case cassandra.OpReady:
		if opts.Compression != "" {
			if codec, ok := s.cfg.Compression.Get(opts.Compression); ok {
				s.disp.SetCompressor(codec)
			}
		}
		s.disp.SetState(dispatcher.StateReady)
		return nil
	case cassandra.OpAuthenticate:
		auth, err := cassandra.DecodeAuthenticate(frame.Body)
		if err != nil {
			return err
		}
		s.disp.SetState(dispatcher.StateAuthRequired)
		return &cassandra.Error{Kind: cassandra.Unsupported, Msg: fmt.Sprintf("server requires authenticator %q, which this core does not negotiate", auth.Authenticator)}
	case cassandra.OpError:
		detail, err := cassandra.DecodeError(frame.Body)
		if err != nil {
			return err
		}
		return &cassandra.Error{Kind: cassandra.ServerError, Msg: detail.Message, Code: int32(detail.Code)}
	default:
		return &cassandra.Error{Kind: cassandra.ProtocolViolation, Msg: fmt.Sprintf("unexpected opcode %s in response to STARTUP", frame.Opcode)}
	}
}

// Options sends an OPTIONS request and returns the server's SUPPORTED
// options. It is only available on a Session that Connect has already
// brought to Ready, so it does not influence the COMPRESSION value
// Connect offered.
func (s *Session) Options(ctx context.Context) (cassandra.Supported, error) {
	frame, err := s.roundTrip(ctx, cassandra.OpOptions, cassandra.EncodeOptions())
	if err != nil {
		return cassandra.Supported{}, err
	}
	if frame.Opcode != cassandra.OpSupported {
		return cassandra.Supported{}, s.unexpectedOpcode(frame, cassandra.OpSupported)
	}
	return cassandra.DecodeSupported(frame.Body)
}

func (s *Session) roundTrip(ctx context.Context, opcode cassandra.Opcode, body []byte) (cassandra.Frame, error) {
	if s.disp.State() != dispatcher.StateReady {
		return cassandra.Frame{}, cassandra.ErrConnectionClosed
	}
	ctx, cancel := s.withDefaultTimeout(ctx)
	defer cancel()

	frameCh, errCh, err := s.disp.Submit(ctx, opcode, body)
	if err != nil {
		return cassandra.Frame{}, err
	}
	select {
	case frame := <-frameCh:
		return frame, nil
	case err := <-errCh:
		return cassandra.Frame{}, err
	case <-ctx.Done():
		return cassandra.Frame{}, ctx.Err()
	}
}

func (s *Session) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

func (s *Session) unexpectedOpcode(frame cassandra.Frame, want cassandra.Opcode) error {
	if frame.Opcode == cassandra.OpError {
		if detail, err := cassandra.DecodeError(frame.Body); err == nil {
			return &cassandra.Error{Kind: cassandra.ServerError, Msg: detail.Message, Code: int32(detail.Code)}
		}
	}
	return &cassandra.Error{Kind: cassandra.ProtocolViolation, Msg: fmt.Sprintf("expected opcode %s, got %s", want, frame.Opcode)}
}

// Execute builds and sends either QUERY or, if a prepared handle for
// this exact text already exists in this connection's cache, EXECUTE,
// and decodes whatever RESULT comes back (§4.5).
func (s *Session) Execute(ctx context.Context, query string, params []any, consistency cassandra.Consistency) (Result, error) {
	s.mu.Lock()
	entry, cached := s.prepared[query]
	s.mu.Unlock()

	if cached {
		return s.executePrepared(ctx, entry, params, consistency)
	}
	return s.executeQuery(ctx, query, params, consistency)
}

func (s *Session) executeQuery(ctx context.Context, query string, params []any, consistency cassandra.Consistency) (Result, error) {
	qp := cassandra.QueryParams{Consistency: consistency, Values: params}
	frame, err := s.roundTrip(ctx, cassandra.OpQuery, cassandra.EncodeQuery(query, qp))
	if err != nil {
		return Result{}, err
	}
	return s.decodeExecuteResponse(frame)
}

func (s *Session) executePrepared(ctx context.Context, entry *preparedEntry, params []any, consistency cassandra.Consistency) (Result, error) {
	if err := checkArity(entry.bindColumns, params); err != nil {
		return Result{}, err
	}
	qp := cassandra.QueryParams{Consistency: consistency, Values: params}
	frame, err := s.roundTrip(ctx, cassandra.OpExecute, cassandra.EncodeExecute(entry.id, qp))
	if err != nil {
		return Result{}, err
	}
	return s.decodeExecuteResponse(frame)
}

func (s *Session) decodeExecuteResponse(frame cassandra.Frame) (Result, error) {
	switch frame.Opcode {
	case cassandra.OpResult:
		res, err := cassandra.DecodeResult(frame.Body)
		if err != nil {
			return Result{}, err
		}
		return Result{Raw: res}, nil
	case cassandra.OpError:
		detail, err := cassandra.DecodeError(frame.Body)
		if err != nil {
			return Result{}, err
		}
		return Result{}, &cassandra.Error{Kind: cassandra.ServerError, Msg: detail.Message, Code: int32(detail.Code)}
	default:
		return Result{}, s.unexpectedOpcode(frame, cassandra.OpResult)
	}
}

// checkArity is the BadParameter gate from §4.5: a parameter count
// that differs from the prepared statement's bind column specs is
// caught before any I/O occurs. Only the count is checked; values are
// not checked against the declared column types, so a mismatched value
// is surfaced by the server's own ERROR response.
func checkArity(bindColumns []cassandra.ColumnSpec, params []any) error {
	if len(bindColumns) != len(params) {
		return &cassandra.Error{Kind: cassandra.BadParameter, Msg: fmt.Sprintf("expected %d bind parameters, got %d", len(bindColumns), len(params))}
	}
	return nil
}

// Prepare sends PREPARE, caches the result under the query text, and
// returns the handle (§4.5).
func (s *Session) Prepare(ctx context.Context, query string) (PreparedHandle, error) {
	frame, err := s.roundTrip(ctx, cassandra.OpPrepare, cassandra.EncodePrepare(query))
	if err != nil {
		return PreparedHandle{}, err
	}
	switch frame.Opcode {
	case cassandra.OpResult:
		res, err := cassandra.DecodeResult(frame.Body)
		if err != nil {
			return PreparedHandle{}, err
		}
		if res.Kind != cassandra.ResultPrepared || res.Prepared == nil {
			return PreparedHandle{}, &cassandra.Error{Kind: cassandra.ProtocolViolation, Msg: "PREPARE did not return a Prepared result"}
		}
		entry := &preparedEntry{
			id:          res.Prepared.ID,
			bindColumns: res.Prepared.BindMetadata.Columns,
			resultMeta:  res.Prepared.ResultMetadata,
		}
		s.mu.Lock()
		s.prepared[query] = entry
		s.mu.Unlock()
		return PreparedHandle{ID: entry.id, BindColumns: entry.bindColumns, ResultMeta: entry.resultMeta}, nil
	case cassandra.OpError:
		detail, err := cassandra.DecodeError(frame.Body)
		if err != nil {
			return PreparedHandle{}, err
		}
		return PreparedHandle{}, &cassandra.Error{Kind: cassandra.ServerError, Msg: detail.Message, Code: int32(detail.Code)}
	default:
		return PreparedHandle{}, s.unexpectedOpcode(frame, cassandra.OpResult)
	}
}

// Register sends REGISTER for the given categories and returns a
// stream for each, subscribed before the request is even acknowledged
// so no event racing the READY response can be missed.
func (s *Session) Register(ctx context.Context, categories []cassandra.EventCategory) ([]EventStream, error) {
	streams := make([]EventStream, len(categories))
	for i, c := range categories {
		streams[i] = EventStream{Category: c, ch: s.disp.Subscribe(c)}
	}

	frame, err := s.roundTrip(ctx, cassandra.OpRegister, cassandra.EncodeRegister(categories))
	if err != nil {
		return nil, err
	}
	if frame.Opcode != cassandra.OpReady {
		return nil, s.unexpectedOpcode(frame, cassandra.OpReady)
	}
	return streams, nil
}

// Close drains in-flight waiters by cancelling them and closes the
// transport (§4.5).
func (s *Session) Close() error {
	return s.disp.Close()
}

package cassandra

// This file is the message layer (C2): per-opcode body encoders for
// requests the client sends, and per-opcode body decoders for
// responses the server sends. Every decoder takes the frame's already
// length-delimited body and is expected to consume it fully; trailing
// bytes are tolerated rather than treated as an error (§4.1 tie-break,
// Design Note 4). They are ignored: no decoder records or reports them.

// StartupOptions is the body of a STARTUP request: a string map whose
// only required key is CQL_VERSION.
type StartupOptions struct {
	CQLVersion      string
	Compression     string
	NoCompact       bool
	ThrowOnOverload bool
}

// EncodeStartup builds the STARTUP request body.
func EncodeStartup(opts StartupOptions) []byte {
	m := map[string]string{"CQL_VERSION": opts.CQLVersion}
	if opts.Compression != "" {
		m["COMPRESSION"] = opts.Compression
	}
	if opts.NoCompact {
		m["NO_COMPACT"] = "true"
	}
	if opts.ThrowOnOverload {
		m["THROW_ON_OVERLOAD"] = "true"
	}
	w := NewWriter()
	w.WriteStringMap(m)
	return w.Bytes()
}

// EncodeOptions builds the OPTIONS request body, which is empty.
func EncodeOptions() []byte { return nil }

// EncodeAuthResponse builds the AUTH_RESPONSE request body: a single
// [bytes] token. This core does not negotiate a challenge/response
// loop (Non-goal), but can still send a one-shot credential blob if a
// caller supplies one up front.
func EncodeAuthResponse(token []byte) []byte {
	w := NewWriter()
	w.WriteBytes(token)
	return w.Bytes()
}

// QueryParams is the shared parameter block used by both QUERY and
// EXECUTE bodies.
type QueryParams struct {
	Consistency       Consistency
	Values            []any
	Names             []string // non-empty implies named values
	SkipMetadata      bool
	PageSize          int32
	HasPageSize       bool
	PagingState       []byte
	SerialConsistency Consistency
	HasSerial         bool
	DefaultTimestamp  int64
	HasTimestamp      bool
}

func (p QueryParams) flags() QueryFlags {
	var f QueryFlags
	if len(p.Values) > 0 {
		f |= QueryFlagValues
	}
	if len(p.Names) > 0 {
		f |= QueryFlagWithNamesForValues
	}
	if p.SkipMetadata {
		f |= QueryFlagSkipMetadata
	}
	if p.HasPageSize {
		f |= QueryFlagPageSize
	}
	if len(p.PagingState) > 0 {
		f |= QueryFlagWithPagingState
	}
	if p.HasSerial {
		f |= QueryFlagWithSerialConsistency
	}
	if p.HasTimestamp {
		f |= QueryFlagWithDefaultTimestamp
	}
	return f
}

// encodeQueryParameters writes <consistency><flags>[...] shared by
// QUERY and EXECUTE, grounded on pysandra.protocol.QueryMessage.
// encode_query_parameters.
func encodeQueryParameters(w *Writer, p QueryParams) {
	flags := p.flags()
	w.WriteConsistency(p.Consistency)
	w.WriteByte(byte(flags))
	if len(p.Values) > 0 {
		w.WriteShort(uint16(len(p.Values)))
		for i, v := range p.Values {
			if len(p.Names) > 0 {
				w.WriteString(p.Names[i])
			}
			w.WriteValue(v)
		}
	}
	if p.HasPageSize {
		w.WriteInt(p.PageSize)
	}
	if len(p.PagingState) > 0 {
		w.WriteBytes(p.PagingState)
	}
	if p.HasSerial {
		w.WriteConsistency(p.SerialConsistency)
	}
	if p.HasTimestamp {
		w.WriteLong(p.DefaultTimestamp)
	}
}

// EncodeQuery builds the QUERY request body: <query><query_parameters>.
func EncodeQuery(query string, p QueryParams) []byte {
	w := NewWriter()
	w.WriteLongString(query)
	encodeQueryParameters(w, p)
	return w.Bytes()
}

// EncodePrepare builds the PREPARE request body: a single long string.
func EncodePrepare(query string) []byte {
	w := NewWriter()
	w.WriteLongString(query)
	return w.Bytes()
}

// EncodeExecute builds the EXECUTE request body:
// <id><query_parameters>.
func EncodeExecute(preparedID []byte, p QueryParams) []byte {
	w := NewWriter()
	w.WriteShortBytes(preparedID)
	encodeQueryParameters(w, p)
	return w.Bytes()
}

// EncodeRegister builds the REGISTER request body: a string list of
// event category names.
func EncodeRegister(categories []EventCategory) []byte {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	w := NewWriter()
	w.WriteStringList(names)
	return w.Bytes()
}

// --- response decoding ---

// Supported is the decoded body of a SUPPORTED response (opcode
// 0x06): the options the server advertises, e.g. COMPRESSION.
type Supported struct {
	Options map[string][]string
}

// DecodeSupported decodes a SUPPORTED response body.
func DecodeSupported(body []byte) (Supported, error) {
	b := NewBuffer(body)
	opts, err := b.ReadStringMultimap()
	if err != nil {
		return Supported{}, err
	}
	return Supported{Options: opts}, nil
}

// Authenticate is the decoded body of an AUTHENTICATE response
// (opcode 0x03): the server requires a SASL authenticator class this
// core does not negotiate (Non-goal); connect fails cleanly with
// Kind.Unsupported, carrying the class name for diagnostics.
type Authenticate struct {
	Authenticator string
}

// DecodeAuthenticate decodes an AUTHENTICATE response body.
func DecodeAuthenticate(body []byte) (Authenticate, error) {
	b := NewBuffer(body)
	name, err := b.ReadString()
	if err != nil {
		return Authenticate{}, err
	}
	return Authenticate{Authenticator: name}, nil
}

// AuthChallenge is the decoded body of an AUTH_CHALLENGE response.
type AuthChallenge struct {
	Token []byte
}

func DecodeAuthChallenge(body []byte) (AuthChallenge, error) {
	b := NewBuffer(body)
	v, err := b.ReadBytes()
	if err != nil {
		return AuthChallenge{}, err
	}
	tok, _ := v.([]byte)
	return AuthChallenge{Token: tok}, nil
}

// AuthSuccess is the decoded body of an AUTH_SUCCESS response.
type AuthSuccess struct {
	Token []byte
}

func DecodeAuthSuccess(body []byte) (AuthSuccess, error) {
	b := NewBuffer(body)
	v, err := b.ReadBytes()
	if err != nil {
		return AuthSuccess{}, err
	}
	tok, _ := v.([]byte)
	return AuthSuccess{Token: tok}, nil
}

// ErrorDetail carries the well-formed ERROR response for one request:
// the numeric code, message, and any kind-specific extra fields. It
// is delivered to the originating waiter as a ServerError, not raised
// as a fatal connection error (§7).
type ErrorDetail struct {
	Code    ErrorCode
	Message string
	Extra   map[string]any
}

// DecodeError decodes an ERROR response body (opcode 0x00).
func DecodeError(body []byte) (ErrorDetail, error) {
	b := NewBuffer(body)
	codeRaw, err := b.ReadInt()
	if err != nil {
		return ErrorDetail{}, err
	}
	code := ErrorCode(codeRaw)
	msg, err := b.ReadString()
	if err != nil {
		return ErrorDetail{}, err
	}
	extra := map[string]any{}
	switch code {
	case ErrCodeUnavailable:
		cl, err := b.ReadConsistency()
		if err != nil {
			return ErrorDetail{}, err
		}
		required, err := b.ReadInt()
		if err != nil {
			return ErrorDetail{}, err
		}
		alive, err := b.ReadInt()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["consistency"] = cl
		extra["required"] = required
		extra["alive"] = alive
	case ErrCodeWriteTimeout, ErrCodeWriteFailure:
		cl, err := b.ReadConsistency()
		if err != nil {
			return ErrorDetail{}, err
		}
		received, err := b.ReadInt()
		if err != nil {
			return ErrorDetail{}, err
		}
		blockFor, err := b.ReadInt()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["consistency"] = cl
		extra["received"] = received
		extra["block_for"] = blockFor
		if code == ErrCodeWriteFailure {
			numFailures, err := b.ReadInt()
			if err != nil {
				return ErrorDetail{}, err
			}
			extra["num_failures"] = numFailures
		}
		wt, err := b.ReadString()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["write_type"] = WriteType(wt)
	case ErrCodeReadTimeout, ErrCodeReadFailure:
		cl, err := b.ReadConsistency()
		if err != nil {
			return ErrorDetail{}, err
		}
		received, err := b.ReadInt()
		if err != nil {
			return ErrorDetail{}, err
		}
		blockFor, err := b.ReadInt()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["consistency"] = cl
		extra["received"] = received
		extra["block_for"] = blockFor
		if code == ErrCodeReadFailure {
			numFailures, err := b.ReadInt()
			if err != nil {
				return ErrorDetail{}, err
			}
			extra["num_failures"] = numFailures
		}
		dataPresent, err := b.ReadByte()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["data_present"] = dataPresent != 0
	case ErrCodeFunctionFailure:
		ks, err := b.ReadString()
		if err != nil {
			return ErrorDetail{}, err
		}
		fn, err := b.ReadString()
		if err != nil {
			return ErrorDetail{}, err
		}
		args, err := b.ReadStringList()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["keyspace"] = ks
		extra["function"] = fn
		extra["arg_types"] = args
	case ErrCodeAlreadyExists:
		ks, err := b.ReadString()
		if err != nil {
			return ErrorDetail{}, err
		}
		table, err := b.ReadString()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["keyspace"] = ks
		extra["table"] = table
	case ErrCodeUnprepared:
		id, err := b.ReadShortBytes()
		if err != nil {
			return ErrorDetail{}, err
		}
		extra["statement_id"] = id
	}
	return ErrorDetail{Code: code, Message: msg, Extra: extra}, nil
}

// PreparedResult is the decoded body of a RESULT/Prepared response
// (kind 0x0004): the server-assigned id plus bind-parameter and
// result column metadata.
type PreparedResult struct {
	ID                []byte
	PartitionKeyIndex []uint16
	BindMetadata      RowsMetadata
	ResultMetadata    RowsMetadata
}

// RowsResult is the decoded body of a RESULT/Rows response (kind
// 0x0002): column metadata plus the decoded row data.
type RowsResult struct {
	Metadata RowsMetadata
	Rows     []Row
}

// SchemaChange describes a SCHEMA_CHANGE result or event payload.
type SchemaChange struct {
	ChangeType SchemaChangeType
	Target     SchemaChangeTarget
	Keyspace   string
	Name       string
	Arguments  []string
}

// Result is the decoded body of a RESULT response (opcode 0x08),
// tagged by Kind; at most one of the kind-specific fields is populated
// (none for Void), mirroring the dispatch described in §4.2.
type Result struct {
	Kind          ResultKind
	SetKeyspace   string
	Prepared      *PreparedResult
	Rows          *RowsResult
	SchemaChange  *SchemaChange
}

// DecodeResult decodes a RESULT response body, dispatching on the
// leading [int] kind (Design Note 1).
func DecodeResult(body []byte) (Result, error) {
	b := NewBuffer(body)
	kindRaw, err := b.ReadInt()
	if err != nil {
		return Result{}, err
	}
	kind := ResultKind(kindRaw)
	switch kind {
	case ResultVoid:
		return Result{Kind: kind}, nil
	case ResultSetKeyspace:
		ks, err := b.ReadString()
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: kind, SetKeyspace: ks}, nil
	case ResultRows:
		meta, err := decodeRowsMetadata(b)
		if err != nil {
			return Result{}, err
		}
		rowCount, err := b.ReadInt()
		if err != nil {
			return Result{}, err
		}
		colCount := len(meta.Columns)
		rows := make([]Row, 0, rowCount)
		for r := int32(0); r < rowCount; r++ {
			row := make(Row, colCount)
			for c := 0; c < colCount; c++ {
				raw, err := b.ReadBytes()
				if err != nil {
					return Result{}, err
				}
				v, err := DecodeTypedValue(raw, meta.Columns[c].Type)
				if err != nil {
					return Result{}, err
				}
				row[c] = v
			}
			rows = append(rows, row)
		}
		return Result{Kind: kind, Rows: &RowsResult{Metadata: meta, Rows: rows}}, nil
	case ResultPrepared:
		id, err := b.ReadShortBytes()
		if err != nil {
			return Result{}, err
		}
		if len(id) == 0 {
			return Result{}, newError(BadData, "PREPARED result carries an empty statement id")
		}
		bindFlagsRaw, err := b.ReadInt()
		if err != nil {
			return Result{}, err
		}
		bindFlags := ResultFlags(bindFlagsRaw)
		colCount, err := b.ReadInt()
		if err != nil {
			return Result{}, err
		}
		pkCount, err := b.ReadInt()
		if err != nil {
			return Result{}, err
		}
		pkIndex := make([]uint16, 0, pkCount)
		for i := int32(0); i < pkCount; i++ {
			idx, err := b.ReadShort()
			if err != nil {
				return Result{}, err
			}
			pkIndex = append(pkIndex, idx)
		}
		var bindCols []ColumnSpec
		if colCount > 0 {
			bindCols, err = decodeColumnSpecs(b, bindFlags, colCount)
			if err != nil {
				return Result{}, err
			}
		}
		resultMeta, err := decodeRowsMetadata(b)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: kind, Prepared: &PreparedResult{
			ID:                id,
			PartitionKeyIndex: pkIndex,
			BindMetadata:      RowsMetadata{Flags: bindFlags, Columns: bindCols},
			ResultMetadata:    resultMeta,
		}}, nil
	case ResultSchemaChange:
		sc, err := decodeSchemaChange(b)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: kind, SchemaChange: &sc}, nil
	default:
		return Result{}, newError(BadData, "unknown RESULT kind 0x%04x", kind)
	}
}

func decodeSchemaChange(b *Buffer) (SchemaChange, error) {
	changeStr, err := b.ReadString()
	if err != nil {
		return SchemaChange{}, err
	}
	targetStr, err := b.ReadString()
	if err != nil {
		return SchemaChange{}, err
	}
	sc := SchemaChange{ChangeType: SchemaChangeType(changeStr), Target: SchemaChangeTarget(targetStr)}
	switch sc.Target {
	case SchemaTargetKeyspace:
		name, err := b.ReadString()
		if err != nil {
			return SchemaChange{}, err
		}
		sc.Keyspace = name
	case SchemaTargetTable, SchemaTargetType:
		ks, err := b.ReadString()
		if err != nil {
			return SchemaChange{}, err
		}
		name, err := b.ReadString()
		if err != nil {
			return SchemaChange{}, err
		}
		sc.Keyspace, sc.Name = ks, name
	case SchemaTargetFunction, SchemaTargetAggregate:
		ks, err := b.ReadString()
		if err != nil {
			return SchemaChange{}, err
		}
		name, err := b.ReadString()
		if err != nil {
			return SchemaChange{}, err
		}
		args, err := b.ReadStringList()
		if err != nil {
			return SchemaChange{}, err
		}
		sc.Keyspace, sc.Name, sc.Arguments = ks, name, args
	}
	return sc, nil
}

// Event is the decoded body of an EVENT response (opcode 0x0C),
// always delivered on stream id -1.
type Event struct {
	Category     EventCategory
	Topology     *TopologyChangeEvent
	Status       *StatusChangeEvent
	SchemaChange *SchemaChange
}

type TopologyChangeEvent struct {
	Status TopologyStatus
	Node   Inet
}

type StatusChangeEvent struct {
	Status NodeStatus
	Node   Inet
}

// DecodeEvent decodes an EVENT response body.
func DecodeEvent(body []byte) (Event, error) {
	b := NewBuffer(body)
	typeStr, err := b.ReadString()
	if err != nil {
		return Event{}, err
	}
	category := EventCategory(typeStr)
	ev := Event{Category: category}
	switch category {
	case EventTopologyChange:
		statusStr, err := b.ReadString()
		if err != nil {
			return Event{}, err
		}
		node, err := b.ReadInet()
		if err != nil {
			return Event{}, err
		}
		ev.Topology = &TopologyChangeEvent{Status: TopologyStatus(statusStr), Node: node}
	case EventStatusChange:
		statusStr, err := b.ReadString()
		if err != nil {
			return Event{}, err
		}
		node, err := b.ReadInet()
		if err != nil {
			return Event{}, err
		}
		ev.Status = &StatusChangeEvent{Status: NodeStatus(statusStr), Node: node}
	case EventSchemaChange:
		sc, err := decodeSchemaChange(b)
		if err != nil {
			return Event{}, err
		}
		ev.SchemaChange = &sc
	default:
		return Event{}, newError(BadData, "unknown event category %q", typeStr)
	}
	return ev, nil
}

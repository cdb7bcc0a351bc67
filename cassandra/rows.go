package cassandra

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ColumnSpec names one column of a result or bind-parameter set:
// keyspace, table, column name, and its wire type.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     ColumnType
}

// RowsMetadata is the metadata block preceding a ROWS result's row
// data: the flags that were set, the column specs (absent when
// NO_METADATA was set), and an opaque paging-state token when the
// server indicated more pages exist (paging itself is out of scope
// per spec.md §1; the token is surfaced but never re-submitted by this
// core).
type RowsMetadata struct {
	Flags       ResultFlags
	Columns     []ColumnSpec
	PagingState []byte
}

// Row is one decoded row: column values in column order, addressable
// by index or, via the originating RowsMetadata, by name.
type Row []any

// ByName looks up a value by column name using the supplied metadata.
// Returns false if no such column exists.
func (r Row) ByName(meta RowsMetadata, name string) (any, bool) {
	for i, c := range meta.Columns {
		if c.Name == name && i < len(r) {
			return r[i], true
		}
	}
	return nil, false
}

func decodeColumnSpecs(b *Buffer, flags ResultFlags, count int32) ([]ColumnSpec, error) {
	var globalKeyspace, globalTable string
	hasGlobal := flags&ResultFlagGlobalTablesSpec != 0
	if hasGlobal {
		var err error
		globalKeyspace, err = b.ReadString()
		if err != nil {
			return nil, err
		}
		globalTable, err = b.ReadString()
		if err != nil {
			return nil, err
		}
	}
	specs := make([]ColumnSpec, 0, count)
	for i := int32(0); i < count; i++ {
		var spec ColumnSpec
		if hasGlobal {
			spec.Keyspace, spec.Table = globalKeyspace, globalTable
		} else {
			ks, err := b.ReadString()
			if err != nil {
				return nil, err
			}
			tbl, err := b.ReadString()
			if err != nil {
				return nil, err
			}
			spec.Keyspace, spec.Table = ks, tbl
		}
		name, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		typ, err := readOption(b)
		if err != nil {
			return nil, err
		}
		spec.Name = name
		spec.Type = typ
		specs = append(specs, spec)
	}
	return specs, nil
}

func decodeRowsMetadata(b *Buffer) (RowsMetadata, error) {
	flagsRaw, err := b.ReadInt()
	if err != nil {
		return RowsMetadata{}, err
	}
	flags := ResultFlags(flagsRaw)
	count, err := b.ReadInt()
	if err != nil {
		return RowsMetadata{}, err
	}
	meta := RowsMetadata{Flags: flags}
	if flags&ResultFlagHasMorePages != 0 {
		state, err := b.ReadBytes()
		if err != nil {
			return RowsMetadata{}, err
		}
		if bs, ok := state.([]byte); ok {
			meta.PagingState = bs
		}
	}
	if flags&ResultFlagNoMetadata == 0 && count > 0 {
		cols, err := decodeColumnSpecs(b, flags, count)
		if err != nil {
			return RowsMetadata{}, err
		}
		meta.Columns = cols
	}
	return meta, nil
}

// DecodeTypedValue interprets a single column's raw [bytes] payload
// per its ColumnType. A Null payload decodes to the Null sentinel,
// distinct from any empty collection or zero-length blob/string.
func DecodeTypedValue(raw any, typ ColumnType) (any, error) {
	if raw == Null || raw == nil {
		return Null, nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, newError(BadData, "expected raw bytes for column value")
	}
	return decodeScalarOrCollection(data, typ)
}

func decodeScalarOrCollection(data []byte, typ ColumnType) (any, error) {
	switch typ.ID {
	case OptionAscii, OptionVarchar:
		if !utf8.Valid(data) {
			return nil, newError(BadData, "column value is not valid utf-8")
		}
		return string(data), nil
	case OptionBlob, OptionCustom:
		return data, nil
	case OptionBoolean:
		if len(data) < 1 {
			return nil, newError(BadData, "boolean value too short")
		}
		return data[0] != 0, nil
	case OptionTinyint:
		if len(data) < 1 {
			return nil, newError(BadData, "tinyint value too short")
		}
		return int8(data[0]), nil
	case OptionSmallint:
		if len(data) < 2 {
			return nil, newError(BadData, "smallint value too short")
		}
		return int16(binary.BigEndian.Uint16(data)), nil
	case OptionInt, OptionDate:
		if len(data) < 4 {
			return nil, newError(BadData, "int value too short")
		}
		return int32(binary.BigEndian.Uint32(data)), nil
	case OptionBigint, OptionCounter, OptionTimestamp, OptionTime, OptionVarint:
		if typ.ID == OptionVarint {
			return decodeVarint(data), nil
		}
		if len(data) < 8 {
			return nil, newError(BadData, "64-bit value too short")
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case OptionFloat:
		if len(data) < 4 {
			return nil, newError(BadData, "float value too short")
		}
		return math.Float32frombits(binary.BigEndian.Uint32(data)), nil
	case OptionDouble:
		if len(data) < 8 {
			return nil, newError(BadData, "double value too short")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case OptionUUID, OptionTimeUUID:
		if len(data) != 16 {
			return nil, newError(BadData, "uuid value must be 16 bytes, got %d", len(data))
		}
		var u uuid.UUID
		copy(u[:], data)
		return u, nil
	case OptionInet:
		return decodeInetValue(data)
	case OptionDecimal:
		return decodeDecimal(data)
	case OptionList, OptionSet:
		return decodeListLike(data, *typ.Elem)
	case OptionMap:
		return decodeMap(data, *typ.Key, *typ.Value)
	case OptionTuple:
		return decodeTuple(data, typ.Fields)
	case OptionUDT:
		return decodeUDT(data, typ)
	default:
		return data, nil
	}
}

// Decimal is the decoded representation of the [decimal] wire type:
// an arbitrary-precision integer (big-endian two's complement) and a
// scale such that value == unscaled * 10^-scale.
type Decimal struct {
	Unscaled []byte
	Scale    int32
}

func decodeDecimal(data []byte) (Decimal, error) {
	if len(data) < 4 {
		return Decimal{}, newError(BadData, "decimal value too short")
	}
	scale := int32(binary.BigEndian.Uint32(data[:4]))
	unscaled := make([]byte, len(data)-4)
	copy(unscaled, data[4:])
	return Decimal{Unscaled: unscaled, Scale: scale}, nil
}

func decodeVarint(data []byte) []byte {
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}

func decodeInetValue(data []byte) (Inet, error) {
	if len(data) != 4 && len(data) != 16 {
		return Inet{}, newError(BadData, "inet value must be 4 or 16 bytes, got %d", len(data))
	}
	ip := make([]byte, len(data))
	copy(ip, data)
	return Inet{Addr: ip}, nil
}

func decodeListLike(data []byte, elem ColumnType) ([]any, error) {
	b := NewBuffer(data)
	n, err := b.ReadInt()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, n)
	for i := int32(0); i < n; i++ {
		raw, err := b.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := DecodeTypedValue(raw, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MapEntry is one key/value pair of a decoded map column, kept as a
// slice of pairs (rather than a Go map) to preserve the wire's
// insertion order, per the data model's requirement for
// insertion-order-preserving maps.
type MapEntry struct {
	Key   any
	Value any
}

func decodeMap(data []byte, key, value ColumnType) ([]MapEntry, error) {
	b := NewBuffer(data)
	n, err := b.ReadInt()
	if err != nil {
		return nil, err
	}
	out := make([]MapEntry, 0, n)
	for i := int32(0); i < n; i++ {
		rawK, err := b.ReadBytes()
		if err != nil {
			return nil, err
		}
		k, err := DecodeTypedValue(rawK, key)
		if err != nil {
			return nil, err
		}
		rawV, err := b.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := DecodeTypedValue(rawV, value)
		if err != nil {
			return nil, err
		}
		out = append(out, MapEntry{Key: k, Value: v})
	}
	return out, nil
}

func decodeTuple(data []byte, fields []ColumnType) ([]any, error) {
	b := NewBuffer(data)
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		raw, err := b.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := DecodeTypedValue(raw, f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// UDTValue is a decoded user-defined-type value: field values keyed by
// field name. Fields is a Go map, so it does not keep the declaration
// order; that order is the FieldNames order of the column's type.
type UDTValue struct {
	Keyspace string
	Name     string
	Fields   map[string]any
}

func decodeUDT(data []byte, typ ColumnType) (UDTValue, error) {
	b := NewBuffer(data)
	fields := make(map[string]any, len(typ.Fields))
	for i, f := range typ.Fields {
		raw, err := b.ReadBytes()
		if err != nil {
			return UDTValue{}, err
		}
		v, err := DecodeTypedValue(raw, f)
		if err != nil {
			return UDTValue{}, err
		}
		fields[typ.FieldNames[i]] = v
	}
	return UDTValue{Keyspace: typ.Keyspace, Name: typ.UDTName, Fields: fields}, nil
}

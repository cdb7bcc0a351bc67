package cassandra

import "fmt"

// OptionID is the short code identifying a column's scalar or
// parameterised type, per the [option] wire type.
type OptionID uint16

const (
	OptionCustom    OptionID = 0x0000
	OptionAscii     OptionID = 0x0001
	OptionBigint    OptionID = 0x0002
	OptionBlob      OptionID = 0x0003
	OptionBoolean   OptionID = 0x0004
	OptionCounter   OptionID = 0x0005
	OptionDecimal   OptionID = 0x0006
	OptionDouble    OptionID = 0x0007
	OptionFloat     OptionID = 0x0008
	OptionInt       OptionID = 0x0009
	OptionTimestamp OptionID = 0x000B
	OptionUUID      OptionID = 0x000C
	OptionVarchar   OptionID = 0x000D
	OptionVarint    OptionID = 0x000E
	OptionTimeUUID  OptionID = 0x000F
	OptionInet      OptionID = 0x0010
	OptionDate      OptionID = 0x0011
	OptionTime      OptionID = 0x0012
	OptionSmallint  OptionID = 0x0013
	OptionTinyint   OptionID = 0x0014
	OptionList      OptionID = 0x0020
	OptionMap       OptionID = 0x0021
	OptionSet       OptionID = 0x0022
	OptionUDT       OptionID = 0x0030
	OptionTuple     OptionID = 0x0031
)

// ColumnType is the recursive sum type describing a column's wire
// type: a scalar kind on its own, or one of the parameterised kinds
// carrying nested ColumnTypes (Design Note 2). ID selects which payload
// fields are meaningful; scalar kinds carry none.
type ColumnType struct {
	ID OptionID

	// Elem is populated for List and Set.
	Elem *ColumnType
	// Key and Value are populated for Map.
	Key   *ColumnType
	Value *ColumnType
	// Fields is populated for Tuple (unnamed) and UDT (named, via
	// FieldNames, same length and order as Fields).
	Fields     []ColumnType
	FieldNames []string
	// Keyspace and UDTName are populated for UDT.
	Keyspace string
	UDTName  string
	// ClassName is populated for Custom.
	ClassName string
}

func (t ColumnType) String() string {
	switch t.ID {
	case OptionList:
		return fmt.Sprintf("list<%s>", t.Elem)
	case OptionSet:
		return fmt.Sprintf("set<%s>", t.Elem)
	case OptionMap:
		return fmt.Sprintf("map<%s, %s>", t.Key, t.Value)
	case OptionTuple:
		return fmt.Sprintf("tuple%v", t.Fields)
	case OptionUDT:
		return fmt.Sprintf("udt<%s.%s>", t.Keyspace, t.UDTName)
	case OptionCustom:
		return fmt.Sprintf("custom<%s>", t.ClassName)
	default:
		return scalarName(t.ID)
	}
}

func scalarName(id OptionID) string {
	switch id {
	case OptionAscii:
		return "ascii"
	case OptionBigint:
		return "bigint"
	case OptionBlob:
		return "blob"
	case OptionBoolean:
		return "boolean"
	case OptionCounter:
		return "counter"
	case OptionDecimal:
		return "decimal"
	case OptionDouble:
		return "double"
	case OptionFloat:
		return "float"
	case OptionInt:
		return "int"
	case OptionTimestamp:
		return "timestamp"
	case OptionUUID:
		return "uuid"
	case OptionVarchar:
		return "varchar"
	case OptionVarint:
		return "varint"
	case OptionTimeUUID:
		return "timeuuid"
	case OptionInet:
		return "inet"
	case OptionDate:
		return "date"
	case OptionTime:
		return "time"
	case OptionSmallint:
		return "smallint"
	case OptionTinyint:
		return "tinyint"
	default:
		return fmt.Sprintf("option(0x%04x)", uint16(id))
	}
}

// readOption reads an [option]: a [short] id followed by an
// id-dependent value, recursing structurally for parameterised kinds.
func readOption(b *Buffer) (ColumnType, error) {
	id, err := b.ReadShort()
	if err != nil {
		return ColumnType{}, err
	}
	t := ColumnType{ID: OptionID(id)}
	switch t.ID {
	case OptionCustom:
		name, err := b.ReadString()
		if err != nil {
			return ColumnType{}, err
		}
		t.ClassName = name
	case OptionList, OptionSet:
		elem, err := readOption(b)
		if err != nil {
			return ColumnType{}, err
		}
		t.Elem = &elem
	case OptionMap:
		key, err := readOption(b)
		if err != nil {
			return ColumnType{}, err
		}
		val, err := readOption(b)
		if err != nil {
			return ColumnType{}, err
		}
		t.Key = &key
		t.Value = &val
	case OptionTuple:
		n, err := b.ReadShort()
		if err != nil {
			return ColumnType{}, err
		}
		fields := make([]ColumnType, 0, n)
		for i := 0; i < int(n); i++ {
			f, err := readOption(b)
			if err != nil {
				return ColumnType{}, err
			}
			fields = append(fields, f)
		}
		t.Fields = fields
	case OptionUDT:
		ks, err := b.ReadString()
		if err != nil {
			return ColumnType{}, err
		}
		name, err := b.ReadString()
		if err != nil {
			return ColumnType{}, err
		}
		n, err := b.ReadShort()
		if err != nil {
			return ColumnType{}, err
		}
		names := make([]string, 0, n)
		fields := make([]ColumnType, 0, n)
		for i := 0; i < int(n); i++ {
			fname, err := b.ReadString()
			if err != nil {
				return ColumnType{}, err
			}
			f, err := readOption(b)
			if err != nil {
				return ColumnType{}, err
			}
			names = append(names, fname)
			fields = append(fields, f)
		}
		t.Keyspace = ks
		t.UDTName = name
		t.FieldNames = names
		t.Fields = fields
	}
	return t, nil
}

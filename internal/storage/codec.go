package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/snowingwolf/waveflow/internal/errs"
	"github.com/snowingwolf/waveflow/internal/plugin"
)

// Row is one structured-array record, keyed by field name, as produced by a
// plugin's Compute for a Static output or by one stream Record's fields.
type Row map[string]interface{}

// elemSize returns the byte width of one scalar of the given GoType string.
func elemSize(goType string) (int, error) {
	switch goType {
	case "i1", "u1":
		return 1, nil
	case "i2", "u2":
		return 2, nil
	case "i4", "u4", "f4":
		return 4, nil
	case "i8", "u8", "f8":
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", goType)
	}
}

// RecordSize computes the fixed byte size of one record described by
// schema, per the little-endian binary image the storage backend persists.
func RecordSize(schema []plugin.FieldDescriptor) (int64, error) {
	var total int64
	for _, f := range schema {
		size, err := elemSize(f.GoType)
		if err != nil {
			return 0, err
		}
		n := f.ArrayLen
		if n == 0 {
			n = 1
		}
		total += int64(size * n)
	}
	return total, nil
}

// EncodeRows packs rows into a little-endian binary image matching schema's
// field order and types, suitable for memory-mapped reads.
func EncodeRows(schema []plugin.FieldDescriptor, rows []Row) ([]byte, error) {
	recSize, err := RecordSize(schema)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, int64(len(rows))*recSize)
	for i, row := range rows {
		off := int64(i) * recSize
		for _, f := range schema {
			n := f.ArrayLen
			if n == 0 {
				n = 1
			}
			size, _ := elemSize(f.GoType)

			vals, err := asSlice(row[f.Name], n)
			if err != nil {
				return nil, errs.Wrap(errs.SchemaMismatch, fmt.Sprintf("field %q in row %d", f.Name, i), err)
			}
			for j, v := range vals {
				if err := putScalar(buf[off:off+int64(size)], f.GoType, v); err != nil {
					return nil, errs.Wrap(errs.SchemaMismatch, fmt.Sprintf("field %q in row %d", f.Name, i), err)
				}
				off += int64(size)
			}
		}
	}
	return buf, nil
}

// DecodeRows unpacks count records described by schema from data.
func DecodeRows(schema []plugin.FieldDescriptor, data []byte, count int64) ([]Row, error) {
	recSize, err := RecordSize(schema)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != count*recSize {
		return nil, errs.New(errs.CacheCorrupt, fmt.Sprintf("data size %d does not match count*record_size %d", len(data), count*recSize))
	}

	rows := make([]Row, count)
	for i := int64(0); i < count; i++ {
		off := i * recSize
		row := make(Row, len(schema))
		for _, f := range schema {
			n := f.ArrayLen
			if n == 0 {
				n = 1
			}
			size, _ := elemSize(f.GoType)

			vals := make([]interface{}, n)
			for j := 0; j < n; j++ {
				vals[j] = getScalar(data[off:off+int64(size)], f.GoType)
				off += int64(size)
			}
			if f.ArrayLen == 0 {
				row[f.Name] = vals[0]
			} else {
				row[f.Name] = vals
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func asSlice(v interface{}, n int) ([]interface{}, error) {
	if n == 1 {
		if s, ok := v.([]interface{}); ok && len(s) == 1 {
			return s, nil
		}
		return []interface{}{v}, nil
	}

	switch s := v.(type) {
	case []interface{}:
		if len(s) != n {
			return nil, fmt.Errorf("expected array length %d, got %d", n, len(s))
		}
		return s, nil
	case []int16:
		out := make([]interface{}, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected array of length %d", n)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func putScalar(dst []byte, goType string, v interface{}) error {
	switch goType {
	case "i1", "u1":
		i, err := toInt64(v)
		if err != nil {
			return err
		}
		dst[0] = byte(i)
	case "i2", "u2":
		i, err := toInt64(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(dst, uint16(i))
	case "i4", "u4":
		i, err := toInt64(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst, uint32(i))
	case "i8", "u8":
		i, err := toInt64(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(dst, uint64(i))
	case "f4":
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
	case "f8":
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
	default:
		return fmt.Errorf("unknown field type %q", goType)
	}
	return nil
}

func getScalar(src []byte, goType string) interface{} {
	switch goType {
	case "i1":
		return int8(src[0])
	case "u1":
		return src[0]
	case "i2":
		return int16(binary.LittleEndian.Uint16(src))
	case "u2":
		return binary.LittleEndian.Uint16(src)
	case "i4":
		return int32(binary.LittleEndian.Uint32(src))
	case "u4":
		return binary.LittleEndian.Uint32(src)
	case "i8":
		return int64(binary.LittleEndian.Uint64(src))
	case "u8":
		return binary.LittleEndian.Uint64(src)
	case "f4":
		return math.Float32frombits(binary.LittleEndian.Uint32(src))
	case "f8":
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	default:
		return nil
	}
}

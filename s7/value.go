package s7

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TagValue represents the result of reading an S7 address with type conversion helpers.
type TagValue struct {
	Name     string    // Address string as requested (e.g., "DB1.DBW0")
	DataType uint16    // S7 data type code
	Bytes    []byte    // Raw value bytes exactly as read from the PLC
	BitNum   int       // Bit number for BOOL types (-1 for non-bit)
	Count    int       // Number of elements (1 for scalar, >1 for array)
	Order    WordOrder // Register order of 32-bit elements
	Error    error     // Per-tag error (nil if successful)
}

// GetBit reports whether bit (0-7) is set in b.
func GetBit(b byte, bit int) bool {
	return b&(1<<uint(bit)) != 0
}

// SetBit returns b with bit (0-7) set or cleared. The other bits are kept.
func SetBit(b byte, bit int, value bool) byte {
	if value {
		return b | 1<<uint(bit)
	}
	return b &^ (1 << uint(bit))
}

// swapWords exchanges the two 16-bit halves of a 4-byte value in place.
func swapWords(b []byte) {
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]
}

// getUint32 reads a 32-bit element honoring the word order.
func getUint32(b []byte, order WordOrder) uint32 {
	if order == LowWordFirst {
		return uint32(binary.BigEndian.Uint16(b[2:4]))<<16 | uint32(binary.BigEndian.Uint16(b[0:2]))
	}
	return binary.BigEndian.Uint32(b)
}

// putUint32 writes a 32-bit element honoring the word order.
func putUint32(b []byte, v uint32, order WordOrder) {
	binary.BigEndian.PutUint32(b, v)
	if order == LowWordFirst {
		swapWords(b)
	}
}

func (v *TagValue) need(n int) error {
	if len(v.Bytes) < n {
		return fmt.Errorf("insufficient data for %s: need %d bytes, have %d", v.TypeName(), n, len(v.Bytes))
	}
	return nil
}

// Bool returns the tag value as a boolean.
// Works for BOOL type or extracts a specific bit from a byte.
func (v *TagValue) Bool() (bool, error) {
	if v.Error != nil {
		return false, v.Error
	}
	if err := v.need(1); err != nil {
		return false, err
	}

	if v.BitNum >= 0 && v.BitNum <= 7 {
		return GetBit(v.Bytes[0], v.BitNum), nil
	}

	// Non-bit BOOL (full byte)
	return v.Bytes[0] != 0, nil
}

// Int returns the tag value as a signed 64-bit integer.
// Works for INT and DINT types.
func (v *TagValue) Int() (int64, error) {
	if v.Error != nil {
		return 0, v.Error
	}

	switch v.DataType {
	case TypeInt:
		if err := v.need(2); err != nil {
			return 0, err
		}
		return int64(int16(binary.BigEndian.Uint16(v.Bytes))), nil
	case TypeDInt:
		if err := v.need(4); err != nil {
			return 0, err
		}
		return int64(int32(getUint32(v.Bytes, v.Order))), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected signed integer, got %s", v.TypeName())
	}
}

// Uint returns the tag value as an unsigned 64-bit integer.
// Works for BYTE, WORD and DWORD types.
func (v *TagValue) Uint() (uint64, error) {
	if v.Error != nil {
		return 0, v.Error
	}

	switch v.DataType {
	case TypeByte:
		if err := v.need(1); err != nil {
			return 0, err
		}
		return uint64(v.Bytes[0]), nil
	case TypeWord:
		if err := v.need(2); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(v.Bytes)), nil
	case TypeDWord:
		if err := v.need(4); err != nil {
			return 0, err
		}
		return uint64(getUint32(v.Bytes, v.Order)), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected unsigned integer, got %s", v.TypeName())
	}
}

// Float returns the tag value as a 64-bit float.
// Works for REAL (float32).
func (v *TagValue) Float() (float64, error) {
	if v.Error != nil {
		return 0, v.Error
	}

	if v.DataType != TypeReal {
		return 0, fmt.Errorf("type mismatch: expected float, got %s", v.TypeName())
	}
	if err := v.need(4); err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(getUint32(v.Bytes, v.Order))), nil
}

// GoValue returns the tag value converted to an appropriate Go type.
// Returns nil if there's an error. The returned type depends on the tag's data type:
//   - BOOL -> bool
//   - INT, DINT -> int64 (or []int64 for arrays)
//   - BYTE, WORD, DWORD -> uint64 (or []uint64 for arrays)
//   - REAL -> float64 (or []float64 for arrays)
//   - BYTES and unknown -> []int (byte array for JSON compatibility)
func (v *TagValue) GoValue() interface{} {
	if v.Error != nil {
		return nil
	}

	elemSize := TypeSize(v.DataType)
	if v.DataType == TypeBool || elemSize == 0 {
		return v.parseScalar(0)
	}

	count := len(v.Bytes) / elemSize
	if count > 1 || v.Count > 1 {
		return v.parseArray(elemSize, count)
	}
	return v.parseScalar(0)
}

// parseScalar decodes the element starting at offset.
func (v *TagValue) parseScalar(offset int) interface{} {
	b := v.Bytes[offset:]
	switch v.DataType {
	case TypeBool:
		if len(b) >= 1 {
			if v.BitNum >= 0 && v.BitNum <= 7 {
				return GetBit(b[0], v.BitNum)
			}
			return b[0] != 0
		}
	case TypeByte:
		if len(b) >= 1 {
			return uint64(b[0])
		}
	case TypeInt:
		if len(b) >= 2 {
			return int64(int16(binary.BigEndian.Uint16(b)))
		}
	case TypeWord: // TypeUInt is an alias for TypeWord
		if len(b) >= 2 {
			return uint64(binary.BigEndian.Uint16(b))
		}
	case TypeDInt:
		if len(b) >= 4 {
			return int64(int32(getUint32(b, v.Order)))
		}
	case TypeDWord: // TypeUDInt is an alias for TypeDWord
		if len(b) >= 4 {
			return uint64(getUint32(b, v.Order))
		}
	case TypeReal:
		if len(b) >= 4 {
			return float64(math.Float32frombits(getUint32(b, v.Order)))
		}
	}

	// Raw or short data - return as byte array
	return v.bytesToIntArray()
}

// parseArray decodes count consecutive elements.
func (v *TagValue) parseArray(elemSize, count int) interface{} {
	switch v.DataType {
	case TypeInt, TypeDInt:
		result := make([]int64, count)
		for i := range result {
			result[i] = v.parseScalar(i * elemSize).(int64)
		}
		return result
	case TypeByte, TypeWord, TypeDWord:
		result := make([]uint64, count)
		for i := range result {
			result[i] = v.parseScalar(i * elemSize).(uint64)
		}
		return result
	case TypeReal:
		result := make([]float64, count)
		for i := range result {
			result[i] = v.parseScalar(i * elemSize).(float64)
		}
		return result
	default:
		return v.bytesToIntArray()
	}
}

// bytesToIntArray converts the raw bytes to []int for JSON-friendly output.
func (v *TagValue) bytesToIntArray() []int {
	intBytes := make([]int, len(v.Bytes))
	for i, b := range v.Bytes {
		intBytes[i] = int(b)
	}
	return intBytes
}

// TypeName returns the human-readable type name for this tag.
func (v *TagValue) TypeName() string {
	return TypeName(v.DataType)
}

// EncodeValue converts a Go value to the wire bytes of one element of dataType.
// Accepted inputs are bool, the Go integer kinds, float32/float64, json.Number
// and numeric strings. Integers outside the range of the target type are
// rejected. BOOL encodes to a single 0/1 byte; callers merge it into the
// containing byte.
func EncodeValue(dataType uint16, value interface{}, order WordOrder) ([]byte, error) {
	switch dataType {
	case TypeBool:
		v, err := toBool(value)
		if err != nil {
			return nil, err
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeByte:
		n, err := toInt64(value, 0, math.MaxUint8)
		if err != nil {
			return nil, fmt.Errorf("BYTE: %w", err)
		}
		return []byte{byte(n)}, nil

	case TypeWord:
		n, err := toInt64(value, 0, math.MaxUint16)
		if err != nil {
			return nil, fmt.Errorf("WORD: %w", err)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(n))
		return buf, nil

	case TypeInt:
		n, err := toInt64(value, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, fmt.Errorf("INT: %w", err)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(n)))
		return buf, nil

	case TypeDWord:
		n, err := toInt64(value, 0, math.MaxUint32)
		if err != nil {
			return nil, fmt.Errorf("DWORD: %w", err)
		}
		buf := make([]byte, 4)
		putUint32(buf, uint32(n), order)
		return buf, nil

	case TypeDInt:
		n, err := toInt64(value, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, fmt.Errorf("DINT: %w", err)
		}
		buf := make([]byte, 4)
		putUint32(buf, uint32(int32(n)), order)
		return buf, nil

	case TypeReal:
		f, err := toFloat64(value)
		if err != nil {
			return nil, fmt.Errorf("REAL: %w", err)
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("REAL: %v out of float32 range", f)
		}
		buf := make([]byte, 4)
		putUint32(buf, math.Float32bits(float32(f)), order)
		return buf, nil

	case TypeBytes:
		return toBytes(value)

	default:
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, dataType)
	}
}

// EncodeValues encodes a scalar or a slice of elements. A slice must hold
// exactly count elements.
func EncodeValues(dataType uint16, value interface{}, count int, order WordOrder) ([]byte, error) {
	if count <= 1 || dataType == TypeBytes || dataType == TypeBool {
		return EncodeValue(dataType, value, order)
	}

	elems, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("array of %d %s requires a list value, got %T", count, TypeName(dataType), value)
	}
	if len(elems) != count {
		return nil, fmt.Errorf("array of %d %s got %d values", count, TypeName(dataType), len(elems))
	}

	out := make([]byte, 0, count*TypeSize(dataType))
	for i, e := range elems {
		b, err := EncodeValue(dataType, e, order)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
		return false, fmt.Errorf("cannot convert %q to bool", v)
	}
	n, err := toInt64(value, 0, 1)
	if err != nil {
		return false, fmt.Errorf("BOOL: %w", err)
	}
	return n != 0, nil
}

// toInt64 converts an integral value and checks it lies within [lo, hi].
func toInt64(value interface{}, lo, hi int64) (int64, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
		}
		n = int64(v)
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
		}
		n = int64(v)
	case bool:
		if v {
			n = 1
		}
	case float32:
		return floatToInt64(float64(v), lo, hi)
	case float64:
		return floatToInt64(v, lo, hi)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			n = i
		} else if f, ferr := v.Float64(); ferr == nil {
			return floatToInt64(f, lo, hi)
		} else {
			return 0, fmt.Errorf("invalid number %q", v.String())
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v)
		}
		n = i
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func floatToInt64(f float64, lo, hi int64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	if f < float64(lo) || f > float64(hi) {
		return 0, fmt.Errorf("value %v out of range [%d, %d]", f, lo, hi)
	}
	return int64(f), nil
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		return f, nil
	}
	n, err := toInt64(value, math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case []interface{}:
		out := make([]byte, len(v))
		for i, e := range v {
			n, err := toInt64(e, 0, math.MaxUint8)
			if err != nil {
				return nil, fmt.Errorf("byte %d: %w", i, err)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []int:
		out := make([]byte, len(v))
		for i, e := range v {
			if e < 0 || e > math.MaxUint8 {
				return nil, fmt.Errorf("byte %d: value %d out of range [0, 255]", i, e)
			}
			out[i] = byte(e)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bytes", value)
	}
}

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"s7link/s7"
)

// formatTypes maps --format names to the element type they decode as.
var formatTypes = map[string]uint16{
	"hex":     s7.TypeBytes,
	"int16":   s7.TypeInt,
	"uint16":  s7.TypeWord,
	"int32":   s7.TypeDInt,
	"uint32":  s7.TypeDWord,
	"float32": s7.TypeReal,
	"float":   s7.TypeReal,
}

func formatType(format string) (uint16, error) {
	dt, ok := formatTypes[strings.ToLower(format)]
	if !ok {
		return 0, fmt.Errorf("unknown format %q (hex|int16|uint16|int32|uint32|float32)", format)
	}
	return dt, nil
}

func joinValues[T any](vals []T) string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprint(v)
	}
	return strings.Join(out, ",")
}

// formatData renders a raw byte range in the given format.
func formatData(data []byte, format string, order s7.WordOrder) (string, error) {
	dt, err := formatType(format)
	if err != nil {
		return "", err
	}
	if dt == s7.TypeBytes {
		return fmt.Sprintf("% X", data), nil
	}

	size := s7.TypeSize(dt)
	if len(data)%size != 0 {
		return "", fmt.Errorf("%s output requires size to be a multiple of %d, got %d", format, size, len(data))
	}
	v := &s7.TagValue{DataType: dt, Bytes: data, BitNum: -1, Count: len(data) / size, Order: order}
	switch vals := v.GoValue().(type) {
	case []int64:
		return joinValues(vals), nil
	case []uint64:
		return joinValues(vals), nil
	case []float64:
		return joinValues(vals), nil
	default:
		return fmt.Sprint(vals), nil
	}
}

// parseWriteData encodes comma-separated values (or hex pairs) in the
// given format.
func parseWriteData(format, raw string, order s7.WordOrder) ([]byte, error) {
	dt, err := formatType(format)
	if err != nil {
		return nil, err
	}
	if dt == s7.TypeBytes {
		clean := strings.NewReplacer(" ", "", "0x", "", "0X", "", ",", "").Replace(raw)
		data, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("invalid hex input: %w", err)
		}
		return data, nil
	}

	parts := splitValues(raw)
	if len(parts) == 0 {
		return nil, fmt.Errorf("no values given")
	}
	if len(parts) == 1 {
		return s7.EncodeValue(dt, parts[0], order)
	}
	elems := make([]interface{}, len(parts))
	for i, p := range parts {
		elems[i] = p
	}
	return s7.EncodeValues(dt, elems, len(elems), order)
}

func splitValues(raw string) []string {
	items := strings.Split(raw, ",")
	res := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			res = append(res, item)
		}
	}
	return res
}

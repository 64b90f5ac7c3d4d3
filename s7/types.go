// Package s7 provides Siemens S7 PLC communication over ISO-on-TCP.
//
// The package talks to the PLC directly: it frames requests in TPKT and COTP,
// negotiates the session with a COTP connection request followed by an S7
// Setup Communication job, and reads or writes contiguous byte ranges of the
// data block, input, output and bit memory areas.
package s7

import (
	"fmt"
	"strings"
)

// S7 data type codes.
// These are the element types the client can encode and decode.
const (
	TypeBool  uint16 = 0x0001 // 1 bit inside one byte
	TypeByte  uint16 = 0x0002 // 8 bits unsigned
	TypeWord  uint16 = 0x0005 // 16 bits unsigned
	TypeUInt  uint16 = 0x0005 // 16 bits unsigned (alias for WORD)
	TypeInt   uint16 = 0x0006 // 16 bits signed
	TypeDWord uint16 = 0x0007 // 32 bits unsigned
	TypeUDInt uint16 = 0x0007 // 32 bits unsigned (alias for DWORD)
	TypeDInt  uint16 = 0x0008 // 32 bits signed
	TypeReal  uint16 = 0x0009 // 32 bits IEEE 754 float
	TypeBytes uint16 = 0x00FF // raw byte range, no conversion
)

// TypeSize returns the byte size of a single element of the data type.
// Returns 0 for raw byte ranges and unknown types.
func TypeSize(dataType uint16) int {
	switch dataType {
	case TypeBool, TypeByte:
		return 1
	case TypeWord, TypeInt: // TypeUInt == TypeWord
		return 2
	case TypeDWord, TypeDInt, TypeReal: // TypeUDInt == TypeDWord
		return 4
	default:
		return 0
	}
}

// TypeName returns a human-readable name for the data type.
func TypeName(dataType uint16) string {
	switch dataType {
	case TypeBool:
		return "BOOL"
	case TypeByte:
		return "BYTE"
	case TypeWord:
		return "WORD"
	case TypeInt:
		return "INT"
	case TypeDWord:
		return "DWORD"
	case TypeDInt:
		return "DINT"
	case TypeReal:
		return "REAL"
	case TypeBytes:
		return "BYTES"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", dataType)
	}
}

// TypeCodeFromName returns the type code for a given type name.
// Both S7 names (INT, DINT, REAL) and Go-style names (int16, float32) are accepted.
// Returns (typeCode, true) if found, (0, false) otherwise.
func TypeCodeFromName(name string) (uint16, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOL", "BOOLEAN":
		return TypeBool, true
	case "BYTE", "USINT", "UINT8":
		return TypeByte, true
	case "WORD", "UINT", "UINT16":
		return TypeWord, true
	case "INT", "INT16":
		return TypeInt, true
	case "DWORD", "UDINT", "UINT32":
		return TypeDWord, true
	case "DINT", "INT32":
		return TypeDInt, true
	case "REAL", "FLOAT", "FLOAT32":
		return TypeReal, true
	case "BYTES", "RAW":
		return TypeBytes, true
	default:
		return 0, false
	}
}

// SupportedTypeNames returns the type names accepted by TypeCodeFromName.
func SupportedTypeNames() []string {
	return []string{
		"BOOL", "BYTE", "WORD", "UINT", "INT",
		"DWORD", "UDINT", "DINT", "REAL", "BYTES",
	}
}

// WordOrder selects how the two 16-bit halves of a 32-bit value are laid out.
type WordOrder int

const (
	// HighWordFirst is the native S7 layout (plain big-endian).
	HighWordFirst WordOrder = iota
	// LowWordFirst stores the low 16-bit register before the high one.
	LowWordFirst
)

// String returns the configuration name of the word order.
func (o WordOrder) String() string {
	switch o {
	case HighWordFirst:
		return "high_first"
	case LowWordFirst:
		return "low_first"
	default:
		return fmt.Sprintf("WordOrder(%d)", int(o))
	}
}

// ParseWordOrder parses a word order name. An empty string selects HighWordFirst.
func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "high_first", "high", "big", "abcd":
		return HighWordFirst, nil
	case "low_first", "low", "swapped", "cdab":
		return LowWordFirst, nil
	default:
		return HighWordFirst, fmt.Errorf("unknown word order %q", s)
	}
}

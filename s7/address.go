package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Area represents an S7 memory area.
type Area int

const (
	AreaDB Area = iota // Data Block
	AreaI              // Process Image Input (PE)
	AreaQ              // Process Image Output (PA)
	AreaM              // Merker/Flag (MK)
)

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	case AreaM:
		return "M"
	default:
		return "?"
	}
}

// code returns the S7ANY area code sent on the wire.
func (a Area) code() (byte, bool) {
	switch a {
	case AreaDB:
		return s7AreaDB, true
	case AreaI:
		return s7AreaI, true
	case AreaQ:
		return s7AreaQ, true
	case AreaM:
		return s7AreaM, true
	default:
		return 0, false
	}
}

// ParseArea parses an area name. The snap7 names (DB, PE, PA, MK), the
// S7 letters (I, Q, M) and the German letters (E, A) are accepted.
func ParseArea(name string) (Area, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DB":
		return AreaDB, nil
	case "PE", "I", "E", "INPUT", "INPUTS":
		return AreaI, nil
	case "PA", "Q", "A", "OUTPUT", "OUTPUTS":
		return AreaQ, nil
	case "MK", "M", "MERKER", "MEMORY":
		return AreaM, nil
	default:
		return 0, fmt.Errorf("%w: unknown area %q", ErrInvalidAddress, name)
	}
}

// Address represents a parsed S7 memory address.
type Address struct {
	Area     Area   // Memory area (DB, I, Q, M)
	DBNumber int    // Data block number (only for AreaDB)
	Offset   int    // Byte offset
	BitNum   int    // Bit number (0-7 for BOOL, -1 for other types)
	DataType uint16 // Element data type
	Size     int    // Size in bytes to read
	Count    int    // Number of elements (1 for scalar, >1 for array)
}

// maxByteOffset is the largest byte offset the 24-bit bit address can carry.
const maxByteOffset = 1<<21 - 1

// validate checks an address locally before any I/O is attempted.
func (a *Address) validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil address", ErrInvalidAddress)
	}
	if _, ok := a.Area.code(); !ok {
		return fmt.Errorf("%w: unsupported area %v", ErrInvalidAddress, a.Area)
	}
	if a.Area == AreaDB && (a.DBNumber < 1 || a.DBNumber > 0xFFFF) {
		return fmt.Errorf("%w: DB number must be 1-65535, got %d", ErrInvalidAddress, a.DBNumber)
	}
	if a.Offset < 0 || a.Offset > maxByteOffset {
		return fmt.Errorf("%w: offset %d out of range", ErrInvalidAddress, a.Offset)
	}
	if a.BitNum > 7 {
		return fmt.Errorf("%w: bit number must be 0-7, got %d", ErrInvalidAddress, a.BitNum)
	}
	if a.DataType == TypeBool && a.BitNum < 0 {
		return fmt.Errorf("%w: BOOL requires a bit number", ErrInvalidAddress)
	}
	if a.Size < 1 {
		return fmt.Errorf("%w: size must be at least 1, got %d", ErrInvalidAddress, a.Size)
	}
	return nil
}

// String formats the address in S7 notation.
func (a *Address) String() string {
	var letter string
	switch TypeSize(a.DataType) {
	case 2:
		letter = "W"
	case 4:
		letter = "D"
	default:
		letter = "B"
	}
	if a.BitNum >= 0 {
		if a.Area == AreaDB {
			return fmt.Sprintf("DB%d.DBX%d.%d", a.DBNumber, a.Offset, a.BitNum)
		}
		return fmt.Sprintf("%s%d.%d", a.Area, a.Offset, a.BitNum)
	}
	if a.Area == AreaDB {
		return fmt.Sprintf("DB%d.DB%s%d", a.DBNumber, letter, a.Offset)
	}
	return fmt.Sprintf("%s%s%d", a.Area, letter, a.Offset)
}

// Regular expressions for parsing S7 addresses
var (
	// DB addresses: DB1.DBX0.0 (bit), DB1.DBB0 (byte), DB1.DBW0 (word), DB1.DBD0 (dword)
	reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)

	// Simple DB addresses: DB1.0 or DB1.0[6] (offset only, type from hint, optional array count)
	reDBSimple = regexp.MustCompile(`^DB(\d+)\.(\d+)(?:\[(\d+)\])?$`)

	// I/Q/M addresses: M0.0 (bit), MB0 (byte), MW0 (word), MD0 (dword). E and A are German aliases.
	reIQM = regexp.MustCompile(`^([IQMEA])([XBWD])?(\d+)(?:\.(\d))?$`)
)

// ParseAddress parses an S7 address string and returns an Address.
// Supported formats:
//   - DB1.0      - Data Block with offset (requires type hint for size)
//   - DB1.DBX0.0 - Data Block bit
//   - DB1.DBB0   - Data Block byte
//   - DB1.DBW0   - Data Block word
//   - DB1.DBD0   - Data Block dword
//   - M0.0, MB0, MW0, MD0 - Merker
//   - I0.0, IB0, IW0, ID0 - Input
//   - Q0.0, QB0, QW0, QD0 - Output
func ParseAddress(addr string) (*Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if m := reDBSimple.FindStringSubmatch(addr); m != nil {
		return parseDBSimpleAddress(m)
	}

	if m := reDB.FindStringSubmatch(addr); m != nil {
		return parseDBAddress(m)
	}

	if m := reIQM.FindStringSubmatch(addr); m != nil {
		return parseIQMAddress(m)
	}

	return nil, fmt.Errorf("%w: invalid S7 address format: %s", ErrInvalidAddress, addr)
}

// parseDBSimpleAddress parses simple DB addresses like "DB1.0" or "DB1.0[6]" for arrays.
// Returns an address with no type/size - caller must set these from a type hint.
func parseDBSimpleAddress(m []string) (*Address, error) {
	dbNum, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[2])

	count := 1
	if m[3] != "" {
		count, _ = strconv.Atoi(m[3])
		if count < 1 {
			count = 1
		}
	}

	return &Address{
		Area:     AreaDB,
		DBNumber: dbNum,
		Offset:   offset,
		BitNum:   -1,
		Count:    count,
	}, nil
}

func parseDBAddress(m []string) (*Address, error) {
	dbNum, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[3])

	addr := &Address{
		Area:     AreaDB,
		DBNumber: dbNum,
		Offset:   offset,
		BitNum:   -1,
		Count:    1,
	}

	if m[2] == "X" && m[4] == "" {
		return nil, fmt.Errorf("%w: DBX requires bit number (e.g., DB1.DBX0.0)", ErrInvalidAddress)
	}
	if err := applyTypeLetter(addr, m[2], m[4]); err != nil {
		return nil, err
	}
	return addr, nil
}

func parseIQMAddress(m []string) (*Address, error) {
	var area Area
	switch m[1] {
	case "I", "E":
		area = AreaI
	case "Q", "A":
		area = AreaQ
	case "M":
		area = AreaM
	}

	typeLetter := m[2]
	if typeLetter == "" {
		typeLetter = "X" // M0 means M0.0
	}
	offset, _ := strconv.Atoi(m[3])

	addr := &Address{
		Area:   area,
		Offset: offset,
		BitNum: -1,
		Count:  1,
	}

	bit := m[4]
	if typeLetter == "X" && bit == "" {
		bit = "0"
	}
	if err := applyTypeLetter(addr, typeLetter, bit); err != nil {
		return nil, err
	}
	return addr, nil
}

// applyTypeLetter fills type and size from the X/B/W/D size letter.
func applyTypeLetter(addr *Address, letter, bit string) error {
	switch letter {
	case "X":
		bitNum, _ := strconv.Atoi(bit)
		if bitNum < 0 || bitNum > 7 {
			return fmt.Errorf("%w: bit number must be 0-7, got %d", ErrInvalidAddress, bitNum)
		}
		addr.BitNum = bitNum
		addr.DataType = TypeBool
		addr.Size = 1
	case "B":
		addr.DataType = TypeByte
		addr.Size = 1
	case "W":
		addr.DataType = TypeWord
		addr.Size = 2
	case "D":
		addr.DataType = TypeDWord
		addr.Size = 4
	default:
		return fmt.Errorf("%w: unknown type letter %s", ErrInvalidAddress, letter)
	}
	if letter != "X" && bit != "" {
		return fmt.Errorf("%w: bit number only valid for bit addresses", ErrInvalidAddress)
	}
	return nil
}

// ApplyTypeHint sets the data type of an address from a type name.
// A hint overrides the size letter's default (e.g. DB1.DBD0 with REAL),
// but must not change the element width.
func (a *Address) ApplyTypeHint(typeHint string) error {
	if typeHint == "" {
		return nil
	}
	typeCode, ok := TypeCodeFromName(typeHint)
	if !ok {
		return fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedType, typeHint, strings.Join(SupportedTypeNames(), ", "))
	}
	if typeCode == TypeBool && a.BitNum < 0 {
		return fmt.Errorf("%w: BOOL requires a bit address", ErrInvalidAddress)
	}
	if a.Size != 0 && a.DataType != 0 && TypeSize(typeCode) != 0 && TypeSize(typeCode) != TypeSize(a.DataType) {
		return fmt.Errorf("%w: %s does not fit a %d-byte address", ErrInvalidAddress, TypeName(typeCode), TypeSize(a.DataType))
	}
	a.DataType = typeCode
	if typeCode == TypeBytes && a.Size == 0 {
		a.Size = a.Count
	}
	if size := TypeSize(typeCode); size > 0 {
		if a.Count < 1 {
			a.Count = 1
		}
		a.Size = size * a.Count
	}
	return nil
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}

package s7

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
)

func TestRealRoundTrip(t *testing.T) {
	values := []float32{
		0,
		float32(math.Copysign(0, -1)),
		1.5,
		-123.456,
		math.SmallestNonzeroFloat32 * (1 << 23), // smallest positive normal
		math.MaxFloat32,
	}

	for _, order := range []WordOrder{HighWordFirst, LowWordFirst} {
		for _, want := range values {
			data, err := EncodeValue(TypeReal, want, order)
			if err != nil {
				t.Fatalf("EncodeValue(%v, %s): %v", want, order, err)
			}
			v := &TagValue{DataType: TypeReal, Bytes: data, BitNum: -1, Order: order}
			got, err := v.Float()
			if err != nil {
				t.Fatalf("Float(): %v", err)
			}
			if math.Float32bits(float32(got)) != math.Float32bits(want) {
				t.Errorf("%s: round trip of %v (0x%08X) gave %v (0x%08X)",
					order, want, math.Float32bits(want), got, math.Float32bits(float32(got)))
			}
		}
	}
}

func TestWordOrderLayout(t *testing.T) {
	tests := []struct {
		dataType uint16
		value    interface{}
		order    WordOrder
		want     []byte
	}{
		{TypeDInt, int32(0x01020304), HighWordFirst, []byte{0x01, 0x02, 0x03, 0x04}},
		{TypeDInt, int32(0x01020304), LowWordFirst, []byte{0x03, 0x04, 0x01, 0x02}},
		{TypeDWord, uint32(0xAABBCCDD), LowWordFirst, []byte{0xCC, 0xDD, 0xAA, 0xBB}},
		{TypeReal, float32(1.5), HighWordFirst, []byte{0x3F, 0xC0, 0x00, 0x00}},
		{TypeReal, float32(1.5), LowWordFirst, []byte{0x00, 0x00, 0x3F, 0xC0}},
		// 16-bit values are not affected by word order
		{TypeInt, int16(-2), LowWordFirst, []byte{0xFF, 0xFE}},
		{TypeWord, 1234, LowWordFirst, []byte{0x04, 0xD2}},
	}
	for _, tt := range tests {
		got, err := EncodeValue(tt.dataType, tt.value, tt.order)
		if err != nil {
			t.Errorf("EncodeValue(%s, %v, %s): %v", TypeName(tt.dataType), tt.value, tt.order, err)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeValue(%s, %v, %s) = % X, want % X", TypeName(tt.dataType), tt.value, tt.order, got, tt.want)
		}
	}
}

func TestIntegerDecode(t *testing.T) {
	tests := []struct {
		name     string
		dataType uint16
		data     []byte
		order    WordOrder
		want     interface{}
	}{
		{"INT negative", TypeInt, []byte{0x80, 0x00}, HighWordFirst, int64(-32768)},
		{"INT sign bit 15", TypeInt, []byte{0xFF, 0xFF}, HighWordFirst, int64(-1)},
		{"WORD", TypeWord, []byte{0xFF, 0xFF}, HighWordFirst, uint64(65535)},
		{"BYTE", TypeByte, []byte{0x7F}, HighWordFirst, uint64(127)},
		{"DINT", TypeDInt, []byte{0xFF, 0xFF, 0xFF, 0xFE}, HighWordFirst, int64(-2)},
		{"DINT swapped", TypeDInt, []byte{0xFF, 0xFE, 0xFF, 0xFF}, LowWordFirst, int64(-2)},
		{"DWORD", TypeDWord, []byte{0x00, 0x01, 0x00, 0x00}, HighWordFirst, uint64(65536)},
		{"DWORD swapped", TypeDWord, []byte{0x00, 0x00, 0x00, 0x01}, LowWordFirst, uint64(65536)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &TagValue{DataType: tt.dataType, Bytes: tt.data, BitNum: -1, Order: tt.order}
			if got := v.GoValue(); got != tt.want {
				t.Errorf("GoValue() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestGoValueArray(t *testing.T) {
	v := &TagValue{
		DataType: TypeInt,
		Bytes:    []byte{0x00, 0x01, 0xFF, 0xFF, 0x00, 0x03},
		BitNum:   -1,
		Count:    3,
	}
	got, ok := v.GoValue().([]int64)
	if !ok {
		t.Fatalf("GoValue() = %T, want []int64", v.GoValue())
	}
	want := []int64{1, -1, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %d, want %d", i, got[i], want[i])
		}
	}

	raw := &TagValue{DataType: TypeBytes, Bytes: []byte{1, 2}, BitNum: -1}
	if ints, ok := raw.GoValue().([]int); !ok || len(ints) != 2 || ints[1] != 2 {
		t.Errorf("raw GoValue() = %v", raw.GoValue())
	}
}

func TestBitMask(t *testing.T) {
	const pattern = byte(0b10101010)
	for bit := 0; bit < 8; bit++ {
		set := SetBit(pattern, bit, true)
		cleared := SetBit(pattern, bit, false)
		others := ^byte(1 << uint(bit))

		if set&others != pattern&others || cleared&others != pattern&others {
			t.Errorf("bit %d: other bits changed (set=%08b cleared=%08b)", bit, set, cleared)
		}
		if !GetBit(set, bit) {
			t.Errorf("bit %d: not set in %08b", bit, set)
		}
		if GetBit(cleared, bit) {
			t.Errorf("bit %d: not cleared in %08b", bit, cleared)
		}
		if GetBit(pattern, bit) != (bit%2 == 1) {
			t.Errorf("bit %d: GetBit(%08b) wrong", bit, pattern)
		}
	}
}

func TestBoolAccessor(t *testing.T) {
	v := &TagValue{DataType: TypeBool, Bytes: []byte{0x08}, BitNum: 3}
	got, err := v.Bool()
	if err != nil || !got {
		t.Errorf("Bool() = %v, %v; want true", got, err)
	}
	v.BitNum = 2
	if got, _ := v.Bool(); got {
		t.Error("Bool() bit 2 = true, want false")
	}
	if _, err := v.Int(); err == nil {
		t.Error("Int() on BOOL: expected type mismatch")
	}
}

func TestEncodeRangeChecks(t *testing.T) {
	tests := []struct {
		name     string
		dataType uint16
		value    interface{}
		wantErr  bool
	}{
		{"INT max", TypeInt, 32767, false},
		{"INT overflow", TypeInt, 32768, true},
		{"INT underflow", TypeInt, -32769, true},
		{"WORD negative", TypeWord, -1, true},
		{"WORD max", TypeWord, uint16(65535), false},
		{"DINT overflow", TypeDInt, int64(math.MaxInt32) + 1, true},
		{"DWORD max", TypeDWord, uint32(math.MaxUint32), false},
		{"DWORD overflow", TypeDWord, uint64(math.MaxUint32) + 1, true},
		{"BYTE overflow", TypeByte, 256, true},
		{"INT from float", TypeInt, 12.0, false},
		{"INT from fraction", TypeInt, 12.5, true},
		{"INT from json", TypeInt, json.Number("-7"), false},
		{"INT from bad json", TypeInt, json.Number("x"), true},
		{"REAL from json", TypeReal, json.Number("3.25"), false},
		{"REAL from int", TypeReal, 3, false},
		{"REAL overflow", TypeReal, 1e39, true},
		{"BOOL from int", TypeBool, 1, false},
		{"BOOL from 2", TypeBool, 2, true},
		{"BOOL from string", TypeBool, "true", false},
		{"INT from struct", TypeInt, struct{}{}, true},
		{"unknown type", 0x42, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeValue(tt.dataType, tt.value, HighWordFirst)
			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeValue(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestEncodeValues(t *testing.T) {
	got, err := EncodeValues(TypeInt, []interface{}{1, json.Number("2"), -1}, 3, HighWordFirst)
	if err != nil {
		t.Fatalf("EncodeValues: %v", err)
	}
	if want := []byte{0x00, 0x01, 0x00, 0x02, 0xFF, 0xFF}; !bytes.Equal(got, want) {
		t.Errorf("EncodeValues = % X, want % X", got, want)
	}

	if _, err := EncodeValues(TypeInt, []interface{}{1}, 3, HighWordFirst); err == nil {
		t.Error("expected count mismatch error")
	}

	raw, err := EncodeValues(TypeBytes, []interface{}{1, 255}, 2, HighWordFirst)
	if err != nil || !bytes.Equal(raw, []byte{0x01, 0xFF}) {
		t.Errorf("bytes: % X, %v", raw, err)
	}
}

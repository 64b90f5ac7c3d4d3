package s7

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// ackData builds an AckData PDU for parser tests.
func ackData(ref uint16, errClass, errCode byte, params, data []byte) []byte {
	pdu := []byte{
		s7ProtocolID, s7MsgAckData, 0x00, 0x00,
		byte(ref >> 8), byte(ref),
		byte(len(params) >> 8), byte(len(params)),
		byte(len(data) >> 8), byte(len(data)),
		errClass, errCode,
	}
	pdu = append(pdu, params...)
	return append(pdu, data...)
}

func TestBuildCOTPConnectRequest(t *testing.T) {
	got := buildCOTPConnectRequest(0<<5 | 1)
	want := []byte{
		0x11, 0xE0, 0x00, 0x00, 0x00, 0x01, 0x00,
		0xC0, 0x01, 0x0A,
		0xC1, 0x02, 0x01, 0x00,
		0xC2, 0x02, 0x01, 0x01,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("CR = % X\nwant % X", got, want)
	}

	tr := newTransport("plc", 0, 0, 2, 0, 0)
	if tr.tsap() != 0x02 {
		t.Errorf("tsap(rack 0, slot 2) = 0x%02X, want 0x02", tr.tsap())
	}
	tr = newTransport("plc", 0, 1, 3, 0, 0)
	if tr.tsap() != 0x23 {
		t.Errorf("tsap(rack 1, slot 3) = 0x%02X, want 0x23", tr.tsap())
	}
}

func TestNewTransportAddress(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"192.168.0.1", 0, "192.168.0.1:102"},
		{"192.168.0.1", 1102, "192.168.0.1:1102"},
		{"192.168.0.1:2000", 102, "192.168.0.1:2000"},
		{"plc.local", 102, "plc.local:102"},
	}
	for _, tt := range tests {
		if got := newTransport(tt.host, tt.port, 0, 1, 0, 0).address; got != tt.want {
			t.Errorf("newTransport(%q, %d).address = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestBuildSetupCommRequest(t *testing.T) {
	got := buildSetupCommRequest(7, 480)
	want := []byte{
		0x32, 0x01, 0x00, 0x00, 0x00, 0x07, 0x00, 0x08, 0x00, 0x00,
		0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x01, 0xE0,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("setup = % X\nwant % X", got, want)
	}
}

func setupParams(pdu uint16) []byte {
	return []byte{0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, byte(pdu >> 8), byte(pdu)}
}

func TestParseSetupCommResponse(t *testing.T) {
	pdu, err := parseSetupCommResponse(ackData(3, 0, 0, setupParams(240), nil), 3, 480)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pdu != 240 {
		t.Errorf("pdu = %d, want 240", pdu)
	}

	_, err = parseSetupCommResponse(ackData(3, 0x81, 0x04, nil, nil), 3, 480)
	var ae *AreaAccessError
	if err == nil || errors.As(err, &ae) {
		t.Errorf("error class response: got %v, want plain refusal", err)
	}
	if err != nil && !strings.Contains(err.Error(), "application relationship") {
		t.Errorf("error class response message = %q", err)
	}

	_, err = parseSetupCommResponse(ackData(3, 0, 0, setupParams(240)[:4], nil), 3, 480)
	var pe *ProtocolViolationError
	if !errors.As(err, &pe) {
		t.Errorf("short params: got %v, want ProtocolViolationError", err)
	}
}

func TestParseSetupCommResponsePDURange(t *testing.T) {
	tests := []struct {
		name     string
		pdu      uint16
		proposed uint16
		ok       bool
	}{
		{"equal to proposed", 480, 480, true},
		{"lowered by peer", 240, 960, true},
		{"raised above proposed", 960, 480, false},
		{"far above proposed", 0xFFFF, 480, false},
		{"below minimum", 200, 480, false},
		{"above maximum", 1024, 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := parseSetupCommResponse(ackData(7, 0, 0, setupParams(tt.pdu), nil), 7, tt.proposed)
			if tt.ok {
				if err != nil || pdu != tt.pdu {
					t.Errorf("got pdu=%d err=%v, want %d", pdu, err, tt.pdu)
				}
				return
			}
			var pe *ProtocolViolationError
			if !errors.As(err, &pe) {
				t.Errorf("got pdu=%d err=%v, want ProtocolViolationError", pdu, err)
			}
		})
	}
}

func TestBuildReadRequest(t *testing.T) {
	tests := []struct {
		name string
		item anyItem
		want []byte
	}{
		{
			name: "DB1 offset 0 size 2",
			item: byteItem(AreaDB, 1, 0, 2),
			want: []byte{
				0x32, 0x01, 0x00, 0x00, 0x00, 0x05, 0x00, 0x0E, 0x00, 0x00,
				0x04, 0x01,
				0x12, 0x0A, 0x10, 0x02, 0x00, 0x02, 0x00, 0x01, 0x84, 0x00, 0x00, 0x00,
			},
		},
		{
			name: "MB10 size 4",
			item: byteItem(AreaM, 99, 10, 4),
			want: []byte{
				0x32, 0x01, 0x00, 0x00, 0x00, 0x05, 0x00, 0x0E, 0x00, 0x00,
				0x04, 0x01,
				0x12, 0x0A, 0x10, 0x02, 0x00, 0x04, 0x00, 0x00, 0x83, 0x00, 0x00, 0x50,
			},
		},
		{
			name: "PE offset 300",
			item: byteItem(AreaI, 0, 300, 1),
			want: []byte{
				0x32, 0x01, 0x00, 0x00, 0x00, 0x05, 0x00, 0x0E, 0x00, 0x00,
				0x04, 0x01,
				0x12, 0x0A, 0x10, 0x02, 0x00, 0x01, 0x00, 0x00, 0x81, 0x00, 0x09, 0x60,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildReadRequest(tt.item, 5)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got  % X\nwant % X", got, tt.want)
			}
		})
	}
}

func TestBuildWriteRequest(t *testing.T) {
	got := buildWriteRequest(byteItem(AreaDB, 1, 0, 2), []byte{0x04, 0xD2}, 9)
	want := []byte{
		0x32, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00, 0x0E, 0x00, 0x06,
		0x05, 0x01,
		0x12, 0x0A, 0x10, 0x02, 0x00, 0x02, 0x00, 0x01, 0x84, 0x00, 0x00, 0x00,
		0x00, 0x04, 0x00, 0x10, 0x04, 0xD2,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("byte write:\ngot  % X\nwant % X", got, want)
	}

	got = buildWriteRequest(bitItem(AreaQ, 0, 0, 3), []byte{0x01}, 9)
	want = []byte{
		0x32, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00, 0x0E, 0x00, 0x05,
		0x05, 0x01,
		0x12, 0x0A, 0x10, 0x01, 0x00, 0x01, 0x00, 0x00, 0x82, 0x00, 0x00, 0x03,
		0x00, 0x03, 0x00, 0x01, 0x01,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("bit write:\ngot  % X\nwant % X", got, want)
	}
}

func TestParseReadResponse(t *testing.T) {
	params := []byte{s7FuncRead, 0x01}

	t.Run("success", func(t *testing.T) {
		resp := ackData(1, 0, 0, params, []byte{0xFF, 0x04, 0x00, 0x10, 0x04, 0xD2})
		data, err := parseReadResponse(resp, 1, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(data, []byte{0x04, 0xD2}) {
			t.Errorf("data = % X", data)
		}
	})

	t.Run("octet length in bytes", func(t *testing.T) {
		resp := ackData(1, 0, 0, params, []byte{0xFF, 0x09, 0x00, 0x03, 0x01, 0x02, 0x03})
		data, err := parseReadResponse(resp, 1, 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(data, []byte{0x01, 0x02, 0x03}) {
			t.Errorf("data = % X", data)
		}
	})

	codes := []struct {
		code   byte
		reason string
	}{
		{0x01, "hardware fault"},
		{0x03, "access denied"},
		{0x05, "address out of range"},
		{0x06, "data type not supported"},
		{0x07, "data type/size mismatch"},
		{0x0A, "object does not exist"},
	}
	for _, c := range codes {
		t.Run(c.reason, func(t *testing.T) {
			resp := ackData(1, 0, 0, params, []byte{c.code, 0x00, 0x00, 0x00})
			_, err := parseReadResponse(resp, 1, 2)
			var ae *AreaAccessError
			if !errors.As(err, &ae) {
				t.Fatalf("got %v, want AreaAccessError", err)
			}
			if ae.Code != c.code {
				t.Errorf("Code = 0x%02X, want 0x%02X", ae.Code, c.code)
			}
			if !bytes.Contains([]byte(ae.Error()), []byte(c.reason)) {
				t.Errorf("Error() = %q, want it to mention %q", ae.Error(), c.reason)
			}
			if IsConnectionError(err) {
				t.Error("AreaAccessError must not be a connection error")
			}
		})
	}

	violations := []struct {
		name string
		resp []byte
	}{
		{"short header", []byte{0x32, 0x03, 0x00}},
		{"bad protocol id", append([]byte{0x31}, ackData(1, 0, 0, params, []byte{0xFF, 0x04, 0x00, 0x10, 0, 0})[1:]...)},
		{"ref mismatch", ackData(2, 0, 0, params, []byte{0xFF, 0x04, 0x00, 0x10, 0, 0})},
		{"short data", ackData(1, 0, 0, params, []byte{0xFF, 0x04, 0x00, 0x08, 0x01})},
		{"declared length too long", ackData(1, 0, 0, params, []byte{0xFF, 0x04, 0x00, 0x10, 0, 0})[:15]},
		{"wrong function", ackData(1, 0, 0, []byte{s7FuncWrite, 0x01}, []byte{0xFF, 0x04, 0x00, 0x10, 0, 0})},
		{"unknown transport size", ackData(1, 0, 0, params, []byte{0xFF, 0x42, 0x00, 0x10, 0, 0})},
	}
	for _, v := range violations {
		t.Run(v.name, func(t *testing.T) {
			_, err := parseReadResponse(v.resp, 1, 2)
			var pe *ProtocolViolationError
			if !errors.As(err, &pe) {
				t.Fatalf("got %v, want ProtocolViolationError", err)
			}
			if !IsConnectionError(err) {
				t.Error("ProtocolViolationError must be a connection error")
			}
		})
	}
}

func TestParseWriteResponse(t *testing.T) {
	params := []byte{s7FuncWrite, 0x01}
	if err := parseWriteResponse(ackData(4, 0, 0, params, []byte{0xFF}), 4); err != nil {
		t.Errorf("success: unexpected error %v", err)
	}

	err := parseWriteResponse(ackData(4, 0, 0, params, []byte{0x05}), 4)
	var ae *AreaAccessError
	if !errors.As(err, &ae) || ae.Code != 0x05 {
		t.Errorf("range error: got %v", err)
	}

	err = parseWriteResponse(ackData(4, 0x85, 0x00, nil, nil), 4)
	if !errors.As(err, &ae) || ae.Class != 0x85 {
		t.Errorf("header error: got %v", err)
	}

	err = parseWriteResponse(ackData(4, 0, 0, params, nil), 4)
	var pe *ProtocolViolationError
	if !errors.As(err, &pe) {
		t.Errorf("missing item: got %v, want ProtocolViolationError", err)
	}
}

func TestPayloadLimits(t *testing.T) {
	if got := maxReadPayload(480); got != 462 {
		t.Errorf("maxReadPayload(480) = %d, want 462", got)
	}
	if got := maxWritePayload(480); got != 452 {
		t.Errorf("maxWritePayload(480) = %d, want 452", got)
	}
	if got := maxReadPayload(240); got != 222 {
		t.Errorf("maxReadPayload(240) = %d, want 222", got)
	}
}

package s7

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	s7ProtocolID = 0x32

	// Message Types
	s7MsgJob     = 0x01
	s7MsgAck     = 0x02
	s7MsgAckData = 0x03

	// Functions
	s7FuncSetupComm = 0xF0
	s7FuncRead      = 0x04
	s7FuncWrite     = 0x05

	// Area Codes (for S7ANY addressing)
	s7AreaI  = 0x81 // Inputs
	s7AreaQ  = 0x82 // Outputs
	s7AreaM  = 0x83 // Markers/Flags
	s7AreaDB = 0x84 // Data blocks

	// Transport sizes for S7ANY items
	tsBIT  = 0x01
	tsBYTE = 0x02

	// Transport sizes for data items
	dtsNull  = 0x00
	dtsBit   = 0x03 // length in bits
	dtsByte  = 0x04 // BYTE/WORD/DWORD, length in bits
	dtsInt   = 0x05 // length in bits
	dtsReal  = 0x07 // length in bytes
	dtsOctet = 0x09 // length in bytes

	// S7ANY constants
	s7AnySpecType = 0x12
	s7AnyLen      = 0x0A
	s7AnySyntaxID = 0x10

	jobHeaderSize   = 10
	ackHeaderSize   = 12
	anyItemSize     = 12
	dataItemHdrSize = 4

	// Overheads subtracted from the PDU length to get the largest payload.
	readOverhead  = ackHeaderSize + 2 + dataItemHdrSize                   // 18
	writeOverhead = jobHeaderSize + 2 + anyItemSize + dataItemHdrSize // 28
)

// maxReadPayload returns the largest byte count one read can carry.
func maxReadPayload(pduSize uint16) int {
	return int(pduSize) - readOverhead
}

// maxWritePayload returns the largest byte count one write can carry.
func maxWritePayload(pduSize uint16) int {
	return int(pduSize) - writeOverhead
}

// jobHeader is the 10-byte header of an S7 job request.
type jobHeader struct {
	pduRef   uint16
	paramLen uint16
	dataLen  uint16
}

func (h jobHeader) marshal() []byte {
	b := make([]byte, jobHeaderSize)
	b[0] = s7ProtocolID
	b[1] = s7MsgJob
	// b[2:4] reserved
	binary.BigEndian.PutUint16(b[4:6], h.pduRef)
	binary.BigEndian.PutUint16(b[6:8], h.paramLen)
	binary.BigEndian.PutUint16(b[8:10], h.dataLen)
	return b
}

// ackResponse is a parsed AckData response split into its sections.
type ackResponse struct {
	pduRef   uint16
	errClass byte
	errCode  byte
	params   []byte
	data     []byte
}

// parseAckData validates the response header and slices params and data.
// A header-level error class is reported as an AreaAccessError.
func parseAckData(resp []byte, pduRef uint16) (*ackResponse, error) {
	if len(resp) < ackHeaderSize {
		return nil, violation("response header too short: %d bytes", len(resp))
	}
	if resp[0] != s7ProtocolID {
		return nil, violation("invalid protocol ID: 0x%02X", resp[0])
	}
	if resp[1] != s7MsgAckData && resp[1] != s7MsgAck {
		return nil, violation("unexpected message type: 0x%02X", resp[1])
	}

	ack := &ackResponse{
		pduRef:   binary.BigEndian.Uint16(resp[4:6]),
		errClass: resp[10],
		errCode:  resp[11],
	}
	if ack.pduRef != pduRef {
		return nil, violation("PDU reference mismatch: sent %d, got %d", pduRef, ack.pduRef)
	}
	if ack.errClass != errClassNoError || ack.errCode != 0 {
		return nil, &AreaAccessError{Class: ack.errClass, ErrCode: ack.errCode}
	}
	if resp[1] != s7MsgAckData {
		return nil, violation("unexpected message type: 0x%02X", resp[1])
	}

	paramLen := int(binary.BigEndian.Uint16(resp[6:8]))
	dataLen := int(binary.BigEndian.Uint16(resp[8:10]))
	if ackHeaderSize+paramLen+dataLen > len(resp) {
		return nil, violation("declared lengths %d+%d exceed response of %d bytes", paramLen, dataLen, len(resp))
	}
	ack.params = resp[ackHeaderSize : ackHeaderSize+paramLen]
	ack.data = resp[ackHeaderSize+paramLen : ackHeaderSize+paramLen+dataLen]
	return ack, nil
}

// anyItem is an S7ANY addressing parameter block.
type anyItem struct {
	transportSize byte
	count         uint16
	dbNumber      uint16
	area          byte
	bitAddr       uint32 // 24 bits: byte offset << 3 | bit
}

func (it anyItem) marshal() []byte {
	return []byte{
		s7AnySpecType,
		s7AnyLen,
		s7AnySyntaxID,
		it.transportSize,
		byte(it.count >> 8), byte(it.count),
		byte(it.dbNumber >> 8), byte(it.dbNumber),
		it.area,
		byte(it.bitAddr >> 16), byte(it.bitAddr >> 8), byte(it.bitAddr),
	}
}

// byteItem addresses size bytes starting at a byte-aligned offset.
func byteItem(area Area, db, offset, size int) anyItem {
	code, _ := area.code()
	if area != AreaDB {
		db = 0
	}
	return anyItem{
		transportSize: tsBYTE,
		count:         uint16(size),
		dbNumber:      uint16(db),
		area:          code,
		bitAddr:       uint32(offset) * 8,
	}
}

// bitItem addresses a single bit.
func bitItem(area Area, db, offset, bit int) anyItem {
	it := byteItem(area, db, offset, 1)
	it.transportSize = tsBIT
	it.bitAddr += uint32(bit)
	return it
}

// buildSetupCommRequest creates an S7 Setup Communication request PDU.
func buildSetupCommRequest(pduRef, pduSize uint16) []byte {
	params := []byte{
		s7FuncSetupComm,
		0x00,       // Reserved
		0x00, 0x01, // Max AMQ calling
		0x00, 0x01, // Max AMQ called
		byte(pduSize >> 8), byte(pduSize),
	}
	h := jobHeader{pduRef: pduRef, paramLen: uint16(len(params))}
	return append(h.marshal(), params...)
}

// parseSetupCommResponse parses an S7 Setup Communication response and
// returns the negotiated PDU size. The peer may lower the proposed size but
// not raise it, and the result must stay within 240-960.
func parseSetupCommResponse(resp []byte, pduRef, proposed uint16) (uint16, error) {
	ack, err := parseAckData(resp, pduRef)
	if err != nil {
		var ae *AreaAccessError
		if errors.As(err, &ae) {
			return 0, fmt.Errorf("setup refused: %s", s7ErrorMessage(ae.Class, ae.ErrCode))
		}
		return 0, err
	}
	if len(ack.params) < 8 {
		return 0, violation("setup parameters too short: %d bytes", len(ack.params))
	}
	if ack.params[0] != s7FuncSetupComm {
		return 0, violation("unexpected function: 0x%02X", ack.params[0])
	}
	pduSize := binary.BigEndian.Uint16(ack.params[6:8])
	if pduSize < minPDUSize || pduSize > maxPDUSize {
		return 0, violation("negotiated PDU size %d outside %d-%d", pduSize, minPDUSize, maxPDUSize)
	}
	if pduSize > proposed {
		return 0, violation("negotiated PDU size %d exceeds proposed %d", pduSize, proposed)
	}
	return pduSize, nil
}

// buildReadRequest creates an S7 Read Variable request PDU for one item.
func buildReadRequest(item anyItem, pduRef uint16) []byte {
	params := append([]byte{s7FuncRead, 0x01}, item.marshal()...)
	h := jobHeader{pduRef: pduRef, paramLen: uint16(len(params))}
	return append(h.marshal(), params...)
}

// parseReadResponse parses an S7 Read Variable response and returns exactly
// size bytes of payload.
func parseReadResponse(resp []byte, pduRef uint16, size int) ([]byte, error) {
	ack, err := parseAckData(resp, pduRef)
	if err != nil {
		return nil, err
	}
	if len(ack.params) < 2 || ack.params[0] != s7FuncRead {
		return nil, violation("read response has unexpected parameters % X", ack.params)
	}
	if ack.params[1] != 1 {
		return nil, violation("read response carries %d items, expected 1", ack.params[1])
	}
	if len(ack.data) < 1 {
		return nil, violation("read response has no data item")
	}

	if code := ack.data[0]; code != dataItemSuccess {
		return nil, &AreaAccessError{Code: code}
	}
	if len(ack.data) < dataItemHdrSize {
		return nil, violation("data item header too short")
	}

	transportSize := ack.data[1]
	length := int(binary.BigEndian.Uint16(ack.data[2:4]))
	byteLen := length
	switch transportSize {
	case dtsBit, dtsByte, dtsInt:
		byteLen = (length + 7) / 8
	case dtsReal, dtsOctet:
	default:
		return nil, violation("unknown data transport size 0x%02X", transportSize)
	}

	payload := ack.data[dataItemHdrSize:]
	if byteLen < size || len(payload) < size {
		return nil, violation("short read: requested %d bytes, got %d", size, min(byteLen, len(payload)))
	}

	out := make([]byte, size)
	copy(out, payload[:size])
	return out, nil
}

// buildWriteRequest creates an S7 Write Variable request PDU for one item.
func buildWriteRequest(item anyItem, writeData []byte, pduRef uint16) []byte {
	params := append([]byte{s7FuncWrite, 0x01}, item.marshal()...)

	dataTS := byte(dtsByte)
	bitLen := len(writeData) * 8
	if item.transportSize == tsBIT {
		dataTS = dtsBit
		bitLen = 1
	}

	data := []byte{
		0x00, // Return code placeholder
		dataTS,
		byte(bitLen >> 8), byte(bitLen),
	}
	data = append(data, writeData...)

	h := jobHeader{
		pduRef:   pduRef,
		paramLen: uint16(len(params)),
		dataLen:  uint16(len(data)),
	}
	req := append(h.marshal(), params...)
	return append(req, data...)
}

// parseWriteResponse parses an S7 Write Variable response.
func parseWriteResponse(resp []byte, pduRef uint16) error {
	ack, err := parseAckData(resp, pduRef)
	if err != nil {
		return err
	}
	if len(ack.params) < 2 || ack.params[0] != s7FuncWrite {
		return violation("write response has unexpected parameters % X", ack.params)
	}
	if len(ack.data) < 1 {
		return violation("write response has no data item")
	}
	if code := ack.data[0]; code != dataItemSuccess {
		return &AreaAccessError{Code: code}
	}
	return nil
}

package s7

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"s7link/logging"
)

const (
	defaultS7Port  = 102
	defaultTimeout = 5 * time.Second

	// TPKT constants (RFC 1006)
	tpktVersion    = 0x03
	tpktHeaderSize = 4
	tpktMinLength  = tpktHeaderSize + cotpDTHeaderSize
	tpktMaxLength  = 4096

	// COTP PDU Types (ISO 8073)
	cotpCR = 0xE0 // Connection Request
	cotpCC = 0xD0 // Connection Confirm
	cotpDT = 0xF0 // Data Transfer

	cotpDTHeaderSize = 3
	cotpEOT          = 0x80

	// COTP parameter codes
	cotpParamTPDUSize = 0xC0
	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2

	// PDU sizes
	defaultPDUSize   = 480
	minPDUSize       = 240
	maxPDUSize       = 960
	cotpTPDUSize1024 = 0x0A // 2^10 = 1024 bytes

	// The remote TSAP low byte is rack<<5 | slot.
	maxRack = 7
	maxSlot = 31
)

// cotpDTHeader precedes every S7 PDU once the connection is confirmed.
var cotpDTHeader = []byte{0x02, cotpDT, cotpEOT}

// transport handles the ISO-on-TCP and COTP layer for S7 communication.
// It is not safe for concurrent use; the Client serializes access. connMu only
// guards the socket handle so abort can close it from another goroutine.
type transport struct {
	connMu sync.Mutex
	conn   net.Conn

	address     string // host:port
	rack        int
	slot        int
	timeout     time.Duration
	proposedPDU uint16
	pduSize     atomic.Uint32 // negotiated; 0 until the first successful handshake
	pduRef      uint16
}

// newTransport creates a transport for the given endpoint. The host may
// already carry a port, in which case port is ignored.
func newTransport(host string, port, rack, slot int, timeout time.Duration, pduSize uint16) *transport {
	if port <= 0 {
		port = defaultS7Port
	}
	address := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		address = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if pduSize == 0 {
		pduSize = defaultPDUSize
	}
	pduSize = max(minPDUSize, min(pduSize, maxPDUSize))
	return &transport{
		address:     address,
		rack:        rack,
		slot:        slot,
		timeout:     timeout,
		proposedPDU: pduSize,
	}
}

// tsap returns the remote TSAP low byte for the configured rack and slot.
func (t *transport) tsap() byte {
	return byte(t.rack<<5 | t.slot)
}

// validateRackSlot checks that rack and slot fit the remote TSAP byte.
func (t *transport) validateRackSlot() error {
	if t.rack < 0 || t.rack > maxRack {
		return fmt.Errorf("%w: rack must be 0-%d, got %d", ErrInvalidAddress, maxRack, t.rack)
	}
	if t.slot < 0 || t.slot > maxSlot {
		return fmt.Errorf("%w: slot must be 0-%d, got %d", ErrInvalidAddress, maxSlot, t.slot)
	}
	return nil
}

// negotiatedPDU returns the PDU size agreed in the last handshake, or 0.
func (t *transport) negotiatedPDU() uint16 {
	return uint16(t.pduSize.Load())
}

// limitPDU returns the PDU size used for local size checks: the negotiated
// size once known, otherwise the size that will be proposed.
func (t *transport) limitPDU() uint16 {
	if pdu := t.negotiatedPDU(); pdu != 0 {
		return pdu
	}
	return t.proposedPDU
}

// nextRef returns the PDU reference for the next job. Zero is skipped.
func (t *transport) nextRef() uint16 {
	t.pduRef++
	if t.pduRef == 0 {
		t.pduRef = 1
	}
	return t.pduRef
}

// connect dials the PLC and runs the COTP and S7 setup handshake.
// On failure the socket is closed and nothing is retained.
func (t *transport) connect() error {
	logging.DebugConnect("s7", t.address)

	conn, err := net.DialTimeout("tcp", t.address, t.timeout)
	if err != nil {
		err = &TransportError{Op: "dial", Err: err}
		logging.DebugConnectError("s7", t.address, err)
		return err
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	if err := t.cotpConnect(); err != nil {
		t.close()
		err = &HandshakeError{Stage: "cotp", Err: err}
		logging.DebugConnectError("s7", t.address, err)
		return err
	}

	pduSize, err := t.s7SetupComm()
	if err != nil {
		t.close()
		err = &HandshakeError{Stage: "setup", Err: err}
		logging.DebugConnectError("s7", t.address, err)
		return err
	}
	t.pduSize.Store(uint32(pduSize))

	logging.DebugConnectSuccess("s7", t.address,
		fmt.Sprintf("rack=%d slot=%d pdu=%d", t.rack, t.slot, pduSize))
	return nil
}

// socket returns the current connection handle.
func (t *transport) socket() net.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

// close closes the connection. It is idempotent.
func (t *transport) close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// abort closes the socket without clearing it, so an exchange blocked on it
// fails promptly. The owner still calls close afterwards.
func (t *transport) abort() {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		t.conn.Close()
	}
}

// exchange sends one S7 PDU and returns the S7 PDU of the reply.
func (t *transport) exchange(s7Request []byte) ([]byte, error) {
	conn := t.socket()
	if conn == nil {
		return nil, &TransportError{Op: "write", Err: net.ErrClosed}
	}

	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, &TransportError{Op: "deadline", Err: err}
	}

	payload := make([]byte, 0, len(cotpDTHeader)+len(s7Request))
	payload = append(payload, cotpDTHeader...)
	payload = append(payload, s7Request...)

	if err := t.sendTPKT(conn, payload); err != nil {
		return nil, err
	}

	response, err := t.recvTPKT(conn)
	if err != nil {
		return nil, err
	}

	if len(response) < cotpDTHeaderSize {
		return nil, violation("COTP header too short")
	}
	if response[1] != cotpDT {
		return nil, violation("expected COTP DT, got 0x%02X", response[1])
	}

	return response[cotpDTHeaderSize:], nil
}

// sendTPKT sends data with TPKT framing.
func (t *transport) sendTPKT(conn net.Conn, data []byte) error {
	length := len(data) + tpktHeaderSize
	packet := make([]byte, tpktHeaderSize, length)
	packet[0] = tpktVersion
	binary.BigEndian.PutUint16(packet[2:4], uint16(length))
	packet = append(packet, data...)

	logging.DebugTX("s7", packet)
	if _, err := conn.Write(packet); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// recvTPKT receives exactly one TPKT-framed packet and returns its payload.
func (t *transport) recvTPKT(conn net.Conn) ([]byte, error) {
	header := make([]byte, tpktHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}

	if header[0] != tpktVersion {
		logging.DebugRX("s7", header)
		return nil, violation("invalid TPKT version: %d", header[0])
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < tpktMinLength || length > tpktMaxLength {
		logging.DebugRX("s7", header)
		return nil, violation("invalid TPKT length: %d", length)
	}

	packet := make([]byte, length)
	copy(packet, header)
	if _, err := io.ReadFull(conn, packet[tpktHeaderSize:]); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	logging.DebugRX("s7", packet)

	return packet[tpktHeaderSize:], nil
}

// buildCOTPConnectRequest builds the COTP CR TPDU for the given remote TSAP.
func buildCOTPConnectRequest(remoteTSAP byte) []byte {
	cr := []byte{
		0x00,       // Length (filled later)
		cotpCR,     // PDU type
		0x00, 0x00, // Destination reference
		0x00, 0x01, // Source reference
		0x00, // Class 0
		cotpParamTPDUSize, 0x01, cotpTPDUSize1024,
		cotpParamSrcTSAP, 0x02, 0x01, 0x00,
		cotpParamDstTSAP, 0x02, 0x01, remoteTSAP,
	}

	// Length excludes the length byte itself
	cr[0] = byte(len(cr) - 1)
	return cr
}

// cotpConnect performs COTP connection request/confirm exchange.
func (t *transport) cotpConnect() error {
	conn := t.socket()
	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return &TransportError{Op: "deadline", Err: err}
	}

	if err := t.sendTPKT(conn, buildCOTPConnectRequest(t.tsap())); err != nil {
		return fmt.Errorf("failed to send COTP CR: %w", err)
	}

	cc, err := t.recvTPKT(conn)
	if err != nil {
		return fmt.Errorf("failed to receive COTP CC: %w", err)
	}

	if len(cc) < 2 {
		return errors.New("COTP CC too short")
	}
	if cc[1] != cotpCC {
		return fmt.Errorf("expected COTP CC (0x%02X), got 0x%02X", cotpCC, cc[1])
	}
	return nil
}

// s7SetupComm performs S7 communication setup and returns negotiated PDU size.
func (t *transport) s7SetupComm() (uint16, error) {
	ref := t.nextRef()
	response, err := t.exchange(buildSetupCommRequest(ref, t.proposedPDU))
	if err != nil {
		return 0, err
	}
	return parseSetupCommResponse(response, ref, t.proposedPDU)
}

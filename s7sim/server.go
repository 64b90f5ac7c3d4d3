// Package s7sim is an in-process Siemens S7 PLC simulator.
//
// It speaks enough ISO-on-TCP to exercise a client end to end: COTP
// connection request/confirm, S7 setup communication, and read/write
// variable jobs with one S7ANY item (byte or bit transport) against
// process inputs, process outputs, bit memory and data blocks. Faults can be
// injected to test the client's error handling.
package s7sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"s7link/logging"
)

const (
	tpktVersion    = 0x03
	tpktHeaderSize = 4

	cotpCR = 0xE0
	cotpCC = 0xD0
	cotpDR = 0x80
	cotpDT = 0xF0

	s7ProtocolID = 0x32
	s7Job        = 0x01
	s7AckData    = 0x03

	funcSetup = 0xF0
	funcRead  = 0x04
	funcWrite = 0x05

	tsBit  = 0x01
	dtsBit = 0x03
	dtsByt = 0x04

	codeSuccess      = 0xFF
	codeAddressError = 0x05
	codeNotExist     = 0x0A

	// errClassNoResource refuses a job that does not fit the negotiated PDU.
	errClassNoResource = 0x85
	// readAckOverhead is the ack header, read params and data item header.
	readAckOverhead = 18

	// DefaultPDUSize is the largest PDU the simulator accepts unless configured.
	DefaultPDUSize = 480
)

// Fault is a one-shot misbehavior applied to the next matching frame.
type Fault int

const (
	FaultNone Fault = iota
	// FaultRejectConnect answers the next COTP CR with a disconnect request.
	FaultRejectConnect
	// FaultRejectSetup answers the next setup communication with an error class.
	FaultRejectSetup
	// FaultDrop closes the connection instead of answering the next job.
	FaultDrop
	// FaultTruncate answers the next read with one byte less than requested.
	FaultTruncate
	// FaultWrongRef answers the next job with a different PDU reference.
	FaultWrongRef
	// FaultBadTPKT answers the next job with an invalid TPKT version.
	FaultBadTPKT
	// FaultStall never answers the next job.
	FaultStall
	// FaultReturnCode answers the next job with the code set by ForceReturnCode.
	FaultReturnCode
)

// Config configures a Server.
type Config struct {
	// PDUSize is the largest PDU the simulator agrees to (default 480).
	PDUSize int
	// IOSize is the size in bytes of the PE, PA and MK areas (default 256).
	IOSize int
	// Rack and Slot, when RequireTSAP is set, must match the remote TSAP of
	// the connection request or it is refused.
	Rack        int
	Slot        int
	RequireTSAP bool
}

// Server is a simulated S7 PLC listening on TCP.
type Server struct {
	cfg Config
	mem *memory

	mu         sync.Mutex
	ln         net.Listener
	conns      map[net.Conn]struct{}
	fault      Fault
	returnCode byte
	closed     bool
	wg         sync.WaitGroup

	handshakes atomic.Int64
	requests   atomic.Int64
}

// New creates a server. Call Start to listen.
func New(cfg Config) *Server {
	if cfg.PDUSize <= 0 {
		cfg.PDUSize = DefaultPDUSize
	}
	if cfg.IOSize <= 0 {
		cfg.IOSize = 256
	}
	return &Server{
		cfg:   cfg,
		mem:   newMemory(cfg.IOSize),
		conns: make(map[net.Conn]struct{}),
	}
}

// AddDB creates (or replaces) data block db with size zeroed bytes.
func (s *Server) AddDB(db, size int) {
	s.mem.set(AreaDB, db, make([]byte, size))
}

// SetArea replaces the contents of an area. db is ignored unless area is AreaDB.
func (s *Server) SetArea(area byte, db int, data []byte) {
	s.mem.set(area, db, data)
}

// Area returns a copy of an area, or nil if it does not exist.
func (s *Server) Area(area byte, db int) []byte {
	return s.mem.snapshot(area, db)
}

// InjectFault arms a one-shot fault.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// ForceReturnCode makes the next read or write fail with the given item return code.
func (s *Server) ForceReturnCode(code byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = FaultReturnCode
	s.returnCode = code
}

// takeFault consumes the armed fault if it applies to one of the given kinds.
func (s *Server) takeFault(kinds ...Fault) (Fault, byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		if s.fault == k {
			s.fault = FaultNone
			return k, s.returnCode
		}
	}
	return FaultNone, 0
}

// Handshakes returns the number of completed setup communications.
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// Requests returns the number of read/write jobs received.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// Start listens on addr (e.g. "127.0.0.1:0" or ":102") and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("s7sim listen: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	logging.DebugLog("s7sim", "listening on %s (PDU %d)", ln.Addr(), s.cfg.PDUSize)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the listener and closes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.DebugError("s7sim", "accept", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if !s.acceptCOTP(conn) {
		return
	}

	// PDU size agreed by setup communication on this connection
	negotiated := 0
	for {
		payload, err := readTPKT(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logging.DebugError("s7sim", "read", err)
			}
			return
		}
		if len(payload) < 3 || payload[1] != cotpDT {
			logging.DebugLog("s7sim", "unexpected COTP PDU % X", payload)
			return
		}
		if !s.handleJob(conn, payload[3:], &negotiated) {
			return
		}
	}
}

// acceptCOTP handles the connection request. It returns false if refused.
func (s *Server) acceptCOTP(conn net.Conn) bool {
	cr, err := readTPKT(conn)
	if err != nil || len(cr) < 7 || cr[1] != cotpCR {
		return false
	}

	if f, _ := s.takeFault(FaultRejectConnect); f == FaultRejectConnect || !s.tsapMatches(cr) {
		// Disconnect request with reason "address unknown"
		writeTPKT(conn, []byte{0x06, cotpDR, cr[4], cr[5], 0x00, 0x00, 0x03})
		return false
	}

	cc := make([]byte, len(cr))
	copy(cc, cr)
	cc[1] = cotpCC
	cc[2], cc[3] = cr[4], cr[5] // Destination reference = caller's source reference
	cc[4], cc[5] = 0x00, 0x02
	return writeTPKT(conn, cc) == nil
}

// tsapMatches checks the remote TSAP parameter against the configured rack and slot.
func (s *Server) tsapMatches(cr []byte) bool {
	if !s.cfg.RequireTSAP {
		return true
	}
	want := byte(s.cfg.Rack<<5 | s.cfg.Slot)
	for i := 7; i+1 < len(cr); {
		code, n := cr[i], int(cr[i+1])
		if i+2+n > len(cr) {
			return false
		}
		if code == 0xC2 && n == 2 {
			return cr[i+3] == want
		}
		i += 2 + n
	}
	return false
}

// handleJob answers one S7 job. It returns false when the connection should close.
func (s *Server) handleJob(conn net.Conn, pdu []byte, negotiated *int) bool {
	if len(pdu) < 10 || pdu[0] != s7ProtocolID || pdu[1] != s7Job {
		logging.DebugLog("s7sim", "malformed job % X", pdu)
		return false
	}
	ref := binary.BigEndian.Uint16(pdu[4:6])
	paramLen := int(binary.BigEndian.Uint16(pdu[6:8]))
	dataLen := int(binary.BigEndian.Uint16(pdu[8:10]))
	if 10+paramLen+dataLen > len(pdu) || paramLen < 1 {
		return false
	}
	params := pdu[10 : 10+paramLen]
	data := pdu[10+paramLen : 10+paramLen+dataLen]

	if params[0] == funcSetup {
		return s.handleSetup(conn, ref, params, negotiated)
	}

	s.requests.Add(1)
	fault, code := s.takeFault(FaultDrop, FaultTruncate, FaultWrongRef, FaultBadTPKT, FaultStall, FaultReturnCode)
	switch fault {
	case FaultDrop:
		return false
	case FaultStall:
		return true
	case FaultWrongRef:
		ref++
	case FaultBadTPKT:
		conn.Write([]byte{0x04, 0x00, 0x00, 0x07, 0x02, cotpDT, 0x80})
		return true
	}

	if exceedsPDU(pdu, params, *negotiated) {
		logging.DebugLog("s7sim", "job of %d bytes exceeds PDU %d", len(pdu), *negotiated)
		return writeAck(conn, ref, nil, nil, errClassNoResource, 0x00) == nil
	}

	var respParams, respData []byte
	switch params[0] {
	case funcRead:
		respParams, respData = s.handleRead(params, fault == FaultTruncate)
	case funcWrite:
		respParams, respData = s.handleWrite(params, data)
	default:
		return writeAck(conn, ref, nil, nil, 0x84, 0x04) == nil
	}
	if respParams == nil {
		return writeAck(conn, ref, nil, nil, 0x85, 0x00) == nil
	}
	if fault == FaultReturnCode && len(respData) > 0 {
		respData = []byte{code, 0x00, 0x00, 0x00}
	}
	return writeAck(conn, ref, respParams, respData, 0, 0) == nil
}

// exceedsPDU reports whether a job, or the answer to a read job, is larger
// than the negotiated PDU. Jobs before setup are not limited.
func exceedsPDU(pdu, params []byte, negotiated int) bool {
	if negotiated == 0 {
		return false
	}
	if len(pdu) > negotiated {
		return true
	}
	if params[0] == funcRead && len(params) >= 2 {
		if it, ok := parseItem(params[2:]); ok && it.ts != tsBit {
			return readAckOverhead+it.count > negotiated
		}
	}
	return false
}

func (s *Server) handleSetup(conn net.Conn, ref uint16, params []byte, negotiated *int) bool {
	if len(params) < 8 {
		return false
	}
	if f, _ := s.takeFault(FaultRejectSetup); f == FaultRejectSetup {
		writeAck(conn, ref, nil, nil, 0x81, 0x04)
		return false
	}

	pdu := int(binary.BigEndian.Uint16(params[6:8]))
	if pdu > s.cfg.PDUSize || pdu == 0 {
		pdu = s.cfg.PDUSize
	}
	resp := []byte{funcSetup, 0x00, 0x00, 0x01, 0x00, 0x01, byte(pdu >> 8), byte(pdu)}
	if err := writeAck(conn, ref, resp, nil, 0, 0); err != nil {
		return false
	}
	*negotiated = pdu
	s.handshakes.Add(1)
	logging.DebugLog("s7sim", "setup complete, PDU %d", pdu)
	return true
}

// item is a decoded S7ANY item.
type item struct {
	ts     byte
	count  int
	db     int
	area   byte
	offset int
	bit    int
}

func parseItem(b []byte) (item, bool) {
	if len(b) < 12 || b[0] != 0x12 || b[1] != 0x0A || b[2] != 0x10 {
		return item{}, false
	}
	addr := int(b[9])<<16 | int(b[10])<<8 | int(b[11])
	return item{
		ts:     b[3],
		count:  int(binary.BigEndian.Uint16(b[4:6])),
		db:     int(binary.BigEndian.Uint16(b[6:8])),
		area:   b[8],
		offset: addr >> 3,
		bit:    addr & 0x07,
	}, true
}

// handleRead returns response params and data for a read job.
func (s *Server) handleRead(params []byte, truncate bool) ([]byte, []byte) {
	if len(params) < 2 || params[1] != 1 {
		return nil, nil
	}
	it, ok := parseItem(params[2:])
	if !ok {
		return nil, nil
	}
	respParams := []byte{funcRead, 0x01}

	if it.ts == tsBit {
		buf, code := s.mem.read(it.area, it.db, it.offset, 1)
		if code != codeSuccess {
			return respParams, []byte{code, 0x00, 0x00, 0x00}
		}
		var v byte
		if buf[0]&(1<<uint(it.bit)) != 0 {
			v = 1
		}
		return respParams, []byte{codeSuccess, dtsBit, 0x00, 0x01, v}
	}

	buf, code := s.mem.read(it.area, it.db, it.offset, it.count)
	if code != codeSuccess {
		return respParams, []byte{code, 0x00, 0x00, 0x00}
	}
	if truncate && len(buf) > 0 {
		buf = buf[:len(buf)-1]
	}
	bits := len(buf) * 8
	data := []byte{codeSuccess, dtsByt, byte(bits >> 8), byte(bits)}
	return respParams, append(data, buf...)
}

// handleWrite returns response params and data for a write job.
func (s *Server) handleWrite(params, data []byte) ([]byte, []byte) {
	if len(params) < 2 || params[1] != 1 {
		return nil, nil
	}
	it, ok := parseItem(params[2:])
	if !ok || len(data) < 4 {
		return nil, nil
	}
	respParams := []byte{funcWrite, 0x01}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	payload := data[4:]

	var code byte
	if it.ts == tsBit {
		if data[1] != dtsBit || length != 1 || len(payload) < 1 {
			return respParams, []byte{0x07}
		}
		code = s.mem.writeBit(it.area, it.db, it.offset, it.bit, payload[0] != 0)
	} else {
		byteLen := length
		if data[1] == dtsByt || data[1] == dtsBit || data[1] == 0x05 {
			byteLen = (length + 7) / 8
		}
		if byteLen != it.count || len(payload) < byteLen {
			return respParams, []byte{0x07}
		}
		code = s.mem.write(it.area, it.db, it.offset, payload[:byteLen])
	}
	return respParams, []byte{code}
}

// writeAck sends an AckData PDU.
func writeAck(conn net.Conn, ref uint16, params, data []byte, errClass, errCode byte) error {
	pdu := make([]byte, 12, 12+len(params)+len(data))
	pdu[0] = s7ProtocolID
	pdu[1] = s7AckData
	binary.BigEndian.PutUint16(pdu[4:6], ref)
	binary.BigEndian.PutUint16(pdu[6:8], uint16(len(params)))
	binary.BigEndian.PutUint16(pdu[8:10], uint16(len(data)))
	pdu[10] = errClass
	pdu[11] = errCode
	pdu = append(pdu, params...)
	pdu = append(pdu, data...)

	return writeTPKT(conn, append([]byte{0x02, cotpDT, 0x80}, pdu...))
}

func writeTPKT(conn net.Conn, payload []byte) error {
	frame := make([]byte, tpktHeaderSize, tpktHeaderSize+len(payload))
	frame[0] = tpktVersion
	binary.BigEndian.PutUint16(frame[2:4], uint16(tpktHeaderSize+len(payload)))
	frame = append(frame, payload...)
	logging.DebugTX("s7sim", frame)
	_, err := conn.Write(frame)
	return err
}

func readTPKT(conn net.Conn) ([]byte, error) {
	header := make([]byte, tpktHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != tpktVersion {
		return nil, fmt.Errorf("invalid TPKT version %d", header[0])
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < tpktHeaderSize+2 {
		return nil, fmt.Errorf("invalid TPKT length %d", length)
	}
	payload := make([]byte, length-tpktHeaderSize)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	logging.DebugRX("s7sim", append(header, payload...))
	return payload, nil
}

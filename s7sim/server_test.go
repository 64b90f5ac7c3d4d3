package s7sim

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

var connectRequest = []byte{
	0x11, cotpCR, 0x00, 0x00, 0x00, 0x01, 0x00,
	0xC0, 0x01, 0x0A,
	0xC1, 0x02, 0x01, 0x00,
	0xC2, 0x02, 0x01, 0x01,
}

func TestConnectConfirm(t *testing.T) {
	s := New(Config{})
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	conn := dial(t, s)
	if err := writeTPKT(conn, connectRequest); err != nil {
		t.Fatal(err)
	}
	cc, err := readTPKT(conn)
	if err != nil {
		t.Fatalf("read CC: %v", err)
	}
	if cc[1] != cotpCC {
		t.Errorf("PDU type = 0x%02X, want CC", cc[1])
	}
	if cc[2] != 0x00 || cc[3] != 0x01 {
		t.Errorf("destination reference = %02X%02X, want 0001", cc[2], cc[3])
	}
}

func TestRequireTSAP(t *testing.T) {
	s := New(Config{RequireTSAP: true, Rack: 0, Slot: 2})
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	conn := dial(t, s)
	writeTPKT(conn, connectRequest)
	resp, err := readTPKT(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp[1] != cotpDR {
		t.Errorf("PDU type = 0x%02X, want DR", resp[1])
	}
}

func TestMemory(t *testing.T) {
	m := newMemory(4)
	m.set(AreaDB, 1, []byte{1, 2, 3, 4})

	if got, code := m.read(AreaDB, 1, 1, 2); code != codeSuccess || !bytes.Equal(got, []byte{2, 3}) {
		t.Errorf("read = % X, 0x%02X", got, code)
	}
	if _, code := m.read(AreaDB, 1, 3, 2); code != codeAddressError {
		t.Errorf("read past end = 0x%02X, want address error", code)
	}
	if _, code := m.read(AreaDB, 2, 0, 1); code != codeNotExist {
		t.Errorf("read DB2 = 0x%02X, want not exist", code)
	}
	if code := m.writeBit(AreaMK, 7, 0, 5, true); code != codeSuccess {
		t.Errorf("writeBit = 0x%02X", code)
	}
	if got := m.snapshot(AreaMK, 0); got[0] != 0x20 {
		t.Errorf("MK0 = 0x%02X, want 0x20 (db ignored outside DB area)", got[0])
	}
}

func TestFaultIsOneShot(t *testing.T) {
	s := New(Config{})
	s.InjectFault(FaultTruncate)

	if f, _ := s.takeFault(FaultRejectConnect); f != FaultNone {
		t.Errorf("non-matching take consumed %v", f)
	}
	if f, _ := s.takeFault(FaultDrop, FaultTruncate); f != FaultTruncate {
		t.Errorf("take = %v, want FaultTruncate", f)
	}
	if f, _ := s.takeFault(FaultTruncate); f != FaultNone {
		t.Errorf("fault fired twice")
	}

	s.ForceReturnCode(0x03)
	if f, code := s.takeFault(FaultReturnCode); f != FaultReturnCode || code != 0x03 {
		t.Errorf("take = %v 0x%02X", f, code)
	}
}

// session opens a connection and runs setup communication proposing pdu.
func session(t *testing.T, s *Server, pdu uint16) net.Conn {
	t.Helper()
	conn := dial(t, s)
	writeTPKT(conn, connectRequest)
	if _, err := readTPKT(conn); err != nil {
		t.Fatalf("read CC: %v", err)
	}
	setup := []byte{
		0x02, cotpDT, 0x80,
		s7ProtocolID, s7Job, 0x00, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x00,
		funcSetup, 0x00, 0x00, 0x01, 0x00, 0x01, byte(pdu >> 8), byte(pdu),
	}
	writeTPKT(conn, setup)
	if _, err := readTPKT(conn); err != nil {
		t.Fatalf("read setup ack: %v", err)
	}
	return conn
}

func readJob(count uint16) []byte {
	return []byte{
		0x02, cotpDT, 0x80,
		s7ProtocolID, s7Job, 0x00, 0x00, 0x00, 0x02, 0x00, 0x0E, 0x00, 0x00,
		funcRead, 0x01,
		0x12, 0x0A, 0x10, 0x02, byte(count >> 8), byte(count), 0x00, 0x01, AreaDB, 0x00, 0x00, 0x00,
	}
}

func TestJobLargerThanPDURefused(t *testing.T) {
	s := New(Config{PDUSize: 240})
	s.AddDB(1, 512)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tests := []struct {
		name      string
		count     uint16
		wantClass byte
	}{
		{"fits", 222, 0x00},
		{"answer too large", 223, errClassNoResource},
		{"far too large", 300, errClassNoResource},
	}

	conn := session(t, s, 480)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeTPKT(conn, readJob(tt.count))
			resp, err := readTPKT(conn)
			if err != nil {
				t.Fatalf("read ack: %v", err)
			}
			// COTP DT header, then the ack header's error class at byte 10
			if got := resp[3+10]; got != tt.wantClass {
				t.Errorf("error class = 0x%02X, want 0x%02X", got, tt.wantClass)
			}
		})
	}
}

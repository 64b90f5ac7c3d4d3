package s7sim

import (
	"fmt"
	"sync"
)

// Area codes as they appear in S7ANY items.
const (
	AreaPE = 0x81 // Process inputs
	AreaPA = 0x82 // Process outputs
	AreaMK = 0x83 // Bit memory
	AreaDB = 0x84 // Data blocks
)

type areaKey struct {
	area byte
	db   uint16
}

func (k areaKey) String() string {
	switch k.area {
	case AreaDB:
		return fmt.Sprintf("DB%d", k.db)
	case AreaPE:
		return "PE"
	case AreaPA:
		return "PA"
	case AreaMK:
		return "MK"
	default:
		return fmt.Sprintf("area 0x%02X", k.area)
	}
}

// memory holds the simulated PLC areas.
type memory struct {
	mu    sync.Mutex
	areas map[areaKey][]byte
}

func newMemory(ioSize int) *memory {
	m := &memory{areas: make(map[areaKey][]byte)}
	m.areas[areaKey{AreaPE, 0}] = make([]byte, ioSize)
	m.areas[areaKey{AreaPA, 0}] = make([]byte, ioSize)
	m.areas[areaKey{AreaMK, 0}] = make([]byte, ioSize)
	return m
}

func key(area byte, db int) areaKey {
	if area != AreaDB {
		db = 0
	}
	return areaKey{area: area, db: uint16(db)}
}

// set replaces an area with a copy of data.
func (m *memory) set(area byte, db int, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas[key(area, db)] = buf
}

// snapshot returns a copy of an area, or nil if it does not exist.
func (m *memory) snapshot(area byte, db int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.areas[key(area, db)]
	if !ok {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// read copies size bytes at offset. It returns a data item return code.
func (m *memory) read(area byte, db, offset, size int) ([]byte, byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.areas[key(area, db)]
	if !ok {
		return nil, codeNotExist
	}
	if offset < 0 || offset+size > len(buf) {
		return nil, codeAddressError
	}
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, codeSuccess
}

// write copies data at offset. It returns a data item return code.
func (m *memory) write(area byte, db, offset int, data []byte) byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.areas[key(area, db)]
	if !ok {
		return codeNotExist
	}
	if offset < 0 || offset+len(data) > len(buf) {
		return codeAddressError
	}
	copy(buf[offset:], data)
	return codeSuccess
}

// writeBit sets or clears a single bit.
func (m *memory) writeBit(area byte, db, offset, bit int, value bool) byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.areas[key(area, db)]
	if !ok {
		return codeNotExist
	}
	if offset < 0 || offset >= len(buf) {
		return codeAddressError
	}
	if value {
		buf[offset] |= 1 << uint(bit)
	} else {
		buf[offset] &^= 1 << uint(bit)
	}
	return codeSuccess
}

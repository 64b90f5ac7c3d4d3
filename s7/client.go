package s7

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"s7link/logging"
)

// State is the connection state of a Client.
type State int

const (
	// StateDisconnected means no session is open; the next operation handshakes.
	StateDisconnected State = iota
	// StateConnected means the handshake completed and the socket is usable.
	StateConnected
	// StateClosed means Close was called; operations fail until Connect.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client talks to one S7 PLC over a single session.
//
// All operations are serialized by one mutex: at most one handshake and one
// request/response exchange happen per call, and there are no internal
// retries. Any transport, handshake or protocol failure closes the socket
// and leaves the client Disconnected so the next call handshakes again.
// State and the negotiated PDU can be read without the mutex.
type Client struct {
	mu        sync.Mutex
	t         *transport
	state     atomic.Int32 // State; only changed with mu held
	order     WordOrder
	bitAccess bool
}

// options holds configuration options for NewClient.
type options struct {
	rack          int
	slot          int
	port          int
	timeout       time.Duration
	pduSize       uint16
	wordOrder     WordOrder
	bitAddressing bool
}

// Option is a functional option for NewClient and Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// S7-1200/1500 CPUs usually sit in rack 0, slot 1 (or 0); S7-300/400 CPUs
// are typically in slot 2. Rack must be 0-7 and slot 0-31; other values make
// every operation fail with ErrInvalidAddress.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithPort overrides the ISO-on-TCP port (default 102).
func WithPort(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithTimeout configures the connect and per-exchange timeout (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithPDUSize sets the PDU length proposed during setup (default 480).
// Values are clamped to 240-960.
func WithPDUSize(size int) Option {
	return func(o *options) {
		switch {
		case size <= 0:
			o.pduSize = defaultPDUSize
		case size < minPDUSize:
			o.pduSize = minPDUSize
		case size > maxPDUSize:
			o.pduSize = maxPDUSize
		default:
			o.pduSize = uint16(size)
		}
	}
}

// WithWordOrder sets the register order for 32-bit values.
func WithWordOrder(order WordOrder) Option {
	return func(o *options) {
		o.wordOrder = order
	}
}

// WithBitAddressing makes BOOL writes address the bit directly instead of
// doing a read-modify-write of the containing byte.
func WithBitAddressing(enabled bool) Option {
	return func(o *options) {
		o.bitAddressing = enabled
	}
}

// NewClient creates a client for the PLC at address ("host" or "host:port").
// No I/O is performed; the first operation (or Connect) opens the session.
func NewClient(address string, opts ...Option) *Client {
	cfg := &options{
		rack:    0,
		slot:    1,
		port:    defaultS7Port,
		timeout: defaultTimeout,
		pduSize: defaultPDUSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		t:         newTransport(address, cfg.port, cfg.rack, cfg.slot, cfg.timeout, cfg.pduSize),
		order:     cfg.wordOrder,
		bitAccess: cfg.bitAddressing,
	}
	c.setState(StateDisconnected)
	return c
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Connect opens the session if it is not already open. It also re-opens a
// client that was closed with Close.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateConnected {
		return nil
	}
	c.setState(StateDisconnected)
	return c.ensureConnected()
}

// ensureConnected runs the handshake once if the client is Disconnected.
// Must be called with c.mu held.
func (c *Client) ensureConnected() error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return nil
	}
	if err := c.t.validateRackSlot(); err != nil {
		return err
	}
	if err := c.t.connect(); err != nil {
		return err
	}
	c.setState(StateConnected)
	return nil
}

// fail invalidates the session when err means the socket can no longer be
// trusted. Must be called with c.mu held.
func (c *Client) fail(err error) error {
	if IsConnectionError(err) && c.State() == StateConnected {
		c.t.close()
		c.setState(StateDisconnected)
		logging.DebugDisconnect("s7", c.t.address, err.Error())
	}
	return err
}

// Close releases the session. Later operations return ErrClosed until
// Connect is called.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(StateClosed)
	return c.t.close()
}

// Abort closes the socket without waiting for the client lock. An exchange
// blocked on the socket fails with a TransportError and the session becomes
// Disconnected, which also affects any caller queued behind it.
func (c *Client) Abort() {
	if c == nil {
		return
	}
	c.t.abort()
}

// State returns the current connection state. It does not wait for an
// exchange in progress.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected returns true if the client has an open session.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	return c.State() == StateConnected
}

// PDUSize returns the negotiated PDU length, or 0 if never connected.
func (c *Client) PDUSize() int {
	return int(c.t.negotiatedPDU())
}

// MaxReadSize returns the largest byte count a single read can request.
func (c *Client) MaxReadSize() int {
	return maxReadPayload(c.t.limitPDU())
}

// MaxWriteSize returns the largest byte count a single write can carry.
func (c *Client) MaxWriteSize() int {
	return maxWritePayload(c.t.limitPDU())
}

// Address returns the PLC endpoint as host:port.
func (c *Client) Address() string {
	return c.t.address
}

// WordOrder returns the configured register order for 32-bit values.
func (c *Client) WordOrder() WordOrder {
	return c.order
}

// ConnectionMode returns a human-readable string describing the connection mode.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	switch c.State() {
	case StateConnected:
		return fmt.Sprintf("S7 Connected (Rack %d, Slot %d, PDU %d)", c.t.rack, c.t.slot, c.t.negotiatedPDU())
	case StateClosed:
		return "Closed"
	default:
		return "Disconnected"
	}
}

// annotate fills in the request location on an AreaAccessError.
func annotate(err error, area Area, db, offset int) error {
	var ae *AreaAccessError
	if errors.As(err, &ae) {
		ae.Area = area
		ae.DB = db
		ae.Offset = offset
	}
	return err
}

// readLocked performs one read exchange. Must be called with c.mu held.
func (c *Client) readLocked(area Area, db, offset, size int) ([]byte, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	if limit := maxReadPayload(c.t.limitPDU()); size > limit {
		return nil, &RequestTooLargeError{Size: size, Max: limit}
	}
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	// The peer may have negotiated less than was proposed.
	if limit := maxReadPayload(c.t.negotiatedPDU()); size > limit {
		return nil, &RequestTooLargeError{Size: size, Max: limit}
	}

	ref := c.t.nextRef()
	resp, err := c.t.exchange(buildReadRequest(byteItem(area, db, offset, size), ref))
	if err != nil {
		return nil, c.fail(err)
	}
	data, err := parseReadResponse(resp, ref, size)
	if err != nil {
		return nil, c.fail(annotate(err, area, db, offset))
	}
	return data, nil
}

// writeLocked performs one write exchange. Must be called with c.mu held.
func (c *Client) writeLocked(item anyItem, area Area, db, offset int, data []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if limit := maxWritePayload(c.t.limitPDU()); len(data) > limit {
		return &RequestTooLargeError{Size: len(data), Max: limit}
	}
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if limit := maxWritePayload(c.t.negotiatedPDU()); len(data) > limit {
		return &RequestTooLargeError{Size: len(data), Max: limit}
	}

	ref := c.t.nextRef()
	resp, err := c.t.exchange(buildWriteRequest(item, data, ref))
	if err != nil {
		return c.fail(err)
	}
	if err := parseWriteResponse(resp, ref); err != nil {
		return c.fail(annotate(err, area, db, offset))
	}
	return nil
}

// checkRange validates an area access before any I/O.
func checkRange(area Area, db, offset, size int) error {
	addr := Address{Area: area, DBNumber: db, Offset: offset, BitNum: -1, DataType: TypeBytes, Size: size}
	return addr.validate()
}

// ReadArea reads size bytes starting at offset. db is ignored unless area is AreaDB.
func (c *Client) ReadArea(area Area, db, offset, size int) ([]byte, error) {
	if err := checkRange(area, db, offset, size); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(area, db, offset, size)
}

// WriteArea writes data starting at offset. db is ignored unless area is AreaDB.
func (c *Client) WriteArea(area Area, db, offset int, data []byte) error {
	if err := checkRange(area, db, offset, len(data)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(byteItem(area, db, offset, len(data)), area, db, offset, data)
}

// ReadBit reads one bit of the byte at offset.
func (c *Client) ReadBit(area Area, db, offset, bit int) (bool, error) {
	if bit < 0 || bit > 7 {
		return false, fmt.Errorf("%w: bit number must be 0-7, got %d", ErrInvalidAddress, bit)
	}
	data, err := c.ReadArea(area, db, offset, 1)
	if err != nil {
		return false, err
	}
	return GetBit(data[0], bit), nil
}

// WriteBit sets or clears one bit of the byte at offset, leaving the other
// bits unchanged. Without bit addressing this reads the byte and writes it
// back while holding the lock, so it costs two exchanges.
func (c *Client) WriteBit(area Area, db, offset, bit int, value bool) error {
	if bit < 0 || bit > 7 {
		return fmt.Errorf("%w: bit number must be 0-7, got %d", ErrInvalidAddress, bit)
	}
	if err := checkRange(area, db, offset, 1); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bitAccess {
		var b byte
		if value {
			b = 1
		}
		return c.writeLocked(bitItem(area, db, offset, bit), area, db, offset, []byte{b})
	}

	data, err := c.readLocked(area, db, offset, 1)
	if err != nil {
		return fmt.Errorf("failed to read byte for bit write: %w", err)
	}
	data[0] = SetBit(data[0], bit, value)
	return c.writeLocked(byteItem(area, db, offset, 1), area, db, offset, data)
}

// Read reads an address and returns its value.
func (c *Client) Read(addr *Address) (*TagValue, error) {
	if err := addr.validate(); err != nil {
		return nil, err
	}

	data, err := c.ReadArea(addr.Area, addr.DBNumber, addr.Offset, addr.Size)
	if err != nil {
		return nil, err
	}

	count := addr.Count
	if count < 1 {
		count = 1
	}
	return &TagValue{
		Name:     addr.String(),
		DataType: addr.DataType,
		Bytes:    data,
		BitNum:   addr.BitNum,
		Count:    count,
		Order:    c.order,
	}, nil
}

// Write encodes value for the address data type and writes it.
// BOOL addresses change only the addressed bit.
func (c *Client) Write(addr *Address, value interface{}) error {
	if err := addr.validate(); err != nil {
		return err
	}

	if addr.DataType == TypeBool {
		v, err := toBool(value)
		if err != nil {
			return err
		}
		return c.WriteBit(addr.Area, addr.DBNumber, addr.Offset, addr.BitNum, v)
	}

	data, err := EncodeValues(addr.DataType, value, addr.Count, c.order)
	if err != nil {
		return err
	}
	if addr.DataType != TypeBytes && len(data) != addr.Size {
		return fmt.Errorf("%s: encoded %d bytes for a %d-byte address", addr, len(data), addr.Size)
	}
	return c.WriteArea(addr.Area, addr.DBNumber, addr.Offset, data)
}

// TagRequest represents a tag to read with optional type hint.
type TagRequest struct {
	Address  string // S7 address (e.g., "DB1.0" or "DB1.DBD0")
	TypeHint string // Optional type name (e.g., "DINT") - used when address doesn't specify type
}

// Resolve parses a tag request into an address ready for I/O.
func (r TagRequest) Resolve() (*Address, error) {
	addr, err := ParseAddress(r.Address)
	if err != nil {
		return nil, err
	}
	if err := addr.ApplyTypeHint(r.TypeHint); err != nil {
		return nil, err
	}

	// Default to DINT if still no size
	if addr.Size == 0 {
		addr.DataType = TypeDInt
		addr.Size = 4 * addr.Count
	}
	return addr, nil
}

// ReadTag reads an address string such as "DB1.DBW0" or "DB1.0" with a type hint.
func (c *Client) ReadTag(address, typeHint string) (*TagValue, error) {
	addr, err := TagRequest{Address: address, TypeHint: typeHint}.Resolve()
	if err != nil {
		return nil, err
	}
	v, err := c.Read(addr)
	if err != nil {
		return nil, err
	}
	v.Name = address
	return v, nil
}

// WriteTag writes value to an address string with an optional type hint.
func (c *Client) WriteTag(address, typeHint string, value interface{}) error {
	addr, err := TagRequest{Address: address, TypeHint: typeHint}.Resolve()
	if err != nil {
		return err
	}
	return c.Write(addr, value)
}

// ReadWithTypes reads addresses with optional type hints, one exchange each.
// Each result carries its own error. After a connection error the remaining
// tags are not attempted and carry that error.
func (c *Client) ReadWithTypes(requests []TagRequest) []*TagValue {
	results := make([]*TagValue, 0, len(requests))
	var fatal error

	for _, req := range requests {
		if fatal != nil {
			results = append(results, &TagValue{Name: req.Address, Error: fatal})
			continue
		}
		v, err := c.ReadTag(req.Address, req.TypeHint)
		if err != nil {
			if IsConnectionError(err) {
				fatal = err
			}
			results = append(results, &TagValue{Name: req.Address, Error: err})
			continue
		}
		results = append(results, v)
	}
	return results
}

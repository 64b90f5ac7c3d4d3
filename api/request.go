package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"s7link/s7"
)

// maxBodySize limits write and control request bodies.
const maxBodySize = 1 << 20

// accessParams locates one value either by S7 address text or by
// area/db/start. Nil fields fall back to the route's defaults.
type accessParams struct {
	Address  string
	Area     string
	DB       *int
	Start    *int
	Bit      *int
	Size     *int
	Count    *int
	DataType string
}

// accessDefaults are the per-route values for omitted fields.
type accessDefaults struct {
	Area     string
	DB       int
	Size     int
	DataType string
}

var (
	readDefaults  = accessDefaults{Area: "DB", DB: 1, Size: 2, DataType: "INT"}
	writeDefaults = accessDefaults{Area: "DB", DB: 1, Size: 1, DataType: "INT"}
	ctrlDefaults  = accessDefaults{Area: "PA", DB: 0, Size: 1, DataType: "BOOL"}
)

// WriteRequest is the JSON body of POST /write and POST /ctrl.
type WriteRequest struct {
	Address  string      `json:"address,omitempty"`
	Area     string      `json:"area,omitempty"`
	DB       *int        `json:"db,omitempty"`
	Start    *int        `json:"start,omitempty"`
	Bit      *int        `json:"bit,omitempty"`
	DataType string      `json:"data_type,omitempty"`
	Value    interface{} `json:"value"`
}

func (req WriteRequest) params() accessParams {
	return accessParams{
		Address:  req.Address,
		Area:     req.Area,
		DB:       req.DB,
		Start:    req.Start,
		Bit:      req.Bit,
		DataType: req.DataType,
	}
}

func decodeWriteRequest(r *http.Request) (WriteRequest, error) {
	var req WriteRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	if req.Value == nil {
		return req, errors.New("missing value")
	}
	return req, nil
}

func intParam(q url.Values, name string) (*int, error) {
	s := q.Get(name)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, s)
	}
	return &n, nil
}

func parseReadQuery(q url.Values) (accessParams, error) {
	p := accessParams{
		Address:  q.Get("address"),
		Area:     q.Get("area"),
		DataType: q.Get("data_type"),
	}
	for name, dst := range map[string]**int{
		"db":    &p.DB,
		"start": &p.Start,
		"bit":   &p.Bit,
		"size":  &p.Size,
		"count": &p.Count,
	} {
		v, err := intParam(q, name)
		if err != nil {
			return p, err
		}
		*dst = v
	}
	return p, nil
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// resolve builds the address for the request. Reads of an unknown
// data_type return the raw bytes; writes reject it.
func (p accessParams) resolve(d accessDefaults, read bool) (*s7.Address, error) {
	if p.Address != "" {
		addr, err := s7.TagRequest{Address: p.Address, TypeHint: p.DataType}.Resolve()
		if err != nil {
			return nil, err
		}
		if addr.DataType == s7.TypeBytes && p.Size != nil {
			addr.Size = *p.Size
		}
		return addr, nil
	}

	areaName := p.Area
	if areaName == "" {
		areaName = d.Area
	}
	area, err := s7.ParseArea(areaName)
	if err != nil {
		return nil, err
	}

	typeName := p.DataType
	if typeName == "" {
		typeName = d.DataType
	}
	dataType, ok := s7.TypeCodeFromName(typeName)
	if !ok {
		if !read {
			return nil, fmt.Errorf("%w: %s", s7.ErrUnsupportedType, typeName)
		}
		dataType = s7.TypeBytes
	}

	addr := &s7.Address{
		Area:     area,
		Offset:   orDefault(p.Start, 0),
		BitNum:   -1,
		DataType: dataType,
		Count:    orDefault(p.Count, 1),
	}
	if area == s7.AreaDB {
		addr.DBNumber = orDefault(p.DB, d.DB)
	}
	if addr.Count < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1", s7.ErrInvalidAddress)
	}

	switch dataType {
	case s7.TypeBool:
		bit := orDefault(p.Bit, 0)
		if bit < 0 || bit > 7 {
			return nil, fmt.Errorf("%w: bit number must be 0-7, got %d", s7.ErrInvalidAddress, bit)
		}
		addr.BitNum = bit
		addr.Size = 1
		addr.Count = 1
	case s7.TypeBytes:
		addr.Size = orDefault(p.Size, d.Size)
		addr.Count = 1
	default:
		addr.Size = s7.TypeSize(dataType) * addr.Count
	}
	return addr, nil
}

// sizeForValue widens a write to cover a list value: the byte count for
// BYTES, the element count for typed arrays.
func sizeForValue(addr *s7.Address, value interface{}) {
	list, ok := value.([]interface{})
	if !ok || addr.DataType == s7.TypeBool {
		return
	}
	if addr.DataType == s7.TypeBytes {
		if len(list) > 0 {
			addr.Size = len(list)
		}
		return
	}
	if addr.Count <= 1 && len(list) > 1 {
		addr.Count = len(list)
		addr.Size = s7.TypeSize(addr.DataType) * addr.Count
	}
}

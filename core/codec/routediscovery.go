// Package codec decodes Meshtastic traceroute telemetry payloads.
//
// Route discovery packets carry the accumulated hop list and per-hop SNR
// readings of a traceroute probe. The wire format is the protobuf
// RouteDiscovery message; SNR values are transmitted as integers scaled by 4
// and are converted to real dB on decode. A JSON form is accepted for test
// fixtures, and a lenient field-by-field walker recovers partial data from
// damaged payloads.
package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldRoute      = 1
	fieldSNRTowards = 2
	fieldRouteBack  = 3
	fieldSNRBack    = 4

	// snrScale is the wire-format SNR multiplier. Raw values are SNR*4.
	snrScale = 4.0
)

// RouteDiscovery is a decoded route discovery record. Route and RouteBack
// hold the intermediate hop node IDs in transmission order; the SNR slices
// hold one real-dB reading per hop transition. All slices are empty rather
// than nil when absent. The JSON tags match the fixture form, which carries
// SNR in real dB (no *4 scaling).
type RouteDiscovery struct {
	Route      []uint32  `json:"route_nodes"`
	SNRTowards []float64 `json:"snr_towards"`
	RouteBack  []uint32  `json:"route_back"`
	SNRBack    []float64 `json:"snr_back"`
}

// New returns an empty RouteDiscovery with all sequences allocated.
func New() *RouteDiscovery {
	return &RouteDiscovery{
		Route:      []uint32{},
		SNRTowards: []float64{},
		RouteBack:  []uint32{},
		SNRBack:    []float64{},
	}
}

// HasReturnPath returns true if a return route was captured.
func (rd *RouteDiscovery) HasReturnPath() bool {
	return len(rd.RouteBack) > 0
}

// NodeIDs returns every node ID named in the record, in first-seen order.
func (rd *RouteDiscovery) NodeIDs() []uint32 {
	ids := make([]uint32, 0, len(rd.Route)+len(rd.RouteBack))
	seen := make(map[uint32]struct{}, len(rd.Route)+len(rd.RouteBack))
	for _, id := range rd.Route {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range rd.RouteBack {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// IsEmpty returns true if the record carries no hops and no SNR readings.
func (rd *RouteDiscovery) IsEmpty() bool {
	return len(rd.Route) == 0 && len(rd.SNRTowards) == 0 &&
		len(rd.RouteBack) == 0 && len(rd.SNRBack) == 0
}

// Decoder decodes raw route discovery payloads.
type Decoder struct {
	log *slog.Logger
}

// NewDecoder creates a Decoder. If logger is nil, slog.Default() is used.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{log: logger}
}

// Decode parses a route discovery payload. It never fails: decode strategies
// are tried in order (strict protobuf, fixture JSON, lenient wire walk) and
// the first success wins. A payload no strategy can fully parse yields
// whatever the lenient walker accumulated before it lost the stream, which
// may be an all-empty record.
func (d *Decoder) Decode(data []byte) *RouteDiscovery {
	if len(data) == 0 {
		return New()
	}
	// A wire-format record never begins with '{', so the fixture form is
	// recognized before the group-skip logic in the wire parse can swallow it.
	if looksLikeJSONObject(data) {
		if rd, err := decodeFixtureJSON(data); err == nil {
			return rd
		}
	}
	if rd, err := decodeWire(data); err == nil {
		return rd
	}
	d.log.Warn("malformed route discovery payload, keeping partial decode",
		"payload_len", len(data))
	return decodeLenient(data)
}

// decodeWire is the strict protobuf parse of the RouteDiscovery message.
// Any malformed tag, truncated field, or unexpected wire type fails the
// whole parse so a cleaner strategy can be tried.
func decodeWire(data []byte) (*RouteDiscovery, error) {
	rd := New()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		var err error
		switch num {
		case fieldRoute:
			rd.Route, data, err = consumeNodeIDs(rd.Route, data, typ)
		case fieldSNRTowards:
			rd.SNRTowards, data, err = consumeSNRs(rd.SNRTowards, data, typ)
		case fieldRouteBack:
			rd.RouteBack, data, err = consumeNodeIDs(rd.RouteBack, data, typ)
		case fieldSNRBack:
			rd.SNRBack, data, err = consumeSNRs(rd.SNRBack, data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
		if err != nil {
			return nil, err
		}
	}
	return rd, nil
}

// consumeNodeIDs reads one route field occurrence: a single varint, a single
// fixed32 (firmware encodes node IDs as fixed32), or a packed varint run.
func consumeNodeIDs(dst []uint32, data []byte, typ protowire.Type) ([]uint32, []byte, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		return append(dst, uint32(v)), data[n:], nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		return append(dst, v), data[n:], nil
	case protowire.BytesType:
		pack, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		for len(pack) > 0 {
			v, m := protowire.ConsumeVarint(pack)
			if m < 0 {
				return dst, data, protowire.ParseError(m)
			}
			dst = append(dst, uint32(v))
			pack = pack[m:]
		}
		return dst, data[n:], nil
	default:
		return dst, data, fmt.Errorf("route field: unexpected wire type %d", typ)
	}
}

// consumeSNRs reads one SNR field occurrence and converts raw scaled
// integers to real dB. Varints are interpreted as int32 two's complement,
// fixed32 values as raw signed integers.
func consumeSNRs(dst []float64, data []byte, typ protowire.Type) ([]float64, []byte, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		return append(dst, rawSNR(v)), data[n:], nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		return append(dst, float64(int32(v))/snrScale), data[n:], nil
	case protowire.BytesType:
		pack, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return dst, data, protowire.ParseError(n)
		}
		for len(pack) > 0 {
			v, m := protowire.ConsumeVarint(pack)
			if m < 0 {
				return dst, data, protowire.ParseError(m)
			}
			dst = append(dst, rawSNR(v))
			pack = pack[m:]
		}
		return dst, data[n:], nil
	default:
		return dst, data, fmt.Errorf("snr field: unexpected wire type %d", typ)
	}
}

func rawSNR(v uint64) float64 {
	return float64(int32(uint32(v))) / snrScale
}

// fixtureRecord is the JSON fixture shape. Entries may be null; nulls are
// skipped rather than treated as zeros.
type fixtureRecord struct {
	RouteNodes []*float64 `json:"route_nodes"`
	SNRTowards []*float64 `json:"snr_towards"`
	RouteBack  []*float64 `json:"route_back"`
	SNRBack    []*float64 `json:"snr_back"`
}

// decodeFixtureJSON interprets the payload as the UTF-8 JSON fixture form.
// Fixture SNR values are already in real dB and are not rescaled.
func decodeFixtureJSON(data []byte) (*RouteDiscovery, error) {
	if !looksLikeJSONObject(data) {
		return nil, fmt.Errorf("not a JSON object")
	}
	var fr fixtureRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, err
	}
	rd := New()
	for _, v := range fr.RouteNodes {
		if v != nil {
			rd.Route = append(rd.Route, uint32(*v))
		}
	}
	for _, v := range fr.SNRTowards {
		if v != nil {
			rd.SNRTowards = append(rd.SNRTowards, *v)
		}
	}
	for _, v := range fr.RouteBack {
		if v != nil {
			rd.RouteBack = append(rd.RouteBack, uint32(*v))
		}
	}
	for _, v := range fr.SNRBack {
		if v != nil {
			rd.SNRBack = append(rd.SNRBack, *v)
		}
	}
	return rd, nil
}

func looksLikeJSONObject(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// decodeLenient walks the wire format field by field and keeps whatever it
// can recover. Any truncated or unreadable field aborts the walk; the record
// accumulated so far is returned. Partial data beats total failure here.
func decodeLenient(data []byte) *RouteDiscovery {
	rd := New()
	i := 0
	for i < len(data) {
		tag, n := readUvarint(data[i:])
		if n <= 0 {
			return rd
		}
		i += n
		num := int(tag >> 3)
		wt := int(tag & 0x07)

		switch {
		case (num == fieldRoute || num == fieldRouteBack) && wt == 0:
			v, n := readUvarint(data[i:])
			if n <= 0 {
				return rd
			}
			i += n
			rd.appendRoute(num, uint32(v))
		case (num == fieldRoute || num == fieldRouteBack) && wt == 5:
			if i+4 > len(data) {
				return rd
			}
			v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			i += 4
			rd.appendRoute(num, v)
		case (num == fieldRoute || num == fieldRouteBack) && wt == 2:
			pack, n := readDelimited(data[i:])
			if n <= 0 {
				return rd
			}
			i += n
			for j := 0; j < len(pack); {
				v, m := readUvarint(pack[j:])
				if m <= 0 {
					return rd
				}
				j += m
				rd.appendRoute(num, uint32(v))
			}
		case (num == fieldSNRTowards || num == fieldSNRBack) && wt == 0:
			v, n := readUvarint(data[i:])
			if n <= 0 {
				return rd
			}
			i += n
			rd.appendSNR(num, rawSNR(v))
		case (num == fieldSNRTowards || num == fieldSNRBack) && wt == 5:
			if i+4 > len(data) {
				return rd
			}
			v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			i += 4
			rd.appendSNR(num, float64(int32(v))/snrScale)
		case (num == fieldSNRTowards || num == fieldSNRBack) && wt == 2:
			pack, n := readDelimited(data[i:])
			if n <= 0 {
				return rd
			}
			i += n
			for j := 0; j < len(pack); {
				v, m := readUvarint(pack[j:])
				if m <= 0 {
					return rd
				}
				j += m
				rd.appendSNR(num, rawSNR(v))
			}
		default:
			n := skipField(data[i:], wt)
			if n < 0 {
				return rd
			}
			i += n
		}
	}
	return rd
}

func (rd *RouteDiscovery) appendRoute(field int, v uint32) {
	if field == fieldRoute {
		rd.Route = append(rd.Route, v)
	} else {
		rd.RouteBack = append(rd.RouteBack, v)
	}
}

func (rd *RouteDiscovery) appendSNR(field int, v float64) {
	if field == fieldSNRTowards {
		rd.SNRTowards = append(rd.SNRTowards, v)
	} else {
		rd.SNRBack = append(rd.SNRBack, v)
	}
}

// readUvarint decodes a base-128 varint. Returns the value and the number of
// bytes consumed, or n <= 0 when the input is truncated or overlong.
func readUvarint(data []byte) (uint64, int) {
	var v uint64
	for n := 0; n < len(data) && n < 10; n++ {
		b := data[n]
		v |= uint64(b&0x7F) << (7 * n)
		if b < 0x80 {
			return v, n + 1
		}
	}
	return 0, 0
}

// readDelimited reads a length-prefixed byte run. Returns the run and total
// bytes consumed including the length prefix, or n <= 0 on truncation.
func readDelimited(data []byte) ([]byte, int) {
	l, n := readUvarint(data)
	// Compare against the remaining bytes rather than adding n+l, which a
	// near-max varint length would overflow past the guard.
	if n <= 0 || l > uint64(len(data)-n) {
		return nil, 0
	}
	return data[n : n+int(l)], n + int(l)
}

// skipField skips one field value of the given wire type. Returns bytes
// consumed or -1 if the field cannot be skipped.
func skipField(data []byte, wireType int) int {
	switch wireType {
	case 0: // varint
		_, n := readUvarint(data)
		if n <= 0 {
			return -1
		}
		return n
	case 1: // fixed64
		if len(data) < 8 {
			return -1
		}
		return 8
	case 2: // length-delimited
		_, n := readDelimited(data)
		if n <= 0 {
			return -1
		}
		return n
	case 5: // fixed32
		if len(data) < 4 {
			return -1
		}
		return 4
	default:
		return -1
	}
}

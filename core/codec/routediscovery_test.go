package codec

import (
	"encoding/json"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecode_Fixed32SNR(t *testing.T) {
	// Field 2, fixed32, raw value -20 → -5.0 dB.
	data := []byte{0x15, 0xec, 0xff, 0xff, 0xff}

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.SNRTowards, []float64{-5.0}) {
		t.Errorf("SNRTowards = %v, want [-5.0]", rd.SNRTowards)
	}
	if len(rd.Route) != 0 {
		t.Errorf("Route = %v, want empty", rd.Route)
	}
}

func TestDecode_SNRScale(t *testing.T) {
	tests := []struct {
		name string
		raw  int32
		want float64
	}{
		{"positive", 10, 2.5},
		{"negative", -20, -5.0},
		{"zero", 0, 0.0},
		{"odd", -13, -3.25},
		{"max int8 range", 127, 31.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data []byte
			data = protowire.AppendTag(data, fieldSNRTowards, protowire.VarintType)
			data = protowire.AppendVarint(data, uint64(uint32(tt.raw)))

			rd := NewDecoder(nil).Decode(data)
			if len(rd.SNRTowards) != 1 || rd.SNRTowards[0] != tt.want {
				t.Errorf("SNRTowards = %v, want [%v]", rd.SNRTowards, tt.want)
			}
		})
	}
}

func TestDecode_FullRecord(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, fieldRoute, protowire.VarintType)
	data = protowire.AppendVarint(data, 0xA1)
	data = protowire.AppendTag(data, fieldRoute, protowire.VarintType)
	data = protowire.AppendVarint(data, 0xA2)
	data = protowire.AppendTag(data, fieldSNRTowards, protowire.VarintType)
	rawSNR := int32(-8)
	data = protowire.AppendVarint(data, uint64(uint32(rawSNR)))
	data = protowire.AppendTag(data, fieldSNRTowards, protowire.VarintType)
	data = protowire.AppendVarint(data, 20)
	data = protowire.AppendTag(data, fieldSNRTowards, protowire.VarintType)
	data = protowire.AppendVarint(data, 4)
	data = protowire.AppendTag(data, fieldRouteBack, protowire.VarintType)
	data = protowire.AppendVarint(data, 0xB1)
	data = protowire.AppendTag(data, fieldSNRBack, protowire.VarintType)
	data = protowire.AppendVarint(data, 8)

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.Route, []uint32{0xA1, 0xA2}) {
		t.Errorf("Route = %v, want [161 162]", rd.Route)
	}
	if !reflect.DeepEqual(rd.SNRTowards, []float64{-2.0, 5.0, 1.0}) {
		t.Errorf("SNRTowards = %v, want [-2 5 1]", rd.SNRTowards)
	}
	if !reflect.DeepEqual(rd.RouteBack, []uint32{0xB1}) {
		t.Errorf("RouteBack = %v, want [177]", rd.RouteBack)
	}
	if !reflect.DeepEqual(rd.SNRBack, []float64{2.0}) {
		t.Errorf("SNRBack = %v, want [2]", rd.SNRBack)
	}
	if !rd.HasReturnPath() {
		t.Error("HasReturnPath() = false, want true")
	}
}

func TestDecode_PackedRoute(t *testing.T) {
	var pack []byte
	pack = protowire.AppendVarint(pack, 100)
	pack = protowire.AppendVarint(pack, 200)
	pack = protowire.AppendVarint(pack, 300)

	var data []byte
	data = protowire.AppendTag(data, fieldRoute, protowire.BytesType)
	data = protowire.AppendBytes(data, pack)

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.Route, []uint32{100, 200, 300}) {
		t.Errorf("Route = %v, want [100 200 300]", rd.Route)
	}
}

func TestDecode_Fixed32Route(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, fieldRoute, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 0xDEADBEEF)

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.Route, []uint32{0xDEADBEEF}) {
		t.Errorf("Route = %v, want [0xDEADBEEF]", rd.Route)
	}
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, 7, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)
	data = protowire.AppendTag(data, 8, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("ignored"))
	data = protowire.AppendTag(data, fieldSNRTowards, protowire.VarintType)
	data = protowire.AppendVarint(data, 40)

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.SNRTowards, []float64{10.0}) {
		t.Errorf("SNRTowards = %v, want [10]", rd.SNRTowards)
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	rd := NewDecoder(nil).Decode(nil)
	if !rd.IsEmpty() {
		t.Errorf("Decode(nil) = %+v, want empty record", rd)
	}
	if rd.Route == nil || rd.SNRTowards == nil || rd.RouteBack == nil || rd.SNRBack == nil {
		t.Error("empty record must have allocated sequences, not nil")
	}
}

func TestDecode_FixtureJSONRoundTrip(t *testing.T) {
	orig := &RouteDiscovery{
		Route:      []uint32{0xA1, 0xA2},
		SNRTowards: []float64{-2.0, 5.25, 1.0},
		RouteBack:  []uint32{0xB1},
		SNRBack:    []float64{2.0, -7.5},
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	got := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(got, orig) {
		t.Errorf("round trip = %+v, want %+v", got, orig)
	}
}

func TestDecode_FixtureJSONNulls(t *testing.T) {
	data := []byte(`{"route_nodes":[161,null,162],"snr_towards":[-5.0,null],"route_back":[],"snr_back":null}`)

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.Route, []uint32{161, 162}) {
		t.Errorf("Route = %v, want [161 162]", rd.Route)
	}
	if !reflect.DeepEqual(rd.SNRTowards, []float64{-5.0}) {
		t.Errorf("SNRTowards = %v, want [-5]", rd.SNRTowards)
	}
	if len(rd.SNRBack) != 0 {
		t.Errorf("SNRBack = %v, want empty", rd.SNRBack)
	}
}

func TestDecode_LenientPartial(t *testing.T) {
	// One complete fixed32 SNR field followed by a truncated one. The strict
	// parse rejects the payload; the lenient walker keeps the first value.
	data := []byte{0x15, 0xec, 0xff, 0xff, 0xff, 0x15, 0x01}

	rd := NewDecoder(nil).Decode(data)
	if !reflect.DeepEqual(rd.SNRTowards, []float64{-5.0}) {
		t.Errorf("SNRTowards = %v, want [-5.0]", rd.SNRTowards)
	}
}

func TestDecode_GarbageYieldsEmpty(t *testing.T) {
	rd := NewDecoder(nil).Decode([]byte{0xFF, 0xFF, 0xFF})
	if !rd.IsEmpty() {
		t.Errorf("Decode(garbage) = %+v, want empty record", rd)
	}
}

func TestDecode_HugeLengthPrefix(t *testing.T) {
	// A ten-byte varint length close to the uint64 maximum must be rejected
	// by the bounds check, not wrapped around into a negative slice bound.
	huge := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}

	tests := []struct {
		name string
		data []byte
	}{
		{"packed route field", append([]byte{0x0A}, huge...)},
		{"packed snr field", append([]byte{0x12}, huge...)},
		{"skipped unknown field", append([]byte{0x32}, huge...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := NewDecoder(nil).Decode(tt.data)
			if !rd.IsEmpty() {
				t.Errorf("Decode(%x) = %+v, want empty record", tt.data, rd)
			}
		})
	}
}

func TestReadDelimited_LengthBeyondInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"length past end", []byte{0x05, 0x01, 0x02}},
		{"max uint64 length", append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, n := readDelimited(tt.data); n > 0 {
				t.Errorf("readDelimited(%x) consumed %d bytes, want rejection", tt.data, n)
			}
		})
	}
}

func TestRouteDiscovery_NodeIDs(t *testing.T) {
	rd := &RouteDiscovery{
		Route:     []uint32{1, 2, 3},
		RouteBack: []uint32{3, 2, 4},
	}
	want := []uint32{1, 2, 3, 4}
	if got := rd.NodeIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("NodeIDs() = %v, want %v", got, want)
	}
}

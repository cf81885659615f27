package trace

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kabili207/meshmon-go/core/codec"
	"github.com/kabili207/meshmon-go/core/location"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEnv() Envelope {
	return Envelope{PacketID: 42, From: 1, To: 2, Gateway: 9, Time: testTime}
}

func snrs(values ...float64) []float64 { return values }

func TestNewPacket_HopCount(t *testing.T) {
	tests := []struct {
		name     string
		route    []uint32
		snr      []float64
		wantHops int
		wantRF   int
		complete bool
	}{
		{"direct neighbor", nil, snrs(-5), 1, 1, true},
		{"two intermediates", []uint32{10, 11}, snrs(-5, -6, -7), 3, 3, true},
		{"missing tail snr", []uint32{10, 11}, snrs(-5), 3, 1, false},
		{"no snr at all", []uint32{10}, nil, 2, 0, false},
		{"zero snr sentinel", []uint32{10}, snrs(0, -4), 2, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := codec.New()
			rd.Route = append(rd.Route, tt.route...)
			rd.SNRTowards = append(rd.SNRTowards, tt.snr...)

			p := NewPacket(testEnv(), rd)
			if got := len(p.ForwardHops()); got != tt.wantHops {
				t.Errorf("forward hops = %d, want %d", got, tt.wantHops)
			}
			if got := len(p.RFHops()); got != tt.wantRF {
				t.Errorf("rf hops = %d, want %d", got, tt.wantRF)
			}
			if got := p.IsComplete(); got != tt.complete {
				t.Errorf("IsComplete() = %v, want %v", got, tt.complete)
			}
		})
	}
}

func TestNewPacket_HopSequence(t *testing.T) {
	rd := codec.New()
	rd.Route = []uint32{10, 11}
	rd.SNRTowards = snrs(-5, -6, -7)

	p := NewPacket(testEnv(), rd)
	hops := p.ForwardHops()
	wantPairs := [][2]uint32{{1, 10}, {10, 11}, {11, 2}}
	for i, want := range wantPairs {
		if hops[i].From != want[0] || hops[i].To != want[1] {
			t.Errorf("hop %d = %d→%d, want %d→%d", i, hops[i].From, hops[i].To, want[0], want[1])
		}
		if hops[i].Direction != DirForwardRF {
			t.Errorf("hop %d direction = %s, want %s", i, hops[i].Direction, DirForwardRF)
		}
	}
}

func TestNewPacket_ZeroSNRIsRelay(t *testing.T) {
	rd := codec.New()
	rd.SNRTowards = snrs(0)

	p := NewPacket(testEnv(), rd)
	hop := p.ForwardHops()[0]
	if hop.Direction != DirForwardRelay {
		t.Errorf("direction = %s, want %s for the 0 dB MQTT sentinel", hop.Direction, DirForwardRelay)
	}
	if len(p.RFHops()) != 0 {
		t.Error("0 dB hop must not appear in RFHops()")
	}
}

func TestNewPacket_ReturnPath(t *testing.T) {
	rd := codec.New()
	rd.Route = []uint32{10}
	rd.SNRTowards = snrs(-5, -6)
	rd.RouteBack = []uint32{11}
	rd.SNRBack = snrs(-7, -8)

	p := NewPacket(testEnv(), rd)
	if !p.HasReturnPath() {
		t.Fatal("HasReturnPath() = false, want true")
	}
	back := p.ReturnHops()
	if len(back) != 2 {
		t.Fatalf("return hops = %d, want 2", len(back))
	}
	// Return path runs receiver → route_back → sender.
	if back[0].From != 2 || back[0].To != 11 || back[1].From != 11 || back[1].To != 1 {
		t.Errorf("return hops = %d→%d, %d→%d, want 2→11, 11→1",
			back[0].From, back[0].To, back[1].From, back[1].To)
	}
	if back[0].Direction != DirReturnRF {
		t.Errorf("return direction = %s, want %s", back[0].Direction, DirReturnRF)
	}
	if got := len(p.DisplayHops()); got != 4 {
		t.Errorf("display hops = %d, want 4", got)
	}
}

func TestNewPacket_NoReturnPath(t *testing.T) {
	rd := codec.New()
	rd.SNRTowards = snrs(-5)

	p := NewPacket(testEnv(), rd)
	if p.HasReturnPath() {
		t.Error("HasReturnPath() = true, want false")
	}
	if len(p.ReturnHops()) != 0 {
		t.Errorf("return hops = %d, want 0", len(p.ReturnHops()))
	}
	if len(p.ForwardHops()) != 1 {
		t.Errorf("forward hops = %d, want 1", len(p.ForwardHops()))
	}
}

// fixedResolver returns a constant fix per node.
type fixedResolver map[uint32]*location.Fix

func (r fixedResolver) Lookup(_ context.Context, nodeID uint32, _ time.Time) (*location.Fix, string, error) {
	return r[nodeID], "", nil
}

func TestComputeDistances(t *testing.T) {
	rd := codec.New()
	rd.SNRTowards = snrs(-5)

	p := NewPacket(testEnv(), rd)
	res := fixedResolver{
		1: {Latitude: 0, Longitude: 0},
		2: {Latitude: 0, Longitude: 1},
	}
	if err := p.ComputeDistances(context.Background(), res); err != nil {
		t.Fatalf("ComputeDistances() error = %v", err)
	}

	hop := p.ForwardHops()[0]
	if hop.DistanceKm == nil {
		t.Fatal("DistanceKm = nil, want a value")
	}
	// One degree of longitude at the equator.
	want := 6371.0 * math.Pi / 180
	if math.Abs(*hop.DistanceKm-want) > 0.01 {
		t.Errorf("DistanceKm = %v, want %v", *hop.DistanceKm, want)
	}
}

func TestComputeDistances_UnresolvableEndpoint(t *testing.T) {
	rd := codec.New()
	rd.SNRTowards = snrs(-5)

	p := NewPacket(testEnv(), rd)
	res := fixedResolver{1: {Latitude: 0, Longitude: 0}} // node 2 unknown
	if err := p.ComputeDistances(context.Background(), res); err != nil {
		t.Fatalf("ComputeDistances() error = %v", err)
	}
	if p.ForwardHops()[0].DistanceKm != nil {
		t.Error("DistanceKm should stay nil when an endpoint has no location")
	}
}

func TestResolveNamesAndPathDisplay(t *testing.T) {
	rd := codec.New()
	rd.Route = []uint32{10}
	rd.SNRTowards = snrs(-5, -6)

	p := NewPacket(testEnv(), rd)
	names := map[uint32]string{1: "Alpha", 2: "Bravo"}
	p.ResolveNames(names)

	hops := p.ForwardHops()
	if hops[0].FromName != "Alpha" {
		t.Errorf("FromName = %q, want Alpha", hops[0].FromName)
	}
	if hops[0].ToName != "!0000000a" {
		t.Errorf("ToName = %q, want !0000000a", hops[0].ToName)
	}

	want := "Alpha → !0000000a → Bravo"
	if got := p.PathDisplay(names); got != want {
		t.Errorf("PathDisplay() = %q, want %q", got, want)
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName(0x12345678, nil); got != "!12345678" {
		t.Errorf("DisplayName() = %q, want !12345678", got)
	}
	if got := DisplayName(7, map[uint32]string{7: "Base"}); got != "Base" {
		t.Errorf("DisplayName() = %q, want Base", got)
	}
}

func TestHaversineKm(t *testing.T) {
	// Same point.
	if d := HaversineKm(52.0, 4.0, 52.0, 4.0); d != 0 {
		t.Errorf("HaversineKm(same point) = %v, want 0", d)
	}
	// One degree of latitude is the same arc anywhere on the meridian.
	want := 6371.0 * math.Pi / 180
	if d := HaversineKm(10, 20, 11, 20); math.Abs(d-want) > 0.01 {
		t.Errorf("HaversineKm(1° lat) = %v, want %v", d, want)
	}
}

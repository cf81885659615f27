// Package trace reconstructs traceroute paths from decoded route discovery
// records and classifies each hop as genuine RF propagation or a relay
// artifact.
//
// The reporting gateway receives packets over MQTT, not necessarily over
// radio, so a hop only counts as RF when its SNR was physically measured.
// An SNR of exactly 0 is the firmware's sentinel for "forwarded via
// MQTT/UDP, no radio measurement" and is treated as a relay hop.
package trace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kabili207/meshmon-go/core/codec"
	"github.com/kabili207/meshmon-go/core/location"
)

// BroadcastID is the reserved Meshtastic broadcast address. Hops touching it
// are never aggregated as links.
const BroadcastID uint32 = 0xFFFFFFFF

// Direction labels how a hop was observed.
type Direction string

const (
	DirForwardRF    Direction = "forward_rf"
	DirReturnRF     Direction = "return_rf"
	DirForwardRelay Direction = "forward_relay"
	DirReturnRelay  Direction = "return_relay"
)

// Envelope is the capture metadata of one traceroute packet as stored by
// the MQTT ingester.
type Envelope struct {
	PacketID int64
	From     uint32
	To       uint32
	Gateway  uint32
	Time     time.Time
}

// Hop is one path segment. SNR is nil when the record carried no reading
// for this transition; DistanceKm is nil until ComputeDistances resolves
// both endpoints. Hops live only for the duration of one analysis call.
type Hop struct {
	From       uint32
	To         uint32
	FromName   string
	ToName     string
	SNR        *float64
	Direction  Direction
	DistanceKm *float64
}

// IsRF returns true if this hop is directly attributable to radio
// propagation between its two endpoints.
func (h *Hop) IsRF() bool {
	return h.SNR != nil && *h.SNR != 0
}

// Packet is one reconstructed traceroute: envelope metadata plus the
// ordered forward and return hop lists.
type Packet struct {
	Env     Envelope
	Record  *codec.RouteDiscovery
	forward []Hop
	back    []Hop
}

// NewPacket builds the hop lists for one packet. The forward path is
// sender, intermediate route nodes, receiver; the return path (when
// captured) runs receiver, return route nodes, sender. SNR readings attach
// positionally.
func NewPacket(env Envelope, rd *codec.RouteDiscovery) *Packet {
	if rd == nil {
		rd = codec.New()
	}
	p := &Packet{Env: env, Record: rd}

	fwdSeq := make([]uint32, 0, len(rd.Route)+2)
	fwdSeq = append(fwdSeq, env.From)
	fwdSeq = append(fwdSeq, rd.Route...)
	fwdSeq = append(fwdSeq, env.To)
	p.forward = buildHops(fwdSeq, rd.SNRTowards, DirForwardRF, DirForwardRelay)

	if rd.HasReturnPath() {
		backSeq := make([]uint32, 0, len(rd.RouteBack)+2)
		backSeq = append(backSeq, env.To)
		backSeq = append(backSeq, rd.RouteBack...)
		backSeq = append(backSeq, env.From)
		p.back = buildHops(backSeq, rd.SNRBack, DirReturnRF, DirReturnRelay)
	}

	return p
}

func buildHops(seq []uint32, snrs []float64, rf, relay Direction) []Hop {
	hops := make([]Hop, 0, len(seq)-1)
	for i := 0; i+1 < len(seq); i++ {
		h := Hop{From: seq[i], To: seq[i+1], Direction: relay}
		if i < len(snrs) {
			snr := snrs[i]
			h.SNR = &snr
			if snr != 0 {
				h.Direction = rf
			}
		}
		hops = append(hops, h)
	}
	return hops
}

// HasReturnPath returns true if the record captured a return route.
func (p *Packet) HasReturnPath() bool {
	return p.Record.HasReturnPath()
}

// IsComplete returns true if every forward hop has an SNR reading.
func (p *Packet) IsComplete() bool {
	return len(p.Record.SNRTowards) == len(p.forward)
}

// ForwardHops returns the forward hop list in path order.
func (p *Packet) ForwardHops() []*Hop {
	return hopPtrs(p.forward)
}

// ReturnHops returns the return hop list, empty when no return path exists.
func (p *Packet) ReturnHops() []*Hop {
	return hopPtrs(p.back)
}

// DisplayHops returns every hop, forward then return, for path rendering.
func (p *Packet) DisplayHops() []*Hop {
	hops := make([]*Hop, 0, len(p.forward)+len(p.back))
	hops = append(hops, hopPtrs(p.forward)...)
	hops = append(hops, hopPtrs(p.back)...)
	return hops
}

// RFHops returns the subset of hops attributable to radio propagation.
func (p *Packet) RFHops() []*Hop {
	hops := make([]*Hop, 0, len(p.forward)+len(p.back))
	for _, h := range p.DisplayHops() {
		if h.IsRF() {
			hops = append(hops, h)
		}
	}
	return hops
}

func hopPtrs(hops []Hop) []*Hop {
	ptrs := make([]*Hop, len(hops))
	for i := range hops {
		ptrs[i] = &hops[i]
	}
	return ptrs
}

// ComputeDistances resolves both endpoints of every RF hop at the packet's
// capture time and stores the great-circle distance on the hop. Hops whose
// endpoints cannot be located keep a nil distance. This is the expensive
// enrichment step; callers that only need the path shape skip it.
func (p *Packet) ComputeDistances(ctx context.Context, res location.Resolver) error {
	for _, h := range p.RFHops() {
		from, _, err := res.Lookup(ctx, h.From, p.Env.Time)
		if err != nil {
			return fmt.Errorf("packet %d: %w", p.Env.PacketID, err)
		}
		to, _, err := res.Lookup(ctx, h.To, p.Env.Time)
		if err != nil {
			return fmt.Errorf("packet %d: %w", p.Env.PacketID, err)
		}
		if from == nil || to == nil {
			continue
		}
		d := HaversineKm(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
		h.DistanceKm = &d
	}
	return nil
}

// ResolveNames fills hop display names from a bulk name lookup, falling
// back to the !hex form for unknown nodes.
func (p *Packet) ResolveNames(names map[uint32]string) {
	for _, h := range p.DisplayHops() {
		h.FromName = DisplayName(h.From, names)
		h.ToName = DisplayName(h.To, names)
	}
}

// PathDisplay renders the forward node sequence joined by arrows.
func (p *Packet) PathDisplay(names map[uint32]string) string {
	parts := make([]string, 0, len(p.forward)+1)
	for i, h := range p.forward {
		if i == 0 {
			parts = append(parts, DisplayName(h.From, names))
		}
		parts = append(parts, DisplayName(h.To, names))
	}
	if len(parts) == 0 {
		parts = append(parts, DisplayName(p.Env.From, names), DisplayName(p.Env.To, names))
	}
	return strings.Join(parts, " → ")
}

// DisplayName returns a node's known name or the canonical !hex form.
func DisplayName(nodeID uint32, names map[uint32]string) string {
	if name, ok := names[nodeID]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("!%08x", nodeID)
}

// Package analysis aggregates reconstructed traceroute packets into
// network-level statistics: ranked longest RF links and a node/edge graph
// for visualization.
//
// Every analysis call is self-contained: it fetches a bounded window of
// packets, preloads location history for every node seen in that window,
// and accumulates into per-call maps. Nothing is shared between calls, so
// concurrent callers are independent.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/kabili207/meshmon-go/core/codec"
	"github.com/kabili207/meshmon-go/core/location"
	"github.com/kabili207/meshmon-go/core/trace"
	"github.com/kabili207/meshmon-go/storage"
)

const (
	// DefaultWindow is the historical window analyzed per call.
	DefaultWindow = 7 * 24 * time.Hour
	// DefaultPacketLimit caps the packets fetched per call so very busy
	// meshes stay affordable.
	DefaultPacketLimit = 25000
	// DefaultMaxResults caps each result list.
	DefaultMaxResults = 100

	// recentPacketsMax bounds the per-link recent packet ring.
	recentPacketsMax = 5
	// routePreviewMax bounds the stored path preview.
	routePreviewMax = 10
)

// ErrNoDecodablePackets is returned when the window contained traceroute
// packets but not one payload decoded to usable data. Returning an error
// instead of an empty result keeps a decode regression from masquerading
// as "no long links found".
var ErrNoDecodablePackets = errors.New("no decodable traceroute payloads in analysis window")

// Analyzer runs traceroute aggregation against a capture store.
type Analyzer struct {
	store storage.Store
	dec   *codec.Decoder
	log   *slog.Logger
	now   func() time.Time // overridable for testing
}

// New creates an Analyzer. If logger is nil, slog.Default() is used.
func New(store storage.Store, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		store: store,
		dec:   codec.NewDecoder(logger),
		log:   logger,
		now:   time.Now,
	}
}

// LinkOptions are the caller-supplied thresholds for LongestLinks.
type LinkOptions struct {
	// MinDistanceKm is the inclusive lower bound on link and path distance.
	MinDistanceKm float64
	// MinSNR is the inclusive lower bound on hop SNR in dB.
	MinSNR float64
	// MaxResults caps the direct and indirect lists independently.
	MaxResults int
	// Window is the analysis period; DefaultWindow when zero.
	Window time.Duration
	// PacketLimit caps fetched packets; DefaultPacketLimit when zero.
	PacketLimit int
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.PacketLimit <= 0 {
		o.PacketLimit = DefaultPacketLimit
	}
	return o
}

// LinksResult is the longest-links analysis output.
type LinksResult struct {
	Summary       Summary        `json:"summary"`
	DirectLinks   []DirectLink   `json:"direct_links"`
	IndirectLinks []IndirectLink `json:"indirect_links"`
	Criteria      Criteria       `json:"criteria"`
}

// Summary is the headline of one analysis run. The longest distances are
// pre-formatted display strings, nil when no link qualified.
type Summary struct {
	TotalLinks    int     `json:"total_links"`
	DirectLinks   int     `json:"direct_links"`
	LongestDirect *string `json:"longest_direct"`
	LongestPath   *string `json:"longest_path"`
}

// DirectLink is one aggregated point-to-point RF link. DistanceKm and
// AvgSNR are averages over every qualifying sighting of the node pair.
type DirectLink struct {
	FromNodeID      uint32  `json:"from_node_id"`
	ToNodeID        uint32  `json:"to_node_id"`
	FromNodeName    string  `json:"from_node_name"`
	ToNodeName      string  `json:"to_node_name"`
	DistanceKm      float64 `json:"distance_km"`
	MaxDistanceKm   float64 `json:"max_distance_km"`
	AvgSNR          float64 `json:"avg_snr"`
	BestSNR         float64 `json:"best_snr"`
	TracerouteCount int     `json:"traceroute_count"`
	RecentPackets   []int64 `json:"recent_packets"`
	PacketID        int64   `json:"packet_id"`
	PacketURL       string  `json:"packet_url"`
	LastSeen        string  `json:"last_seen"`
}

// IndirectLink is one aggregated multi-hop path between true endpoints.
type IndirectLink struct {
	FromNodeID      uint32   `json:"from_node_id"`
	ToNodeID        uint32   `json:"to_node_id"`
	FromNodeName    string   `json:"from_node_name"`
	ToNodeName      string   `json:"to_node_name"`
	TotalDistanceKm float64  `json:"total_distance_km"`
	HopCount        int      `json:"hop_count"`
	AvgSNR          float64  `json:"avg_snr"`
	TracerouteCount int      `json:"traceroute_count"`
	RoutePreview    []string `json:"route_preview"`
	RecentPackets   []int64  `json:"recent_packets"`
	PacketID        int64    `json:"packet_id"`
	PacketURL       string   `json:"packet_url"`
	LastSeen        string   `json:"last_seen"`
}

// Criteria echoes the thresholds an analysis ran under.
type Criteria struct {
	MinDistanceKm      float64 `json:"min_distance_km"`
	MinSNR             float64 `json:"min_snr"`
	MaxResults         int     `json:"max_results"`
	AnalysisPeriodDays float64 `json:"analysis_period_days"`
}

// pairKey is the canonical unordered node pair: a is always the smaller ID,
// so A→B and B→A sightings aggregate into one entry.
type pairKey struct {
	a, b uint32
}

func canonicalPair(x, y uint32) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// linkStat accumulates one unordered node pair. Display orientation comes
// from the first observed hop.
type linkStat struct {
	fromID, toID     uint32
	fromName, toName string
	count            int
	totalDistance    float64
	totalSNR         float64
	maxDistance      float64
	bestSNR          float64
	recent           []int64
	lastPacketID     int64
	lastSeen         time.Time
}

// pathKey is the directed endpoints of a full multi-hop path.
type pathKey struct {
	from, to uint32
}

// pathStat accumulates one directed multi-hop path.
type pathStat struct {
	fromName, toName string
	count            int
	totalDistance    float64
	hopCountTotal    int
	totalSNR         float64
	routePreview     []string
	recent           []int64
	lastPacketID     int64
	lastSeen         time.Time
}

// decodedPacket pairs an envelope with its decoded record so each payload
// is parsed exactly once.
type decodedPacket struct {
	env storage.Packet
	rec *codec.RouteDiscovery
}

// fetchDecoded pulls the analysis window, decodes every payload once, and
// returns the packets in chronological order together with the union of
// node IDs seen anywhere in the window. That node set drives the location
// preload, replacing per-hop storage round trips with one bounded fetch
// per node.
func (a *Analyzer) fetchDecoded(ctx context.Context, window time.Duration, limit int) ([]decodedPacket, []uint32, error) {
	since := a.now().Add(-window)
	packets, err := a.store.TraceroutePackets(ctx, since, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch traceroute packets: %w", err)
	}

	decoded := make([]decodedPacket, 0, len(packets))
	seen := make(map[uint32]struct{})
	ids := make([]uint32, 0, 64)
	addID := func(id uint32) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	usable := 0
	// Reverse to chronological order so first-observed orientation and
	// recent-packet rings track packet age naturally.
	for i := len(packets) - 1; i >= 0; i-- {
		p := packets[i]
		rec := a.dec.Decode(p.Payload)
		if !rec.IsEmpty() {
			usable++
		}
		decoded = append(decoded, decodedPacket{env: p, rec: rec})
		addID(p.FromNode)
		addID(p.ToNode)
		for _, id := range rec.NodeIDs() {
			addID(id)
		}
	}
	if len(packets) > 0 && usable == 0 {
		return nil, nil, ErrNoDecodablePackets
	}
	return decoded, ids, nil
}

// LongestLinks aggregates the analysis window into ranked direct links and
// multi-hop paths under the given thresholds.
func (a *Analyzer) LongestLinks(ctx context.Context, opts LinkOptions) (*LinksResult, error) {
	opts = opts.withDefaults()

	decoded, ids, err := a.fetchDecoded(ctx, opts.Window, opts.PacketLimit)
	if err != nil {
		return nil, err
	}

	resolver, err := location.Preload(ctx, a.store, ids)
	if err != nil {
		return nil, err
	}
	names, err := a.store.NodeNames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve node names: %w", err)
	}

	links := make(map[pairKey]*linkStat)
	paths := make(map[pathKey]*pathStat)
	for _, d := range decoded {
		if err := a.accumulate(ctx, d, resolver, names, opts, links, paths); err != nil {
			// One bad packet never aborts the pass.
			a.log.Warn("skipping traceroute packet", "packet_id", d.env.ID, "error", err)
		}
	}

	result := &LinksResult{
		DirectLinks:   finalizeLinks(links, opts.MaxResults),
		IndirectLinks: finalizePaths(paths, opts.MaxResults),
		Criteria: Criteria{
			MinDistanceKm:      opts.MinDistanceKm,
			MinSNR:             opts.MinSNR,
			MaxResults:         opts.MaxResults,
			AnalysisPeriodDays: opts.Window.Hours() / 24,
		},
	}
	result.Summary = Summary{
		TotalLinks:  len(links) + len(paths),
		DirectLinks: len(links),
	}
	if len(result.DirectLinks) > 0 {
		result.Summary.LongestDirect = kmString(result.DirectLinks[0].DistanceKm)
	}
	if len(result.IndirectLinks) > 0 {
		result.Summary.LongestPath = kmString(result.IndirectLinks[0].TotalDistanceKm)
	}
	return result, nil
}

// accumulate reconstructs one packet, enriches its RF hops with distances
// from the preloaded resolver, and folds qualifying hops and paths into the
// aggregation maps.
func (a *Analyzer) accumulate(
	ctx context.Context,
	d decodedPacket,
	resolver location.Resolver,
	names map[uint32]string,
	opts LinkOptions,
	links map[pairKey]*linkStat,
	paths map[pathKey]*pathStat,
) error {
	env := trace.Envelope{
		PacketID: d.env.ID,
		From:     d.env.FromNode,
		To:       d.env.ToNode,
		Gateway:  d.env.GatewayID,
		Time:     d.env.Time,
	}
	pkt := trace.NewPacket(env, d.rec)
	pkt.ResolveNames(names)
	if err := pkt.ComputeDistances(ctx, resolver); err != nil {
		return err
	}

	rf := pkt.RFHops()
	for _, h := range rf {
		if h.From == trace.BroadcastID || h.To == trace.BroadcastID {
			continue
		}
		if h.SNR == nil || *h.SNR < opts.MinSNR {
			continue
		}
		if h.DistanceKm == nil || *h.DistanceKm < opts.MinDistanceKm {
			continue
		}

		key := canonicalPair(h.From, h.To)
		st, ok := links[key]
		if !ok {
			st = &linkStat{
				fromID:      h.From,
				toID:        h.To,
				fromName:    h.FromName,
				toName:      h.ToName,
				maxDistance: *h.DistanceKm,
				bestSNR:     *h.SNR,
			}
			links[key] = st
		}
		st.count++
		st.totalDistance += *h.DistanceKm
		st.totalSNR += *h.SNR
		if *h.DistanceKm > st.maxDistance {
			st.maxDistance = *h.DistanceKm
		}
		if *h.SNR > st.bestSNR {
			st.bestSNR = *h.SNR
		}
		st.recent = appendRecent(st.recent, env.PacketID)
		st.lastPacketID = env.PacketID
		st.lastSeen = env.Time
	}

	// A path needs more than one RF hop in the forward direction to be worth
	// tracking separately. Counting both directions would promote a plain
	// round trip (one hop out, one hop back) to a path with doubled distance.
	fwd := rf[:0:0]
	for _, h := range rf {
		if h.Direction == trace.DirForwardRF {
			fwd = append(fwd, h)
		}
	}
	if len(fwd) <= 1 {
		return nil
	}
	if env.From == trace.BroadcastID || env.To == trace.BroadcastID {
		return nil
	}
	var total, snrSum float64
	snrCount := 0
	for _, h := range fwd {
		if h.DistanceKm != nil {
			total += *h.DistanceKm
		}
		if h.SNR != nil {
			snrSum += *h.SNR
			snrCount++
		}
	}
	if snrCount == 0 {
		return nil
	}
	avgSNR := snrSum / float64(snrCount)
	if total < opts.MinDistanceKm || avgSNR < opts.MinSNR {
		return nil
	}

	key := pathKey{from: env.From, to: env.To}
	ps, ok := paths[key]
	if !ok {
		ps = &pathStat{
			fromName:     trace.DisplayName(env.From, names),
			toName:       trace.DisplayName(env.To, names),
			routePreview: routePreview(pkt),
		}
		paths[key] = ps
	}
	ps.count++
	ps.totalDistance += total
	ps.hopCountTotal += len(fwd)
	ps.totalSNR += avgSNR
	ps.recent = appendRecent(ps.recent, env.PacketID)
	ps.lastPacketID = env.PacketID
	ps.lastSeen = env.Time
	return nil
}

// routePreview renders the forward node names of the first observed path,
// bounded so one pathological route cannot bloat the entry.
func routePreview(pkt *trace.Packet) []string {
	hops := pkt.ForwardHops()
	preview := make([]string, 0, len(hops)+1)
	for i, h := range hops {
		if i == 0 {
			preview = append(preview, h.FromName)
		}
		preview = append(preview, h.ToName)
	}
	if len(preview) > routePreviewMax {
		preview = preview[:routePreviewMax]
	}
	return preview
}

// appendRecent appends to a bounded ring, dropping the oldest entry once
// the ring is full.
func appendRecent(ids []int64, id int64) []int64 {
	ids = append(ids, id)
	if len(ids) > recentPacketsMax {
		ids = ids[1:]
	}
	return ids
}

func finalizeLinks(links map[pairKey]*linkStat, maxResults int) []DirectLink {
	out := make([]DirectLink, 0, len(links))
	for _, st := range links {
		out = append(out, DirectLink{
			FromNodeID:      st.fromID,
			ToNodeID:        st.toID,
			FromNodeName:    st.fromName,
			ToNodeName:      st.toName,
			DistanceKm:      round2(st.totalDistance / float64(st.count)),
			MaxDistanceKm:   round2(st.maxDistance),
			AvgSNR:          round1(st.totalSNR / float64(st.count)),
			BestSNR:         round1(st.bestSNR),
			TracerouteCount: st.count,
			RecentPackets:   st.recent,
			PacketID:        st.lastPacketID,
			PacketURL:       packetURL(st.lastPacketID),
			LastSeen:        st.lastSeen.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm > out[j].DistanceKm
		}
		return out[i].FromNodeID < out[j].FromNodeID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func finalizePaths(paths map[pathKey]*pathStat, maxResults int) []IndirectLink {
	out := make([]IndirectLink, 0, len(paths))
	for key, ps := range paths {
		n := float64(ps.count)
		out = append(out, IndirectLink{
			FromNodeID:      key.from,
			ToNodeID:        key.to,
			FromNodeName:    ps.fromName,
			ToNodeName:      ps.toName,
			TotalDistanceKm: round2(ps.totalDistance / n),
			HopCount:        int(math.Round(float64(ps.hopCountTotal) / n)),
			AvgSNR:          round1(ps.totalSNR / n),
			TracerouteCount: ps.count,
			RoutePreview:    ps.routePreview,
			RecentPackets:   ps.recent,
			PacketID:        ps.lastPacketID,
			PacketURL:       packetURL(ps.lastPacketID),
			LastSeen:        ps.lastSeen.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalDistanceKm != out[j].TotalDistanceKm {
			return out[i].TotalDistanceKm > out[j].TotalDistanceKm
		}
		return out[i].FromNodeID < out[j].FromNodeID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func packetURL(id int64) string {
	return fmt.Sprintf("/packet/%d", id)
}

func kmString(km float64) *string {
	s := fmt.Sprintf("%.2f km", km)
	return &s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

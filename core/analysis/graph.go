package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kabili207/meshmon-go/core/location"
	"github.com/kabili207/meshmon-go/core/trace"
)

// GraphOptions configure NetworkGraph.
type GraphOptions struct {
	// Window is the analysis period; DefaultWindow when zero.
	Window time.Duration
	// PacketLimit caps fetched packets; DefaultPacketLimit when zero.
	PacketLimit int
	// IncludeIndirect also emits multi-hop endpoint connections as weaker
	// edges.
	IncludeIndirect bool
}

func (o GraphOptions) withDefaults() GraphOptions {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.PacketLimit <= 0 {
		o.PacketLimit = DefaultPacketLimit
	}
	return o
}

// GraphResult is the node/edge graph for visualization.
type GraphResult struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
	Stats GraphStats  `json:"stats"`
}

// GraphNode is one mesh node observed on an RF hop in the window.
type GraphNode struct {
	NodeID      uint32        `json:"node_id"`
	Name        string        `json:"name"`
	PacketCount int           `json:"packet_count"`
	AvgSNR      float64       `json:"avg_snr"`
	Degree      int           `json:"degree"`
	Location    *location.Fix `json:"location,omitempty"`
}

// GraphEdge is one aggregated connection. Strength is a 1..10 visual weight
// derived from average SNR and sighting volume.
type GraphEdge struct {
	FromNodeID  uint32  `json:"from_node_id"`
	ToNodeID    uint32  `json:"to_node_id"`
	PacketCount int     `json:"packet_count"`
	AvgSNR      float64 `json:"avg_snr"`
	Strength    float64 `json:"strength"`
	Indirect    bool    `json:"indirect"`
}

// GraphStats summarizes the graph.
type GraphStats struct {
	NodeCount   int `json:"node_count"`
	EdgeCount   int `json:"edge_count"`
	PacketCount int `json:"packet_count"`
}

type edgeStat struct {
	count    int
	totalSNR float64
}

type nodeStat struct {
	packets   int
	totalSNR  float64
	snrCount  int
	neighbors map[uint32]struct{}
}

// NetworkGraph builds the node/edge graph from the same RF-hop extraction
// used by LongestLinks. Edges aggregate by canonical pair; indirect
// connections between a path's true endpoints are added on request with a
// separately scaled strength.
func (a *Analyzer) NetworkGraph(ctx context.Context, opts GraphOptions) (*GraphResult, error) {
	opts = opts.withDefaults()

	decoded, ids, err := a.fetchDecoded(ctx, opts.Window, opts.PacketLimit)
	if err != nil {
		return nil, err
	}
	names, err := a.store.NodeNames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve node names: %w", err)
	}
	locations, err := a.store.LatestLocations(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch latest locations: %w", err)
	}

	direct := make(map[pairKey]*edgeStat)
	indirect := make(map[pairKey]*edgeStat)
	nodes := make(map[uint32]*nodeStat)

	for _, d := range decoded {
		env := trace.Envelope{
			PacketID: d.env.ID,
			From:     d.env.FromNode,
			To:       d.env.ToNode,
			Gateway:  d.env.GatewayID,
			Time:     d.env.Time,
		}
		pkt := trace.NewPacket(env, d.rec)
		rf := pkt.RFHops()
		if len(rf) == 0 {
			continue
		}

		touched := make(map[uint32]struct{})
		for _, h := range rf {
			if h.From == trace.BroadcastID || h.To == trace.BroadcastID {
				continue
			}
			key := canonicalPair(h.From, h.To)
			es, ok := direct[key]
			if !ok {
				es = &edgeStat{}
				direct[key] = es
			}
			es.count++
			es.totalSNR += *h.SNR

			for _, id := range []uint32{h.From, h.To} {
				ns := graphNode(nodes, id)
				ns.totalSNR += *h.SNR
				ns.snrCount++
				touched[id] = struct{}{}
			}
			graphNode(nodes, h.From).neighbors[h.To] = struct{}{}
			graphNode(nodes, h.To).neighbors[h.From] = struct{}{}
		}
		for id := range touched {
			nodes[id].packets++
		}

		if opts.IncludeIndirect && len(rf) > 1 &&
			env.From != trace.BroadcastID && env.To != trace.BroadcastID {
			key := canonicalPair(env.From, env.To)
			if _, isDirect := direct[key]; !isDirect {
				es, ok := indirect[key]
				if !ok {
					es = &edgeStat{}
					indirect[key] = es
				}
				es.count++
				var sum float64
				for _, h := range rf {
					sum += *h.SNR
				}
				es.totalSNR += sum / float64(len(rf))
			}
		}
	}

	result := &GraphResult{
		Nodes: make([]GraphNode, 0, len(nodes)),
		Edges: make([]GraphEdge, 0, len(direct)+len(indirect)),
	}
	for id, ns := range nodes {
		gn := GraphNode{
			NodeID:      id,
			Name:        trace.DisplayName(id, names),
			PacketCount: ns.packets,
			Degree:      len(ns.neighbors),
		}
		if ns.snrCount > 0 {
			gn.AvgSNR = round1(ns.totalSNR / float64(ns.snrCount))
		}
		if fix, ok := locations[id]; ok {
			f := fix
			gn.Location = &f
		}
		result.Nodes = append(result.Nodes, gn)
	}
	for key, es := range direct {
		avg := es.totalSNR / float64(es.count)
		result.Edges = append(result.Edges, GraphEdge{
			FromNodeID:  key.a,
			ToNodeID:    key.b,
			PacketCount: es.count,
			AvgSNR:      round1(avg),
			Strength:    edgeStrength(avg, es.count),
		})
	}
	for key, es := range indirect {
		avg := es.totalSNR / float64(es.count)
		result.Edges = append(result.Edges, GraphEdge{
			FromNodeID:  key.a,
			ToNodeID:    key.b,
			PacketCount: es.count,
			AvgSNR:      round1(avg),
			Strength:    indirectStrength(avg, es.count),
			Indirect:    true,
		})
	}

	sort.Slice(result.Nodes, func(i, j int) bool {
		return result.Nodes[i].NodeID < result.Nodes[j].NodeID
	})
	sort.Slice(result.Edges, func(i, j int) bool {
		if result.Edges[i].FromNodeID != result.Edges[j].FromNodeID {
			return result.Edges[i].FromNodeID < result.Edges[j].FromNodeID
		}
		return result.Edges[i].ToNodeID < result.Edges[j].ToNodeID
	})

	result.Stats = GraphStats{
		NodeCount:   len(result.Nodes),
		EdgeCount:   len(result.Edges),
		PacketCount: len(decoded),
	}
	return result, nil
}

func graphNode(nodes map[uint32]*nodeStat, id uint32) *nodeStat {
	ns, ok := nodes[id]
	if !ok {
		ns = &nodeStat{neighbors: make(map[uint32]struct{})}
		nodes[id] = ns
	}
	return ns
}

// edgeStrength maps average SNR and sighting count to a 1..10 visual weight.
func edgeStrength(avgSNR float64, count int) float64 {
	return clamp(1, 10, (avgSNR+20)/5+math.Log10(float64(count)))
}

// indirectStrength halves the weight before clamping so relayed paths render
// thinner than measured RF links.
func indirectStrength(avgSNR float64, count int) float64 {
	return clamp(1, 10, ((avgSNR+20)/5+math.Log10(float64(count)))/2)
}

func clamp(lo, hi, v float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

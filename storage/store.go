// Package storage defines the read interface over the telemetry capture
// database. An external MQTT ingester produces the data; this module only
// consumes it.
package storage

import (
	"context"
	"time"

	"github.com/kabili207/meshmon-go/core/location"
)

// Packet is one captured traceroute packet: envelope metadata plus the raw
// route discovery payload.
type Packet struct {
	ID        int64
	FromNode  uint32
	ToNode    uint32
	GatewayID uint32
	Time      time.Time
	Payload   []byte
}

// Store is the storage collaborator for traceroute analysis. Implementations
// must be safe for concurrent use; analysis calls share one Store.
type Store interface {
	// TraceroutePackets returns successfully processed traceroute packets
	// captured at or after since, newest first, at most limit rows.
	TraceroutePackets(ctx context.Context, since time.Time, limit int) ([]Packet, error)

	// LocationHistory returns a node's most recent position fixes, newest
	// first, at most limit rows.
	LocationHistory(ctx context.Context, nodeID uint32, limit int) ([]location.Fix, error)

	// LatestLocations returns the single most recent fix per node, in one
	// round trip. Nodes without any fix are absent from the map.
	LatestLocations(ctx context.Context, nodeIDs []uint32) (map[uint32]location.Fix, error)

	// NodeNames resolves display names for the given nodes. Nodes without a
	// stored name are absent from the map.
	NodeNames(ctx context.Context, nodeIDs []uint32) (map[uint32]string, error)
}

// Package location indexes historical node position fixes and answers
// point-in-time lookups for traceroute distance calculations.
//
// Two query modes exist. Bulk mode ("latest fix per node") serves map and
// graph views and lives on the storage collaborator. Point-in-time mode,
// provided here through the Resolver interface, finds the fix closest to a
// target timestamp: the newest fix at or before the target, falling back to
// the oldest fix after it when the node had no earlier position.
package location

import (
	"context"
	"fmt"
	"time"
)

// DefaultHistoryLimit bounds how many fixes per node are considered.
// Histories are short enough that linear scans stay cheap.
const DefaultHistoryLimit = 50

// Fix is one decoded position report for a node. Immutable once built.
// Optional fields are nil when the position packet did not carry them.
type Fix struct {
	Latitude        float64
	Longitude       float64
	Altitude        *int32
	Time            time.Time
	PrecisionBits   *int32
	PrecisionMeters *float64
	SatsInView      *int32
}

// HistorySource provides a node's most recent position fixes, newest first.
// The storage layer implements this.
type HistorySource interface {
	LocationHistory(ctx context.Context, nodeID uint32, limit int) ([]Fix, error)
}

// Resolver answers point-in-time location lookups. The returned string is a
// human-readable age warning ("from 3h ago", "from 2d later", ...) set when
// the best fix is not from the target hour; it is empty for fresh fixes.
// A nil Fix with nil error means the node has no position history at all.
//
// Callers pick the implementation: StoreResolver queries storage per lookup,
// Preloaded serves lookups from memory for aggregation passes. Passing the
// resolver explicitly keeps concurrent analysis calls independent.
type Resolver interface {
	Lookup(ctx context.Context, nodeID uint32, at time.Time) (*Fix, string, error)
}

// StoreResolver resolves each lookup with a fresh storage query.
type StoreResolver struct {
	src   HistorySource
	limit int
}

// NewStoreResolver creates a Resolver backed by per-lookup storage queries.
func NewStoreResolver(src HistorySource) *StoreResolver {
	return &StoreResolver{src: src, limit: DefaultHistoryLimit}
}

// Lookup implements Resolver.
func (r *StoreResolver) Lookup(ctx context.Context, nodeID uint32, at time.Time) (*Fix, string, error) {
	history, err := r.src.LocationHistory(ctx, nodeID, r.limit)
	if err != nil {
		return nil, "", fmt.Errorf("location history for %08x: %w", nodeID, err)
	}
	fix := pickFix(history, at)
	if fix == nil {
		return nil, "", nil
	}
	return fix, ageWarning(fix.Time, at), nil
}

// memoKey buckets lookups by node and hour so repeated lookups for hops in
// the same hour hit the cache.
type memoKey struct {
	nodeID uint32
	hour   int64
}

type memoEntry struct {
	fix     *Fix
	warning string
}

// Preloaded is a Resolver that serves every lookup from memory. Build one
// per aggregation pass with Preload; it fetches each node's bounded history
// exactly once instead of querying storage per hop.
//
// Preloaded is not safe for concurrent use; each analysis call owns its own.
type Preloaded struct {
	histories map[uint32][]Fix // newest first
	memo      map[memoKey]memoEntry
}

// Preload fetches the full bounded history of every given node in one pass.
func Preload(ctx context.Context, src HistorySource, nodeIDs []uint32) (*Preloaded, error) {
	p := &Preloaded{
		histories: make(map[uint32][]Fix, len(nodeIDs)),
		memo:      make(map[memoKey]memoEntry),
	}
	for _, id := range nodeIDs {
		if _, ok := p.histories[id]; ok {
			continue
		}
		history, err := src.LocationHistory(ctx, id, DefaultHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("preload location history for %08x: %w", id, err)
		}
		p.histories[id] = history
	}
	return p, nil
}

// Lookup implements Resolver from the preloaded in-memory histories.
func (p *Preloaded) Lookup(_ context.Context, nodeID uint32, at time.Time) (*Fix, string, error) {
	key := memoKey{nodeID: nodeID, hour: at.Unix() / 3600}
	if e, ok := p.memo[key]; ok {
		return e.fix, e.warning, nil
	}

	fix := pickFix(p.histories[nodeID], at)
	warning := ""
	if fix != nil {
		warning = ageWarning(fix.Time, at)
	}
	p.memo[key] = memoEntry{fix: fix, warning: warning}
	return fix, warning, nil
}

// pickFix selects the best fix for a target time from a newest-first
// history: the newest fix at or before the target, else the oldest fix
// after it. Returns nil for an empty history.
func pickFix(history []Fix, at time.Time) *Fix {
	if len(history) == 0 {
		return nil
	}
	for i := range history {
		if !history[i].Time.After(at) {
			return &history[i]
		}
	}
	// Every fix is newer than the target; the last entry is the oldest.
	return &history[len(history)-1]
}

// ageWarning describes how far a fix is from the target time. Fixes within
// an hour in the past carry no warning. Future fixes (possible when the only
// history postdates the packet) are always flagged.
func ageWarning(fixTime, at time.Time) string {
	d := at.Sub(fixTime)
	suffix := "ago"
	if d < 0 {
		d = -d
		suffix = "later"
	}
	hours := int(d.Hours())
	switch {
	case hours < 1 && suffix == "ago":
		return ""
	case hours < 1:
		return fmt.Sprintf("from <1h %s", suffix)
	case hours < 24:
		return fmt.Sprintf("from %dh %s", hours, suffix)
	case hours < 24*7:
		return fmt.Sprintf("from %dd %s", hours/24, suffix)
	default:
		return fmt.Sprintf("from %dw %s", hours/(24*7), suffix)
	}
}

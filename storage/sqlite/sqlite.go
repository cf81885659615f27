// Package sqlite implements storage.Store over the capture database written
// by the MQTT ingester. The schema is owned by the producer; this package
// is a read-only consumer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kabili207/meshmon-go/core/location"
	"github.com/kabili207/meshmon-go/storage"
)

// traceroutePortnum is the Meshtastic application port carrying route
// discovery payloads.
const traceroutePortnum = "TRACEROUTE_APP"

// Store reads telemetry from a capture database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens the capture database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open capture database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	// The ingester holds the write lock; WAL lets reads proceed alongside it.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping capture database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// TraceroutePackets implements storage.Store.
func (s *Store) TraceroutePackets(ctx context.Context, since time.Time, limit int) ([]storage.Packet, error) {
	query := `
		SELECT id, timestamp, from_node_id, to_node_id, gateway_id, raw_payload
		FROM packet_history
		WHERE portnum = ? AND processed_successfully = 1 AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, traceroutePortnum, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query traceroute packets: %w", err)
	}
	defer rows.Close()

	var packets []storage.Packet
	for rows.Next() {
		var (
			p       storage.Packet
			ts      float64
			gateway sql.NullString
			payload []byte
		)
		if err := rows.Scan(&p.ID, &ts, &p.FromNode, &p.ToNode, &gateway, &payload); err != nil {
			return nil, fmt.Errorf("scan traceroute packet: %w", err)
		}
		p.Time = time.Unix(int64(ts), 0).UTC()
		p.GatewayID = parseGatewayID(gateway.String)
		p.Payload = payload
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traceroute packets: %w", err)
	}
	return packets, nil
}

// parseGatewayID accepts the ingester's "!hex" gateway form as well as
// plain decimal node numbers. Unparseable values map to 0.
func parseGatewayID(raw string) uint32 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if strings.HasPrefix(raw, "!") {
		v, err := strconv.ParseUint(raw[1:], 16, 32)
		if err != nil {
			return 0
		}
		return uint32(v)
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// LocationHistory implements storage.Store.
func (s *Store) LocationHistory(ctx context.Context, nodeID uint32, limit int) ([]location.Fix, error) {
	query := `
		SELECT latitude, longitude, altitude, timestamp, precision_bits, sats_in_view
		FROM position_history
		WHERE node_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query location history: %w", err)
	}
	defer rows.Close()

	var fixes []location.Fix
	for rows.Next() {
		fix, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		fixes = append(fixes, fix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate location history: %w", err)
	}
	return fixes, nil
}

// LatestLocations implements storage.Store.
func (s *Store) LatestLocations(ctx context.Context, nodeIDs []uint32) (map[uint32]location.Fix, error) {
	if len(nodeIDs) == 0 {
		return map[uint32]location.Fix{}, nil
	}
	placeholders, args := inArgs(nodeIDs)
	query := fmt.Sprintf(`
		SELECT p.node_id, p.latitude, p.longitude, p.altitude, p.timestamp,
		       p.precision_bits, p.sats_in_view
		FROM position_history p
		JOIN (
			SELECT node_id, MAX(timestamp) AS ts
			FROM position_history
			WHERE node_id IN (%s)
			GROUP BY node_id
		) latest ON latest.node_id = p.node_id AND latest.ts = p.timestamp
	`, placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest locations: %w", err)
	}
	defer rows.Close()

	result := make(map[uint32]location.Fix, len(nodeIDs))
	for rows.Next() {
		var nodeID uint32
		fix, err := scanFixWithID(rows, &nodeID)
		if err != nil {
			return nil, err
		}
		result[nodeID] = fix
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest locations: %w", err)
	}
	return result, nil
}

// NodeNames implements storage.Store.
func (s *Store) NodeNames(ctx context.Context, nodeIDs []uint32) (map[uint32]string, error) {
	if len(nodeIDs) == 0 {
		return map[uint32]string{}, nil
	}
	placeholders, args := inArgs(nodeIDs)
	query := fmt.Sprintf(`
		SELECT node_id, COALESCE(NULLIF(long_name, ''), short_name)
		FROM node_info
		WHERE node_id IN (%s)
	`, placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query node names: %w", err)
	}
	defer rows.Close()

	names := make(map[uint32]string, len(nodeIDs))
	for rows.Next() {
		var (
			nodeID uint32
			name   sql.NullString
		)
		if err := rows.Scan(&nodeID, &name); err != nil {
			return nil, fmt.Errorf("scan node name: %w", err)
		}
		if name.Valid && name.String != "" {
			names[nodeID] = name.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node names: %w", err)
	}
	return names, nil
}

func scanFix(rows *sql.Rows) (location.Fix, error) {
	var (
		fix       location.Fix
		ts        float64
		altitude  sql.NullInt64
		precision sql.NullInt64
		sats      sql.NullInt64
	)
	if err := rows.Scan(&fix.Latitude, &fix.Longitude, &altitude, &ts, &precision, &sats); err != nil {
		return fix, fmt.Errorf("scan position fix: %w", err)
	}
	fillFix(&fix, ts, altitude, precision, sats)
	return fix, nil
}

func scanFixWithID(rows *sql.Rows, nodeID *uint32) (location.Fix, error) {
	var (
		fix       location.Fix
		ts        float64
		altitude  sql.NullInt64
		precision sql.NullInt64
		sats      sql.NullInt64
	)
	if err := rows.Scan(nodeID, &fix.Latitude, &fix.Longitude, &altitude, &ts, &precision, &sats); err != nil {
		return fix, fmt.Errorf("scan position fix: %w", err)
	}
	fillFix(&fix, ts, altitude, precision, sats)
	return fix, nil
}

func fillFix(fix *location.Fix, ts float64, altitude, precision, sats sql.NullInt64) {
	fix.Time = time.Unix(int64(ts), 0).UTC()
	if altitude.Valid {
		v := int32(altitude.Int64)
		fix.Altitude = &v
	}
	if precision.Valid {
		bits := int32(precision.Int64)
		fix.PrecisionBits = &bits
		meters := precisionMeters(bits)
		fix.PrecisionMeters = &meters
	}
	if sats.Valid {
		v := int32(sats.Int64)
		fix.SatsInView = &v
	}
}

// precisionMeters converts Meshtastic position precision bits to the
// approximate blur radius in meters. Each bit halves the radius.
func precisionMeters(bits int32) float64 {
	if bits <= 0 {
		return 0
	}
	return 23905787.925008075 * math.Pow(0.5, float64(bits))
}

func inArgs(nodeIDs []uint32) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nodeIDs)), ",")
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	return placeholders, args
}

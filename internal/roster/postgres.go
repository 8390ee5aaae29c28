package roster

import (
	"context"
	"fmt"
	"time"

	"backend-fleetroster/internal/db"
	"backend-fleetroster/internal/shared/geo"

	sq "github.com/Masterminds/squirrel"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS roster_entities (
	entity_id   TEXT PRIMARY KEY,
	first_name  TEXT NOT NULL DEFAULT '',
	last_name   TEXT NOT NULL DEFAULT '',
	username    TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL DEFAULT '',
	lat         DOUBLE PRECISION,
	lon         DOUBLE PRECISION,
	accuracy_m  DOUBLE PRECISION,
	heading_deg DOUBLE PRECISION,
	speed_mps   DOUBLE PRECISION,
	sample_ts   TIMESTAMPTZ,
	is_online   BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen   TIMESTAMPTZ NOT NULL
)`

const upsertSQL = `INSERT INTO roster_entities (
	entity_id, first_name, last_name, username, email, role,
	lat, lon, accuracy_m, heading_deg, speed_mps, sample_ts, is_online, last_seen
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (entity_id) DO UPDATE SET
	first_name = EXCLUDED.first_name,
	last_name = EXCLUDED.last_name,
	username = EXCLUDED.username,
	email = EXCLUDED.email,
	role = EXCLUDED.role,
	lat = EXCLUDED.lat,
	lon = EXCLUDED.lon,
	accuracy_m = EXCLUDED.accuracy_m,
	heading_deg = EXCLUDED.heading_deg,
	speed_mps = EXCLUDED.speed_mps,
	sample_ts = EXCLUDED.sample_ts,
	is_online = EXCLUDED.is_online,
	last_seen = EXCLUDED.last_seen
WHERE roster_entities.last_seen <= EXCLUDED.last_seen`

// PostgresBackend persists the roster in the roster_entities table.
type PostgresBackend struct {
	db db.Querier
}

func NewPostgresBackend(q db.Querier) *PostgresBackend {
	return &PostgresBackend{db: q}
}

func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create roster schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Upsert(ctx context.Context, rec Record) error {
	var lat, lon, acc, heading, speed *float64
	var sampleTS *time.Time
	if loc := rec.Location; loc != nil {
		lat, lon, acc = &loc.Lat, &loc.Lon, &loc.AccuracyMeters
		heading, speed = loc.HeadingDegrees, loc.SpeedMps
		if !loc.SampleTimestamp.IsZero() {
			sampleTS = &loc.SampleTimestamp
		} else {
			sampleTS = &rec.LastSeen
		}
	}

	_, err := b.db.Exec(ctx, upsertSQL,
		rec.EntityID, rec.Profile.FirstName, rec.Profile.LastName, rec.Profile.Username, rec.Profile.Email, rec.Profile.Role,
		lat, lon, acc, heading, speed, sampleTS, rec.IsOnline, rec.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert roster entity: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	var one int
	return b.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (b *PostgresBackend) Load(ctx context.Context) ([]Record, error) {
	return b.LoadRole(ctx, "")
}

// LoadRole returns stored records, restricted to role when it is not empty.
func (b *PostgresBackend) LoadRole(ctx context.Context, role string) ([]Record, error) {
	q := sq.Select(
		"entity_id", "first_name", "last_name", "username", "email", "role",
		"is_online", "last_seen",
		"sample_ts IS NOT NULL",
		"COALESCE(lat, 0)", "COALESCE(lon, 0)", "COALESCE(accuracy_m, 0)",
		"COALESCE(heading_deg, -1)", "COALESCE(speed_mps, -1)",
		"COALESCE(sample_ts, last_seen)",
	).From("roster_entities").OrderBy("entity_id").PlaceholderFormat(sq.Dollar)
	if role != "" {
		q = q.Where(sq.Eq{"role": role})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build roster query: %w", err)
	}

	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                     Record
			hasLoc                  bool
			lat, lon, acc, hdg, spd float64
			sampleTS                time.Time
		)
		if err := rows.Scan(
			&rec.EntityID, &rec.Profile.FirstName, &rec.Profile.LastName, &rec.Profile.Username, &rec.Profile.Email, &rec.Profile.Role,
			&rec.IsOnline, &rec.LastSeen,
			&hasLoc, &lat, &lon, &acc, &hdg, &spd, &sampleTS,
		); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		rec.Profile.ID = rec.EntityID
		if hasLoc {
			loc := geo.Location{Lat: lat, Lon: lon, AccuracyMeters: acc, SampleTimestamp: sampleTS}
			if hdg >= 0 {
				loc.HeadingDegrees = &hdg
			}
			if spd >= 0 {
				loc.SpeedMps = &spd
			}
			rec.Location = &loc
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	return out, nil
}

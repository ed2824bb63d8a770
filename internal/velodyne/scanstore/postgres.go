package scanstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
)

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// migrateURL rewrites a postgres URL to the scheme registered by the
// golang-migrate pgx driver.
func migrateURL(dsn string) string {
	_, rest, _ := strings.Cut(dsn, "://")
	return "pgx5://" + rest
}

// PGStore is a scan index backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres migrates the database at url to the latest schema and opens a
// connection pool on it.
func OpenPostgres(ctx context.Context, url string) (*PGStore, error) {
	if !IsPostgresURL(url) {
		return nil, fmt.Errorf("not a postgres URL: %q", url)
	}
	if err := migratePostgres(url); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	monitoring.Logf("scan index connected to postgres")
	return &PGStore{pool: pool}, nil
}

func migratePostgres(url string) error {
	src, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()
	m.Log = migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ConsumeScan indexes scan.
func (s *PGStore) ConsumeScan(ctx context.Context, scan *driver.Scan) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO scans (scan_id, frame_id, packet_count, byte_count, top_of_hour,
    base_time_unix, timestamp_ns, publish_time_ns)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		scan.ID.String(), scan.FrameID, len(scan.Packets), scanBytes(scan), int64(scan.TopOfHour),
		scan.BaseTime.Unix(), scan.Timestamp.UnixNano(), scan.PublishTime.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to index scan %s: %w", scan.ID, err)
	}
	return nil
}

// Recent returns up to n scans, newest sensor timestamp first.
func (s *PGStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT scan_id, frame_id, packet_count, byte_count, top_of_hour,
    base_time_unix, timestamp_ns, publish_time_ns
FROM scans
ORDER BY timestamp_ns DESC, publish_time_ns DESC
LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent scans: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, n)
	for rows.Next() {
		var (
			r                  Record
			packets            int32
			toh, base, ts, pub int64
		)
		if err := rows.Scan(&r.ID, &r.FrameID, &packets, &r.Bytes, &toh, &base, &ts, &pub); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Packets = int(packets)
		r.TopOfHour = uint32(toh)
		r.BaseTime = time.Unix(base, 0).UTC()
		r.Timestamp = time.Unix(0, ts).UTC()
		r.PublishTime = time.Unix(0, pub).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of indexed scans.
func (s *PGStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

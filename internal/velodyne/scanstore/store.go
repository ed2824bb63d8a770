// Package scanstore keeps an index of published scans in SQLite or
// PostgreSQL.
package scanstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Index is a scan index: it consumes scans and answers the API's queries.
type Index interface {
	ConsumeScan(ctx context.Context, scan *driver.Scan) error
	Recent(ctx context.Context, n int) ([]Record, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// OpenIndex opens the index named by dsn: a postgres:// or postgresql:// URL
// selects PostgreSQL, anything else is a SQLite file path.
func OpenIndex(ctx context.Context, dsn string) (Index, error) {
	if IsPostgresURL(dsn) {
		return OpenPostgres(ctx, dsn)
	}
	return Open(dsn)
}

// Store is a scan index backed by SQLite. It implements driver.ScanConsumer.
type Store struct {
	*sql.DB
}

// Record is one indexed scan.
type Record struct {
	ID          string    `json:"id"`
	FrameID     string    `json:"frame_id"`
	Packets     int       `json:"packets"`
	Bytes       int64     `json:"bytes"`
	TopOfHour   uint32    `json:"top_of_hour"`
	BaseTime    time.Time `json:"base_time"`
	Timestamp   time.Time `json:"timestamp"`
	PublishTime time.Time `json:"publish_time"`
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan database %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	monitoring.Logf("scan index database ready at %s", path)
	return s, nil
}

// MigrateUp runs all pending migrations. It is a no-op at the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 when none.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	instance, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// ConsumeScan indexes scan.
func (s *Store) ConsumeScan(ctx context.Context, scan *driver.Scan) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO scans (scan_id, frame_id, packet_count, byte_count, top_of_hour,
			base_time_unix, timestamp_ns, publish_time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID.String(), scan.FrameID, len(scan.Packets), scanBytes(scan), int64(scan.TopOfHour),
		scan.BaseTime.Unix(), scan.Timestamp.UnixNano(), scan.PublishTime.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to index scan %s: %w", scan.ID, err)
	}
	return nil
}

func scanBytes(scan *driver.Scan) int64 {
	var n int64
	for _, p := range scan.Packets {
		n += int64(len(p))
	}
	return n
}

// Recent returns up to n scans, newest sensor timestamp first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.QueryContext(ctx, `
		SELECT scan_id, frame_id, packet_count, byte_count, top_of_hour,
			base_time_unix, timestamp_ns, publish_time_ns
		FROM scans
		ORDER BY timestamp_ns DESC, publish_time_ns DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent scans: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			toh, base, ts, pub int64
		)
		if err := rows.Scan(&r.ID, &r.FrameID, &r.Packets, &r.Bytes, &toh, &base, &ts, &pub); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.TopOfHour = uint32(toh)
		r.BaseTime = time.Unix(base, 0).UTC()
		r.Timestamp = time.Unix(0, ts).UTC()
		r.PublishTime = time.Unix(0, pub).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of indexed scans.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

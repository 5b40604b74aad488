// Package recorder stores odometry from the bus in SQLite so recent
// trajectories can be inspected after the fact.
package recorder

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/golang/geo/r3"
	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/num/quat"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vio-bridge/internal/bus"
	"github.com/banshee-data/vio-bridge/internal/monitoring"
	"github.com/banshee-data/vio-bridge/internal/msgs"
	"github.com/banshee-data/vio-bridge/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var logf = monitoring.Component("Recorder")

// Row is one stored odometry sample.
type Row struct {
	Pipe        string      `json:"pipe"`
	StampNs     uint64      `json:"stamp_ns"`
	Position    r3.Vector   `json:"position"`
	Orientation quat.Number `json:"orientation"`
	Linear      r3.Vector   `json:"linear"`
	Angular     r3.Vector   `json:"angular"`
}

// RowFromOdometry flattens an odometry message for storage.
func RowFromOdometry(pipe string, m msgs.Odometry) Row {
	return Row{
		Pipe:        pipe,
		StampNs:     m.Header.Stamp.NSec(),
		Position:    m.Pose.Position,
		Orientation: m.Pose.Orientation,
		Linear:      m.Twist.Linear,
		Angular:     m.Twist.Angular,
	}
}

// Options configures a Recorder.
type Options struct {
	FlushInterval time.Duration
	BatchSize     int
	Clock         timeutil.Clock
}

// Recorder buffers rows and writes them in batches.
type Recorder struct {
	db   *sql.DB
	path string
	opts Options

	mu      sync.Mutex
	pending []Row
	written uint64
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string, opts Options) (*Recorder, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	r := &Recorder{db: db, path: path, opts: opts}
	if err := r.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Not closed: that would close the shared database handle.
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// AttachAdminRoutes mounts a SQL console over the recorder database at
// /debug/tailsql/.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+r.path, r.db, &tailsql.DBOptions{
		Label: "VIO recorder",
	})
	debug.Handle("tailsql/", "SQL console over recorded odometry", tsql.NewMux())
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// Add buffers a row, flushing when the batch is full.
func (r *Recorder) Add(ctx context.Context, row Row) error {
	r.mu.Lock()
	r.pending = append(r.pending, row)
	full := len(r.pending) >= r.opts.BatchSize
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered rows in one transaction. On failure the rows
// go back to the front of the buffer for the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	rows := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	if err := r.write(ctx, rows); err != nil {
		r.mu.Lock()
		r.pending = append(rows, r.pending...)
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.written += uint64(len(rows))
	r.mu.Unlock()
	return nil
}

func (r *Recorder) write(ctx context.Context, rows []Row) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO odometry (
			pipe, stamp_ns, px, py, pz, qw, qx, qy, qz, vx, vy, vz, wx, wy, wz
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		q := row.Orientation
		if _, err := stmt.ExecContext(ctx,
			row.Pipe, int64(row.StampNs),
			row.Position.X, row.Position.Y, row.Position.Z,
			q.Real, q.Imag, q.Jmag, q.Kmag,
			row.Linear.X, row.Linear.Y, row.Linear.Z,
			row.Angular.X, row.Angular.Y, row.Angular.Z,
		); err != nil {
			return fmt.Errorf("insert odometry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

// Written returns the number of rows committed so far.
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Recent returns up to limit of the newest rows for pipe, oldest first.
func (r *Recorder) Recent(ctx context.Context, pipe string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT stamp_ns, px, py, pz, qw, qx, qy, qz, vx, vy, vz, wx, wy, wz
		FROM odometry
		WHERE pipe = ?
		ORDER BY stamp_ns DESC, id DESC
		LIMIT ?`, pipe, limit)
	if err != nil {
		return nil, fmt.Errorf("query odometry: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row := Row{Pipe: pipe}
		var stamp int64
		q := &row.Orientation
		if err := rows.Scan(&stamp,
			&row.Position.X, &row.Position.Y, &row.Position.Z,
			&q.Real, &q.Imag, &q.Jmag, &q.Kmag,
			&row.Linear.X, &row.Linear.Y, &row.Linear.Z,
			&row.Angular.X, &row.Angular.Y, &row.Angular.Z,
		); err != nil {
			return nil, fmt.Errorf("scan odometry: %w", err)
		}
		row.StampNs = uint64(stamp)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Watch subscribes to the odometry topic of pipe and records every message
// until ctx is done or the topic shuts down. Buffered rows are flushed on
// the recorder's interval and on exit.
func (r *Recorder) Watch(ctx context.Context, b *bus.Bus, pipe, topic string) error {
	t, ok := bus.Lookup[msgs.Odometry](b, topic)
	if !ok {
		return fmt.Errorf("no odometry topic %s", topic)
	}
	id, ch := t.Subscribe()
	defer t.Unsubscribe(id)

	ticker := r.opts.Clock.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	// Writes on exit must not be cancelled with ctx.
	final := context.WithoutCancel(ctx)
	defer func() {
		if err := r.Flush(final); err != nil {
			logf("final flush for %s failed: %v", pipe, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Add(ctx, RowFromOdometry(pipe, m)); err != nil {
				logf("error recording %s: %v", pipe, err)
			}
		case <-ticker.C():
			if err := r.Flush(ctx); err != nil {
				logf("error flushing %s: %v", pipe, err)
			}
		}
	}
}

// Close flushes pending rows and closes the database.
func (r *Recorder) Close() error {
	if err := r.Flush(context.Background()); err != nil {
		logf("flush on close failed: %v", err)
	}
	return r.db.Close()
}

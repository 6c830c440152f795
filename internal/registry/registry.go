// Package registry is the worker directory: workers publish their bootstrap
// address in rqlite and discover each other from it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

const (
	// ActiveWindow is how long a registration stays visible without a refresh
	ActiveWindow = 5 * time.Minute
	// StaleAfter is when CleanupStaleEntries removes a registration
	StaleAfter = 15 * time.Minute
)

// WorkerInfo describes one registered worker
type WorkerInfo struct {
	WorkerID      string
	BootstrapAddr string
	Backend       string
	Hostname      string
	LastUpdated   time.Time
}

// WorkerDirectory stores worker registrations in rqlite
type WorkerDirectory struct {
	conn *gorqlite.Connection
}

// NewWorkerDirectory connects to rqlite and creates the schema
func NewWorkerDirectory(dbURI string) (*WorkerDirectory, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing worker directory with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	d := &WorkerDirectory{conn: conn}
	if err := d.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func (d *WorkerDirectory) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		bootstrap_addr TEXT NOT NULL,
		backend TEXT NOT NULL,
		hostname TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);
	`
	if _, err := d.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create workers table: %w", err)
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_workers_last_updated ON workers (last_updated);`
	if _, err := d.conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Close closes the rqlite connection
func (d *WorkerDirectory) Close() error {
	if d.conn != nil {
		d.conn.Close()
	}
	return nil
}

// Register inserts or refreshes a worker registration
func (d *WorkerDirectory) Register(ctx context.Context, w WorkerInfo) error {
	if w.WorkerID == "" || w.BootstrapAddr == "" {
		return errors.New("worker id and bootstrap address are required")
	}

	stmt := gorqlite.ParameterizedStatement{
		Query: `
		INSERT OR REPLACE INTO workers
		(worker_id, bootstrap_addr, backend, hostname, last_updated)
		VALUES (?, ?, ?, ?, datetime('now'));
		`,
		Arguments: []interface{}{w.WorkerID, w.BootstrapAddr, w.Backend, w.Hostname},
	}
	if _, err := d.conn.WriteOneParameterizedContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.WorkerID, err)
	}

	log.Debug().Str("worker", w.WorkerID).Str("addr", w.BootstrapAddr).Msg("Registered worker")
	return nil
}

// Deregister removes a worker registration
func (d *WorkerDirectory) Deregister(ctx context.Context, workerID string) error {
	stmt := gorqlite.ParameterizedStatement{
		Query:     `DELETE FROM workers WHERE worker_id = ?;`,
		Arguments: []interface{}{workerID},
	}
	if _, err := d.conn.WriteOneParameterizedContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", workerID, err)
	}
	log.Info().Str("worker", workerID).Msg("Deregistered worker")
	return nil
}

// Lookup returns the active registration of workerID, or nil if there is none
func (d *WorkerDirectory) Lookup(ctx context.Context, workerID string) (*WorkerInfo, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
		SELECT worker_id, bootstrap_addr, backend, hostname, last_updated
		FROM workers
		WHERE worker_id = ?
		AND last_updated > datetime('now', ?)
		LIMIT 1;
		`,
		Arguments: []interface{}{workerID, sqliteModifier(ActiveWindow)},
	}
	result, err := d.conn.QueryOneParameterizedContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to look up worker %s: %w", workerID, err)
	}
	if !result.Next() {
		return nil, nil
	}
	w, err := scanWorker(&result)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListPeers returns every active worker except excludeID, ordered by id
func (d *WorkerDirectory) ListPeers(ctx context.Context, excludeID string) ([]WorkerInfo, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
		SELECT worker_id, bootstrap_addr, backend, hostname, last_updated
		FROM workers
		WHERE worker_id != ?
		AND last_updated > datetime('now', ?)
		ORDER BY worker_id;
		`,
		Arguments: []interface{}{excludeID, sqliteModifier(ActiveWindow)},
	}
	result, err := d.conn.QueryOneParameterizedContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	var peers []WorkerInfo
	for result.Next() {
		w, err := scanWorker(&result)
		if err != nil {
			return nil, err
		}
		peers = append(peers, w)
	}
	return peers, nil
}

// CleanupStaleEntries removes registrations older than StaleAfter
func (d *WorkerDirectory) CleanupStaleEntries(ctx context.Context) (int64, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query:     `DELETE FROM workers WHERE last_updated < datetime('now', ?);`,
		Arguments: []interface{}{sqliteModifier(StaleAfter)},
	}
	result, err := d.conn.WriteOneParameterizedContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale workers: %w", err)
	}
	log.Info().Int64("removed", result.RowsAffected).Msg("Cleaned up stale worker entries")
	return result.RowsAffected, nil
}

func scanWorker(result *gorqlite.QueryResult) (WorkerInfo, error) {
	var w WorkerInfo
	var lastUpdated string
	if err := result.Scan(&w.WorkerID, &w.BootstrapAddr, &w.Backend, &w.Hostname, &lastUpdated); err != nil {
		return WorkerInfo{}, fmt.Errorf("failed to scan row: %w", err)
	}
	t, err := time.ParseInLocation(time.DateTime, lastUpdated, time.UTC)
	if err != nil {
		return WorkerInfo{}, fmt.Errorf("invalid last_updated %q: %w", lastUpdated, err)
	}
	w.LastUpdated = t
	return w, nil
}

// sqliteModifier renders d as a datetime() modifier such as "-300 seconds"
func sqliteModifier(d time.Duration) string {
	return fmt.Sprintf("-%d seconds", int64(d/time.Second))
}

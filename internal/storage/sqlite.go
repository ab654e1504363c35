package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same query
// methods serve plain and transactional access.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db   *sql.DB
	q    dbtx
	path string
	inTx bool
}

var _ Storage = (*SQLiteStorage)(nil)

// recordColumns is the standard column list for record queries.
const recordColumns = `id, provider_id, external_id, zone_id, hostname, record_type, content, ttl, proxied,
	priority, weight, port, flags, tag, source, container_id, container_name,
	orphaned_at, last_error, created_at, updated_at`

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	// Pure Go driver, WAL for concurrent readers during sync.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &SQLiteStorage{
		db:   db,
		q:    db,
		path: path,
	}, nil
}

// Initialize creates tables and runs migrations.
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	currentVersion := s.getSchemaVersion(ctx)

	for _, m := range migrations {
		if m.Version > currentVersion {
			if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.Version, err)
			}
			if err := s.setSchemaVersion(ctx, m.Version); err != nil {
				return fmt.Errorf("failed to update schema version: %w", err)
			}
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.inTx {
		return nil
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithTx runs fn against a transactional view of the store.
func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	if s.inTx {
		return fmt.Errorf("nested transaction")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	shadow := &SQLiteStorage{db: s.db, q: tx, path: s.path, inTx: true}
	if err := fn(shadow); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetRecord retrieves a record by ID.
func (s *SQLiteStorage) GetRecord(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE id = ?
	`
	row := s.q.QueryRowContext(ctx, query, id)
	return scanRecord(row)
}

// GetActiveRecord retrieves the non-orphaned record for one
// (provider, hostname, type) slot.
func (s *SQLiteStorage) GetActiveRecord(ctx context.Context, providerID, hostname, recordType string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE provider_id = ? AND hostname = ? AND record_type = ? AND orphaned_at IS NULL
	`
	row := s.q.QueryRowContext(ctx, query, providerID, hostname, recordType)
	return scanRecord(row)
}

// ListRecords lists records with optional filtering.
func (s *SQLiteStorage) ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE 1=1
	`
	args := []any{}

	if filter.ProviderID != "" {
		query += " AND provider_id = ?"
		args = append(args, filter.ProviderID)
	}
	if filter.Hostname != "" {
		query += " AND hostname = ?"
		args = append(args, filter.Hostname)
	}
	if filter.RecordType != "" {
		query += " AND record_type = ?"
		args = append(args, filter.RecordType)
	}
	if filter.ContainerID != "" {
		query += " AND container_id = ?"
		args = append(args, filter.ContainerID)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Orphaned != nil {
		if *filter.Orphaned {
			query += " AND orphaned_at IS NOT NULL"
		} else {
			query += " AND orphaned_at IS NULL"
		}
	}

	query += " ORDER BY hostname, record_type"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// SaveRecord creates or updates a record by ID. Inserting a second
// active record into an occupied (provider, hostname, type) slot
// returns ErrConflict.
func (s *SQLiteStorage) SaveRecord(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()

	query := `
		INSERT INTO records (
			id, provider_id, external_id, zone_id, hostname, record_type, content, ttl, proxied,
			priority, weight, port, flags, tag, source, container_id, container_name,
			orphaned_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			external_id = excluded.external_id,
			zone_id = excluded.zone_id,
			hostname = excluded.hostname,
			record_type = excluded.record_type,
			content = excluded.content,
			ttl = excluded.ttl,
			proxied = excluded.proxied,
			priority = excluded.priority,
			weight = excluded.weight,
			port = excluded.port,
			flags = excluded.flags,
			tag = excluded.tag,
			source = excluded.source,
			container_id = excluded.container_id,
			container_name = excluded.container_name,
			orphaned_at = excluded.orphaned_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	_, err := s.q.ExecContext(ctx, query,
		record.ID, record.ProviderID, record.ExternalID, record.ZoneID,
		record.Hostname, record.RecordType, record.Content, record.TTL, record.Proxied,
		record.Priority, record.Weight, record.Port, record.Flags, record.Tag,
		record.Source, record.ContainerID, record.ContainerName,
		record.OrphanedAt, record.LastError, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

// MarkRecordOrphaned stamps the record with the orphan timestamp.
func (s *SQLiteStorage) MarkRecordOrphaned(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE records SET orphaned_at = ?, updated_at = ? WHERE id = ?`
	_, err := s.q.ExecContext(ctx, query, at, time.Now(), id)
	return err
}

// RestoreRecord clears the orphan timestamp, returning the record to
// active management. Fails with ErrConflict when another active record
// already occupies the slot.
func (s *SQLiteStorage) RestoreRecord(ctx context.Context, id string) error {
	query := `UPDATE records SET orphaned_at = NULL, updated_at = ? WHERE id = ?`
	_, err := s.q.ExecContext(ctx, query, time.Now(), id)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

// UpdateRecordError updates the last_error of a record. Pass an empty
// string to clear it.
func (s *SQLiteStorage) UpdateRecordError(ctx context.Context, id string, lastError string) error {
	query := `UPDATE records SET last_error = ?, updated_at = ? WHERE id = ?`
	_, err := s.q.ExecContext(ctx, query, lastError, time.Now(), id)
	return err
}

// DeleteRecord deletes a record by ID.
func (s *SQLiteStorage) DeleteRecord(ctx context.Context, id string) error {
	query := `DELETE FROM records WHERE id = ?`
	_, err := s.q.ExecContext(ctx, query, id)
	return err
}

// ListOrphanedBefore returns records whose orphan grace window opened
// before the cutoff.
func (s *SQLiteStorage) ListOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE orphaned_at IS NOT NULL AND orphaned_at < ?
		ORDER BY orphaned_at ASC
	`
	rows, err := s.q.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetOverride retrieves an override by ID.
func (s *SQLiteStorage) GetOverride(ctx context.Context, id string) (*Override, error) {
	query := `
		SELECT id, hostname, record_type, provider_id, content, ttl, proxied, enabled, created_at, updated_at
		FROM overrides
		WHERE id = ?
	`
	return scanOverride(s.q.QueryRowContext(ctx, query, id))
}

// ListOverrides lists overrides, optionally only the enabled ones.
func (s *SQLiteStorage) ListOverrides(ctx context.Context, enabledOnly bool) ([]*Override, error) {
	query := `
		SELECT id, hostname, record_type, provider_id, content, ttl, proxied, enabled, created_at, updated_at
		FROM overrides
	`
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY hostname"

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Override
	for rows.Next() {
		o := &Override{}
		var recordType, providerID, content sql.NullString
		var ttl sql.NullInt64
		var proxied sql.NullBool
		if err := rows.Scan(&o.ID, &o.Hostname, &recordType, &providerID, &content, &ttl, &proxied, &o.Enabled, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.RecordType = recordType.String
		o.ProviderID = providerID.String
		o.Content = content.String
		if ttl.Valid {
			v := int(ttl.Int64)
			o.TTL = &v
		}
		if proxied.Valid {
			v := proxied.Bool
			o.Proxied = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveOverride creates or updates an override.
func (s *SQLiteStorage) SaveOverride(ctx context.Context, o *Override) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = time.Now()

	var ttl any
	if o.TTL != nil {
		ttl = *o.TTL
	}
	var proxied any
	if o.Proxied != nil {
		proxied = *o.Proxied
	}

	query := `
		INSERT INTO overrides (id, hostname, record_type, provider_id, content, ttl, proxied, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			record_type = excluded.record_type,
			provider_id = excluded.provider_id,
			content = excluded.content,
			ttl = excluded.ttl,
			proxied = excluded.proxied,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query,
		o.ID, o.Hostname, o.RecordType, o.ProviderID, o.Content, ttl, proxied, o.Enabled, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// DeleteOverride deletes an override by ID.
func (s *SQLiteStorage) DeleteOverride(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM overrides WHERE id = ?`, id)
	return err
}

// ListPreservedHostnames lists all preserved hostname patterns.
func (s *SQLiteStorage) ListPreservedHostnames(ctx context.Context) ([]*PreservedHostname, error) {
	query := `SELECT id, pattern, reason, created_at FROM preserved_hostnames ORDER BY pattern`
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PreservedHostname
	for rows.Next() {
		p := &PreservedHostname{}
		var reason sql.NullString
		if err := rows.Scan(&p.ID, &p.Pattern, &reason, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Reason = reason.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePreservedHostname creates or updates a preserved pattern.
func (s *SQLiteStorage) SavePreservedHostname(ctx context.Context, p *PreservedHostname) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO preserved_hostnames (id, pattern, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET reason = excluded.reason
	`
	_, err := s.q.ExecContext(ctx, query, p.ID, p.Pattern, p.Reason, p.CreatedAt)
	return err
}

// DeletePreservedHostname deletes a preserved pattern by ID.
func (s *SQLiteStorage) DeletePreservedHostname(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM preserved_hostnames WHERE id = ?`, id)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *SQLiteStorage) GetProvider(ctx context.Context, id string) (*Provider, error) {
	query := `SELECT id, type, config, enabled, created_at, updated_at FROM providers WHERE id = ?`
	p := &Provider{}
	var config sql.NullString
	err := s.q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Type, &config, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Config = config.String
	return p, nil
}

// ListProviders lists all registered providers.
func (s *SQLiteStorage) ListProviders(ctx context.Context) ([]*Provider, error) {
	query := `SELECT id, type, config, enabled, created_at, updated_at FROM providers ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p := &Provider{}
		var config sql.NullString
		if err := rows.Scan(&p.ID, &p.Type, &config, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Config = config.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProvider creates or updates a provider.
func (s *SQLiteStorage) SaveProvider(ctx context.Context, p *Provider) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()

	query := `
		INSERT INTO providers (id, type, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			config = excluded.config,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query, p.ID, p.Type, p.Config, p.Enabled, p.CreatedAt, p.UpdatedAt)
	return err
}

// DeleteProvider deletes a provider by ID.
func (s *SQLiteStorage) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

// tunnelIngressColumns is the standard column list for ingress queries.
const tunnelIngressColumns = `id, tunnel_id, provider_id, hostname, service, path, origin, source,
	container_id, orphaned_at, created_at, updated_at`

// GetTunnelIngress retrieves a tunnel ingress rule by ID.
func (s *SQLiteStorage) GetTunnelIngress(ctx context.Context, id string) (*TunnelIngress, error) {
	query := `SELECT ` + tunnelIngressColumns + ` FROM tunnel_ingress WHERE id = ?`
	return scanTunnelIngress(s.q.QueryRowContext(ctx, query, id))
}

// ListTunnelIngress lists ingress rules, optionally for one tunnel.
func (s *SQLiteStorage) ListTunnelIngress(ctx context.Context, tunnelID string) ([]*TunnelIngress, error) {
	query := `SELECT ` + tunnelIngressColumns + ` FROM tunnel_ingress`
	args := []any{}
	if tunnelID != "" {
		query += " WHERE tunnel_id = ?"
		args = append(args, tunnelID)
	}
	query += " ORDER BY hostname, path"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TunnelIngress
	for rows.Next() {
		ing, err := scanTunnelIngressRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

// SaveTunnelIngress creates or updates a tunnel ingress rule.
func (s *SQLiteStorage) SaveTunnelIngress(ctx context.Context, ing *TunnelIngress) error {
	if ing.ID == "" {
		ing.ID = uuid.New().String()
	}
	if ing.CreatedAt.IsZero() {
		ing.CreatedAt = time.Now()
	}
	ing.UpdatedAt = time.Now()

	query := `
		INSERT INTO tunnel_ingress (
			id, tunnel_id, provider_id, hostname, service, path, origin, source,
			container_id, orphaned_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tunnel_id = excluded.tunnel_id,
			provider_id = excluded.provider_id,
			hostname = excluded.hostname,
			service = excluded.service,
			path = excluded.path,
			origin = excluded.origin,
			source = excluded.source,
			container_id = excluded.container_id,
			orphaned_at = excluded.orphaned_at,
			updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query,
		ing.ID, ing.TunnelID, ing.ProviderID, ing.Hostname, ing.Service, ing.Path, ing.Origin, ing.Source,
		ing.ContainerID, ing.OrphanedAt, ing.CreatedAt, ing.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

// MarkTunnelIngressOrphaned stamps the ingress with the orphan timestamp.
func (s *SQLiteStorage) MarkTunnelIngressOrphaned(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE tunnel_ingress SET orphaned_at = ?, updated_at = ? WHERE id = ?`
	_, err := s.q.ExecContext(ctx, query, at, time.Now(), id)
	return err
}

// RestoreTunnelIngress clears the orphan timestamp.
func (s *SQLiteStorage) RestoreTunnelIngress(ctx context.Context, id string) error {
	query := `UPDATE tunnel_ingress SET orphaned_at = NULL, updated_at = ? WHERE id = ?`
	_, err := s.q.ExecContext(ctx, query, time.Now(), id)
	return err
}

// DeleteTunnelIngress deletes an ingress rule by ID.
func (s *SQLiteStorage) DeleteTunnelIngress(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM tunnel_ingress WHERE id = ?`, id)
	return err
}

// ListTunnelIngressOrphanedBefore returns ingress rules whose orphan
// grace window opened before the cutoff.
func (s *SQLiteStorage) ListTunnelIngressOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*TunnelIngress, error) {
	query := `
		SELECT ` + tunnelIngressColumns + `
		FROM tunnel_ingress
		WHERE orphaned_at IS NOT NULL AND orphaned_at < ?
		ORDER BY orphaned_at ASC
	`
	rows, err := s.q.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TunnelIngress
	for rows.Next() {
		ing, err := scanTunnelIngressRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

// GetSetting retrieves a settings value. Missing keys return "".
func (s *SQLiteStorage) GetSetting(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM settings WHERE key = ?`
	var value string
	err := s.q.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting sets a settings value.
func (s *SQLiteStorage) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := s.q.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// ListSettings returns all settings as a key/value map.
func (s *SQLiteStorage) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteSetting removes a settings key. Missing keys are not an error.
func (s *SQLiteStorage) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// AppendAudit appends one audit row. Rows are never updated.
func (s *SQLiteStorage) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := `
		INSERT INTO audit_log (timestamp, action, provider_id, hostname, record_type, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := s.q.ExecContext(ctx, query,
		entry.Timestamp, entry.Action, entry.ProviderID, entry.Hostname, entry.RecordType, entry.Detail,
	)
	if err != nil {
		return err
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit lists audit rows, newest first.
func (s *SQLiteStorage) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT id, timestamp, action, provider_id, hostname, record_type, detail
		FROM audit_log
		WHERE 1=1
	`
	args := []any{}
	if filter.Hostname != "" {
		query += " AND hostname = ?"
		args = append(args, filter.Hostname)
	}
	if filter.ProviderID != "" {
		query += " AND provider_id = ?"
		args = append(args, filter.ProviderID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var providerID, hostname, recordType, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &providerID, &hostname, &recordType, &detail); err != nil {
			return nil, err
		}
		e.ProviderID = providerID.String
		e.Hostname = hostname.String
		e.RecordType = recordType.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAuditBefore deletes audit rows older than the cutoff and
// returns how many were removed.
func (s *SQLiteStorage) PruneAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum performs database vacuum.
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, "VACUUM")
	return err
}

// Helper methods

func (s *SQLiteStorage) getSchemaVersion(ctx context.Context) int {
	// Create settings table if it doesn't exist (for initial setup)
	s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)

	value, err := s.GetSetting(ctx, "schema_version")
	if err != nil || value == "" {
		return 0
	}
	var version int
	fmt.Sscanf(value, "%d", &version)
	return version
}

func (s *SQLiteStorage) setSchemaVersion(ctx context.Context, version int) error {
	return s.SetSetting(ctx, "schema_version", fmt.Sprintf("%d", version))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordFrom(sc rowScanner) (*Record, error) {
	r := &Record{}
	var externalID, zoneID, tag, containerID, containerName, lastError sql.NullString
	var ttl, priority, weight, port, flags sql.NullInt64
	var proxied sql.NullBool
	var orphanedAt sql.NullTime

	err := sc.Scan(
		&r.ID, &r.ProviderID, &externalID, &zoneID, &r.Hostname, &r.RecordType, &r.Content, &ttl, &proxied,
		&priority, &weight, &port, &flags, &tag, &r.Source, &containerID, &containerName,
		&orphanedAt, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ExternalID = externalID.String
	r.ZoneID = zoneID.String
	r.TTL = int(ttl.Int64)
	r.Proxied = proxied.Bool
	r.Priority = int(priority.Int64)
	r.Weight = int(weight.Int64)
	r.Port = int(port.Int64)
	r.Flags = int(flags.Int64)
	r.Tag = tag.String
	r.ContainerID = containerID.String
	r.ContainerName = containerName.String
	r.LastError = lastError.String
	if orphanedAt.Valid {
		r.OrphanedAt = &orphanedAt.Time
	}
	return r, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	r, err := scanRecordFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	return scanRecordFrom(rows)
}

func scanOverride(row *sql.Row) (*Override, error) {
	o := &Override{}
	var recordType, providerID, content sql.NullString
	var ttl sql.NullInt64
	var proxied sql.NullBool
	err := row.Scan(&o.ID, &o.Hostname, &recordType, &providerID, &content, &ttl, &proxied, &o.Enabled, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.RecordType = recordType.String
	o.ProviderID = providerID.String
	o.Content = content.String
	if ttl.Valid {
		v := int(ttl.Int64)
		o.TTL = &v
	}
	if proxied.Valid {
		v := proxied.Bool
		o.Proxied = &v
	}
	return o, nil
}

func scanTunnelIngressFrom(sc rowScanner) (*TunnelIngress, error) {
	ing := &TunnelIngress{}
	var path, origin, containerID sql.NullString
	var orphanedAt sql.NullTime

	err := sc.Scan(
		&ing.ID, &ing.TunnelID, &ing.ProviderID, &ing.Hostname, &ing.Service, &path, &origin, &ing.Source,
		&containerID, &orphanedAt, &ing.CreatedAt, &ing.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ing.Path = path.String
	ing.Origin = origin.String
	ing.ContainerID = containerID.String
	if orphanedAt.Valid {
		ing.OrphanedAt = &orphanedAt.Time
	}
	return ing, nil
}

func scanTunnelIngress(row *sql.Row) (*TunnelIngress, error) {
	ing, err := scanTunnelIngressFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ing, err
}

func scanTunnelIngressRows(rows *sql.Rows) (*TunnelIngress, error) {
	return scanTunnelIngressFrom(rows)
}

// Migration represents a database migration.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of database migrations.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE IF NOT EXISTS records (
				id TEXT PRIMARY KEY,

				-- Provider linkage
				provider_id TEXT NOT NULL,
				external_id TEXT,
				zone_id TEXT,

				-- Record data
				hostname TEXT NOT NULL,
				record_type TEXT NOT NULL,
				content TEXT NOT NULL,
				ttl INTEGER,
				proxied BOOLEAN,
				priority INTEGER,
				weight INTEGER,
				port INTEGER,
				flags INTEGER,
				tag TEXT,

				-- Source information
				source TEXT NOT NULL,
				container_id TEXT,
				container_name TEXT,

				-- Lifecycle
				orphaned_at TIMESTAMP,
				last_error TEXT,

				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- One active record per slot; orphans do not count.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_records_active_slot
				ON records(provider_id, hostname, record_type)
				WHERE orphaned_at IS NULL;

			CREATE INDEX IF NOT EXISTS idx_records_hostname ON records(hostname);
			CREATE INDEX IF NOT EXISTS idx_records_container ON records(container_id);
			CREATE INDEX IF NOT EXISTS idx_records_orphaned ON records(orphaned_at);
		`,
	},
	{
		Version: 2,
		SQL: `
			CREATE TABLE IF NOT EXISTS overrides (
				id TEXT PRIMARY KEY,
				hostname TEXT NOT NULL,
				record_type TEXT,
				provider_id TEXT,
				content TEXT,
				ttl INTEGER,
				proxied BOOLEAN,
				enabled BOOLEAN DEFAULT TRUE,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_overrides_hostname ON overrides(hostname);

			CREATE TABLE IF NOT EXISTS preserved_hostnames (
				id TEXT PRIMARY KEY,
				pattern TEXT NOT NULL UNIQUE,
				reason TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 3,
		SQL: `
			CREATE TABLE IF NOT EXISTS providers (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				config TEXT,
				enabled BOOLEAN DEFAULT TRUE,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 4,
		SQL: `
			CREATE TABLE IF NOT EXISTS tunnel_ingress (
				id TEXT PRIMARY KEY,
				tunnel_id TEXT NOT NULL,
				provider_id TEXT NOT NULL,
				hostname TEXT NOT NULL,
				service TEXT NOT NULL,
				path TEXT,
				origin TEXT,
				source TEXT NOT NULL DEFAULT 'auto',
				container_id TEXT,
				orphaned_at TIMESTAMP,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnel_ingress_active_slot
				ON tunnel_ingress(tunnel_id, hostname, path)
				WHERE orphaned_at IS NULL;

			CREATE INDEX IF NOT EXISTS idx_tunnel_ingress_hostname ON tunnel_ingress(hostname);
		`,
	},
	{
		Version: 5,
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				action TEXT NOT NULL,
				provider_id TEXT,
				hostname TEXT,
				record_type TEXT,
				detail TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_audit_hostname ON audit_log(hostname);
			CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
		`,
	},
}

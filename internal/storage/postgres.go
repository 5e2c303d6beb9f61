package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/keyvault/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Secret versions ---

const secretColumns = `id, path, secret_key, version, encrypted_value, metadata,
	deleted, deleted_at, created_by, updated_by, created_at, updated_at`

func (p *PostgresBackend) InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error {
	metaJSON, err := json.Marshal(orEmpty(v.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO secrets (path, secret_key, version, encrypted_value, metadata, created_by, updated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		v.Path, v.Key, v.Version, v.EncryptedValue, metaJSON,
		nullStr(v.CreatedBy), nullStr(v.UpdatedBy), v.CreatedAt, v.UpdatedAt,
	).Scan(&v.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionConflict
		}
		return fmt.Errorf("inserting secret version: %w", err)
	}
	return nil
}

// UpsertSecretVersion writes a version row verbatim, replacing an existing
// (path, key, version) row if present. Used by the replication apply path.
func (p *PostgresBackend) UpsertSecretVersion(ctx context.Context, v *models.SecretVersion) error {
	metaJSON, err := json.Marshal(orEmpty(v.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO secrets (path, secret_key, version, encrypted_value, metadata, deleted, deleted_at, created_by, updated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (path, secret_key, version) DO UPDATE
		 SET encrypted_value = EXCLUDED.encrypted_value,
		     metadata = EXCLUDED.metadata,
		     deleted = EXCLUDED.deleted,
		     deleted_at = EXCLUDED.deleted_at,
		     updated_by = EXCLUDED.updated_by,
		     updated_at = EXCLUDED.updated_at`,
		v.Path, v.Key, v.Version, v.EncryptedValue, metaJSON, v.Deleted, v.DeletedAt,
		nullStr(v.CreatedBy), nullStr(v.UpdatedBy), v.CreatedAt, v.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) GetLiveSecret(ctx context.Context, path, key string) (*models.SecretVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+`
		 FROM secrets
		 WHERE path = $1 AND secret_key = $2 AND deleted = FALSE
		 ORDER BY version DESC
		 LIMIT 1`,
		path, key,
	)
	return scanSecretVersion(row)
}

func (p *PostgresBackend) GetSecretVersion(ctx context.Context, path, key string, version int) (*models.SecretVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+`
		 FROM secrets
		 WHERE path = $1 AND secret_key = $2 AND version = $3`,
		path, key, version,
	)
	return scanSecretVersion(row)
}

func (p *PostgresBackend) LiveSecretExists(ctx context.Context, path, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM secrets WHERE path = $1 AND secret_key = $2 AND deleted = FALSE)`,
		path, key,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresBackend) MaxSecretVersion(ctx context.Context, path, key string) (int, error) {
	var maxVer int
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM secrets WHERE path = $1 AND secret_key = $2`,
		path, key,
	).Scan(&maxVer)
	return maxVer, err
}

func (p *PostgresBackend) ListLiveSecrets(ctx context.Context, path string, recursive bool) ([]*models.SecretVersion, error) {
	where := `s.path = $1`
	arg := path
	if recursive {
		where = `s.path LIKE $1`
		arg = path + "%"
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+prefixed(secretColumns, "s.")+`
		 FROM secrets s
		 WHERE `+where+` AND s.deleted = FALSE
		   AND s.version = (SELECT MAX(s2.version) FROM secrets s2
		                    WHERE s2.path = s.path AND s2.secret_key = s.secret_key AND s2.deleted = FALSE)
		 ORDER BY s.path, s.secret_key`,
		arg,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSecretVersions(rows)
}

func (p *PostgresBackend) ListSecretPaths(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT path FROM secrets WHERE path LIKE $1 AND deleted = FALSE ORDER BY path`,
		prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func (p *PostgresBackend) ListSecretVersions(ctx context.Context, path, key string) ([]*models.SecretVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+secretColumns+`
		 FROM secrets
		 WHERE path = $1 AND secret_key = $2
		 ORDER BY version DESC`,
		path, key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSecretVersions(rows)
}

func (p *PostgresBackend) SecretVersionStats(ctx context.Context, path, key string) (*models.VersionStats, error) {
	stats := &models.VersionStats{Path: path + "/" + key}
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MIN(version), 0), COALESCE(MAX(version), 0)
		 FROM secrets WHERE path = $1 AND secret_key = $2`,
		path, key,
	).Scan(&stats.TotalVersions, &stats.EarliestVersion, &stats.LatestVersion)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresBackend) SecretVersionRange(ctx context.Context, path, key string, start, end int) ([]*models.SecretVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+secretColumns+`
		 FROM secrets
		 WHERE path = $1 AND secret_key = $2 AND version BETWEEN $3 AND $4
		 ORDER BY version DESC`,
		path, key, start, end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSecretVersions(rows)
}

func (p *PostgresBackend) MarkSecretDeleted(ctx context.Context, path, key string, at time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets
		 SET deleted = TRUE, deleted_at = $3, updated_at = $3
		 WHERE path = $1 AND secret_key = $2 AND deleted = FALSE`,
		path, key, at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) SetVersionDeleted(ctx context.Context, path, key string, version int, deleted bool, at *time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets
		 SET deleted = $4, deleted_at = $5, updated_at = NOW()
		 WHERE path = $1 AND secret_key = $2 AND version = $3`,
		path, key, version, deleted, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) CountSecrets(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT (path, secret_key)) FROM secrets WHERE deleted = FALSE`,
	).Scan(&count)
	return count, err
}

func scanSecretVersion(row pgx.Row) (*models.SecretVersion, error) {
	var v models.SecretVersion
	var metaJSON []byte
	var createdBy, updatedBy *string
	err := row.Scan(&v.ID, &v.Path, &v.Key, &v.Version, &v.EncryptedValue, &metaJSON,
		&v.Deleted, &v.DeletedAt, &createdBy, &updatedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if createdBy != nil {
		v.CreatedBy = *createdBy
	}
	if updatedBy != nil {
		v.UpdatedBy = *updatedBy
	}
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &v.Metadata) //nolint:errcheck
	}
	return &v, nil
}

func collectSecretVersions(rows pgx.Rows) ([]*models.SecretVersion, error) {
	var out []*models.SecretVersion
	for rows.Next() {
		v, err := scanSecretVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Policies ---

func (p *PostgresBackend) UpsertPolicy(ctx context.Context, policy *models.Policy) error {
	rulesJSON, err := json.Marshal(policy.Rules)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO policies (name, description, rules, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE
		 SET description = EXCLUDED.description, rules = EXCLUDED.rules, updated_at = NOW()`,
		policy.Name, policy.Description, rulesJSON,
	)
	return err
}

func (p *PostgresBackend) GetPolicy(ctx context.Context, name string) (*models.Policy, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT name, description, rules, created_at, updated_at FROM policies WHERE name = $1`,
		name,
	)
	var pol models.Policy
	var rulesJSON []byte
	err := row.Scan(&pol.Name, &pol.Description, &rulesJSON, &pol.CreatedAt, &pol.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &pol.Rules); err != nil {
		return nil, err
	}
	return &pol, nil
}

func (p *PostgresBackend) DeletePolicy(ctx context.Context, name string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM policies WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) ListPolicies(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM policies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- Identities ---

func (p *PostgresBackend) UpsertIdentity(ctx context.Context, id *models.Identity) error {
	policiesJSON, err := json.Marshal(id.Policies)
	if err != nil {
		return err
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO identities (name, password_hash, type, enabled, policies, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE
		 SET password_hash = EXCLUDED.password_hash,
		     type = EXCLUDED.type,
		     enabled = EXCLUDED.enabled,
		     policies = EXCLUDED.policies,
		     updated_at = NOW()
		 RETURNING id`,
		id.Name, id.PasswordHash, id.Type, id.Enabled, policiesJSON,
	).Scan(&id.ID)
}

func (p *PostgresBackend) GetIdentity(ctx context.Context, name string) (*models.Identity, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, password_hash, type, enabled, policies, created_at, updated_at, last_login_at
		 FROM identities WHERE name = $1`,
		name,
	)
	var ident models.Identity
	var policiesJSON []byte
	err := row.Scan(&ident.ID, &ident.Name, &ident.PasswordHash, &ident.Type, &ident.Enabled,
		&policiesJSON, &ident.CreatedAt, &ident.UpdatedAt, &ident.LastLoginAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(policiesJSON, &ident.Policies); err != nil {
		return nil, err
	}
	return &ident, nil
}

func (p *PostgresBackend) DeleteIdentity(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM identities WHERE name = $1`, name)
	return err
}

func (p *PostgresBackend) CountIdentities(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) TouchIdentityLogin(ctx context.Context, name string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE identities SET last_login_at = $2 WHERE name = $1`,
		name, at,
	)
	return err
}

// --- Tokens ---

func (p *PostgresBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	policiesJSON, err := json.Marshal(token.Policies)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tokens (id, token_hash, subject, identity_type, policies, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.ID, tokenHash, token.Subject, token.Type, policiesJSON,
		token.CreatedAt, nullableTime(token.ExpiresAt),
	)
	return err
}

func (p *PostgresBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, subject, identity_type, policies, created_at, expires_at, revoked_at
		 FROM tokens WHERE token_hash = $1`,
		tokenHash,
	)
	var t models.Token
	var policiesJSON []byte
	var expiresAt *time.Time
	err := row.Scan(&t.ID, &t.Subject, &t.Type, &policiesJSON, &t.CreatedAt, &expiresAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	if err := json.Unmarshal(policiesJSON, &t.Policies); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresBackend) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`,
		tokenID,
	)
	return err
}

// --- Replication events ---

func (p *PostgresBackend) InsertReplicationEvent(ctx context.Context, e *models.ReplicationEvent) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO replication_events (entity_type, entity_id, operation, entity_data, source_instance, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		e.EntityType, e.EntityID, e.Operation, e.EntityData, e.SourceInstance, e.Timestamp,
	).Scan(&e.ID)
}

func (p *PostgresBackend) UnprocessedEventsFromOthers(ctx context.Context, instanceID string) ([]*models.ReplicationEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, operation, entity_data, source_instance, timestamp, processed
		 FROM replication_events
		 WHERE processed = FALSE AND source_instance <> $1
		 ORDER BY timestamp ASC`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*models.ReplicationEvent
	for rows.Next() {
		var e models.ReplicationEvent
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &e.EntityData,
			&e.SourceInstance, &e.Timestamp, &e.Processed); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (p *PostgresBackend) MarkEventProcessed(ctx context.Context, eventID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE replication_events SET processed = TRUE WHERE id = $1`,
		eventID,
	)
	return err
}

func (p *PostgresBackend) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM replication_events WHERE timestamp < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) CountUnprocessedEvents(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM replication_events WHERE processed = FALSE`,
	).Scan(&count)
	return count, err
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, identity, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.Identity, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, identity, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Identity, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- helpers ---

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// Package tenant is the SQLite-backed tenant roster. Rows are created and
// mutated by management tooling; the scan engine reads them and advances
// the last-scan marker. The secret column stays in its opaque at-rest
// form; reading plaintext goes through the injected Decrypter.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

// Decrypter turns the stored opaque secret into plaintext. Encryption at
// rest is owned by external tooling; Passthrough is the default when no
// scheme is configured.
type Decrypter func(secret string) (string, error)

func Passthrough(secret string) (string, error) { return secret, nil }

// Registry implements track.TenantRegistry and track.CredentialStore.
type Registry struct {
	db      *sql.DB
	decrypt Decrypter
	log     logx.Logger
}

func New(db *sql.DB, decrypt Decrypter, log logx.Logger) *Registry {
	if decrypt == nil {
		decrypt = Passthrough
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{db: db, decrypt: decrypt, log: log.With(logx.String("comp", "tenant"))}
}

func (r *Registry) List(ctx context.Context) ([]track.Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, secret, last_scan FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []track.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tenants {
		res, err := r.TrackedResources(ctx, tenants[i].ID)
		if err != nil {
			return nil, err
		}
		tenants[i].Resources = res
	}
	return tenants, nil
}

func (r *Registry) Get(ctx context.Context, tenantID string) (track.Tenant, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, username, secret, last_scan FROM tenants WHERE id = ?`, tenantID)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return track.Tenant{}, false, nil
	}
	if err != nil {
		return track.Tenant{}, false, err
	}
	t.Resources, err = r.TrackedResources(ctx, tenantID)
	if err != nil {
		return track.Tenant{}, false, err
	}
	return t, true, nil
}

// TrackedResources returns the tenant's resource ids in persisted order.
func (r *Registry) TrackedResources(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT resource_id FROM tenant_resources WHERE tenant_id = ? ORDER BY position, resource_id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Registry) TouchLastScan(ctx context.Context, tenantID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET last_scan = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), tenantID)
	return err
}

// Decrypt implements track.CredentialStore.
func (r *Registry) Decrypt(ctx context.Context, tenantID string) (string, string, error) {
	var username, secret string
	err := r.db.QueryRowContext(ctx,
		`SELECT username, secret FROM tenants WHERE id = ?`, tenantID,
	).Scan(&username, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", track.ErrTenantNotFound
	}
	if err != nil {
		return "", "", err
	}
	plain, err := r.decrypt(secret)
	if err != nil {
		return "", "", fmt.Errorf("decrypt secret for %s: %w", tenantID, err)
	}
	return username, plain, nil
}

// Upsert creates or updates a tenant row. Management surface; the scan
// engine never calls it.
func (r *Registry) Upsert(ctx context.Context, id, username, secret string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, username, secret) VALUES (?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, secret = excluded.secret`,
		id, username, secret)
	return err
}

// Track appends a resource to the tenant's list, keeping stored order.
// Tracking an already-tracked resource is a no-op.
func (r *Registry) Track(ctx context.Context, tenantID, resourceID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenant_resources (tenant_id, resource_id, position)
		 VALUES (?, ?, COALESCE((SELECT MAX(position)+1 FROM tenant_resources WHERE tenant_id = ?), 0))
		 ON CONFLICT(tenant_id, resource_id) DO NOTHING`,
		tenantID, resourceID, tenantID)
	return err
}

func (r *Registry) Untrack(ctx context.Context, tenantID, resourceID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM tenant_resources WHERE tenant_id = ? AND resource_id = ?`,
		tenantID, resourceID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (track.Tenant, error) {
	var (
		t        track.Tenant
		lastScan sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Username, &t.Secret, &lastScan); err != nil {
		return track.Tenant{}, err
	}
	if lastScan.Valid && lastScan.String != "" {
		if ts, err := time.Parse(time.RFC3339, lastScan.String); err == nil {
			t.LastScan = ts
		}
	}
	return t, nil
}

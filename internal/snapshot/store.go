// Package snapshot persists the last-known record collection per
// (tenant, resource). Writes replace the whole row; there is no
// partial-category update.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

// Store is the persistence API used by the scan orchestrator.
type Store interface {
	// Load returns the stored snapshot. ok is false when none exists
	// yet, which callers treat as an empty snapshot (first scan).
	Load(ctx context.Context, tenantID, resourceID string) (snap track.ResourceSnapshot, ok bool, err error)

	// Save upserts the whole snapshot row.
	Save(ctx context.Context, tenantID, resourceID string, snap track.ResourceSnapshot) error

	Delete(ctx context.Context, tenantID, resourceID string) error

	// Resources lists resource ids with a stored snapshot for the
	// tenant, used to prune rows for untracked resources.
	Resources(ctx context.Context, tenantID string) ([]string, error)
}

type sqlStore struct {
	db  *sql.DB
	log logx.Logger
}

func New(db *sql.DB, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log.With(logx.String("comp", "snapshot"))}
}

func (s *sqlStore) Load(ctx context.Context, tenantID, resourceID string) (track.ResourceSnapshot, bool, error) {
	var (
		snap                                track.ResourceSnapshot
		scores, tasks, attachments, bullets []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, scores, tasks, attachments, bulletins
		   FROM snapshots WHERE tenant_id = ? AND resource_id = ?`,
		tenantID, resourceID,
	).Scan(&snap.Name, &scores, &tasks, &attachments, &bullets)
	if errors.Is(err, sql.ErrNoRows) {
		return track.ResourceSnapshot{}, false, nil
	}
	if err != nil {
		return track.ResourceSnapshot{}, false, err
	}

	if err := decodeInto(scores, &snap.Scores); err != nil {
		return track.ResourceSnapshot{}, false, fmt.Errorf("snapshot %s/%s scores: %w", tenantID, resourceID, err)
	}
	if err := decodeInto(tasks, &snap.Tasks); err != nil {
		return track.ResourceSnapshot{}, false, fmt.Errorf("snapshot %s/%s tasks: %w", tenantID, resourceID, err)
	}
	if err := decodeInto(attachments, &snap.Attachments); err != nil {
		return track.ResourceSnapshot{}, false, fmt.Errorf("snapshot %s/%s attachments: %w", tenantID, resourceID, err)
	}
	if err := decodeInto(bullets, &snap.Bulletins); err != nil {
		return track.ResourceSnapshot{}, false, fmt.Errorf("snapshot %s/%s bulletins: %w", tenantID, resourceID, err)
	}
	return snap, true, nil
}

func (s *sqlStore) Save(ctx context.Context, tenantID, resourceID string, snap track.ResourceSnapshot) error {
	scores, err := json.Marshal(emptyMap(snap.Scores))
	if err != nil {
		return err
	}
	tasks, err := json.Marshal(emptySlice(snap.Tasks))
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(emptySlice(snap.Attachments))
	if err != nil {
		return err
	}
	bulletins, err := json.Marshal(emptySlice(snap.Bulletins))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (tenant_id, resource_id, name, scores, tasks, attachments, bulletins, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, resource_id) DO UPDATE SET
		   name = excluded.name,
		   scores = excluded.scores,
		   tasks = excluded.tasks,
		   attachments = excluded.attachments,
		   bulletins = excluded.bulletins,
		   updated_at = excluded.updated_at`,
		tenantID, resourceID, snap.Name,
		string(scores), string(tasks), string(attachments), string(bulletins),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqlStore) Delete(ctx context.Context, tenantID, resourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE tenant_id = ? AND resource_id = ?`,
		tenantID, resourceID)
	return err
}

func (s *sqlStore) Resources(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id FROM snapshots WHERE tenant_id = ? ORDER BY resource_id`,
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

func decodeInto(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func emptyMap(m map[string]track.ScoreEntry) map[string]track.ScoreEntry {
	if m == nil {
		return map[string]track.ScoreEntry{}
	}
	return m
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

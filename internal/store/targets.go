package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/tracehub/pkg/source"
	"github.com/jmoiron/sqlx"
)

// UpsertTarget creates or partially updates a target keyed by
// (source, target_type, target_key) in its own transaction.
func (s *Store) UpsertTarget(ctx context.Context, in TargetUpsert) (*Target, error) {
	var t *Target
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		t, err = upsertTarget(ctx, tx.tx, in, tx.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpsertTarget is UpsertTarget inside an open transaction.
func (t *Tx) UpsertTarget(ctx context.Context, in TargetUpsert) (*Target, error) {
	return upsertTarget(ctx, t.tx, in, t.now())
}

func (s *Store) GetTarget(ctx context.Context, id int64) (*Target, error) {
	return getTarget(ctx, s.db, id)
}

func (t *Tx) GetTarget(ctx context.Context, id int64) (*Target, error) {
	return getTarget(ctx, t.tx, id)
}

// FindTarget looks a target up by its natural key. It returns ErrNotFound
// when none exists.
func (s *Store) FindTarget(ctx context.Context, src, targetType, targetKey string) (*Target, error) {
	t, err := findTarget(ctx, s.db, source.NormalizeSource(src), source.NormalizeTargetType(targetType), strings.TrimSpace(targetKey))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, opts TargetListOpts) ([]Target, error) {
	query := "SELECT " + targetColumns + " FROM source_targets WHERE 1=1"
	var args []any

	if opts.Source != "" {
		query += " AND source = ?"
		args = append(args, source.NormalizeSource(opts.Source))
	}
	if opts.MonitorOnly {
		query += " AND monitor_enabled = ?"
		args = append(args, true)
	}
	query += " ORDER BY source, target_type, target_key"

	var targets []Target
	if err := s.db.SelectContext(ctx, &targets, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	for i := range targets {
		targets[i].decode()
	}
	return targets, nil
}

// MarkTargetFetched stamps last_fetched_at.
func (s *Store) MarkTargetFetched(ctx context.Context, id int64, at time.Time) error {
	return markTargetFetched(ctx, s.db, id, at)
}

func (t *Tx) MarkTargetFetched(ctx context.Context, id int64, at time.Time) error {
	return markTargetFetched(ctx, t.tx, id, at)
}

func upsertTarget(ctx context.Context, q sqlx.ExtContext, in TargetUpsert, now time.Time) (*Target, error) {
	src := source.NormalizeSource(in.Source)
	typ := source.NormalizeTargetType(in.TargetType)
	key := strings.TrimSpace(in.TargetKey)
	if src == "" || typ == "" || key == "" {
		return nil, fmt.Errorf("%w: source=%q target_type=%q target_key=%q", ErrMissingIdentifier, in.Source, in.TargetType, in.TargetKey)
	}

	existing, err := findTarget(ctx, q, src, typ, key)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		t := &Target{
			Source:        src,
			TargetType:    typ,
			TargetKey:     key,
			DisplayName:   key,
			FetchInterval: 60,
			Options:       source.Options{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		applyTargetFields(t, in)
		if t.DisplayName == "" {
			t.DisplayName = key
		}
		optionsJSON, err := json.Marshal(t.Options)
		if err != nil {
			return nil, fmt.Errorf("encode target options: %w", err)
		}
		t.OptionsJSON = string(optionsJSON)

		err = q.QueryRowxContext(ctx, q.Rebind(`
			INSERT INTO source_targets (source, target_type, target_key, display_name, description,
				monitor_enabled, fetch_interval, options, last_fetched_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, target_type, target_key) DO NOTHING
			RETURNING id
		`), t.Source, t.TargetType, t.TargetKey, t.DisplayName, t.Description,
			t.MonitorEnabled, t.FetchInterval, t.OptionsJSON, t.LastFetchedAt, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
		switch {
		case err == nil:
			return t, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("insert target %s/%s/%s: %w", src, typ, key, err)
		}

		// Lost a creation race; fall through to a partial update.
		existing, err = findTarget(ctx, q, src, typ, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("target %s/%s/%s vanished after conflict", src, typ, key)
		}
	}

	t := existing
	applyTargetFields(t, in)
	t.UpdatedAt = now
	optionsJSON, err := json.Marshal(t.Options)
	if err != nil {
		return nil, fmt.Errorf("encode target options: %w", err)
	}
	t.OptionsJSON = string(optionsJSON)

	_, err = q.ExecContext(ctx, q.Rebind(`
		UPDATE source_targets SET display_name = ?, description = ?, monitor_enabled = ?,
			fetch_interval = ?, options = ?, last_fetched_at = ?, updated_at = ?
		WHERE id = ?
	`), t.DisplayName, t.Description, t.MonitorEnabled, t.FetchInterval, t.OptionsJSON,
		t.LastFetchedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return nil, fmt.Errorf("update target %d: %w", t.ID, err)
	}
	return t, nil
}

func applyTargetFields(t *Target, in TargetUpsert) {
	if in.DisplayName != nil {
		t.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		desc := *in.Description
		t.Description = &desc
	}
	if in.MonitorEnabled != nil {
		t.MonitorEnabled = *in.MonitorEnabled
	}
	if in.FetchInterval != nil && *in.FetchInterval > 0 {
		t.FetchInterval = *in.FetchInterval
	}
	if in.Options != nil {
		t.Options = in.Options.Clone()
	}
	if in.LastFetchedAt != nil {
		at := in.LastFetchedAt.UTC()
		t.LastFetchedAt = &at
	}
}

func findTarget(ctx context.Context, q sqlx.ExtContext, src, typ, key string) (*Target, error) {
	var t Target
	err := sqlx.GetContext(ctx, q, &t, q.Rebind(
		"SELECT "+targetColumns+" FROM source_targets WHERE source = ? AND target_type = ? AND target_key = ?"),
		src, typ, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find target %s/%s/%s: %w", src, typ, key, err)
	}
	t.decode()
	return &t, nil
}

func getTarget(ctx context.Context, q sqlx.ExtContext, id int64) (*Target, error) {
	var t Target
	err := sqlx.GetContext(ctx, q, &t, q.Rebind("SELECT "+targetColumns+" FROM source_targets WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get target %d: %w", id, err)
	}
	t.decode()
	return &t, nil
}

func markTargetFetched(ctx context.Context, q sqlx.ExtContext, id int64, at time.Time) error {
	at = at.UTC()
	_, err := q.ExecContext(ctx, q.Rebind(
		"UPDATE source_targets SET last_fetched_at = ?, updated_at = ? WHERE id = ?"), at, at, id)
	if err != nil {
		return fmt.Errorf("mark target %d fetched: %w", id, err)
	}
	return nil
}

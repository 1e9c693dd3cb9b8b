package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elonfeng/tracehub/pkg/source"
	"github.com/jmoiron/sqlx"
)

func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item, s.db.Rebind("SELECT "+itemColumns+" FROM source_items WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}

	tags, err := s.itemTagNames(ctx, []int64{item.ID})
	if err != nil {
		return nil, err
	}
	item.Tags = nonNil(tags[item.ID])
	return &item, nil
}

// ListItems returns items newest-fetched first.
func (s *Store) ListItems(ctx context.Context, opts ItemListOpts) ([]Item, error) {
	query := "SELECT " + prefixed("i", itemColumns) + " FROM source_items i WHERE 1=1"
	var args []any

	if opts.Source != "" {
		query += " AND i.source = ?"
		args = append(args, source.NormalizeSource(opts.Source))
	}
	if opts.TargetID != 0 {
		query += " AND i.target_id = ?"
		args = append(args, opts.TargetID)
	}
	if opts.Tag != "" {
		query += " AND EXISTS (SELECT 1 FROM source_item_tags st JOIN tags t ON t.id = st.tag_id WHERE st.source_item_id = i.id AND t.name = ?)"
		args = append(args, opts.Tag)
	}
	if !opts.Since.IsZero() {
		query += " AND i.fetched_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	query += " ORDER BY i.fetched_at DESC, i.id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(0, opts.Offset))

	var items []Item
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	ids := make([]int64, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	tags, err := s.itemTagNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Tags = nonNil(tags[items[i].ID])
	}
	return items, nil
}

// ListComments returns an item's comments in insertion order, which keeps
// parents ahead of their replies for a single fetch.
func (s *Store) ListComments(ctx context.Context, itemID int64) ([]Comment, error) {
	var comments []Comment
	err := s.db.SelectContext(ctx, &comments, s.db.Rebind(
		"SELECT "+commentColumns+" FROM source_comments WHERE item_id = ? ORDER BY id"), itemID)
	if err != nil {
		return nil, fmt.Errorf("list comments for item %d: %w", itemID, err)
	}
	return comments, nil
}

func (s *Store) ItemTags(ctx context.Context, itemID int64) ([]Tag, error) {
	var tags []Tag
	err := s.db.SelectContext(ctx, &tags, s.db.Rebind(`
		SELECT t.id, t.name, COALESCE(t.color, '#1890ff') AS color, t.description
		FROM tags t JOIN source_item_tags st ON st.tag_id = t.id
		WHERE st.source_item_id = ?
		ORDER BY t.name`), itemID)
	if err != nil {
		return nil, fmt.Errorf("item %d tags: %w", itemID, err)
	}
	return tags, nil
}

func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	if err := s.db.SelectContext(ctx, &tags, "SELECT "+tagColumns+" FROM tags ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// SetItemTags replaces an item's tag set with names, creating missing tags.
func (s *Store) SetItemTags(ctx context.Context, itemID int64, names []string) ([]Tag, error) {
	err := s.InTx(ctx, func(tx *Tx) error {
		q := tx.tx
		var exists int
		if err := sqlx.GetContext(ctx, q, &exists, q.Rebind("SELECT COUNT(*) FROM source_items WHERE id = ?"), itemID); err != nil {
			return fmt.Errorf("check item %d: %w", itemID, err)
		}
		if exists == 0 {
			return fmt.Errorf("item %d: %w", itemID, ErrNotFound)
		}

		ids, err := getOrCreateTags(ctx, q, names)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, q.Rebind("DELETE FROM source_item_tags WHERE source_item_id = ?"), itemID); err != nil {
			return fmt.Errorf("clear item %d tags: %w", itemID, err)
		}
		for _, id := range ids {
			if err := linkTag(ctx, q, itemID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ItemTags(ctx, itemID)
}

// ItemPayload returns the raw platform record stored for an item.
func (s *Store) ItemPayload(ctx context.Context, itemID int64) (json.RawMessage, error) {
	return s.payload(ctx, "SELECT payload FROM source_item_payloads WHERE item_id = ?", itemID)
}

// CommentPayload returns the raw platform record stored for a comment.
func (s *Store) CommentPayload(ctx context.Context, commentID int64) (json.RawMessage, error) {
	return s.payload(ctx, "SELECT payload FROM source_comment_payloads WHERE comment_id = ?", commentID)
}

func (s *Store) payload(ctx context.Context, query string, id int64) (json.RawMessage, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, s.db.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payload %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %d: %w", id, err)
	}
	return json.RawMessage(raw), nil
}

func (s *Store) CountItemsBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT source, COUNT(*) AS cnt FROM source_items GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("count items by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, err
		}
		counts[src] = cnt
	}
	return counts, rows.Err()
}

func (s *Store) itemTagNames(ctx context.Context, itemIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT st.source_item_id, t.name
		FROM source_item_tags st JOIN tags t ON t.id = st.tag_id
		WHERE st.source_item_id IN (?)
		ORDER BY t.name`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("build tag query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load item tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

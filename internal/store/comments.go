package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/tracehub/pkg/source"
	"github.com/jmoiron/sqlx"
)

// SaveComments upserts a comment batch for item in its own transaction.
// See Tx.SaveComments.
func (s *Store) SaveComments(ctx context.Context, src string, item *Item, comments []source.Comment, fetchedAt time.Time) (created, updated int, err error) {
	err = s.InTx(ctx, func(tx *Tx) error {
		created, updated, err = tx.SaveComments(ctx, src, item, comments, fetchedAt)
		return err
	})
	return created, updated, err
}

// SaveComments upserts comments under item in two passes. The first pass
// writes scalar fields; the second links parents. A parent is linked only
// when it is in this batch or already stored under the same item;
// otherwise the comment becomes a root.
func (t *Tx) SaveComments(ctx context.Context, src string, item *Item, comments []source.Comment, fetchedAt time.Time) (created, updated int, err error) {
	if item == nil || item.ID == 0 {
		return 0, 0, fmt.Errorf("save comments: item is not persisted")
	}
	q := t.tx
	src = source.NormalizeSource(src)
	fetchedAt = fetchedAt.UTC()

	var ids []string
	for _, c := range comments {
		if id := strings.TrimSpace(c.ExternalID); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	rows, err := commentsByExternalID(ctx, q, src, ids)
	if err != nil {
		return 0, 0, err
	}

	for _, c := range comments {
		extID := strings.TrimSpace(c.ExternalID)
		if extID == "" {
			continue
		}

		row := &Comment{
			ItemID:     item.ID,
			Source:     src,
			ExternalID: extID,
			Content:    c.Content,
			Author:     c.Author,
			Score:      c.Score,
			Depth:      c.Depth,
			CreatedAt:  c.CreatedAt.UTC(),
			FetchedAt:  fetchedAt,
		}
		if c.CreatedAt.IsZero() {
			row.CreatedAt = fetchedAt
		}

		if existing, ok := rows[extID]; ok {
			row.ID = existing.ID
			row.ParentID = existing.ParentID
			if c.CreatedAt.IsZero() {
				row.CreatedAt = existing.CreatedAt
			}
			if err := updateComment(ctx, q, row); err != nil {
				return 0, 0, err
			}
			if existing.ItemID != item.ID {
				if err := detachChildren(ctx, q, row.ID, item.ID); err != nil {
					return 0, 0, err
				}
				for _, r := range rows {
					if r.ItemID != item.ID && sameID(r.ParentID, &row.ID) {
						r.ParentID = nil
					}
				}
			}
			updated++
		} else {
			if err := insertComment(ctx, q, row); err != nil {
				return 0, 0, err
			}
			created++
		}
		rows[extID] = row
	}

	// Parents referenced from outside the batch may already be stored.
	var outside []string
	for _, c := range comments {
		pid := strings.TrimSpace(c.ParentExternalID)
		if pid == "" {
			continue
		}
		if _, ok := rows[pid]; !ok {
			outside = append(outside, pid)
		}
	}
	if len(outside) > 0 {
		stored, err := commentsByExternalID(ctx, q, src, outside)
		if err != nil {
			return 0, 0, err
		}
		for id, row := range stored {
			rows[id] = row
		}
	}

	for _, c := range comments {
		extID := strings.TrimSpace(c.ExternalID)
		if extID == "" {
			continue
		}
		row := rows[extID]

		var parentID *int64
		if parent, ok := rows[strings.TrimSpace(c.ParentExternalID)]; ok && parent.ItemID == item.ID && parent.ID != row.ID {
			id := parent.ID
			parentID = &id
		}
		if sameID(row.ParentID, parentID) {
			continue
		}
		if _, err := q.ExecContext(ctx, q.Rebind("UPDATE source_comments SET parent_id = ? WHERE id = ?"), parentID, row.ID); err != nil {
			return 0, 0, fmt.Errorf("link comment %d parent: %w", row.ID, err)
		}
		row.ParentID = parentID
	}

	for _, c := range comments {
		extID := strings.TrimSpace(c.ExternalID)
		if extID == "" {
			continue
		}
		if err := upsertCommentPayload(ctx, q, rows[extID], c.Payload, fetchedAt); err != nil {
			return 0, 0, err
		}
	}

	return created, updated, nil
}

func commentsByExternalID(ctx context.Context, q sqlx.ExtContext, src string, ids []string) (map[string]*Comment, error) {
	out := make(map[string]*Comment, len(ids))
	for _, chunk := range chunkStrings(dedupe(ids), inChunk) {
		query, args, err := sqlx.In("SELECT "+commentColumns+" FROM source_comments WHERE source = ? AND external_id IN (?)", src, chunk)
		if err != nil {
			return nil, fmt.Errorf("build comment lookup: %w", err)
		}
		var rows []Comment
		if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("load comments: %w", err)
		}
		for i := range rows {
			row := rows[i]
			out[row.ExternalID] = &row
		}
	}
	return out, nil
}

func insertComment(ctx context.Context, q sqlx.ExtContext, row *Comment) error {
	err := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO source_comments (item_id, source, external_id, content, author, score,
			depth, created_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), row.ItemID, row.Source, row.ExternalID, row.Content, row.Author, row.Score,
		row.Depth, row.CreatedAt, row.FetchedAt).Scan(&row.ID)
	if err != nil {
		return fmt.Errorf("insert comment %s/%s: %w", row.Source, row.ExternalID, err)
	}
	return nil
}

func updateComment(ctx context.Context, q sqlx.ExtContext, row *Comment) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE source_comments SET item_id = ?, content = ?, author = ?, score = ?, depth = ?,
			created_at = ?, fetched_at = ?
		WHERE id = ?
	`), row.ItemID, row.Content, row.Author, row.Score, row.Depth,
		row.CreatedAt, row.FetchedAt, row.ID)
	if err != nil {
		return fmt.Errorf("update comment %d: %w", row.ID, err)
	}
	return nil
}

// detachChildren turns children left under another item into roots when
// their parent moves to itemID.
func detachChildren(ctx context.Context, q sqlx.ExtContext, parentID, itemID int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(
		"UPDATE source_comments SET parent_id = NULL WHERE parent_id = ? AND item_id <> ?",
	), parentID, itemID)
	if err != nil {
		return fmt.Errorf("detach children of comment %d: %w", parentID, err)
	}
	return nil
}

func upsertCommentPayload(ctx context.Context, q sqlx.ExtContext, row *Comment, payload json.RawMessage, fetchedAt time.Time) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO source_comment_payloads (comment_id, source, external_id, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(comment_id) DO UPDATE SET
			source = excluded.source,
			external_id = excluded.external_id,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`), row.ID, row.Source, row.ExternalID, payloadText(payload), fetchedAt)
	if err != nil {
		return fmt.Errorf("upsert payload for comment %d: %w", row.ID, err)
	}
	return nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/tracehub/pkg/source"
	"github.com/jmoiron/sqlx"
)

// inChunk bounds the number of bind variables in one IN list.
const inChunk = 500

// SaveItems upserts a batch of canonical items by (source, external_id) in
// its own transaction. See Tx.SaveItems.
func (s *Store) SaveItems(ctx context.Context, src string, target *Target, items []source.Item, fetchedAt time.Time) (created, updated int, err error) {
	err = s.InTx(ctx, func(tx *Tx) error {
		created, updated, err = tx.SaveItems(ctx, src, target, items, fetchedAt)
		return err
	})
	return created, updated, err
}

// SaveItems upserts items: existing rows are overwritten in place, new
// rows inserted. Items without an external id are skipped. Raw payloads
// are replaced wholesale and tags from the batch are attached without
// detaching existing ones. The counts cover item rows only.
func (t *Tx) SaveItems(ctx context.Context, src string, target *Target, items []source.Item, fetchedAt time.Time) (created, updated int, err error) {
	q := t.tx
	src = source.NormalizeSource(src)
	fetchedAt = fetchedAt.UTC()

	var ids []string
	var tagNames []string
	for _, it := range items {
		if id := strings.TrimSpace(it.ExternalID); id != "" {
			ids = append(ids, id)
		}
		tagNames = append(tagNames, it.Tags...)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	rows, err := itemsByExternalID(ctx, q, src, ids)
	if err != nil {
		return 0, 0, err
	}
	tagIDs, err := getOrCreateTags(ctx, q, tagNames)
	if err != nil {
		return 0, 0, err
	}

	var targetID *int64
	if target != nil && target.ID != 0 {
		id := target.ID
		targetID = &id
	}

	for _, it := range items {
		extID := strings.TrimSpace(it.ExternalID)
		if extID == "" {
			continue
		}

		row := &Item{
			TargetID:    targetID,
			Source:      src,
			ExternalID:  extID,
			ItemType:    it.ItemType,
			Title:       it.Title,
			Content:     it.Content,
			Author:      it.Author,
			URL:         it.URL,
			Score:       it.Score,
			NumComments: it.NumComments,
			CreatedAt:   it.CreatedAt.UTC(),
			FetchedAt:   fetchedAt,
		}
		if row.ItemType == "" {
			row.ItemType = "post"
		}
		if it.CreatedAt.IsZero() {
			row.CreatedAt = fetchedAt
		}

		if existing, ok := rows[extID]; ok {
			row.ID = existing.ID
			if row.TargetID == nil {
				row.TargetID = existing.TargetID
			}
			if it.CreatedAt.IsZero() {
				row.CreatedAt = existing.CreatedAt
			}
			if err := updateItem(ctx, q, row); err != nil {
				return 0, 0, err
			}
			updated++
		} else {
			if err := insertItem(ctx, q, row); err != nil {
				return 0, 0, err
			}
			created++
		}
		rows[extID] = row
	}

	for _, it := range items {
		extID := strings.TrimSpace(it.ExternalID)
		if extID == "" {
			continue
		}
		row := rows[extID]
		if err := upsertItemPayload(ctx, q, row, it.Payload, fetchedAt); err != nil {
			return 0, 0, err
		}
		for _, name := range it.Tags {
			tagID, ok := tagIDs[strings.TrimSpace(name)]
			if !ok {
				continue
			}
			if err := linkTag(ctx, q, row.ID, tagID); err != nil {
				return 0, 0, err
			}
		}
	}

	return created, updated, nil
}

// ItemsByExternalID loads items keyed by external id.
func (s *Store) ItemsByExternalID(ctx context.Context, src string, ids []string) (map[string]*Item, error) {
	return itemsByExternalID(ctx, s.db, source.NormalizeSource(src), ids)
}

func (t *Tx) ItemsByExternalID(ctx context.Context, src string, ids []string) (map[string]*Item, error) {
	return itemsByExternalID(ctx, t.tx, source.NormalizeSource(src), ids)
}

func itemsByExternalID(ctx context.Context, q sqlx.ExtContext, src string, ids []string) (map[string]*Item, error) {
	out := make(map[string]*Item, len(ids))
	for _, chunk := range chunkStrings(dedupe(ids), inChunk) {
		query, args, err := sqlx.In("SELECT "+itemColumns+" FROM source_items WHERE source = ? AND external_id IN (?)", src, chunk)
		if err != nil {
			return nil, fmt.Errorf("build item lookup: %w", err)
		}
		var rows []Item
		if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("load items: %w", err)
		}
		for i := range rows {
			row := rows[i]
			out[row.ExternalID] = &row
		}
	}
	return out, nil
}

func insertItem(ctx context.Context, q sqlx.ExtContext, row *Item) error {
	err := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO source_items (target_id, source, external_id, item_type, title, content,
			author, url, score, num_comments, created_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), row.TargetID, row.Source, row.ExternalID, row.ItemType, row.Title, row.Content,
		row.Author, row.URL, row.Score, row.NumComments, row.CreatedAt, row.FetchedAt).Scan(&row.ID)
	if err != nil {
		return fmt.Errorf("insert item %s/%s: %w", row.Source, row.ExternalID, err)
	}
	return nil
}

func updateItem(ctx context.Context, q sqlx.ExtContext, row *Item) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE source_items SET target_id = ?, item_type = ?, title = ?, content = ?, author = ?,
			url = ?, score = ?, num_comments = ?, created_at = ?, fetched_at = ?
		WHERE id = ?
	`), row.TargetID, row.ItemType, row.Title, row.Content, row.Author,
		row.URL, row.Score, row.NumComments, row.CreatedAt, row.FetchedAt, row.ID)
	if err != nil {
		return fmt.Errorf("update item %d: %w", row.ID, err)
	}
	return nil
}

func upsertItemPayload(ctx context.Context, q sqlx.ExtContext, row *Item, payload json.RawMessage, fetchedAt time.Time) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO source_item_payloads (item_id, source, external_id, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			source = excluded.source,
			external_id = excluded.external_id,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`), row.ID, row.Source, row.ExternalID, payloadText(payload), fetchedAt)
	if err != nil {
		return fmt.Errorf("upsert payload for item %d: %w", row.ID, err)
	}
	return nil
}

// getOrCreateTags resolves tag names (trimmed, exact match) to ids,
// creating missing tags with the default color.
func getOrCreateTags(ctx context.Context, q sqlx.ExtContext, names []string) (map[string]int64, error) {
	var clean []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			clean = append(clean, n)
		}
	}
	clean = dedupe(clean)
	if len(clean) == 0 {
		return map[string]int64{}, nil
	}

	ids, err := tagIDsByName(ctx, q, clean)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, n := range clean {
		if _, ok := ids[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return ids, nil
	}

	sort.Strings(missing)
	for _, n := range missing {
		_, err := q.ExecContext(ctx, q.Rebind(
			"INSERT INTO tags (name, color) VALUES (?, ?) ON CONFLICT(name) DO NOTHING"), n, defaultTagColor)
		if err != nil {
			return nil, fmt.Errorf("create tag %q: %w", n, err)
		}
	}

	created, err := tagIDsByName(ctx, q, missing)
	if err != nil {
		return nil, err
	}
	for n, id := range created {
		ids[n] = id
	}
	return ids, nil
}

func tagIDsByName(ctx context.Context, q sqlx.ExtContext, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, chunk := range chunkStrings(names, inChunk) {
		query, args, err := sqlx.In("SELECT id, name FROM tags WHERE name IN (?)", chunk)
		if err != nil {
			return nil, fmt.Errorf("build tag lookup: %w", err)
		}
		var rows []struct {
			ID   int64  `db:"id"`
			Name string `db:"name"`
		}
		if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("load tags: %w", err)
		}
		for _, r := range rows {
			out[r.Name] = r.ID
		}
	}
	return out, nil
}

func linkTag(ctx context.Context, q sqlx.ExtContext, itemID, tagID int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(
		"INSERT INTO source_item_tags (source_item_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING"), itemID, tagID)
	if err != nil {
		return fmt.Errorf("tag item %d: %w", itemID, err)
	}
	return nil
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 || !json.Valid(p) {
		return "{}"
	}
	return string(p)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}

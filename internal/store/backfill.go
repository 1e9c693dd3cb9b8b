package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// BackfillStats counts rows written by each backfill step.
type BackfillStats struct {
	Targets         int64 `json:"targets"`
	Items           int64 `json:"items"`
	ItemPayloads    int64 `json:"item_payloads"`
	Comments        int64 `json:"comments"`
	CommentParents  int64 `json:"comment_parents"`
	CommentPayloads int64 `json:"comment_payloads"`
	ItemTags        int64 `json:"item_tags"`
}

// Skipped reports whether nothing was copied.
func (b BackfillStats) Skipped() bool {
	return b == BackfillStats{}
}

type backfillStep struct {
	requires []string
	counter  func(*BackfillStats) *int64
	query    string
}

// The legacy schema is Reddit only: subreddits, posts, comments,
// post_payloads, comment_payloads and post_tags. Each step copies by
// natural key, so running the backfill again is a no-op apart from
// refreshed timestamps. {{json}} and {{now}} are expanded per dialect.
var backfillSteps = []backfillStep{
	{
		requires: []string{"subreddits", "posts"},
		counter:  func(b *BackfillStats) *int64 { return &b.Targets },
		query: `
			INSERT INTO source_targets (source, target_type, target_key, display_name, description,
				monitor_enabled, fetch_interval, options, last_fetched_at, created_at, updated_at)
			SELECT 'reddit', 'subreddit', s.name, s.name, s.description,
				COALESCE(s.monitor_enabled, FALSE), COALESCE(s.fetch_interval, 60), CAST('{}' AS {{json}}),
				s.last_fetched_at, COALESCE(s.created_at, {{now}}), {{now}}
			FROM subreddits s
			WHERE s.name IS NOT NULL
			ON CONFLICT (source, target_type, target_key) DO UPDATE SET
				display_name = excluded.display_name,
				description = excluded.description,
				monitor_enabled = excluded.monitor_enabled,
				fetch_interval = excluded.fetch_interval,
				last_fetched_at = excluded.last_fetched_at,
				updated_at = excluded.updated_at`,
	},
	{
		requires: []string{"subreddits", "posts"},
		counter:  func(b *BackfillStats) *int64 { return &b.Items },
		query: `
			INSERT INTO source_items (target_id, source, external_id, item_type, title, content,
				author, url, score, num_comments, created_at, fetched_at)
			SELECT st.id, 'reddit', p.reddit_id, 'post', COALESCE(p.title, '(untitled)'), p.content,
				COALESCE(p.author, '[deleted]'), COALESCE(p.url, ''), COALESCE(p.score, 0), COALESCE(p.num_comments, 0),
				COALESCE(p.created_at, p.fetched_at, {{now}}), COALESCE(p.fetched_at, {{now}})
			FROM posts p
			LEFT JOIN subreddits s ON s.id = p.subreddit_id
			LEFT JOIN source_targets st
				ON st.source = 'reddit' AND st.target_type = 'subreddit' AND st.target_key = s.name
			WHERE p.reddit_id IS NOT NULL
			ON CONFLICT (source, external_id) DO UPDATE SET
				target_id = excluded.target_id,
				title = excluded.title,
				content = excluded.content,
				author = excluded.author,
				url = excluded.url,
				score = excluded.score,
				num_comments = excluded.num_comments,
				created_at = excluded.created_at,
				fetched_at = excluded.fetched_at`,
	},
	{
		requires: []string{"post_payloads", "posts"},
		counter:  func(b *BackfillStats) *int64 { return &b.ItemPayloads },
		query: `
			INSERT INTO source_item_payloads (item_id, source, external_id, payload, fetched_at)
			SELECT si.id, 'reddit', pp.reddit_id, pp.payload, COALESCE(pp.fetched_at, {{now}})
			FROM post_payloads pp
			JOIN source_items si ON si.source = 'reddit' AND si.external_id = pp.reddit_id
			WHERE pp.reddit_id IS NOT NULL
			ON CONFLICT (item_id) DO UPDATE SET
				source = excluded.source,
				external_id = excluded.external_id,
				payload = excluded.payload,
				fetched_at = excluded.fetched_at`,
	},
	{
		requires: []string{"comments", "posts"},
		counter:  func(b *BackfillStats) *int64 { return &b.Comments },
		query: `
			INSERT INTO source_comments (item_id, source, external_id, content, author, score,
				parent_id, depth, created_at, fetched_at)
			SELECT si.id, 'reddit', c.reddit_id, COALESCE(c.content, ''), COALESCE(c.author, '[deleted]'),
				COALESCE(c.score, 0), NULL, COALESCE(c.depth, 0),
				COALESCE(c.created_at, c.fetched_at, {{now}}), COALESCE(c.fetched_at, {{now}})
			FROM comments c
			JOIN posts p ON p.id = c.post_id
			JOIN source_items si ON si.source = 'reddit' AND si.external_id = p.reddit_id
			WHERE c.reddit_id IS NOT NULL
			ON CONFLICT (source, external_id) DO UPDATE SET
				item_id = excluded.item_id,
				content = excluded.content,
				author = excluded.author,
				score = excluded.score,
				depth = excluded.depth,
				created_at = excluded.created_at,
				fetched_at = excluded.fetched_at`,
	},
	{
		// Parent links follow the legacy comments.parent_id foreign key and
		// are only kept when both ends belong to the same item.
		requires: []string{"comments", "posts"},
		counter:  func(b *BackfillStats) *int64 { return &b.CommentParents },
		query: `
			UPDATE source_comments SET parent_id = (
				SELECT scp.id
				FROM comments c
				JOIN comments cp ON cp.id = c.parent_id
				JOIN source_comments scp ON scp.source = 'reddit' AND scp.external_id = cp.reddit_id
				WHERE c.reddit_id = source_comments.external_id
					AND scp.item_id = source_comments.item_id
			)
			WHERE source = 'reddit'
				AND external_id IN (SELECT reddit_id FROM comments WHERE parent_id IS NOT NULL AND reddit_id IS NOT NULL)`,
	},
	{
		requires: []string{"comment_payloads", "comments"},
		counter:  func(b *BackfillStats) *int64 { return &b.CommentPayloads },
		query: `
			INSERT INTO source_comment_payloads (comment_id, source, external_id, payload, fetched_at)
			SELECT sc.id, 'reddit', cp.reddit_id, cp.payload, COALESCE(cp.fetched_at, {{now}})
			FROM comment_payloads cp
			JOIN source_comments sc ON sc.source = 'reddit' AND sc.external_id = cp.reddit_id
			WHERE cp.reddit_id IS NOT NULL
			ON CONFLICT (comment_id) DO UPDATE SET
				source = excluded.source,
				external_id = excluded.external_id,
				payload = excluded.payload,
				fetched_at = excluded.fetched_at`,
	},
	{
		requires: []string{"post_tags", "posts"},
		counter:  func(b *BackfillStats) *int64 { return &b.ItemTags },
		query: `
			INSERT INTO source_item_tags (source_item_id, tag_id)
			SELECT DISTINCT si.id, pt.tag_id
			FROM post_tags pt
			JOIN posts p ON p.id = pt.post_id
			JOIN source_items si ON si.source = 'reddit' AND si.external_id = p.reddit_id
			WHERE pt.tag_id IN (SELECT id FROM tags)
			ON CONFLICT (source_item_id, tag_id) DO NOTHING`,
	},
}

// BackfillLegacy copies rows from the legacy Reddit tables into the unified
// schema in one transaction. Steps whose legacy tables are missing are
// skipped.
func (s *Store) BackfillLegacy(ctx context.Context) (BackfillStats, error) {
	var stats BackfillStats
	now := s.now()

	jsonType, nowExpr := "TEXT", "?"
	if s.db.DriverName() == DriverPostgres {
		jsonType, nowExpr = "JSONB", "CAST(? AS TIMESTAMPTZ)"
	}

	err := s.InTx(ctx, func(tx *Tx) error {
		tables, err := existingTables(ctx, tx.tx)
		if err != nil {
			return err
		}

		for i, step := range backfillSteps {
			if !hasAll(tables, step.requires) {
				continue
			}
			query := strings.ReplaceAll(step.query, "{{json}}", jsonType)
			query = strings.ReplaceAll(query, "{{now}}", nowExpr)
			args := make([]any, strings.Count(query, "?"))
			for j := range args {
				args[j] = now
			}

			res, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(query), args...)
			if err != nil {
				return fmt.Errorf("backfill step %d: %w", i+1, err)
			}
			n, _ := res.RowsAffected()
			*step.counter(&stats) = n
		}
		return nil
	})
	if err != nil {
		return BackfillStats{}, err
	}
	return stats, nil
}

func existingTables(ctx context.Context, q sqlx.ExtContext) (map[string]bool, error) {
	query := "SELECT name FROM sqlite_master WHERE type = 'table'"
	if q.DriverName() == DriverPostgres {
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()"
	}

	var names []string
	if err := sqlx.SelectContext(ctx, q, &names, query); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func hasAll(tables map[string]bool, names []string) bool {
	for _, n := range names {
		if !tables[n] {
			return false
		}
	}
	return true
}

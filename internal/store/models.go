package store

import (
	"encoding/json"
	"time"

	"github.com/elonfeng/tracehub/pkg/source"
)

// Target is a monitored or fetched thing: a subreddit, a feed, one post.
type Target struct {
	ID             int64          `db:"id" json:"id"`
	Source         string         `db:"source" json:"source"`
	TargetType     string         `db:"target_type" json:"target_type"`
	TargetKey      string         `db:"target_key" json:"target_key"`
	DisplayName    string         `db:"display_name" json:"display_name"`
	Description    *string        `db:"description" json:"description"`
	MonitorEnabled bool           `db:"monitor_enabled" json:"monitor_enabled"`
	FetchInterval  int            `db:"fetch_interval" json:"fetch_interval"`
	OptionsJSON    string         `db:"options" json:"-"`
	Options        source.Options `db:"-" json:"options"`
	LastFetchedAt  *time.Time     `db:"last_fetched_at" json:"last_fetched_at"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Due reports whether the target should be fetched at now: it was never
// fetched, or FetchInterval minutes have passed since the last fetch.
func (t *Target) Due(now time.Time) bool {
	if t.LastFetchedAt == nil {
		return true
	}
	return now.Sub(*t.LastFetchedAt) >= time.Duration(t.FetchInterval)*time.Minute
}

func (t *Target) decode() {
	t.Options = source.Options{}
	if t.OptionsJSON != "" {
		json.Unmarshal([]byte(t.OptionsJSON), &t.Options)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.LastFetchedAt != nil {
		at := t.LastFetchedAt.UTC()
		t.LastFetchedAt = &at
	}
}

// TargetUpsert carries the fields of an UpsertTarget call. Nil fields are
// left untouched on update and defaulted on create.
type TargetUpsert struct {
	Source         string
	TargetType     string
	TargetKey      string
	DisplayName    *string
	Description    *string
	MonitorEnabled *bool
	FetchInterval  *int
	Options        source.Options
	LastFetchedAt  *time.Time
}

// Item is a stored post or story.
type Item struct {
	ID          int64     `db:"id" json:"id"`
	TargetID    *int64    `db:"target_id" json:"target_id"`
	Source      string    `db:"source" json:"source"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	ItemType    string    `db:"item_type" json:"item_type"`
	Title       string    `db:"title" json:"title"`
	Content     *string   `db:"content" json:"content"`
	Author      string    `db:"author" json:"author"`
	URL         string    `db:"url" json:"url"`
	Score       int       `db:"score" json:"score"`
	NumComments int       `db:"num_comments" json:"num_comments"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	FetchedAt   time.Time `db:"fetched_at" json:"fetched_at"`
	Tags        []string  `db:"-" json:"tags"`
}

// Comment is a stored reply. ParentID refers to another Comment's ID.
type Comment struct {
	ID         int64     `db:"id" json:"id"`
	ItemID     int64     `db:"item_id" json:"item_id"`
	Source     string    `db:"source" json:"source"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Content    string    `db:"content" json:"content"`
	Author     string    `db:"author" json:"author"`
	Score      int       `db:"score" json:"score"`
	ParentID   *int64    `db:"parent_id" json:"parent_id"`
	Depth      int       `db:"depth" json:"depth"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	FetchedAt  time.Time `db:"fetched_at" json:"fetched_at"`
}

// Tag is a free-form label attached to items.
type Tag struct {
	ID          int64   `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	Color       string  `db:"color" json:"color"`
	Description *string `db:"description" json:"description"`
}

// ItemListOpts controls item listing.
type ItemListOpts struct {
	Source   string
	TargetID int64
	Tag      string
	Since    time.Time
	Limit    int
	Offset   int
}

// TargetListOpts controls target listing.
type TargetListOpts struct {
	Source      string
	MonitorOnly bool
}

const defaultTagColor = "#1890ff"

const (
	targetColumns  = `id, source, target_type, target_key, display_name, description, monitor_enabled, fetch_interval, options, last_fetched_at, created_at, updated_at`
	itemColumns    = `id, target_id, source, external_id, item_type, title, content, author, url, score, num_comments, created_at, fetched_at`
	commentColumns = `id, item_id, source, external_id, content, author, score, parent_id, depth, created_at, fetched_at`
	tagColumns     = `id, name, COALESCE(color, '#1890ff') AS color, description`
)

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Platform keys for the built-in adapters.
const (
	SourceReddit     = "reddit"
	SourceHackerNews = "hackernews"
)

// Item is the canonical, platform-agnostic shape of a post or story.
type Item struct {
	Source      string          `json:"source"`
	ExternalID  string          `json:"external_id"`
	ItemType    string          `json:"item_type"`
	Title       string          `json:"title"`
	Content     *string         `json:"content"`
	Author      string          `json:"author"`
	URL         string          `json:"url"`
	Score       int             `json:"score"`
	NumComments int             `json:"num_comments"`
	CreatedAt   time.Time       `json:"created_at"`
	Tags        []string        `json:"tags"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Channel     string          `json:"channel"`

	// InlineComments is non-nil when the adapter already fetched the
	// comment tree together with the item. An empty non-nil slice means
	// the item has no comments; nil means they were not fetched.
	InlineComments []Comment `json:"comments,omitempty"`
}

// HasInlineComments reports whether the comment tree came with the item.
func (i *Item) HasInlineComments() bool { return i.InlineComments != nil }

// Comment is the canonical shape of a reply under an Item.
type Comment struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Content    string `json:"content"`
	Author     string `json:"author"`
	Score      int    `json:"score"`
	Depth      int    `json:"depth"`
	// ParentExternalID is empty for root comments.
	ParentExternalID string          `json:"parent_external_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Capabilities describes what an adapter can fetch.
type Capabilities struct {
	Source      string   `json:"source"`
	DisplayName string   `json:"display_name"`
	TargetTypes []string `json:"target_types"`
	Sorts       []string `json:"sorts,omitempty"`
	Feeds       []string `json:"feeds,omitempty"`
}

// SupportsTargetType reports whether targetType is one of the adapter's types.
func (c Capabilities) SupportsTargetType(targetType string) bool {
	return slices.Contains(c.TargetTypes, targetType)
}

// Adapter hides the quirks of one platform behind a common fetch contract.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	NormalizeTargetKey(targetType, rawKey string) (string, error)
	FetchTargetItems(ctx context.Context, targetType, targetKey string, limit int, opts Options) ([]Item, error)
	FetchItemComments(ctx context.Context, itemExternalID, itemURL string, limit int, opts Options) ([]Comment, error)
	Close() error
}

// Options is the opaque per-target parameter bag (sort order, limits...).
// Values usually come from decoded JSON, so accessors accept both numbers
// and strings.
type Options map[string]any

// String returns the option as a string, or def when absent or empty.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Int returns the option as an int, or def when absent or not numeric.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the option as a bool, or def when absent or not boolean.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return def
}

// Clone returns a shallow copy; nil stays nil.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// NormalizeSource lowercases and trims a platform key.
func NormalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTargetType lowercases and trims a target type.
func NormalizeTargetType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// unixUTC converts epoch seconds; a missing timestamp stays zero so the
// store can default it to fetch time.
func unixUTC(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole := int64(sec)
	frac := int64((sec - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	hnBaseURL     = "https://hacker-news.firebaseio.com/v0"
	hnItemURL     = "https://news.ycombinator.com/item?id="
	hnUnknownUser = "unknown"
)

var hnFeeds = []string{"topstories", "newstories", "askstories", "showstories"}

// HackerNewsConfig configures a HackerNewsAdapter. Zero values take defaults.
type HackerNewsConfig struct {
	BaseURL     string
	Timeout     time.Duration
	Concurrency int
	ProxyURL    string
}

// HackerNewsAdapter reads feeds and stories from the HN Firebase API.
type HackerNewsAdapter struct {
	baseURL     string
	concurrency int
	log         zerolog.Logger
	http        *lazyClient
}

// NewHackerNews creates a Hacker News adapter.
func NewHackerNews(cfg HackerNewsConfig, logger zerolog.Logger) *HackerNewsAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = hnBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &HackerNewsAdapter{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		concurrency: cfg.Concurrency,
		log:         logger.With().Str("source", SourceHackerNews).Logger(),
		http:        &lazyClient{timeout: cfg.Timeout, proxyURL: cfg.ProxyURL},
	}
}

func (h *HackerNewsAdapter) Name() string { return SourceHackerNews }

func (h *HackerNewsAdapter) Capabilities() Capabilities {
	return Capabilities{
		Source:      SourceHackerNews,
		DisplayName: "Hacker News",
		TargetTypes: []string{"feed", "story"},
		Feeds:       slices.Clone(hnFeeds),
	}
}

func (h *HackerNewsAdapter) NormalizeTargetKey(targetType, rawKey string) (string, error) {
	key := strings.TrimSpace(rawKey)
	switch NormalizeTargetType(targetType) {
	case "feed":
		key = strings.ToLower(key)
		if !slices.Contains(hnFeeds, key) {
			return "", invalidTarget("hacker news feed %q", rawKey)
		}
		return key, nil
	case "story":
		if u, err := url.Parse(key); err == nil && strings.EqualFold(u.Hostname(), "news.ycombinator.com") {
			key = u.Query().Get("id")
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id <= 0 {
			return "", invalidTarget("hacker news story id %q", rawKey)
		}
		return strconv.FormatInt(id, 10), nil
	default:
		return "", unsupportedTargetType(SourceHackerNews, targetType)
	}
}

func (h *HackerNewsAdapter) FetchTargetItems(ctx context.Context, targetType, targetKey string, limit int, opts Options) ([]Item, error) {
	switch NormalizeTargetType(targetType) {
	case "feed":
		return h.fetchFeed(ctx, targetKey, max(1, limit))
	case "story":
		id, err := strconv.ParseInt(strings.TrimSpace(targetKey), 10, 64)
		if err != nil {
			return nil, invalidTarget("hacker news story id %q", targetKey)
		}
		story, err := h.fetchItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if story == nil {
			return []Item{}, nil
		}
		return []Item{story.toItem("story")}, nil
	default:
		return nil, unsupportedTargetType(SourceHackerNews, targetType)
	}
}

// FetchItemComments returns the story's direct replies only; nested
// replies are not followed.
func (h *HackerNewsAdapter) FetchItemComments(ctx context.Context, itemExternalID, itemURL string, limit int, opts Options) ([]Comment, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(itemExternalID), 10, 64)
	if err != nil {
		return nil, invalidTarget("hacker news item id %q", itemExternalID)
	}

	story, err := h.fetchItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return []Comment{}, nil
	}

	kids := story.Kids
	if n := max(1, limit); len(kids) > n {
		kids = kids[:n]
	}
	fetched, err := h.fetchItems(ctx, kids)
	if err != nil {
		return nil, err
	}

	comments := make([]Comment, 0, len(fetched))
	for _, c := range fetched {
		if c == nil || c.Deleted || c.Dead || c.Type != "comment" {
			continue
		}
		comments = append(comments, c.toComment())
	}
	return comments, nil
}

// Close drops the HTTP client. The adapter stays usable.
func (h *HackerNewsAdapter) Close() error {
	h.http.close()
	return nil
}

func (h *HackerNewsAdapter) fetchFeed(ctx context.Context, feed string, limit int) ([]Item, error) {
	var ids []int64
	if err := h.http.getJSON(ctx, fmt.Sprintf("%s/%s.json", h.baseURL, feed), &ids); err != nil {
		return nil, fmt.Errorf("fetch hn %s: %w", feed, err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	stories, err := h.fetchItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(stories))
	for _, s := range stories {
		if s == nil || (s.Type != "story" && s.Type != "job") {
			continue
		}
		items = append(items, s.toItem(feed))
	}

	h.log.Debug().Str("feed", feed).Int("ids", len(ids)).Int("items", len(items)).Msg("fetched feed")
	return items, nil
}

// fetchItems fetches ids concurrently and returns results in id order.
// Missing items are nil entries.
func (h *HackerNewsAdapter) fetchItems(ctx context.Context, ids []int64) ([]*hnItem, error) {
	out := make([]*hnItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			item, err := h.fetchItem(gctx, id)
			if err != nil {
				return err
			}
			out[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchItem returns nil when the API answers null for the id.
func (h *HackerNewsAdapter) fetchItem(ctx context.Context, id int64) (*hnItem, error) {
	var raw json.RawMessage
	if err := h.http.getJSON(ctx, fmt.Sprintf("%s/item/%d.json", h.baseURL, id), &raw); err != nil {
		return nil, fmt.Errorf("fetch hn item %d: %w", id, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var item hnItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode hn item %d: %w", id, err)
	}
	item.raw = raw
	return &item, nil
}

type hnItem struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	By          string  `json:"by"`
	Time        int64   `json:"time"`
	Title       string  `json:"title"`
	Text        string  `json:"text"`
	URL         string  `json:"url"`
	Score       int     `json:"score"`
	Descendants int     `json:"descendants"`
	Parent      int64   `json:"parent"`
	Kids        []int64 `json:"kids"`
	Deleted     bool    `json:"deleted"`
	Dead        bool    `json:"dead"`

	raw json.RawMessage
}

func (s *hnItem) toItem(channel string) Item {
	id := ""
	if s.ID != 0 {
		id = strconv.FormatInt(s.ID, 10)
	}
	item := Item{
		Source:      SourceHackerNews,
		ExternalID:  id,
		ItemType:    s.Type,
		Title:       s.Title,
		Author:      s.By,
		URL:         s.URL,
		Score:       s.Score,
		NumComments: s.Descendants,
		CreatedAt:   unixUTC(float64(s.Time)),
		Tags:        []string{},
		Payload:     s.raw,
		Channel:     channel,
	}
	if item.ItemType == "" {
		item.ItemType = "story"
	}
	if item.Author == "" {
		item.Author = hnUnknownUser
	}
	if item.URL == "" {
		item.URL = hnItemURL + id
	}
	if s.Text != "" {
		text := s.Text
		item.Content = &text
	}
	return item
}

func (s *hnItem) toComment() Comment {
	c := Comment{
		Source:    SourceHackerNews,
		Content:   s.Text,
		Author:    s.By,
		CreatedAt: unixUTC(float64(s.Time)),
		Payload:   s.raw,
	}
	if s.ID != 0 {
		c.ExternalID = strconv.FormatInt(s.ID, 10)
	}
	if c.Author == "" {
		c.Author = hnUnknownUser
	}
	if s.Parent != 0 {
		c.ParentExternalID = strconv.FormatInt(s.Parent, 10)
	}
	return c
}

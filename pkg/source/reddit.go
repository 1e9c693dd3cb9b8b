package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	redditBaseURL      = "https://www.reddit.com"
	redditOAuthBaseURL = "https://oauth.reddit.com"
	redditTokenURL     = "https://www.reddit.com/api/v1/access_token"
	redditUserAgent    = "tracehub/1.0"
	redditDeleted      = "[deleted]"
)

var (
	redditSorts          = []string{"hot", "new", "top", "rising"}
	subredditNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{2,21}$`)
)

// RedditConfig configures a RedditAdapter. Zero values take defaults.
type RedditConfig struct {
	BaseURL      string
	OAuthBaseURL string
	TokenURL     string

	// ClientID and ClientSecret enable OAuth against oauth.reddit.com.
	ClientID     string
	ClientSecret string
	UserAgent    string

	// RequestDelay is the minimum gap between API requests. Negative
	// disables the limiter.
	RequestDelay     time.Duration
	Timeout          time.Duration
	// MaxRetries bounds retries per request. Negative disables retries.
	MaxRetries       int
	ConnectBackoff   time.Duration
	RateLimitBackoff time.Duration
	ProxyURL         string
}

func (c *RedditConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = redditBaseURL
	}
	if c.OAuthBaseURL == "" {
		c.OAuthBaseURL = redditOAuthBaseURL
	}
	if c.TokenURL == "" {
		c.TokenURL = redditTokenURL
	}
	if c.UserAgent == "" {
		c.UserAgent = redditUserAgent
	}
	if c.RequestDelay == 0 {
		c.RequestDelay = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 2 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.OAuthBaseURL = strings.TrimRight(c.OAuthBaseURL, "/")
}

// RedditAdapter fetches subreddit listings and post pages with comment trees.
type RedditAdapter struct {
	cfg     RedditConfig
	log     zerolog.Logger
	http    *lazyClient
	limiter *rate.Limiter

	tokens      singleflight.Group
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewReddit creates a Reddit adapter.
func NewReddit(cfg RedditConfig, logger zerolog.Logger) *RedditAdapter {
	cfg.setDefaults()

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	return &RedditAdapter{
		cfg:     cfg,
		log:     logger.With().Str("source", SourceReddit).Logger(),
		http:    &lazyClient{timeout: cfg.Timeout, proxyURL: cfg.ProxyURL, userAgent: cfg.UserAgent},
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (r *RedditAdapter) Name() string { return SourceReddit }

func (r *RedditAdapter) Capabilities() Capabilities {
	return Capabilities{
		Source:      SourceReddit,
		DisplayName: "Reddit",
		TargetTypes: []string{"subreddit", "post_url"},
		Sorts:       slices.Clone(redditSorts),
	}
}

func (r *RedditAdapter) NormalizeTargetKey(targetType, rawKey string) (string, error) {
	key := strings.TrimSpace(rawKey)
	switch NormalizeTargetType(targetType) {
	case "subreddit":
		if len(key) >= 2 && strings.EqualFold(key[:2], "r/") {
			key = strings.TrimSpace(key[2:])
		}
		key = strings.TrimSuffix(key, "/")
		if !subredditNamePattern.MatchString(key) {
			return "", invalidTarget("subreddit name %q", rawKey)
		}
		return key, nil
	case "post_url":
		u, err := url.Parse(key)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !isRedditHost(u.Hostname()) {
			return "", invalidTarget("reddit post url %q", rawKey)
		}
		return key, nil
	default:
		return "", unsupportedTargetType(SourceReddit, targetType)
	}
}

func (r *RedditAdapter) FetchTargetItems(ctx context.Context, targetType, targetKey string, limit int, opts Options) ([]Item, error) {
	switch NormalizeTargetType(targetType) {
	case "subreddit":
		return r.fetchSubreddit(ctx, targetKey, opts.String("sort", "hot"), clamp(limit, 1, 100))
	case "post_url":
		item, comments, err := r.fetchPost(ctx, targetKey)
		if err != nil {
			return nil, err
		}
		item.InlineComments = comments
		return []Item{item}, nil
	default:
		return nil, unsupportedTargetType(SourceReddit, targetType)
	}
}

func (r *RedditAdapter) FetchItemComments(ctx context.Context, itemExternalID, itemURL string, limit int, opts Options) ([]Comment, error) {
	postURL := itemURL
	if u, err := url.Parse(itemURL); itemURL == "" || err != nil || !isRedditHost(u.Hostname()) {
		postURL = redditBaseURL + "/comments/" + url.PathEscape(itemExternalID)
	}

	_, comments, err := r.fetchPost(ctx, postURL)
	if err != nil {
		return nil, err
	}
	if n := max(1, limit); len(comments) > n {
		comments = comments[:n]
	}
	return comments, nil
}

// Close drops the HTTP client. The adapter stays usable.
func (r *RedditAdapter) Close() error {
	r.http.close()
	return nil
}

func (r *RedditAdapter) oauthEnabled() bool {
	return r.cfg.ClientID != "" && r.cfg.ClientSecret != ""
}

func (r *RedditAdapter) fetchSubreddit(ctx context.Context, name, sort string, limit int) ([]Item, error) {
	sort = strings.ToLower(sort)
	if !slices.Contains(redditSorts, sort) {
		r.log.Debug().Str("sort", sort).Msg("unknown sort, using hot")
		sort = "hot"
	}

	base, suffix := r.cfg.BaseURL, ".json"
	if r.oauthEnabled() {
		base, suffix = r.cfg.OAuthBaseURL, ""
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("raw_json", "1")
	reqURL := fmt.Sprintf("%s/r/%s/%s%s?%s", base, url.PathEscape(name), sort, suffix, q.Encode())

	var listing redditListing
	if err := r.fetchJSON(ctx, reqURL, &listing); err != nil {
		return nil, fmt.Errorf("fetch r/%s: %w", name, err)
	}

	items := make([]Item, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		item, err := parseRedditPost(child.Data, name)
		if err != nil {
			r.log.Warn().Err(err).Str("subreddit", name).Msg("skip malformed post")
			continue
		}
		items = append(items, item)
	}
	if len(items) > limit {
		items = items[:limit]
	}

	r.log.Debug().Str("subreddit", name).Str("sort", sort).Int("items", len(items)).Msg("fetched listing")
	return items, nil
}

// fetchPost loads a post page: a two-element array holding the post
// listing and the comment tree.
func (r *RedditAdapter) fetchPost(ctx context.Context, postURL string) (Item, []Comment, error) {
	reqURL, err := r.postJSONURL(postURL)
	if err != nil {
		return Item{}, nil, err
	}

	var page []redditListing
	if err := r.fetchJSON(ctx, reqURL, &page); err != nil {
		return Item{}, nil, fmt.Errorf("fetch post: %w", err)
	}
	if len(page) < 2 || len(page[0].Data.Children) == 0 {
		return Item{}, nil, &UpstreamError{Kind: ErrUpstreamHTTP, URL: redactURL(reqURL), Err: errors.New("unexpected post page shape")}
	}

	item, err := parseRedditPost(page[0].Data.Children[0].Data, "")
	if err != nil {
		return Item{}, nil, &UpstreamError{Kind: ErrUpstreamHTTP, URL: redactURL(reqURL), Err: err}
	}
	comments := flattenRedditComments(page[1].Data.Children, 0, []Comment{})

	r.log.Debug().Str("post", item.ExternalID).Str("title", truncate(item.Title, 50)).Int("comments", len(comments)).Msg("fetched post")
	return item, comments, nil
}

// postJSONURL rebases a reddit post URL onto the configured API host.
// Short links become /comments/<id>; OAuth paths drop the .json suffix,
// anonymous paths gain it.
func (r *RedditAdapter) postJSONURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !isRedditHost(u.Hostname()) {
		return "", invalidTarget("reddit post url %q", raw)
	}

	path := strings.TrimSuffix(u.Path, "/")
	host := strings.ToLower(u.Hostname())
	if host == "redd.it" || strings.HasSuffix(host, ".redd.it") {
		id := strings.Split(strings.Trim(u.Path, "/"), "/")[0]
		if id == "" {
			return "", invalidTarget("reddit short link %q", raw)
		}
		path = "/comments/" + id
	}
	path = strings.TrimSuffix(path, ".json")

	q := u.Query()
	q.Set("raw_json", "1")
	if r.oauthEnabled() {
		return r.cfg.OAuthBaseURL + path + "?" + q.Encode(), nil
	}
	return r.cfg.BaseURL + path + ".json?" + q.Encode(), nil
}

// fetchJSON performs one logical API call. Every attempt waits on the
// limiter. Connect failures and timeouts back off by ConnectBackoff*2^n,
// 429 by RateLimitBackoff*2^n; a 401 under OAuth refreshes the token once.
func (r *RedditAdapter) fetchJSON(ctx context.Context, reqURL string, v any) error {
	oauth := r.oauthEnabled()
	refreshed := false

	for attempt := 0; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("reddit rate limit: %w", err)
		}

		var header http.Header
		if oauth {
			token, err := r.accessToken(ctx)
			if err != nil {
				return err
			}
			header = http.Header{"Authorization": {"bearer " + token}}
		}

		r.log.Debug().Str("url", reqURL).Int("attempt", attempt).Msg("request")
		resp, err := r.http.do(ctx, reqURL, header)
		if err != nil {
			if !IsUpstream(err) || attempt >= r.cfg.MaxRetries {
				return err
			}
			backoff := r.cfg.ConnectBackoff << attempt
			r.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("connect failure, retrying")
			if err := sleepContext(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && oauth && !refreshed && attempt < r.cfg.MaxRetries:
			drain(resp.Body)
			resp.Body.Close()
			r.log.Warn().Msg("access token rejected, refreshing")
			r.dropToken()
			refreshed = true
			continue
		case resp.StatusCode == http.StatusTooManyRequests && attempt < r.cfg.MaxRetries:
			drain(resp.Body)
			resp.Body.Close()
			backoff := r.cfg.RateLimitBackoff << attempt
			r.log.Warn().Int("attempt", attempt+1).Dur("backoff", backoff).Msg("rate limited, retrying")
			if err := sleepContext(ctx, backoff); err != nil {
				return err
			}
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			drain(resp.Body)
			resp.Body.Close()
			return statusError(resp.StatusCode, reqURL)
		}

		err = decodeJSON(ctx, resp.Body, reqURL, v)
		resp.Body.Close()
		return err
	}
}

// accessToken returns the cached token or fetches a new one. Concurrent
// refreshes collapse into a single token request.
func (r *RedditAdapter) accessToken(ctx context.Context) (string, error) {
	if token, ok := r.cachedToken(); ok {
		return token, nil
	}

	v, err, _ := r.tokens.Do("token", func() (any, error) {
		// A flight that finished between the check above and Do has
		// already stored a token.
		if token, ok := r.cachedToken(); ok {
			return token, nil
		}
		return r.authenticate(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *RedditAdapter) cachedToken() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return r.token, true
	}
	return "", false
}

func (r *RedditAdapter) dropToken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
	r.tokenExpiry = time.Time{}
}

func (r *RedditAdapter) authenticate(ctx context.Context) (string, error) {
	client, err := r.http.get()
	if err != nil {
		return "", err
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(r.cfg.ClientID, r.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reddit token request: %w", classifyTransportError(ctx, r.cfg.TokenURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return "", fmt.Errorf("reddit token request: %w", statusError(resp.StatusCode, r.cfg.TokenURL))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := decodeJSON(ctx, resp.Body, r.cfg.TokenURL, &tokenResp); err != nil {
		return "", fmt.Errorf("decode reddit token: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", &UpstreamError{Kind: ErrUpstreamHTTP, URL: r.cfg.TokenURL, Err: errors.New("token response without access_token")}
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = 3600
	}

	r.mu.Lock()
	r.token = tokenResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(max(0, tokenResp.ExpiresIn-60)) * time.Second)
	r.mu.Unlock()

	r.log.Info().Int("expires_in", tokenResp.ExpiresIn).Msg("obtained access token")
	return tokenResp.AccessToken, nil
}

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []redditThing `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type redditPost struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Permalink     string  `json:"permalink"`
	Selftext      string  `json:"selftext"`
	Author        string  `json:"author"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	CreatedUTC    float64 `json:"created_utc"`
	LinkFlairText string  `json:"link_flair_text"`
}

type redditComment struct {
	ID         string          `json:"id"`
	Body       string          `json:"body"`
	Author     string          `json:"author"`
	Score      int             `json:"score"`
	CreatedUTC float64         `json:"created_utc"`
	ParentID   string          `json:"parent_id"`
	Replies    json.RawMessage `json:"replies"`
}

func parseRedditPost(raw json.RawMessage, channel string) (Item, error) {
	var post redditPost
	if err := json.Unmarshal(raw, &post); err != nil {
		return Item{}, fmt.Errorf("decode post: %w", err)
	}

	item := Item{
		Source:      SourceReddit,
		ExternalID:  post.ID,
		ItemType:    "post",
		Title:       post.Title,
		Author:      post.Author,
		URL:         post.URL,
		Score:       post.Score,
		NumComments: post.NumComments,
		CreatedAt:   unixUTC(post.CreatedUTC),
		Tags:        []string{},
		Payload:     raw,
		Channel:     channel,
	}
	if item.Author == "" {
		item.Author = redditDeleted
	}
	if post.Selftext != "" {
		text := post.Selftext
		item.Content = &text
	}
	if post.Permalink != "" {
		item.URL = post.Permalink
		if !strings.HasPrefix(post.Permalink, "http") {
			item.URL = redditBaseURL + post.Permalink
		}
	}
	if flair := strings.TrimSpace(post.LinkFlairText); flair != "" {
		item.Tags = append(item.Tags, flair)
	}
	return item, nil
}

// flattenRedditComments walks the tree depth first. Only t1 things are
// kept; "more" placeholders are skipped.
func flattenRedditComments(children []redditThing, depth int, out []Comment) []Comment {
	for _, child := range children {
		if child.Kind != "t1" {
			continue
		}
		var c redditComment
		if err := json.Unmarshal(child.Data, &c); err != nil {
			continue
		}

		comment := Comment{
			Source:     SourceReddit,
			ExternalID: c.ID,
			Content:    c.Body,
			Author:     c.Author,
			Score:      c.Score,
			Depth:      depth,
			CreatedAt:  unixUTC(c.CreatedUTC),
			Payload:    withoutReplies(child.Data),
		}
		if comment.Author == "" {
			comment.Author = redditDeleted
		}
		if strings.HasPrefix(c.ParentID, "t1_") {
			comment.ParentExternalID = strings.TrimPrefix(c.ParentID, "t1_")
		}
		out = append(out, comment)

		// replies is an empty string when there are none.
		if len(c.Replies) > 0 && c.Replies[0] == '{' {
			var replies redditListing
			if err := json.Unmarshal(c.Replies, &replies); err == nil {
				out = flattenRedditComments(replies.Data.Children, depth+1, out)
			}
		}
	}
	return out
}

func withoutReplies(raw json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	if _, ok := fields["replies"]; !ok {
		return raw
	}
	delete(fields, "replies")
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

func isRedditHost(host string) bool {
	host = strings.ToLower(host)
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com") ||
		host == "redd.it" || strings.HasSuffix(host, ".redd.it")
}

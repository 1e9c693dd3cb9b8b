package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/elonfeng/tracehub/internal/ingest"
	"github.com/elonfeng/tracehub/internal/store"
	"github.com/elonfeng/tracehub/pkg/source"
)

type stubAdapter struct {
	err error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Capabilities() source.Capabilities {
	return source.Capabilities{Source: "stub", DisplayName: "Stub", TargetTypes: []string{"feed"}, Feeds: []string{"top"}}
}

func (a *stubAdapter) NormalizeTargetKey(targetType, rawKey string) (string, error) {
	if targetType != "feed" {
		return "", source.ErrUnsupportedTargetType
	}
	if rawKey != "top" {
		return "", source.ErrInvalidTarget
	}
	return rawKey, nil
}

func (a *stubAdapter) FetchTargetItems(ctx context.Context, targetType, targetKey string, limit int, opts source.Options) ([]source.Item, error) {
	if a.err != nil {
		return nil, a.err
	}
	return []source.Item{{
		ExternalID: "42",
		Title:      "Hello",
		Tags:       []string{"news"},
		Payload:    json.RawMessage(`{"id":42}`),
		InlineComments: []source.Comment{
			{ExternalID: "c1", Content: "first"},
		},
	}}, nil
}

func (a *stubAdapter) FetchItemComments(ctx context.Context, itemExternalID, itemURL string, limit int, opts source.Options) ([]source.Comment, error) {
	return nil, nil
}

func (a *stubAdapter) Close() error { return nil }

func newTestServer(t *testing.T, adapter *stubAdapter) *Server {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := ingest.New(source.NewRegistry(adapter), st, zerolog.Nop())
	return New(st, svc, 0, zerolog.Nop())
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubAdapter{})
	rec := do(t, srv, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestCapabilities(t *testing.T) {
	srv := newTestServer(t, &stubAdapter{})
	rec := do(t, srv, "GET", "/api/v1/sources/capabilities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data []struct {
			Source string   `json:"source"`
			Feeds  []string `json:"feeds"`
			Items  int      `json:"items"`
		} `json:"data"`
	}
	decode(t, rec, &body)
	if len(body.Data) != 1 || body.Data[0].Source != "stub" || len(body.Data[0].Feeds) != 1 {
		t.Errorf("unexpected capabilities: %+v", body.Data)
	}
}

func TestFetchAndBrowse(t *testing.T) {
	srv := newTestServer(t, &stubAdapter{})

	rec := do(t, srv, "POST", "/api/v1/sources/fetch",
		`{"source":"stub","target_type":"feed","target_key":"top","include_comments":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var fetched struct {
		Target store.Target      `json:"target"`
		Items  []json.RawMessage `json:"items"`
		Saved  ingest.SaveCounts `json:"saved"`
	}
	decode(t, rec, &fetched)
	if fetched.Saved.ItemsCreated != 1 || fetched.Saved.CommentsCreated != 1 {
		t.Errorf("unexpected counts: %+v", fetched.Saved)
	}
	if fetched.Target.TargetKey != "top" || fetched.Target.LastFetchedAt == nil {
		t.Errorf("unexpected target: %+v", fetched.Target)
	}

	rec = do(t, srv, "GET", "/api/v1/sources/items?source=stub&tag=news", "")
	var list struct {
		Data  []store.Item `json:"data"`
		Count int          `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 1 {
		t.Fatalf("expected one item, got %d", list.Count)
	}
	id := list.Data[0].ID
	idPath := "/api/v1/sources/items/" + jsonInt(id)

	rec = do(t, srv, "GET", idPath, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"payload":{"id":42}`) {
		t.Errorf("expected item with payload, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "GET", idPath+"/comments", "")
	var comments struct {
		Data []store.Comment `json:"data"`
	}
	decode(t, rec, &comments)
	if len(comments.Data) != 1 || comments.Data[0].ExternalID != "c1" {
		t.Errorf("unexpected comments: %+v", comments.Data)
	}

	rec = do(t, srv, "PUT", idPath+"/tags", `{"tags":["keep","review"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 setting tags, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, "GET", "/api/v1/tags", "")
	var tags struct {
		Count int `json:"count"`
	}
	decode(t, rec, &tags)
	if tags.Count != 3 {
		t.Errorf("expected 3 tags overall, got %d", tags.Count)
	}
}

func TestTargetsRoutes(t *testing.T) {
	srv := newTestServer(t, &stubAdapter{})

	rec := do(t, srv, "POST", "/api/v1/sources/targets",
		`{"source":"stub","target_type":"feed","target_key":"top","monitor_enabled":true,"fetch_interval":5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "GET", "/api/v1/sources/targets?monitor=true", "")
	var list struct {
		Data []store.Target `json:"data"`
	}
	decode(t, rec, &list)
	if len(list.Data) != 1 || list.Data[0].FetchInterval != 5 {
		t.Errorf("unexpected targets: %+v", list.Data)
	}

	rec = do(t, srv, "GET", "/api/v1/sources/targets?monitor=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad monitor flag, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		body     string
		status   int
		code     string
		wantStep string
	}{
		{"unknown source", nil, `{"source":"nope","target_type":"feed","target_key":"top"}`, 400, "unknown_source", "resolve_adapter"},
		{"invalid target", nil, `{"source":"stub","target_type":"feed","target_key":"best"}`, 400, "invalid_target", "normalize_target"},
		{"unsupported type", nil, `{"source":"stub","target_type":"story","target_key":"1"}`, 400, "unsupported_target_type", "normalize_target"},
		{"timeout", &source.UpstreamError{Kind: source.ErrUpstreamTimeout}, `{"source":"stub","target_type":"feed","target_key":"top"}`, 504, "upstream_timeout", "fetch_items"},
		{"connect", &source.UpstreamError{Kind: source.ErrUpstreamConnect}, `{"source":"stub","target_type":"feed","target_key":"top"}`, 502, "upstream_connect_failure", "fetch_items"},
		{"rate limited", &source.UpstreamError{Kind: source.ErrUpstreamRateLimited, StatusCode: 429}, `{"source":"stub","target_type":"feed","target_key":"top"}`, 503, "upstream_rate_limited", "fetch_items"},
		{"http", &source.UpstreamError{Kind: source.ErrUpstreamHTTP, StatusCode: 404}, `{"source":"stub","target_type":"feed","target_key":"top"}`, 502, "upstream_http_error", "fetch_items"},
		{"internal", errors.New("disk on fire"), `{"source":"stub","target_type":"feed","target_key":"top"}`, 500, "internal_error", "fetch_items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubAdapter{err: tt.err})
			rec := do(t, srv, "POST", "/api/v1/sources/fetch", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body errorResponse
			decode(t, rec, &body)
			if body.Error != tt.code || body.Step != tt.wantStep || body.Message == "" {
				t.Errorf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestMissingIdentifierIsBadRequest(t *testing.T) {
	status, code := classify(store.ErrMissingIdentifier)
	if status != http.StatusBadRequest || code != "missing_identifier" {
		t.Errorf("got %d %s", status, code)
	}
}

func TestItemNotFoundAndBadID(t *testing.T) {
	srv := newTestServer(t, &stubAdapter{})

	if rec := do(t, srv, "GET", "/api/v1/sources/items/999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, srv, "GET", "/api/v1/sources/items/999/comments", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for comments of missing item, got %d", rec.Code)
	}
	if rec := do(t, srv, "GET", "/api/v1/sources/items/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, "PUT", "/api/v1/sources/items/999/tags", `{"tags":["x"]}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 tagging missing item, got %d", rec.Code)
	}
	if rec := do(t, srv, "POST", "/api/v1/sources/fetch", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
	if rec := do(t, srv, "GET", "/api/v1/sources/items?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func jsonInt(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

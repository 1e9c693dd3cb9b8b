package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/elonfeng/tracehub/pkg/source"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

var fetchTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		s, err := Open(DriverSQLite, path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestUpsertTargetCreatesWithDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target, err := s.UpsertTarget(ctx, TargetUpsert{Source: " Reddit ", TargetType: "SUBREDDIT", TargetKey: "  golang "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.ID == 0 {
		t.Error("expected non-zero target ID")
	}
	if target.Source != "reddit" || target.TargetType != "subreddit" || target.TargetKey != "golang" {
		t.Errorf("unexpected natural key: %s/%s/%s", target.Source, target.TargetType, target.TargetKey)
	}
	if target.DisplayName != "golang" || target.MonitorEnabled || target.FetchInterval != 60 {
		t.Errorf("unexpected defaults: %+v", target)
	}
	if target.LastFetchedAt != nil {
		t.Error("new target should not have last_fetched_at")
	}

	stored, err := s.GetTarget(ctx, target.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if stored.Options == nil || len(stored.Options) != 0 {
		t.Errorf("expected empty options, got %v", stored.Options)
	}
}

func TestUpsertTargetKeepsRedditPrefix(t *testing.T) {
	s := openTestStore(t)
	target, err := s.UpsertTarget(context.Background(), TargetUpsert{Source: "reddit", TargetType: "subreddit", TargetKey: "r/golang"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.TargetKey != "r/golang" {
		t.Errorf("store should only trim keys, got %q", target.TargetKey)
	}
}

func TestUpsertTargetMissingIdentifier(t *testing.T) {
	s := openTestStore(t)
	for _, in := range []TargetUpsert{
		{Source: "", TargetType: "feed", TargetKey: "topstories"},
		{Source: "hackernews", TargetType: "  ", TargetKey: "topstories"},
		{Source: "hackernews", TargetType: "feed", TargetKey: " "},
	} {
		if _, err := s.UpsertTarget(context.Background(), in); !errors.Is(err, ErrMissingIdentifier) {
			t.Errorf("UpsertTarget(%+v) error = %v, want ErrMissingIdentifier", in, err)
		}
	}
}

func TestUpsertTargetPartialUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertTarget(ctx, TargetUpsert{
		Source:         "hackernews",
		TargetType:     "feed",
		TargetKey:      "topstories",
		DisplayName:    ptr("Top"),
		Description:    ptr("front page"),
		MonitorEnabled: ptr(true),
		FetchInterval:  ptr(15),
		Options:        source.Options{"limit": 30},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	last := time.Date(2026, 3, 1, 14, 0, 0, 0, time.FixedZone("CET", 3600))
	second, err := s.UpsertTarget(ctx, TargetUpsert{
		Source:        "hackernews",
		TargetType:    "feed",
		TargetKey:     "topstories",
		FetchInterval: ptr(30),
		LastFetchedAt: &last,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row, got %d and %d", first.ID, second.ID)
	}

	stored, err := s.GetTarget(ctx, first.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if stored.DisplayName != "Top" || stored.Description == nil || *stored.Description != "front page" || !stored.MonitorEnabled {
		t.Errorf("omitted fields should be preserved: %+v", stored)
	}
	if stored.FetchInterval != 30 {
		t.Errorf("expected fetch_interval 30, got %d", stored.FetchInterval)
	}
	if stored.Options.Int("limit", 0) != 30 {
		t.Errorf("options should be preserved, got %v", stored.Options)
	}
	if stored.LastFetchedAt == nil || !stored.LastFetchedAt.Equal(last) || stored.LastFetchedAt.Location() != time.UTC {
		t.Errorf("expected last_fetched_at %v in UTC, got %v", last, stored.LastFetchedAt)
	}

	targets, err := s.ListTargets(ctx, TargetListOpts{MonitorOnly: true})
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if len(targets) != 1 {
		t.Errorf("expected one monitored target, got %d", len(targets))
	}
}

func TestTargetDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Minute)
	old := now.Add(-2 * time.Hour)

	tests := []struct {
		name string
		last *time.Time
		want bool
	}{
		{"never fetched", nil, true},
		{"fetched recently", &recent, false},
		{"interval elapsed", &old, true},
	}
	for _, tt := range tests {
		target := Target{FetchInterval: 60, LastFetchedAt: tt.last}
		if got := target.Due(now); got != tt.want {
			t.Errorf("%s: Due() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func newTarget(t *testing.T, s *Store) *Target {
	t.Helper()
	target, err := s.UpsertTarget(context.Background(), TargetUpsert{Source: "reddit", TargetType: "subreddit", TargetKey: "golang"})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	return target
}

func TestSaveItemsScenarios(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	target := newTarget(t, s)

	items := []source.Item{
		{Source: "reddit", ExternalID: "p1", Title: "Hello", Score: 10, Tags: []string{"Discussion"}, Payload: []byte(`{"id":"p1"}`)},
		{Source: "reddit", ExternalID: "", Title: "malformed"},
	}
	created, updated, err := s.SaveItems(ctx, "reddit", target, items, fetchTime)
	if err != nil {
		t.Fatalf("save items: %v", err)
	}
	if created != 1 || updated != 0 {
		t.Errorf("expected created=1 updated=0, got %d %d", created, updated)
	}

	items[0].Score = 50
	created, updated, err = s.SaveItems(ctx, "reddit", target, items, fetchTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("re-save items: %v", err)
	}
	if created != 0 || updated != 1 {
		t.Errorf("expected created=0 updated=1, got %d %d", created, updated)
	}

	stored, err := s.ListItems(ctx, ItemListOpts{Source: "reddit"})
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly one stored item, got %d", len(stored))
	}
	item := stored[0]
	if item.Score != 50 {
		t.Errorf("expected score 50, got %d", item.Score)
	}
	if item.TargetID == nil || *item.TargetID != target.ID {
		t.Errorf("expected target_id %d, got %v", target.ID, item.TargetID)
	}
	if item.ItemType != "post" {
		t.Errorf("expected default item_type post, got %q", item.ItemType)
	}
	if !item.CreatedAt.Equal(fetchTime) {
		t.Errorf("missing created_at should default to the first fetch time, got %v", item.CreatedAt)
	}
	if !item.FetchedAt.Equal(fetchTime.Add(time.Hour)) {
		t.Errorf("expected refreshed fetched_at, got %v", item.FetchedAt)
	}
	if len(item.Tags) != 1 || item.Tags[0] != "Discussion" {
		t.Errorf("expected Discussion tag, got %v", item.Tags)
	}

	payload, err := s.ItemPayload(ctx, item.ID)
	if err != nil {
		t.Fatalf("item payload: %v", err)
	}
	if string(payload) != `{"id":"p1"}` {
		t.Errorf("unexpected payload %s", payload)
	}
}

func TestSaveItemsNumericDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.SaveItems(ctx, "hackernews", nil, []source.Item{{ExternalID: "42", Title: "no numbers"}}, fetchTime)
	if err != nil {
		t.Fatalf("save items: %v", err)
	}
	found, err := s.ItemsByExternalID(ctx, "hackernews", []string{"42"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	item, ok := found["42"]
	if !ok {
		t.Fatal("expected item 42")
	}
	if item.Score != 0 || item.NumComments != 0 || item.TargetID != nil {
		t.Errorf("unexpected defaults: %+v", item)
	}
}

func TestSaveItemsTagsAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []source.Item{{ExternalID: "p1", Tags: []string{"news", " news "}}}
	if _, _, err := s.SaveItems(ctx, "reddit", nil, first, fetchTime); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := []source.Item{{ExternalID: "p1", Tags: []string{"meta"}}}
	if _, _, err := s.SaveItems(ctx, "reddit", nil, second, fetchTime); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	third := []source.Item{{ExternalID: "p1"}}
	if _, _, err := s.SaveItems(ctx, "reddit", nil, third, fetchTime); err != nil {
		t.Fatalf("re-save without tags: %v", err)
	}

	found, _ := s.ItemsByExternalID(ctx, "reddit", []string{"p1"})
	tags, err := s.ItemTags(ctx, found["p1"].ID)
	if err != nil {
		t.Fatalf("item tags: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "meta" || tags[1].Name != "news" {
		t.Errorf("expected tags meta,news, got %+v", tags)
	}
	if tags[0].Color != "#1890ff" {
		t.Errorf("expected default color, got %q", tags[0].Color)
	}

	all, err := s.ListTags(ctx)
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 distinct tags, got %d", len(all))
	}
}

func TestSetItemTagsReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.SaveItems(ctx, "reddit", nil, []source.Item{{ExternalID: "p1", Tags: []string{"auto"}}}, fetchTime); err != nil {
		t.Fatalf("save: %v", err)
	}
	found, _ := s.ItemsByExternalID(ctx, "reddit", []string{"p1"})
	id := found["p1"].ID

	tags, err := s.SetItemTags(ctx, id, []string{"manual", "review"})
	if err != nil {
		t.Fatalf("set tags: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "manual" || tags[1].Name != "review" {
		t.Errorf("unexpected tags after replace: %+v", tags)
	}

	if _, err := s.SetItemTags(ctx, 9999, []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown item, got %v", err)
	}
}

func saveItem(t *testing.T, s *Store, src, extID string) *Item {
	t.Helper()
	ctx := context.Background()
	if _, _, err := s.SaveItems(ctx, src, nil, []source.Item{{ExternalID: extID, Title: extID}}, fetchTime); err != nil {
		t.Fatalf("save item %s: %v", extID, err)
	}
	found, err := s.ItemsByExternalID(ctx, src, []string{extID})
	if err != nil || found[extID] == nil {
		t.Fatalf("lookup item %s: %v", extID, err)
	}
	return found[extID]
}

func TestSaveCommentsResolvesParentsInBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := saveItem(t, s, "reddit", "abc")

	comments := []source.Comment{
		{ExternalID: "c1", Content: "root", Payload: []byte(`{"id":"c1"}`)},
		{ExternalID: "c2", Content: "reply", ParentExternalID: "c1", Depth: 1},
	}
	created, updated, err := s.SaveComments(ctx, "reddit", item, comments, fetchTime)
	if err != nil {
		t.Fatalf("save comments: %v", err)
	}
	if created != 2 || updated != 0 {
		t.Errorf("expected created=2 updated=0, got %d %d", created, updated)
	}

	stored, err := s.ListComments(ctx, item.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(stored))
	}
	if stored[0].ParentID != nil {
		t.Errorf("c1 should be a root, got parent %d", *stored[0].ParentID)
	}
	if stored[1].ParentID == nil || *stored[1].ParentID != stored[0].ID {
		t.Errorf("c2 parent = %v, want %d", stored[1].ParentID, stored[0].ID)
	}
	if stored[0].Score != 0 {
		t.Errorf("missing score should be 0, got %d", stored[0].Score)
	}

	payload, err := s.CommentPayload(ctx, stored[0].ID)
	if err != nil || string(payload) != `{"id":"c1"}` {
		t.Errorf("unexpected comment payload %s, %v", payload, err)
	}

	created, updated, err = s.SaveComments(ctx, "reddit", item, comments, fetchTime)
	if err != nil {
		t.Fatalf("re-save comments: %v", err)
	}
	if created != 0 || updated != 2 {
		t.Errorf("expected created=0 updated=2 on re-save, got %d %d", created, updated)
	}
}

func TestSaveCommentsRootDemotion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := saveItem(t, s, "hackernews", "100")

	comments := []source.Comment{
		{ExternalID: "101", Content: "orphan", ParentExternalID: "999"},
		{ExternalID: "102", Content: "self", ParentExternalID: "102"},
	}
	if _, _, err := s.SaveComments(ctx, "hackernews", item, comments, fetchTime); err != nil {
		t.Fatalf("save comments: %v", err)
	}

	stored, _ := s.ListComments(ctx, item.ID)
	for _, c := range stored {
		if c.ParentID != nil {
			t.Errorf("comment %s should be demoted to root, got parent %d", c.ExternalID, *c.ParentID)
		}
	}
}

func TestSaveCommentsParentFromStorage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := saveItem(t, s, "reddit", "abc")
	other := saveItem(t, s, "reddit", "xyz")

	if _, _, err := s.SaveComments(ctx, "reddit", item, []source.Comment{{ExternalID: "c1"}}, fetchTime); err != nil {
		t.Fatalf("save parent: %v", err)
	}
	if _, _, err := s.SaveComments(ctx, "reddit", other, []source.Comment{{ExternalID: "o1"}}, fetchTime); err != nil {
		t.Fatalf("save other: %v", err)
	}

	batch := []source.Comment{
		{ExternalID: "c2", ParentExternalID: "c1", Depth: 1},
		{ExternalID: "c3", ParentExternalID: "o1", Depth: 1},
	}
	if _, _, err := s.SaveComments(ctx, "reddit", item, batch, fetchTime); err != nil {
		t.Fatalf("save children: %v", err)
	}

	stored, _ := s.ListComments(ctx, item.ID)
	byExt := map[string]Comment{}
	for _, c := range stored {
		byExt[c.ExternalID] = c
	}
	if p := byExt["c2"].ParentID; p == nil || *p != byExt["c1"].ID {
		t.Errorf("c2 should link to the stored c1, got %v", p)
	}
	if p := byExt["c3"].ParentID; p != nil {
		t.Errorf("c3 parent belongs to another item and should be demoted, got %d", *p)
	}
}

func TestSaveCommentsMovedParentDetachesChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := saveItem(t, s, "reddit", "abc")
	other := saveItem(t, s, "reddit", "xyz")

	batch := []source.Comment{
		{ExternalID: "p1"},
		{ExternalID: "k1", ParentExternalID: "p1", Depth: 1},
	}
	if _, _, err := s.SaveComments(ctx, "reddit", item, batch, fetchTime); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	_, updated, err := s.SaveComments(ctx, "reddit", other, []source.Comment{{ExternalID: "p1"}}, fetchTime)
	if err != nil {
		t.Fatalf("move parent: %v", err)
	}
	if updated != 1 {
		t.Errorf("expected the parent to be updated, got %d", updated)
	}

	left, _ := s.ListComments(ctx, item.ID)
	if len(left) != 1 || left[0].ExternalID != "k1" {
		t.Fatalf("expected only k1 under the first item, got %+v", left)
	}
	if left[0].ParentID != nil {
		t.Errorf("k1 parent moved to another item and should be a root, got %d", *left[0].ParentID)
	}

	moved, _ := s.ListComments(ctx, other.ID)
	if len(moved) != 1 || moved[0].ExternalID != "p1" {
		t.Errorf("expected p1 under the second item, got %+v", moved)
	}
}

func TestSaveCommentsSkipsMissingIDs(t *testing.T) {
	s := openTestStore(t)
	item := saveItem(t, s, "reddit", "abc")

	created, _, err := s.SaveComments(context.Background(), "reddit", item, []source.Comment{{Content: "no id"}, {ExternalID: "c1"}}, fetchTime)
	if err != nil {
		t.Fatalf("save comments: %v", err)
	}
	if created != 1 {
		t.Errorf("expected 1 created, got %d", created)
	}
}

func TestInTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.SaveItems(ctx, "reddit", nil, []source.Item{{ExternalID: "p1"}}, fetchTime); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	counts, err := s.CountItemsBySource(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["reddit"] != 0 {
		t.Errorf("expected rollback, found %d items", counts["reddit"])
	}
}

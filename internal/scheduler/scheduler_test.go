package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/tracehub/internal/ingest"
	"github.com/elonfeng/tracehub/internal/store"
	"github.com/elonfeng/tracehub/pkg/source"
)

type call struct {
	key   string
	limit int
}

type recordingAdapter struct {
	mu    sync.Mutex
	calls []call
}

func (a *recordingAdapter) Name() string { return "fake" }

func (a *recordingAdapter) Capabilities() source.Capabilities {
	return source.Capabilities{Source: "fake", TargetTypes: []string{"feed"}}
}

func (a *recordingAdapter) NormalizeTargetKey(targetType, rawKey string) (string, error) {
	return rawKey, nil
}

func (a *recordingAdapter) FetchTargetItems(ctx context.Context, targetType, targetKey string, limit int, opts source.Options) ([]source.Item, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call{key: targetKey, limit: limit})
	a.mu.Unlock()
	if targetKey == "broken" {
		return nil, errors.New("upstream exploded")
	}
	return []source.Item{{ExternalID: targetKey + "-1", Title: "item"}}, nil
}

func (a *recordingAdapter) FetchItemComments(ctx context.Context, itemExternalID, itemURL string, limit int, opts source.Options) ([]source.Comment, error) {
	return nil, nil
}

func (a *recordingAdapter) Close() error { return nil }

func setup(t *testing.T) (*Scheduler, *store.Store, *recordingAdapter) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	adapter := &recordingAdapter{}
	svc := ingest.New(source.NewRegistry(adapter), st, zerolog.Nop())
	return New(st, svc, 0, zerolog.Nop()), st, adapter
}

func addTarget(t *testing.T, st *store.Store, key string, monitor bool, last *time.Time, opts source.Options) {
	t.Helper()
	_, err := st.UpsertTarget(context.Background(), store.TargetUpsert{
		Source:         "fake",
		TargetType:     "feed",
		TargetKey:      key,
		MonitorEnabled: &monitor,
		Options:        opts,
		LastFetchedAt:  last,
	})
	if err != nil {
		t.Fatalf("add target %s: %v", key, err)
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	s, _, _ := setup(t)
	if s.interval != time.Minute {
		t.Errorf("expected 1m default interval, got %s", s.interval)
	}
}

func TestRunOnceFetchesDueTargets(t *testing.T) {
	s, st, adapter := setup(t)
	ctx := context.Background()

	recent := time.Now().UTC().Add(-time.Minute)
	addTarget(t, st, "due", true, nil, source.Options{"limit": 7})
	addTarget(t, st, "fresh", true, &recent, nil)
	addTarget(t, st, "idle", false, nil, nil)
	addTarget(t, st, "broken", true, nil, nil)

	if ok := s.RunOnce(ctx); ok != 1 {
		t.Errorf("expected 1 successful fetch, got %d", ok)
	}

	fetched := map[string]int{}
	for _, c := range adapter.calls {
		fetched[c.key] = c.limit
	}
	if len(fetched) != 2 {
		t.Fatalf("expected due and broken to be fetched, got %v", adapter.calls)
	}
	if fetched["due"] != 7 {
		t.Errorf("expected limit from options, got %d", fetched["due"])
	}
	if fetched["broken"] != 50 {
		t.Errorf("expected default limit 50, got %d", fetched["broken"])
	}

	due, err := st.FindTarget(ctx, "fake", "feed", "due")
	if err != nil {
		t.Fatalf("find target: %v", err)
	}
	if due.LastFetchedAt == nil {
		t.Error("expected last_fetched_at after scheduled fetch")
	}

	// The fetched target is no longer due; only the failing one is retried.
	adapter.calls = nil
	s.RunOnce(ctx)
	if len(adapter.calls) != 1 || adapter.calls[0].key != "broken" {
		t.Errorf("expected only broken to be retried, got %v", adapter.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

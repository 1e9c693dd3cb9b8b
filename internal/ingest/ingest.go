package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/elonfeng/tracehub/internal/store"
	"github.com/elonfeng/tracehub/pkg/source"
)

// Step names reported in StepError.
const (
	StepResolveAdapter  = "resolve_adapter"
	StepNormalizeTarget = "normalize_target"
	StepUpsertTarget    = "upsert_target"
	StepFetchItems      = "fetch_items"
	StepFetchComments   = "fetch_comments"
	StepSaveItems       = "save_items"
	StepSaveComments    = "save_comments"
	StepUpdateTarget    = "update_target"
)

// StepError records which fetch step failed. It unwraps to the cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// StepOf returns the failed step name, or "" when err carries none.
func StepOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// Request describes one fetch-and-ingest run.
type Request struct {
	Source          string         `json:"source"`
	TargetType      string         `json:"target_type"`
	TargetKey       string         `json:"target_key"`
	Limit           int            `json:"limit"`
	IncludeComments bool           `json:"include_comments"`
	CommentLimit    int            `json:"comment_limit"`
	Options         source.Options `json:"options"`
}

// SaveCounts aggregates rows created and updated during a run.
type SaveCounts struct {
	ItemsCreated    int `json:"items_created"`
	ItemsUpdated    int `json:"items_updated"`
	CommentsCreated int `json:"comments_created"`
	CommentsUpdated int `json:"comments_updated"`
}

// Result is what a run returns: the persisted target, the items as the
// adapter produced them, and the save counts.
type Result struct {
	RunID  string        `json:"run_id"`
	Target *store.Target `json:"target"`
	Items  []source.Item `json:"items"`
	Saved  SaveCounts    `json:"saved"`
}

// TargetRequest registers a target without fetching it.
type TargetRequest struct {
	Source         string         `json:"source"`
	TargetType     string         `json:"target_type"`
	TargetKey      string         `json:"target_key"`
	DisplayName    *string        `json:"display_name"`
	Description    *string        `json:"description"`
	MonitorEnabled *bool          `json:"monitor_enabled"`
	FetchInterval  *int           `json:"fetch_interval"`
	Options        source.Options `json:"options"`
}

// Service fetches targets through the adapter registry and persists them.
type Service struct {
	registry *source.Registry
	store    *store.Store
	logger   zerolog.Logger
	now      func() time.Time
	flight   singleflight.Group

	// DefaultLimit applies when a request's Limit is not positive.
	DefaultLimit int
}

// New creates a Service.
func New(registry *source.Registry, st *store.Store, logger zerolog.Logger) *Service {
	return &Service{
		registry:     registry,
		store:        st,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		DefaultLimit: 25,
	}
}

// Registry returns the adapter registry the service fetches through.
func (s *Service) Registry() *source.Registry { return s.registry }

// FetchAndIngest resolves the adapter, persists the target, fetches items
// (and optionally comments) and saves them. The target upsert is committed
// on its own; item and comment writes and the last_fetched_at stamp share
// one transaction, so a failure leaves no partial item writes behind.
//
// Concurrent identical requests share one run. The shared run is not
// canceled with any single caller; a caller whose ctx ends stops waiting.
func (s *Service) FetchAndIngest(ctx context.Context, req Request) (*Result, error) {
	key, err := s.flightKey(req)
	if err != nil {
		return nil, err
	}
	ch := s.flight.DoChan(key, func() (any, error) {
		return s.run(context.WithoutCancel(ctx), req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*Result)
		if r.Shared {
			s.logger.Debug().Str("run_id", res.RunID).Msg("joined in-flight fetch")
		}
		return res, nil
	}
}

func (s *Service) run(ctx context.Context, req Request) (*Result, error) {
	runID := uuid.NewString()
	src := source.NormalizeSource(req.Source)
	targetType := source.NormalizeTargetType(req.TargetType)
	log := s.logger.With().
		Str("run_id", runID).
		Str("source", src).
		Str("target_type", targetType).
		Str("target_key", req.TargetKey).
		Logger()

	adapter, err := s.registry.Get(src)
	if err != nil {
		return nil, stepErr(StepResolveAdapter, err)
	}

	key, err := adapter.NormalizeTargetKey(targetType, req.TargetKey)
	if err != nil {
		return nil, stepErr(StepNormalizeTarget, err)
	}

	fetchedAt := s.now()
	upsert := store.TargetUpsert{Source: src, TargetType: targetType, TargetKey: key}
	if req.Options != nil {
		upsert.Options = req.Options
	}
	target, err := s.store.UpsertTarget(ctx, upsert)
	if err != nil {
		return nil, stepErr(StepUpsertTarget, err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.DefaultLimit
	}
	opts := req.Options.Clone()

	log.Info().Int("limit", limit).Bool("include_comments", req.IncludeComments).Msg("fetching target")

	items, err := adapter.FetchTargetItems(ctx, targetType, key, limit, opts)
	if err != nil {
		log.Warn().Err(err).Msg("fetch items failed")
		return nil, stepErr(StepFetchItems, err)
	}

	commentLimit := max(1, req.CommentLimit)
	var comments map[string][]source.Comment
	if req.IncludeComments {
		comments, err = s.fetchComments(ctx, adapter, items, commentLimit, opts)
		if err != nil {
			log.Warn().Err(err).Msg("fetch comments failed")
			return nil, stepErr(StepFetchComments, err)
		}
	}

	var saved SaveCounts
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		created, updated, err := tx.SaveItems(ctx, src, target, items, fetchedAt)
		if err != nil {
			return stepErr(StepSaveItems, err)
		}
		saved.ItemsCreated, saved.ItemsUpdated = created, updated

		if len(comments) > 0 {
			ids := make([]string, 0, len(comments))
			for id := range comments {
				ids = append(ids, id)
			}
			persisted, err := tx.ItemsByExternalID(ctx, src, ids)
			if err != nil {
				return stepErr(StepSaveComments, err)
			}
			done := make(map[string]bool, len(persisted))
			for _, it := range items {
				extID := strings.TrimSpace(it.ExternalID)
				row, ok := persisted[extID]
				if !ok || done[extID] {
					continue
				}
				done[extID] = true
				batch := comments[extID]
				if len(batch) > commentLimit {
					batch = batch[:commentLimit]
				}
				created, updated, err := tx.SaveComments(ctx, src, row, batch, fetchedAt)
				if err != nil {
					return stepErr(StepSaveComments, err)
				}
				saved.CommentsCreated += created
				saved.CommentsUpdated += updated
			}
		}

		if err := tx.MarkTargetFetched(ctx, target.ID, fetchedAt); err != nil {
			return stepErr(StepUpdateTarget, err)
		}
		target, err = tx.GetTarget(ctx, target.ID)
		if err != nil {
			return stepErr(StepUpdateTarget, err)
		}
		return nil
	})
	if err != nil {
		if StepOf(err) == "" {
			err = stepErr(StepUpdateTarget, err)
		}
		log.Error().Err(err).Msg("ingest rolled back")
		return nil, err
	}

	log.Info().
		Int("items", len(items)).
		Int("items_created", saved.ItemsCreated).
		Int("items_updated", saved.ItemsUpdated).
		Int("comments_created", saved.CommentsCreated).
		Int("comments_updated", saved.CommentsUpdated).
		Msg("fetch complete")

	if items == nil {
		items = []source.Item{}
	}
	return &Result{RunID: runID, Target: target, Items: items, Saved: saved}, nil
}

// fetchComments gathers comments per item external id. Inline comments are
// reused; otherwise the adapter is asked. Items without an external id are
// never stored, so they get no comments.
func (s *Service) fetchComments(ctx context.Context, adapter source.Adapter, items []source.Item, limit int, opts source.Options) (map[string][]source.Comment, error) {
	out := make(map[string][]source.Comment, len(items))
	for i := range items {
		it := &items[i]
		extID := strings.TrimSpace(it.ExternalID)
		if extID == "" {
			continue
		}
		if _, done := out[extID]; done {
			continue
		}
		if it.HasInlineComments() {
			out[extID] = it.InlineComments
			continue
		}
		comments, err := adapter.FetchItemComments(ctx, extID, it.URL, limit, opts)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", extID, err)
		}
		out[extID] = comments
	}
	return out, nil
}

// RegisterTarget normalizes the key through the source's adapter and
// upserts the target without fetching it.
func (s *Service) RegisterTarget(ctx context.Context, req TargetRequest) (*store.Target, error) {
	src := source.NormalizeSource(req.Source)
	targetType := source.NormalizeTargetType(req.TargetType)

	adapter, err := s.registry.Get(src)
	if err != nil {
		return nil, stepErr(StepResolveAdapter, err)
	}
	key, err := adapter.NormalizeTargetKey(targetType, req.TargetKey)
	if err != nil {
		return nil, stepErr(StepNormalizeTarget, err)
	}

	target, err := s.store.UpsertTarget(ctx, store.TargetUpsert{
		Source:         src,
		TargetType:     targetType,
		TargetKey:      key,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		MonitorEnabled: req.MonitorEnabled,
		FetchInterval:  req.FetchInterval,
		Options:        req.Options,
	})
	if err != nil {
		return nil, stepErr(StepUpsertTarget, err)
	}
	s.logger.Info().
		Int64("target_id", target.ID).
		Str("source", target.Source).
		Str("target_type", target.TargetType).
		Str("target_key", target.TargetKey).
		Msg("target registered")
	return target, nil
}

// flightKey identifies a request by its normalized target and bounds.
// Keys the adapter rejects are left as given; run reports the error.
func (s *Service) flightKey(req Request) (string, error) {
	src := source.NormalizeSource(req.Source)
	targetType := source.NormalizeTargetType(req.TargetType)
	key := strings.TrimSpace(req.TargetKey)
	if adapter, err := s.registry.Get(src); err == nil {
		if normalized, err := adapter.NormalizeTargetKey(targetType, req.TargetKey); err == nil {
			key = normalized
		}
	}

	opts, err := json.Marshal(req.Options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return strings.Join([]string{
		src,
		targetType,
		key,
		strconv.Itoa(req.Limit),
		strconv.FormatBool(req.IncludeComments),
		strconv.Itoa(req.CommentLimit),
		string(opts),
	}, "|"), nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/tracehub/internal/config"
	"github.com/elonfeng/tracehub/internal/ingest"
	"github.com/elonfeng/tracehub/internal/logging"
	"github.com/elonfeng/tracehub/internal/scheduler"
	"github.com/elonfeng/tracehub/internal/store"
	"github.com/elonfeng/tracehub/pkg/server"
	"github.com/elonfeng/tracehub/pkg/source"
)

type fetchOptions struct {
	source          string
	targetType      string
	targetKey       string
	limit           int
	includeComments bool
	commentLimit    int
	sort            string
	extra           map[string]string
}

type targetOptions struct {
	source      string
	targetType  string
	targetKey   string
	displayName string
	description string
	monitor     bool
	interval    int
	options     map[string]string
}

// app bundles the dependencies every command needs.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	registry *source.Registry
	ingest   *ingest.Service
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	db, err := store.Open(cfg.Database.Driver, cfg.Database.Source())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := buildRegistry(cfg, logger)
	svc := ingest.New(registry, db, logger.With().Str("component", "ingest").Logger())
	if cfg.Fetch.Limit > 0 {
		svc.DefaultLimit = cfg.Fetch.Limit
	}

	return &app{cfg: cfg, logger: logger, store: db, registry: registry, ingest: svc}, nil
}

func (a *app) Close() {
	if err := a.registry.CloseAll(); err != nil {
		a.logger.Warn().Err(err).Msg("close adapters")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
}

func buildRegistry(cfg *config.Config, logger zerolog.Logger) *source.Registry {
	var adapters []source.Adapter
	proxy := cfg.HTTP.Proxy()

	if r := cfg.Sources.Reddit; r.Enabled {
		delay := r.ParseRequestDelay()
		if delay == 0 {
			delay = -1
		}
		adapters = append(adapters, source.NewReddit(source.RedditConfig{
			ClientID:         r.ClientID,
			ClientSecret:     r.ClientSecret,
			UserAgent:        r.UserAgent,
			RequestDelay:     delay,
			Timeout:          r.ParseTimeout(),
			MaxRetries:       r.RetryLimit(),
			ConnectBackoff:   r.ParseConnectBackoff(),
			RateLimitBackoff: r.ParseRateLimitBackoff(),
			ProxyURL:         proxy,
		}, logger))
	}
	if h := cfg.Sources.HackerNews; h.Enabled {
		adapters = append(adapters, source.NewHackerNews(source.HackerNewsConfig{
			Timeout:     h.ParseTimeout(),
			Concurrency: h.Concurrency,
			ProxyURL:    proxy,
		}, logger))
	}

	return source.NewRegistry(adapters...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runFetch(cmd *cobra.Command, opts fetchOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	options := stringOptions(opts.extra)
	if opts.sort != "" {
		if options == nil {
			options = source.Options{}
		}
		options["sort"] = opts.sort
	}

	commentLimit := opts.commentLimit
	if commentLimit <= 0 {
		commentLimit = a.cfg.Fetch.CommentLimit
	}

	res, err := a.ingest.FetchAndIngest(ctx, ingest.Request{
		Source:          opts.source,
		TargetType:      opts.targetType,
		TargetKey:       opts.targetKey,
		Limit:           opts.limit,
		IncludeComments: opts.includeComments,
		CommentLimit:    commentLimit,
		Options:         options,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, res)
	}

	fmt.Fprintf(out, "target #%d %s/%s/%s\n", res.Target.ID, res.Target.Source, res.Target.TargetType, res.Target.TargetKey)
	fmt.Fprintf(out, "fetched %d items: %d created, %d updated\n", len(res.Items), res.Saved.ItemsCreated, res.Saved.ItemsUpdated)
	if opts.includeComments {
		fmt.Fprintf(out, "comments: %d created, %d updated\n", res.Saved.CommentsCreated, res.Saved.CommentsUpdated)
	}
	return nil
}

func runTargetsList(cmd *cobra.Command, src string, monitorOnly bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := a.store.ListTargets(cmd.Context(), store.TargetListOpts{Source: src, MonitorOnly: monitorOnly})
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, targets)
	}
	if len(targets) == 0 {
		fmt.Fprintln(out, "no targets registered (try: tracehub targets add reddit subreddit golang --monitor)")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tTYPE\tKEY\tMONITOR\tINTERVAL\tLAST FETCHED")
	for _, t := range targets {
		last := "never"
		if t.LastFetchedAt != nil {
			last = t.LastFetchedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%dm\t%s\n",
			t.ID, t.Source, t.TargetType, t.TargetKey, t.MonitorEnabled, t.FetchInterval, last)
	}
	return w.Flush()
}

func runTargetsAdd(cmd *cobra.Command, opts targetOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	req := ingest.TargetRequest{
		Source:     opts.source,
		TargetType: opts.targetType,
		TargetKey:  opts.targetKey,
		Options:    stringOptions(opts.options),
	}
	flags := cmd.Flags()
	if flags.Changed("name") {
		req.DisplayName = &opts.displayName
	}
	if flags.Changed("description") {
		req.Description = &opts.description
	}
	if flags.Changed("monitor") {
		req.MonitorEnabled = &opts.monitor
	}
	if flags.Changed("interval") {
		req.FetchInterval = &opts.interval
	}

	target, err := a.ingest.RegisterTarget(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, target)
	}
	fmt.Fprintf(out, "target #%d %s/%s/%s (monitor: %t, every %dm)\n",
		target.ID, target.Source, target.TargetType, target.TargetKey, target.MonitorEnabled, target.FetchInterval)
	return nil
}

func runCapabilities(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	registry := buildRegistry(cfg, zerolog.Nop())
	defer registry.CloseAll()

	caps := registry.Capabilities()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, caps)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tTARGET TYPES\tSORTS\tFEEDS")
	for _, c := range caps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Source,
			strings.Join(c.TargetTypes, ","), dash(c.Sorts), dash(c.Feeds))
	}
	return w.Flush()
}

func runItems(cmd *cobra.Command, src, tag string, limit int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.store.ListItems(cmd.Context(), store.ItemListOpts{Source: src, Tag: tag, Limit: limit})
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "no items found (try fetching first: tracehub fetch hackernews feed topstories)")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSCORE\tCOMMENTS\tTITLE\tFETCHED")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			it.ID, it.Source, it.Score, it.NumComments, clip(it.Title, 60), it.FetchedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, port int, withScheduler bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(a.store, a.ingest, port, a.logger.With().Str("component", "server").Logger())
	srv.DefaultLimit = a.ingest.DefaultLimit
	if a.cfg.Fetch.CommentLimit > 0 {
		srv.DefaultCommentLimit = a.cfg.Fetch.CommentLimit
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if withScheduler {
		sched := scheduler.New(a.store, a.ingest, a.cfg.Schedule.ParseCheckInterval(),
			a.logger.With().Str("component", "scheduler").Logger())
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runBackfill(cmd *cobra.Command) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.BackfillLegacy(cmd.Context())
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, stats)
	}
	if stats.Skipped() {
		fmt.Fprintln(out, "no legacy rows found")
		return nil
	}
	fmt.Fprintf(out, "targets: %d\nitems: %d\nitem payloads: %d\ncomments: %d\ncomment parents: %d\ncomment payloads: %d\nitem tags: %d\n",
		stats.Targets, stats.Items, stats.ItemPayloads, stats.Comments, stats.CommentParents, stats.CommentPayloads, stats.ItemTags)
	return nil
}

func stringOptions(in map[string]string) source.Options {
	if len(in) == 0 {
		return nil
	}
	out := make(source.Options, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

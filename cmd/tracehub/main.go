package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	jsonOutput bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tracehub",
		Short:         "Fetch and store posts and comments from Reddit and Hacker News",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddCommand(fetchCmd())
	root.AddCommand(targetsCmd())
	root.AddCommand(capabilitiesCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(backfillCmd())

	return root
}

func fetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:   "fetch <source> <target-type> <target-key>",
		Short: "Fetch one target and store its items",
		Example: `  tracehub fetch reddit subreddit r/golang --limit 50 --sort new
  tracehub fetch hackernews feed topstories --comments
  tracehub fetch reddit post_url https://www.reddit.com/r/golang/comments/abc/title/`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.source, opts.targetType, opts.targetKey = args[0], args[1], args[2]
			return runFetch(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.limit, "limit", 0, "max items to fetch (default: from config)")
	cmd.Flags().BoolVar(&opts.includeComments, "comments", false, "also fetch and store comments")
	cmd.Flags().IntVar(&opts.commentLimit, "comment-limit", 0, "max comments per item (default: from config)")
	cmd.Flags().StringVar(&opts.sort, "sort", "", "listing sort order (reddit: hot, new, top, rising)")
	cmd.Flags().StringToStringVar(&opts.extra, "option", nil, "extra adapter options as key=value")
	return cmd
}

func targetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage registered targets",
	}

	var listSource string
	var monitorOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargetsList(cmd, listSource, monitorOnly)
		},
	}
	list.Flags().StringVar(&listSource, "source", "", "only targets of this source")
	list.Flags().BoolVar(&monitorOnly, "monitored", false, "only monitor-enabled targets")

	var add targetOptions
	addCmd := &cobra.Command{
		Use:   "add <source> <target-type> <target-key>",
		Short: "Register or update a target",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			add.source, add.targetType, add.targetKey = args[0], args[1], args[2]
			return runTargetsAdd(cmd, add)
		},
	}
	addCmd.Flags().StringVar(&add.displayName, "name", "", "display name")
	addCmd.Flags().StringVar(&add.description, "description", "", "description")
	addCmd.Flags().BoolVar(&add.monitor, "monitor", false, "enable scheduled fetching")
	addCmd.Flags().IntVar(&add.interval, "interval", 0, "fetch interval in minutes")
	addCmd.Flags().StringToStringVar(&add.options, "option", nil, "adapter options as key=value (limit, sort, include_comments, comment_limit)")

	cmd.AddCommand(list, addCmd)
	return cmd
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Show supported sources and target types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities(cmd)
		},
	}
}

func itemsCmd() *cobra.Command {
	var (
		src   string
		tag   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List stored items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItems(cmd, src, tag, limit)
		},
	}

	cmd.Flags().StringVar(&src, "source", "", "only items from this source")
	cmd.Flags().StringVar(&tag, "tag", "", "only items with this tag")
	cmd.Flags().IntVar(&limit, "limit", 20, "max items to show")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port, false)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port, true)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Copy legacy Reddit tables into the unified schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd)
		},
	}
}

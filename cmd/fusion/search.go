package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/models"
)

func newSearchCmd(load func() *config.Config) *cobra.Command {
	var (
		ids     []string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one aggregation in-process and print the merged results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := load()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			feed, err := search(ctx, cfg, strings.Join(args, " "), ids)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(feed)
			}
			printFeed(os.Stdout, feed)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&ids, "sources", "s", nil, "source ids to query (default: first sources of the default category)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the feed as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up waiting for the feed to settle after this long")
	return cmd
}

// search returns the feed once it settles, or whatever was gathered when ctx
// ends.
func search(ctx context.Context, cfg *config.Config, query string, ids []string) (models.Feed, error) {
	rt, err := newRuntime(ctx, cfg, false)
	if err != nil {
		return models.Feed{}, err
	}
	defer rt.close()

	updates := rt.agg.Subscribe(ctx)
	task, err := rt.agg.StartTask(ctx, query, ids)
	if err != nil {
		return models.Feed{}, err
	}

	for {
		select {
		case feed, ok := <-updates:
			if !ok {
				return rt.agg.Feed(), nil
			}
			if feed.TaskID == task.ID && (feed.State == models.FeedSettled || feed.State == models.FeedEmpty) {
				return feed, nil
			}
		case <-ctx.Done():
			return rt.agg.Feed(), nil
		}
	}
}

func printFeed(w io.Writer, feed models.Feed) {
	fmt.Fprintf(w, "%s: %d results (%s; %d/%d sources settled, %d dropped)\n\n",
		feed.Query, feed.Count, feed.State, feed.Settled, feed.Targeted, feed.Dropped)
	for i, r := range feed.Records {
		fmt.Fprintf(w, "%2d. %s\n    %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(w, "    %s\n", r.Snippet)
		}
		fmt.Fprintf(w, "    [%s]\n\n", r.Source)
	}
	if len(feed.Intercepted) > 0 {
		fmt.Fprintf(w, "verification required: %s\n", strings.Join(feed.Intercepted, ", "))
	}
}

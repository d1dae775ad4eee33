package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jacentio/wicker/checkpoint"
	"github.com/jacentio/wicker/store"
	"github.com/jacentio/wicker/stream"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Since        string
	Selector     string
	DocIDs       []string
	IncludeDocs  bool
	Limit        int
	CheckpointDB string
	Name         string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the change feed",
		Long: `Tail the change feed, printing one JSON event per line.

With --checkpoint-db and --name, the position is persisted after each event
and the next watch with the same name resumes where this one stopped.

Example:
  wickerctl watch --selector '{"kind": "order"}' --include-docs
  wickerctl watch --checkpoint-db ./watch.db --name orders`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "sequence token to resume after (\"now\" skips history)")
	cmd.Flags().StringVar(&opts.Selector, "selector", "", "JSON selector filtering the feed")
	cmd.Flags().StringSliceVar(&opts.DocIDs, "doc-id", nil, "restrict the feed to these ids")
	cmd.Flags().BoolVar(&opts.IncludeDocs, "include-docs", false, "attach document snapshots to events")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many events (0 = run until interrupted)")
	cmd.Flags().StringVar(&opts.CheckpointDB, "checkpoint-db", "", "path to a checkpoint database")
	cmd.Flags().StringVar(&opts.Name, "name", "watch", "checkpoint name within the database")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	client, err := opts.newClient()
	if err != nil {
		return err
	}

	subOpts := stream.Options{
		Since:       opts.Since,
		DocIDs:      opts.DocIDs,
		IncludeDocs: opts.IncludeDocs,
		Limit:       opts.Limit,
	}
	if opts.Selector != "" {
		var selector store.Selector
		if err := json.Unmarshal([]byte(opts.Selector), &selector); err != nil {
			return fmt.Errorf("parse selector: %w", err)
		}
		subOpts.Selector = selector
	}
	if opts.CheckpointDB != "" {
		cp, err := checkpoint.OpenBolt(opts.CheckpointDB)
		if err != nil {
			return err
		}
		defer cp.Close()
		subOpts.Checkpoints = cp
		subOpts.Name = opts.Name
	}

	ctx := cmd.Context()
	feed, err := stream.Subscribe(ctx, client, subOpts)
	if err != nil {
		return err
	}
	defer feed.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		ev, err := feed.Next(ctx)
		if errors.Is(err, stream.ErrFeedClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// interrupted
				return nil
			}
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if err := feed.Commit(); err != nil {
			slog.Warn("checkpoint commit failed", "error", err)
		}
	}
}

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Trigger background compaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			if err := client.Compact(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "compaction accepted")
			return nil
		},
	}
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop stale index files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			if err := client.ViewCleanup(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleanup accepted")
			return nil
		},
	}
}

// NewRevsLimitCommand creates the revs-limit command.
func NewRevsLimitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revs-limit <n>",
		Short: "Set how many revisions the store keeps per document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("revs limit must be an integer: %w", err)
			}
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			return client.SetRevsLimit(cmd.Context(), n)
		},
	}
}

// NewDeletedCommand creates the deleted command.
func NewDeletedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deleted",
		Short: "List tombstoned document ids and their revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			deleted, err := client.DeletedDocs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(deleted)
		},
	}
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	All bool
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge [id...]",
		Short: "Permanently erase tombstoned documents",
		Long: `Permanently erase the revision history of tombstoned documents.

With --all, every tombstoned document is purged. Otherwise the named ids
are looked up in the deleted-set and purged individually.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (len(args) > 0) {
				return fmt.Errorf("specify either --all or one or more ids")
			}
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			if opts.All {
				purged, err := client.PurgeAll(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(purged)
			}
			deleted, err := client.DeletedDocs(cmd.Context())
			if err != nil {
				return err
			}
			revs := map[string][]string{}
			for _, id := range args {
				if tombstones, ok := deleted[id]; ok {
					revs[id] = tombstones
				}
			}
			purged, err := client.Purge(cmd.Context(), revs)
			if err != nil {
				return err
			}
			return printJSON(purged)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "purge every tombstoned document")

	return cmd
}

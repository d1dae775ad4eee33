package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacentio/wicker/store"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a document by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			doc, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(doc)
		},
	}
}

// FindOptions holds flags for the find command.
type FindOptions struct {
	*RootOptions
	Skip   int
	Limit  int
	Fields []string
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "find <selector-json>",
		Short: "Query documents with a selector",
		Long: `Query documents with a structured selector.

The selector is a JSON object mapping field names to literals or operator
objects ($eq, $ne, $gt, $gte, $lt, $lte, $in, $exists).

Example:
  wickerctl find '{"status": {"$in": ["open", "stalled"]}}' --limit 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var selector store.Selector
			if err := json.Unmarshal([]byte(args[0]), &selector); err != nil {
				return fmt.Errorf("parse selector: %w", err)
			}
			client, err := opts.newClient()
			if err != nil {
				return err
			}
			docs, err := client.Find(cmd.Context(), store.Query{
				Selector: selector,
				Skip:     opts.Skip,
				Limit:    opts.Limit,
				Fields:   opts.Fields,
			})
			if err != nil {
				return err
			}
			for _, doc := range docs {
				if err := printJSON(doc); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "matches to skip")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum results (0 = store default)")
	cmd.Flags().StringSliceVar(&opts.Fields, "field", nil, "project results to these fields")

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

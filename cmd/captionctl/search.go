package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/spf13/cobra"
)

// shortHash abbreviates a content hash for tables. Points written by other
// tools may carry no hash at all.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}

func printHits(w io.Writer, hits []domain.Hit) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISTANCE\tHASH\tPATH\tCAPTION")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.4f\t%s\t%s\t%s\n", h.Distance, shortHash(h.ContentHash), h.SourcePath, h.Caption)
	}
	tw.Flush()
}

func (c *cli) searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find the indexed captions closest to a text query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Retrieval.Query(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printHits(cmd.OutOrStdout(), res.Hits)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of results")
	return cmd
}

func (c *cli) similarCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "similar <image-or-hash>",
		Short: "Find the indexed images closest to an indexed image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			hash, err := hashArg(args[0])
			if err != nil {
				return err
			}
			res, err := a.Retrieval.Similar(cmd.Context(), hash, limit)
			if err != nil {
				return err
			}
			printHits(cmd.OutOrStdout(), res.Hits)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of results")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var recs []domain.ImageRecord
			if prompt != "" {
				recs, err = a.Catalog.ForPrompt(cmd.Context(), prompt)
			} else {
				recs, err = a.Catalog.AllRecords(cmd.Context())
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HASH\tPATH\tPROMPT\tCAPTION")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortHash(r.ContentHash), r.SourcePath, r.Prompt, r.Caption)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "only rows captioned under this prompt")
	return cmd
}

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/spf13/cobra"
)

func (c *cli) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <hash> <caption>",
		Short: "Replace the indexed caption of an image, keeping its vector",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Admin.UpdateCaption(cmd.Context(), args[0], args[1])
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <hash>",
		Short: "Remove an image from the vector index",
		Long: `Remove an image from the vector index. Its catalog captions stay, so the
next sync embeds it again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Admin.DeleteEmbedding(cmd.Context(), args[0])
		},
	}
}

func (c *cli) resetCmd() *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every caption and embedding",
		Long: `Delete every catalog row and every indexed embedding. Type YES when
asked, or pass --confirm YES.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("confirm") {
				fmt.Fprint(cmd.ErrOrStderr(), "This deletes every caption and embedding. Type YES to confirm: ")
				line, _ := bufio.NewReader(c.stdin).ReadString('\n')
				confirm = strings.TrimRight(line, "\r\n")
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Admin.Reset(cmd.Context(), confirm); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation token ("+domain.ResetConfirmation+")")
	return cmd
}

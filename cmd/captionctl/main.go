// Command captionctl labels image directories, syncs captions into the
// vector index, and evaluates and queries the result.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/captionstore/internal/app"
	"github.com/WessleyAI/captionstore/pkg/config"
	"github.com/spf13/cobra"
)

// cli holds the state shared by every subcommand.
type cli struct {
	cfgFile  string
	logLevel string
	stdin    io.Reader

	// load is replaced in tests.
	load func(file string) (*config.Config, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{stdin: os.Stdin, load: config.Load}
	if err := c.root().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:   "captionctl",
		Short: "Caption, index and evaluate image collections",
		Long: `captionctl keeps a caption catalog and a vector index in step.

Examples:
  captionctl label ./images --prompt "Write a COCO-style caption for this image."
  captionctl sync
  captionctl search "a dog catching a frisbee"
  captionctl eval --references references.json`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ./captionstore.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		c.labelCmd(),
		c.syncCmd(),
		c.statusCmd(),
		c.listCmd(),
		c.searchCmd(),
		c.similarCmd(),
		c.evalCmd(),
		c.compareCmd(),
		c.scoreCmd(),
		c.updateCmd(),
		c.deleteCmd(),
		c.resetCmd(),
	)
	return root
}

// config loads the configuration with command-line overrides applied.
func (c *cli) config() (*config.Config, error) {
	cfg, err := c.load(c.cfgFile)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		if _, err := config.ParseLevel(c.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = c.logLevel
	}
	return cfg, nil
}

// open wires an App for one command. The caller closes it.
func (c *cli) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), cfg, cfg.Logger())
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	return a, nil
}

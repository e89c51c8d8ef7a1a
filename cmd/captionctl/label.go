package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/WessleyAI/captionstore/engine/content"
	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/events"
	"github.com/WessleyAI/captionstore/engine/ingest"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/pkg/natsutil"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newBar(w io.Writer, n int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

func (c *cli) labelCmd() *cobra.Command {
	var (
		prompt  string
		workers int
		sync    bool
		watch   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "label <dir>",
		Short: "Caption every image under a directory",
		Long: `Caption every image under dir with the given prompt and store the
captions in the catalog. Images already captioned under the prompt are not
sent to the captioning model again, so with --watch only new images are
captioned on each rescan.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if prompt == "" {
				prompt = a.Config.Caption.Prompt
			}
			var syncer ingest.Syncer
			if sync {
				syncer = a.Planner(reconcile.Options{})
			}

			pass := func() error {
				var bar *progressbar.ProgressBar
				opts := ingest.Options{
					Workers:    workers,
					SyncAfter:  sync,
					OnDiscover: func(n int) { bar = newBar(cmd.ErrOrStderr(), n, "labeling") },
					OnItem:     func(ingest.Item) { bar.Add(1) },
				}
				sum, err := a.Orchestrator(syncer, nil, opts).Run(cmd.Context(), args[0], prompt)
				if bar != nil {
					bar.Finish()
				}
				printSummary(cmd.OutOrStdout(), sum)
				return err
			}
			if err := pass(); err != nil || watch <= 0 {
				return err
			}

			a.Log.Info("watching for new images", "dir", args[0], "interval", watch)
			ticker := time.NewTicker(watch)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					if err := pass(); err != nil && cmd.Context().Err() == nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "captioning prompt (default caption.prompt)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent images (default workers)")
	cmd.Flags().BoolVar(&sync, "sync", false, "sync the vector index after labeling")
	cmd.Flags().DurationVar(&watch, "watch", 0, "rescan the directory at this interval until interrupted")
	return cmd
}

func printSummary(w io.Writer, s ingest.Summary) {
	fmt.Fprintf(w, "discovered %d, captioned %d, already labeled %d, skipped %d, failed %d\n",
		s.Discovered, s.Captioned, s.AlreadyLabeled, s.Skipped, s.Failed)
	if s.Sync != nil {
		printReport(w, *s.Sync)
	}
}

func printReport(w io.Writer, r reconcile.Report) {
	fmt.Fprintf(w, "planned %d, embedded %d, skipped %d, already indexed %d\n",
		r.Planned, r.Embedded, r.Skipped, r.AlreadyIndexed)
}

func (c *cli) syncCmd() *cobra.Command {
	var (
		remote  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Embed catalog captions missing from the vector index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remote {
				return c.remoteSync(cmd, timeout)
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var bar *progressbar.ProgressBar
			planner := a.Planner(reconcile.Options{
				OnPlan:   func(n int) { bar = newBar(cmd.ErrOrStderr(), n, "embedding") },
				OnRecord: func(domain.EmbeddingRecord, reconcile.Outcome) { bar.Add(1) },
			})
			rep, err := planner.Sync(cmd.Context())
			if bar != nil {
				bar.Finish()
			}
			printReport(cmd.OutOrStdout(), rep)
			return err
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask a running captiond to sync over NATS")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for a remote sync")
	return cmd
}

func (c *cli) remoteSync(cmd *cobra.Command, timeout time.Duration) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("--remote needs nats.url")
	}
	log := cfg.Logger()
	nc, err := natsutil.Connect(cfg.NATS.URL, "captionctl", log)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rep, err := events.NewBus(nc, log).RequestSync(ctx, "captionctl")
	if err != nil {
		return fmt.Errorf("remote sync: %w", err)
	}
	printReport(cmd.OutOrStdout(), rep)
	return nil
}

func (c *cli) statusCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "status <image-or-hash>",
		Short: "Show whether an image is captioned and embedded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if prompt == "" {
				prompt = a.Config.Caption.Prompt
			}
			hash, err := hashArg(args[0])
			if err != nil {
				return err
			}
			st, err := a.Orchestrator(nil, nil, ingest.Options{}).Status(cmd.Context(), hash, prompt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", hash, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "captioning prompt (default caption.prompt)")
	return cmd
}

// hashArg accepts a content hash or a path to an image file.
func hashArg(arg string) (string, error) {
	if domain.ValidateHash(arg) == nil {
		return arg, nil
	}
	if _, err := os.Stat(arg); err != nil {
		return "", fmt.Errorf("%q is neither a content hash nor a readable file", arg)
	}
	return content.HashFile(arg)
}

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/eval"
	"github.com/spf13/cobra"
)

func (c *cli) evalCmd() *cobra.Command {
	var (
		prompts []string
		refPath string
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score stored captions against reference captions",
		Long: `Score the captions stored under each prompt against reference captions.
Writes one similarity_scores_prompt_<i>.csv per prompt and appends a row
per prompt to prompt_scores.csv. Without --prompt every prompt in the
catalog is evaluated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if refPath == "" {
				refPath = a.Config.Eval.References
			}
			if refPath == "" {
				return errors.New("eval needs --references or eval.references")
			}
			if outDir == "" {
				outDir = a.Config.Eval.ReportDir
			}
			refs, err := eval.LoadReferences(refPath)
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				if prompts, err = a.Catalog.Prompts(ctx); err != nil {
					return err
				}
			}

			summaryPath := filepath.Join(outDir, "prompt_scores.csv")
			for i, p := range prompts {
				scores, err := a.Evaluator.CaptionVsReferences(ctx, p, refs)
				if errors.Is(err, domain.ErrNoResults) {
					a.Log.Warn("eval: nothing to score", "prompt", p)
					continue
				}
				if err != nil {
					return err
				}
				out := filepath.Join(outDir, fmt.Sprintf("similarity_scores_prompt_%d.csv", i))
				if err := eval.WriteCaptionReport(out, scores); err != nil {
					return err
				}
				s := eval.Summary(p, scores)
				if err := eval.AppendPromptSummary(summaryPath, s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d images, avg max similarity %.4f, avg similarity %.4f, MAP %.4f -> %s\n",
					p, s.Images, s.AvgMaxSim, s.AvgAvgSim, s.MeanAP, out)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&prompts, "prompt", nil, "prompt to evaluate (repeatable)")
	cmd.Flags().StringVar(&refPath, "references", "", "references JSON (default eval.references)")
	cmd.Flags().StringVar(&outDir, "out", "", "report directory (default eval.report_dir)")
	return cmd
}

func (c *cli) compareCmd() *cobra.Command {
	var (
		promptA, promptB string
		topN             int
		out              string
	)
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare the captions two prompts produced for the same images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if promptA == "" || promptB == "" {
				return errors.New("compare needs --a and --b")
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if topN <= 0 {
				topN = a.Config.Eval.TopN
			}
			if out == "" {
				out = filepath.Join(a.Config.Eval.ReportDir, "post_test_comparison.csv")
			}
			scores, err := a.Evaluator.CompareSources(cmd.Context(), promptA, promptB, topN)
			if err != nil {
				return err
			}
			if err := eval.WritePairwiseReport(out, scores); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compared %d images -> %s\n", len(scores), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&promptA, "a", "", "first prompt")
	cmd.Flags().StringVar(&promptB, "b", "", "second prompt")
	cmd.Flags().IntVar(&topN, "top-n", 0, "neighbors compared per caption (default eval.top_n)")
	cmd.Flags().StringVar(&out, "out", "", "report path")
	return cmd
}

func (c *cli) scoreCmd() *cobra.Command {
	var (
		refPath string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "score <generated.json>",
		Short: "Score generated captions from a JSON file against references",
		Long: `Score a JSON object of {"<file name>": "<caption>"} against references
with BLEU-1..4, precision, recall, F1 and average precision. No stores or
models are used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if refPath == "" {
				refPath = cfg.Eval.References
			}
			if refPath == "" {
				return errors.New("score needs --references or eval.references")
			}
			if out == "" {
				out = filepath.Join(cfg.Eval.ReportDir, "post_test_scores.csv")
			}
			refs, err := eval.LoadReferences(refPath)
			if err != nil {
				return err
			}
			generated, err := eval.LoadGenerated(args[0])
			if err != nil {
				return err
			}
			scores := eval.ScoreTexts(generated, refs)
			if err := eval.WriteTextReport(out, scores); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scored %d captions -> %s\n", len(scores), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&refPath, "references", "", "references JSON (default eval.references)")
	cmd.Flags().StringVar(&out, "out", "", "report path")
	return cmd
}

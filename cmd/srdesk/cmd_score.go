package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/kingrea/srdesk/internal/config"
	"github.com/kingrea/srdesk/internal/results"
	"github.com/kingrea/srdesk/internal/scoring"
)

func newScoreCmd() *cobra.Command {
	var (
		session string
		dataset string
		metric  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "score [result files...]",
		Short: "Re-score a frontier on a held-out dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataset == "" || metric == "" {
				defDataset, defMetric := scoringDefaults()
				if dataset == "" {
					dataset = defDataset
				}
				if metric == "" {
					metric = defMetric
				}
			}
			if dataset == "" {
				return errors.New("no dataset: pass --dataset or set scoring.dataset in config.yaml")
			}
			m, err := scoring.ParseMetric(metric)
			if err != nil {
				return err
			}
			ds, err := scoring.LoadDataset(dataset)
			if err != nil {
				return err
			}
			src := candidateSource{files: args, session: session}
			candidates, err := src.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			scored := scoring.Rescore(results.Filter(candidates), ds, m)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), scoredForJSON(scored))
			}
			printScored(cmd.OutOrStdout(), m, scored)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "archived session to read")
	cmd.Flags().StringVar(&dataset, "dataset", "", "tab or space separated dataset, last column is the target")
	cmd.Flags().StringVar(&metric, "metric", "", "mse, mae or mape (defaults to scoring.metric)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// scoringDefaults reads the scoring section of the project config, if any.
func scoringDefaults() (dataset, metric string) {
	dir, err := resolveProjectDir()
	if err != nil {
		return "", string(scoring.MSE)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return "", string(scoring.MSE)
	}
	return cfg.Project.Scoring.Dataset, cfg.Project.Scoring.Metric
}

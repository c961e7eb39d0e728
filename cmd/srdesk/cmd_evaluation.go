package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/srdesk/internal/results"
	"github.com/kingrea/srdesk/internal/scoring"
)

func newEvaluationCmd() *cobra.Command {
	var (
		dataset string
		metric  string
	)
	cmd := &cobra.Command{
		Use:   "evaluation <file>",
		Short: "Read the evaluation the executable wrote for a single individual",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eval, err := results.ReadEvaluationFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Error:       %s\n", formatFloat(eval.Error))
			fmt.Fprintf(out, "Predictions: %d\n", len(eval.Solutions))
			if dataset == "" {
				return nil
			}
			m, err := scoring.ParseMetric(metric)
			if err != nil {
				return err
			}
			ds, err := scoring.LoadDataset(dataset)
			if err != nil {
				return err
			}
			v, err := scoring.Error(m, eval.Solutions, ds.Target)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Dataset %s: %s\n", m, formatFloat(v))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "compare the predictions against this dataset's targets")
	cmd.Flags().StringVar(&metric, "metric", string(scoring.MSE), "mse, mae or mape")
	return cmd
}

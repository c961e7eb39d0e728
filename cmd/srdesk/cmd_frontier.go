package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/srdesk/internal/results"
)

func newFrontierCmd() *cobra.Command {
	var (
		session    string
		asJSON     bool
		individual string
	)
	cmd := &cobra.Command{
		Use:   "frontier [result files...]",
		Short: "Print the size/error frontier of result files or an archived session",
		Long: "Without arguments the configured workers' result files are read. " +
			"--session reads an archived session instead (an id, a unique prefix or \"latest\").",
		RunE: func(cmd *cobra.Command, args []string) error {
			src := candidateSource{files: args, session: session}
			candidates, err := src.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			frontier := results.Filter(candidates)
			if individual != "" {
				best, ok := results.Best(frontier)
				if !ok {
					return errors.New("frontier is empty; no individual written")
				}
				if err := results.WriteIndividualFile(individual, best); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote best individual (size %d, error %s) to %s\n", best.Size, formatFloat(best.Error), individual)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), frontier)
			}
			printFrontier(cmd.OutOrStdout(), frontier)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "archived session to read")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&individual, "individual", "", "write the lowest-error candidate as an individual file")
	return cmd
}

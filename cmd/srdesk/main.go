// cmd/srdesk/main.go
//
// Entry point for the srdesk CLI. `srdesk run` drives a pool of search
// workers from the current project directory; the other commands inspect
// result files and archived sessions.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	exitSuccess = 0
	exitError   = 1
)

var projectDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "srdesk",
		Short:         "Run and watch a pool of symbolic-regression search workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "project directory (defaults to the working directory)")
	root.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newFrontierCmd(),
		newScoreCmd(),
		newEvaluationCmd(),
		newSessionsCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func resolveProjectDir() (string, error) {
	if projectDir != "" {
		return projectDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

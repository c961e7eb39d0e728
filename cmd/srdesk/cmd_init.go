package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/srdesk/internal/config"
)

func newInitCmd() *cobra.Command {
	var (
		workers    int
		executable string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .srdesk workspace with a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := resolveProjectDir()
			if err != nil {
				return err
			}
			if err := config.InitWorkspace(dir); err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				if err := cfg.SetWorkers(workers); err != nil {
					return err
				}
			}
			if executable != "" {
				if err := cfg.SetExecutable(executable); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workspace ready at %s\n", cfg.WorkspaceDir)
			fmt.Fprintf(out, "  executable: %s\n", cfg.Project.Executable)
			fmt.Fprintf(out, "  workers:    %d\n", cfg.Workers())
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "number of workers to persist (0 = one per CPU)")
	cmd.Flags().StringVar(&executable, "executable", "", "search executable to persist")
	return cmd
}

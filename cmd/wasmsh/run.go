package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var commandText string

	cmd := &cobra.Command{
		Use:   "run [script.sh]",
		Short: "Run one command line or a script file and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := commandText
			if line == "" {
				if len(args) == 0 {
					return fmt.Errorf("need -c or a script path")
				}
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read script: %w", err)
				}
				line = string(data)
			}

			ctx := cmd.Context()
			sb, err := opts.buildSandbox(ctx)
			if err != nil {
				return err
			}
			defer sb.Destroy(ctx)

			res, err := sb.Run(ctx, line)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)

			if err := opts.saveState(sb); err != nil {
				return err
			}
			opts.exitCode = res.ExitCode
			return nil
		},
	}

	cmd.Flags().StringVarP(&commandText, "command", "c", "", "command line to run instead of a script file")
	return cmd
}

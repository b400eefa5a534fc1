package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newReplCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Read command lines from stdin until EOF, running each against one persistent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sb, err := opts.buildSandbox(ctx)
			if err != nil {
				return err
			}
			defer sb.Destroy(ctx)

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				res, err := sb.Run(ctx, line)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
					continue
				}
				io.WriteString(out, res.Stdout)
				io.WriteString(cmd.ErrOrStderr(), res.Stderr)
				fmt.Fprintf(out, "[exit %d]\n", res.ExitCode)
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return opts.saveState(sb)
		},
	}
}

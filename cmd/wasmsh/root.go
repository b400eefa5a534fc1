package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sandbox "github.com/llmsandbox/wasmsh"
)

// rootOptions holds the flags every subcommand shares: how big the
// sandbox's filesystem quota is, how long a single command may run, and
// which wasm binaries to preload as spawnable tools.
type rootOptions struct {
	fsLimitBytes int
	entryLimit   int
	timeoutMs    int
	shellWasm    string
	packages     []string // "name=path.wasm" pairs
	statePath    string
	logLevel     string

	// exitCode is set by run's RunE when the sandboxed command itself
	// exits non-zero, so main can os.Exit after cobra has returned
	// cleanly rather than tearing down the process mid-RunE.
	exitCode int
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "wasmsh",
		Short:         "Run shell and Python commands inside an in-process wasm sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.IntVar(&opts.fsLimitBytes, "fs-limit-bytes", 256<<20, "virtual filesystem byte quota")
	flags.IntVar(&opts.entryLimit, "entry-limit", 200000, "virtual filesystem inode count quota")
	flags.IntVar(&opts.timeoutMs, "timeout-ms", 30000, "per-command execution deadline in milliseconds")
	flags.StringVar(&opts.shellWasm, "shell-wasm", "", "path to the shell's own wasm binary")
	flags.StringArrayVar(&opts.packages, "package", nil, "name=path.wasm pair to register as a spawnable tool, repeatable")
	flags.StringVar(&opts.statePath, "state", "", "path to a state blob to import at startup and export back to on exit")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "logrus level: trace, debug, info, warn, error")

	cmd.AddCommand(newRunCmd(opts), newReplCmd(opts), newVersionCmd())
	return cmd, opts
}

// buildSandbox constructs a sandbox.Sandbox from the parsed flags,
// registering every --package wasm binary and importing --state if
// given. Callers own the returned sandbox's lifetime and must Destroy it.
func (o *rootOptions) buildSandbox(ctx context.Context) (*sandbox.Sandbox, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", o.logLevel, err)
	}
	logger.SetLevel(level)

	sb, err := sandbox.New(ctx,
		sandbox.WithFsLimitBytes(o.fsLimitBytes),
		sandbox.WithEntryLimit(o.entryLimit),
		sandbox.WithTimeoutMs(o.timeoutMs),
		sandbox.WithShellWasm(o.shellWasm),
		sandbox.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	for _, pkg := range o.packages {
		name, path, ok := strings.Cut(pkg, "=")
		if !ok {
			_ = sb.Destroy(ctx)
			return nil, fmt.Errorf("invalid --package %q, want name=path.wasm", pkg)
		}
		wasmBytes, err := os.ReadFile(path)
		if err != nil {
			_ = sb.Destroy(ctx)
			return nil, fmt.Errorf("read package %q: %w", name, err)
		}
		sb.RegisterModule(name, wasmBytes)
	}

	if o.statePath != "" {
		if blob, err := os.ReadFile(o.statePath); err == nil {
			if err := sb.ImportState(blob); err != nil {
				_ = sb.Destroy(ctx)
				return nil, fmt.Errorf("import state %q: %w", o.statePath, err)
			}
		} else if !os.IsNotExist(err) {
			_ = sb.Destroy(ctx)
			return nil, fmt.Errorf("read state %q: %w", o.statePath, err)
		}
	}

	return sb, nil
}

// saveState exports the sandbox's state back to --state, if set.
func (o *rootOptions) saveState(sb *sandbox.Sandbox) error {
	if o.statePath == "" {
		return nil
	}
	blob, err := sb.ExportState()
	if err != nil {
		return fmt.Errorf("export state: %w", err)
	}
	return os.WriteFile(o.statePath, blob, 0o600)
}

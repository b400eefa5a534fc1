package sandbox

import "github.com/llmsandbox/wasmsh/internal/shell"

// RunResult is what Sandbox.Run reports for one top-level command line.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Truncated independently flags whether stdout/stderr hit the
	// driver's output byte cap (SPEC_FULL.md §C).
	Truncated struct {
		Stdout bool
		Stderr bool
	}
}

func fromShellResult(r *shell.Result) RunResult {
	out := RunResult{ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr}
	out.Truncated.Stdout = r.Truncated.Stdout
	out.Truncated.Stderr = r.Truncated.Stderr
	return out
}

// Usage reports current VFS quota consumption (SPEC_FULL.md §C
// "Sandbox.Stat-level quota introspection").
type Usage struct {
	UsedBytes   int
	UsedEntries int
	FsLimitBytes int
	EntryLimit  int
}

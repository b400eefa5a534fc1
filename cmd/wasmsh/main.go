// Command wasmsh runs a sandboxed shell/Python session against the
// llmsandbox/wasmsh in-process wasm runtime.
package main

import (
	"fmt"
	"os"
)

func main() {
	root, opts := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(opts.exitCode)
}

// Package hostabi implements the capability-scoped kernel-import module
// described by spec.md §4.6: pipe/spawn/waitpid/close_fd, the has_tool
// and check_cancel polling calls, VFS operations, glob, the network
// bridge, host extensions, and the shell-only read_command/write_result
// pair. A guest only gets the subset of these its kind is entitled to
// (SPEC_FULL.md §C "capability matrix as data") — enforced not by a
// runtime check inside each call but by which functions Build exports at
// all: a guest importing an unexported name fails to instantiate.
package hostabi

// Capability is a bitset so a guest kind's entitlement is one value, not
// a list of strings compared in a dozen call sites.
type Capability uint32

const (
	CapFilesystem Capability = 1 << iota
	CapProcess
	CapTime
	CapShellIO
	CapNetwork
	CapExtension
)

// Has reports whether all bits of want are set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// CapabilityMatrix is the data-driven guest-kind -> capability mapping
// spec.md §4.6 describes in prose ("shell receives filesystem + process +
// time + read-command/write-result; Python receives network + extension;
// coreutils receive nothing beyond pure WASI-P1"). Adding a guest kind is
// adding a line here, not a conditional in Build.
var CapabilityMatrix = map[string]Capability{
	"shell":    CapFilesystem | CapProcess | CapTime | CapShellIO,
	"python":   CapNetwork | CapExtension,
	"coreutil": 0,
}

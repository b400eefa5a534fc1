package sandbox

import (
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/llmsandbox/wasmsh/internal/netbridge"
	"github.com/llmsandbox/wasmsh/internal/platform"
)

const (
	defaultTimeoutMs   = 30000
	defaultFsLimitBytes = 256 << 20
	defaultEntryLimit  = 200000
)

// HostMount describes an opt-in host-backed provider mount (spec.md §3,
// §4.8): the one sanctioned way a guest ever touches the real
// filesystem, and off by default.
type HostMount struct {
	Prefix   string
	Root     string
	ReadOnly bool
}

// Config is the sandbox's construction-time configuration, populated
// through functional options the way the teacher's RuntimeConfig/
// ModuleConfig are (SPEC_FULL.md §A.3).
type Config struct {
	WasmDir          string
	ShellWasmPath    string
	TimeoutMs        int
	FsLimitBytes     int
	EntryLimit       int
	Packages         []string
	Platform         platform.Adapter
	Logger           *logrus.Logger
	CompilationCache wazero.CompilationCache
	NetworkPolicy    netbridge.Policy
	HostMount        *HostMount
}

// Option mutates a Config under construction.
type Option func(*Config)

// NewConfig returns a Config with spec.md/SPEC_FULL.md-documented
// defaults: 30s timeout, 256MiB fs limit, 200000 entry limit, GET-only
// network policy with no allowed hosts (network access is opt-in).
func NewConfig(opts ...Option) *Config {
	c := &Config{
		TimeoutMs:     defaultTimeoutMs,
		FsLimitBytes:  defaultFsLimitBytes,
		EntryLimit:    defaultEntryLimit,
		Platform:      platform.Probe(),
		Logger:        logrus.StandardLogger(),
		NetworkPolicy: netbridge.Policy{AllowedMethods: []string{"GET"}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithWasmDir(dir string) Option { return func(c *Config) { c.WasmDir = dir } }

func WithShellWasm(path string) Option { return func(c *Config) { c.ShellWasmPath = path } }

func WithTimeoutMs(ms int) Option { return func(c *Config) { c.TimeoutMs = ms } }

func WithFsLimitBytes(n int) Option { return func(c *Config) { c.FsLimitBytes = n } }

func WithEntryLimit(n int) Option { return func(c *Config) { c.EntryLimit = n } }

func WithPackages(names ...string) Option {
	return func(c *Config) { c.Packages = append(c.Packages, names...) }
}

func WithPlatform(p platform.Adapter) Option { return func(c *Config) { c.Platform = p } }

func WithLogger(l *logrus.Logger) Option { return func(c *Config) { c.Logger = l } }

func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *Config) { c.CompilationCache = cache }
}

// WithNetworkPolicy overrides the default GET-only, no-hosts-allowed
// policy (SPEC_FULL.md §C).
func WithNetworkPolicy(p netbridge.Policy) Option {
	return func(c *Config) { c.NetworkPolicy = p }
}

// WithHostMount opts into the host-backed provider (spec.md §3, §4.8):
// prefix is where it appears inside the sandbox, root is the real
// directory it maps to. Unset by default, matching SPEC_FULL.md §D's
// "no host filesystem exposure except through" this provider.
func WithHostMount(prefix, root string, readOnly bool) Option {
	return func(c *Config) { c.HostMount = &HostMount{Prefix: prefix, Root: root, ReadOnly: readOnly} }
}

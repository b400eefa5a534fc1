package provider

import (
	"fmt"
	"time"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// ProcInfoProvider serves a closed set of read-only text files describing
// the sandbox itself (spec.md §3, §4.8), conventionally mounted at
// "/proc". All content is generated on read from live fields, not
// cached, so "uptime" always reflects SinceFn().
type ProcInfoProvider struct {
	Version string
	SinceFn func() time.Duration
	CPUInfo string
	MemInfo func() string
}

const (
	procUptime  = "uptime"
	procVersion = "version"
	procCPUInfo = "cpuinfo"
	procMemInfo = "meminfo"
)

func NewProcInfoProvider(version string, since func() time.Duration, memInfo func() string) *ProcInfoProvider {
	return &ProcInfoProvider{
		Version: version,
		SinceFn: since,
		CPUInfo: "processor\t: 0\nmodel name\t: wasmsh virtual cpu\n",
		MemInfo: memInfo,
	}
}

func (p *ProcInfoProvider) content(subpath string) (string, bool) {
	switch subpath {
	case procUptime:
		return fmt.Sprintf("%.2f\n", p.SinceFn().Seconds()), true
	case procVersion:
		return p.Version + "\n", true
	case procCPUInfo:
		return p.CPUInfo, true
	case procMemInfo:
		return p.MemInfo(), true
	default:
		return "", false
	}
}

func (p *ProcInfoProvider) Read(subpath string) ([]byte, error) {
	content, ok := p.content(subpath)
	if !ok {
		return nil, errs.New(errs.ENOENT, subpath, "no such proc entry")
	}
	return []byte(content), nil
}

func (p *ProcInfoProvider) Write(subpath string, _ []byte) error {
	if _, ok := p.content(subpath); !ok {
		return errs.New(errs.ENOENT, subpath, "no such proc entry")
	}
	return errs.New(errs.EROFS, subpath, "proc entry is read-only")
}

func (p *ProcInfoProvider) Exists(subpath string) bool {
	_, ok := p.content(subpath)
	return ok
}

func (p *ProcInfoProvider) Stat(subpath string) (Info, error) {
	content, ok := p.content(subpath)
	if !ok {
		return Info{}, errs.New(errs.ENOENT, subpath, "no such proc entry")
	}
	return Info{Name: subpath, Size: int64(len(content)), Permissions: 0o444}, nil
}

func (p *ProcInfoProvider) Readdir(subpath string) ([]Entry, error) {
	if subpath != "" {
		return nil, errs.New(errs.ENOTDIR, subpath, "not a directory")
	}
	return []Entry{
		{Name: procUptime}, {Name: procVersion}, {Name: procCPUInfo}, {Name: procMemInfo},
	}, nil
}

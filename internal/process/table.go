package process

import (
	"os"
	"path/filepath"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Handle is one OS process found by name.
type Handle interface {
	PID() int32
	Terminate() error
	Kill() error
	// Usage reports CPU percent since the previous call and resident memory.
	Usage() (cpuPercent float64, rssBytes uint64, err error)
}

// Table enumerates running processes by name.
type Table interface {
	Find(name string) ([]Handle, error)
}

// MatchName compares process names case-insensitively, ignoring the
// executable extension on either side ("Demo.exe" matches "demo").
func MatchName(procName, want string) bool {
	if procName == "" || want == "" {
		return false
	}
	return strings.EqualFold(trimExt(procName), trimExt(want))
}

func trimExt(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// SystemTable is the gopsutil backed Table. The watchdog's own PID is never
// reported.
type SystemTable struct {
	self int32
}

func NewSystemTable() *SystemTable {
	return &SystemTable{self: int32(os.Getpid())}
}

func (t *SystemTable) Find(name string) ([]Handle, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	var out []Handle
	for _, p := range procs {
		if p.Pid == t.self {
			continue
		}
		n, err := p.Name()
		if err != nil {
			// exited between listing and lookup, or not ours to inspect
			continue
		}
		if MatchName(n, name) {
			out = append(out, &gopsHandle{p: p})
		}
	}
	return out, nil
}

type gopsHandle struct {
	p *gopsproc.Process
}

func (h *gopsHandle) PID() int32       { return h.p.Pid }
func (h *gopsHandle) Terminate() error { return h.p.Terminate() }
func (h *gopsHandle) Kill() error      { return h.p.Kill() }

func (h *gopsHandle) Usage() (float64, uint64, error) {
	cpu, err := h.p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := h.p.MemoryInfo()
	if err != nil {
		return cpu, 0, err
	}
	return cpu, mem.RSS, nil
}

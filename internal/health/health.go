// Package health samples the daemon's CPU and memory usage for the
// event stream. Memory prefers the container cgroup limit (v2 then v1)
// and falls back to system-wide numbers; CPU is derived from consecutive
// /proc/stat samples, so the first reading is always zero.
package health

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

const (
	defaultCgroupRoot = "/sys/fs/cgroup"
	bytesPerMB        = 1 << 20
)

// Stats is one resource usage sample. Memory values are MB.
type Stats struct {
	CPUPercent float64
	MemUsageMB float64
	MemMaxMB   float64
}

// Tracker reads resource usage. Sample is called from the engine loop
// only; the previous-CPU bookkeeping is not locked.
type Tracker struct {
	fs         procfs.FS
	cgroupRoot string
	logger     *slog.Logger

	sampled   bool
	prevBusy  float64
	prevTotal float64
}

func NewTracker(logger *slog.Logger) (*Tracker, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening /proc: %w", err)
	}
	return newTracker(fs, defaultCgroupRoot, logger), nil
}

func newTracker(fs procfs.FS, cgroupRoot string, logger *slog.Logger) *Tracker {
	return &Tracker{fs: fs, cgroupRoot: cgroupRoot, logger: logger}
}

// Sample returns the current usage reading.
func (t *Tracker) Sample() (Stats, error) {
	stat, err := t.fs.Stat()
	if err != nil {
		return Stats{}, fmt.Errorf("reading /proc/stat: %w", err)
	}
	cpu := t.cpuPercent(stat.CPUTotal)

	used, max, err := t.memory()
	if err != nil {
		return Stats{}, err
	}
	return Stats{CPUPercent: cpu, MemUsageMB: used, MemMaxMB: max}, nil
}

func (t *Tracker) cpuPercent(cur procfs.CPUStat) float64 {
	busy := cur.User + cur.Nice + cur.System + cur.IRQ + cur.SoftIRQ + cur.Steal
	total := busy + cur.Idle + cur.Iowait

	var pct float64
	if t.sampled {
		dBusy := busy - t.prevBusy
		dTotal := total - t.prevTotal
		if dTotal > 0 {
			pct = 100 * dBusy / dTotal
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
		}
	}
	t.prevBusy, t.prevTotal, t.sampled = busy, total, true
	return pct
}

func (t *Tracker) memory() (used, max float64, err error) {
	if u, m, ok := t.cgroupMemory(); ok {
		return u, m, nil
	}
	mi, err := t.fs.Meminfo()
	if err != nil {
		return 0, 0, fmt.Errorf("reading meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return 0, 0, fmt.Errorf("meminfo missing MemTotal or MemAvailable")
	}
	totalKB := float64(*mi.MemTotal)
	availableKB := float64(*mi.MemAvailable)
	return (totalKB - availableKB) / 1024, totalKB / 1024, nil
}

// cgroupMemory reads the container memory numbers, v2 then v1. A v2
// limit of "max" means the container is unlimited; report system-wide
// numbers instead.
func (t *Tracker) cgroupMemory() (used, max float64, ok bool) {
	cur, curErr := readNumberFile(filepath.Join(t.cgroupRoot, "memory.current"))
	rawMax, maxErr := os.ReadFile(filepath.Join(t.cgroupRoot, "memory.max"))
	if curErr == nil && maxErr == nil {
		s := strings.TrimSpace(string(rawMax))
		if s == "max" {
			return 0, 0, false
		}
		m, err := strconv.ParseFloat(s, 64)
		if err != nil {
			t.logger.Warn("unparseable cgroup memory.max", "value", s)
			return 0, 0, false
		}
		return cur / bytesPerMB, m / bytesPerMB, true
	}

	u, usageErr := readNumberFile(filepath.Join(t.cgroupRoot, "memory", "memory.usage_in_bytes"))
	m, limitErr := readNumberFile(filepath.Join(t.cgroupRoot, "memory", "memory.limit_in_bytes"))
	if usageErr == nil && limitErr == nil {
		return u / bytesPerMB, m / bytesPerMB, true
	}
	return 0, 0, false
}

func readNumberFile(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Package sysinfo reports the memory and CPU budget available to locallm and
// the models it runs.
package sysinfo

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Info is what `locallm doctor` and /api/info show about the host.
type Info struct {
	OS            string    `json:"os"`
	Arch          string    `json:"arch"`
	LogicalCPUs   int       `json:"logical_cpus"`
	EffectiveCPUs int       `json:"effective_cpus"`
	CPUModel      string    `json:"cpu_model,omitempty"`
	SIMD          []string  `json:"simd"`
	RAMGB         float64   `json:"ram_gb"`
	RAMSource     string    `json:"ram_source"`
	Quant         QuantTier `json:"recommended_quant"`
}

type readFunc func(path string) ([]byte, error)

// Detect inspects the running host.
func Detect() Info {
	return detect(os.ReadFile)
}

func detect(read readFunc) Info {
	info := Info{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogicalCPUs: runtime.NumCPU(),
		CPUModel:    cpuModel(read),
		SIMD:        simdFeatures(),
	}
	if info.SIMD == nil {
		info.SIMD = []string{}
	}
	info.EffectiveCPUs = info.LogicalCPUs
	if n := cgroupCPULimit(read); n > 0 && n < info.LogicalCPUs {
		info.EffectiveCPUs = n
	}
	info.RAMGB, info.RAMSource = availableRAMGB(read)
	info.Quant = RecommendQuant(info.RAMGB)
	return info
}

// availableRAMGB returns the RAM available to this process in gigabytes and
// where the figure came from. Container limits win over host totals.
func availableRAMGB(read readFunc) (float64, string) {
	if b, err := read("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(b))
		if s != "max" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
				return float64(v) / 1e9, "cgroup2"
			}
		}
	}
	if b, err := read("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		// Unlimited v1 groups report a huge sentinel value.
		if v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil && v > 0 && v < 1e15 {
			return float64(v) / 1e9, "cgroup1"
		}
	}
	if b, err := read("/proc/meminfo"); err == nil {
		if gb := parseMemTotal(string(b)); gb > 0 {
			return gb, "meminfo"
		}
	}
	if gb := detectSysRAMGB(); gb > 0 {
		return gb, "sysctl"
	}
	return 0, "unknown"
}

// cpuModel is the first "model name" in /proc/cpuinfo, or the sysctl brand
// string where there is no procfs.
func cpuModel(read readFunc) string {
	if b, err := read("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			key, val, ok := strings.Cut(line, ":")
			if ok && strings.TrimSpace(key) == "model name" {
				return strings.TrimSpace(val)
			}
		}
	}
	return detectSysCPUModel()
}

func parseMemTotal(meminfo string) float64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return float64(kb) / 1e6
	}
	return 0
}

// cgroupCPULimit returns the CPU count allowed by a cgroup quota, or 0 when
// none is set.
func cgroupCPULimit(read readFunc) int {
	// v2: "<quota> <period>" or "max <period>"
	if data, err := read("/sys/fs/cgroup/cpu.max"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 && fields[0] != "max" {
			if n := quotaCPUs(fields[0], fields[1]); n > 0 {
				return n
			}
		}
	}

	quota, e1 := read("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	period, e2 := read("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if e1 == nil && e2 == nil {
		return quotaCPUs(strings.TrimSpace(string(quota)), strings.TrimSpace(string(period)))
	}
	return 0
}

func quotaCPUs(quotaStr, periodStr string) int {
	quota, e1 := strconv.ParseFloat(quotaStr, 64)
	period, e2 := strconv.ParseFloat(periodStr, 64)
	if e1 != nil || e2 != nil || quota <= 0 || period <= 0 {
		return 0
	}
	n := int(quota / period)
	if n < 1 {
		n = 1
	}
	return n
}

package sysinfo

import "golang.org/x/sys/unix"

// detectSysRAMGB reads total physical RAM via sysctl hw.memsize.
func detectSysRAMGB() float64 {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return float64(n) / 1e9
}

func detectSysCPUModel() string {
	s, err := unix.Sysctl("machdep.cpu.brand_string")
	if err != nil {
		return ""
	}
	return s
}

package sysinfo

import "golang.org/x/sys/cpu"

// NEON is mandatory on ARMv8-A.
func simdFeatures() []string {
	out := []string{"NEON"}
	if cpu.ARM64.HasSVE {
		out = append(out, "SVE")
	}
	return out
}

//go:build !darwin

package sysinfo

func detectSysRAMGB() float64 { return 0 }

func detectSysCPUModel() string { return "" }

//go:build !amd64 && !arm64

package sysinfo

func simdFeatures() []string { return nil }

// Package ports finds free TCP ports for the locallm servers.
package ports

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// ErrNoFreePort is returned when neither the preferred port nor any fallback
// could be bound.
var ErrNoFreePort = errors.New("no free port")

// ProbeSettings control how hard Pick tries each candidate.
type ProbeSettings struct {
	Retries int
	Delay   time.Duration
}

// DefaultProbe retries a busy port five times one second apart.
var DefaultProbe = ProbeSettings{Retries: 5, Delay: time.Second}

// Available reports whether host:port can be bound right now.
func Available(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Probe tries to bind host:port up to retries times, sleeping delay between
// attempts. It gives up early when ctx is done.
func Probe(ctx context.Context, host string, port int, retries int, delay time.Duration) bool {
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		if Available(host, port) {
			return true
		}
		if i == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// Pick returns the first port among preferred and fallbacks that can be
// bound. Only the preferred port is retried; fallbacks get a single check.
func Pick(ctx context.Context, host string, preferred int, fallbacks []int, probe ProbeSettings) (int, error) {
	if preferred > 0 && Probe(ctx, host, preferred, probe.Retries, probe.Delay) {
		return preferred, nil
	}
	for _, p := range fallbacks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if p != preferred && Available(host, p) {
			return p, nil
		}
	}
	return 0, ErrNoFreePort
}

package orchestrator

import (
	"context"
	"fmt"
	"net"
)

// service is an in-process HTTP server started by the orchestrator.
type service struct {
	name   string
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// startService serves on ln in the background until stop is called.
func startService(name string, ln net.Listener, serve func(context.Context, net.Listener) error) *service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &service{
		name:   name,
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer ln.Close()
		s.err = serve(ctx, ln)
	}()
	return s
}

func (s *service) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// stop cancels the server and waits for it to return.
func (s *service) stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return fmt.Errorf("%s on %s: %w", s.name, s.addr, ctx.Err())
	}
}

// watch returns an error if the server exits before ctx is done.
func (s *service) watch(ctx context.Context) error {
	select {
	case <-s.done:
		return fmt.Errorf("%s on %s exited: %v", s.name, s.addr, s.err)
	case <-ctx.Done():
		return nil
	}
}

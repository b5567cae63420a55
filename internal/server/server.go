package server

import (
	"context"
	"errors"
	"net"
)

// Server accepts TCP clients and hands each to the core.
type Server struct {
	core *Core
	ln   net.Listener
}

// NewServer binds the configured address. A bind failure is returned to the
// caller, which exits nonzero.
func NewServer(core *Core) (*Server, error) {
	ln, err := net.Listen("tcp", core.cfg.Server.Addr())
	if err != nil {
		return nil, err
	}
	return &Server{core: core, ln: ln}, nil
}

// Addr returns the bound listen address, useful when port 0 was configured.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Run accepts connections until ctx is canceled, then closes the listener
// and returns. Per-connection goroutines wind down as their sockets close.
func (s *Server) Run(ctx context.Context) error {
	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	defer cancelSweeps()
	go s.core.RunSweeps(sweepCtx)

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	s.core.log.Info("listening", "addr", s.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.core.HandleTransport(newTCPTransport(conn, s.core.cfg.Server.ReadTimeout, s.core.cfg.Server.WriteTimeout))
	}
}

// Package control implements the TCP trigger port. Any bytes received on a
// connection count as one spawn trigger; the reply is a single JSON line.
//
// The port carries no authentication. Anyone who can connect can start the
// child, so bind it to a trusted interface.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/uprunner/internal/metrics"
	"github.com/loykin/uprunner/internal/process"
)

const (
	DefaultListen      = ":3002"
	DefaultSettleDelay = 2 * time.Second

	readBufferSize = 4096
)

// Spawner is the part of the child controller the server needs.
type Spawner interface {
	IsRunning() bool
	SpawnIfAbsent() process.SpawnOutcome
}

type Config struct {
	Listen      string
	SettleDelay time.Duration // wait after starting a launch before replying
	ReadTimeout time.Duration // idle timeout per connection; 0 disables
}

// Server accepts trigger connections and replies with a StatusMessage.
type Server struct {
	cfg   Config
	sp    Spawner
	log   *slog.Logger
	group singleflight.Group

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, sp Spawner, log *slog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		sp:    sp,
		log:   log.With("component", "control"),
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// Listen binds the control port. It is called by Serve when needed; calling
// it first lets the caller learn the bound address before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// Each connection is handled on its own goroutine so a launch in progress
// never blocks accepting new connections.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	s.log.Info("control port listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				s.wg.Wait()
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("accept failed", "error", err)
			_ = s.Close()
			s.wg.Wait()
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		metrics.IncConnection()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and closes open connections. It does not wait for
// a pending launch; the controller owns that.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.ln != nil {
			err = s.ln.Close()
		}
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

// handleConn treats every successful read as one trigger until the peer
// closes the connection.
func (s *Server) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr()
	s.log.Debug("control connection opened", "peer", peer.String())
	buf := make([]byte, readBufferSize)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			msg := s.trigger(peer)
			// best effort; the peer may already be gone
			if _, werr := conn.Write(msg.Encode()); werr != nil {
				s.log.Debug("status write failed", "peer", peer.String(), "error", werr)
			}
		}
		if err != nil {
			s.log.Debug("control connection closed", "peer", peer.String(), "error", err)
			return
		}
	}
}

// trigger runs the spawn decision for one trigger and builds the reply.
func (s *Server) trigger(peer net.Addr) StatusMessage {
	if s.sp.IsRunning() {
		metrics.IncTrigger(metrics.TriggerAlreadyRunning)
		return newStatus(MsgAlreadyRunning, true, nil, peer)
	}

	// concurrent triggers share one launch; the controller still guards
	// against double spawns on its own
	ch := s.group.DoChan("spawn", func() (any, error) {
		out := s.sp.SpawnIfAbsent()
		return out, out.Err
	})

	t := time.NewTimer(s.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.done:
	}

	select {
	case r := <-ch:
		out, _ := r.Val.(process.SpawnOutcome)
		switch {
		case errors.Is(out.Err, process.ErrExited):
			metrics.IncTrigger(metrics.TriggerFailed)
			return newStatus(MsgExited, false, out.Err, peer)
		case out.Err != nil:
			metrics.IncTrigger(metrics.TriggerFailed)
			s.log.Warn("spawn failed", "peer", peer.String(), "error", out.Err)
			return newStatus(MsgSpawnFailed, false, out.Err, peer)
		case out.AlreadyRunning:
			metrics.IncTrigger(metrics.TriggerAlreadyRunning)
			return newStatus(MsgAlreadyRunning, true, nil, peer)
		}
	default:
		// launch still in flight; reported as spawned
	}
	metrics.IncTrigger(metrics.TriggerSpawned)
	return newStatus(MsgSpawned, true, nil, peer)
}

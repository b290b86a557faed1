package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"pkt.systems/ccbridge/core"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// LockFile is the name of the lock that guards a socket dir.
const LockFile = "ccbridge.lock"

// ErrSocketDirLocked reports that another supervisor owns the socket dir.
var ErrSocketDirLocked = errors.New("socket dir is locked by another supervisor")

// Subscriber hands out per-agent event streams.
type Subscriber interface {
	Subscribe(agent schema.AgentID) (<-chan schema.AgentEvent, func())
}

// ServerDeps wires the control server to the supervisor.
type ServerDeps struct {
	Supervisor  core.Supervisor
	Events      Subscriber
	Logger      pslog.Logger
	NewClientID func() string
}

type listener struct {
	agent schema.AgentID
	path  string
	ln    net.Listener
	conns map[*conn]struct{}
}

// Server is the control endpoint: one shared supervisor socket plus, when
// enabled, one socket per agent.
type Server struct {
	cfg    schema.ControlConfig
	sup    core.Supervisor
	events Subscriber
	log    pslog.Logger
	newID  func() string

	mu        sync.Mutex
	lock      *flock.Flock
	listeners map[schema.AgentID]*listener
	started   bool
	closed    bool
	wg        sync.WaitGroup
}

// NewServer validates cfg and constructs a server. Nothing is opened until
// Start.
func NewServer(cfg schema.ControlConfig, deps ServerDeps) (*Server, error) {
	if deps.Supervisor == nil {
		return nil, errors.New("control server requires a supervisor")
	}
	if deps.Events == nil {
		return nil, errors.New("control server requires an event source")
	}
	normalized, err := schema.NormalizeControlConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	newID := deps.NewClientID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Server{
		cfg:       normalized,
		sup:       deps.Supervisor,
		events:    deps.Events,
		log:       logger,
		newID:     newID,
		listeners: make(map[schema.AgentID]*listener),
	}, nil
}

// SharedSocketPath returns the path of the shared supervisor socket.
func (s *Server) SharedSocketPath() string {
	return filepath.Join(s.cfg.SocketDir, s.cfg.SharedSocket)
}

// AgentSocketPath returns the path of the agent's own socket.
func (s *Server) AgentSocketPath(agent schema.AgentID) string {
	return filepath.Join(s.cfg.SocketDir, "agent-"+string(agent)+".sock")
}

// Start locks the socket dir and opens the sockets.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("control server already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.SocketDir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	lock := flock.New(filepath.Join(s.cfg.SocketDir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock socket dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrSocketDirLocked, s.cfg.SocketDir)
	}
	s.mu.Lock()
	s.lock = lock
	err = s.openLocked("", s.SharedSocketPath())
	s.mu.Unlock()
	if err != nil {
		_ = lock.Unlock()
		return err
	}
	s.log.Info("control server started", "socket", s.SharedSocketPath(), "per_agent", s.cfg.PerAgentSockets)

	if s.cfg.PerAgentSockets {
		s.sup.AddObserver(s)
		agents, err := s.sup.ListAgents(ctx)
		if err != nil {
			return err
		}
		for _, info := range agents {
			s.AgentCreated(info)
		}
	}
	return nil
}

// Run starts the server and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// AgentCreated opens the agent's socket.
func (s *Server) AgentCreated(info schema.AgentInfo) {
	if !s.cfg.PerAgentSockets {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		return
	}
	if err := s.openLocked(info.Agent, s.AgentSocketPath(info.Agent)); err != nil {
		s.log.Warn("control agent socket failed", "agent", info.Agent, "err", err)
	}
}

// AgentRemoved closes the agent's socket and its connections.
func (s *Server) AgentRemoved(agent schema.AgentID) {
	s.mu.Lock()
	l := s.listeners[agent]
	delete(s.listeners, agent)
	var conns []*conn
	if l != nil {
		for c := range l.conns {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	if l == nil {
		return
	}
	_ = l.ln.Close()
	_ = os.Remove(l.path)
	for _, c := range conns {
		c.close()
	}
	s.log.Debug("control agent socket closed", "agent", agent)
}

// Close stops accepting, closes every connection, and releases the lock.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*listener, 0, len(s.listeners))
	var conns []*conn
	for _, l := range s.listeners {
		listeners = append(listeners, l)
		for c := range l.conns {
			conns = append(conns, c)
		}
	}
	s.listeners = make(map[schema.AgentID]*listener)
	lock := s.lock
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.ln.Close()
		_ = os.Remove(l.path)
	}
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	var err error
	if lock != nil {
		err = lock.Unlock()
	}
	s.log.Info("control server stopped", "sockets", len(listeners), "conns", len(conns))
	return err
}

func (s *Server) openLocked(agent schema.AgentID, path string) error {
	if _, ok := s.listeners[agent]; ok {
		return nil
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return err
	}
	l := &listener{agent: agent, path: path, ln: ln, conns: make(map[*conn]struct{})}
	s.listeners[agent] = l
	s.wg.Add(1)
	go s.accept(l)
	if agent != "" {
		s.log.Debug("control agent socket opened", "agent", agent, "socket", path)
	}
	return nil
}

func (s *Server) accept(l *listener) {
	defer s.wg.Done()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return
		}
		c := newConn(s, nc, l.agent)
		s.mu.Lock()
		if s.closed || s.listeners[l.agent] != l {
			s.mu.Unlock()
			_ = nc.Close()
			continue
		}
		l.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(l.conns, c)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listeners {
		n += len(l.conns)
	}
	return n
}

// Package ccbridge composes the agent supervisor with its control sockets and
// the optional Telegram bridge.
package ccbridge

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/ccbridge/core"
	"pkt.systems/ccbridge/internal/control"
	"pkt.systems/ccbridge/internal/eventbus"
	"pkt.systems/ccbridge/internal/telegram"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// Server composes the supervisor, the control endpoint, and chat surfaces.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Supervisor schema.SupervisorConfig
	Control    schema.ControlConfig
	// Telegram enables the chat bridge when non-nil.
	Telegram *telegram.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Runner core.Runner
	// EventSink receives every agent event in addition to the bus.
	EventSink core.EventSink
	Logger    pslog.Logger
	NewID     func() string
}

// New constructs a composable ccbridge server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("runner dependency is required")
	}
	bus := eventbus.New(deps.Logger)
	sup, err := core.NewSupervisor(cfg.Supervisor, core.SupervisorDeps{
		Runner:    deps.Runner,
		EventSink: fanout(bus, deps.EventSink),
		Logger:    deps.Logger,
		NewID:     deps.NewID,
	})
	if err != nil {
		return nil, err
	}
	ctl, err := control.NewServer(cfg.Control, control.ServerDeps{
		Supervisor: sup,
		Events:     bus,
		Logger:     deps.Logger,
	})
	if err != nil {
		_ = sup.Close()
		return nil, err
	}
	var tg *telegram.Service
	if cfg.Telegram != nil {
		tgCfg := *cfg.Telegram
		if tgCfg.DefaultRepo == "" {
			tgCfg.DefaultRepo = cfg.Supervisor.DefaultRepo
		}
		tg, err = telegram.NewService(tgCfg, telegram.FrontendDeps{
			Supervisor: sup,
			Events:     bus,
			Logger:     deps.Logger,
		})
		if err != nil {
			_ = sup.Close()
			return nil, err
		}
	}
	return &compositeServer{cfg: cfg, sup: sup, bus: bus, control: ctl, telegram: tg}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	sup      core.Supervisor
	bus      *eventbus.Bus
	control  *control.Server
	telegram *telegram.Service
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	err     error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger = pslog.Ctx(s.ctx)
	s.started = true
	s.mu.Unlock()

	log := s.logger
	restored, err := s.sup.Restore(s.ctx)
	if err != nil {
		log.Warn("server restore failed", "err", err)
	} else if restored > 0 {
		log.Info("server restore ok", "agents", restored)
	}
	if err := s.control.Start(s.ctx); err != nil {
		s.cancel()
		return err
	}
	log.Info(
		"server start",
		"socket", s.control.SharedSocketPath(),
		"per_agent_sockets", s.cfg.Control.PerAgentSockets,
		"telegram", s.telegram != nil,
	)

	group, gctx := errgroup.WithContext(s.ctx)
	group.Go(func() error {
		<-gctx.Done()
		return s.control.Close()
	})
	if s.telegram != nil {
		group.Go(func() error {
			if err := s.telegram.Run(gctx); err != nil {
				log.Error("telegram bridge failed", "err", err)
				return err
			}
			return nil
		})
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.group = group
	s.done = done
	s.mu.Unlock()
	go func() {
		err := group.Wait()
		if closeErr := s.sup.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started || done == nil {
		return errors.New("server not started")
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		pslog.Ctx(s.ctx).Error("server stopped", "err", s.err)
	}
	return s.err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil || done == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}

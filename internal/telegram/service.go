package telegram

import (
	"context"
	"errors"

	"github.com/go-telegram/bot"
)

// Config configures the Telegram surface.
type Config struct {
	Token string
	FrontendConfig
}

// Service owns the bot, its sink, and the chat front-end.
type Service struct {
	bot   *bot.Bot
	front *Frontend
	sink  *Sink
}

// NewService connects to the Bot API and wires the front-end to it.
// deps.Sink is ignored; the service builds its own.
func NewService(cfg Config, deps FrontendDeps) (*Service, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	deps.Sink = nil
	front := NewFrontend(cfg.FrontendConfig, deps)
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(front.Handle))
	if err != nil {
		return nil, err
	}
	sink := NewSink(b, SinkOptions{Logger: front.log})
	front.SetSink(sink)
	return &Service{bot: b, front: front, sink: sink}, nil
}

// Frontend returns the chat front-end.
func (s *Service) Frontend() *Frontend {
	return s.front
}

// Run polls for updates until ctx is done, then stops every chat bridge.
func (s *Service) Run(ctx context.Context) error {
	s.front.log.Info("telegram polling started", "chats", len(s.front.allowed))
	s.bot.Start(ctx)
	s.front.Close()
	s.front.log.Info("telegram polling stopped")
	return nil
}

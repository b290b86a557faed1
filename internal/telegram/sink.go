package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"pkt.systems/ccbridge/internal/markdown"
	"pkt.systems/ccbridge/internal/relay"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// MaxMessageLength is Telegram's limit on message text, in characters.
const MaxMessageLength = 4096

const (
	defaultAttempts  = 3
	defaultBackoff   = time.Second
	maxRetryWait     = 30 * time.Second
	truncationMarker = "\n…"
)

// API is the part of *bot.Bot the sink uses.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
}

// SinkOptions tunes a Sink.
type SinkOptions struct {
	Attempts int
	Backoff  time.Duration
	Logger   pslog.Logger
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Sink delivers relay output to Telegram.
type Sink struct {
	api      API
	attempts int
	backoff  time.Duration
	log      pslog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ relay.MessageSink = (*Sink)(nil)

// NewSink wraps api as a relay.MessageSink.
func NewSink(api API, opts SinkOptions) *Sink {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Sink{
		api:      api,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		log:      opts.Logger,
		sleep:    opts.Sleep,
	}
}

// SendMessage posts a new message.
func (s *Sink) SendMessage(ctx context.Context, chat schema.ChatID, text string, mode relay.ParseMode) (schema.MessageID, error) {
	return s.send(ctx, chat, text, "", mode)
}

// ReplyToMessage posts a new message threaded under replyTo.
func (s *Sink) ReplyToMessage(ctx context.Context, chat schema.ChatID, text string, replyTo schema.MessageID, mode relay.ParseMode) (schema.MessageID, error) {
	return s.send(ctx, chat, text, replyTo, mode)
}

// EditMessage replaces the text of an existing message. An edit that would
// leave the text unchanged succeeds.
func (s *Sink) EditMessage(ctx context.Context, chat schema.ChatID, id schema.MessageID, text string, mode relay.ParseMode) error {
	messageID, err := strconv.Atoi(string(id))
	if err != nil {
		return relay.NewRenderError("edit", err)
	}
	body, parseMode := render(text, mode)
	params := &bot.EditMessageTextParams{
		ChatID:    chatTarget(chat),
		MessageID: messageID,
		Text:      body,
		ParseMode: parseMode,
	}
	err = s.retry(ctx, "edit", func() error {
		_, err := s.api.EditMessageText(ctx, params)
		return err
	})
	if err != nil && notModified(err) {
		return nil
	}
	return err
}

func (s *Sink) send(ctx context.Context, chat schema.ChatID, text string, replyTo schema.MessageID, mode relay.ParseMode) (schema.MessageID, error) {
	body, parseMode := render(text, mode)
	params := &bot.SendMessageParams{
		ChatID:    chatTarget(chat),
		Text:      body,
		ParseMode: parseMode,
	}
	if replyTo != "" {
		anchor, err := strconv.Atoi(string(replyTo))
		if err != nil {
			return "", relay.NewRenderError("reply", err)
		}
		params.ReplyParameters = &models.ReplyParameters{
			MessageID:                anchor,
			AllowSendingWithoutReply: true,
		}
	}
	var msg *models.Message
	err := s.retry(ctx, "send", func() error {
		var err error
		msg, err = s.api.SendMessage(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", relay.NewRenderError("send", errors.New("empty response"))
	}
	return schema.MessageID(strconv.Itoa(msg.ID)), nil
}

func (s *Sink) retry(ctx context.Context, op string, call func() error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		var limited *bot.TooManyRequestsError
		if !errors.As(err, &limited) || attempt == s.attempts {
			break
		}
		wait := time.Duration(limited.RetryAfter) * time.Second
		if wait <= 0 {
			wait = s.backoff * time.Duration(attempt)
		}
		if wait > maxRetryWait {
			wait = maxRetryWait
		}
		s.log.Debug("telegram rate limited", "op", op, "attempt", attempt, "wait", wait)
		if sleepErr := s.sleep(ctx, wait); sleepErr != nil {
			return relay.NewRenderError(op, sleepErr)
		}
	}
	return relay.NewRenderError(op, err)
}

// render converts text for the wire and enforces the length limit.
func render(text string, mode relay.ParseMode) (string, models.ParseMode) {
	if mode != relay.ModeMarkdown {
		return truncate(text, MaxMessageLength), ""
	}
	source := text
	for {
		body := markdown.ToTelegramHTML(source)
		over := len([]rune(body)) - MaxMessageLength
		if over <= 0 {
			return body, models.ParseModeHTML
		}
		runes := []rune(strings.TrimSuffix(source, truncationMarker))
		keep := len(runes) - over - len([]rune(truncationMarker))
		if keep <= 0 {
			return truncate(text, MaxMessageLength), ""
		}
		source = string(runes[:keep]) + truncationMarker
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	marker := []rune(truncationMarker)
	return string(runes[:limit-len(marker)]) + truncationMarker
}

func chatTarget(chat schema.ChatID) any {
	if id, err := strconv.ParseInt(string(chat), 10, 64); err == nil {
		return id
	}
	return string(chat)
}

func notModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

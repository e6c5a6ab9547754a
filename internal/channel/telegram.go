package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token   string
	Timeout time.Duration

	// OpsChatID/OpsThreadID receive operator log lines (see SendOps).
	OpsChatID   int64
	OpsThreadID int
}

type teleSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers reminders as chat messages. The Bot API accepting a
// message is final, so every handle reports Delivered.
type Telegram struct {
	cfg TelegramConfig
	bot teleSender
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, bot: b}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Normalize accepts a numeric chat id.
func (t *Telegram) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if _, err := strconv.ParseInt(s, 10, 64); err != nil || s == "" || s == "0" {
		return "", fmt.Errorf("telegram: invalid chat id %q", raw)
	}
	return s, nil
}

func (t *Telegram) Submit(ctx context.Context, addr string, msg Message) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(addr), 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q", addr)
	}
	m, err := t.bot.Send(&tele.Chat{ID: chatID}, msg.Text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return Handle(fmt.Sprintf("tg:%d:%d", chatID, m.ID)), nil
}

func (t *Telegram) FetchStatus(ctx context.Context, h Handle) (Status, error) {
	if !strings.HasPrefix(string(h), "tg:") {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return StatusDelivered, nil
}

// SendOps posts an operator message to the configured ops chat.
func (t *Telegram) SendOps(ctx context.Context, text string) error {
	if t.cfg.OpsChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.OpsChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.OpsThreadID,
	})
	return err
}

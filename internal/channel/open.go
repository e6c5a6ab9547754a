package channel

import (
	"fmt"
	"strings"

	logx "pillcall/pkg/logx"
)

// Config selects and configures the outbound channel.
type Config struct {
	Driver   string // "twilio" | "telegram" | "log"
	Twilio   TwilioConfig
	Telegram TelegramConfig
	Phone    E164
}

// Open builds the configured channel. An empty driver is the dry-run log channel.
func Open(cfg Config, log logx.Logger) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log", "dryrun", "dry-run":
		return NewLog(log, cfg.Phone), nil
	case "twilio":
		tc := cfg.Twilio
		tc.Phone = cfg.Phone
		return NewTwilio(tc)
	case "telegram":
		return NewTelegram(cfg.Telegram)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}

package channel

import (
	"context"
	"strings"

	"github.com/google/uuid"

	logx "pillcall/pkg/logx"
)

// Log is a dry-run channel: it logs the message and reports it delivered.
type Log struct {
	log   logx.Logger
	phone E164
}

func NewLog(log logx.Logger, phone E164) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log, phone: phone}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Normalize(raw string) (string, error) {
	if strings.HasPrefix(strings.TrimSpace(raw), "tg:") {
		return strings.TrimSpace(raw), nil
	}
	return l.phone.Normalize(raw)
}

func (l *Log) Submit(ctx context.Context, addr string, msg Message) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := Handle("log-" + uuid.NewString())
	l.log.Info("notification (dry run)",
		logx.String("to", addr),
		logx.String("label", msg.Label),
		logx.String("text", msg.Text),
		logx.String("handle", string(h)),
	)
	return h, nil
}

func (l *Log) FetchStatus(ctx context.Context, h Handle) (Status, error) {
	return StatusDelivered, nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	Voice      string // default "alice"
	Phone      E164
}

type twilioCalls interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
}

// Twilio places a voice call that reads the message with <Say>.
type Twilio struct {
	cfg   TwilioConfig
	calls twilioCalls
}

func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio account_sid and auth_token are required")
	}
	from, err := cfg.Phone.Normalize(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("twilio from number: %w", err)
	}
	cfg.From = from
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "alice"
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Twilio{cfg: cfg, calls: rc.Api}, nil
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Normalize(raw string) (string, error) { return t.cfg.Phone.Normalize(raw) }

func (t *Twilio) Submit(ctx context.Context, addr string, msg Message) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: msg.Text, Voice: t.cfg.Voice}})
	if err != nil {
		return "", fmt.Errorf("twiml: %w", err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(addr)
	params.SetFrom(t.cfg.From)
	params.SetTwiml(doc)

	call, err := t.calls.CreateCall(params)
	if err != nil {
		return "", describeTwilioErr("create call", err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", errors.New("twilio create call: response has no sid")
	}
	return Handle(*call.Sid), nil
}

func (t *Twilio) FetchStatus(ctx context.Context, h Handle) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusUnknown, err
	}
	call, err := t.calls.FetchCall(string(h), &openapi.FetchCallParams{})
	if err != nil {
		return StatusUnknown, describeTwilioErr("fetch call", err)
	}
	if call == nil || call.Status == nil {
		return StatusUnknown, nil
	}
	return mapTwilioStatus(string(*call.Status)), nil
}

func mapTwilioStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StatusRequested
	case "initiated", "ringing", "in-progress":
		return StatusDialing
	case "completed":
		return StatusDelivered
	case "failed":
		return StatusFailed
	case "busy":
		return StatusBusy
	case "no-answer":
		return StatusNoAnswer
	case "canceled":
		return StatusCanceled
	}
	return StatusUnknown
}

func describeTwilioErr(op string, err error) error {
	var te *client.TwilioRestError
	if errors.As(err, &te) {
		if te.Status == http.StatusNotFound {
			return fmt.Errorf("twilio %s: %w: %s", op, ErrNotFound, te.Message)
		}
		return fmt.Errorf("twilio %s: code %d: %s", op, te.Code, te.Message)
	}
	return fmt.Errorf("twilio %s: %w", op, err)
}

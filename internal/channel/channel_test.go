package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	tele "gopkg.in/telebot.v4"
)

func TestE164Normalize(t *testing.T) {
	t.Parallel()
	p := E164{DefaultCountry: "91"}
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "+1 (415) 555-0100", want: "+14155550100", ok: true},
		{raw: "9876543210", want: "+919876543210", ok: true},
		{raw: "98765 43210", want: "+919876543210", ok: true},
		{raw: "919876543210", want: "+919876543210", ok: true},
		{raw: "0044 20 7946 0958", want: "+442079460958", ok: true},
		{raw: "12345"},
		{raw: ""},
		{raw: "+12"},
	}
	for _, tt := range tests {
		got, err := p.Normalize(tt.raw)
		if !tt.ok {
			if !errors.Is(err, ErrBadPhone) {
				t.Fatalf("Normalize(%q) err = %v, want ErrBadPhone", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := []Status{StatusDelivered, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []Status{StatusRequested, StatusDialing, StatusTimedOut, StatusUnknown} {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true", s)
		}
	}
	if !StatusTimedOut.Final() {
		t.Fatal("timed_out should be final")
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	m := Render("", "Morning dose")
	if m.Text != "Reminder. Morning dose. Take your insulin." {
		t.Fatalf("Render default = %q", m.Text)
	}
	m = Render("Time for {label}!", "pills")
	if m.Text != "Time for pills!" {
		t.Fatalf("Render = %q", m.Text)
	}
}

type fakeCalls struct {
	created *openapi.CreateCallParams
	status  string
}

func (f *fakeCalls) CreateCall(p *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	f.created = p
	sid := "CA0001"
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeCalls) FetchCall(sid string, _ *openapi.FetchCallParams) (*openapi.ApiV2010Call, error) {
	var call openapi.ApiV2010Call
	body := fmt.Sprintf(`{"sid":%q,"status":%q}`, sid, f.status)
	if err := json.Unmarshal([]byte(body), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func TestTwilioSubmitAndStatus(t *testing.T) {
	t.Parallel()
	fc := &fakeCalls{status: "ringing"}
	tw := &Twilio{cfg: TwilioConfig{From: "+15550000000", Voice: "alice"}, calls: fc}

	h, err := tw.Submit(context.Background(), "+919876543210", Render("", "Evening dose"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h != "CA0001" {
		t.Fatalf("handle = %q", h)
	}
	if fc.created == nil || fc.created.To == nil || *fc.created.To != "+919876543210" {
		t.Fatalf("CreateCall To = %+v", fc.created)
	}
	if fc.created.Twiml == nil || !strings.Contains(*fc.created.Twiml, "Evening dose") {
		t.Fatalf("twiml = %v", fc.created.Twiml)
	}

	tests := map[string]Status{
		"queued":      StatusRequested,
		"ringing":     StatusDialing,
		"in-progress": StatusDialing,
		"completed":   StatusDelivered,
		"no-answer":   StatusNoAnswer,
		"busy":        StatusBusy,
		"failed":      StatusFailed,
		"canceled":    StatusCanceled,
	}
	for raw, want := range tests {
		fc.status = raw
		got, err := tw.FetchStatus(context.Background(), h)
		if err != nil {
			t.Fatalf("FetchStatus(%s): %v", raw, err)
		}
		if got != want {
			t.Fatalf("FetchStatus(%s) = %s, want %s", raw, got, want)
		}
	}
}

type fakeBot struct {
	to   tele.Recipient
	text string
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.to = to
	f.text, _ = what.(string)
	return &tele.Message{ID: 7}, nil
}

func TestTelegramSubmit(t *testing.T) {
	t.Parallel()
	fb := &fakeBot{}
	tg := &Telegram{bot: fb}

	if _, err := tg.Normalize("not-a-chat"); err == nil {
		t.Fatal("Normalize accepted a non-numeric chat id")
	}
	h, err := tg.Submit(context.Background(), "12345", Message{Text: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h != "tg:12345:7" || fb.text != "hi" || fb.to.Recipient() != "12345" {
		t.Fatalf("Submit = %q, sent %q to %v", h, fb.text, fb.to)
	}
	st, err := tg.FetchStatus(context.Background(), h)
	if err != nil || st != StatusDelivered {
		t.Fatalf("FetchStatus = %s, %v", st, err)
	}
}

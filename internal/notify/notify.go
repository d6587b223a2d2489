// Package notify sends qualified-lead alerts to the business that owns a form.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// JobKindLeadAlert is the durable job kind that delivers a LeadAlert.
const JobKindLeadAlert = "lead_alert"

var (
	ErrMissingCredentials = errors.New("twilio account SID and auth token must be provided")
	ErrMissingFrom        = errors.New("twilio from number must be provided")
)

// Sender delivers a text message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// messageCreator is the slice of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio sender.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio sender.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending number in E.164 form.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// TwilioSender sends SMS through the Twilio REST API.
type TwilioSender struct {
	api  messageCreator
	from string
}

// NewTwilioSender builds a sender from options.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.From == "" {
		return nil, ErrMissingFrom
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: cfg.From}, nil
}

// SendMessage sends one SMS.
func (s *TwilioSender) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	msg, err := s.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioSender.SendMessage: failed", "to", to, "error", err)
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("TwilioSender.SendMessage: sent", "to", to, "sid", sid)
	return nil
}

// LogSender writes alerts to the log. Used when Twilio is not configured.
type LogSender struct{}

func (LogSender) SendMessage(ctx context.Context, to string, body string) error {
	slog.Info("LogSender.SendMessage: lead alert", "to", to, "body", body)
	return nil
}

// LeadAlert is the payload of a lead_alert job.
type LeadAlert struct {
	SessionID  string            `json:"session_id"`
	FormID     string            `json:"form_id"`
	ClientName string            `json:"client_name,omitempty"`
	Score      int               `json:"score"`
	Label      models.LeadStatus `json:"label"`
	Name       string            `json:"name,omitempty"`
	Company    string            `json:"company,omitempty"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Highlights []string          `json:"highlights,omitempty"`
}

// DedupeKey makes sure one session raises at most one pending alert.
func (a LeadAlert) DedupeKey() string {
	return JobKindLeadAlert + ":" + a.SessionID
}

// Format renders the alert as a short SMS body.
func (a LeadAlert) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "New qualified lead (score %d)", a.Score)
	if a.ClientName != "" {
		fmt.Fprintf(&b, " for %s", a.ClientName)
	}
	who := strings.TrimSpace(strings.Join(nonEmpty(a.Name, a.Company), ", "))
	if who != "" {
		b.WriteString("\n" + who)
	}
	if contact := strings.Join(nonEmpty(a.Phone, a.Email), " / "); contact != "" {
		b.WriteString("\n" + contact)
	}
	for i, h := range a.Highlights {
		if i == 3 {
			break
		}
		b.WriteString("\n+ " + h)
	}
	fmt.Fprintf(&b, "\nsession %s", a.SessionID)
	return b.String()
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Notifier fans a LeadAlert out to the configured recipients.
type Notifier struct {
	sender     Sender
	recipients []string
	metrics    *metrics.Metrics
}

// NewNotifier creates a Notifier. m may be nil.
func NewNotifier(sender Sender, recipients []string, m *metrics.Metrics) *Notifier {
	return &Notifier{sender: sender, recipients: recipients, metrics: m}
}

// Notify sends the alert to every recipient and returns the first error.
func (n *Notifier) Notify(ctx context.Context, alert LeadAlert) error {
	if len(n.recipients) == 0 {
		slog.Warn("Notifier.Notify: no recipients configured", "sessionID", alert.SessionID)
		return nil
	}
	body := alert.Format()
	var firstErr error
	for _, to := range n.recipients {
		if err := n.sender.SendMessage(ctx, to, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.metrics.LeadAlert(firstErr)
	return firstErr
}

// JobHandler decodes lead_alert payloads and delivers them. A failed send is
// returned so the job runner retries it with backoff.
func (n *Notifier) JobHandler() store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var alert LeadAlert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return fmt.Errorf("invalid lead_alert payload: %w", err)
		}
		slog.Info("Notifier.JobHandler: delivering lead alert", "sessionID", alert.SessionID, "score", alert.Score)
		return n.Notify(ctx, alert)
	}
}

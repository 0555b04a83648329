// Package notification renders and delivers patient-facing email and SMS
// messages for appointment request events.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dental/clinic/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Channel is the medium used to deliver a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Events a template can be bound to.
const (
	EventRequestReceived  = "request-received"
	EventRequestConfirmed = "request-confirmed"
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a message sent on one channel when Event occurs.
type Template struct {
	ID      string
	Event   string
	Channel Channel
	Subject string
	Body    string
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "request-received-email",
			Event:   EventRequestReceived,
			Channel: ChannelEmail,
			Subject: "We received your appointment request {{request_id}}",
			Body: "Dear {{name}},\n\nThank you for booking with us. Your request {{request_id}} for " +
				"{{service_type}} on {{preferred_date}} ({{preferred_time}}) has been received. " +
				"Our staff will contact you shortly to confirm.\n",
		},
		{
			ID:      "request-received-sms",
			Event:   EventRequestReceived,
			Channel: ChannelSMS,
			Body:    "Request {{request_id}} received for {{preferred_date}} {{preferred_time}}. We will call you to confirm.",
		},
		{
			ID:      "request-confirmed-email",
			Event:   EventRequestConfirmed,
			Channel: ChannelEmail,
			Subject: "Your appointment is confirmed ({{request_id}})",
			Body: "Dear {{name}},\n\nYour {{service_type}} appointment is confirmed for {{date}} " +
				"from {{start_time}} to {{end_time}}. Your patient number is {{hn}}.\n",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// ForEvent returns the templates bound to event, ordered by ID.
func (e *TemplateEngine) ForEvent(event string) []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Template
	for _, t := range e.templates {
		if t.Event == event {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Recipient is who a notification goes to. Empty addresses skip the channel.
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// Outcome is the delivery result on one channel.
type Outcome struct {
	Channel Channel
	Sent    bool
	Err     error
}

var ErrNoSender = errors.New("no sender configured for channel")

// Dispatcher renders the templates bound to an event and sends each one on
// its channel. A nil sender disables its channel.
type Dispatcher struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	metrics   *telemetry.Metrics
	log       zerolog.Logger

	maxTries uint
	interval time.Duration
}

func NewDispatcher(email EmailSender, sms SMSSender, tpl *TemplateEngine, metrics *telemetry.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{email: email, sms: sms, templates: tpl, metrics: metrics, log: log, maxTries: 1}
}

// WithRetry lets each send be tried up to maxTries times, backing off
// exponentially from interval.
func (d *Dispatcher) WithRetry(maxTries uint, interval time.Duration) *Dispatcher {
	if maxTries < 1 {
		maxTries = 1
	}
	d.maxTries = maxTries
	d.interval = interval
	return d
}

// Notify delivers every template bound to event and returns one Outcome per
// attempted channel. Channels without a sender or address are skipped.
func (d *Dispatcher) Notify(ctx context.Context, event string, to Recipient, data map[string]string) []Outcome {
	vars := map[string]string{"name": to.Name}
	for k, v := range data {
		vars[k] = v
	}

	var outcomes []Outcome
	for _, t := range d.templates.ForEvent(event) {
		if !d.enabled(t.Channel, to) {
			continue
		}
		subject, body, err := d.templates.Render(t.ID, vars)
		if err == nil {
			err = d.deliver(ctx, t.Channel, to, subject, body)
		}
		d.metrics.Notification(string(t.Channel), err == nil)
		if err != nil {
			d.log.Warn().Err(err).Str("event", event).Str("channel", string(t.Channel)).Msg("notification delivery failed")
		}
		outcomes = append(outcomes, Outcome{Channel: t.Channel, Sent: err == nil, Err: err})
	}
	return outcomes
}

func (d *Dispatcher) enabled(ch Channel, to Recipient) bool {
	switch ch {
	case ChannelEmail:
		return d.email != nil && to.Email != ""
	case ChannelSMS:
		return d.sms != nil && to.Phone != ""
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, to Recipient, subject, body string) error {
	if d.maxTries <= 1 {
		return d.send(ctx, ch, to, subject, body)
	}
	b := backoff.NewExponentialBackOff()
	if d.interval > 0 {
		b.InitialInterval = d.interval
		b.MaxInterval = 10 * d.interval
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := d.send(ctx, ch, to, subject, body)
		if err != nil && attempt < int(d.maxTries) {
			d.log.Debug().Err(err).Str("channel", string(ch)).Int("attempt", attempt).Msg("notification send failed, retrying")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.maxTries))
	return err
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, to Recipient, subject, body string) error {
	switch ch {
	case ChannelEmail:
		return d.email.SendEmail(ctx, to.Email, subject, body)
	case ChannelSMS:
		return d.sms.SendSMS(ctx, to.Phone, body)
	}
	return fmt.Errorf("%w: %s", ErrNoSender, ch)
}

// ---------------------------------------------------------------------------
// Mock Senders (test doubles)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

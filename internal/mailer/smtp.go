package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/retry"
)

const (
	DefaultPort    = 587
	DefaultTimeout = 30 * time.Second

	guestSubjectPrefix = "[Gästekarte] "
)

var ErrMissingRecipient = errors.New("no recipient address")

// TLS modes.
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "ssl"
	TLSNone     = "none"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS is one of starttls (default), ssl or none.
	TLS     string
	Timeout time.Duration

	From     string
	FromName string

	// TestMode sends every mail to TestRecipient only.
	TestMode      bool
	TestRecipient string

	// UnknownCardRecipient receives alerts about cards without a directory entry.
	UnknownCardRecipient string
}

// Envelope is a rendered message with its recipients.
type Envelope struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// Transport delivers envelopes.
type Transport interface {
	Deliver(ctx context.Context, env Envelope) error
}

// SMTPSender implements the strike notifier on top of a Renderer and a
// Transport.
type SMTPSender struct {
	renderer  *Renderer
	transport Transport
	cfg       Config
}

// NewSMTPSender delivers through a go-mail client built from cfg.
func NewSMTPSender(cfg Config, r *Renderer) (*SMTPSender, error) {
	t, err := newGoMailTransport(cfg)
	if err != nil {
		return nil, err
	}
	return NewSender(cfg, r, t), nil
}

// NewSender uses an arbitrary transport.
func NewSender(cfg Config, r *Renderer, t Transport) *SMTPSender {
	return &SMTPSender{renderer: r, transport: t, cfg: cfg}
}

// NotifyUser mails the card holder with the supervisor in copy.
func (s *SMTPSender) NotifyUser(ctx context.Context, n types.Notice) error {
	if n.Person == nil {
		return retry.Permanent(fmt.Errorf("%w: notice for %s has no card holder", ErrMissingRecipient, n.CardUID))
	}
	if n.Person.Email == "" {
		return retry.Permanent(fmt.Errorf("%w: card holder %s", ErrMissingRecipient, n.CardUID))
	}

	msg, err := s.renderer.Render(n)
	if err != nil {
		return retry.Permanent(err)
	}

	env := Envelope{To: []string{n.Person.Email}, Subject: msg.Subject, Body: msg.Body}
	if n.Person.SupervisorEmail != "" {
		env.Cc = []string{n.Person.SupervisorEmail}
	}
	return s.send(ctx, env, n)
}

// NotifySupervisor mails the supervisor of a guest card, or the facility
// address when the card is unknown.
func (s *SMTPSender) NotifySupervisor(ctx context.Context, n types.Notice) error {
	var to string
	if n.Person == nil {
		to = s.cfg.UnknownCardRecipient
	} else {
		to = n.Person.SupervisorEmail
	}
	if to == "" && !s.testMode() {
		return retry.Permanent(fmt.Errorf("%w: supervisor alert for lock %s", ErrMissingRecipient, n.LockID))
	}

	msg, err := s.renderer.Render(n)
	if err != nil {
		return retry.Permanent(err)
	}
	if n.Person != nil && n.Person.Guest {
		msg.Subject = guestSubjectPrefix + msg.Subject
	}

	return s.send(ctx, Envelope{To: []string{to}, Subject: msg.Subject, Body: msg.Body}, n)
}

func (s *SMTPSender) testMode() bool {
	return s.cfg.TestMode && s.cfg.TestRecipient != ""
}

func (s *SMTPSender) send(ctx context.Context, env Envelope, n types.Notice) error {
	if s.testMode() {
		logger.InfoKV(ctx, "Test mode: redirecting mail", "original_to", env.To, "to", s.cfg.TestRecipient)
		env.To = []string{s.cfg.TestRecipient}
		env.Cc = nil
	}

	if err := s.transport.Deliver(ctx, env); err != nil {
		return err
	}
	logger.InfoKV(ctx, "Mail sent",
		"card_uid", n.CardUID, "template", string(n.Template), "to", env.To, "cc", env.Cc)
	return nil
}

// ── go-mail transport ────────────────────────────────────────────────────────

type goMailTransport struct {
	client   *mail.Client
	from     string
	fromName string
}

func newGoMailTransport(cfg Config) (*goMailTransport, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host not configured")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	switch strings.ToLower(cfg.TLS) {
	case "", TLSStartTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case TLSImplicit:
		opts = append(opts, mail.WithSSL())
	case TLSNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", cfg.TLS)
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &goMailTransport{client: c, from: cfg.From, fromName: cfg.FromName}, nil
}

func (t *goMailTransport) Deliver(ctx context.Context, env Envelope) error {
	m, err := buildMsg(t.fromName, t.from, env)
	if err != nil {
		return retry.Permanent(err)
	}

	if err := t.client.DialAndSendWithContext(ctx, m); err != nil {
		var se *mail.SendError
		if errors.As(err, &se) && !se.IsTemp() {
			return retry.Permanent(fmt.Errorf("smtp send: %w", err))
		}
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMsg(fromName, from string, env Envelope) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(fromName, from); err != nil {
		return nil, fmt.Errorf("from address %q: %w", from, err)
	}
	if err := m.To(env.To...); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	if len(env.Cc) > 0 {
		if err := m.Cc(env.Cc...); err != nil {
			return nil, fmt.Errorf("cc address: %w", err)
		}
	}
	m.Subject(env.Subject)
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, env.Body)
	return m, nil
}

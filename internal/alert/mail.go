package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"pkt.systems/middlewared/internal/registry"
)

// MailConfig is the outgoing SMTP relay.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is one of "none", "opportunistic" or "mandatory".
	TLS     string
	Timeout time.Duration
}

// MailMessage is a message sent through the relay.
type MailMessage struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Mailer sends mail; the alert engine uses it for alerts carrying a Mail
// message.
type Mailer interface {
	SendMail(ctx context.Context, msg MailMessage) error
}

// SMTPMailer delivers through MailConfig.
type SMTPMailer struct {
	cfg MailConfig
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg MailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Configured reports whether a relay host is set.
func (m *SMTPMailer) Configured() bool { return m != nil && m.cfg.Host != "" }

// SendMail implements Mailer.
func (m *SMTPMailer) SendMail(ctx context.Context, msg MailMessage) error {
	if !m.Configured() {
		return fmt.Errorf("alert: mail relay is not configured")
	}
	opts := []mail.Option{mail.WithPort(m.cfg.Port), mail.WithTLSPolicy(tlsPolicy(m.cfg.TLS))}
	if m.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(m.cfg.Timeout))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("alert: mail client: %w", err)
	}
	out := mail.NewMsg()
	if err := out.From(m.cfg.From); err != nil {
		return fmt.Errorf("alert: mail from %q: %w", m.cfg.From, err)
	}
	if err := out.To(msg.To...); err != nil {
		return fmt.Errorf("alert: mail to %v: %w", msg.To, err)
	}
	out.Subject(msg.Subject)
	out.SetBodyString(mail.TypeTextPlain, msg.Text)
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("alert: send mail: %w", err)
	}
	return nil
}

func tlsPolicy(name string) mail.TLSPolicy {
	switch strings.ToLower(name) {
	case "none":
		return mail.NoTLS
	case "mandatory":
		return mail.TLSMandatory
	default:
		return mail.TLSOpportunistic
	}
}

type mailService struct {
	mailer Mailer
	to     []string
}

func (s *mailService) Send(ctx context.Context, msg Message) error {
	return s.mailer.SendMail(ctx, MailMessage{To: s.to, Subject: msg.Subject(), Text: msg.Text()})
}

// MailServiceType delivers alerts to an address through mailer.
func MailServiceType(mailer Mailer) ServiceType {
	return ServiceType{
		Name:  "Mail",
		Title: "Email",
		Attributes: registry.Object(
			registry.F("email", registry.Str().NonEmpty().Pattern(`^[^@\s]+@[^@\s]+$`)).Required(),
		),
		New: func(attrs map[string]any) (Service, error) {
			email, _ := attrs["email"].(string)
			if email == "" {
				return nil, fmt.Errorf("alert: mail service needs an email")
			}
			return &mailService{mailer: mailer, to: []string{email}}, nil
		},
	}
}

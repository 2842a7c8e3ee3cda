package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// MailConfig configures the SMTP transport.
type MailConfig struct {
	Host   string
	Port   int
	Sender string
	User   string
	Pass   string
	TLS    bool
}

// MailTransport delivers notifications over SMTP.
type MailTransport struct {
	logger *zap.Logger
	cfg    MailConfig
	sendFn func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailTransport creates the SMTP transport.
func NewMailTransport(cfg MailConfig, logger *zap.Logger) *MailTransport {
	return &MailTransport{
		logger: logger.Named("notify.mail"),
		cfg:    cfg,
		sendFn: smtp.SendMail,
	}
}

func (t *MailTransport) Name() string { return "mail" }

// Send renders the subject and body from the request and mails them.
func (t *MailTransport) Send(_ context.Context, req *Request, recipients []string, opts Options) (int, error) {
	if len(recipients) == 0 {
		return 0, NewNotificationError("mail notification without recipients")
	}

	values := MessageValues(req)
	subject := opts.String("subject", "")
	if subject == "" {
		subject = Subject(req)
	} else {
		subject = FormatMessage(subject, values)
	}
	body := FormatMessage(opts.String("message", defaultMailBody), values)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", t.cfg.Sender)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if t.cfg.User != "" {
		auth = smtp.PlainAuth("", t.cfg.User, t.cfg.Pass, t.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	if err := t.sendFn(addr, auth, t.cfg.Sender, recipients, []byte(msg.String())); err != nil {
		return 0, NewNotificationError("smtp delivery to %s failed: %v", addr, err)
	}

	t.logger.Info("Mail sent",
		zap.Int("alert_id", req.Alert.ID),
		zap.Strings("recipients", recipients))
	return opts.Repeat(), nil
}

const defaultMailBody = "Alert: {name}\nEntity: {entities}\nValue: {value}\nDuration: {duration}\n{alert_link}\n"

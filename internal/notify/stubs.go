package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport is a placeholder for channels that are declared in alert
// definitions but not provisioned in this deployment. It renders and
// logs the message so the repeat bookkeeping still works.
type LogTransport struct {
	logger *zap.Logger
	name   string
}

// NewLogTransport creates a log-only transport under the given name.
func NewLogTransport(name string, logger *zap.Logger) *LogTransport {
	return &LogTransport{
		logger: logger.Named("notify." + name),
		name:   name,
	}
}

func (t *LogTransport) Name() string { return t.name }

func (t *LogTransport) Send(_ context.Context, req *Request, recipients []string, opts Options) (int, error) {
	t.logger.Info("Notification channel not provisioned, logging only",
		zap.String("transport", t.name),
		zap.Int("alert_id", req.Alert.ID),
		zap.String("entity", req.Entity.ID()),
		zap.Strings("recipients", recipients),
		zap.String("subject", Subject(req)))
	return opts.Repeat(), nil
}

// RegisterDefaults wires the standard transport set into a dispatcher.
// Channels without configuration fall back to log-only delivery.
func RegisterDefaults(d *Dispatcher, mail MailConfig, slackWebhook, opsgenieKey, pagerdutyKey string, logger *zap.Logger) {
	if mail.Host != "" {
		d.Register(NewMailTransport(mail, logger))
	} else {
		d.Register(NewLogTransport("mail", logger))
	}
	d.Register(NewHTTPTransport(logger))
	if slackWebhook != "" {
		d.Register(NewSlackTransport(slackWebhook, logger))
	} else {
		d.Register(NewLogTransport("slack", logger))
	}
	if opsgenieKey != "" {
		d.Register(NewOpsgenieTransport(opsgenieKey, logger))
	} else {
		d.Register(NewLogTransport("opsgenie", logger))
	}
	if pagerdutyKey != "" {
		d.Register(NewPagerdutyTransport(pagerdutyKey, logger))
	} else {
		d.Register(NewLogTransport("pagerduty", logger))
	}
	for _, name := range []string{"sms", "push", "hipchat", "twilio", "hubot"} {
		d.Register(NewLogTransport(name, logger))
	}
}

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// HTTPTransport posts the notification payload to arbitrary webhook URLs.
// Recipients are the target URLs.
type HTTPTransport struct {
	logger *zap.Logger
	client *resty.Client
}

// NewHTTPTransport creates the webhook transport.
func NewHTTPTransport(logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		logger: logger.Named("notify.http"),
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Send(ctx context.Context, req *Request, recipients []string, opts Options) (int, error) {
	if len(recipients) == 0 {
		return 0, NewNotificationError("http notification without target URLs")
	}

	payload := map[string]interface{}{
		"alert_id":      req.Alert.ID,
		"check_id":      req.Alert.CheckID,
		"alert_name":    req.Alert.Name,
		"entity":        req.Entity.ID(),
		"is_alert":      req.IsAlert,
		"alert_changed": req.Changed,
		"captures":      req.Captures,
		"duration_sec":  req.Duration,
	}
	if req.Result != nil {
		payload["value"] = req.Result.Value
	}
	if req.Link != "" {
		payload["alert_link"] = req.Link
	}

	for _, url := range recipients {
		resp, err := t.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post(url)
		if err != nil {
			return 0, NewNotificationError("webhook %s unreachable: %v", url, err)
		}
		if resp.IsError() {
			return 0, NewNotificationError("webhook %s returned %d", url, resp.StatusCode())
		}
	}

	t.logger.Info("Webhook notification sent",
		zap.Int("alert_id", req.Alert.ID),
		zap.Int("targets", len(recipients)))
	return opts.Repeat(), nil
}

// SlackTransport posts a rendered message to Slack incoming webhooks.
type SlackTransport struct {
	logger     *zap.Logger
	client     *resty.Client
	webhookURL string
}

// NewSlackTransport creates the Slack transport. webhookURL is the
// default incoming webhook; a recipient overrides it per call.
func NewSlackTransport(webhookURL string, logger *zap.Logger) *SlackTransport {
	return &SlackTransport{
		logger:     logger.Named("notify.slack"),
		client:     resty.New().SetTimeout(10 * time.Second),
		webhookURL: webhookURL,
	}
}

func (t *SlackTransport) Name() string { return "slack" }

func (t *SlackTransport) Send(ctx context.Context, req *Request, recipients []string, opts Options) (int, error) {
	url := t.webhookURL
	if len(recipients) > 0 {
		url = recipients[0]
	}
	if url == "" {
		return 0, NewNotificationError("slack notification without a webhook URL")
	}

	values := MessageValues(req)
	text := opts.String("message", "")
	if text == "" {
		text = Subject(req)
	} else {
		text = FormatMessage(text, values)
	}

	color := "good"
	if req.IsAlert {
		color = "danger"
	}
	attachment := map[string]interface{}{
		"color": color,
		"text":  text,
	}
	if req.Link != "" {
		attachment["title"] = req.Alert.Name
		attachment["title_link"] = req.Link
	}
	body := map[string]interface{}{
		"username":    "zmon",
		"channel":     opts.String("channel", ""),
		"attachments": []map[string]interface{}{attachment},
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return 0, NewNotificationError("slack webhook unreachable: %v", err)
	}
	if resp.IsError() {
		return 0, NewNotificationError("slack webhook returned %d", resp.StatusCode())
	}
	return opts.Repeat(), nil
}

// OpsgenieTransport creates and closes OpsGenie alerts. The alias ties
// the OpsGenie alert to the (alert, entity) pair so ENDED evaluations
// close what NEW ones opened.
type OpsgenieTransport struct {
	logger *zap.Logger
	client *resty.Client
	apiKey string
}

// NewOpsgenieTransport creates the OpsGenie transport.
func NewOpsgenieTransport(apiKey string, logger *zap.Logger) *OpsgenieTransport {
	return &OpsgenieTransport{
		logger: logger.Named("notify.opsgenie"),
		client: resty.New().SetTimeout(10 * time.Second).SetBaseURL("https://api.opsgenie.com"),
		apiKey: apiKey,
	}
}

func (t *OpsgenieTransport) Name() string { return "opsgenie" }

func (t *OpsgenieTransport) Send(ctx context.Context, req *Request, recipients []string, opts Options) (int, error) {
	if t.apiKey == "" {
		return 0, NewNotificationError("opsgenie notification without an API key")
	}
	alias := fmt.Sprintf("ZMON-%d-%s", req.Alert.ID, req.Entity.ID())

	r := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "GenieKey "+t.apiKey)

	var resp *resty.Response
	var err error
	if req.IsAlert {
		teams := make([]map[string]string, 0, len(recipients))
		for _, team := range recipients {
			teams = append(teams, map[string]string{"name": team})
		}
		resp, err = r.SetBody(map[string]interface{}{
			"alias":       alias,
			"message":     Subject(req),
			"description": FormatMessage(opts.String("message", "{name} on {entities}"), MessageValues(req)),
			"teams":       teams,
			"priority":    opts.String("priority", "P3"),
			"details":     req.Captures,
		}).Post("/v2/alerts")
	} else {
		resp, err = r.SetBody(map[string]interface{}{
			"source": req.WorkerName,
		}).Post("/v2/alerts/" + alias + "/close?identifierType=alias")
	}
	if err != nil {
		return 0, NewNotificationError("opsgenie unreachable: %v", err)
	}
	if resp.IsError() {
		return 0, NewNotificationError("opsgenie returned %d", resp.StatusCode())
	}
	return opts.Repeat(), nil
}

// PagerdutyTransport triggers and resolves PagerDuty incidents through
// the Events v2 API, keyed by the (alert, entity) pair.
type PagerdutyTransport struct {
	logger     *zap.Logger
	client     *resty.Client
	routingKey string
}

// NewPagerdutyTransport creates the PagerDuty transport.
func NewPagerdutyTransport(routingKey string, logger *zap.Logger) *PagerdutyTransport {
	return &PagerdutyTransport{
		logger:     logger.Named("notify.pagerduty"),
		client:     resty.New().SetTimeout(10 * time.Second).SetBaseURL("https://events.pagerduty.com"),
		routingKey: routingKey,
	}
}

func (t *PagerdutyTransport) Name() string { return "pagerduty" }

func (t *PagerdutyTransport) Send(ctx context.Context, req *Request, recipients []string, opts Options) (int, error) {
	key := t.routingKey
	if len(recipients) > 0 {
		key = recipients[0]
	}
	if key == "" {
		return 0, NewNotificationError("pagerduty notification without a routing key")
	}

	action := "resolve"
	if req.IsAlert {
		action = "trigger"
	}
	body := map[string]interface{}{
		"routing_key":  key,
		"event_action": action,
		"dedup_key":    fmt.Sprintf("zmon-%d-%s", req.Alert.ID, req.Entity.ID()),
		"payload": map[string]interface{}{
			"summary":        Subject(req),
			"source":         req.Entity.ID(),
			"severity":       opts.String("severity", "error"),
			"custom_details": req.Captures,
		},
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v2/enqueue")
	if err != nil {
		return 0, NewNotificationError("pagerduty unreachable: %v", err)
	}
	if resp.IsError() {
		return 0, NewNotificationError("pagerduty returned %d", resp.StatusCode())
	}
	return opts.Repeat(), nil
}

package notify

import (
	"context"
	"fmt"
	"time"

	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/snapshot"

	"github.com/go-resty/resty/v2"
)

const (
	report_webhook_post = "webhook.post"
)

type webhookContent struct {
	Text string `json:"text"`
}

type webhookBody struct {
	MsgType string         `json:"msg_type"`
	Content webhookContent `json:"content"`
}

// Webhook posts a text message to a chat bot webhook (feishu/lark format).
type Webhook struct {
	url  string
	http *resty.Client
	tel  telemetry.API
}

func NewWebhook(url string, tel telemetry.API) Webhook {
	assert.NotNil(tel)

	tel = telemetry.NewScopedAPI("notify", tel)
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetHeader("content-type", "application/json")
	telemetry.InstrumentResty(client, tel)

	return Webhook{
		url:  url,
		http: client,
		tel:  tel,
	}
}

// Notify posts a single message for all `records`, it is skipped if no url
// is configured. Failures are reported and not retried.
func (w Webhook) Notify(ctx context.Context, records []snapshot.GradeRecord) {
	if w.url == "" {
		w.tel.ReportDebug("webhook url not configured, skipping notification", len(records))
		return
	}
	if len(records) == 0 {
		return
	}

	body := webhookBody{
		MsgType: "text",
		Content: webhookContent{Text: FormatMessage(records)},
	}
	res, err := w.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(w.url)
	if err != nil {
		w.tel.ReportWarning(report_webhook_post, err)
		return
	}
	if res.IsError() {
		w.tel.ReportWarning(report_webhook_post, fmt.Errorf("status %d", res.StatusCode()), res.String())
		return
	}
	w.tel.ReportDebug("webhook notified", len(records))
}

package notifier

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/model"
)

// WebhookNotifier pushes persisted alerts to an operator webhook. Delivery is
// best effort: the alert row is the source of truth, the webhook is a nudge.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	log    *logger.Entry
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)

	return &WebhookNotifier{
		client: client,
		url:    url,
		log:    logger.WithField("component", "notifier"),
	}
}

// NotifyAlert posts the alert to the configured webhook. A blank URL disables
// notification entirely.
func (n *WebhookNotifier) NotifyAlert(ctx context.Context, alert *model.Alert) {
	if n.url == "" {
		return
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alert).
		Post(n.url)
	if err != nil {
		n.log.WithError(err).WithField("alert_id", alert.ID).
			Error("failed to deliver alert webhook")
		return
	}

	if resp.IsError() {
		n.log.WithFields(logger.Fields{
			"alert_id": alert.ID,
			"status":   resp.StatusCode(),
		}).Warn("alert webhook returned error status")
		return
	}

	n.log.WithField("alert_id", alert.ID).Debug("alert webhook delivered")
}

// Package notifications delivers quota and operational alerts.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Alert is a single operator-facing notification.
type Alert struct {
	Kind         string    `json:"kind"`
	DepartmentID string    `json:"department_id"`
	LimitUSD     float64   `json:"limit_usd"`
	UsedUSD      float64   `json:"used_usd"`
	Percentage   float64   `json:"percentage"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier publishes alerts. Delivery is best effort; callers log and
// continue on error.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// SNSNotifier publishes alerts to an SNS topic with message attributes
// for subscription filtering.
type SNSNotifier struct {
	client   *sns.Client
	topicARN string
}

func NewSNSNotifier(ctx context.Context, region, topicARN string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicARN: topicARN}, nil
}

func (n *SNSNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	subject := fmt.Sprintf("Quota %s: department %s at %.0f%%", alert.Kind, alert.DepartmentID, alert.Percentage)

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: &n.topicARN,
		Subject:  &subject,
		Message:  strPtr(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    strPtr("String"),
				StringValue: &alert.Kind,
			},
			"department_id": {
				DataType:    strPtr("String"),
				StringValue: &alert.DepartmentID,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func strPtr(s string) *string { return &s }

// LogNotifier writes alerts to the structured log. It is the fallback
// when no SNS topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.WarnContext(ctx, "quota alert",
		"kind", alert.Kind,
		"department_id", alert.DepartmentID,
		"limit_usd", alert.LimitUSD,
		"used_usd", alert.UsedUSD,
		"percentage", alert.Percentage,
	)
	return nil
}

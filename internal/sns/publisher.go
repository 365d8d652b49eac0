package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventType tags alert messages so topic subscribers can filter on it.
type EventType string

const (
	EventSubscriptionSuspended EventType = "subscription_suspended"
)

// PublishAPI is the part of the SNS client the publisher uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends operator alerts to an SNS topic.
type Publisher struct {
	client   PublishAPI
	topicARN string
}

// SuspensionAlert is published when a subscription exhausts its retry budget.
type SuspensionAlert struct {
	Event          EventType `json:"event"`
	SubscriptionID string    `json:"subscription_id"`
	ServiceName    string    `json:"service_name"`
	WebhookURL     string    `json:"webhook_url"`
	RetryCount     int       `json:"retry_count"`
	LastError      string    `json:"last_error,omitempty"`
	SuspendedAt    time.Time `json:"suspended_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(cfg aws.Config, topicARN string) *Publisher {
	return NewPublisherWithAPI(sns.NewFromConfig(cfg), topicARN)
}

// NewPublisherWithAPI creates a publisher around an existing client.
func NewPublisherWithAPI(client PublishAPI, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

// PublishSuspension announces a suspended subscription.
func (p *Publisher) PublishSuspension(ctx context.Context, alert SuspensionAlert) (string, error) {
	if alert.Event == "" {
		alert.Event = EventSubscriptionSuspended
	}
	if alert.SuspendedAt.IsZero() {
		alert.SuspendedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String("Webhook subscription suspended: " + alert.ServiceName),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Event)),
			},
			"subscription_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.SubscriptionID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

package sqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/metrics"
)

// Config holds SQS consumer configuration.
type Config struct {
	QueueURL          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// API is the part of the SQS client the consumer uses.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one message body. A nil error deletes the message; an
// error leaves it to become visible again after the visibility timeout.
type Handler func(ctx context.Context, body []byte) error

// Consumer long-polls a queue of S3 ObjectCreated events.
type Consumer struct {
	client API
	config Config
	logger *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(awsCfg aws.Config, cfg Config, logger *zap.Logger) *Consumer {
	return NewConsumerWithAPI(sqs.NewFromConfig(awsCfg), cfg, logger)
}

// NewConsumerWithAPI creates a consumer around an existing client.
func NewConsumerWithAPI(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 300
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Run polls until ctx is cancelled. Messages of one batch are handled
// concurrently.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}

		n, err := c.Poll(ctx, handle)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("sqs batch handled", zap.Int("messages", n))
		}
	}
}

// Poll receives one batch and handles it. It returns the number of messages
// received.
func (c *Consumer) Poll(ctx context.Context, handle Handler) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	var wg sync.WaitGroup
	for _, msg := range out.Messages {
		wg.Add(1)
		go func(msg types.Message) {
			defer wg.Done()
			c.handleMessage(ctx, msg, handle)
		}(msg)
	}
	wg.Wait()

	return len(out.Messages), nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg types.Message, handle Handler) {
	log := c.logger.With(zap.String("sqs_message_id", aws.ToString(msg.MessageId)))

	if err := handle(ctx, []byte(aws.ToString(msg.Body))); err != nil {
		log.Warn("sqs message not processed, leaving for redelivery", zap.Error(err))
		return
	}

	if err := c.DeleteMessage(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
		log.Error("failed to delete sqs message", zap.Error(err))
	}
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

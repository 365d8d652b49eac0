package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSQS struct {
	mu         sync.Mutex
	batches    [][]types.Message
	receiveErr error
	deleted    []string
	receives   int
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func TestPoll_DeletesOnlyHandledMessages(t *testing.T) {
	api := &fakeSQS{batches: [][]types.Message{{
		message("1", `{"ok":true}`),
		message("2", `{"ok":false}`),
	}}}
	c := NewConsumerWithAPI(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())

	var mu sync.Mutex
	var seen []string
	n, err := c.Poll(context.Background(), func(ctx context.Context, body []byte) error {
		mu.Lock()
		seen = append(seen, string(body))
		mu.Unlock()
		if string(body) == `{"ok":false}` {
			return errors.New("ingest failed")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Len(t, seen, 2)
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}

func TestPoll_EmptyQueue(t *testing.T) {
	api := &fakeSQS{}
	c := NewConsumerWithAPI(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())

	n, err := c.Poll(context.Background(), func(ctx context.Context, body []byte) error {
		t.Fatal("handler must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPoll_ReceiveError(t *testing.T) {
	api := &fakeSQS{receiveErr: errors.New("throttled")}
	c := NewConsumerWithAPI(api, Config{QueueURL: "https://sqs/q"}, zap.NewNop())

	_, err := c.Poll(context.Background(), func(ctx context.Context, body []byte) error { return nil })
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	api := &fakeSQS{batches: [][]types.Message{{message("1", "{}")}}}
	c := NewConsumerWithAPI(api, Config{QueueURL: "https://sqs/q", ErrorBackoff: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		c.Run(ctx, func(ctx context.Context, body []byte) error {
			handled <- struct{}{}
			return nil
		})
		close(done)
	}()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("message was not handled")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewConsumerWithAPI_Defaults(t *testing.T) {
	c := NewConsumerWithAPI(&fakeSQS{}, Config{QueueURL: "q", MaxMessages: 50}, zap.NewNop())

	assert.Equal(t, int32(10), c.config.MaxMessages)
	assert.Equal(t, int32(20), c.config.WaitTimeSeconds)
	assert.Equal(t, int32(300), c.config.VisibilityTimeout)
}

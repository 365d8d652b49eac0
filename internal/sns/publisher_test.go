package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type fakePublishAPI struct {
	input *sns.PublishInput
	err   error
}

func (f *fakePublishAPI) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestPublisher_PublishSuspension(t *testing.T) {
	api := &fakePublishAPI{}
	p := NewPublisherWithAPI(api, "arn:aws:sns:us-east-1:123:alerts")

	id, err := p.PublishSuspension(context.Background(), SuspensionAlert{
		SubscriptionID: "sub-1",
		ServiceName:    "helpdesk",
		RetryCount:     3,
		LastError:      "HTTP 503",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "m-1" {
		t.Errorf("message id: got %s, want m-1", id)
	}

	if got := aws.ToString(api.input.TopicArn); got != "arn:aws:sns:us-east-1:123:alerts" {
		t.Errorf("topic: got %s", got)
	}

	attr, ok := api.input.MessageAttributes["event"]
	if !ok || aws.ToString(attr.StringValue) != string(EventSubscriptionSuspended) {
		t.Errorf("event attribute missing or wrong: %+v", attr)
	}

	var decoded SuspensionAlert
	if err := json.Unmarshal([]byte(aws.ToString(api.input.Message)), &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded.ServiceName != "helpdesk" || decoded.RetryCount != 3 {
		t.Errorf("unexpected alert body: %+v", decoded)
	}
	if decoded.SuspendedAt.IsZero() {
		t.Error("suspended_at should default to now")
	}
}

func TestPublisher_PublishError(t *testing.T) {
	p := NewPublisherWithAPI(&fakePublishAPI{err: errors.New("throttled")}, "arn")

	if _, err := p.PublishSuspension(context.Background(), SuspensionAlert{}); err == nil {
		t.Fatal("expected error")
	}
}

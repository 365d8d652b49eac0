package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/metrics"
	"github.com/lalithlochan/mailhook/internal/objectstore"
	"github.com/lalithlochan/mailhook/internal/sns"
)

// HandlePush processes one POST /inbound delivery: a wrapped SNS envelope or
// a raw SES notification. It never returns a nil result and never panics;
// every failure is reported as StatusError.
func (p *Pipeline) HandlePush(ctx context.Context, header http.Header, body []byte) (res *Result) {
	kind := sns.KindUnknown.String()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling push", zap.Any("panic", r))
			res = errorResult(fmt.Errorf("internal error: %v", r))
		}
		metrics.RecordInboundNotification(kind, string(res.Status))
	}()

	in, err := sns.Decode(header, body)
	if err != nil {
		p.logger.Warn("rejected push body", zap.Error(err))
		return errorResult(err)
	}
	kind = in.Kind.String()

	switch in.Kind {
	case sns.KindConfirmation:
		return p.confirm(ctx, in)

	case sns.KindNotification:
		n, err := in.SES()
		if err != nil {
			return errorResult(err)
		}
		res, err := p.ProcessNotification(ctx, n, in.Message, db.SourcePush)
		if err != nil {
			return errorResult(err)
		}
		return res

	case sns.KindUnsubscribe:
		p.logger.Info("unsubscribe confirmation received", zap.String("topic_arn", in.TopicARN()))
		return &Result{Status: StatusIgnored, Message: "unsubscribe confirmation"}

	default:
		p.logger.Info("unknown push type ignored", zap.String("topic_arn", in.TopicARN()))
		return &Result{Status: StatusIgnored, Message: "unknown message type"}
	}
}

// HandleObjectEvent processes one POST /inbound/object delivery: an S3 event
// notification (raw or inside an SNS envelope), a manual {bucket, key} body,
// or an SNS subscription confirmation.
func (p *Pipeline) HandleObjectEvent(ctx context.Context, header http.Header, body []byte) (res *Result) {
	return p.handleObjectEvent(ctx, header, body, db.SourceObject)
}

func (p *Pipeline) handleObjectEvent(ctx context.Context, header http.Header, body []byte, source string) (res *Result) {
	kind := sns.KindUnknown.String()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling object event", zap.Any("panic", r))
			res = errorResult(fmt.Errorf("internal error: %v", r))
		}
		metrics.RecordInboundNotification("object:"+kind, string(res.Status))
	}()

	in, err := sns.Decode(header, body)
	if err != nil {
		return errorResult(err)
	}
	kind = in.Kind.String()

	var event []byte
	switch in.Kind {
	case sns.KindConfirmation:
		return p.confirm(ctx, in)
	case sns.KindNotification:
		event = in.Message
	case sns.KindUnsubscribe:
		return &Result{Status: StatusIgnored, Message: "unsubscribe confirmation"}
	default:
		// No SNS type at all: the manual {bucket, key} shape.
		event = body
	}

	refs, err := objectstore.ParseEvent(event)
	if errors.Is(err, objectstore.ErrNoObjects) {
		return &Result{Status: StatusIgnored, Message: err.Error()}
	}
	if err != nil {
		return errorResult(err)
	}

	return p.ingestRefs(ctx, refs, source)
}

// HandleQueueMessage processes an SQS message body carrying an S3 event.
func (p *Pipeline) HandleQueueMessage(ctx context.Context, body []byte) *Result {
	return p.handleObjectEvent(ctx, http.Header{}, body, db.SourceQueue)
}

func (p *Pipeline) ingestRefs(ctx context.Context, refs []objectstore.Ref, source string) *Result {
	if len(refs) == 1 {
		res, err := p.IngestObject(ctx, refs[0].Bucket, refs[0].Key, source)
		if err != nil {
			return errorResult(err)
		}
		return res
	}

	agg := &Result{Status: StatusProcessed}
	var failures []string
	for _, ref := range refs {
		res, err := p.IngestObject(ctx, ref.Bucket, ref.Key, source)
		if err != nil {
			res = errorResult(err)
			res.MessageID = ref.Key
		}
		if res.Status == StatusError {
			failures = append(failures, ref.Key+": "+res.Message)
		}
		agg.Results = append(agg.Results, res)
	}

	agg.Message = fmt.Sprintf("%d of %d objects ingested", len(refs)-len(failures), len(refs))
	if len(failures) > 0 {
		agg.Status = StatusError
		agg.Message += "; " + strings.Join(failures, "; ")
	}
	return agg
}

func (p *Pipeline) confirm(ctx context.Context, in *sns.Inbound) *Result {
	if p.confirmer == nil {
		return &Result{Status: StatusIgnored, Message: "subscription confirmation disabled"}
	}

	if err := p.confirmer.Confirm(ctx, in.Envelope.SubscribeURL); err != nil {
		return errorResult(err)
	}

	p.logger.Info("sns subscription confirmed", zap.String("topic_arn", in.TopicARN()))
	return &Result{Status: StatusConfirmed, Message: "subscription confirmed"}
}

func errorResult(err error) *Result {
	return &Result{Status: StatusError, Message: err.Error()}
}

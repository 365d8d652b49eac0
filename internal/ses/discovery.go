package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"
)

// ErrNoS3Action is returned when no enabled rule in the active receipt rule
// set writes messages to S3.
var ErrNoS3Action = errors.New("ses: active receipt rule set has no S3 action")

// ReceiptRuleAPI is the part of the SES client used for discovery.
type ReceiptRuleAPI interface {
	DescribeActiveReceiptRuleSet(ctx context.Context, params *ses.DescribeActiveReceiptRuleSetInput, optFns ...func(*ses.Options)) (*ses.DescribeActiveReceiptRuleSetOutput, error)
}

// StorageTarget is the bucket and key prefix an S3 receipt action writes to.
type StorageTarget struct {
	RuleSet string
	Rule    string
	Bucket  string
	Prefix  string
}

// Discoverer reads the active receipt rule set to find the inbound bucket.
type Discoverer struct {
	client ReceiptRuleAPI
	logger *zap.Logger
}

// NewDiscoverer creates a receipt rule discoverer around an SES client.
func NewDiscoverer(cfg aws.Config, logger *zap.Logger) *Discoverer {
	return NewDiscovererWithAPI(ses.NewFromConfig(cfg), logger)
}

// NewDiscovererWithAPI is used by tests to inject a fake client.
func NewDiscovererWithAPI(client ReceiptRuleAPI, logger *zap.Logger) *Discoverer {
	return &Discoverer{client: client, logger: logger}
}

// StorageTarget returns the S3 action of the first enabled rule that has one.
func (d *Discoverer) StorageTarget(ctx context.Context) (*StorageTarget, error) {
	out, err := d.client.DescribeActiveReceiptRuleSet(ctx, &ses.DescribeActiveReceiptRuleSetInput{})
	if err != nil {
		return nil, fmt.Errorf("describe active receipt rule set: %w", err)
	}

	var ruleSet string
	if out.Metadata != nil {
		ruleSet = aws.ToString(out.Metadata.Name)
	}

	for _, rule := range out.Rules {
		if !rule.Enabled {
			continue
		}
		for _, action := range rule.Actions {
			if action.S3Action == nil || aws.ToString(action.S3Action.BucketName) == "" {
				continue
			}

			target := &StorageTarget{
				RuleSet: ruleSet,
				Rule:    aws.ToString(rule.Name),
				Bucket:  aws.ToString(action.S3Action.BucketName),
				Prefix:  aws.ToString(action.S3Action.ObjectKeyPrefix),
			}

			d.logger.Info("discovered inbound storage from receipt rule",
				zap.String("rule_set", target.RuleSet),
				zap.String("rule", target.Rule),
				zap.String("bucket", target.Bucket),
				zap.String("prefix", target.Prefix),
			)

			return target, nil
		}
	}

	return nil, ErrNoS3Action
}

// Package objectstore reads raw inbound messages from S3, where the SES
// receipt rule stores them, behind a circuit breaker.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// SetupNotificationKey is the marker object SES writes when an S3 action is
// first configured. It is not a message.
const SetupNotificationKey = "AMAZON_SES_SETUP_NOTIFICATION"

var (
	// ErrObjectNotFound is returned when the bucket has no such key.
	ErrObjectNotFound = errors.New("objectstore: object not found")

	// ErrObjectTooLarge is returned when an object exceeds the fetch limit.
	ErrObjectTooLarge = errors.New("objectstore: object too large")
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectInfo describes one listed key.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store fetches and lists inbound message objects.
type Store struct {
	client   S3API
	getCB    *gobreaker.CircuitBreaker[[]byte]
	listCB   *gobreaker.CircuitBreaker[*s3.ListObjectsV2Output]
	maxBytes int64
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxObjectBytes caps the size of a fetched object.
func WithMaxObjectBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// New creates a store around an S3 client.
func New(client S3API, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client:   client,
		maxBytes: 40 << 20,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.getCB = gobreaker.NewCircuitBreaker[[]byte](breakerSettings("s3-get", logger))
	s.listCB = gobreaker.NewCircuitBreaker[*s3.ListObjectsV2Output](breakerSettings("s3-list", logger))
	return s
}

// NewFromConfig creates a store from an AWS config.
func NewFromConfig(cfg aws.Config, logger *zap.Logger, opts ...Option) *Store {
	return New(s3.NewFromConfig(cfg), logger, opts...)
}

func breakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing key is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrObjectNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

// Fetch returns the full contents of bucket/key.
func (s *Store) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.getCB.Execute(func() ([]byte, error) {
		return s.fetch(ctx, bucket, key)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *Store) fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, ErrObjectTooLarge
	}

	s.logger.Debug("fetched inbound object",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)

	return data, nil
}

// List returns at most maxKeys message keys under prefix, in key order and
// strictly after startAfter when it is set. Pagination stops as soon as the
// cap is reached so a large backlog never turns into an unbounded listing.
// Directory placeholders and the SES setup marker are skipped.
func (s *Store) List(ctx context.Context, bucket, prefix, startAfter string, maxKeys int) ([]ObjectInfo, error) {
	var (
		objects []ObjectInfo
		token   *string
	)

	for len(objects) < maxKeys {
		remaining := int32(maxKeys - len(objects))
		if remaining > 1000 {
			remaining = 1000
		}

		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			MaxKeys:           aws.Int32(remaining),
			ContinuationToken: token,
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if startAfter != "" && token == nil {
			input.StartAfter = aws.String(startAfter)
		}

		out, err := s.listCB.Execute(func() (*s3.ListObjectsV2Output, error) {
			return s.client.ListObjectsV2(ctx, input)
		})
		if err != nil {
			return objects, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !IsMessageKey(key) {
				continue
			}
			objects = append(objects, ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			if len(objects) >= maxKeys {
				break
			}
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	return objects, nil
}

// IsMessageKey reports whether key can hold a stored message.
func IsMessageKey(key string) bool {
	if key == "" || strings.HasSuffix(key, "/") {
		return false
	}
	return path.Base(key) != SetupNotificationKey
}

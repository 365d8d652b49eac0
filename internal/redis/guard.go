package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ingestDoneTTL covers the window in which SNS redelivers a notification
	// and a reconciliation sweep may rediscover the same object.
	ingestDoneTTL = 24 * time.Hour

	// ingestProcessingTTL bounds how long a crashed ingest blocks others.
	ingestProcessingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrIngestInProgress means another request is ingesting the same message.
var ErrIngestInProgress = errors.New("ingest already in progress for message")

// IngestResult is the cached outcome of ingesting one provider message.
type IngestResult struct {
	EmailID   string `json:"email_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// IngestGuard short-circuits repeated ingestion of the same provider message
// id before any object fetch happens. It is an optimisation only: the
// database unique constraint remains the source of truth.
type IngestGuard struct {
	client *Client
	logger *zap.Logger
}

// NewIngestGuard creates a new ingest guard.
func NewIngestGuard(client *Client, logger *zap.Logger) *IngestGuard {
	return &IngestGuard{
		client: client,
		logger: logger,
	}
}

func (g *IngestGuard) buildKey(messageID string) string {
	return key("ingest", messageID)
}

// Check returns the cached result for messageID. It returns (nil, nil) when
// the message is unknown and ErrIngestInProgress while it is reserved.
func (g *IngestGuard) Check(ctx context.Context, messageID string) (*IngestResult, error) {
	val, err := g.client.rdb.Get(ctx, g.buildKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrIngestInProgress
	}

	var result IngestResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		g.logger.Error("failed to unmarshal ingest result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	g.logger.Debug("ingest guard hit",
		zap.String("message_id", messageID),
		zap.String("email_id", result.EmailID),
	)

	return &result, nil
}

// Reserve marks messageID as being ingested using SET NX.
func (g *IngestGuard) Reserve(ctx context.Context, messageID string) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.buildKey(messageID), processingMarker, ingestProcessingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a cached result, or reserves the message and returns
// (nil, nil) so the caller proceeds with ingestion.
func (g *IngestGuard) CheckOrReserve(ctx context.Context, messageID string) (*IngestResult, error) {
	result, err := g.Check(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := g.Reserve(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrIngestInProgress
	}

	return nil, nil
}

// Complete replaces the reservation with the final result.
func (g *IngestGuard) Complete(ctx context.Context, messageID string, result *IngestResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := g.client.rdb.Set(ctx, g.buildKey(messageID), data, ingestDoneTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation after a failed attempt so a retry can proceed.
func (g *IngestGuard) Release(ctx context.Context, messageID string) error {
	if err := g.client.rdb.Del(ctx, g.buildKey(messageID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
